package bluetooth

import (
	"testing"
	"time"
)

func TestWatchdogFiresWithTag(t *testing.T) {
	sink := make(chan Event, 4)
	ws := NewWatchdogSupervisor(sink)

	id := ws.Arm(10*time.Millisecond, PhaseDirectAuto, 7)

	select {
	case evt := <-sink:
		if evt.Kind != EventWatchdog {
			t.Fatalf("Expected watchdog event, got %v", evt.Kind)
		}
		if evt.Phase != PhaseDirectAuto || evt.Sequence != 7 || evt.Timer != id {
			t.Errorf("Wrong tag on firing: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("Watchdog never fired")
	}

	if ws.Active() != 0 {
		t.Errorf("Expected zero active watchdogs after fire, got %d", ws.Active())
	}
}

func TestWatchdogCancelPreventsFiring(t *testing.T) {
	sink := make(chan Event, 4)
	ws := NewWatchdogSupervisor(sink)

	id := ws.Arm(30*time.Millisecond, PhaseScanning, 1)
	ws.Cancel(id)

	select {
	case evt := <-sink:
		t.Fatalf("Cancelled watchdog fired: %+v", evt)
	case <-time.After(100 * time.Millisecond):
	}

	if ws.Active() != 0 {
		t.Errorf("Expected zero active watchdogs after cancel, got %d", ws.Active())
	}
}

func TestWatchdogCancelAll(t *testing.T) {
	sink := make(chan Event, 8)
	ws := NewWatchdogSupervisor(sink)

	ws.Arm(50*time.Millisecond, PhaseDirectAuto, 1)
	ws.Arm(50*time.Millisecond, PhaseDirectLE, 1)
	ws.Arm(50*time.Millisecond, PhaseScanning, 1)

	if ws.Active() != 3 {
		t.Fatalf("Expected 3 active watchdogs, got %d", ws.Active())
	}

	ws.CancelAll()

	if ws.Active() != 0 {
		t.Errorf("Expected zero active watchdogs after CancelAll, got %d", ws.Active())
	}

	select {
	case evt := <-sink:
		t.Fatalf("Watchdog fired after CancelAll: %+v", evt)
	case <-time.After(120 * time.Millisecond):
	}
}

func TestWatchdogCancelAfterFireIsNoOp(t *testing.T) {
	sink := make(chan Event, 4)
	ws := NewWatchdogSupervisor(sink)

	id := ws.Arm(5*time.Millisecond, PhaseRepair, 2)

	select {
	case <-sink:
	case <-time.After(time.Second):
		t.Fatal("Watchdog never fired")
	}

	ws.Cancel(id)
	if ws.Active() != 0 {
		t.Errorf("Expected zero active watchdogs, got %d", ws.Active())
	}
}

func TestWatchdogIDsAreUnique(t *testing.T) {
	sink := make(chan Event, 8)
	ws := NewWatchdogSupervisor(sink)
	defer ws.CancelAll()

	seen := map[int]bool{}
	for i := 0; i < 5; i++ {
		id := ws.Arm(time.Minute, PhaseIdle, 0)
		if seen[id] {
			t.Fatalf("Duplicate watchdog id %d", id)
		}
		seen[id] = true
	}
}
