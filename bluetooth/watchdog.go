package bluetooth

import (
	"sync"
	"time"
)

// WatchdogSupervisor schedules single-shot deadlines for in-flight
// operations. Each watchdog is tagged with the phase and sequence it guards;
// a firing posts an EventWatchdog carrying the tag, and the orchestrator
// discards firings whose tag no longer matches the current phase. Cancelling
// after the timer has fired is a harmless no-op.
type WatchdogSupervisor struct {
	sink chan<- Event

	mu     sync.Mutex
	timers map[int]*time.Timer
	nextID int
}

func NewWatchdogSupervisor(sink chan<- Event) *WatchdogSupervisor {
	return &WatchdogSupervisor{
		sink:   sink,
		timers: make(map[int]*time.Timer),
		nextID: 1,
	}
}

// Arm schedules a watchdog and returns its id for cancellation.
func (ws *WatchdogSupervisor) Arm(d time.Duration, phase Phase, seq uint64) int {
	ws.mu.Lock()
	id := ws.nextID
	ws.nextID++

	timer := time.AfterFunc(d, func() {
		ws.mu.Lock()
		_, live := ws.timers[id]
		delete(ws.timers, id)
		ws.mu.Unlock()

		// Lost the race against Cancel; the guard is gone.
		if !live {
			return
		}

		ws.sink <- Event{Kind: EventWatchdog, Phase: phase, Sequence: seq, Timer: id}
	})

	ws.timers[id] = timer
	ws.mu.Unlock()
	return id
}

func (ws *WatchdogSupervisor) Cancel(id int) {
	ws.mu.Lock()
	timer, ok := ws.timers[id]
	if ok {
		delete(ws.timers, id)
	}
	ws.mu.Unlock()

	if ok {
		timer.Stop()
	}
}

func (ws *WatchdogSupervisor) CancelAll() {
	ws.mu.Lock()
	timers := ws.timers
	ws.timers = make(map[int]*time.Timer)
	ws.mu.Unlock()

	for _, timer := range timers {
		timer.Stop()
	}
}

// Active returns the number of armed, unfired watchdogs.
func (ws *WatchdogSupervisor) Active() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.timers)
}
