package utils

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// MaxConnectionLogEntries caps the in-memory connection log. Older entries
// are discarded once the cap is reached.
const MaxConnectionLogEntries = 500

// ConnectionLog is a bounded, phase-tagged log of connection activity. It
// backs the /log/export endpoint and streams entries to WebSocket clients as
// they are appended.
type ConnectionLog struct {
	mu      sync.Mutex
	entries []ConnectionLogEntry
	hub     *WebSocketHub
}

func NewConnectionLog(hub *WebSocketHub) *ConnectionLog {
	return &ConnectionLog{
		entries: make([]ConnectionLogEntry, 0, MaxConnectionLogEntries),
		hub:     hub,
	}
}

func (cl *ConnectionLog) Append(phase, message string) {
	entry := ConnectionLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Phase:     phase,
		Message:   message,
	}

	cl.mu.Lock()
	cl.entries = append(cl.entries, entry)
	if len(cl.entries) > MaxConnectionLogEntries {
		cl.entries = cl.entries[len(cl.entries)-MaxConnectionLogEntries:]
	}
	cl.mu.Unlock()

	if cl.hub != nil {
		cl.hub.Broadcast(WebSocketEvent{
			Type:    "connection/log",
			Payload: ConnectionLogPayload{Entry: entry},
		})
	}
}

func (cl *ConnectionLog) Appendf(phase, format string, args ...interface{}) {
	cl.Append(phase, fmt.Sprintf(format, args...))
}

// Entries returns a snapshot of the log, oldest first.
func (cl *ConnectionLog) Entries() []ConnectionLogEntry {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	out := make([]ConnectionLogEntry, len(cl.entries))
	copy(out, cl.entries)
	return out
}

func (cl *ConnectionLog) Len() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.entries)
}

// Export renders the log as line-delimited text for the export endpoint.
func (cl *ConnectionLog) Export() string {
	entries := cl.Entries()
	var b strings.Builder
	for _, e := range entries {
		ts := time.UnixMilli(e.Timestamp).UTC().Format("2006-01-02T15:04:05.000Z")
		fmt.Fprintf(&b, "%s [%s] %s\n", ts, e.Phase, e.Message)
	}
	return b.String()
}
