package ledger

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/reswarm/internal/bus"
)

// monitorInterval is how often the monitor polls for rows past the last
// seen id. The index on (address, tool_name) plus the id watermark keeps
// each poll cheap.
const monitorInterval = 500 * time.Millisecond

type monitor struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// StartMonitoring begins polling for new rows and publishes one
// bus.EventToolCall per row. Calling it twice is a no-op.
func (l *Ledger) StartMonitoring(events *bus.Bus) {
	l.mu.Lock()
	if l.monitor != nil {
		l.mu.Unlock()
		return
	}
	m := &monitor{stop: make(chan struct{}), done: make(chan struct{})}
	l.monitor = m

	// Start past existing rows so only fresh activity is emitted.
	var lastSeen int64
	if err := l.db.QueryRow(`SELECT COALESCE(MAX(id), 0) FROM tool_calls`).Scan(&lastSeen); err != nil {
		slog.Warn("ledger: monitor watermark query failed", "error", err)
	}
	l.mu.Unlock()

	go l.monitorLoop(m, events, lastSeen)
}

// StopMonitoring halts the polling goroutine and waits for it to exit.
func (l *Ledger) StopMonitoring() {
	l.mu.Lock()
	m := l.monitor
	l.monitor = nil
	l.mu.Unlock()

	if m == nil {
		return
	}
	m.once.Do(func() { close(m.stop) })
	<-m.done
}

func (l *Ledger) monitorLoop(m *monitor, events *bus.Bus, lastSeen int64) {
	defer close(m.done)

	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		}

		calls, maxID, err := l.callsAfter(lastSeen)
		if err != nil {
			slog.Warn("ledger: monitor poll failed", "error", err)
			continue
		}
		if maxID > lastSeen {
			lastSeen = maxID
		}

		for _, call := range calls {
			events.Publish(bus.Event{
				Kind:   bus.EventToolCall,
				Source: call.AgentID,
				Payload: map[string]any{
					"agent_id":   call.AgentID,
					"tool_name":  call.ToolName,
					"address":    call.Address,
					"parameters": call.Params,
					"is_write":   call.IsWrite,
					"call_id":    call.ID,
				},
			})
		}
	}
}

// callsAfter returns rows with id > watermark plus the highest id seen,
// including ids of rows that failed to deserialize (they are skipped but
// never re-visited).
func (l *Ledger) callsAfter(watermark int64) ([]ToolCall, int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.Query(
		`SELECT id, agent_id, tool_name, address, parameters_json, timestamp, is_write
		 FROM tool_calls WHERE id > ? ORDER BY id`, watermark)
	if err != nil {
		return nil, watermark, err
	}
	defer rows.Close()

	var (
		calls []ToolCall
		maxID = watermark
	)
	for rows.Next() {
		call, _, err := scanToolCall(rows)
		if call.ID > maxID {
			maxID = call.ID
		}
		if err != nil {
			// Undeserializable rows are skipped but never re-visited.
			continue
		}
		calls = append(calls, call)
	}
	return calls, maxID, rows.Err()
}
