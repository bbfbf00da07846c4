// Package telemetry provides a JSONL event stream for build sessions. Cycle
// boundaries, task state transitions, and watch settling are recorded as
// structured JSON events so incremental rebuilds can be audited afterwards.
package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event kinds identify the type of telemetry event.
const (
	KindSessionStart = "session_start"
	KindCycleStart   = "cycle_start"
	KindCycleDone    = "cycle_done"
	KindTaskState    = "task_state"
	KindWatchSettled = "watch_settled"
)

// Kinds lists every event kind in the order a session produces them.
func Kinds() []string {
	return []string{KindSessionStart, KindCycleStart, KindTaskState, KindCycleDone, KindWatchSettled}
}

// Event represents a single telemetry record.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Kind      string    `json:"kind"`
	SessionID string    `json:"session,omitempty"`
	Task      string    `json:"task,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// NewSessionID returns a fresh identifier for one pulsar invocation.
func NewSessionID() string {
	return uuid.NewString()
}

// Emitter writes telemetry events to a JSONL file. It is safe for concurrent
// use by multiple goroutines. A nil *Emitter is a valid no-op emitter.
type Emitter struct {
	file    *os.File
	enc     *json.Encoder
	session string
	mu      sync.Mutex
}

// NewEmitter creates an Emitter that appends JSONL events to the file at
// path, stamping each recorded event with session.
func NewEmitter(path, session string) (*Emitter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open %s: %w", path, err)
	}
	return &Emitter{
		file:    f,
		enc:     json.NewEncoder(f),
		session: session,
	}, nil
}

// Session returns the session id stamped on recorded events.
func (e *Emitter) Session() string {
	if e == nil {
		return ""
	}
	return e.session
}

// Emit writes a single event as-is. Calling Emit on a nil Emitter is a no-op.
func (e *Emitter) Emit(evt Event) error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(evt); err != nil {
		return fmt.Errorf("telemetry: encode event: %w", err)
	}
	return nil
}

// Record emits an event of kind for task, filling in the timestamp and
// session id.
func (e *Emitter) Record(kind, task string, data any) error {
	if e == nil {
		return nil
	}
	return e.Emit(Event{
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		SessionID: e.session,
		Task:      task,
		Data:      data,
	})
}

// Close closes the underlying file. Calling Close on a nil Emitter is a
// no-op.
func (e *Emitter) Close() error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.file.Close(); err != nil {
		return fmt.Errorf("telemetry: close: %w", err)
	}
	return nil
}
