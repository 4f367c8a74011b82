// Package events is a bounded in-memory stream of pipeline state changes.
// Clients poll it with the last sequence number they saw.
package events

import (
	"sync"
	"time"

	"github.com/3leaps/clipforge/pkg/model"
)

// Type classifies an event.
type Type string

const (
	JobClaimed Type = "job_claimed"
	JobDone    Type = "job_done"
	JobRetry   Type = "job_retry"
	JobFailed  Type = "job_failed"
	ClipState  Type = "clip_state"
	BatchState Type = "batch_state"
)

// Event is one sequenced state change.
type Event struct {
	Seq         int64             `json:"seq"`
	Timestamp   time.Time         `json:"ts"`
	Type        Type              `json:"type"`
	BatchID     string            `json:"batch_id"`
	ClipID      string            `json:"clip_id,omitempty"`
	JobID       string            `json:"job_id,omitempty"`
	JobType     model.JobType     `json:"job_type,omitempty"`
	Attempt     int               `json:"attempt,omitempty"`
	BatchStatus model.BatchStatus `json:"batch_status,omitempty"`
	ClipStatus  model.ClipStatus  `json:"clip_status,omitempty"`
	UIState     model.ClipUIState `json:"ui_state,omitempty"`
	Message     string            `json:"message,omitempty"`
}

// Publisher is what the worker needs from a bus.
type Publisher interface {
	Publish(Event) Event
}

// Bus stores recent events and provides incremental reads.
type Bus struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    []Event
}

// NewBus creates a bus holding at most maxEvents (default 1000).
func NewBus(maxEvents int) *Bus {
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	return &Bus{
		maxEvents: maxEvents,
		events:    make([]Event, 0, maxEvents),
	}
}

// Publish appends one event and assigns sequence and timestamp.
func (b *Bus) Publish(event Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	event.Seq = b.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.events = append(b.events, event)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]Event(nil), b.events[trim:]...)
	}
	return event
}

// Since returns events with sequence strictly greater than seq.
func (b *Bus) Since(seq int64) []Event {
	return b.filter(seq, "")
}

// ForBatch returns a batch's events with sequence strictly greater than seq.
func (b *Bus) ForBatch(batchID string, seq int64) []Event {
	return b.filter(seq, batchID)
}

// LastSeq returns the most recently assigned sequence number.
func (b *Bus) LastSeq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nextSeq
}

func (b *Bus) filter(seq int64, batchID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.events) == 0 {
		return nil
	}
	out := make([]Event, 0, len(b.events))
	for _, e := range b.events {
		if e.Seq <= seq {
			continue
		}
		if batchID != "" && e.BatchID != batchID {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Discard drops every event. It is the publisher used when no bus is wired.
type Discard struct{}

func (Discard) Publish(e Event) Event { return e }
