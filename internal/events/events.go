// Package events defines the market-wide event envelope and the emitter
// interface consumed by the identity, listing, market and dispute
// components, together with an in-memory implementation used by tests and
// single-process deployments.
package events

import (
	"context"
	"encoding/json"
	"sync"
)

// Event is the JSON envelope published for every domain occurrence listed in
// the specification's external interface section.
type Event struct {
	Name       string         `json:"name"`
	TaskID     uint64         `json:"task_id,omitempty"`
	AgentID    uint64         `json:"agent_id,omitempty"`
	ListingID  uint64         `json:"listing_id,omitempty"`
	OccurredAt int64          `json:"occurred_at"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// Emitter publishes domain events to whichever transport backs it.
type Emitter interface {
	Emit(ctx context.Context, event Event) error
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(ctx context.Context, event Event) error

// Emit implements Emitter.
func (f EmitterFunc) Emit(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Recorder is an in-memory Emitter that stores every event it receives. It is
// grounded on the teacher's mutex-guarded in-memory store idiom and is used
// by tests and by the memory-only deployment profile.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder constructs an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Emit implements Emitter.
func (r *Recorder) Emit(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a snapshot of every event recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Marshal serializes an event to its wire representation.
func Marshal(event Event) ([]byte, error) {
	return json.Marshal(event)
}

func unmarshal(data []byte, event *Event) error {
	return json.Unmarshal(data, event)
}
