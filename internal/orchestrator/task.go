// Package orchestrator distributes independent units of work over an
// execution backend and hands their results back as they complete.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"stereodsm/internal/errs"
)

// Handle identifies a submitted task.
type Handle string

// Task is a serializable unit of work. Payload is decoded by the handler
// registered for Kind.
type Task struct {
	Kind    string          `json:"kind"`
	Index   int             `json:"index"`
	Payload json.RawMessage `json:"payload"`
}

// Job is a task bound to its handle, as seen by backends.
type Job struct {
	Handle Handle `json:"handle"`
	Task   Task   `json:"task"`
}

// Result is the outcome of one job. Err is set instead of Payload when the
// job failed or could not run.
type Result struct {
	Handle   Handle
	Kind     string
	Index    int
	Payload  json.RawMessage
	Err      error
	Duration time.Duration
}

// NewTask encodes in as the payload of a task of the given kind.
func NewTask[In any](kind string, index int, in In) (Task, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return Task{}, fmt.Errorf("encode %s task %d: %w", kind, index, err)
	}
	return Task{Kind: kind, Index: index, Payload: payload}, nil
}

// Decode unpacks the payload of a successful result.
func Decode[Out any](r Result) (Out, error) {
	var out Out
	if r.Err != nil {
		return out, r.Err
	}
	if err := json.Unmarshal(r.Payload, &out); err != nil {
		return out, fmt.Errorf("decode %s result: %w", r.Kind, err)
	}
	return out, nil
}

// Handler executes the payload of one task kind.
type Handler func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Typed adapts a typed function into a Handler.
func Typed[In, Out any](fn func(context.Context, In) (Out, error)) Handler {
	return func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var in In
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, fmt.Errorf("%w: decode payload: %v", errs.ErrInvalidArgument, err)
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	}
}

// Registry maps task kinds to handlers. Coordinator and workers must share
// the same set of kinds.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds kind to h, replacing any previous handler.
func (r *Registry) Register(kind string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Kinds lists the registered task kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Execute runs t with its handler. A panicking handler is reported as an error.
func (r *Registry) Execute(ctx context.Context, t Task) (out json.RawMessage, err error) {
	r.mu.RLock()
	h, ok := r.handlers[t.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no handler for task kind %q", errs.ErrConfiguration, t.Kind)
	}
	defer func() {
		if p := recover(); p != nil {
			out, err = nil, fmt.Errorf("task %s %d panicked: %v", t.Kind, t.Index, p)
		}
	}()
	return h(ctx, t.Payload)
}
