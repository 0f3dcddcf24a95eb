package executor

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// Handler runs the business logic for one job topic. A nil return means success;
// any error is a retryable failure.
type Handler interface {
	Execute(ctx context.Context, payload json.RawMessage) error
}

type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

func (f HandlerFunc) Execute(ctx context.Context, payload json.RawMessage) error {
	return f(ctx, payload)
}

type entry struct {
	h        Handler
	readOnly bool
}

type RegisterOption func(*entry)

// ReadOnly marks a topic as not mutating state, so it keeps running under write freeze.
func ReadOnly() RegisterOption { return func(e *entry) { e.readOnly = true } }

// Registry maps topics to handlers. Topics are assumed to mutate state unless
// registered ReadOnly or marked with MarkReadOnly.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]entry
	readOnly map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]entry), readOnly: make(map[string]bool)}
}

func (r *Registry) Register(topic string, h Handler, opts ...RegisterOption) {
	e := entry{h: h}
	for _, o := range opts {
		o(&e)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[topic] = e
}

func (r *Registry) Lookup(topic string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.handlers[topic]
	return e.h, ok
}

// MarkReadOnly flags topics as read-only without registering handlers, for processes
// that claim jobs they do not execute themselves.
func (r *Registry) MarkReadOnly(topics ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range topics {
		r.readOnly[t] = true
	}
}

func (r *Registry) Mutates(topic string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.readOnly[topic] {
		return false
	}
	return !r.handlers[topic].readOnly
}

func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
