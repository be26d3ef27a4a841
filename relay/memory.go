package relay

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryRelay is an in-process Relay for tests: envelopes published on a
// notebook channel are delivered synchronously to every other subscriber.
type MemoryRelay struct {
	mu   sync.Mutex
	subs map[string]map[int]func(Envelope)
	next int
	node string
}

func NewMemory() *MemoryRelay {
	return &MemoryRelay{subs: make(map[string]map[int]func(Envelope)), node: uuid.NewString()}
}

// WithNode returns a handle sharing this relay's channels but publishing
// under a distinct node identity, so one test can play two processes.
func (r *MemoryRelay) WithNode(node string) Relay {
	return &memoryHandle{relay: r, node: node}
}

func (r *MemoryRelay) Node() string { return r.node }

func (r *MemoryRelay) Publish(ctx context.Context, notebook string, env Envelope) error {
	r.mu.Lock()
	handlers := make([]func(Envelope), 0, len(r.subs[notebook]))
	for _, h := range r.subs[notebook] {
		handlers = append(handlers, h)
	}
	r.mu.Unlock()
	for _, h := range handlers {
		h(env)
	}
	return nil
}

func (r *MemoryRelay) Subscribe(ctx context.Context, notebook string, handler func(Envelope)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs[notebook] == nil {
		r.subs[notebook] = make(map[int]func(Envelope))
	}
	id := r.next
	r.next++
	r.subs[notebook][id] = handler
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs[notebook], id)
	}
}

type memoryHandle struct {
	relay *MemoryRelay
	node  string
}

func (h *memoryHandle) Node() string { return h.node }

func (h *memoryHandle) Publish(ctx context.Context, notebook string, env Envelope) error {
	return h.relay.Publish(ctx, notebook, env)
}

func (h *memoryHandle) Subscribe(ctx context.Context, notebook string, handler func(Envelope)) func() {
	return h.relay.Subscribe(ctx, notebook, handler)
}
