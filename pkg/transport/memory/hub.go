// Package memory is an in-process broadcast transport. Every endpoint joined
// to a Hub receives what the others send, never its own operations.
package memory

import (
	"sync"

	"peerelect/pkg/metrics"
	"peerelect/pkg/protocol"
	"peerelect/pkg/transport"
)

// Filter decides whether op sent by from reaches to. Returning false drops it.
type Filter func(from, to string, op protocol.Operation) bool

// Hub fans operations out to joined endpoints.
type Hub struct {
	mu         sync.RWMutex
	endpoints  map[*Endpoint]struct{}
	filter     Filter
	bufferSize int
}

// NewHub creates an empty hub whose endpoints buffer up to bufferSize
// operations. A non-positive size uses transport.DefaultBufferSize.
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = transport.DefaultBufferSize
	}
	return &Hub{
		endpoints:  make(map[*Endpoint]struct{}),
		bufferSize: bufferSize,
	}
}

// SetFilter installs a delivery filter, or removes it when f is nil.
func (h *Hub) SetFilter(f Filter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.filter = f
}

// Join attaches a new endpoint identified by name for filtering.
func (h *Hub) Join(name string) *Endpoint {
	e := &Endpoint{
		hub:   h,
		name:  name,
		inbox: transport.NewInbox(h.bufferSize),
	}

	h.mu.Lock()
	h.endpoints[e] = struct{}{}
	h.mu.Unlock()
	return e
}

// Size returns the number of joined endpoints.
func (h *Hub) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.endpoints)
}

func (h *Hub) broadcast(from *Endpoint, op protocol.Operation) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, joined := h.endpoints[from]; !joined {
		return transport.ErrClosed
	}
	for to := range h.endpoints {
		if to == from {
			continue
		}
		if h.filter != nil && !h.filter(from.name, to.name, op) {
			continue
		}
		if !to.inbox.Deliver(op) {
			metrics.OperationsDropped.WithLabelValues("inbox_full").Inc()
		}
	}
	return nil
}

func (h *Hub) leave(e *Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.endpoints, e)
}

// Endpoint is one peer's view of the hub. It implements transport.Transport.
type Endpoint struct {
	hub   *Hub
	name  string
	inbox *transport.Inbox
	once  sync.Once
}

// Name returns the endpoint's filter name.
func (e *Endpoint) Name() string {
	return e.name
}

// Send delivers op to every other endpoint without blocking.
func (e *Endpoint) Send(op protocol.Operation) error {
	return e.hub.broadcast(e, op)
}

// Messages returns operations sent by other endpoints.
func (e *Endpoint) Messages() <-chan protocol.Operation {
	return e.inbox.C()
}

// Close detaches the endpoint and closes its inbound stream.
func (e *Endpoint) Close() error {
	e.once.Do(func() {
		e.hub.leave(e)
		e.inbox.Close()
	})
	return nil
}

// Candidate offers the hub as a transport choice. It is always supported.
func Candidate(h *Hub, name string) transport.Candidate {
	return transport.Candidate{
		Name:      "memory",
		Supported: func() bool { return true },
		Open:      func() (transport.Transport, error) { return h.Join(name), nil },
	}
}
