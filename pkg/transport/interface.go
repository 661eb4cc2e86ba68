// Package transport abstracts the origin-scoped broadcast primitive peers
// talk over. Implementations live in sub-packages.
package transport

import (
	"errors"
	"fmt"

	"peerelect/pkg/protocol"
)

var (
	ErrClosed       = errors.New("transport closed")
	ErrBackpressure = errors.New("transport outbox full")
	ErrNoTransport  = errors.New("no supported transport")
)

// Transport broadcasts operations to every other peer in the same scope.
type Transport interface {
	// Send queues op for delivery to all other peers. It must not block and
	// must never deliver op back to the sender. Delivery is best-effort.
	Send(op protocol.Operation) error

	// Messages returns the inbound stream. It is closed by Close.
	Messages() <-chan protocol.Operation

	// Close releases the transport.
	Close() error
}

// Candidate is one broadcast primitive the process may use.
type Candidate struct {
	Name      string
	Supported func() bool
	Open      func() (Transport, error)
}

// Pick opens the first supported candidate, in order. A supported candidate
// that fails to open is skipped.
func Pick(candidates ...Candidate) (Transport, string, error) {
	var errs []error
	for _, c := range candidates {
		if c.Supported != nil && !c.Supported() {
			continue
		}
		t, err := c.Open()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
			continue
		}
		return t, c.Name, nil
	}
	if len(errs) > 0 {
		return nil, "", fmt.Errorf("%w: %w", ErrNoTransport, errors.Join(errs...))
	}
	return nil, "", ErrNoTransport
}
