package coordination

import (
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"peerelect/pkg/clock"
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClientID fixes the peer identity instead of minting a random one.
func WithClientID(id string) Option {
	return func(c *Coordinator) { c.clientID = id }
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) { c.clock = clk }
}

// WithLogger sets the base logger; the coordinator names and tags it.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.baseLog = l }
}

// WithTracer sets the tracer used for election spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) { c.tracer = t }
}

// WithElectionIDGenerator replaces the random election id source.
func WithElectionIDGenerator(gen func() string) Option {
	return func(c *Coordinator) { c.newElectionID = gen }
}

// WithVoteGenerator replaces the random vote source.
func WithVoteGenerator(gen func() string) Option {
	return func(c *Coordinator) { c.newVote = gen }
}

// WithValidity shortens or lengthens the election window. The finalize
// buffer, vote reuse window and sweep interval keep their relation to it.
func WithValidity(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.validity = d
		}
	}
}
