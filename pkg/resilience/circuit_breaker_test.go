package resilience_test

import (
	"errors"
	"testing"
	"time"

	. "peerelect/pkg/resilience"
)

var errPublish = errors.New("publish failed")

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }

func newTestBreaker(cfg BreakerConfig) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	return NewBreaker("test", cfg).WithClock(clock.Now), clock
}

func TestBreaker_InitialState(t *testing.T) {
	b := NewBreaker("test", DefaultBreakerConfig())

	if b.State() != Closed {
		t.Errorf("expected initial state to be Closed, got %v", b.State())
	}
}

func TestBreaker_OpensAfterFailures(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, Cooldown: time.Second, MaxProbes: 1})

	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return errPublish })
	}

	if b.State() != Open {
		t.Errorf("expected state to be Open after 3 failures, got %v", b.State())
	}
	if err := b.Execute(func() error { return nil }); err != ErrCircuitOpen {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Cooldown: time.Second, MaxProbes: 1})

	_ = b.Execute(func() error { return errPublish })
	_ = b.Execute(func() error { return nil })
	_ = b.Execute(func() error { return errPublish })

	if b.State() != Closed {
		t.Errorf("expected non-consecutive failures to keep the circuit Closed, got %v", b.State())
	}
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: 50 * time.Millisecond, MaxProbes: 1})

	_ = b.Execute(func() error { return errPublish })
	clock.now = clock.now.Add(60 * time.Millisecond)

	if b.State() != HalfOpen {
		t.Errorf("expected state to be HalfOpen after cooldown, got %v", b.State())
	}
}

func TestBreaker_ProbeLimit(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, Cooldown: 10 * time.Millisecond, MaxProbes: 1})

	_ = b.Execute(func() error { return errPublish })
	clock.now = clock.now.Add(20 * time.Millisecond)

	if err := b.Allow(); err != nil {
		t.Fatalf("expected first probe to be allowed, got %v", err)
	}
	if err := b.Allow(); err != ErrCircuitOpen {
		t.Errorf("expected second concurrent probe to be rejected, got %v", err)
	}
}

func TestBreaker_ClosesAfterHalfOpenSuccess(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: 10 * time.Millisecond, MaxProbes: 2})

	_ = b.Execute(func() error { return errPublish })
	clock.now = clock.now.Add(20 * time.Millisecond)
	_ = b.Execute(func() error { return nil })

	if b.State() != Closed {
		t.Errorf("expected state to be Closed after success in HalfOpen, got %v", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: 10 * time.Millisecond, MaxProbes: 2})

	_ = b.Execute(func() error { return errPublish })
	clock.now = clock.now.Add(20 * time.Millisecond)
	_ = b.Execute(func() error { return errPublish })

	if b.State() != Open {
		t.Errorf("expected a failed probe to reopen the circuit, got %v", b.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: time.Second, MaxProbes: 1})

	_ = b.Execute(func() error { return errPublish })
	b.Reset()

	if b.State() != Closed {
		t.Errorf("expected state to be Closed after Reset, got %v", b.State())
	}
}
