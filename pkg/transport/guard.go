package transport

import (
	"sync"
	"time"

	"peerelect/pkg/metrics"
	"peerelect/pkg/protocol"
	"peerelect/pkg/resilience"
)

// GuardWrite wraps a broker write with a circuit breaker. A nil breaker
// returns write unchanged.
func GuardWrite(name string, b *resilience.Breaker, write func([]byte) error) func([]byte) error {
	if b == nil {
		return write
	}
	return func(frame []byte) error {
		err := b.Execute(func() error { return write(frame) })
		if err == resilience.ErrCircuitOpen {
			metrics.TransportSendFailures.WithLabelValues(name, "circuit_open").Inc()
		}
		return err
	}
}

// LimiterConfig holds per-sender inbound rate limits.
type LimiterConfig struct {
	OpsPerSecond float64
	Burst        int
	IdleTimeout  time.Duration // buckets untouched this long are forgotten
}

// DefaultLimiterConfig is far above what an honest peer sends during an
// election burst.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		OpsPerSecond: 20,
		Burst:        50,
		IdleTimeout:  5 * time.Minute,
	}
}

type senderBucket struct {
	tokens     float64
	lastRefill time.Time
}

// SenderLimiter is a token bucket rate limiter keyed by sender client id.
type SenderLimiter struct {
	config    LimiterConfig
	now       func() time.Time
	mu        sync.Mutex
	buckets   map[string]*senderBucket
	lastSweep time.Time
}

// NewSenderLimiter creates a limiter. now may be nil to use time.Now.
func NewSenderLimiter(config LimiterConfig, now func() time.Time) *SenderLimiter {
	if now == nil {
		now = time.Now
	}
	return &SenderLimiter{
		config:    config,
		now:       now,
		buckets:   make(map[string]*senderBucket),
		lastSweep: now(),
	}
}

// Allow spends one token from sender's bucket.
func (l *SenderLimiter) Allow(sender string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	bucket, ok := l.buckets[sender]
	if !ok {
		bucket = &senderBucket{tokens: float64(l.config.Burst), lastRefill: now}
		l.buckets[sender] = bucket
	}

	bucket.tokens += now.Sub(bucket.lastRefill).Seconds() * l.config.OpsPerSecond
	if limit := float64(l.config.Burst); bucket.tokens > limit {
		bucket.tokens = limit
	}
	bucket.lastRefill = now

	if bucket.tokens >= 1 {
		bucket.tokens--
		return true
	}
	return false
}

// Tracked returns the number of senders with a live bucket.
func (l *SenderLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// sweep must be called with mu held.
func (l *SenderLimiter) sweep(now time.Time) {
	if l.config.IdleTimeout <= 0 || now.Sub(l.lastSweep) < l.config.IdleTimeout {
		return
	}
	cutoff := now.Add(-l.config.IdleTimeout)
	for sender, bucket := range l.buckets {
		if bucket.lastRefill.Before(cutoff) {
			delete(l.buckets, sender)
		}
	}
	l.lastSweep = now
}

type throttled struct {
	Transport
	inbox *Inbox
}

// Throttled drops inbound operations from senders exceeding limiter.
func Throttled(t Transport, limiter *SenderLimiter) Transport {
	th := &throttled{Transport: t, inbox: NewInbox(DefaultBufferSize)}
	go func() {
		defer th.inbox.Close()
		for op := range t.Messages() {
			if !limiter.Allow(op.ClientID) {
				metrics.OperationsDropped.WithLabelValues("rate_limited").Inc()
				continue
			}
			if !th.inbox.Deliver(op) {
				metrics.OperationsDropped.WithLabelValues("inbox_full").Inc()
			}
		}
	}()
	return th
}

func (t *throttled) Messages() <-chan protocol.Operation {
	return t.inbox.C()
}
