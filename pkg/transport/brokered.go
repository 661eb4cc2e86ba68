package transport

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"peerelect/pkg/metrics"
	"peerelect/pkg/protocol"
	"peerelect/pkg/resilience"
)

// BrokeredConfig describes a transport that talks to an external broker.
type BrokeredConfig struct {
	Name       string // metric label, e.g. "redis"
	ClientID   string // frames from this sender are never delivered
	BufferSize int
	Breaker    *resilience.Breaker
	Logger     *zap.Logger
}

// Brokered is the shared half of every broker-backed transport: a bounded
// outbox in front of the broker publish call and an inbox fed with decoded
// frames from the broker subscription.
type Brokered struct {
	name   string
	self   string
	log    *zap.Logger
	inbox  *Inbox
	outbox *Outbox

	closeOnce sync.Once
	closeErr  error
	shutdown  func() error
}

// NewBrokered starts the outbox writer. publish performs one blocking write
// to the broker; shutdown releases the broker resources and may be nil.
func NewBrokered(cfg BrokeredConfig, publish func([]byte) error, shutdown func() error) *Brokered {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	b := &Brokered{
		name:     cfg.Name,
		self:     cfg.ClientID,
		log:      log.Named("transport").With(zap.String("transport", cfg.Name)),
		inbox:    NewInbox(cfg.BufferSize),
		shutdown: shutdown,
	}
	b.outbox = NewOutbox(cfg.BufferSize, GuardWrite(cfg.Name, cfg.Breaker, publish), b.writeFailed)
	return b
}

func (b *Brokered) writeFailed(err error) {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return
	}
	b.log.Debug("broker write failed", zap.Error(err))
	metrics.TransportSendFailures.WithLabelValues(b.name, "write").Inc()
}

// Receive decodes one inbound frame and queues it for Messages. Malformed
// frames and our own frames are dropped.
func (b *Brokered) Receive(frame []byte) {
	op, err := protocol.Decode(frame)
	if err != nil {
		b.log.Debug("dropping malformed frame", zap.Error(err))
		metrics.OperationsDropped.WithLabelValues("malformed").Inc()
		return
	}
	if op.ClientID == b.self {
		return
	}
	if !b.inbox.Deliver(op) {
		metrics.OperationsDropped.WithLabelValues("inbox_full").Inc()
	}
}

// Send queues op for the writer goroutine.
func (b *Brokered) Send(op protocol.Operation) error {
	err := b.outbox.Enqueue(op)
	if errors.Is(err, ErrBackpressure) {
		metrics.TransportSendFailures.WithLabelValues(b.name, "backpressure").Inc()
	}
	return err
}

// Messages returns decoded operations from other peers.
func (b *Brokered) Messages() <-chan protocol.Operation {
	return b.inbox.C()
}

// Close stops the writer, releases the broker and closes Messages.
func (b *Brokered) Close() error {
	b.closeOnce.Do(func() {
		b.outbox.Close()
		if b.shutdown != nil {
			b.closeErr = b.shutdown()
		}
		b.inbox.Close()
	})
	return b.closeErr
}

// Logger returns the transport-scoped logger.
func (b *Brokered) Logger() *zap.Logger {
	return b.log
}
