package transport

import (
	"sync"

	"peerelect/pkg/protocol"
)

// DefaultBufferSize bounds inbound and outbound queues of brokered transports.
const DefaultBufferSize = 256

// Inbox is an inbound operation buffer that drops when full and can be
// closed while deliveries are in flight.
type Inbox struct {
	ch     chan protocol.Operation
	mu     sync.RWMutex
	closed bool
}

// NewInbox creates an inbox holding up to size operations.
func NewInbox(size int) *Inbox {
	return &Inbox{ch: make(chan protocol.Operation, size)}
}

// Deliver enqueues op, reporting false if the inbox is full or closed.
func (i *Inbox) Deliver(op protocol.Operation) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return false
	}
	select {
	case i.ch <- op:
		return true
	default:
		return false
	}
}

// C returns the receive side.
func (i *Inbox) C() <-chan protocol.Operation {
	return i.ch
}

// Close closes the receive side once.
func (i *Inbox) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.closed {
		i.closed = true
		close(i.ch)
	}
}

// Outbox decouples Send from a blocking broker write. Frames are encoded on
// Enqueue and written, in order, by a single goroutine.
type Outbox struct {
	frames  chan []byte
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	write   func([]byte) error
	onError func(error)
}

// NewOutbox starts the writer goroutine. onError may be nil.
func NewOutbox(size int, write func([]byte) error, onError func(error)) *Outbox {
	o := &Outbox{
		frames:  make(chan []byte, size),
		done:    make(chan struct{}),
		write:   write,
		onError: onError,
	}
	o.wg.Add(1)
	go o.run()
	return o
}

func (o *Outbox) run() {
	defer o.wg.Done()
	for {
		select {
		case <-o.done:
			return
		case frame := <-o.frames:
			if err := o.write(frame); err != nil && o.onError != nil {
				o.onError(err)
			}
		}
	}
}

// Enqueue encodes op and queues it without blocking.
func (o *Outbox) Enqueue(op protocol.Operation) error {
	select {
	case <-o.done:
		return ErrClosed
	default:
	}

	frame, err := protocol.Encode(op)
	if err != nil {
		return err
	}

	select {
	case o.frames <- frame:
		return nil
	case <-o.done:
		return ErrClosed
	default:
		return ErrBackpressure
	}
}

// Close stops the writer. Queued frames that were not written are dropped.
func (o *Outbox) Close() {
	o.once.Do(func() { close(o.done) })
	o.wg.Wait()
}
