package transport_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerelect/pkg/protocol"
	. "peerelect/pkg/transport"
	"peerelect/pkg/transport/memory"
)

func TestPick_FirstSupported(t *testing.T) {
	hub := memory.NewHub(4)
	opened := ""

	tr, name, err := Pick(
		Candidate{
			Name:      "unavailable",
			Supported: func() bool { return false },
			Open: func() (Transport, error) {
				opened = "unavailable"
				return nil, nil
			},
		},
		memory.Candidate(hub, "a"),
	)
	require.NoError(t, err)
	defer tr.Close()

	assert.Equal(t, "memory", name)
	assert.Empty(t, opened)
	assert.Equal(t, 1, hub.Size())
}

func TestPick_SkipsFailingOpen(t *testing.T) {
	hub := memory.NewHub(4)
	boom := errors.New("boom")

	tr, name, err := Pick(
		Candidate{Name: "broken", Open: func() (Transport, error) { return nil, boom }},
		memory.Candidate(hub, "a"),
	)
	require.NoError(t, err)
	defer tr.Close()
	assert.Equal(t, "memory", name)
}

func TestPick_NoneSupported(t *testing.T) {
	boom := errors.New("boom")

	_, _, err := Pick(Candidate{Name: "broken", Open: func() (Transport, error) { return nil, boom }})
	assert.ErrorIs(t, err, ErrNoTransport)
	assert.ErrorIs(t, err, boom)

	_, _, err = Pick()
	assert.ErrorIs(t, err, ErrNoTransport)
}

func TestInbox_DeliverAfterClose(t *testing.T) {
	in := NewInbox(1)
	assert.True(t, in.Deliver(protocol.Ident("a")))
	assert.False(t, in.Deliver(protocol.Ident("a")), "full inbox must drop")

	in.Close()
	in.Close()
	assert.False(t, in.Deliver(protocol.Ident("a")))
}

func TestOutbox_WritesInOrder(t *testing.T) {
	var mu sync.Mutex
	var frames []string
	out := NewOutbox(8, func(frame []byte) error {
		mu.Lock()
		defer mu.Unlock()
		op, err := protocol.Decode(frame)
		assert.NoError(t, err)
		frames = append(frames, op.ClientID)
		return nil
	}, nil)
	defer out.Close()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, out.Enqueue(protocol.Ident(id)))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, frames)
}

func TestOutbox_Backpressure(t *testing.T) {
	release := make(chan struct{})
	out := NewOutbox(1, func([]byte) error {
		<-release
		return nil
	}, nil)

	// the writer picks up the first frame and blocks; the second fills the queue
	require.NoError(t, out.Enqueue(protocol.Ident("a")))
	require.Eventually(t, func() bool {
		return out.Enqueue(protocol.Ident("b")) == nil
	}, time.Second, time.Millisecond)
	assert.ErrorIs(t, out.Enqueue(protocol.Ident("c")), ErrBackpressure)

	close(release)
	out.Close()
	assert.ErrorIs(t, out.Enqueue(protocol.Ident("d")), ErrClosed)
}

func TestOutbox_ReportsWriteErrors(t *testing.T) {
	boom := errors.New("boom")
	errs := make(chan error, 1)
	out := NewOutbox(1, func([]byte) error { return boom }, func(err error) { errs <- err })
	defer out.Close()

	require.NoError(t, out.Enqueue(protocol.Ident("a")))
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("write error not reported")
	}
}

func TestSenderLimiter(t *testing.T) {
	now := time.Unix(1000, 0)
	limiter := NewSenderLimiter(LimiterConfig{OpsPerSecond: 1, Burst: 2, IdleTimeout: time.Minute}, func() time.Time { return now })

	assert.True(t, limiter.Allow("a"))
	assert.True(t, limiter.Allow("a"))
	assert.False(t, limiter.Allow("a"), "burst exhausted")
	assert.True(t, limiter.Allow("b"), "senders are limited separately")

	now = now.Add(time.Second)
	assert.True(t, limiter.Allow("a"), "one token refilled")
	assert.False(t, limiter.Allow("a"))

	now = now.Add(2 * time.Minute)
	limiter.Allow("c")
	assert.Equal(t, 1, limiter.Tracked(), "idle senders are forgotten")
}

func TestThrottled_DropsFloods(t *testing.T) {
	hub := memory.NewHub(16)
	sender := hub.Join("flooder")
	limiter := NewSenderLimiter(LimiterConfig{OpsPerSecond: 0, Burst: 2}, nil)
	receiver := Throttled(hub.Join("receiver"), limiter)

	for i := 0; i < 5; i++ {
		require.NoError(t, sender.Send(protocol.Ident("flooder")))
	}
	// closing keeps already buffered operations readable
	require.NoError(t, receiver.Close())

	var got int
	for range receiver.Messages() {
		got++
	}
	assert.Equal(t, 2, got)
}

func TestBrokered_FiltersAndPublishes(t *testing.T) {
	var (
		mu        sync.Mutex
		published [][]byte
		shutdowns int
	)
	b := NewBrokered(BrokeredConfig{Name: "test", ClientID: "self", BufferSize: 4},
		func(frame []byte) error {
			mu.Lock()
			defer mu.Unlock()
			published = append(published, frame)
			return nil
		},
		func() error {
			shutdowns++
			return nil
		},
	)

	require.NoError(t, b.Send(protocol.Ident("self")))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(published) == 1
	}, time.Second, 5*time.Millisecond)

	frame, err := protocol.Encode(protocol.Welcome("other", "other"))
	require.NoError(t, err)
	own, err := protocol.Encode(protocol.Ident("self"))
	require.NoError(t, err)

	b.Receive([]byte("not json"))
	b.Receive(own)
	b.Receive(frame)

	select {
	case op := <-b.Messages():
		assert.Equal(t, "other", op.ClientID)
	case <-time.After(time.Second):
		t.Fatal("frame not delivered")
	}

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.Equal(t, 1, shutdowns)

	_, open := <-b.Messages()
	assert.False(t, open)
	assert.ErrorIs(t, b.Send(protocol.Ident("self")), ErrClosed)
}
