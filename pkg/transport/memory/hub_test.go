package memory_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerelect/pkg/protocol"
	"peerelect/pkg/transport"
	. "peerelect/pkg/transport/memory"
)

func receive(t *testing.T, e *Endpoint) protocol.Operation {
	t.Helper()
	select {
	case op, ok := <-e.Messages():
		require.True(t, ok, "inbound stream closed")
		return op
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for an operation")
		return protocol.Operation{}
	}
}

func assertEmpty(t *testing.T, e *Endpoint) {
	t.Helper()
	select {
	case op := <-e.Messages():
		t.Fatalf("unexpected operation %s", op)
	default:
	}
}

func TestHub_BroadcastsToOthersOnly(t *testing.T) {
	hub := NewHub(8)
	a, b, c := hub.Join("a"), hub.Join("b"), hub.Join("c")

	require.NoError(t, a.Send(protocol.Ident("a")))

	assert.Equal(t, protocol.KindIdent, receive(t, b).Kind)
	assert.Equal(t, protocol.KindIdent, receive(t, c).Kind)
	assertEmpty(t, a)
}

func TestHub_Filter(t *testing.T) {
	hub := NewHub(8)
	a, b, c := hub.Join("a"), hub.Join("b"), hub.Join("c")
	hub.SetFilter(func(from, to string, op protocol.Operation) bool {
		return to != "c"
	})

	require.NoError(t, a.Send(protocol.Ident("a")))

	assert.Equal(t, "a", receive(t, b).ClientID)
	assertEmpty(t, c)
}

func TestHub_DropsWhenInboxFull(t *testing.T) {
	hub := NewHub(1)
	a, b := hub.Join("a"), hub.Join("b")

	require.NoError(t, a.Send(protocol.Ident("a")))
	require.NoError(t, a.Send(protocol.Welcome("a", "a")))

	assert.Equal(t, protocol.KindIdent, receive(t, b).Kind)
	assertEmpty(t, b)
}

func TestEndpoint_Close(t *testing.T) {
	hub := NewHub(8)
	a, b := hub.Join("a"), hub.Join("b")

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.Equal(t, 1, hub.Size())

	_, ok := <-b.Messages()
	assert.False(t, ok)

	assert.ErrorIs(t, b.Send(protocol.Ident("b")), transport.ErrClosed)
	assert.NoError(t, a.Send(protocol.Ident("a")))
}
