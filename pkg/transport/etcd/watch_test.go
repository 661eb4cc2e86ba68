package etcd_test

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"peerelect/pkg/protocol"
	. "peerelect/pkg/transport/etcd"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "/peerelect/jobs/", ScopePrefix("/peerelect/", "jobs"))

	k1 := FrameKey("peerelect", "jobs", "abc", 2)
	k2 := FrameKey("peerelect", "jobs", "abc", 10)
	assert.True(t, strings.HasPrefix(k1, "/peerelect/jobs/abc/"))
	assert.Less(t, k1, k2, "sequence numbers sort lexically")
}

func TestCandidate_RequiresEndpoints(t *testing.T) {
	assert.False(t, Candidate(DefaultConfig(nil, "s", "a"), zaptest.NewLogger(t)).Supported())
}

// Needs a running etcd; set TEST_ETCD_ENDPOINTS (comma separated) to run it.
func TestTransport_Broadcast(t *testing.T) {
	endpoints := os.Getenv("TEST_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("TEST_ETCD_ENDPOINTS not set")
	}
	scope := "test-" + protocol.NewToken()

	open := func(id string) *Transport {
		tr, err := Open(DefaultConfig(strings.Split(endpoints, ","), scope, id), zaptest.NewLogger(t))
		require.NoError(t, err)
		t.Cleanup(func() { _ = tr.Close() })
		return tr
	}
	a, b := open("a"), open("b")

	require.NoError(t, a.Send(protocol.Vote("a", "e", "v")))

	select {
	case op := <-b.Messages():
		assert.Equal(t, protocol.KindVote, op.Kind)
		assert.Equal(t, "v", op.Payload.Vote)
	case <-time.After(5 * time.Second):
		t.Fatal("operation not delivered")
	}

	select {
	case op := <-a.Messages():
		t.Fatalf("sender received its own %s", op)
	case <-time.After(200 * time.Millisecond):
	}
}
