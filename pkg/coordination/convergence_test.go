package coordination_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"peerelect/pkg/clock"
	. "peerelect/pkg/coordination"
	"peerelect/pkg/election"
	"peerelect/pkg/protocol"
	"peerelect/pkg/transport/memory"
)

type meshPeer struct {
	*Coordinator
	endpoint *memory.Endpoint
}

// settle delivers queued operations until every inbox is empty.
func settle(peers ...meshPeer) {
	for {
		handled := 0
		for _, p := range peers {
			for drained := false; !drained; {
				select {
				case op := <-p.endpoint.Messages():
					p.HandleOperation(op)
					handled++
				default:
					drained = true
				}
			}
		}
		if handled == 0 {
			return
		}
	}
}

// deliveries counts operations per (sender, kind) as seen by the hub.
type deliveries struct {
	mu     sync.Mutex
	counts map[string]int
}

func (d *deliveries) filter(from, _ string, op protocol.Operation) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counts[from+"/"+string(op.Kind)]++
	return true
}

func (d *deliveries) get(from string, kind protocol.Kind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts[from+"/"+string(kind)]
}

func newMesh(t *testing.T, clk clock.Clock, votes map[string]string) (*memory.Hub, *deliveries, []meshPeer) {
	t.Helper()
	hub := memory.NewHub(64)
	d := &deliveries{counts: make(map[string]int)}
	hub.SetFilter(d.filter)

	var peers []meshPeer
	for _, id := range []string{"a", "b", "c"} {
		ep := hub.Join(id)
		t.Cleanup(func() { _ = ep.Close() })
		peers = append(peers, meshPeer{
			Coordinator: newPeer(t, id, ep, clk, WithVoteGenerator(fixed(votes[id]))),
			endpoint:    ep,
		})
	}
	return hub, d, peers
}

func TestMesh_LowestVoteWins(t *testing.T) {
	clk := clock.NewManual(epoch)
	_, d, peers := newMesh(t, clk, map[string]string{"a": "m", "b": "a", "c": "z"})

	_, err := peers[0].StartElection()
	require.NoError(t, err)
	settle(peers...)

	clk.Advance(election.Validity + election.FinalizeBuffer)
	settle(peers...)

	for _, p := range peers {
		assert.Equal(t, "b", p.LeaderID(), "peer %s", p.ClientID())
	}
	assert.True(t, peers[1].IsCurrentlyLeader())
	assert.Equal(t, 2, d.get("b", protocol.KindElected), "one ELECTED reaching two peers")
	assert.Zero(t, d.get("a", protocol.KindElected))
	assert.Zero(t, d.get("c", protocol.KindElected))
	assert.Zero(t, d.get("b", protocol.KindBeginElect), "no re-election after agreement")
}

func TestMesh_TieBrokenByClientID(t *testing.T) {
	clk := clock.NewManual(epoch)
	_, d, peers := newMesh(t, clk, map[string]string{"a": "same", "b": "same", "c": "same"})

	_, err := peers[2].StartElection()
	require.NoError(t, err)
	settle(peers...)
	clk.Advance(election.Validity + election.FinalizeBuffer)
	settle(peers...)

	for _, p := range peers {
		assert.Equal(t, "a", p.LeaderID(), "peer %s", p.ClientID())
	}
	assert.Equal(t, 2, d.get("a", protocol.KindElected))
}

func TestMesh_LostElectedIsHealedByFinalize(t *testing.T) {
	clk := clock.NewManual(epoch)
	hub, _, peers := newMesh(t, clk, map[string]string{"a": "m", "b": "a", "c": "z"})
	hub.SetFilter(func(from, to string, op protocol.Operation) bool {
		return op.Kind != protocol.KindElected
	})

	_, err := peers[0].StartElection()
	require.NoError(t, err)
	settle(peers...)
	clk.Advance(election.Validity + election.FinalizeBuffer)
	settle(peers...)

	// every peer finalizes locally, so losing the announcement changes nothing
	for _, p := range peers {
		assert.Equal(t, "b", p.LeaderID(), "peer %s", p.ClientID())
	}
}

func TestMesh_ConvergesWithRunLoops(t *testing.T) {
	if testing.Short() {
		t.Skip("real clock convergence test")
	}

	hub := memory.NewHub(0)
	ctx, cancel := context.WithCancel(context.Background())
	var (
		wg    sync.WaitGroup
		peers []*Coordinator
	)
	defer func() {
		cancel()
		wg.Wait()
	}()
	for _, id := range []string{"a", "b", "c", "d"} {
		ep := hub.Join(id)
		c := New(ep,
			WithClientID(id),
			WithLogger(zaptest.NewLogger(t)),
			WithValidity(200*time.Millisecond),
		)
		peers = append(peers, c)

		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Run(ctx)
		}()
	}

	require.Eventually(t, func() bool {
		leader := peers[0].LeaderID()
		leaders := 0
		for _, p := range peers {
			if p.LeaderID() != leader {
				return false
			}
			if p.IsCurrentlyLeader() {
				leaders++
			}
		}
		return leaders == 1
	}, 10*time.Second, 50*time.Millisecond)
}
