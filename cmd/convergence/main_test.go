package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgreed(t *testing.T) {
	_, ok := agreed(nil)
	assert.False(t, ok)

	leader, ok := agreed([]leaderView{
		{ClientID: "a", LeaderID: "b"},
		{ClientID: "b", LeaderID: "b", IsLeader: true},
	})
	assert.True(t, ok)
	assert.Equal(t, "b", leader)

	_, ok = agreed([]leaderView{
		{ClientID: "a", LeaderID: "a", IsLeader: true},
		{ClientID: "b", LeaderID: "b", IsLeader: true},
	})
	assert.False(t, ok, "split brain")

	_, ok = agreed([]leaderView{
		{ClientID: "a", LeaderID: "c"},
		{ClientID: "b", LeaderID: "c"},
	})
	assert.False(t, ok, "leader not among polled peers")
}

func TestPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/cluster/leader", r.URL.Path)
		_, _ = w.Write([]byte(`{"clientId":"a","leaderId":"a","isLeader":true}`))
	}))
	defer srv.Close()

	views, err := poll(context.Background(), srv.Client(), []string{srv.URL + "/"})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.True(t, views[0].IsLeader)
}
