package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	. "peerelect/pkg/api"
	"peerelect/pkg/auth"
	"peerelect/pkg/clock"
	"peerelect/pkg/coordination"
	"peerelect/pkg/models"
	"peerelect/pkg/storage"
	"peerelect/pkg/transport/memory"
)

type stubCluster struct {
	leader   string
	peers    []string
	electErr error
	started  int
}

func (s *stubCluster) ClientID() string        { return "self" }
func (s *stubCluster) LeaderID() string        { return s.leader }
func (s *stubCluster) IsCurrentlyLeader() bool { return s.leader == "self" }
func (s *stubCluster) KnownPeers() []string    { return s.peers }
func (s *stubCluster) Status() coordination.Status {
	return coordination.Status{ClientID: "self", LeaderID: s.leader, IsLeader: s.IsCurrentlyLeader(), KnownPeers: s.peers}
}
func (s *stubCluster) StartElection() (string, error) {
	if s.electErr != nil {
		return "", s.electErr
	}
	s.started++
	return "e-1", nil
}

func do(t *testing.T, h http.Handler, method, path, token string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var body map[string]any
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") != "" {
		_ = json.Unmarshal(w.Body.Bytes(), &body)
	}
	return w, body
}

func TestServer_ReadEndpoints(t *testing.T) {
	cluster := &stubCluster{leader: "other", peers: []string{"other", "self"}}
	h := NewServer(Config{Cluster: cluster, Logger: zaptest.NewLogger(t)}).Handler()

	w, body := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w, body = do(t, h, http.MethodGet, "/api/v1/cluster/leader", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "self", body["clientId"])
	assert.Equal(t, "other", body["leaderId"])
	assert.Equal(t, false, body["isLeader"])

	w, body = do(t, h, http.MethodGet, "/api/v1/cluster/peers", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, body["count"])

	w, body = do(t, h, http.MethodGet, "/api/v1/cluster/status", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "other", body["leaderId"])

	w, _ = do(t, h, http.MethodGet, "/api/v1/duty/runs", "")
	assert.Equal(t, http.StatusNotFound, w.Code, "runs route needs a store")

	w, _ = do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_StartElection_NoAuth(t *testing.T) {
	cluster := &stubCluster{leader: "self"}
	h := NewServer(Config{Cluster: cluster}).Handler()

	w, body := do(t, h, http.MethodPost, "/api/v1/cluster/elections", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "e-1", body["electionId"])
	assert.Equal(t, 1, cluster.started)
}

func TestServer_StartElection_Auth(t *testing.T) {
	svc, err := auth.NewJWTService(auth.DefaultJWTConfig("secret"))
	require.NoError(t, err)
	cluster := &stubCluster{leader: "self"}
	h := NewServer(Config{Cluster: cluster, JWT: svc, Scope: "billing"}).Handler()

	w, _ := do(t, h, http.MethodPost, "/api/v1/cluster/elections", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	viewer, err := svc.GenerateToken("val", auth.RoleViewer, "")
	require.NoError(t, err)
	w, _ = do(t, h, http.MethodPost, "/api/v1/cluster/elections", viewer)
	assert.Equal(t, http.StatusForbidden, w.Code)

	wrongScope, err := svc.GenerateToken("olga", auth.RoleOperator, "search")
	require.NoError(t, err)
	w, _ = do(t, h, http.MethodPost, "/api/v1/cluster/elections", wrongScope)
	assert.Equal(t, http.StatusForbidden, w.Code)

	operator, err := svc.GenerateToken("olga", auth.RoleOperator, "billing")
	require.NoError(t, err)
	w, body := do(t, h, http.MethodPost, "/api/v1/cluster/elections", operator)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "olga", body["requestedBy"])
	assert.Equal(t, 1, cluster.started)

	w, _ = do(t, h, http.MethodGet, "/api/v1/cluster/leader", "")
	assert.Equal(t, http.StatusOK, w.Code, "reads stay open")
}

func TestServer_StartElection_Errors(t *testing.T) {
	cluster := &stubCluster{electErr: coordination.ErrElectionIDExhausted}
	h := NewServer(Config{Cluster: cluster}).Handler()
	w, _ := do(t, h, http.MethodPost, "/api/v1/cluster/elections", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	cluster.electErr = coordination.ErrClosed
	w, _ = do(t, h, http.MethodPost, "/api/v1/cluster/elections", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	cluster.electErr = errors.New("boom")
	w, _ = do(t, h, http.MethodPost, "/api/v1/cluster/elections", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestServer_ListRuns(t *testing.T) {
	ctx := context.Background()
	runs := storage.NewMemoryRunStore()
	base := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, runs.CreateRun(ctx, &models.DutyRun{Duty: "report", StartedAt: base.Add(time.Duration(i) * time.Second)}))
	}
	h := NewServer(Config{Cluster: &stubCluster{}, Runs: runs, Duty: "report"}).Handler()

	w, body := do(t, h, http.MethodGet, "/api/v1/duty/runs?limit=2", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, body["count"])

	w, _ = do(t, h, http.MethodGet, "/api/v1/duty/runs?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_WithCoordinator(t *testing.T) {
	hub := memory.NewHub(0)
	coord := coordination.New(hub.Join("a"),
		coordination.WithClientID("a"),
		coordination.WithClock(clock.NewManual(time.UnixMilli(1_000_000))),
		coordination.WithLogger(zaptest.NewLogger(t)),
	)
	defer coord.Close()
	coord.Start()

	h := NewServer(Config{Cluster: coord}).Handler()
	w, body := do(t, h, http.MethodGet, "/api/v1/cluster/leader", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "a", body["leaderId"])

	w, body = do(t, h, http.MethodPost, "/api/v1/cluster/elections", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.NotEmpty(t, body["electionId"])
}
