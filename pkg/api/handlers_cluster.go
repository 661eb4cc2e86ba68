package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"peerelect/pkg/api/middleware"
	"peerelect/pkg/coordination"
)

const maxRunsLimit = 100

// getLeader handles GET /api/v1/cluster/leader
func (s *Server) getLeader(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"clientId": s.cluster.ClientID(),
		"leaderId": s.cluster.LeaderID(),
		"isLeader": s.cluster.IsCurrentlyLeader(),
	})
}

// listPeers handles GET /api/v1/cluster/peers
func (s *Server) listPeers(c *gin.Context) {
	peers := s.cluster.KnownPeers()
	c.JSON(http.StatusOK, gin.H{
		"peers": peers,
		"count": len(peers),
	})
}

// getStatus handles GET /api/v1/cluster/status
func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.cluster.Status())
}

// startElection handles POST /api/v1/cluster/elections
func (s *Server) startElection(c *gin.Context) {
	id, err := s.cluster.StartElection()
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, coordination.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		s.log.Error("Failed to start election", zap.Error(err))
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	requestedBy := ""
	if claims, ok := middleware.GetOperatorFromContext(c); ok {
		requestedBy = claims.Operator
	}
	s.log.Info("Election requested",
		zap.String("election_id", id),
		zap.String("operator", requestedBy),
	)

	c.JSON(http.StatusAccepted, gin.H{
		"electionId":  id,
		"requestedBy": requestedBy,
	})
}

// listRuns handles GET /api/v1/duty/runs?limit=N
func (s *Server) listRuns(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxRunsLimit)
	}

	runs, err := s.runs.ListRuns(c.Request.Context(), s.duty, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list runs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"duty":  s.duty,
		"runs":  runs,
		"count": len(runs),
	})
}
