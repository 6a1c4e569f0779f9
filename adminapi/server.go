// Package adminapi implements the Admin/Query surface (spec.md's
// implicit "Admin/Query" component, concretized in SPEC_FULL.md §6.6):
// a gin-based read/write HTTP façade over the Approval RPC plus
// read-only operator endpoints for health, metrics, and the delivery
// dead-letter queue.
package adminapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/hyperraft/ledger/approval"
	"github.com/hyperraft/ledger/clock"
	"github.com/hyperraft/ledger/delivery"
	"github.com/hyperraft/ledger/raft"
)

// Projector is the subset of approval.Projector the surface reads
// from, named so tests can substitute a fake.
type Projector interface {
	GetApproval(approvalID string) (approval.Approval, error)
}

// DLQLister is the subset of delivery.Queue the dead-letter endpoint
// reads from.
type DLQLister interface {
	ListDeadLettered() ([]delivery.Delivery, error)
}

// Checkable is a component the /healthz aggregation polls, shaped
// after luxfi-consensus's api/health package (SPEC_FULL.md §6.6).
type Checkable interface {
	Name() string
	HealthCheck() error
}

// Server wires gin handlers to the consensus/projector/delivery
// surfaces. It owns no goroutines of its own beyond the http.Server
// started by Run.
type Server struct {
	engine    *gin.Engine
	node      *raft.Node
	projector Projector
	dlq       DLQLister
	checks    []Checkable
	registry  *prometheus.Registry
	clk       clock.Clock
	logger    zerolog.Logger
}

// New builds a Server ready to Run. checks are polled by /healthz in
// order; registry is scraped by /metrics.
func New(node *raft.Node, projector Projector, dlq DLQLister, checks []Checkable, registry *prometheus.Registry, clk clock.Clock, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine:    gin.New(),
		node:      node,
		projector: projector,
		dlq:       dlq,
		checks:    checks,
		registry:  registry,
		clk:       clk,
		logger:    logger.With().Str("component", "adminapi").Logger(),
	}
	s.registerConsensusGauges()
	s.routes()
	return s
}

func (s *Server) registerConsensusGauges() {
	s.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "hyperraft_role", Help: "Current raft.Role as an integer (0=Follower,1=Candidate,2=Leader)."},
		func() float64 { return float64(s.node.Role()) },
	))
	s.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "hyperraft_current_term", Help: "Current raft term."},
		func() float64 { return float64(s.node.CurrentTerm()) },
	))
	s.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "hyperraft_commit_index", Help: "Highest committed log index."},
		func() float64 { return float64(s.node.CommitIndex()) },
	))
	s.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "hyperraft_delivery_dlq_size", Help: "Number of dead-lettered deliveries."},
		func() float64 {
			recs, err := s.dlq.ListDeadLettered()
			if err != nil {
				return 0
			}
			return float64(len(recs))
		},
	))
}

func (s *Server) routes() {
	r := s.engine
	r.Use(ginZerolog(s.logger))
	corsHandler := cors.New(cors.Options{AllowedMethods: []string{http.MethodGet, http.MethodPost}})
	r.Use(func(c *gin.Context) {
		corsHandler.HandlerFunc(c.Writer, c.Request)
		c.Next()
	})

	r.GET("/healthz", s.handleHealthz)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	v1 := r.Group("/v1")
	v1.POST("/approvals", s.handleCreateApproval)
	v1.POST("/approvals/:id/votes", s.handleCastVote)
	v1.GET("/approvals/:id", s.handleGetApproval)
	v1.GET("/approvals/:id/watch", s.handleWatchApproval)
	v1.GET("/raft/status", s.handleRaftStatus)
	v1.GET("/delivery/dlq", s.handleListDLQ)
}

// Engine exposes the underlying *gin.Engine, e.g. for http.Server.Handler.
func (s *Server) Engine() http.Handler { return s.engine }

func ginZerolog(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

func newRequestID() string { return uuid.NewString() }

func (s *Server) handleHealthz(c *gin.Context) {
	status := http.StatusOK
	results := make(map[string]string, len(s.checks))
	for _, chk := range s.checks {
		if err := chk.HealthCheck(); err != nil {
			status = http.StatusServiceUnavailable
			results[chk.Name()] = err.Error()
		} else {
			results[chk.Name()] = "ok"
		}
	}
	c.JSON(status, gin.H{"status": statusString(status), "checks": results})
}

func statusString(code int) string {
	if code == http.StatusOK {
		return "ok"
	}
	return "unhealthy"
}

func (s *Server) handleRaftStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"role":        s.node.Role().String(),
		"currentTerm": s.node.CurrentTerm(),
		"commitIndex": s.node.CommitIndex(),
	})
}

func (s *Server) handleListDLQ(c *gin.Context) {
	recs, err := s.dlq.ListDeadLettered()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deadLettered": recs})
}

type createApprovalRequest struct {
	ApprovalID     string `json:"approvalId" binding:"required"`
	Subject        string `json:"subject" binding:"required"`
	QuorumSize     int    `json:"quorumSize" binding:"required"`
	FaultTolerance int    `json:"faultTolerance"`
}

func (s *Server) handleCreateApproval(c *gin.Context) {
	var req createApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	payload, err := approval.EncodeCreateCommand(approval.CreateCommand{
		ApprovalID: req.ApprovalID, Subject: req.Subject, QuorumSize: req.QuorumSize, FaultTolerance: req.FaultTolerance,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.propose(c, payload, raft.ApprovalCreate, fmt.Sprintf("create-%s", req.ApprovalID))
}

type castVoteRequest struct {
	VoterID string            `json:"voterId" binding:"required"`
	Vote    approval.VoteKind `json:"vote" binding:"required"`
}

func (s *Server) handleCastVote(c *gin.Context) {
	approvalID := c.Param("id")
	var req castVoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	payload, err := approval.EncodeVoteCommand(approval.VoteCommand{ApprovalID: approvalID, VoterID: req.VoterID, Vote: req.Vote})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.propose(c, payload, raft.Vote, newRequestID())
}

func (s *Server) propose(c *gin.Context, payload []byte, kind raft.EntryKind, clientRequestID string) {
	ctx, cancel := contextWithTimeout(c, 2*time.Second)
	defer cancel()
	_, _, err := s.node.Propose(ctx, payload, kind, clientRequestID)
	if err != nil {
		writeProposeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (s *Server) handleGetApproval(c *gin.Context) {
	a, err := s.projector.GetApproval(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, a)
}

// handleWatchApproval streams the approval's status as newline-delimited
// JSON chunks until it leaves Pending or the client disconnects,
// implementing spec §1's externally-reachable WatchApproval surface as
// a chunked HTTP response (SPEC_FULL.md §7).
func (s *Server) handleWatchApproval(c *gin.Context) {
	id := c.Param("id")
	c.Header("Content-Type", "application/x-ndjson")
	c.Status(http.StatusOK)
	flusher, canFlush := c.Writer.(http.Flusher)

	ticker := s.clk.NewTimer(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		a, err := s.projector.GetApproval(id)
		if err == nil {
			_ = writeJSONLine(c, a)
			if canFlush {
				flusher.Flush()
			}
			if a.Status != approval.StatusPending {
				return
			}
		}
		select {
		case <-c.Request.Context().Done():
			return
		case <-ticker.C():
			ticker.Reset(200 * time.Millisecond)
		}
	}
}
