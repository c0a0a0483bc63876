// Package api exposes a running supervisor over HTTP so the CLI's submit,
// status and review commands can reach in-memory state owned by `run`.
//
// Endpoints:
//
//	GET  /healthz            - 200 when durable writes are healthy, else 503
//	GET  /metrics            - Prometheus exposition (when a handler is set)
//	GET  /v1/status          - counters, pending queue and in-flight sessions
//	POST /v1/tickets         - submit a bug {description, severity}
//	GET  /v1/outcomes        - recent session outcomes (?limit=N)
//	GET  /v1/reviews         - items awaiting a human decision
//	POST /v1/reviews/:id     - decide an item {verdict: approve|reject}
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"triangulum/internal/core"
	"triangulum/internal/logging"
	"triangulum/internal/review"
	"triangulum/internal/types"
)

// Supervisor is the slice of *core.Supervisor the API needs.
type Supervisor interface {
	SubmitBug(description string, severity int) (string, error)
	Status() core.Status
	Pending() []types.Ticket
	InFlight() []types.SessionSummary
	Health() error
}

// Reviews is the slice of *review.Hub the API needs.
type Reviews interface {
	Pending() []review.Item
	Get(ticketID string) (review.Item, bool)
	Decide(ticketID string, v review.Verdict) error
}

// Outcomes is the slice of *outcomes.Store the API needs.
type Outcomes interface {
	Recent(ctx context.Context, n int) ([]types.Outcome, error)
}

// Options wires the server. Only Supervisor is required.
type Options struct {
	Supervisor Supervisor
	Reviews    Reviews
	Outcomes   Outcomes
	Metrics    http.Handler

	// SubmitRate limits POST /v1/tickets; zero means unlimited.
	SubmitRate  rate.Limit
	SubmitBurst int
}

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	Status   core.Status            `json:"status"`
	Pending  []types.Ticket         `json:"pending"`
	InFlight []types.SessionSummary `json:"in_flight"`
}

// SubmitRequest is the body of POST /v1/tickets.
type SubmitRequest struct {
	Description string `json:"description" binding:"required"`
	Severity    int    `json:"severity"`
}

// SubmitResponse is the body returned for an accepted ticket.
type SubmitResponse struct {
	ID string `json:"id"`
}

// DecideRequest is the body of POST /v1/reviews/:id.
type DecideRequest struct {
	Verdict review.Verdict `json:"verdict" binding:"required"`
}

// Server is the control endpoint.
type Server struct {
	opts    Options
	router  *gin.Engine
	limiter *rate.Limiter
}

// NewServer builds the router. It does not listen.
func NewServer(opts Options) *Server {
	s := &Server{opts: opts}
	if opts.SubmitRate > 0 {
		burst := opts.SubmitBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(opts.SubmitRate, burst)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.health)
	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	v1 := router.Group("/v1")
	v1.GET("/status", s.status)
	v1.POST("/tickets", s.rateLimit(), s.submit)
	v1.GET("/outcomes", s.outcomes)
	v1.GET("/reviews", s.listReviews)
	v1.POST("/reviews/:id", s.decide)

	s.router = router
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.API("listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logging.API("stopped")
	return nil
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter != nil && !s.limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "submission rate exceeded"})
			return
		}
		c.Next()
	}
}

func (s *Server) health(c *gin.Context) {
	if err := s.opts.Supervisor.Health(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) status(c *gin.Context) {
	resp := StatusResponse{
		Status:   s.opts.Supervisor.Status(),
		Pending:  s.opts.Supervisor.Pending(),
		InFlight: s.opts.Supervisor.InFlight(),
	}
	if resp.Pending == nil {
		resp.Pending = []types.Ticket{}
	}
	if resp.InFlight == nil {
		resp.InFlight = []types.SessionSummary{}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := s.opts.Supervisor.SubmitBug(req.Description, req.Severity)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, SubmitResponse{ID: id})
	case errors.Is(err, core.ErrQueueFull):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, core.ErrSupervisorStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case req.Severity < 0:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		logging.APIWarn("submit failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) outcomes(c *gin.Context) {
	if s.opts.Outcomes == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "outcome history is not enabled"})
		return
	}
	limit := 20
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	out, err := s.opts.Outcomes.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if out == nil {
		out = []types.Outcome{}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) listReviews(c *gin.Context) {
	if s.opts.Reviews == nil {
		c.JSON(http.StatusOK, []review.Item{})
		return
	}
	items := s.opts.Reviews.Pending()
	if items == nil {
		items = []review.Item{}
	}
	c.JSON(http.StatusOK, items)
}

func (s *Server) decide(c *gin.Context) {
	if s.opts.Reviews == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "review hub is not enabled"})
		return
	}
	var req DecideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := c.Param("id")
	err := s.opts.Reviews.Decide(id, req.Verdict)
	switch {
	case err == nil:
		it, _ := s.opts.Reviews.Get(id)
		c.JSON(http.StatusOK, it)
	case errors.Is(err, review.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, review.ErrAlreadyDecided):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, review.ErrInvalidDecision):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
