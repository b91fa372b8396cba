// Package server exposes captured traces over an HTTP JSON API with a
// websocket feed of live capture events.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/deepnoodle-ai/retrace"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ErrorResponse is the JSON body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ListRunsResponse is the body of GET /api/runs.
type ListRunsResponse struct {
	Runs  []*retrace.RunRecord `json:"runs"`
	Count int                  `json:"count"`
}

// StepsResponse is the body of GET /api/runs/:id/steps.
type StepsResponse struct {
	RunID string                `json:"run_id"`
	Steps []*retrace.StepRecord `json:"steps"`
}

// StateResponse is the body of GET /api/runs/:id/state/:index.
type StateResponse struct {
	RunID     string         `json:"run_id"`
	StepIndex int            `json:"step_index"`
	State     *retrace.Value `json:"state"`
}

// TimelineResponse is the body of GET /api/runs/:id/timeline.
type TimelineResponse struct {
	RunID    string                   `json:"run_id"`
	Timeline []*retrace.TimelineEntry `json:"timeline"`
}

// RoutingResponse is the body of GET /api/runs/:id/routing.
type RoutingResponse struct {
	RunID     string                     `json:"run_id"`
	Decisions []*retrace.RoutingDecision `json:"decisions"`
}

// SearchResponse is the body of GET /api/runs/:id/search.
type SearchResponse struct {
	RunID   string                   `json:"run_id"`
	Query   string                   `json:"query"`
	Matches []*retrace.TimelineEntry `json:"matches"`
}

// LiveMessage is the wire form of one event on the /ws/live feed.
type LiveMessage struct {
	Type string         `json:"type"`
	Data *retrace.Event `json:"data"`
}

// Options configures a Server.
type Options struct {
	// Store serves all run and step reads. Required.
	Store retrace.Store

	// Collector, when set, feeds the /ws/live event stream.
	Collector *retrace.Collector

	// Logger receives request failures and lifecycle messages. Defaults to a
	// discard logger.
	Logger *slog.Logger

	// Registry, when set, scopes /metrics to a private registry instead of
	// the process-wide default.
	Registry *prometheus.Registry

	// Debug leaves gin in debug mode.
	Debug bool
}

// Server serves the trace query API. Reads go straight to the store; state
// reconstruction goes through a ReplayEngine on the same store.
type Server struct {
	store     retrace.Store
	engine    *retrace.ReplayEngine
	collector *retrace.Collector
	logger    *slog.Logger
	router    *gin.Engine

	mutex   sync.Mutex
	httpSrv *http.Server
}

// New creates a server over the given store.
func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	engine, err := retrace.NewReplayEngine(retrace.ReplayEngineOptions{
		Store:  opts.Store,
		Logger: opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		store:     opts.Store,
		engine:    engine,
		collector: opts.Collector,
		logger:    opts.Logger,
	}
	s.router = s.buildRouter(opts.Registry)
	return s, nil
}

func (s *Server) buildRouter(registry *prometheus.Registry) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/", s.handleBanner)

	api := router.Group("/api")
	{
		api.GET("/runs", s.handleListRuns)
		run := api.Group("/runs/:id")
		{
			run.GET("", s.handleGetRun)
			run.GET("/steps", s.handleGetSteps)
			run.GET("/state/:index", s.handleStateAt)
			run.GET("/timeline", s.handleTimeline)
			run.GET("/routing", s.handleRouting)
			run.GET("/compare", s.handleCompare)
			run.GET("/search", s.handleSearch)
		}
	}

	router.GET("/ws/live", s.handleLiveEvents)

	metricsHandler := promhttp.Handler()
	if registry != nil {
		metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}
	router.GET("/metrics", gin.WrapH(metricsHandler))

	return router
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving on addr and blocks until Shutdown is called or the
// listener fails.
func (s *Server) Start(addr string) error {
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mutex.Lock()
	s.httpSrv = httpSrv
	s.mutex.Unlock()

	s.logger.Info("trace server listening", "address", addr)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops a running server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mutex.Lock()
	httpSrv := s.httpSrv
	s.mutex.Unlock()
	if httpSrv == nil {
		return nil
	}
	return httpSrv.Shutdown(ctx)
}

func (s *Server) handleBanner(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "retrace",
		"status":  "ok",
	})
}

func (s *Server) handleListRuns(c *gin.Context) {
	limit, err := intQuery(c, "limit", 50)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	offset, err := intQuery(c, "offset", 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	runs, err := s.store.ListRuns(c.Request.Context(), limit, offset)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, ListRunsResponse{Runs: runs, Count: len(runs)})
}

func (s *Server) handleGetRun(c *gin.Context) {
	run, err := s.store.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) handleGetSteps(c *gin.Context) {
	runID := c.Param("id")
	steps, err := s.store.GetSteps(c.Request.Context(), runID)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, StepsResponse{RunID: runID, Steps: steps})
}

func (s *Server) handleStateAt(c *gin.Context) {
	runID := c.Param("id")
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: fmt.Sprintf("invalid step index %q", c.Param("index")),
		})
		return
	}
	state, err := s.engine.StateAt(c.Request.Context(), runID, index)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, StateResponse{RunID: runID, StepIndex: index, State: state})
}

func (s *Server) handleTimeline(c *gin.Context) {
	runID := c.Param("id")
	timeline, err := s.engine.Timeline(c.Request.Context(), runID)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, TimelineResponse{RunID: runID, Timeline: timeline})
}

func (s *Server) handleRouting(c *gin.Context) {
	runID := c.Param("id")
	decisions, err := s.store.GetRoutingDecisions(c.Request.Context(), runID)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, RoutingResponse{RunID: runID, Decisions: decisions})
}

func (s *Server) handleCompare(c *gin.Context) {
	runID := c.Param("id")
	stepA, err := requiredIntQuery(c, "a")
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	stepB, err := requiredIntQuery(c, "b")
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	comparison, err := s.engine.Compare(c.Request.Context(), runID, stepA, stepB)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, comparison)
}

func (s *Server) handleSearch(c *gin.Context) {
	runID := c.Param("id")
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "q parameter is required"})
		return
	}
	matches, err := s.engine.Search(c.Request.Context(), runID, query)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, SearchResponse{RunID: runID, Query: query, Matches: matches})
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleLiveEvents upgrades the connection and forwards collector events
// until the client disconnects or the collector closes.
func (s *Server) handleLiveEvents(c *gin.Context) {
	if s.collector == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "live events are not enabled"})
		return
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	sub := s.collector.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Read pump. The client sends nothing meaningful; reading surfaces the
	// disconnect.
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		event, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if err := ws.WriteJSON(LiveMessage{Type: string(event.Type), Data: event}); err != nil {
			s.logger.Debug("websocket write failed", "error", err)
			return
		}
	}
}

// renderError maps trace errors onto HTTP statuses: not found is 404,
// validation is 400, everything else is 500.
func (s *Server) renderError(c *gin.Context, err error) {
	switch {
	case retrace.IsNotFound(err):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case retrace.MatchesErrorType(err, retrace.ErrorTypeValidation):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	default:
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
}

func intQuery(c *gin.Context, name string, fallback int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s parameter %q", name, raw)
	}
	return value, nil
}

func requiredIntQuery(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, fmt.Errorf("%s parameter is required", name)
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s parameter %q", name, raw)
	}
	return value, nil
}
