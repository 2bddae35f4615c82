// Package api serves the gateway's status endpoints using Gin.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"tunnelgateway/internal/logger"
	"tunnelgateway/internal/monitor"
	"tunnelgateway/internal/rules"
)

// RuleStatus reports the state of the rule sources.
type RuleStatus interface {
	Status() []rules.SourceStatus
}

// InboundStatus reports the running inbounds.
type InboundStatus interface {
	Running() []string
}

// Options are the collaborators of the status server. Any may be nil.
type Options struct {
	Metrics   *monitor.Metrics
	Monitor   *monitor.Monitor
	AccessLog *monitor.AccessLog
	Rules     RuleStatus
	Inbounds  InboundStatus
	// AllowedOrigins for browser dashboards; empty disables CORS headers.
	AllowedOrigins []string
}

// Server is the status HTTP server.
type Server struct {
	opts   Options
	router *gin.Engine
	server *http.Server
}

// NewServer creates a status server with its routes installed.
func NewServer(opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{opts: opts, router: gin.New()}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())

	s.router.GET("/healthz", s.healthz)
	if s.opts.Metrics != nil {
		metrics := promhttp.HandlerFor(s.opts.Metrics.Registry, promhttp.HandlerOpts{})
		s.router.GET("/metrics", func(c *gin.Context) {
			s.opts.Metrics.Update()
			metrics.ServeHTTP(c.Writer, c.Request)
		})
	}
	s.router.GET("/rules", s.getRules)
	s.router.GET("/status", s.getStatus)

	// Access records carry client addresses.
	local := s.router.Group("/", localOnly())
	local.GET("/access", s.getAccess)
}

// Handler returns the router wrapped with CORS handling when origins are
// configured.
func (s *Server) Handler() http.Handler {
	if len(s.opts.AllowedOrigins) == 0 {
		return s.router
	}
	c := cors.New(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(s.router)
}

// Start serves on addr in the background.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Status server error: %v", err)
		}
	}()
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// APIResponse is the envelope of every JSON response.
type APIResponse struct {
	Success bool   `json:"success"`
	Msg     string `json:"msg"`
	Data    any    `json:"data,omitempty"`
}

func respondError(c *gin.Context, code int, message string) {
	c.JSON(code, APIResponse{Success: false, Msg: message})
}

func respondSuccess(c *gin.Context, data any) {
	c.JSON(http.StatusOK, APIResponse{Success: true, Msg: "ok", Data: data})
}

// healthz returns 200 while the process serves.
// GET /healthz
func (s *Server) healthz(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// getRules returns per-source rule counts and refresh state.
// GET /rules
func (s *Server) getRules(c *gin.Context) {
	if s.opts.Rules == nil {
		respondSuccess(c, []rules.SourceStatus{})
		return
	}
	respondSuccess(c, s.opts.Rules.Status())
}

// StatusResponse is the body of /status.
type StatusResponse struct {
	Version  string         `json:"version"`
	Inbounds []string       `json:"inbounds"`
	System   *monitor.Stats `json:"system,omitempty"`
}

// getStatus returns process stats and the running inbounds.
// GET /status
func (s *Server) getStatus(c *gin.Context) {
	resp := StatusResponse{Version: logger.Version, Inbounds: []string{}}
	if s.opts.Inbounds != nil {
		resp.Inbounds = s.opts.Inbounds.Running()
	}
	if s.opts.Monitor != nil {
		resp.System = s.opts.Monitor.Snapshot()
	}
	respondSuccess(c, resp)
}

// getAccess returns the most recent access records, newest first.
// GET /access?limit=N
func (s *Server) getAccess(c *gin.Context) {
	if s.opts.AccessLog == nil {
		respondSuccess(c, []monitor.Record{})
		return
	}
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(c, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	respondSuccess(c, s.opts.AccessLog.Recent(limit))
}
