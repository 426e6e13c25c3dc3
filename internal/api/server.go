package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/psychfeed/psychfeed/internal/counters"
	"github.com/psychfeed/psychfeed/internal/diag"
	"github.com/psychfeed/psychfeed/internal/engine"
	"github.com/psychfeed/psychfeed/internal/journal"
	"github.com/psychfeed/psychfeed/internal/provider"
)

// Config wires the server's routes.
type Config struct {
	ListenAddress string
	Port          int
	AdminToken    string
	MaxBodyBytes  int64

	StartTime time.Time
	Counters  *counters.Collector
	Provider  *provider.Provider
	Engine    *engine.Engine
	Journal   *journal.Service // optional
	Diag      *diag.Runner     // optional
}

// Server wraps the HTTP server and mux for the admin API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates the API server with all routes registered.
func NewServer(cfg Config) *Server {
	mux := http.NewServeMux()

	// Public (no auth)
	mux.Handle("GET /healthz", HandleHealthz())

	// Authenticated routes
	authed := http.NewServeMux()
	authed.Handle("GET /api/v1/status", HandleStatus(cfg.StartTime, cfg.Provider, cfg.Engine))
	authed.Handle("GET /api/v1/counters", HandleCounters(cfg.Counters))
	authed.Handle("POST /api/v1/actions/republish", HandleRepublish(cfg.Engine))
	authed.Handle("POST /api/v1/actions/hard-republish", HandleHardRepublish(cfg.Engine))
	if cfg.Journal != nil {
		authed.Handle("GET /api/v1/journal/cycles", HandleListCycles(cfg.Journal))
	}
	if cfg.Diag != nil {
		authed.Handle("GET /api/v1/diag/endpoints", HandleDiagEndpoints(cfg.Diag))
	}

	limitedAuthed := RequestBodyLimitMiddleware(cfg.MaxBodyBytes, authed)
	mux.Handle("/api/", AuthMiddleware(cfg.AdminToken, limitedAuthed))

	srv := &http.Server{
		Addr:    net.JoinHostPort(cfg.ListenAddress, strconv.Itoa(cfg.Port)),
		Handler: mux,
	}

	return &Server{httpServer: srv, mux: mux}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
