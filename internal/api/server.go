package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/vpnhub/keyfleet/internal/backend"
	"github.com/vpnhub/keyfleet/internal/directory"
	"github.com/vpnhub/keyfleet/internal/reconcile"
	"github.com/vpnhub/keyfleet/internal/regen"
	"github.com/vpnhub/keyfleet/internal/runlog"
)

// Sweeper runs reconciliation passes on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (*reconcile.Report, error)
}

// BatchRunner previews and executes regeneration batches.
type BatchRunner interface {
	PreviewBatches(ctx context.Context, session *regen.Session) ([]regen.Preview, int, error)
	Execute(ctx context.Context, session *regen.Session, progressChat int64) (*regen.Result, error)
}

// Config wires the API server.
type Config struct {
	ListenAddress string
	Port          int
	AdminToken    string
	MaxBodyBytes  int64

	// Servers returns the current directory snapshot.
	Servers func() []directory.ServerDescriptor
	// Facades returns the current fleet for health probes.
	Facades func() []*backend.Facade

	Sweeper  Sweeper
	Regen    BatchRunner
	Sessions *regen.Sessions
	// Runs is the run history repo. Optional; its endpoints are only
	// registered when present.
	Runs *runlog.Repo

	HealthTimeout time.Duration
	// ProgressChat receives progress and final reports for batches
	// started over the API. Zero disables operator messaging.
	ProgressChat int64
}

// Server wraps the HTTP server and mux for the keyfleet admin API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux

	cfg Config
	// executions maps a session id to the cancel func of its running
	// batch.
	executions *xsync.Map[string, context.CancelFunc]
}

// NewServer creates an API server wired with all routes.
func NewServer(cfg Config) *Server {
	s := &Server{
		cfg:        cfg,
		mux:        http.NewServeMux(),
		executions: xsync.NewMap[string, context.CancelFunc](),
	}

	// Public (no auth)
	s.mux.Handle("GET /healthz", HandleHealthz())

	// Authenticated routes
	authed := http.NewServeMux()
	authed.Handle("POST /api/v1/sweeps", s.handleRunSweep())
	authed.Handle("GET /api/v1/servers", s.handleListServers())
	authed.Handle("GET /api/v1/servers/health", s.handleServersHealth())

	authed.Handle("POST /api/v1/regen/sessions", s.handleCreateSession())
	authed.Handle("GET /api/v1/regen/sessions/{id}", s.handleGetSession())
	authed.Handle("POST /api/v1/regen/sessions/{id}/toggle-server", s.handleToggleServer())
	authed.Handle("POST /api/v1/regen/sessions/{id}/select-protocols", s.handleSelectProtocols())
	authed.Handle("POST /api/v1/regen/sessions/{id}/toggle-protocol", s.handleToggleProtocol())
	authed.Handle("POST /api/v1/regen/sessions/{id}/confirm", s.handleConfirmSession())
	authed.Handle("POST /api/v1/regen/sessions/{id}/execute", s.handleExecuteSession())
	authed.Handle("POST /api/v1/regen/sessions/{id}/cancel", s.handleCancelSession())

	if cfg.Runs != nil {
		authed.Handle("GET /api/v1/runs", s.handleListRuns())
		authed.Handle("GET /api/v1/runs/{id}", s.handleGetRun())
	}

	limited := RequestBodyLimitMiddleware(cfg.MaxBodyBytes, authed)
	s.mux.Handle("/api/", AuthMiddleware(cfg.AdminToken, limited))

	s.httpServer = &http.Server{
		Addr:    net.JoinHostPort(cfg.ListenAddress, strconv.Itoa(cfg.Port)),
		Handler: s.mux,
	}
	return s
}

// ListenAndServe starts the HTTP server. It blocks until the server
// stops.
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
