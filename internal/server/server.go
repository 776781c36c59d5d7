// Package server exposes the agent's health, metrics and host ledger over
// HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/HerbHall/icmpreceiver/internal/ledger"
	"github.com/HerbHall/icmpreceiver/internal/version"
	"github.com/HerbHall/icmpreceiver/pkg/models"
)

// QueueStats reports the handoff queue's depth.
type QueueStats interface {
	Len() int
	Capacity() int
	Closed() bool
}

// HostReader serves the ledger routes.
type HostReader interface {
	Get(ctx context.Context, name string) (models.Host, error)
	List(ctx context.Context, opts ledger.ListOptions) (ledger.ListResult, error)
}

// Options selects what the server exposes. Nil fields disable their routes.
type Options struct {
	Queue    QueueStats
	Hosts    HostReader
	Gatherer prometheus.Gatherer
}

// Server is the agent's HTTP surface.
type Server struct {
	httpServer *http.Server
	opts       Options
	logger     *zap.Logger
	mux        *http.ServeMux
}

// New creates a new Server instance.
func New(addr string, opts Options, logger *zap.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		opts:   opts,
		logger: logger,
		mux:    mux,
	}

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	if s.opts.Gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	if s.opts.Hosts != nil {
		s.mux.HandleFunc("GET /api/v1/hosts", s.handleListHosts)
		s.mux.HandleFunc("GET /api/v1/hosts/{name}", s.handleGetHost)
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting HTTP server", zap.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

type healthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Version map[string]string `json:"version"`
	Queue   *queueHealth      `json:"queue,omitempty"`
}

type queueHealth struct {
	Depth    int  `json:"depth"`
	Capacity int  `json:"capacity"`
	Closed   bool `json:"closed"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Service: "icmpreceiver",
		Version: version.Map(),
	}
	if q := s.opts.Queue; q != nil {
		resp.Queue = &queueHealth{Depth: q.Len(), Capacity: q.Capacity(), Closed: q.Closed()}
		if resp.Queue.Closed {
			Unavailable(w, "capture queue is closed", r.URL.Path)
			return
		}
	}
	w.Header().Set("X-Icmpreceiver-Version", version.Short())
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListHosts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := ledger.ListOptions{
		SortBy:    q.Get("sort"),
		SortOrder: q.Get("order"),
		Outcome:   models.HostOutcome(q.Get("outcome")),
	}
	var err error
	if opts.Limit, err = intParam(q.Get("limit")); err != nil {
		BadRequest(w, "limit: "+err.Error(), r.URL.Path)
		return
	}
	if opts.Offset, err = intParam(q.Get("offset")); err != nil {
		BadRequest(w, "offset: "+err.Error(), r.URL.Path)
		return
	}
	switch opts.Outcome {
	case "", models.HostOutcomeCreated, models.HostOutcomeExists, models.HostOutcomeAbandoned:
	default:
		BadRequest(w, fmt.Sprintf("unknown outcome %q", opts.Outcome), r.URL.Path)
		return
	}

	res, err := s.opts.Hosts.List(r.Context(), opts)
	if err != nil {
		s.logger.Error("failed to list hosts", zap.Error(err))
		InternalError(w, "failed to list hosts", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetHost(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	h, err := s.opts.Hosts.Get(r.Context(), name)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		NotFound(w, fmt.Sprintf("host %s not found", name), r.URL.Path)
	case err != nil:
		s.logger.Error("failed to get host", zap.String("host", name), zap.Error(err))
		InternalError(w, "failed to get host", r.URL.Path)
	default:
		writeJSON(w, http.StatusOK, h)
	}
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("must be a non-negative integer, got %q", v)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
