// Package server exposes the control plane's HTTP API: fleet operations,
// intent governance, run inspection, the audit log, metrics, and the
// inbound webhook mount.
package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/lattice-dev/lattice/internal/executor"
	"github.com/lattice-dev/lattice/internal/fleet"
	"github.com/lattice-dev/lattice/internal/intent"
	"github.com/lattice-dev/lattice/internal/safety"
)

// Options configures the HTTP server.
type Options struct {
	ListenAddr   string
	InstanceName string
	// OperatorTokenHash is the bcrypt hash the bearer token must match.
	// Empty disables auth.
	OperatorTokenHash string
}

// Server is the control plane API surface.
type Server struct {
	opts       Options
	pipeline   *intent.Pipeline
	runs       *executor.RunStore
	executor   *executor.Executor
	fleet      *fleet.Supervisor
	audit      *safety.Log
	health     *fleet.HealthMonitor
	metrics    http.Handler
	webhook    http.Handler
	logger     *zap.Logger
	httpServer *http.Server
}

// New creates the server. Metrics and webhook handlers mount via the
// With setters; their routes 404 when absent.
func New(opts Options, pipeline *intent.Pipeline, runs *executor.RunStore, exec *executor.Executor, supervisor *fleet.Supervisor, auditLog *safety.Log, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = ":8080"
	}
	return &Server{
		opts:     opts,
		pipeline: pipeline,
		runs:     runs,
		executor: exec,
		fleet:    supervisor,
		audit:    auditLog,
		logger:   logger,
	}
}

// WithMetricsHandler mounts the /metrics endpoint.
func (s *Server) WithMetricsHandler(h http.Handler) *Server {
	s.metrics = h
	return s
}

// WithWebhook mounts the GitHub webhook endpoint.
func (s *Server) WithWebhook(h http.Handler) *Server {
	s.webhook = h
	return s
}

// WithHealthMonitor mounts the observation ingest endpoint. Sprites and
// external probes report health signals there.
func (s *Server) WithHealthMonitor(m *fleet.HealthMonitor) *Server {
	s.health = m
	return s
}

// Handler builds the full route table wrapped in auth. Exposed for
// httptest use.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.withAuth(mux)
}

// Run serves until ctx is canceled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.opts.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("starting control plane API",
		zap.String("addr", s.opts.ListenAddr),
		zap.String("instance", s.opts.InstanceName),
		zap.Bool("auth", s.opts.OperatorTokenHash != ""),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// authExempt paths carry their own protection (webhook HMAC) or must
// stay open for probes and scrapers.
func authExempt(path string) bool {
	switch path {
	case "/healthz", "/metrics":
		return true
	}
	return strings.HasPrefix(path, "/api/webhooks/")
}

// withAuth enforces the operator bearer token when one is configured.
func (s *Server) withAuth(next http.Handler) http.Handler {
	if s.opts.OperatorTokenHash == "" {
		return next
	}
	hash := []byte(s.opts.OperatorTokenHash)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := bearerToken(r)
		if !ok || bcrypt.CompareHashAndPassword(hash, []byte(token)) != nil {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid operator token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(header[:len(prefix)]), []byte(prefix)) != 1 {
		return "", false
	}
	return header[len(prefix):], true
}

// operator resolves the acting operator for audit attribution.
func operator(r *http.Request, bodyOperator string) string {
	if bodyOperator != "" {
		return bodyOperator
	}
	if v := r.Header.Get("X-Lattice-Operator"); v != "" {
		return v
	}
	return "operator"
}
