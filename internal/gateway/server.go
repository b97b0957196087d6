// Package gateway is the HTTP ingress: a small REST surface that
// authenticates, rate-limits, decodes attachments, enqueues work, and
// awaits replies.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lucydhq/lucyd/internal/cost"
	"github.com/lucydhq/lucyd/internal/observability"
	"github.com/lucydhq/lucyd/internal/queue"
	"github.com/lucydhq/lucyd/internal/ratelimit"
	"github.com/lucydhq/lucyd/internal/session"
)

// Config configures the HTTP server.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// AuthToken is the single bearer token. Empty means protected
	// endpoints answer 503.
	AuthToken string `yaml:"auth_token"`

	// MaxBodyBytes caps request bodies; larger requests get 413.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// DownloadDir receives decoded attachments.
	DownloadDir string `yaml:"download_dir"`

	// AgentTimeout bounds how long /chat waits for its reply.
	AgentTimeout time.Duration `yaml:"agent_timeout"`

	// LenientLimit covers status/sessions/cost; TightLimit covers
	// chat/notify.
	LenientLimit ratelimit.Config `yaml:"lenient_limit"`
	TightLimit   ratelimit.Config `yaml:"tight_limit"`
}

// DefaultConfig returns the default gateway settings.
func DefaultConfig() Config {
	return Config{
		Host:         "127.0.0.1",
		Port:         8080,
		MaxBodyBytes: 10 << 20,
		AgentTimeout: 120 * time.Second,
		LenientLimit: ratelimit.Config{Limit: 60, Window: time.Minute},
		TightLimit:   ratelimit.Config{Limit: 30, Window: time.Minute},
	}
}

// Server is the HTTP gateway.
type Server struct {
	config  Config
	queue   *queue.Queue
	store   *session.Store
	ledger  *cost.Ledger
	logger  *observability.Logger
	metrics *observability.Metrics

	lenient *ratelimit.SlidingWindow
	tight   *ratelimit.SlidingWindow

	httpServer *http.Server
	startedAt  time.Time
}

// NewServer wires the gateway. Zero config fields take defaults.
func NewServer(config Config, q *queue.Queue, store *session.Store, ledger *cost.Ledger, logger *observability.Logger, metrics *observability.Metrics) *Server {
	def := DefaultConfig()
	if config.Host == "" {
		config.Host = def.Host
	}
	if config.Port == 0 {
		config.Port = def.Port
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = def.MaxBodyBytes
	}
	if config.AgentTimeout <= 0 {
		config.AgentTimeout = def.AgentTimeout
	}
	if config.LenientLimit.Limit == 0 {
		config.LenientLimit = def.LenientLimit
	}
	if config.TightLimit.Limit == 0 {
		config.TightLimit = def.TightLimit
	}

	return &Server{
		config:  config,
		queue:   q,
		store:   store,
		ledger:  ledger,
		logger:  logger,
		metrics: metrics,
		lenient: ratelimit.NewSlidingWindow(config.LenientLimit),
		tight:   ratelimit.NewSlidingWindow(config.TightLimit),
	}
}

// Handler builds the full route table with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Auth-exempt.
	mux.Handle("/api/v1/status", s.limit(s.lenient, s.method(http.MethodGet, s.handleStatus)))
	mux.Handle("/metrics", promhttp.Handler())

	// Protected.
	mux.Handle("/api/v1/chat", s.auth(s.limit(s.tight, s.method(http.MethodPost, s.handleChat))))
	mux.Handle("/api/v1/notify", s.auth(s.limit(s.tight, s.method(http.MethodPost, s.handleNotify))))
	mux.Handle("/api/v1/sessions", s.auth(s.limit(s.lenient, s.method(http.MethodGet, s.handleSessions))))
	mux.Handle("/api/v1/cost", s.auth(s.limit(s.lenient, s.method(http.MethodGet, s.handleCost))))

	return s.bodyLimit(mux)
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, fmt.Sprintf("%d", s.config.Port))
	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	if s.logger != nil {
		s.logger.Info(ctx, "gateway listening", "addr", addr)
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
