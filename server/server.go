// Package server exposes the HTTP surface: health, metrics, admin triggers and the
// Twitch EventSub callback.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"socialrelay/pkg/relay"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CallbackPath is where Twitch delivers EventSub notifications.
const CallbackPath = "/api/v1/callbacks/twitch"

// Poller runs one polling cycle.
type Poller interface {
	RunCycle(ctx context.Context)
}

// Reconciler runs one subscription reconcile.
type Reconciler interface {
	RunOnce(ctx context.Context) error
}

// Publisher receives activities decoded from callbacks.
type Publisher interface {
	Publish(ctx context.Context, a relay.Activity)
}

// EventLog records raw callback payloads.
type EventLog interface {
	InsertEventSubEvent(ctx context.Context, messageID string, payload []byte, receivedAt time.Time) error
}

// Archive stores raw callback payloads as objects.
type Archive interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Config holds server dependencies. Poller, Reconciler and Archive are optional;
// their routes are not registered when nil. With AdminToken set, the admin routes
// require it as a bearer token. Replay is only served with an AdminToken.
type Config struct {
	Poller            Poller
	Reconciler        Reconciler
	Publisher         Publisher
	Events            EventLog
	Archive           Archive
	Clock             clock.Clock
	Logger            *slog.Logger
	Addr              string
	WebhookSecret     string
	AdminToken        string
	CallbackRateLimit int // Requests per minute per IP
}

// Server handles HTTP requests.
type Server struct {
	poller        Poller
	reconciler    Reconciler
	publisher     Publisher
	events        EventLog
	archive       Archive
	clock         clock.Clock
	logger        *slog.Logger
	addr          string
	webhookSecret string
	adminToken    string
	rateLimit     int
}

// New creates a new HTTP server.
func New(cfg *Config) *Server {
	if cfg.CallbackRateLimit <= 0 {
		cfg.CallbackRateLimit = 600
	}
	return &Server{
		poller:        cfg.Poller,
		reconciler:    cfg.Reconciler,
		publisher:     cfg.Publisher,
		events:        cfg.Events,
		archive:       cfg.Archive,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		addr:          cfg.Addr,
		webhookSecret: cfg.WebhookSecret,
		adminToken:    cfg.AdminToken,
		rateLimit:     cfg.CallbackRateLimit,
	}
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if s.adminToken != "" {
			r.Use(s.requireAdminToken)
		}
		if s.poller != nil {
			r.Post("/pollz", s.handlePoll)
		}
		if s.reconciler != nil {
			r.Post("/reconcilez", s.handleReconcile)
		}
		if s.archive != nil && s.publisher != nil && s.adminToken != "" {
			r.Post("/replayz", s.handleReplay)
		}
	})
	if s.publisher != nil && s.webhookSecret != "" {
		r.With(httprate.Limit(s.rateLimit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))).
			Post(CallbackPath, s.handleTwitchCallback)
	}
	return r
}

// Serve listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "addr", s.addr)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP server shutdown failed", "error", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return ctx.Err()
}

func (s *Server) String() string {
	return "http-server"
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.logger, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Poll endpoint triggered")
	s.poller.RunCycle(r.Context())
	writeJSON(w, s.logger, http.StatusOK, map[string]string{"status": "completed"})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Reconcile endpoint triggered")
	if err := s.reconciler.RunOnce(r.Context()); err != nil {
		s.logger.Error("Reconcile failed", "error", err)
		http.Error(w, "Reconcile failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]string{"status": "completed"})
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to write response", "error", err)
	}
}
