// Package server exposes webhook receipt, the operator API and the live
// event stream over HTTP.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reconciler/internal/config"
	"github.com/sells-group/reconciler/internal/ledger"
	"github.com/sells-group/reconciler/internal/metrics"
	"github.com/sells-group/reconciler/internal/model"
	"github.com/sells-group/reconciler/internal/reconcile"
	"github.com/sells-group/reconciler/internal/resilience"
	"github.com/sells-group/reconciler/internal/source"
	"github.com/sells-group/reconciler/internal/store"
)

const (
	defaultAckBudget   = 5 * time.Second
	defaultMaxBodySize = 5 << 20
)

// Enqueuer hands a recorded delivery to the processing workers.
type Enqueuer interface {
	Enqueue(id string) bool
}

// Reconciler runs one on-demand reconciliation pass.
type Reconciler interface {
	Run(ctx context.Context, src model.Source, entityType string, opts reconcile.Options) (*model.ReconciliationSummary, error)
}

// Subscriber is the live event feed.
type Subscriber interface {
	Subscribe(buffer int) <-chan model.IntegrationEvent
	Unsubscribe(sub <-chan model.IntegrationEvent)
}

// Breakers reports circuit breaker state.
type Breakers interface {
	Snapshots() []model.CircuitBreakerState
}

// Deps are the components the server routes to.
type Deps struct {
	Store      store.Store
	Ledger     *ledger.Ledger
	Registry   *source.Registry
	Queue      Enqueuer
	Reconciler Reconciler
	Events     Subscriber
	Breakers   Breakers
}

// Server is the HTTP front of the reconciler.
type Server struct {
	deps Deps
	cfg  config.ServerConfig
	log  *zap.Logger
	srv  *http.Server
}

// New builds a server. Zero timeouts and sizes take defaults.
func New(deps Deps, cfg config.ServerConfig) *Server {
	if cfg.AckBudget <= 0 {
		cfg.AckBudget = defaultAckBudget
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	s := &Server{
		deps: deps,
		cfg:  cfg,
		log:  zap.L().With(zap.String("component", "server")),
	}
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Router returns the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/webhooks/{source}", func(r chi.Router) {
		r.Post("/", s.handleWebhook)
		r.Get("/challenge", s.handleChallenge)
		r.Post("/challenge", s.handleChallenge)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/deliveries", s.handleListDeliveries)
		r.Get("/deliveries/{id}", s.handleGetDelivery)
		r.Post("/deliveries/{id}/replay", s.handleReplay)
		r.Get("/events", s.handleListEvents)
		r.Get("/events/stream", s.handleStream)
		r.Get("/circuits", s.handleCircuits)
		r.Post("/reconcile/{source}/{entity_type}", s.handleReconcile)
	})
	return r
}

// ListenAndServe serves until Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info("starting server", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "server listen")
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down server")
	return eris.Wrap(s.srv.Shutdown(ctx), "server shutdown")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch resilience.Kind(err) {
	case "signature_invalid":
		return http.StatusUnauthorized
	case "malformed_payload", "domain_validation_rejected":
		return http.StatusBadRequest
	case "circuit_open":
		return http.StatusServiceUnavailable
	case "transient_source_error":
		return http.StatusBadGateway
	}
	if eris.Is(err, store.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
