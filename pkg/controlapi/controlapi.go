// Package controlapi exposes the agent's operational surface: health,
// readiness, Prometheus metrics, manual reconciliation triggers, and
// read/write access to operation history, batch history, and the
// retention policy.
package controlapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/oriolrius/keycloak-kafka-scram-sync/pkg/audit"
	"github.com/oriolrius/keycloak-kafka-scram-sync/pkg/queue"
	"github.com/oriolrius/keycloak-kafka-scram-sync/pkg/reconcile"
)

// Reconciler is the subset of *reconcile.Orchestrator the API needs.
type Reconciler interface {
	Trigger(ctx context.Context, source audit.Source, dryRun bool) (*reconcile.Result, error)
	IsRunning() bool
}

// Store is the subset of *audit.Store the API needs.
type Store interface {
	Summary(ctx context.Context, window time.Duration, now time.Time) (*audit.Summary, error)
	ListOperations(ctx context.Context, filter audit.OperationFilter) ([]audit.Operation, error)
	ListBatches(ctx context.Context, page, pageSize int) ([]audit.Batch, error)
	GetRetention(ctx context.Context) (*audit.RetentionState, error)
	UpdateRetention(ctx context.Context, maxBytes, maxAgeDays *int64) (*audit.RetentionState, error)
	HealthCheck(ctx context.Context) error
}

// QueueMetrics is the subset of *queue.Queue the API needs to report
// queue depth.
type QueueMetrics interface {
	Metrics() queue.Metrics
}

// BreakerStates is the subset of *circuitbreaker.Manager the API needs
// to gate readiness on dependency health.
type BreakerStates interface {
	State(name string) gobreaker.State
}

// dependencyBreakers lists every breaker name readyz requires CLOSED.
var dependencyBreakers = []string{"idp", "broker"}

// CORSConfig mirrors the CORS_* environment variables.
type CORSConfig struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
}

// Config wires the API's collaborators and auth gate.
type Config struct {
	CORS          CORSConfig
	BasicAuthUser string
	BasicAuthPass string
	SummaryWindow time.Duration
}

// API is the control surface's chi router plus its collaborators.
type API struct {
	router     chi.Router
	reconciler Reconciler
	store      Store
	queue      QueueMetrics
	breakers   BreakerStates
	validate   *validator.Validate
	registry   *prometheus.Registry
	metrics    *metrics
	cfg        Config
	logger     *zap.Logger
}

// New builds an API and wires its routes.
func New(cfg Config, reconciler Reconciler, store Store, q QueueMetrics, breakers BreakerStates, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SummaryWindow == 0 {
		cfg.SummaryWindow = time.Hour
	}
	registry := prometheus.NewRegistry()

	a := &API{
		reconciler: reconciler,
		store:      store,
		queue:      q,
		breakers:   breakers,
		validate:   validator.New(),
		registry:   registry,
		metrics:    newMetrics(registry),
		cfg:        cfg,
		logger:     logger,
	}
	a.router = a.newRouter()
	return a
}

// ServeHTTP lets *API itself be used as an http.Handler.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) { a.router.ServeHTTP(w, r) }

func (a *API) newRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.cfg.CORS.AllowedOrigins,
		AllowedMethods:   a.cfg.CORS.AllowedMethods,
		AllowedHeaders:   a.cfg.CORS.AllowedHeaders,
		AllowCredentials: a.cfg.CORS.AllowCredentials,
	}))

	r.Get("/healthz", a.handleHealthz)
	r.Get("/readyz", a.handleReadyz)
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		if a.cfg.BasicAuthUser != "" {
			r.Use(a.basicAuth)
		}
		r.Post("/reconcile/trigger", a.handleTrigger)
		r.Get("/reconcile/status", a.handleStatus)
		r.Get("/summary", a.handleSummary)
		r.Get("/operations", a.handleOperations)
		r.Get("/batches", a.handleBatches)
		r.Get("/config/retention", a.handleGetRetention)
		r.Put("/config/retention", a.handlePutRetention)
	})

	return r
}
