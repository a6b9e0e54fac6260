// Package api is the management and observability HTTP surface: endpoint
// CRUD, event publish and inspection, metrics and health.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/tidehook/internal/config"
	"github.com/austindbirch/tidehook/internal/errs"
	"github.com/austindbirch/tidehook/internal/event"
	"github.com/austindbirch/tidehook/internal/health"
	"github.com/austindbirch/tidehook/internal/httpdeliver"
	"github.com/austindbirch/tidehook/internal/logging"
	"github.com/austindbirch/tidehook/internal/publisher"
	"github.com/austindbirch/tidehook/internal/recorder"
	"github.com/austindbirch/tidehook/internal/registry"
	"github.com/austindbirch/tidehook/internal/store"
)

const schemaHeader = "X-Tidehook-Schema"

// Server wires the HTTP routes over the stores and the delivery adapter.
type Server struct {
	endpoints registry.EndpointStore
	events    store.EventStore
	attempts  recorder.AttemptStore
	pub       *publisher.Publisher
	adapter   *httpdeliver.Adapter
	checker   *health.Checker
	registry  *prometheus.Registry
	logger    *logging.Logger
	strict    bool
}

func NewServer(endpoints registry.EndpointStore, events store.EventStore, attempts recorder.AttemptStore,
	pub *publisher.Publisher, adapter *httpdeliver.Adapter, checker *health.Checker,
	reg *prometheus.Registry, logger *logging.Logger, strictURLs bool) *Server {
	if logger == nil {
		logger = logging.New("api")
	}
	return &Server{
		endpoints: endpoints,
		events:    events,
		attempts:  attempts,
		pub:       pub,
		adapter:   adapter,
		checker:   checker,
		registry:  reg,
		logger:    logger,
		strict:    strictURLs,
	}
}

// Router builds the chi mux.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Route("/webhook-endpoints", func(r chi.Router) {
			r.Post("/", s.createEndpoint)
			r.Get("/", s.listEndpoints)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getEndpoint)
				r.Patch("/", s.patchEndpoint)
				r.Delete("/", s.deleteEndpoint)
				r.Post("/test", s.testEndpoint)
				r.Get("/attempts", s.listAttempts)
			})
		})
		r.Route("/events", func(r chi.Router) {
			r.Post("/", s.publishEvent)
			r.Post("/batch", s.publishBatch)
			r.Get("/{id}", s.getEvent)
		})
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
		r.Get("/health", s.checker.Handler())
	})
	return r
}

// NewHTTPServer applies the configured timeouts.
func (s *Server) NewHTTPServer(cfg config.API) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}

// schemaOf pulls the tenant schema from the query or header and validates
// it before anything touches storage.
func schemaOf(r *http.Request) (string, error) {
	schema := r.URL.Query().Get("schema")
	if schema == "" {
		schema = r.Header.Get(schemaHeader)
	}
	if schema == "" {
		return "", errs.E(errs.KindInvalidInput, "schema is required (query param or %s header)", schemaHeader)
	}
	if err := event.ValidateSchema(schema); err != nil {
		return "", err
	}
	return schema, nil
}
