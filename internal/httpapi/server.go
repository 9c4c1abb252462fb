// Package httpapi implements the server side of the worker protocol and
// the catalog/event ingress the rest of the system rides on: event append,
// queue lease/heartbeat/complete/fail, queue size/reap, pool status, and
// catalog resource lookup, fronted by a chi middleware stack (request id,
// structured logging, tracing, Sentry recovery, Prometheus).
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/gorax/flow/internal/catalog"
	flowconfig "github.com/gorax/flow/internal/config"
	"github.com/gorax/flow/internal/eventlog"
	"github.com/gorax/flow/internal/obs"
	"github.com/gorax/flow/internal/queue"
	"github.com/gorax/flow/internal/render"
	"github.com/gorax/flow/internal/retry"
)

// Config configures a Server.
type Config struct {
	PoolMax int
	// Redis, when non-nil, switches the admission gate to the
	// cross-replica counter so N server processes share one pool limit.
	Redis *redis.Client
	// CORS, when it names at least one allowed origin, installs a CORS
	// layer ahead of the worker-protocol routes.
	CORS flowconfig.CORSConfig
}

// Server is the worker-facing HTTP API: the Event Log, Work Queue, and
// Catalog Client fronted by admission control and observability.
type Server struct {
	log       *eventlog.Log
	queue     *queue.Queue
	catalog   *catalog.Client
	renderer  *render.Renderer
	retryCtl  *retry.Controller
	metrics   *obs.Metrics
	registry  *prometheus.Registry
	tracer    *obs.TracerProvider
	errors    *obs.ErrorTracker
	logger    *slog.Logger
	admission admitter
	validate  *validator.Validate
	cors      flowconfig.CORSConfig
	router    *chi.Mux
}

// New wires a Server from its dependencies and builds its router.
func New(
	log *eventlog.Log,
	q *queue.Queue,
	cat *catalog.Client,
	renderer *render.Renderer,
	retryCtl *retry.Controller,
	metrics *obs.Metrics,
	registry *prometheus.Registry,
	tracer *obs.TracerProvider,
	errors *obs.ErrorTracker,
	logger *slog.Logger,
	cfg Config,
) *Server {
	var gate admitter
	if cfg.Redis != nil {
		gate = newRedisAdmission(cfg.Redis, cfg.PoolMax, 2*time.Minute)
	} else {
		gate = newAdmission(cfg.PoolMax)
	}

	s := &Server{
		log:       log,
		queue:     q,
		catalog:   cat,
		renderer:  renderer,
		retryCtl:  retryCtl,
		metrics:   metrics,
		registry:  registry,
		tracer:    tracer,
		errors:    errors,
		logger:    logger,
		admission: gate,
		validate:  validator.New(),
		cors:      cfg.CORS,
	}
	s.setupRouter()
	return s
}

// Router returns the HTTP handler for the server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(middleware.Compress(5))

	if len(s.cors.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cors.AllowedOrigins,
			AllowedMethods:   s.cors.AllowedMethods,
			AllowedHeaders:   s.cors.AllowedHeaders,
			ExposedHeaders:   s.cors.ExposedHeaders,
			AllowCredentials: s.cors.AllowCredentials,
			MaxAge:           s.cors.MaxAge,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))

	r.Group(func(r chi.Router) {
		r.Use(s.admissionMiddleware)

		r.Post("/events", s.handleAppendEvent)

		r.Route("/queue", func(r chi.Router) {
			r.Post("/lease", s.handleQueueLease)
			r.Post("/reap-expired", s.handleQueueReapExpired)
			r.Get("/size", s.handleQueueSize)
			r.Post("/{id}/complete", s.handleQueueComplete)
			r.Post("/{id}/fail", s.handleQueueFail)
			r.Post("/{id}/heartbeat", s.handleQueueHeartbeat)
		})

		r.Get("/pool/status", s.handlePoolStatus)
		r.Post("/catalog/resource", s.handleCatalogResource)
	})

	s.router = r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", duration.Milliseconds(),
		)
		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(routeLabel(r), statusClass(ww.Status()), duration.Seconds())
		}
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			s.logger.Error("http handler panic", "path", r.URL.Path, "recovered", rec)
			if s.errors != nil {
				s.errors.CaptureError(r.Context(), panicError{rec})
			}
			writeError(w, http.StatusInternalServerError, "internal error")
		}()
		next.ServeHTTP(w, r)
	})
}

type panicError struct{ v any }

func (p panicError) Error() string {
	if err, ok := p.v.(error); ok {
		return err.Error()
	}
	return "panic: " + toString(p.v)
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return "non-string panic value"
}

// admissionMiddleware rejects with 503 immediately when the server is at
// its configured concurrency limit, the backpressure signal a worker's
// adaptive gate reacts to.
func (s *Server) admissionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		release, ok := s.admission.tryAcquire(r.Context())
		if !ok {
			if s.metrics != nil {
				s.metrics.RecordGate503()
			}
			writeError(w, http.StatusServiceUnavailable, "server at capacity")
			return
		}
		defer release()
		next.ServeHTTP(w, r)
	})
}

func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// decodeValid decodes a JSON request body into v and checks its validate
// tags, so malformed worker requests fail before they reach the queue.
func (s *Server) decodeValid(r *http.Request, v any) error {
	if err := decodeJSON(r, v); err != nil {
		return err
	}
	return s.validate.Struct(v)
}

// RunQueueGauge polls queue sizes on an interval and feeds the metrics
// gauge.
func RunQueueGauge(ctx context.Context, q *queue.Queue, metrics *obs.Metrics, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sizes, err := q.SizeByStatus(ctx)
			if err != nil {
				logger.Warn("httpapi: queue size poll failed", "error", err)
				continue
			}
			for status, n := range sizes {
				metrics.SetQueueDepth(string(status), float64(n))
			}
		}
	}
}
