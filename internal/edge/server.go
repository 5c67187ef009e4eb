// Package edge is the HTTP surface the rendering layer talks to. It serves
// CMS content through the API client, fans out batch requests, accepts
// cache-invalidation webhooks from the CMS and mounts the probe, metrics and
// admin endpoints.
package edge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/gorilla/mux"

	"github.com/dskow/cms-edge/internal/admin"
	"github.com/dskow/cms-edge/internal/apiclient"
	"github.com/dskow/cms-edge/internal/apierror"
	"github.com/dskow/cms-edge/internal/auth"
	"github.com/dskow/cms-edge/internal/config"
	"github.com/dskow/cms-edge/internal/health"
	"github.com/dskow/cms-edge/internal/metrics"
	"github.com/dskow/cms-edge/internal/middleware"
	"github.com/dskow/cms-edge/internal/ratelimit"
	"github.com/dskow/cms-edge/internal/routing"
)

// Client is the part of the API client the edge serves from.
// *apiclient.Client satisfies it.
type Client interface {
	Get(ctx context.Context, path string, opts *apiclient.Options) (*apiclient.Response, error)
	Post(ctx context.Context, path string, body any, opts *apiclient.Options) (*apiclient.Response, error)
	Put(ctx context.Context, path string, body any, opts *apiclient.Options) (*apiclient.Response, error)
	Delete(ctx context.Context, path string, opts *apiclient.Options) (*apiclient.Response, error)
	Invalidate(ctx context.Context, prefix string) int
}

// Options wires a Server. Config and Client are required.
type Options struct {
	Config *config.Config
	Client Client
	// Micro may be nil to serve batch items without the micro-cache.
	Micro   *MicroCache
	Health  *health.Handler
	Admin   *admin.Handler
	Limiter *ratelimit.Limiter
	Logger  *slog.Logger
}

// Server routes edge requests.
type Server struct {
	cfg        *config.Config
	client     Client
	micro      *MicroCache
	health     *health.Handler
	admin      *admin.Handler
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
	classifier atomic.Pointer[routing.Classifier]
	router     *mux.Router
}

// New builds the router. The content classifier starts from
// cfg.Content and can be swapped with SetClassifier.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hh := opts.Health
	if hh == nil {
		hh = health.New(nil, nil, logger)
	}
	s := &Server{
		cfg:     opts.Config,
		client:  opts.Client,
		micro:   opts.Micro,
		health:  hh,
		admin:   opts.Admin,
		limiter: opts.Limiter,
		logger:  logger,
	}
	s.classifier.Store(NewClassifier(opts.Config.Content))
	s.router = s.createRouter()
	return s
}

// NewClassifier converts the configured content rules. Rules were
// validated at load time, so unknown classes cannot occur here.
func NewClassifier(cfg config.ContentConfig) *routing.Classifier {
	rules := make([]routing.Rule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		class, err := routing.ParseContentClass(r.Class)
		if err != nil {
			continue
		}
		rules = append(rules, routing.Rule{Prefix: r.Prefix, Class: class})
	}
	return routing.NewClassifier(rules)
}

// SetClassifier replaces the content classifier, e.g. after a config reload.
func (s *Server) SetClassifier(c *routing.Classifier) {
	s.classifier.Store(c)
}

// Classifier returns the active content classifier.
func (s *Server) Classifier() *routing.Classifier {
	return s.classifier.Load()
}

// Router exposes the route table.
func (s *Server) Router() *mux.Router { return s.router }

// Handler returns the router wrapped in the outer middleware chain:
// Recovery → RequestID → SecurityHeaders → CORS → Logging. The route-aware
// middlewares run inside the router.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	h = middleware.Logging(s.logger, probeLogLevel(s.metricsPath()), &middleware.LoggingConfig{
		BodyLogging:     s.cfg.Logging.BodyLogging,
		MaxBodyLogBytes: s.cfg.Logging.MaxBodyLogBytes,
	})(h)
	if len(s.cfg.Server.CORS.AllowedOrigins) > 0 {
		cors := middleware.DefaultCORSConfig()
		cors.AllowedOrigins = s.cfg.Server.CORS.AllowedOrigins
		cors.MaxAge = strconv.Itoa(s.cfg.Server.CORS.MaxAge)
		h = middleware.CORS(cors)(h)
	}
	h = middleware.SecurityHeaders()(h)
	h = middleware.RequestID(h)
	h = middleware.Recovery(s.logger)(h)
	return h
}

// probeLogLevel keeps probe and scrape traffic out of the access log.
func probeLogLevel(metricsPath string) func(string) slog.Level {
	return func(path string) slog.Level {
		switch path {
		case "/health", "/ready", metricsPath:
			return middleware.LogLevelNone
		}
		return slog.LevelInfo
	}
}

func (s *Server) metricsPath() string {
	if !s.cfg.Metrics.IsEnabled() {
		return ""
	}
	return s.cfg.Metrics.Path
}

func (s *Server) createRouter() *mux.Router {
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.RouteNotFound, "no matching route")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed, "method "+r.Method+" not allowed")
	})

	// Probes and scrapes skip rate limiting and deadlines.
	router.HandleFunc("/health", s.health.Liveness).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/ready", s.health.Readiness).Methods(http.MethodGet, http.MethodHead)
	if path := s.metricsPath(); path != "" {
		router.Handle(path, metrics.Handler()).Methods(http.MethodGet)
	}

	api := router.NewRoute().Subrouter()
	api.Use(middleware.Instrument(routeTemplate))
	api.Use(middleware.BodyLimit(s.cfg.Server.MaxBodyBytes))
	api.Use(middleware.Deadline(s.cfg.Server.GlobalTimeout()))
	if s.limiter != nil {
		api.Use(s.limiter.Middleware())
	}

	requireAuth := auth.Middleware(s.cfg.Auth, auth.Always, s.logger)
	batchAuth := auth.Middleware(s.cfg.Auth, func(*http.Request) bool {
		return s.cfg.Edge.AllowBatchWrites
	}, s.logger)

	api.HandleFunc("/content/{path:.*}", s.handleGetContent).Methods(http.MethodGet, http.MethodHead)
	api.Handle("/content/{path:.*}", requireAuth(http.HandlerFunc(s.handleWriteContent))).
		Methods(http.MethodPost, http.MethodPut, http.MethodDelete)
	api.Handle("/api/batch", batchAuth(http.HandlerFunc(s.handleBatch))).Methods(http.MethodPost)
	api.Handle("/webhooks/cms", requireAuth(http.HandlerFunc(s.handleWebhook))).Methods(http.MethodPost)

	if s.admin != nil {
		s.admin.RegisterRoutes(api)
	}
	return router
}

// routeTemplate labels metrics by route pattern rather than raw path.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// invalidate drops prefix from the client caches and the micro-cache.
func (s *Server) invalidate(ctx context.Context, prefix string) int {
	return s.client.Invalidate(ctx, prefix) + s.micro.DeletePrefix(prefix)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
