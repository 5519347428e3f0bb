// Package ops exposes the orchestrator over HTTP: engine status, workflow
// registration and execution, provider health, Prometheus metrics, and a
// websocket event stream. It is a thin shell over the engine and provider
// facades; no orchestration logic lives here.
package ops

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/arachne-ai/arachne/internal/engine"
	"github.com/arachne-ai/arachne/internal/platform/config"
	"github.com/arachne-ai/arachne/internal/platform/health"
	"github.com/arachne-ai/arachne/internal/platform/logger"
	"github.com/arachne-ai/arachne/internal/platform/metrics"
	"github.com/arachne-ai/arachne/internal/provider"
)

// Server is the ops HTTP server.
type Server struct {
	cfg       config.HTTPConfig
	log       logger.Logger
	metrics   *metrics.Metrics
	engine    *engine.Engine
	providers *provider.Manager
	health    *health.Handler
	hub       *EventHub

	httpServer *http.Server
}

// Option configures the server at construction.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(log logger.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithMetrics attaches Prometheus instrumentation. The /metrics route and
// the HTTP middleware are only installed when metrics are present.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealth sets the health check handler backing /health.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// New creates the server, subscribes its event hub to the engine's
// emitter, and starts the hub. Start must be called to serve.
func New(cfg config.HTTPConfig, eng *engine.Engine, providers *provider.Manager, opts ...Option) (*Server, error) {
	if eng == nil {
		return nil, fmt.Errorf("ops server requires an engine")
	}

	s := &Server{
		cfg:       cfg,
		log:       logger.NewNop(),
		engine:    eng,
		providers: providers,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.health == nil {
		s.health = health.NewHandler("orchestrator", "")
	}

	s.hub = NewEventHub(s.log)
	eng.Events().On(engine.SubscribeAll, s.hub.Broadcast)
	go s.hub.Run()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	router := mux.NewRouter()

	router.Use(s.recoveryMiddleware)
	router.Use(logger.HTTPMiddleware(s.log))
	if s.metrics != nil {
		router.Use(s.metrics.HTTPMetricsMiddleware())
	}

	router.HandleFunc("/health", s.health.HealthHandler()).Methods("GET")
	router.HandleFunc("/health/live", s.health.LivenessHandler()).Methods("GET")
	if s.metrics != nil {
		router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/engine/status", s.handleEngineStatus).Methods("GET")
	api.HandleFunc("/workflows", s.handleListWorkflows).Methods("GET")
	api.HandleFunc("/workflows", s.handleRegisterWorkflow).Methods("POST")
	api.HandleFunc("/executions", s.handleListExecutions).Methods("GET")
	api.HandleFunc("/executions", s.handleExecuteWorkflow).Methods("POST")
	api.HandleFunc("/executions/{id}", s.handleGetExecution).Methods("GET")
	api.HandleFunc("/executions/{id}", s.handleCancelExecution).Methods("DELETE")
	api.HandleFunc("/providers/health", s.handleProviderHealth).Methods("GET")
	api.HandleFunc("/providers/stats/reset", s.handleResetProviderStats).Methods("POST")

	router.Handle("/ws/events", s.hub)

	return router
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Hub returns the websocket event hub.
func (s *Server) Hub() *EventHub {
	return s.hub
}

// Start serves until Shutdown. It blocks the way
// http.Server.ListenAndServe does.
func (s *Server) Start() error {
	s.log.Info("Starting ops HTTP server", "port", s.cfg.Port)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the listener gracefully and disconnects event stream
// clients.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.hub.Stop()
	return err
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("panic recovered", "error", rec, "path", r.URL.Path)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				fmt.Fprint(w, `{"success":false,"error":{"code":"INTERNAL_ERROR","message":"Internal server error"}}`)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
