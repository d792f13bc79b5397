// Package api exposes the appliance control surface over HTTP: health,
// configuration, subscriber and endpoint state, counters, and a route
// request endpoint that publishes onto the bus.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"nvxroute-bus/config"
	"nvxroute-bus/internal/broker"
	"nvxroute-bus/internal/device"
	"nvxroute-bus/internal/logger"
	"nvxroute-bus/internal/route"
	"nvxroute-bus/internal/stats"
)

// Bus is the part of the route controller the API drives
type Bus interface {
	NotifyRoutingChange(ctx context.Context, sourceID, destinationID int) error
	Subscribers() []route.SubscriberInfo
	Connected() bool
	ConnectionState() broker.ConnectionState
}

// EndpointSource lists the managed endpoints
type EndpointSource interface {
	Endpoints() []device.Info
}

// StatsSource provides the counter snapshot
type StatsSource interface {
	GetStats() stats.Snapshot
}

type Server struct {
	cfg       *config.Config
	bus       Bus
	endpoints EndpointSource
	stats     StatsSource
	logger    *logger.Logger
	srv       *http.Server
}

// NewServer creates the API server. endpoints and stats may be nil.
func NewServer(cfg *config.Config, bus Bus, endpoints EndpointSource, st StatsSource, log *logger.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		bus:       bus,
		endpoints: endpoints,
		stats:     st,
		logger:    log,
	}
	s.srv = &http.Server{
		Addr:         cfg.API.Address,
		Handler:      s.Mount(),
		WriteTimeout: 30 * time.Second,
		ReadTimeout:  10 * time.Second,
		IdleTimeout:  time.Minute,
	}
	return s
}

// Mount builds the router
func (s *Server) Mount() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggerMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/config", s.handleConfig)
		r.Get("/subscribers", s.handleSubscribers)
		r.Get("/endpoints", s.handleEndpoints)
		r.Get("/stats", s.handleStats)
		r.Post("/routes", s.handleRoute)
	})

	return r
}

// Start serves in the background until Shutdown
func (s *Server) Start() {
	go func() {
		s.logger.Info("starting api server", "address", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", "error", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (rw *statusRecorder) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

func (s *Server) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		kv := []interface{}{
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"bytes", wrapped.bytes,
			"request_id", middleware.GetReqID(r.Context()),
		}
		switch {
		case wrapped.status >= 500:
			s.logger.Error("request completed with server error", kv...)
		case wrapped.status >= 400:
			s.logger.Warn("request completed with client error", kv...)
		default:
			s.logger.Debug("request completed", kv...)
		}
	})
}
