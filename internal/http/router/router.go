package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/healthy-habitat/score-regions/internal/config"
	"github.com/healthy-habitat/score-regions/internal/http/handler"
	"github.com/healthy-habitat/score-regions/internal/http/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Router struct {
	cfg           *config.Config
	logger        *zap.Logger
	registry      *prometheus.Registry
	rateLimiter   *middleware.RateLimiter
	eventHandler  *handler.EventHandler
	healthHandler *handler.HealthHandler
}

func NewRouter(
	cfg *config.Config,
	logger *zap.Logger,
	registry *prometheus.Registry,
	rateLimiter *middleware.RateLimiter,
	eventHandler *handler.EventHandler,
	healthHandler *handler.HealthHandler,
) *Router {
	return &Router{
		cfg:           cfg,
		logger:        logger,
		registry:      registry,
		rateLimiter:   rateLimiter,
		eventHandler:  eventHandler,
		healthHandler: healthHandler,
	}
}

func (rt *Router) Setup() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recovery(rt.logger))
	r.Use(middleware.Logging(rt.logger))
	r.Use(middleware.SecurityHeaders(&rt.cfg.Security))
	r.Use(middleware.CORS(&rt.cfg.CORS, rt.cfg.App.Environment, rt.logger))
	r.Use(rt.rateLimiter.LimitByIP)

	r.Get("/health", rt.healthHandler.Live)
	r.Get("/health/ready", rt.healthHandler.Ready)

	if rt.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{Registry: rt.registry}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/events", rt.eventHandler.Handle)
		// Name of the original function endpoint, kept for existing subscriptions
		r.Post("/score_regions", rt.eventHandler.Handle)
	})

	return r
}
