// Package server exposes the inspector proxy over HTTP.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/mcpinspector/internal/api"
	"github.com/gaspardpetit/mcpinspector/internal/config"
	"github.com/gaspardpetit/mcpinspector/internal/factory"
	"github.com/gaspardpetit/mcpinspector/internal/metrics"
	"github.com/gaspardpetit/mcpinspector/internal/session"
)

// New constructs the HTTP handler for the proxy. Sessions opened through it
// are tracked in reg and their upstreams are built by fac.
func New(cfg config.ServerConfig, reg *session.Registry, fac *factory.Factory) http.Handler {
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	for _, m := range api.MiddlewareChain() {
		r.Use(m)
	}

	if reg == nil {
		reg = session.NewRegistry()
	}
	if fac == nil {
		fac = factory.New(factory.Options{KillGrace: cfg.KillGrace, ConnectTimeout: cfg.ConnectTimeout})
	}
	preg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = preg
	prometheus.DefaultGatherer = preg
	metrics.Register(preg)

	h := &handlers{cfg: cfg, reg: reg, fac: fac}
	r.Get("/sse", h.connectSSE)
	r.Post("/message", h.postMessage)
	r.Get("/ws", h.connectWS)
	r.Get("/config", h.config)
	r.Get("/healthz", h.healthz)
	r.Route("/api", func(ar chi.Router) {
		ar.Get("/sessions", h.sessions)
		ar.Get("/state", h.state)
		ar.Get("/openapi.json", api.OpenAPIHandler())
		ar.Get("/docs", api.DocsHandler("/api/openapi.json"))
	})
	r.Get("/status", StatusHandler())

	if !cfg.SeparateMetrics() {
		r.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
	}

	return r
}

// MetricsHandler serves the default gatherer, used when metrics listen on a
// separate address.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{})
}
