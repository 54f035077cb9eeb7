package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"llm-proxy-go/internal/config"
	"llm-proxy-go/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, proxy *ProxyHandler, health *HealthHandler, usage *UsageHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/status", health.Status)
	e.GET("/usage/summary", usage.Summary)

	e.Any("/proxy/:provider", proxy.Handle)
	e.Any("/proxy/:provider/*", proxy.Handle)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
