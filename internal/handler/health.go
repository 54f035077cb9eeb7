package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"llm-proxy-go/internal/provider"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	registry *provider.Registry
	version  Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(reg *provider.Registry, v Version) *HealthHandler {
	return &HealthHandler{registry: reg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status reports the build version and which providers have an API key.
func (h *HealthHandler) Status(c echo.Context) error {
	providers := make(map[string]bool)
	for _, name := range h.registry.Names() {
		ad, _ := h.registry.Lookup(name)
		providers[name] = ad.Configured()
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   string(h.version),
		"providers": providers,
	})
}
