package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"llm-proxy-go/internal/auth"
	"llm-proxy-go/internal/usage"
)

// UsageHandler reports totals from the usage store.
type UsageHandler struct {
	store  *usage.Store
	gate   *auth.Gate
	logger *slog.Logger
}

// NewUsageHandler creates a UsageHandler. store is nil when persistence is
// disabled.
func NewUsageHandler(store *usage.Store, gate *auth.Gate, logger *slog.Logger) *UsageHandler {
	return &UsageHandler{
		store:  store,
		gate:   gate,
		logger: logger.With("component", "usage_handler"),
	}
}

// Summary returns per-provider record and token totals. The optional since
// query parameter (RFC 3339) limits the window.
func (h *UsageHandler) Summary(c echo.Context) error {
	if err := h.gate.CheckToken(c.Request().Header); err != nil {
		return c.String(http.StatusUnauthorized, "Unauthorized")
	}
	if h.store == nil {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "usage store is not enabled",
		})
	}

	var since time.Time
	if raw := c.QueryParam("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": "since must be an RFC 3339 timestamp",
			})
		}
		since = t
	}

	totals, err := h.store.Totals(c.Request().Context(), since)
	if err != nil {
		h.logger.Error("usage summary failed", "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "usage summary failed",
		})
	}
	if totals == nil {
		totals = []usage.ProviderTotals{}
	}

	resp := map[string]any{"providers": totals}
	if !since.IsZero() {
		resp["since"] = since.UTC().Format(time.RFC3339)
	}
	return c.JSON(http.StatusOK, resp)
}
