package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"llm-proxy-go/internal/auth"
	"llm-proxy-go/internal/model"
	"llm-proxy-go/internal/provider"
	"llm-proxy-go/internal/service"
	"llm-proxy-go/internal/validate"
)

const streamChunkSize = 32 * 1024

// ProxyHandler serves the /proxy/:provider route family.
type ProxyHandler struct {
	registry  *provider.Registry
	gate      *auth.Gate
	validator *validate.ModelValidator
	service   *service.ProxyService
	logger    *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(reg *provider.Registry, gate *auth.Gate, validator *validate.ModelValidator, svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		registry:  reg,
		gate:      gate,
		validator: validator,
		service:   svc,
		logger:    logger.With("component", "proxy_handler"),
	}
}

// Handle authorizes the request, checks the requested model and streams the
// provider's response back to the caller.
func (h *ProxyHandler) Handle(c echo.Context) error {
	ad, ok := h.registry.Lookup(c.Param("provider"))
	if !ok {
		return echo.ErrNotFound
	}

	req := c.Request()
	if req.Method == http.MethodOptions {
		return h.preflight(c, ad)
	}

	pr := &model.ProxyRequest{
		Ctx:    req.Context(),
		Method: req.Method,
		Path:   subPath(req.URL.Path, ad.Name()),
		Query:  req.URL.Query(),
		Header: req.Header,
		Body:   req.Body,
	}

	ac, err := h.gate.Authorize(ad, pr)
	if err != nil {
		return h.mapError(c, ad, err)
	}
	if err := h.validator.Validate(ad.Name(), pr.Path, pr.Buffered()); err != nil {
		return h.mapError(c, ad, err)
	}

	resp, err := h.service.Forward(ad, pr, ac)
	if err != nil {
		return h.mapError(c, ad, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Upstream values replace any the middleware chain already set, such as
	// the generated X-Request-Id.
	header := c.Response().Header()
	for key, vals := range resp.Header {
		header.Del(key)
		for _, v := range vals {
			header.Add(key, v)
		}
	}
	applyCORS(header, req.Header.Get(echo.HeaderOrigin))

	c.Response().WriteHeader(resp.StatusCode)

	// The status is already on the wire, so a mid-stream failure can only
	// truncate the body.
	if err := streamBody(c.Response(), resp.Body); err != nil {
		h.logger.Warn("streaming response body",
			"provider", ad.Name(),
			"err", err,
			"path", req.URL.Path,
		)
	}
	return nil
}

func (h *ProxyHandler) preflight(c echo.Context, ad provider.Adapter) error {
	header := c.Response().Header()
	applyCORS(header, c.Request().Header.Get(echo.HeaderOrigin))
	addVary(header, echo.HeaderOrigin)
	header.Set(echo.HeaderAccessControlAllowMethods, allowedMethods)

	requested := c.Request().Header.Get(echo.HeaderAccessControlRequestHeaders)
	if requested == "" {
		requested = ad.PreflightAllowHeaders()
	}
	header.Set(echo.HeaderAccessControlAllowHeaders, requested)

	return c.NoContent(http.StatusNoContent)
}

func (h *ProxyHandler) mapError(c echo.Context, ad provider.Adapter, err error) error {
	var rejected *validate.RejectedError
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		return c.String(http.StatusUnauthorized, "Unauthorized")

	case errors.Is(err, auth.ErrProviderUnconfigured):
		return c.String(http.StatusServiceUnavailable, ad.DisplayName()+" provider not configured on this server")

	case errors.As(err, &rejected):
		h.logger.Info("model rejected",
			"provider", ad.Name(),
			"model", rejected.Model,
		)
		return c.String(http.StatusBadRequest, rejected.Message)

	case errors.Is(err, auth.ErrReadBody):
		// BodyLimit reports an oversized body as its own HTTP error.
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return c.String(http.StatusBadRequest, "Invalid request body")
	}

	h.logger.Error("proxy error",
		"provider", ad.Name(),
		"err", err,
		"path", c.Request().URL.Path,
	)

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}

// subPath returns the part of p below /proxy/<provider>, without a leading slash.
func subPath(p, name string) string {
	rest := strings.TrimPrefix(p, "/proxy/"+name)
	return strings.TrimPrefix(rest, "/")
}

// streamBody copies body to w, flushing after every chunk so events reach the
// caller as soon as the provider sends them.
func streamBody(w *echo.Response, body io.Reader) error {
	buf := make([]byte, streamChunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			w.Flush()
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
