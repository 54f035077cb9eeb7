package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// proxyPrefix marks responses relayed from a provider. Their headers belong
// to the provider and are left alone.
const proxyPrefix = "/proxy/"

// SecurityHeaders returns an Echo middleware that strips hop-by-hop headers
// from requests and adds security headers to the proxy's own responses.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range hopByHopHeaders {
				c.Request().Header.Del(h)
			}

			if !strings.HasPrefix(c.Request().URL.Path, proxyPrefix) {
				// Set before the handler runs; headers are frozen once it writes.
				c.Response().Header().Set("X-Content-Type-Options", "nosniff")
				c.Response().Header().Set("X-Frame-Options", "DENY")
			}

			return next(c)
		}
	}
}
