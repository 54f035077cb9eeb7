// Package auth verifies that proxy callers present the shared secret.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"llm-proxy-go/internal/config"
	"llm-proxy-go/internal/model"
	"llm-proxy-go/internal/provider"
)

var (
	// ErrUnauthorized covers both a missing and a mismatched token. Callers
	// cannot tell which check failed.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrProviderUnconfigured means the server holds no API key for the provider.
	ErrProviderUnconfigured = errors.New("provider not configured")
	// ErrReadBody wraps failures reading the inbound request body.
	ErrReadBody = errors.New("read request body")
)

var (
	bearerPattern = regexp.MustCompile(`(?i)^\s*Bearer\s+(.*)$`)
	legacyPattern = regexp.MustCompile(`(?i)^x-daemon-token\s+(.*)$`)
)

// Gate authorizes inbound proxy requests.
type Gate struct {
	secret   []byte
	callerID string
	logger   *slog.Logger
}

// NewGate creates a Gate from the [auth] configuration.
func NewGate(cfg *config.Config, logger *slog.Logger) *Gate {
	return &Gate{
		secret:   []byte(cfg.Auth.SharedSecret),
		callerID: cfg.Auth.CallerID,
		logger:   logger.With("component", "auth"),
	}
}

// Authorize checks the caller token for a request bound for ad. The request
// body is buffered here, once, so the optional model field can be read; the
// forwarder reuses the buffered bytes.
//
// A missing key on the server side is reported before the token is compared
// so that misconfiguration is distinguishable from bad credentials.
func (g *Gate) Authorize(ad provider.Adapter, pr *model.ProxyRequest) (model.AuthContext, error) {
	token := ExtractToken(pr.Header, ad)
	if token == "" {
		return model.AuthContext{}, ErrUnauthorized
	}

	body, err := pr.BufferBody()
	if err != nil {
		return model.AuthContext{}, fmt.Errorf("%w: %w", ErrReadBody, err)
	}

	if !ad.Configured() {
		g.logger.Warn("proxy access denied: API key not configured",
			"provider", ad.Name(),
		)
		return model.AuthContext{}, fmt.Errorf("%w: %s", ErrProviderUnconfigured, ad.Name())
	}

	if subtle.ConstantTimeCompare([]byte(token), g.secret) != 1 {
		g.logger.Warn("unauthorized proxy request",
			"provider", ad.Name(),
		)
		return model.AuthContext{}, ErrUnauthorized
	}

	return model.AuthContext{
		CallerID:     g.callerID,
		RequestModel: requestModel(body),
	}, nil
}

// CheckToken verifies a bare token against the shared secret. Used by routes
// that are not bound to a provider.
func (g *Gate) CheckToken(h http.Header) error {
	token := ExtractToken(h, nil)
	if token == "" || subtle.ConstantTimeCompare([]byte(token), g.secret) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// ExtractToken returns the caller token, or "" when none is present.
// Direct headers are checked first, then the Authorization header. A nil
// adapter means only X-Daemon-Token and Bearer are accepted.
func ExtractToken(h http.Header, ad provider.Adapter) string {
	headers := []string{"X-Daemon-Token"}
	legacy := false
	if ad != nil {
		headers = ad.TokenHeaders()
		legacy = ad.LegacyScheme()
	}

	for _, name := range headers {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			return v
		}
	}

	authz := h.Get("Authorization")
	if authz == "" {
		return ""
	}
	if m := bearerPattern.FindStringSubmatch(authz); m != nil {
		return strings.TrimSpace(m[1])
	}
	if legacy {
		if m := legacyPattern.FindStringSubmatch(authz); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

// requestModel returns the top-level "model" string of a JSON body.
func requestModel(body []byte) string {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return ""
	}
	return gjson.GetBytes(body, "model").String()
}
