// Package provider describes how each upstream LLM API differs: credentials,
// default path, path quirks, and where usage data lives in its responses.
package provider

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"llm-proxy-go/internal/config"
	"llm-proxy-go/internal/model"
	"llm-proxy-go/internal/sse"
)

// Aggregation selects how a stream meter combines usage across events.
type Aggregation int

const (
	// SingleShot records the first usage block found and stops reading.
	SingleShot Aggregation = iota
	// Max keeps the per-field maximum across the whole stream.
	Max
)

func (a Aggregation) String() string {
	if a == Max {
		return "max"
	}
	return "single-shot"
}

// Usage is the provider-specific result of inspecting a response.
type Usage struct {
	Raw        json.RawMessage
	Model      string
	ResponseID string
	MessageID  string
	Tokens     model.TokenCounts
}

// Meter consumes parsed events from one response stream.
type Meter interface {
	// Observe inspects one event and reports whether reading can stop.
	Observe(ev sse.Event) (done bool)
	// Result returns the usage gathered so far. ok is false when nothing
	// worth recording was seen.
	Result() (u Usage, ok bool)
}

// Adapter captures everything that varies between upstream providers.
type Adapter interface {
	Name() string
	// DisplayName is the human-facing name used in error bodies.
	DisplayName() string
	BaseURL() *url.URL
	// Configured reports whether a server-side API key is present.
	Configured() bool

	// TokenHeaders lists headers that carry the caller token directly, in
	// the order they are checked.
	TokenHeaders() []string
	// LegacyScheme reports whether "Authorization: X-Daemon-Token <token>"
	// is accepted.
	LegacyScheme() bool
	// PreflightAllowHeaders is the Access-Control-Allow-Headers value used
	// when a preflight does not name any.
	PreflightAllowHeaders() string

	DefaultPath() string
	// RewritePath fixes provider-specific legacy path segments.
	RewritePath(path string) string
	// AuthQueryParam is the query parameter holding the upstream key, if any.
	// It is never forwarded from the caller.
	AuthQueryParam() string
	// InjectAuth adds the server credential and any required upstream headers.
	InjectAuth(query url.Values, header http.Header)

	// Metered reports whether responses for the upstream path carry usage.
	Metered(upstreamPath string) bool
	Aggregation() Aggregation
	// ExtractJSON inspects a complete JSON response body.
	ExtractJSON(body []byte, requestModel string) (Usage, bool)
	// NewMeter returns a fresh meter for one response stream.
	NewMeter(requestModel string) Meter
}

// Registry resolves provider names to adapters.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds the four adapters from configuration.
func NewRegistry(cfg *config.Config) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter)}

	for _, name := range []string{
		config.ProviderAnthropic,
		config.ProviderOpenAI,
		config.ProviderGoogle,
		config.ProviderOpenRouter,
	} {
		pc := cfg.Provider(name)
		b, err := newBase(name, pc)
		if err != nil {
			return nil, err
		}
		var a Adapter
		switch name {
		case config.ProviderAnthropic:
			a = &Anthropic{base: b}
		case config.ProviderOpenAI:
			a = &OpenAI{base: b, legacy: cfg.Auth.LegacySchemeEnabled()}
		case config.ProviderGoogle:
			a = &Google{base: b}
		case config.ProviderOpenRouter:
			a = &OpenRouter{base: b}
		}
		r.adapters[name] = a
	}
	return r, nil
}

// Lookup returns the adapter registered under name.
func (r *Registry) Lookup(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// base holds the fields and behaviour shared by every adapter.
type base struct {
	name    string
	baseURL *url.URL
	apiKey  string
}

func newBase(name string, pc config.ProviderConfig) (base, error) {
	u, err := url.Parse(pc.BaseURL)
	if err != nil {
		return base{}, fmt.Errorf("parse %s base_url: %w", name, err)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return base{name: name, baseURL: u, apiKey: pc.APIKey}, nil
}

func (b *base) Name() string { return b.name }
func (b *base) BaseURL() *url.URL { return b.baseURL }
func (b *base) Configured() bool { return b.apiKey != "" }
func (b *base) TokenHeaders() []string { return []string{"X-Daemon-Token"} }
func (b *base) LegacyScheme() bool { return false }
func (b *base) RewritePath(p string) string { return p }
func (b *base) AuthQueryParam() string { return "" }

func (b *base) PreflightAllowHeaders() string {
	return "authorization, content-type, x-daemon-token"
}

// pathWithin reports whether p equals prefix or sits below it.
func pathWithin(p, prefix string) bool {
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}
