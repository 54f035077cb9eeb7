package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"llm-proxy-go/internal/auth"
	"llm-proxy-go/internal/client"
	"llm-proxy-go/internal/config"
	"llm-proxy-go/internal/model"
	"llm-proxy-go/internal/provider"
	"llm-proxy-go/internal/service"
	"llm-proxy-go/internal/validate"
)

const testSecret = "shared-secret"

type memorySink struct {
	mu   sync.Mutex
	recs []model.UsageRecord
}

func (s *memorySink) LogUsage(_ context.Context, rec model.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

type testEnv struct {
	cfg      *config.Config
	registry *provider.Registry
	gate     *auth.Gate
	service  *service.ProxyService
	sink     *memorySink
	proxy    *ProxyHandler
}

// newTestEnv builds the proxy stack against baseURL. The OpenRouter key is
// left unset.
func newTestEnv(t *testing.T, baseURL string) *testEnv {
	t.Helper()
	cfg := &config.Config{
		Auth: config.AuthConfig{SharedSecret: testSecret, CallerID: config.DefaultCallerID},
		Providers: map[string]config.ProviderConfig{
			config.ProviderAnthropic:  {APIKey: "ant-key", BaseURL: baseURL},
			config.ProviderOpenAI:     {APIKey: "oai-key", BaseURL: baseURL},
			config.ProviderGoogle:     {APIKey: "goog-key", BaseURL: baseURL},
			config.ProviderOpenRouter: {BaseURL: baseURL},
		},
		Models: config.DefaultModelRules(),
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:   10,
			IdleConnections:  10,
			MeterBufferBytes: 1 << 20,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg, err := provider.NewRegistry(cfg)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	gate := auth.NewGate(cfg, logger)
	sink := &memorySink{}
	svc := service.NewProxyService(client.NewUpstreamClient(cfg, logger, nil), cfg, sink, nil, logger)

	return &testEnv{
		cfg:      cfg,
		registry: reg,
		gate:     gate,
		service:  svc,
		sink:     sink,
		proxy:    NewProxyHandler(reg, gate, validate.NewModelValidator(cfg), svc, logger),
	}
}

func (env *testEnv) echo() *echo.Echo {
	e := echo.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	RegisterRoutes(e, env.cfg, nil, env.proxy, NewHealthHandler(env.registry, "test"), NewUsageHandler(nil, env.gate, logger))
	return e
}

// countingUpstream answers every request with body and counts the calls.
func countingUpstream(t *testing.T, contentType, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", contentType)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestProxyHandler_Auth(t *testing.T) {
	tests := []struct {
		name       string
		header     map[string]string
		wantStatus int
		wantCalls  int32
	}{
		{"no token", nil, http.StatusUnauthorized, 0},
		{"wrong token", map[string]string{"X-Daemon-Token": "nope"}, http.StatusUnauthorized, 0},
		{"wrong bearer", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized, 0},
		{"daemon token header", map[string]string{"X-Daemon-Token": testSecret}, http.StatusOK, 1},
		{"bearer token", map[string]string{"Authorization": "Bearer " + testSecret}, http.StatusOK, 1},
		{"legacy scheme on openai", map[string]string{"Authorization": "X-Daemon-Token " + testSecret}, http.StatusOK, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream, calls := countingUpstream(t, "application/json", `{"ok":true}`)
			env := newTestEnv(t, upstream.URL)
			e := env.echo()

			req := httptest.NewRequest(http.MethodPost, "/proxy/openai/v1/chat/completions", strings.NewReader(`{"model":"gpt-5"}`))
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("upstream calls = %d, want %d", got, tt.wantCalls)
			}
			if tt.wantStatus == http.StatusUnauthorized && rec.Body.String() != "Unauthorized" {
				t.Errorf("body = %q, want Unauthorized", rec.Body.String())
			}
		})
	}
}

func TestProxyHandler_ProviderUnconfigured(t *testing.T) {
	upstream, calls := countingUpstream(t, "application/json", `{}`)
	env := newTestEnv(t, upstream.URL)

	req := httptest.NewRequest(http.MethodPost, "/proxy/openrouter/v1/chat/completions", strings.NewReader(`{"model":"qwen/qwen3-coder"}`))
	// Even a wrong token sees the 503 first.
	req.Header.Set("X-Daemon-Token", "wrong")
	rec := httptest.NewRecorder()
	env.echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if rec.Body.String() != "OpenRouter provider not configured on this server" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if calls.Load() != 0 {
		t.Error("upstream should not be called")
	}
}

func TestProxyHandler_ModelGating(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantBody   string
		wantCalls  int32
	}{
		{"disallowed model", `{"model":"claude-3-5-mini"}`, http.StatusBadRequest, "Invalid model requested. Only Claude Sonnet, Haiku, or Opus models are supported.", 0},
		{"missing model", `{"messages":[]}`, http.StatusBadRequest, validate.MissingModelMessage, 0},
		{"allowed model", `{"model":"claude-3-5-sonnet-20241022"}`, http.StatusOK, "", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream, calls := countingUpstream(t, "application/json", `{"id":"msg_1"}`)
			env := newTestEnv(t, upstream.URL)

			req := httptest.NewRequest(http.MethodPost, "/proxy/anthropic/v1/messages", strings.NewReader(tt.body))
			req.Header.Set("X-Daemon-Token", testSecret)
			rec := httptest.NewRecorder()
			env.echo().ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("upstream calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestProxyHandler_BodylessMethodsSkipModelGate(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
	}{
		{"DELETE without body", http.MethodDelete, "/proxy/openai/v1/responses/resp_1"},
		{"GET", http.MethodGet, "/proxy/anthropic/v1/models"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			methods := make(chan string, 1)
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				methods <- r.Method
				w.Header().Set("Content-Type", "application/json")
				_, _ = io.WriteString(w, `{"deleted":true}`)
			}))
			defer upstream.Close()
			env := newTestEnv(t, upstream.URL)

			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			req.Header.Set("Authorization", "Bearer "+testSecret)
			rec := httptest.NewRecorder()
			env.echo().ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, body = %q, want 200", rec.Code, rec.Body.String())
			}
			if got := <-methods; got != tt.method {
				t.Errorf("upstream method = %q, want %q", got, tt.method)
			}
		})
	}
}

func TestProxyHandler_CORS(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "https://upstream.example")
		_, _ = io.WriteString(w, `{}`)
	}))
	defer upstream.Close()
	env := newTestEnv(t, upstream.URL)
	e := env.echo()

	tests := []struct {
		name      string
		origin    string
		wantAllow string
		wantCreds string
		wantVary  bool
	}{
		{"origin echoed", "https://a.b", "https://a.b", "true", true},
		{"no origin", "", "*", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/proxy/openai/v1/models", http.NoBody)
			req.Header.Set("X-Daemon-Token", testSecret)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantAllow)
			}
			if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != tt.wantCreds {
				t.Errorf("Allow-Credentials = %q, want %q", got, tt.wantCreds)
			}
			if got := strings.Contains(rec.Header().Get("Vary"), "Origin"); got != tt.wantVary {
				t.Errorf("Vary = %q", rec.Header().Get("Vary"))
			}
		})
	}
}

func TestProxyHandler_UpstreamHeadersReplaceMiddlewareValues(t *testing.T) {
	tests := []struct {
		name     string
		upstream string
		wantOurs bool
	}{
		{"provider request id wins", "req_upstream_1", false},
		{"generated id kept when provider sends none", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				if tt.upstream != "" {
					w.Header().Set("X-Request-Id", tt.upstream)
				}
				_, _ = io.WriteString(w, `{}`)
			}))
			defer upstream.Close()
			env := newTestEnv(t, upstream.URL)
			e := env.echo()
			e.Use(echomw.RequestID())

			req := httptest.NewRequest(http.MethodGet, "/proxy/openai/v1/models", http.NoBody)
			req.Header.Set("X-Daemon-Token", testSecret)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			ids := rec.Header().Values(echo.HeaderXRequestID)
			if len(ids) != 1 {
				t.Fatalf("X-Request-Id values = %q, want exactly one", ids)
			}
			if tt.wantOurs {
				if ids[0] == "" {
					t.Error("generated X-Request-Id missing")
				}
			} else if ids[0] != tt.upstream {
				t.Errorf("X-Request-Id = %q, want %q", ids[0], tt.upstream)
			}
		})
	}
}

func TestProxyHandler_Preflight(t *testing.T) {
	upstream, calls := countingUpstream(t, "application/json", `{}`)
	env := newTestEnv(t, upstream.URL)
	e := env.echo()

	tests := []struct {
		name        string
		path        string
		origin      string
		requested   string
		wantHeaders string
		wantCreds   string
	}{
		{"mirrors requested headers", "/proxy/anthropic/v1/messages", "https://a.b", "x-custom, content-type", "x-custom, content-type", "true"},
		{"default list", "/proxy/openai", "", "", "authorization, content-type, x-daemon-token", ""},
		{"google default adds api key header", "/proxy/google/v1beta/models", "", "", "authorization, content-type, x-daemon-token, x-goog-api-key", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodOptions, tt.path, http.NoBody)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.requested != "" {
				req.Header.Set("Access-Control-Request-Headers", tt.requested)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != http.StatusNoContent {
				t.Errorf("status = %d, want 204", rec.Code)
			}
			if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "GET,POST,PUT,PATCH,DELETE,OPTIONS" {
				t.Errorf("Allow-Methods = %q", got)
			}
			if got := rec.Header().Get("Access-Control-Allow-Headers"); got != tt.wantHeaders {
				t.Errorf("Allow-Headers = %q, want %q", got, tt.wantHeaders)
			}
			if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != tt.wantCreds {
				t.Errorf("Allow-Credentials = %q, want %q", got, tt.wantCreds)
			}
			if got := rec.Header().Values("Vary"); len(got) != 1 || got[0] != "Origin" {
				t.Errorf("Vary = %v, want [Origin]", got)
			}
		})
	}

	if calls.Load() != 0 {
		t.Error("preflight should not reach the upstream")
	}
}

func TestProxyHandler_StreamsAndMeters(t *testing.T) {
	stream := "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n" +
		"data: {\"model\":\"gpt-5.1-2025-04-14\",\"usage\":{\"prompt_tokens\":10,\"completion_tokens\":5,\"total_tokens\":15}}\n\n" +
		"data: [DONE]\n\n"
	upstream, _ := countingUpstream(t, "text/event-stream", stream)
	env := newTestEnv(t, upstream.URL)

	req := httptest.NewRequest(http.MethodPost, "/proxy/openai/v1/chat/completions", strings.NewReader(`{"model":"gpt-5","stream":true}`))
	req.Header.Set("Authorization", "Bearer "+testSecret)
	rec := httptest.NewRecorder()
	env.echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != stream {
		t.Errorf("body = %q, want original stream", rec.Body.String())
	}
	if !rec.Flushed {
		t.Error("stream should be flushed to the client")
	}

	if err := env.service.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
	if env.sink.count() != 1 {
		t.Errorf("usage records = %d, want 1", env.sink.count())
	}
}

func TestProxyHandler_UnknownProvider(t *testing.T) {
	upstream, _ := countingUpstream(t, "application/json", `{}`)
	env := newTestEnv(t, upstream.URL)

	req := httptest.NewRequest(http.MethodPost, "/proxy/mistral/v1/chat", strings.NewReader(`{}`))
	req.Header.Set("X-Daemon-Token", testSecret)
	rec := httptest.NewRecorder()
	env.echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestProxyHandler_UpstreamUnreachable(t *testing.T) {
	env := newTestEnv(t, "http://127.0.0.1:1/")

	req := httptest.NewRequest(http.MethodPost, "/proxy/openai/v1/chat/completions", strings.NewReader(`{"model":"gpt-5"}`))
	req.Header.Set("X-Daemon-Token", testSecret)
	rec := httptest.NewRecorder()
	env.echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestProxyHandler_mapError_Transport(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &ProxyHandler{logger: logger}
	ad := newTestEnv(t, "https://upstream.test/").mustLookup(t, config.ProviderOpenAI)

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{"deadline", fmt.Errorf("forward: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, "upstream request timed out"},
		{"canceled", fmt.Errorf("forward: %w", context.Canceled), http.StatusBadGateway, "client disconnected"},
		{"dns", fmt.Errorf("forward: %w", &net.DNSError{Err: "no such host", Name: "api.openai.com"}), http.StatusBadGateway, "upstream host unreachable"},
		{"url error", fmt.Errorf("forward: %w", &url.Error{Op: "Post", URL: "https://api.openai.com", Err: fmt.Errorf("connection refused")}), http.StatusBadGateway, "upstream connection failed"},
		{"other", fmt.Errorf("boom"), http.StatusBadGateway, "upstream request failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/proxy/openai/v1/chat/completions", http.NoBody)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			if err := h.mapError(c, ad, tt.err); err != nil {
				t.Fatalf("mapError() returned error: %v", err)
			}
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body["error"] != tt.wantError {
				t.Errorf("error = %q, want %q", body["error"], tt.wantError)
			}
		})
	}
}

func TestProxyHandler_mapError_BodyLimit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &ProxyHandler{logger: logger}
	ad := newTestEnv(t, "https://upstream.test/").mustLookup(t, config.ProviderOpenAI)

	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", http.NoBody), httptest.NewRecorder())

	err := fmt.Errorf("%w: %w", auth.ErrReadBody, echo.ErrStatusRequestEntityTooLarge)
	got := h.mapError(c, ad, err)
	he, ok := got.(*echo.HTTPError)
	if !ok || he.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("mapError() = %v, want 413 HTTPError", got)
	}
}

func TestSubPath(t *testing.T) {
	tests := []struct{ in, want string }{
		{"/proxy/openai", ""},
		{"/proxy/openai/", ""},
		{"/proxy/openai/v1/chat/completions", "v1/chat/completions"},
		{"/proxy/google/v1/models/gemini-2.5-pro:generateContent", "v1/models/gemini-2.5-pro:generateContent"},
	}
	for _, tt := range tests {
		name := strings.Split(strings.TrimPrefix(tt.in, "/proxy/"), "/")[0]
		if got := subPath(tt.in, name); got != tt.want {
			t.Errorf("subPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func (env *testEnv) mustLookup(t *testing.T, name string) provider.Adapter {
	t.Helper()
	ad, ok := env.registry.Lookup(name)
	if !ok {
		t.Fatalf("Lookup(%q) failed", name)
	}
	return ad
}
