package provider

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"llm-proxy-go/internal/model"
	"llm-proxy-go/internal/sse"
)

// Google proxies the Gemini API on AI Studio. Callers that speak the Gemini
// SDK send their token as x-goog-api-key, so that header is accepted too.
type Google struct {
	base
}

func (g *Google) DisplayName() string { return "Google" }
func (g *Google) DefaultPath() string {
	return "v1beta/models/gemini-2.5-pro:streamGenerateContent"
}
func (g *Google) AuthQueryParam() string { return "key" }
func (g *Google) Aggregation() Aggregation { return SingleShot }

func (g *Google) TokenHeaders() []string {
	return []string{"X-Daemon-Token", "X-Goog-Api-Key"}
}

func (g *Google) PreflightAllowHeaders() string {
	return "authorization, content-type, x-daemon-token, x-goog-api-key"
}

// RewritePath maps the first v1/models segment onto v1beta/models.
func (g *Google) RewritePath(p string) string {
	return strings.Replace(p, "v1/models", "v1beta/models", 1)
}

func (g *Google) InjectAuth(q url.Values, _ http.Header) {
	q.Set("key", g.apiKey)
}

// Metered covers generateContent and streamGenerateContent.
func (g *Google) Metered(p string) bool {
	return strings.Contains(p, "generateContent") || strings.Contains(p, "GenerateContent")
}

func (g *Google) ExtractJSON(body []byte, requestModel string) (Usage, bool) {
	return googleUsage(gjson.ParseBytes(body), requestModel)
}

func (g *Google) NewMeter(requestModel string) Meter {
	return &singleShotMeter{extract: func(ev sse.Event) (Usage, bool) {
		return googleUsage(gjson.ParseBytes(ev.Data), requestModel)
	}}
}

// googleUsage reads usageMetadata. The model named in the request wins over
// the modelVersion the response reports.
func googleUsage(payload gjson.Result, requestModel string) (Usage, bool) {
	meta := payload.Get("usageMetadata")
	if !present(meta) {
		return Usage{}, false
	}
	m := requestModel
	if m == "" {
		m = payload.Get("modelVersion").String()
	}
	return Usage{
		Raw:   rawJSON(meta),
		Model: m,
		Tokens: model.TokenCounts{
			Input:     meta.Get("promptTokenCount").Int(),
			Output:    meta.Get("candidatesTokenCount").Int(),
			CacheRead: meta.Get("cachedContentTokenCount").Int(),
			Total:     meta.Get("totalTokenCount").Int(),
		},
	}, true
}
