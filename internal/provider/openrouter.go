package provider

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"llm-proxy-go/internal/sse"
)

// OpenRouter proxies OpenRouter's OpenAI-compatible API. The base URL already
// ends in /api/, so metered upstream paths start with /api/v1.
type OpenRouter struct {
	base
}

func (o *OpenRouter) DisplayName() string { return "OpenRouter" }
func (o *OpenRouter) DefaultPath() string { return "v1/chat/completions" }
func (o *OpenRouter) Aggregation() Aggregation { return SingleShot }

func (o *OpenRouter) InjectAuth(_ url.Values, h http.Header) {
	h.Set("Authorization", "Bearer "+o.apiKey)
}

func (o *OpenRouter) Metered(p string) bool {
	return strings.HasPrefix(p, "/api/v1/chat/completions") || strings.HasPrefix(p, "/api/v1/completions")
}

func (o *OpenRouter) ExtractJSON(body []byte, _ string) (Usage, bool) {
	return openRouterUsage(gjson.ParseBytes(body))
}

func (o *OpenRouter) NewMeter(_ string) Meter {
	return &singleShotMeter{extract: func(ev sse.Event) (Usage, bool) {
		return openRouterUsage(gjson.ParseBytes(ev.Data))
	}}
}

func openRouterUsage(payload gjson.Result) (Usage, bool) {
	usage := payload.Get("usage")
	if !present(usage) {
		return Usage{}, false
	}
	return Usage{
		Raw:    rawJSON(usage),
		Model:  payload.Get("model").String(),
		Tokens: chatTokens([]byte(usage.Raw)),
	}, true
}
