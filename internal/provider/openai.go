package provider

import (
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"

	"llm-proxy-go/internal/sse"
)

// OpenAI proxies the Chat Completions and Responses APIs.
type OpenAI struct {
	base
	legacy bool
}

func (o *OpenAI) DisplayName() string { return "OpenAI" }
func (o *OpenAI) DefaultPath() string { return "v1/chat/completions" }
func (o *OpenAI) LegacyScheme() bool { return o.legacy }
func (o *OpenAI) Aggregation() Aggregation { return SingleShot }

func (o *OpenAI) InjectAuth(_ url.Values, h http.Header) {
	h.Set("Authorization", "Bearer "+o.apiKey)
}

func (o *OpenAI) Metered(p string) bool {
	return pathWithin(p, "/v1/chat/completions") || pathWithin(p, "/v1/responses")
}

func (o *OpenAI) ExtractJSON(body []byte, _ string) (Usage, bool) {
	usage := gjson.GetBytes(body, "usage")
	if !present(usage) {
		return Usage{}, false
	}
	u := Usage{
		Raw:   rawJSON(usage),
		Model: gjson.GetBytes(body, "model").String(),
	}
	// Responses API bodies carry input/output token names and an id.
	if usage.Get("input_tokens").Exists() {
		u.Tokens = responsesTokens(usage)
		u.ResponseID = gjson.GetBytes(body, "id").String()
	} else {
		u.Tokens = chatTokens([]byte(usage.Raw))
	}
	return u, true
}

func (o *OpenAI) NewMeter(_ string) Meter {
	return &singleShotMeter{extract: openAIEvent}
}

// openAIEvent handles both stream shapes. A response.completed event ends a
// Responses API stream even when its usage block is missing.
func openAIEvent(ev sse.Event) (Usage, bool) {
	if ev.Get("type").String() == "response.completed" {
		usage := ev.Get("response.usage")
		return Usage{
			Raw:        rawJSON(usage),
			Model:      ev.Get("response.model").String(),
			ResponseID: ev.Get("response.id").String(),
			Tokens:     responsesTokens(usage),
		}, true
	}

	usage := ev.Get("usage")
	if !present(usage) {
		return Usage{}, false
	}
	return Usage{
		Raw:    rawJSON(usage),
		Model:  ev.Get("model").String(),
		Tokens: chatTokens([]byte(usage.Raw)),
	}, true
}
