package provider

import (
	"encoding/json"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"llm-proxy-go/internal/model"
	"llm-proxy-go/internal/sse"
)

const anthropicVersion = "2023-06-01"

// Anthropic proxies the Messages API. Streams spread usage over several
// events, so its meter reads to the end and keeps per-field maxima.
type Anthropic struct {
	base
}

func (a *Anthropic) DisplayName() string { return "Anthropic" }
func (a *Anthropic) DefaultPath() string { return "v1/messages" }
func (a *Anthropic) Aggregation() Aggregation { return Max }

func (a *Anthropic) InjectAuth(_ url.Values, h http.Header) {
	h.Set("X-Api-Key", a.apiKey)
	if h.Get("Anthropic-Version") == "" {
		h.Set("Anthropic-Version", anthropicVersion)
	}
}

func (a *Anthropic) Metered(p string) bool {
	return pathWithin(p, "/v1/messages")
}

func (a *Anthropic) ExtractJSON(body []byte, _ string) (Usage, bool) {
	usage := gjson.GetBytes(body, "usage")
	if !present(usage) {
		return Usage{}, false
	}
	var agg anthropicUsage
	agg.raise(usage)
	return Usage{
		Raw:       rawJSON(usage),
		Model:     gjson.GetBytes(body, "model").String(),
		MessageID: gjson.GetBytes(body, "id").String(),
		Tokens:    agg.tokens(),
	}, true
}

func (a *Anthropic) NewMeter(_ string) Meter {
	return &anthropicMeter{}
}

// anthropicUsage is the aggregated usage block. Zero fields are omitted
// when it is serialized.
type anthropicUsage struct {
	InputTokens              int64 `json:"input_tokens,omitempty"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
	OutputTokens             int64 `json:"output_tokens,omitempty"`
}

// raise lifts each field to the value in usage when that is larger.
// Numeric strings are accepted; other values are skipped and negatives
// count as zero.
func (u *anthropicUsage) raise(usage gjson.Result) {
	for key, dst := range map[string]*int64{
		"input_tokens":                &u.InputTokens,
		"cache_creation_input_tokens": &u.CacheCreationInputTokens,
		"cache_read_input_tokens":     &u.CacheReadInputTokens,
		"output_tokens":               &u.OutputTokens,
	} {
		n, ok := tokenCount(usage.Get(key))
		if ok && n > *dst {
			*dst = n
		}
	}
}

// tokenCount reads a usage value that may be a JSON number or a numeric
// string. Non-finite values are rejected.
func tokenCount(v gjson.Result) (int64, bool) {
	var f float64
	switch v.Type {
	case gjson.Number:
		f = v.Float()
	case gjson.String:
		s := strings.TrimSpace(v.Str)
		if s == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int64(max(f, 0)), true
}

func (u anthropicUsage) empty() bool {
	return u == anthropicUsage{}
}

func (u anthropicUsage) tokens() model.TokenCounts {
	return model.TokenCounts{
		Input:      u.InputTokens,
		Output:     u.OutputTokens,
		CacheRead:  u.CacheReadInputTokens,
		CacheWrite: u.CacheCreationInputTokens,
		Total:      u.InputTokens + u.OutputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens,
	}
}

type anthropicMeter struct {
	usage     anthropicUsage
	model     string
	messageID string
}

// Observe never asks to stop: a later message_delta may raise output_tokens.
func (m *anthropicMeter) Observe(ev sse.Event) bool {
	if m.model == "" {
		if v := ev.Get("message.model"); v.String() != "" {
			m.model = v.String()
		} else {
			m.model = ev.Get("model").String()
		}
	}
	if m.messageID == "" {
		m.messageID = ev.Get("message.id").String()
	}

	usage := ev.Get("usage")
	if !present(usage) {
		usage = ev.Get("message.usage")
	}
	if present(usage) {
		m.usage.raise(usage)
	}
	return false
}

func (m *anthropicMeter) Result() (Usage, bool) {
	if m.usage.empty() {
		return Usage{}, false
	}
	raw, err := json.Marshal(m.usage)
	if err != nil {
		return Usage{}, false
	}
	return Usage{
		Raw:       raw,
		Model:     m.model,
		MessageID: m.messageID,
		Tokens:    m.usage.tokens(),
	}, true
}
