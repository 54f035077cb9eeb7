package provider

import (
	"encoding/json"

	"github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"

	"llm-proxy-go/internal/model"
	"llm-proxy-go/internal/sse"
)

// singleShotMeter stops at the first event its extractor accepts.
type singleShotMeter struct {
	extract func(ev sse.Event) (Usage, bool)
	usage   Usage
	found   bool
}

func (m *singleShotMeter) Observe(ev sse.Event) bool {
	if m.found {
		return true
	}
	if u, ok := m.extract(ev); ok {
		m.usage = u
		m.found = true
	}
	return m.found
}

func (m *singleShotMeter) Result() (Usage, bool) {
	return m.usage, m.found
}

// rawJSON copies a gjson value into a standalone RawMessage. A missing value
// becomes JSON null so the record still serializes.
func rawJSON(r gjson.Result) json.RawMessage {
	if !r.Exists() {
		return json.RawMessage("null")
	}
	return json.RawMessage(r.Raw)
}

// present reports whether r exists and is not JSON null or false.
// This matches the truthiness check upstream clients apply to usage blocks.
func present(r gjson.Result) bool {
	return r.Exists() && r.Type != gjson.Null && r.Type != gjson.False
}

// chatTokens normalizes an OpenAI chat-completions style usage block, which
// OpenRouter also uses.
func chatTokens(raw []byte) model.TokenCounts {
	var u openai.Usage
	if err := json.Unmarshal(raw, &u); err != nil {
		return model.TokenCounts{}
	}
	tc := model.TokenCounts{
		Input:  int64(u.PromptTokens),
		Output: int64(u.CompletionTokens),
		Total:  int64(u.TotalTokens),
	}
	if u.PromptTokensDetails != nil {
		tc.CacheRead = int64(u.PromptTokensDetails.CachedTokens)
	}
	if tc.Total == 0 {
		tc.Total = tc.Input + tc.Output
	}
	return tc
}

// responsesTokens normalizes a Responses API usage block.
func responsesTokens(usage gjson.Result) model.TokenCounts {
	tc := model.TokenCounts{
		Input:     usage.Get("input_tokens").Int(),
		Output:    usage.Get("output_tokens").Int(),
		CacheRead: usage.Get("input_tokens_details.cached_tokens").Int(),
		Total:     usage.Get("total_tokens").Int(),
	}
	if tc.Total == 0 {
		tc.Total = tc.Input + tc.Output
	}
	return tc
}
