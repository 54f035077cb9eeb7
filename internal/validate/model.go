// Package validate gates proxied requests on the model they ask for.
package validate

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"llm-proxy-go/internal/config"
)

// MissingModelMessage is returned when a body-carrying request names no model.
const MissingModelMessage = "Model must be specified in request body"

// RejectedError carries the message shown to the caller with a 400.
type RejectedError struct {
	Provider string
	Model    string
	Message  string
}

func (e *RejectedError) Error() string {
	return e.Message
}

// googlePathModel matches models/<name>:<method> in Gemini paths.
var googlePathModel = regexp.MustCompile(`models/([^/:]+):`)

// ModelValidator applies the configured allow-lists.
type ModelValidator struct {
	rules map[string]config.ModelRule
}

// NewModelValidator creates a ModelValidator from the [models] configuration.
func NewModelValidator(cfg *config.Config) *ModelValidator {
	return &ModelValidator{rules: cfg.Models}
}

// Validate checks the model named by a request to provider. body is the
// buffered request body; an empty one (GET, HEAD, or a DELETE without a
// payload) names no model and passes. path is the request path below the
// provider prefix; Gemini requests may name the model there instead of the
// body. Providers without a rule accept every request.
func (v *ModelValidator) Validate(provider, path string, body []byte) error {
	rule, ok := v.rules[provider]
	if !ok {
		return nil
	}
	if len(body) == 0 {
		return nil
	}

	model := ""
	if gjson.ValidBytes(body) {
		model = gjson.GetBytes(body, "model").String()
	}
	if model == "" && provider == config.ProviderGoogle {
		if m := googlePathModel.FindStringSubmatch(path); m != nil {
			model = m[1]
		}
	}
	model = strings.TrimPrefix(model, "models/")
	if model == "" {
		return &RejectedError{Provider: provider, Message: MissingModelMessage}
	}

	if !allowed(rule, model) {
		return &RejectedError{Provider: provider, Model: model, Message: rule.Message}
	}
	return nil
}

func allowed(rule config.ModelRule, model string) bool {
	m := strings.ToLower(model)
	for _, p := range rule.AllowPrefixes {
		if strings.HasPrefix(m, strings.ToLower(p)) {
			return true
		}
	}
	for _, c := range rule.AllowContains {
		if strings.Contains(m, strings.ToLower(c)) {
			return true
		}
	}
	return false
}
