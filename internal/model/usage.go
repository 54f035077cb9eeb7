package model

import (
	"encoding/json"
	"time"
)

// TokenCounts is a provider-neutral view of a usage block, used for storage
// and metrics. The raw provider fields stay in UsageRecord.Usage.
type TokenCounts struct {
	Input      int64 `json:"input"`
	Output     int64 `json:"output"`
	CacheRead  int64 `json:"cache_read"`
	CacheWrite int64 `json:"cache_write"`
	Total      int64 `json:"total"`
}

// UsageRecord is handed to a usage sink at most once per proxied request.
type UsageRecord struct {
	ID         string          `json:"id"`
	Provider   string          `json:"provider"`
	Path       string          `json:"path"`
	Usage      json.RawMessage `json:"usage"`
	UserID     string          `json:"user_id"`
	Model      string          `json:"model,omitempty"`
	ResponseID string          `json:"response_id,omitempty"`
	MessageID  string          `json:"message_id,omitempty"`
	Tokens     TokenCounts     `json:"tokens"`
	CreatedAt  time.Time       `json:"created_at"`
}
