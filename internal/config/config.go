// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/llm-proxy/config.toml",
	"configs/config.toml",
}

// Provider names used as keys in [providers.*] and [models.*].
const (
	ProviderAnthropic  = "anthropic"
	ProviderOpenAI     = "openai"
	ProviderGoogle     = "google"
	ProviderOpenRouter = "openrouter"
)

// DefaultCallerID is the single principal all self-hosted traffic is attributed to.
const DefaultCallerID = "self-hosted-default-user"

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config           string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host             string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port             int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	SharedSecret     string `kong:"help='Shared secret callers must present (overrides config).',env='INTERNAL_SHARED_SECRET'"`
	AnthropicAPIKey  string `kong:"help='Anthropic API key (overrides config).',env='ANTHROPIC_API_KEY'"`
	OpenAIAPIKey     string `kong:"help='OpenAI API key (overrides config).',env='OPENAI_API_KEY'"`
	GoogleAPIKey     string `kong:"help='Google AI Studio API key (overrides config).',env='GOOGLE_AI_STUDIO_API_KEY'"`
	OpenRouterAPIKey string `kong:"help='OpenRouter API key (overrides config).',env='OPENROUTER_API_KEY'"`
	UsageDB          string `kong:"help='SQLite usage database path (overrides config).',env='USAGE_DATABASE_PATH'"`
	LogLevel         string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig              `toml:"server"`
	Auth      AuthConfig                `toml:"auth"`
	Upstream  UpstreamConfig            `toml:"upstream"`
	Providers map[string]ProviderConfig `toml:"providers"`
	Models    map[string]ModelRule      `toml:"models"`
	Usage     UsageConfig               `toml:"usage"`
	Log       LogConfig                 `toml:"log"`
	Metrics   MetricsConfig             `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// AuthConfig holds the caller authentication settings.
type AuthConfig struct {
	SharedSecret string `toml:"shared_secret"`
	CallerID     string `toml:"caller_id"`
	// OpenAILegacyScheme accepts "Authorization: X-Daemon-Token <token>" on the
	// OpenAI routes. Pointer so an omitted key keeps the default (true).
	OpenAILegacyScheme *bool `toml:"openai_legacy_scheme"`
}

// LegacySchemeEnabled reports whether the OpenAI legacy Authorization scheme is accepted.
func (a AuthConfig) LegacySchemeEnabled() bool {
	return a.OpenAILegacyScheme == nil || *a.OpenAILegacyScheme
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	// TimeoutSeconds bounds the wait for response headers. Streamed bodies
	// are not cut off by it.
	TimeoutSeconds   int   `toml:"timeout_seconds"`
	IdleConnections  int   `toml:"idle_connections"`
	MeterBufferBytes int64 `toml:"meter_buffer_bytes"`
}

// ProviderConfig holds one upstream provider's credentials and endpoint.
type ProviderConfig struct {
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
}

// ModelRule is the allow-list applied to the "model" field of proxied requests.
// A model passes when it starts with one of AllowPrefixes or contains one of
// AllowContains.
type ModelRule struct {
	AllowPrefixes []string `toml:"allow_prefixes"`
	AllowContains []string `toml:"allow_contains"`
	Message       string   `toml:"message"`
}

// UsageConfig controls where usage records go.
type UsageConfig struct {
	DatabasePath string `toml:"database_path"` // empty disables the SQLite store
	LogRecords   bool   `toml:"log_records"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// LoadDotEnv loads environment variables from a .env file before flags are
// parsed. ENV_FILE selects an alternate file; a missing default file is fine.
func LoadDotEnv() error {
	path := os.Getenv("ENV_FILE")
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("config: load env file %s: %w", path, err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: load .env: %w", err)
	}
	return nil
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/llm-proxy/config.toml then configs/config.toml, and falls back to
// defaults plus CLI/env values when neither exists.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.SharedSecret != "" {
		c.Auth.SharedSecret = cli.SharedSecret
	}
	c.setProviderKey(ProviderAnthropic, cli.AnthropicAPIKey)
	c.setProviderKey(ProviderOpenAI, cli.OpenAIAPIKey)
	c.setProviderKey(ProviderGoogle, cli.GoogleAPIKey)
	c.setProviderKey(ProviderOpenRouter, cli.OpenRouterAPIKey)
	if cli.UsageDB != "" {
		c.Usage.DatabasePath = cli.UsageDB
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) setProviderKey(name, key string) {
	if key == "" {
		return
	}
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	p := c.Providers[name]
	p.APIKey = key
	c.Providers[name] = p
}

// Provider returns the settings for a provider; unknown names yield the zero value.
func (c *Config) Provider(name string) ProviderConfig {
	return c.Providers[name]
}

// placeholderKey is the value shipped in the example config.
const placeholderKey = "YOUR_API_KEY_HERE"

// requiredProviders must have an API key; the rest answer 503 when unset.
var requiredProviders = []string{ProviderAnthropic, ProviderOpenAI}

var knownProviders = map[string]bool{
	ProviderAnthropic:  true,
	ProviderOpenAI:     true,
	ProviderGoogle:     true,
	ProviderOpenRouter: true,
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Auth.SharedSecret) == "" {
		return fmt.Errorf("auth.shared_secret is required")
	}

	for name, p := range c.Providers {
		if !knownProviders[name] {
			return fmt.Errorf("providers.%s: unknown provider", name)
		}
		if p.BaseURL == "" {
			continue
		}
		u, err := url.Parse(p.BaseURL)
		if err != nil {
			return fmt.Errorf("providers.%s.base_url is not a valid URL: %w", name, err)
		}
		if u.Scheme != "https" {
			return fmt.Errorf("providers.%s.base_url must use HTTPS; got %q", name, p.BaseURL)
		}
	}
	for _, name := range requiredProviders {
		if c.Providers[name].APIKey == "" {
			return fmt.Errorf("providers.%s.api_key is required", name)
		}
	}
	for name, p := range c.Providers {
		if p.APIKey == placeholderKey {
			return fmt.Errorf("providers.%s.api_key is still the placeholder value; set a real key", name)
		}
	}
	for name := range c.Models {
		if !knownProviders[name] {
			return fmt.Errorf("models.%s: unknown provider", name)
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.MeterBufferBytes < 0 {
		return fmt.Errorf("upstream.meter_buffer_bytes must be non-negative; got %d", c.Upstream.MeterBufferBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/proxy", "/healthz", "/status", "/usage"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// defaultBaseURLs are the public API roots for each provider.
var defaultBaseURLs = map[string]string{
	ProviderAnthropic:  "https://api.anthropic.com/",
	ProviderOpenAI:     "https://api.openai.com/",
	ProviderGoogle:     "https://generativelanguage.googleapis.com/",
	ProviderOpenRouter: "https://openrouter.ai/api/",
}

// DefaultModelRules returns the built-in model allow-lists.
func DefaultModelRules() map[string]ModelRule {
	return map[string]ModelRule{
		ProviderAnthropic: {
			AllowContains: []string{"sonnet", "haiku", "opus"},
			Message:       "Invalid model requested. Only Claude Sonnet, Haiku, or Opus models are supported.",
		},
		ProviderOpenAI: {
			AllowPrefixes: []string{"gpt-5"},
			Message:       "Invalid model requested. Only GPT-5 models are supported.",
		},
		ProviderGoogle: {
			AllowPrefixes: []string{"gemini-2.5-pro", "gemini-3-pro"},
			Message:       "Invalid model requested. Only Gemini 2.5 Pro and Gemini 3 Pro models are supported.",
		},
		ProviderOpenRouter: {
			AllowPrefixes: []string{"qwen/qwen3-coder", "z-ai/glm-4.6", "moonshotai/kimi-k2"},
			Message:       "Invalid model requested for OpenRouter.",
		},
	}
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Setting port=0 in
// the config file therefore results in the default port (8000).
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 32 * 1024 * 1024 // 32 MB, prompts with images are large
	}
	if c.Auth.CallerID == "" {
		c.Auth.CallerID = DefaultCallerID
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 300
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.MeterBufferBytes == 0 {
		c.Upstream.MeterBufferBytes = 16 * 1024 * 1024
	}
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	for name, base := range defaultBaseURLs {
		p := c.Providers[name]
		if p.BaseURL == "" {
			p.BaseURL = base
		}
		c.Providers[name] = p
	}
	if c.Models == nil {
		c.Models = make(map[string]ModelRule)
	}
	for name, rule := range DefaultModelRules() {
		existing, ok := c.Models[name]
		if !ok {
			c.Models[name] = rule
			continue
		}
		if existing.Message == "" {
			existing.Message = rule.Message
			c.Models[name] = existing
		}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
// The file holds the shared secret and provider keys.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
