// Package usage delivers usage records to logging, metrics and storage.
package usage

import (
	"context"
	"errors"
	"log/slog"

	"llm-proxy-go/internal/config"
	"llm-proxy-go/internal/metrics"
	"llm-proxy-go/internal/model"
)

// Sink persists or publishes one usage record.
type Sink interface {
	LogUsage(ctx context.Context, rec model.UsageRecord) error
}

// LogSink writes each record as a structured log line.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "usage")}
}

func (s *LogSink) LogUsage(ctx context.Context, rec model.UsageRecord) error {
	s.logger.InfoContext(ctx, "usage",
		"id", rec.ID,
		"provider", rec.Provider,
		"path", rec.Path,
		"user_id", rec.UserID,
		"model", rec.Model,
		"response_id", rec.ResponseID,
		"message_id", rec.MessageID,
		"input_tokens", rec.Tokens.Input,
		"output_tokens", rec.Tokens.Output,
		"cache_read_tokens", rec.Tokens.CacheRead,
		"cache_write_tokens", rec.Tokens.CacheWrite,
		"total_tokens", rec.Tokens.Total,
	)
	return nil
}

// MetricsSink counts records and tokens in Prometheus.
type MetricsSink struct {
	m *metrics.Metrics
}

// NewMetricsSink creates a MetricsSink.
func NewMetricsSink(m *metrics.Metrics) *MetricsSink {
	return &MetricsSink{m: m}
}

func (s *MetricsSink) LogUsage(_ context.Context, rec model.UsageRecord) error {
	s.m.UsageRecords.WithLabelValues(rec.Provider).Inc()
	for kind, n := range map[string]int64{
		"input":       rec.Tokens.Input,
		"output":      rec.Tokens.Output,
		"cache_read":  rec.Tokens.CacheRead,
		"cache_write": rec.Tokens.CacheWrite,
	} {
		if n > 0 {
			s.m.UsageTokens.WithLabelValues(rec.Provider, kind).Add(float64(n))
		}
	}
	return nil
}

// Fanout hands each record to every sink, even when one of them fails.
type Fanout []Sink

func (f Fanout) LogUsage(ctx context.Context, rec model.UsageRecord) error {
	var errs []error
	for _, s := range f {
		if err := s.LogUsage(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewSink assembles the configured sinks. store may be nil when the SQLite
// store is disabled.
func NewSink(cfg *config.Config, store *Store, m *metrics.Metrics, logger *slog.Logger) Sink {
	sinks := Fanout{NewMetricsSink(m)}
	if store != nil {
		sinks = append(sinks, store)
	}
	if cfg.Usage.LogRecords || store == nil {
		sinks = append(sinks, NewLogSink(logger))
	}
	logger.Info("usage sinks configured",
		"store", store != nil,
		"log_records", cfg.Usage.LogRecords || store == nil,
	)
	return sinks
}
