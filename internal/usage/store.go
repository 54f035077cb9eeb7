package usage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"llm-proxy-go/internal/config"
	"llm-proxy-go/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id                 TEXT PRIMARY KEY,
	provider           TEXT NOT NULL,
	path               TEXT NOT NULL,
	user_id            TEXT NOT NULL,
	model              TEXT,
	response_id        TEXT,
	message_id         TEXT,
	usage_json         TEXT NOT NULL,
	input_tokens       INTEGER NOT NULL DEFAULT 0,
	output_tokens      INTEGER NOT NULL DEFAULT 0,
	cache_read_tokens  INTEGER NOT NULL DEFAULT 0,
	cache_write_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens       INTEGER NOT NULL DEFAULT 0,
	created_at         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS usage_records_provider_created ON usage_records (provider, created_at);
`

// createdAtLayout is fixed-width so created_at text sorts chronologically.
const createdAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store keeps usage records in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenStore opens (creating if needed) the database at path.
func OpenStore(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage db: %w", err)
	}
	// Background meters write concurrently; SQLite takes one writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create usage schema: %w", err)
	}
	s := &Store{db: db, logger: logger.With("component", "usage_store")}
	s.logger.Info("usage store opened", "path", path)
	return s, nil
}

// NewStore opens the store named by usage.database_path, or returns nil when
// it is unset.
func NewStore(cfg *config.Config, logger *slog.Logger) (*Store, error) {
	if cfg.Usage.DatabasePath == "" {
		return nil, nil
	}
	return OpenStore(cfg.Usage.DatabasePath, logger)
}

// LogUsage inserts rec. A missing ID or timestamp is filled in.
func (s *Store) LogUsage(ctx context.Context, rec model.UsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	raw := string(rec.Usage)
	if raw == "" {
		raw = "null"
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO usage_records (id, provider, path, user_id, model, response_id, message_id, usage_json,
		input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, total_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Provider, rec.Path, rec.UserID, nullStr(rec.Model), nullStr(rec.ResponseID), nullStr(rec.MessageID), raw,
		rec.Tokens.Input, rec.Tokens.Output, rec.Tokens.CacheRead, rec.Tokens.CacheWrite, rec.Tokens.Total,
		rec.CreatedAt.UTC().Format(createdAtLayout))
	if err != nil {
		return fmt.Errorf("insert usage record %s: %w", rec.ID, err)
	}
	return nil
}

// ProviderTotals aggregates stored records for one provider.
type ProviderTotals struct {
	Provider string            `json:"provider"`
	Records  int64             `json:"records"`
	Tokens   model.TokenCounts `json:"tokens"`
}

// Totals sums stored records per provider, optionally only those created at
// or after since.
func (s *Store) Totals(ctx context.Context, since time.Time) ([]ProviderTotals, error) {
	from := ""
	if !since.IsZero() {
		from = since.UTC().Format(createdAtLayout)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT provider, COUNT(*),
		COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
		COALESCE(SUM(cache_read_tokens), 0), COALESCE(SUM(cache_write_tokens), 0),
		COALESCE(SUM(total_tokens), 0)
		FROM usage_records WHERE created_at >= ? GROUP BY provider ORDER BY provider`, from)
	if err != nil {
		return nil, fmt.Errorf("query usage totals: %w", err)
	}
	defer rows.Close()

	var out []ProviderTotals
	for rows.Next() {
		var t ProviderTotals
		if err := rows.Scan(&t.Provider, &t.Records,
			&t.Tokens.Input, &t.Tokens.Output, &t.Tokens.CacheRead, &t.Tokens.CacheWrite, &t.Tokens.Total); err != nil {
			return nil, fmt.Errorf("scan usage totals: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
