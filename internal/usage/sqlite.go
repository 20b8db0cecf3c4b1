package usage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteLogger implements Logger on a local SQLite database.
type SQLiteLogger struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS usage_records (
    id TEXT PRIMARY KEY,
    timestamp TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    provider TEXT NOT NULL,
    model TEXT NOT NULL,
    source TEXT,
    input_tokens INTEGER DEFAULT 0,
    output_tokens INTEGER DEFAULT 0,
    total_tokens INTEGER DEFAULT 0,
    tool_calls INTEGER DEFAULT 0,
    duration_ms INTEGER DEFAULT 0,
    failed BOOLEAN DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_records(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_usage_provider ON usage_records(provider, model);
`

// NewSQLiteLogger opens (or creates) the usage database at path.
func NewSQLiteLogger(path string) (*SQLiteLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &SQLiteLogger{db: db}, nil
}

func (l *SQLiteLogger) Log(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO usage_records
		(id, timestamp, provider, model, source, input_tokens, output_tokens, total_tokens, tool_calls, duration_ms, failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp, rec.Provider, rec.Model, rec.Source,
		rec.InputTokens, rec.OutputTokens, rec.TotalTokens,
		rec.ToolCalls, rec.DurationMS, rec.Failed,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

func (l *SQLiteLogger) Totals(ctx context.Context) (Totals, error) {
	var t Totals
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN failed THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(input_tokens), 0),
		       COALESCE(SUM(output_tokens), 0),
		       COALESCE(SUM(total_tokens), 0),
		       COALESCE(SUM(tool_calls), 0)
		FROM usage_records`,
	).Scan(&t.Requests, &t.Failures, &t.InputTokens, &t.OutputTokens, &t.TotalTokens, &t.ToolCalls)
	if err != nil {
		return Totals{}, fmt.Errorf("aggregate usage: %w", err)
	}
	return t, nil
}

func (l *SQLiteLogger) Close() error {
	return l.db.Close()
}
