package usage

import (
	"context"
	"time"
)

// Record captures one finished conversation turn for accounting.
type Record struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	Source       string    `json:"source"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	TotalTokens  int       `json:"total_tokens"`
	ToolCalls    int       `json:"tool_calls"`
	DurationMS   int64     `json:"duration_ms"`
	Failed       bool      `json:"failed"`
}

// Totals aggregates recorded usage.
type Totals struct {
	Requests     int64 `json:"requests"`
	Failures     int64 `json:"failures"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
	ToolCalls    int64 `json:"tool_calls"`
}

// Logger persists usage records.
type Logger interface {
	Log(ctx context.Context, rec Record) error
	Totals(ctx context.Context) (Totals, error)
	Close() error
}

// Noop discards all records. Used when persistence is disabled.
type Noop struct{}

func (Noop) Log(context.Context, Record) error { return nil }

func (Noop) Totals(context.Context) (Totals, error) { return Totals{}, nil }

func (Noop) Close() error { return nil }
