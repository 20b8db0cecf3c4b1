package llm

import (
	"sync"
	"time"
)

// Metrics collects per-engine counters. All mutation goes through the
// mutex; snapshots are copies and safe to hand out.
type Metrics struct {
	mu sync.Mutex

	requests      int64
	successes     int64
	failures      int64
	totalDuration time.Duration
	inputTokens   int64
	outputTokens  int64
	totalTokens   int64
}

// MetricsSnapshot is a point-in-time copy of the engine counters.
type MetricsSnapshot struct {
	Requests        int64         `json:"requests"`
	Successes       int64         `json:"successes"`
	Failures        int64         `json:"failures"`
	TotalDuration   time.Duration `json:"total_duration"`
	AverageDuration time.Duration `json:"average_duration"`
	SuccessRate     float64       `json:"success_rate"`
	InputTokens     int64         `json:"input_tokens"`
	OutputTokens    int64         `json:"output_tokens"`
	TotalTokens     int64         `json:"total_tokens"`
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

// Record logs one finished turn.
func (m *Metrics) Record(duration time.Duration, use *Usage, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests++
	m.totalDuration += duration
	if err != nil {
		m.failures++
	} else {
		m.successes++
	}
	if use != nil {
		m.inputTokens += int64(use.InputTokens)
		m.outputTokens += int64(use.OutputTokens)
		m.totalTokens += int64(use.TotalTokens)
	}
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := MetricsSnapshot{
		Requests:      m.requests,
		Successes:     m.successes,
		Failures:      m.failures,
		TotalDuration: m.totalDuration,
		InputTokens:   m.inputTokens,
		OutputTokens:  m.outputTokens,
		TotalTokens:   m.totalTokens,
	}
	if m.requests > 0 {
		snap.AverageDuration = m.totalDuration / time.Duration(m.requests)
		snap.SuccessRate = float64(m.successes) / float64(m.requests)
	}
	return snap
}
