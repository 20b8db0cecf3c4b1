package config

import "time"

// historyLimit bounds how many configuration changes are retained.
const historyLimit = 10

// HistoryEntry records one configuration change for diagnostics.
// Before/After snapshot only the headline fields.
type HistoryEntry struct {
	Time   time.Time      `json:"time" yaml:"time"`
	Action string         `json:"action" yaml:"action"`
	Source string         `json:"source" yaml:"source"`
	Before map[string]any `json:"before" yaml:"before"`
	After  map[string]any `json:"after" yaml:"after"`
}

func snapshot(cfg Effective) map[string]any {
	return map[string]any{
		"provider":    cfg.Provider,
		"model":       cfg.Model,
		"stream":      cfg.Stream,
		"temperature": cfg.Temperature,
	}
}

// history is an append-only ring of the most recent entries.
type history struct {
	entries []HistoryEntry
}

func (h *history) append(entry HistoryEntry) {
	h.entries = append(h.entries, entry)
	if len(h.entries) > historyLimit {
		h.entries = h.entries[len(h.entries)-historyLimit:]
	}
}

func (h *history) list() []HistoryEntry {
	out := make([]HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}
