package config

import (
	"sync"
	"time"
)

// Store holds the effective configuration for one engine instance.
// The current value is swapped atomically under the lock: in-flight
// requests that copied the old value keep it; no reader ever observes
// a half-merged configuration.
type Store struct {
	mu      sync.RWMutex
	current Effective
	hist    history
}

// NewStore seeds a store with the system baseline.
func NewStore(baseline Effective) *Store {
	s := &Store{current: baseline}
	s.hist.append(HistoryEntry{
		Time:   time.Now(),
		Action: "initialized",
		Source: SourceSystem,
		After:  snapshot(baseline),
	})
	return s
}

// Current returns a copy of the effective configuration.
func (s *Store) Current() Effective {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Apply merges overrides into the current configuration, swaps it in,
// and appends a history entry. It returns the previous and new values,
// whether the provider client must be rebuilt, and any merge warnings.
func (s *Store) Apply(o Overrides) (old, updated Effective, reinit bool, warnings []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old = s.current
	updated, warnings = Resolve(old, o)
	reinit = ReinitRequired(old, updated)
	s.current = updated

	s.hist.append(HistoryEntry{
		Time:   time.Now(),
		Action: "overrides_applied",
		Source: updated.Source,
		Before: snapshot(old),
		After:  snapshot(updated),
	})
	return old, updated, reinit, warnings
}

// History returns the retained configuration changes, oldest first.
func (s *Store) History() []HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hist.list()
}
