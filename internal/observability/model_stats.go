package observability

import (
	"sort"
	"sync"
	"time"
)

// ModelStats tracks per-model serving activity over a sliding window.
// It backs the operational model listing; Prometheus covers the
// long-term series.
type ModelStats struct {
	mu       sync.RWMutex
	requests map[string]*ModelActivity
	window   time.Duration
}

// ModelActivity holds request statistics for one model.
type ModelActivity struct {
	Model     string
	Requests  int64
	CacheHits int64
	Errors    int64
	LastSeen  time.Time
}

// NewModelStats creates a tracker. window bounds how long an idle
// model's entry survives pruning.
func NewModelStats(window time.Duration) *ModelStats {
	return &ModelStats{
		requests: make(map[string]*ModelActivity),
		window:   window,
	}
}

// RecordRequest records one served prediction. cacheHit marks results
// answered from the prediction cache. O(1) and thread-safe.
func (s *ModelStats) RecordRequest(model string, cacheHit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	activity := s.activity(model)
	activity.Requests++
	if cacheHit {
		activity.CacheHits++
	}
	activity.LastSeen = time.Now()
}

// RecordError records one failed prediction.
func (s *ModelStats) RecordError(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	activity := s.activity(model)
	activity.Requests++
	activity.Errors++
	activity.LastSeen = time.Now()
}

// activity returns the entry for model, creating it if needed.
// Callers must hold the write lock.
func (s *ModelStats) activity(model string) *ModelActivity {
	a, ok := s.requests[model]
	if !ok {
		a = &ModelActivity{Model: model}
		s.requests[model] = a
	}
	return a
}

// Get returns a copy of one model's activity.
func (s *ModelStats) Get(model string) (ModelActivity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.requests[model]
	if !ok {
		return ModelActivity{}, false
	}
	return *a, true
}

// Top returns up to n models by request count, descending.
func (s *ModelStats) Top(n int) []ModelActivity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]ModelActivity, 0, len(s.requests))
	for _, a := range s.requests {
		all = append(all, *a)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Requests != all[j].Requests {
			return all[i].Requests > all[j].Requests
		}
		return all[i].Model < all[j].Model
	})

	if n > 0 && len(all) > n {
		all = all[:n]
	}
	return all
}

// Prune drops entries not seen within the window. Returns the number
// of entries removed.
func (s *ModelStats) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.window)
	removed := 0
	for model, a := range s.requests {
		if a.LastSeen.Before(cutoff) {
			delete(s.requests, model)
			removed++
		}
	}
	return removed
}
