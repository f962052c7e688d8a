// Package metrics provides the bounded per-(skill, metric) sample histories
// and the baseline store the anomaly detector works against.
package metrics

import (
	"sync"
	"time"

	"github.com/beamlens/beamlens/pkg/models"
)

// Store keeps a bounded FIFO history of samples per (skill, metric).
// Samples older than the retention window are pruned on append; pruning
// preserves insertion order.
type Store struct {
	mu        sync.RWMutex
	maxAge    time.Duration
	maxPerKey int
	histories map[models.MetricKey][]models.Sample
}

// NewStore creates a store retaining at most maxPerKey samples per key,
// each no older than maxAge. Zero values disable the respective bound.
func NewStore(maxAge time.Duration, maxPerKey int) *Store {
	return &Store{
		maxAge:    maxAge,
		maxPerKey: maxPerKey,
		histories: make(map[models.MetricKey][]models.Sample),
	}
}

// Append adds one sample and prunes expired entries for its key.
func (s *Store) Append(sample models.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := models.MetricKey{Skill: sample.Skill, Metric: sample.Metric}
	history := append(s.histories[key], sample)
	s.histories[key] = s.pruneLocked(history, sample.Timestamp)
}

// AppendSnapshot records every metric of a skill snapshot at the given time.
func (s *Store) AppendSnapshot(skillID string, ts int64, snapshot map[string]float64) {
	for metric, value := range snapshot {
		s.Append(models.Sample{Timestamp: ts, Skill: skillID, Metric: metric, Value: value})
	}
}

// pruneLocked drops samples outside the age window and above the count cap.
func (s *Store) pruneLocked(history []models.Sample, now int64) []models.Sample {
	if s.maxAge > 0 {
		cutoff := now - s.maxAge.Milliseconds()
		idx := 0
		for idx < len(history) && history[idx].Timestamp < cutoff {
			idx++
		}
		history = history[idx:]
	}
	if s.maxPerKey > 0 && len(history) > s.maxPerKey {
		history = history[len(history)-s.maxPerKey:]
	}
	return history
}

// History returns a copy of the sample history for key, oldest first.
func (s *Store) History(key models.MetricKey) []models.Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Sample(nil), s.histories[key]...)
}

// Values returns just the sample values for key, oldest first.
func (s *Store) Values(key models.MetricKey) []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.histories[key]
	values := make([]float64, len(history))
	for i, sample := range history {
		values[i] = sample.Value
	}
	return values
}

// Keys returns every (skill, metric) key with at least one sample.
func (s *Store) Keys() []models.MetricKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]models.MetricKey, 0, len(s.histories))
	for key := range s.histories {
		keys = append(keys, key)
	}
	return keys
}

// Len returns the number of samples held for key.
func (s *Store) Len(key models.MetricKey) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.histories[key])
}
