package metrics

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/beamlens/beamlens/pkg/models"
)

// emaAlpha is the smoothing factor for active-mode EMA updates.
const emaAlpha = 0.1

// BaselineStore holds the frozen per-(skill, metric) baselines plus a
// separately-tracked EMA. Anomalies are always decided against the frozen
// snapshot so a drifting metric cannot mask itself; the EMA exists for
// operators and prompts that want the recent trend.
type BaselineStore struct {
	mu        sync.RWMutex
	baselines map[models.MetricKey]models.Baseline
	ema       map[models.MetricKey]float64

	persistencePath string
}

// NewBaselineStore creates an empty store. persistencePath may be "" to
// disable persistence.
func NewBaselineStore(persistencePath string) *BaselineStore {
	return &BaselineStore{
		baselines:       make(map[models.MetricKey]models.Baseline),
		ema:             make(map[models.MetricKey]float64),
		persistencePath: persistencePath,
	}
}

// ComputeBaseline derives a baseline from a value history. Returns false
// when the history has fewer than minRequired samples.
func ComputeBaseline(values []float64, minRequired int, now int64) (models.Baseline, bool) {
	if len(values) < minRequired || len(values) == 0 {
		return models.Baseline{}, false
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	return models.Baseline{
		Mean:         mean,
		StdDev:       math.Sqrt(variance),
		Percentile50: percentile(sorted, 0.50),
		Percentile95: percentile(sorted, 0.95),
		Percentile99: percentile(sorted, 0.99),
		SampleCount:  len(values),
		LastUpdated:  now,
	}, true
}

// percentile interpolates the p-th percentile of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// Set stores a frozen baseline for key and seeds its EMA.
func (s *BaselineStore) Set(key models.MetricKey, b models.Baseline) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baselines[key] = b
	if _, ok := s.ema[key]; !ok {
		s.ema[key] = b.Mean
	}
}

// Get returns the frozen baseline for key.
func (s *BaselineStore) Get(key models.MetricKey) (models.Baseline, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.baselines[key]
	return b, ok
}

// Usable reports whether key has a baseline with enough samples to decide
// anomalies.
func (s *BaselineStore) Usable(key models.MetricKey, minRequired int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.baselines[key]
	return ok && b.SampleCount >= minRequired
}

// UpdateEMA folds a fresh sample into the key's moving average without
// touching the frozen baseline.
func (s *BaselineStore) UpdateEMA(key models.MetricKey, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.ema[key]
	if !ok {
		s.ema[key] = value
		return
	}
	s.ema[key] = emaAlpha*value + (1-emaAlpha)*prev
}

// EMA returns the current moving average for key.
func (s *BaselineStore) EMA(key models.MetricKey) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.ema[key]
	return v, ok
}

// Count returns the number of stored baselines.
func (s *BaselineStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.baselines)
}

// All returns a copy of all baselines keyed by "skill/metric".
func (s *BaselineStore) All() map[string]models.Baseline {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]models.Baseline, len(s.baselines))
	for key, b := range s.baselines {
		out[key.String()] = b
	}
	return out
}

// persistedBaselines is the on-disk JSON layout.
type persistedBaselines struct {
	Baselines map[string]models.Baseline `json:"baselines"`
}

// Load reads persisted baselines from disk. A missing file is not an error —
// it simply triggers a fresh learning cycle.
func (s *BaselineStore) Load() error {
	if s.persistencePath == "" {
		return nil
	}
	data, err := os.ReadFile(s.persistencePath)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("No persisted baselines found, starting fresh learning cycle",
				"path", s.persistencePath)
			return nil
		}
		return fmt.Errorf("reading baselines from %s: %w", s.persistencePath, err)
	}

	var persisted persistedBaselines
	if err := json.Unmarshal(data, &persisted); err != nil {
		return fmt.Errorf("parsing baselines from %s: %w", s.persistencePath, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for keyStr, b := range persisted.Baselines {
		key, ok := parseMetricKey(keyStr)
		if !ok {
			slog.Warn("Skipping malformed baseline key", "key", keyStr)
			continue
		}
		s.baselines[key] = b
		s.ema[key] = b.Mean
	}
	slog.Info("Loaded persisted baselines", "count", len(persisted.Baselines))
	return nil
}

// Flush writes the current baselines to disk atomically (write + rename).
func (s *BaselineStore) Flush() error {
	if s.persistencePath == "" {
		return nil
	}

	payload := persistedBaselines{Baselines: s.All()}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding baselines: %w", err)
	}

	if dir := filepath.Dir(s.persistencePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating baseline directory: %w", err)
		}
	}

	tmp := s.persistencePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing baselines to %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.persistencePath); err != nil {
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}
	return nil
}

func parseMetricKey(s string) (models.MetricKey, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return models.MetricKey{Skill: s[:i], Metric: s[i+1:]}, s[:i] != "" && s[i+1:] != ""
		}
	}
	return models.MetricKey{}, false
}
