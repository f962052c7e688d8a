package metrics

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamlens/beamlens/pkg/models"
)

func sampleAt(ts int64, value float64) models.Sample {
	return models.Sample{Timestamp: ts, Skill: "runtime", Metric: "heap", Value: value}
}

var heapKey = models.MetricKey{Skill: "runtime", Metric: "heap"}

func TestStoreFIFOOrder(t *testing.T) {
	s := NewStore(time.Hour, 100)
	for i := int64(0); i < 5; i++ {
		s.Append(sampleAt(1000+i, float64(i)))
	}

	history := s.History(heapKey)
	require.Len(t, history, 5)
	for i, sample := range history {
		assert.Equal(t, float64(i), sample.Value)
	}
	assert.Equal(t, []float64{0, 1, 2, 3, 4}, s.Values(heapKey))
}

func TestStorePrunesByAge(t *testing.T) {
	s := NewStore(time.Second, 0)
	s.Append(sampleAt(0, 1))
	s.Append(sampleAt(500, 2))
	// This sample's timestamp pushes the cutoff past the first sample.
	s.Append(sampleAt(1500, 3))

	values := s.Values(heapKey)
	assert.Equal(t, []float64{2, 3}, values)
}

func TestStorePrunesByCount(t *testing.T) {
	s := NewStore(0, 3)
	for i := int64(0); i < 10; i++ {
		s.Append(sampleAt(i, float64(i)))
	}
	assert.Equal(t, []float64{7, 8, 9}, s.Values(heapKey))
}

func TestStoreAppendSnapshot(t *testing.T) {
	s := NewStore(time.Hour, 100)
	s.AppendSnapshot("runtime", 42, map[string]float64{"heap": 10, "goroutines": 3})

	assert.Equal(t, 1, s.Len(heapKey))
	assert.Equal(t, 1, s.Len(models.MetricKey{Skill: "runtime", Metric: "goroutines"}))
	assert.Len(t, s.Keys(), 2)
}

func TestComputeBaseline(t *testing.T) {
	values := []float64{10, 12, 11, 13, 9, 10, 12, 11, 10, 12}
	b, ok := ComputeBaseline(values, 5, 1000)
	require.True(t, ok)

	assert.InDelta(t, 11.0, b.Mean, 0.01)
	assert.Greater(t, b.StdDev, 0.0)
	assert.Equal(t, 10, b.SampleCount)
	assert.Equal(t, int64(1000), b.LastUpdated)
	assert.LessOrEqual(t, b.Percentile50, b.Percentile95)
	assert.LessOrEqual(t, b.Percentile95, b.Percentile99)
}

func TestComputeBaselineInsufficientSamples(t *testing.T) {
	_, ok := ComputeBaseline([]float64{1, 2}, 5, 0)
	assert.False(t, ok)

	_, ok = ComputeBaseline(nil, 0, 0)
	assert.False(t, ok)
}

func TestBaselineStoreUsable(t *testing.T) {
	s := NewBaselineStore("")
	s.Set(heapKey, models.Baseline{Mean: 5, StdDev: 1, SampleCount: 3})

	assert.True(t, s.Usable(heapKey, 3))
	assert.False(t, s.Usable(heapKey, 10))
	assert.False(t, s.Usable(models.MetricKey{Skill: "x", Metric: "y"}, 1))
}

func TestBaselineStoreEMASeparateFromBaseline(t *testing.T) {
	s := NewBaselineStore("")
	s.Set(heapKey, models.Baseline{Mean: 100, StdDev: 10, SampleCount: 50})

	// Push the EMA far from the frozen mean.
	for i := 0; i < 50; i++ {
		s.UpdateEMA(heapKey, 500)
	}

	ema, ok := s.EMA(heapKey)
	require.True(t, ok)
	assert.Greater(t, ema, 400.0)

	// Frozen baseline is untouched — the stable anomaly reference.
	b, ok := s.Get(heapKey)
	require.True(t, ok)
	assert.Equal(t, 100.0, b.Mean)
}

func TestBaselineStorePersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "baselines.json")

	s := NewBaselineStore(path)
	s.Set(heapKey, models.Baseline{Mean: 42, StdDev: 3, Percentile95: 48, SampleCount: 20, LastUpdated: 111})
	s.Set(models.MetricKey{Skill: "tables", Metric: "total_rows"},
		models.Baseline{Mean: 1000, StdDev: 50, SampleCount: 20})
	require.NoError(t, s.Flush())

	restored := NewBaselineStore(path)
	require.NoError(t, restored.Load())
	assert.Equal(t, 2, restored.Count())

	b, ok := restored.Get(heapKey)
	require.True(t, ok)
	assert.Equal(t, 42.0, b.Mean)
	assert.Equal(t, 48.0, b.Percentile95)
	assert.Equal(t, int64(111), b.LastUpdated)

	// EMA is re-seeded from the persisted mean.
	ema, ok := restored.EMA(heapKey)
	require.True(t, ok)
	assert.Equal(t, 42.0, ema)
}

func TestBaselineStoreLoadMissingFileIsFreshStart(t *testing.T) {
	s := NewBaselineStore(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, s.Load())
	assert.Zero(t, s.Count())
}
