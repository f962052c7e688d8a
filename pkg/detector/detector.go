// Package detector implements the statistical anomaly detector: a
// learning → active → cooldown state machine driven by a periodic collect
// tick over per-(skill, metric) baselines.
package detector

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/beamlens/beamlens/pkg/bus"
	"github.com/beamlens/beamlens/pkg/metrics"
	"github.com/beamlens/beamlens/pkg/models"
	"github.com/beamlens/beamlens/pkg/skill"
	"github.com/beamlens/beamlens/pkg/telemetry"
)

// zEpsilon guards the z-score division against zero variance.
const zEpsilon = 1e-9

// Phase is the detector's lifecycle phase.
type Phase string

const (
	PhaseLearning Phase = "learning"
	PhaseActive   Phase = "active"
	PhaseCooldown Phase = "cooldown"
)

// Config tunes the detector.
type Config struct {
	Enabled             bool          `yaml:"enabled"`
	CollectionInterval  time.Duration `yaml:"collection_interval"`
	LearningDuration    time.Duration `yaml:"learning_duration"`
	ZThreshold          float64       `yaml:"z_threshold"`
	ConsecutiveRequired int           `yaml:"consecutive_required"`
	Cooldown            time.Duration `yaml:"cooldown"`
	HistoryWindow       time.Duration `yaml:"history_window"`
	MinRequiredSamples  int           `yaml:"min_required_samples"`
}

// DefaultConfig returns the built-in detector tuning.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		CollectionInterval:  30 * time.Second,
		LearningDuration:    30 * time.Minute,
		ZThreshold:          3.0,
		ConsecutiveRequired: 3,
		Cooldown:            5 * time.Minute,
		HistoryWindow:       60 * time.Minute,
		MinRequiredSamples:  10,
	}
}

// Status is a point-in-time view of the detector state.
type Status struct {
	Phase             Phase `json:"phase"`
	LearningStartedAt int64 `json:"learning_started_at,omitempty"`
	CooldownStartedAt int64 `json:"cooldown_started_at,omitempty"`
	BaselineCount     int   `json:"baseline_count"`
}

// Detector owns the phase state machine. All state changes happen on the
// collect tick goroutine; external callers only read snapshots.
type Detector struct {
	cfg       Config
	registry  *skill.Registry
	store     *metrics.Store
	baselines *metrics.BaselineStore
	queue     *bus.Queue
	bus       *telemetry.Bus
	node      string

	mu                sync.Mutex
	phase             Phase
	learningStartedAt int64
	cooldownStartedAt int64
	consecutive       map[models.MetricKey]int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a detector in the learning phase. When the baseline store
// already holds persisted baselines, learning is skipped and the detector
// starts active.
func New(cfg Config, registry *skill.Registry, store *metrics.Store, baselines *metrics.BaselineStore, queue *bus.Queue, tbus *telemetry.Bus, node string) *Detector {
	d := &Detector{
		cfg:         cfg,
		registry:    registry,
		store:       store,
		baselines:   baselines,
		queue:       queue,
		bus:         tbus,
		node:        node,
		phase:       PhaseLearning,
		consecutive: make(map[models.MetricKey]int),
		stopCh:      make(chan struct{}),
	}
	if baselines.Count() > 0 {
		d.phase = PhaseActive
		slog.Info("Detector starting active with persisted baselines",
			"baselines", baselines.Count())
	}
	return d
}

// Start launches the collect loop.
func (d *Detector) Start(ctx context.Context) {
	d.mu.Lock()
	if d.phase == PhaseLearning && d.learningStartedAt == 0 {
		d.learningStartedAt = models.NowMillis()
	}
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run(ctx)
}

// Stop shuts down the collect loop. Safe to call multiple times.
func (d *Detector) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

// Status returns a snapshot of the detector state.
func (d *Detector) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		Phase:             d.phase,
		LearningStartedAt: d.learningStartedAt,
		CooldownStartedAt: d.cooldownStartedAt,
		BaselineCount:     d.baselines.Count(),
	}
}

func (d *Detector) run(ctx context.Context) {
	defer d.wg.Done()

	interval := d.cfg.CollectionInterval
	if interval <= 0 {
		interval = DefaultConfig().CollectionInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// tick performs one collect cycle. Exposed to tests via same-package calls.
func (d *Detector) tick(ctx context.Context) {
	now := models.NowMillis()
	samples := d.collect(now)

	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.phase {
	case PhaseLearning:
		if d.learningStartedAt == 0 {
			d.learningStartedAt = now
		}
		if time.Duration(now-d.learningStartedAt)*time.Millisecond >= d.cfg.LearningDuration {
			d.finishLearningLocked(ctx, now)
		}
	case PhaseActive:
		d.evaluateLocked(ctx, samples, now)
	case PhaseCooldown:
		if time.Duration(now-d.cooldownStartedAt)*time.Millisecond >= d.cfg.Cooldown {
			d.phase = PhaseActive
			d.bus.Emit(ctx, telemetry.EventDetectorCooldownOver, nil)
		}
	}
}

// collect pulls one snapshot per skill into the metric store.
func (d *Detector) collect(now int64) []models.Sample {
	var collected []models.Sample
	for _, id := range d.registry.SortedIDs() {
		s, ok := d.registry.Get(id)
		if !ok {
			continue
		}
		for metric, value := range s.Snapshot() {
			sample := models.Sample{Timestamp: now, Skill: id, Metric: metric, Value: value}
			d.store.Append(sample)
			collected = append(collected, sample)
		}
	}
	return collected
}

// finishLearningLocked computes and persists baselines, then goes active.
func (d *Detector) finishLearningLocked(ctx context.Context, now int64) {
	computed := 0
	for _, key := range d.store.Keys() {
		baseline, ok := metrics.ComputeBaseline(d.store.Values(key), d.cfg.MinRequiredSamples, now)
		if !ok {
			continue
		}
		d.baselines.Set(key, baseline)
		computed++
	}
	if err := d.baselines.Flush(); err != nil {
		slog.Warn("Failed to persist baselines after learning", "error", err)
	}

	d.phase = PhaseActive
	d.bus.Emit(ctx, telemetry.EventDetectorLearningComplete, telemetry.Metadata{
		"baseline_count": computed,
	})
	slog.Info("Detector learning complete", "baselines", computed)
}

// evaluateLocked scores fresh samples against frozen baselines and fires
// when any metric reaches the consecutive threshold.
func (d *Detector) evaluateLocked(ctx context.Context, samples []models.Sample, now int64) {
	type trigger struct {
		key    models.MetricKey
		sample models.Sample
		z      float64
	}
	var triggered []trigger

	for _, sample := range samples {
		key := models.MetricKey{Skill: sample.Skill, Metric: sample.Metric}
		if !d.baselines.Usable(key, d.cfg.MinRequiredSamples) {
			continue
		}
		baseline, _ := d.baselines.Get(key)
		d.baselines.UpdateEMA(key, sample.Value)

		z := (sample.Value - baseline.Mean) / math.Max(baseline.StdDev, zEpsilon)
		if math.Abs(z) >= d.cfg.ZThreshold {
			d.consecutive[key]++
			if d.consecutive[key] >= d.cfg.ConsecutiveRequired {
				triggered = append(triggered, trigger{key: key, sample: sample, z: z})
			}
		} else {
			d.consecutive[key] = 0
		}
	}

	if len(triggered) == 0 {
		return
	}

	// Stable (skill, metric) order when several metrics trip together.
	sort.Slice(triggered, func(i, j int) bool {
		if triggered[i].key.Skill != triggered[j].key.Skill {
			return triggered[i].key.Skill < triggered[j].key.Skill
		}
		return triggered[i].key.Metric < triggered[j].key.Metric
	})

	for _, tr := range triggered {
		baseline, _ := d.baselines.Get(tr.key)
		n := &models.Notification{
			ID:          models.NewNotificationID(),
			Operator:    tr.key.Skill,
			AnomalyType: tr.key.Metric + "_deviation",
			Severity:    severityForZ(tr.z, d.cfg.ZThreshold),
			Context: fmt.Sprintf("baseline mean=%.2f std_dev=%.2f samples=%d",
				baseline.Mean, baseline.StdDev, baseline.SampleCount),
			Observation: fmt.Sprintf("%s=%.2f z=%.2f over %d consecutive samples",
				tr.key.Metric, tr.sample.Value, tr.z, d.cfg.ConsecutiveRequired),
			DetectedAt: now,
			Node:       d.node,
		}
		d.queue.Push(n)
		d.bus.Emit(ctx, telemetry.EventDetectorTriggered, telemetry.Metadata{
			"skill":  tr.key.Skill,
			"metric": tr.key.Metric,
			"z":      tr.z,
		})
	}

	// One trigger resets every counter and opens the cooldown window.
	d.consecutive = make(map[models.MetricKey]int)
	d.cooldownStartedAt = now
	d.phase = PhaseCooldown
}

func severityForZ(z, threshold float64) models.Severity {
	if math.Abs(z) >= 2*threshold {
		return models.SeverityCritical
	}
	return models.SeverityWarning
}
