// Package watcher implements the baseline-LLM anomaly pathway: a sliding
// window of snapshots per domain, classified by the LLM on every tick, with
// category-level cooldown suppression and an optional bounded investigation.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/beamlens/beamlens/pkg/bus"
	"github.com/beamlens/beamlens/pkg/llm"
	"github.com/beamlens/beamlens/pkg/models"
	"github.com/beamlens/beamlens/pkg/operator"
	"github.com/beamlens/beamlens/pkg/skill"
	"github.com/beamlens/beamlens/pkg/telemetry"
)

// Outcomes of one baseline analysis.
const (
	OutcomeContinue = "continue_observing"
	OutcomeAnomaly  = "report_anomaly"
	OutcomeHealthy  = "report_healthy"
)

// DefaultCooldown applies when the LLM omits cooldown_minutes.
const DefaultCooldown = 5 * time.Minute

// Config tunes one watcher.
type Config struct {
	Name                    string        `yaml:"name"`
	Skill                   string        `yaml:"skill"`
	MaxObservations         int           `yaml:"max_observations"`
	MaxAge                  time.Duration `yaml:"max_age"`
	MinRequiredObservations int           `yaml:"min_required_observations"`
	Investigate             bool          `yaml:"investigate"`
	InvestigationIterations int           `yaml:"investigation_iterations"`
}

// DefaultWatcherConfig returns the built-in watcher tuning for a skill.
func DefaultWatcherConfig(name, skillID string) Config {
	return Config{
		Name:                    name,
		Skill:                   skillID,
		MaxObservations:         30,
		MaxAge:                  time.Hour,
		MinRequiredObservations: 5,
		InvestigationIterations: 5,
	}
}

// Status is a point-in-time view of a watcher.
type Status struct {
	Name         string           `json:"name"`
	Skill        string           `json:"skill"`
	Observations int              `json:"observations"`
	LastOutcome  string           `json:"last_outcome,omitempty"`
	LastRunAt    int64            `json:"last_run_at,omitempty"`
	Cooldowns    map[string]int64 `json:"cooldowns,omitempty"`
}

// analysis is the tagged reply of one AnalyzeBaseline call.
type analysis struct {
	Outcome         string   `json:"outcome"`
	Notes           string   `json:"notes,omitempty"`
	Confidence      string   `json:"confidence"`
	AnomalyType     string   `json:"anomaly_type,omitempty"`
	Severity        string   `json:"severity,omitempty"`
	Summary         string   `json:"summary,omitempty"`
	Evidence        []string `json:"evidence,omitempty"`
	CooldownMinutes int      `json:"cooldown_minutes,omitempty"`
}

// Watcher owns one domain's observation window and cooldown table. Tick is
// serialized by the scheduler's overlap guard; internal state is still
// mutex-guarded for Status readers.
type Watcher struct {
	cfg    Config
	skill  skill.Skill
	client llm.Client
	queue  *bus.Queue
	bus    *telemetry.Bus
	node   string

	mu          sync.Mutex
	window      []models.Snapshot
	notes       []string
	cooldowns   map[string]int64
	lastOutcome string
	lastRunAt   int64
}

// New creates a watcher over s. client should already be breaker-gated.
func New(cfg Config, s skill.Skill, client llm.Client, queue *bus.Queue, tbus *telemetry.Bus, node string) *Watcher {
	if cfg.MaxObservations <= 0 {
		cfg.MaxObservations = 30
	}
	if cfg.MinRequiredObservations <= 0 {
		cfg.MinRequiredObservations = 5
	}
	return &Watcher{
		cfg:       cfg,
		skill:     s,
		client:    client,
		queue:     queue,
		bus:       tbus,
		node:      node,
		cooldowns: make(map[string]int64),
	}
}

// Name returns the watcher's schedule name.
func (w *Watcher) Name() string { return w.cfg.Name }

// Status returns a snapshot of the watcher state.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	cooldowns := make(map[string]int64, len(w.cooldowns))
	for k, v := range w.cooldowns {
		cooldowns[k] = v
	}
	return Status{
		Name:         w.cfg.Name,
		Skill:        w.cfg.Skill,
		Observations: len(w.window),
		LastOutcome:  w.lastOutcome,
		LastRunAt:    w.lastRunAt,
		Cooldowns:    cooldowns,
	}
}

// Tick performs one observation cycle: snapshot, window maintenance, and —
// once the window is deep enough — one baseline classification.
func (w *Watcher) Tick(ctx context.Context) error {
	now := models.NowMillis()
	snap := models.Snapshot{TakenAt: now, Metrics: w.skill.Snapshot()}

	w.mu.Lock()
	w.window = append(w.window, snap)
	w.pruneLocked(now)
	observations := len(w.window)
	w.lastRunAt = now
	w.mu.Unlock()

	if observations < w.cfg.MinRequiredObservations {
		w.bus.Emit(ctx, telemetry.EventWatcherCollecting, telemetry.Metadata{
			"watcher":      w.cfg.Name,
			"observations": observations,
			"required":     w.cfg.MinRequiredObservations,
		})
		return nil
	}

	result, err := w.analyze(ctx)
	if err != nil {
		return err
	}
	return w.apply(ctx, result, now)
}

func (w *Watcher) pruneLocked(now int64) {
	if w.cfg.MaxAge > 0 {
		cutoff := now - w.cfg.MaxAge.Milliseconds()
		idx := 0
		for idx < len(w.window) && w.window[idx].TakenAt < cutoff {
			idx++
		}
		w.window = w.window[idx:]
	}
	if len(w.window) > w.cfg.MaxObservations {
		w.window = w.window[len(w.window)-w.cfg.MaxObservations:]
	}
}

// analyze runs one AnalyzeBaseline call under a judge span.
func (w *Watcher) analyze(ctx context.Context) (*analysis, error) {
	w.mu.Lock()
	window := append([]models.Snapshot(nil), w.window...)
	notes := append([]string(nil), w.notes...)
	w.mu.Unlock()

	var result analysis
	err := w.bus.Span(ctx, "judge", telemetry.Metadata{"watcher": w.cfg.Name},
		func(spanCtx context.Context) error {
			resp, genErr := w.client.Generate(spanCtx, &llm.Request{
				System: analyzeBaselinePrompt(w.skill),
				Messages: []llm.Message{
					{Role: llm.RoleUser, Content: renderWindow(window, notes)},
				},
			})
			if genErr != nil {
				return fmt.Errorf("watcher %s baseline call: %w", w.cfg.Name, genErr)
			}
			if decErr := llm.DecodeJSON(resp.Text, &result); decErr != nil {
				return fmt.Errorf("watcher %s baseline reply: %w", w.cfg.Name, decErr)
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (w *Watcher) apply(ctx context.Context, result *analysis, now int64) error {
	w.mu.Lock()
	w.lastOutcome = result.Outcome
	w.mu.Unlock()

	switch result.Outcome {
	case OutcomeContinue:
		w.mu.Lock()
		if result.Notes != "" {
			w.notes = append(w.notes, result.Notes)
		}
		w.mu.Unlock()
		w.bus.Emit(ctx, telemetry.EventWatcherObserving, telemetry.Metadata{
			"watcher": w.cfg.Name, "confidence": result.Confidence,
		})
		return nil

	case OutcomeHealthy:
		w.mu.Lock()
		w.notes = nil
		w.mu.Unlock()
		w.bus.Emit(ctx, telemetry.EventWatcherHealthy, telemetry.Metadata{
			"watcher": w.cfg.Name, "confidence": result.Confidence,
		})
		return nil

	case OutcomeAnomaly:
		return w.reportAnomaly(ctx, result, now)

	default:
		return fmt.Errorf("watcher %s: unknown outcome %q", w.cfg.Name, result.Outcome)
	}
}

// reportAnomaly enqueues a notification unless the anomaly's category is
// cooling down.
func (w *Watcher) reportAnomaly(ctx context.Context, result *analysis, now int64) error {
	if result.AnomalyType == "" {
		return fmt.Errorf("watcher %s: report_anomaly without anomaly_type", w.cfg.Name)
	}
	sev := models.Severity(result.Severity)
	if !sev.Valid() {
		sev = models.SeverityWarning
	}

	w.mu.Lock()
	observations := len(w.window)
	w.mu.Unlock()

	n := &models.Notification{
		ID:          models.NewNotificationID(),
		Operator:    w.cfg.Skill,
		AnomalyType: result.AnomalyType,
		Severity:    sev,
		Context:     fmt.Sprintf("watcher %s over %d observations", w.cfg.Name, observations),
		Observation: result.Summary,
		DetectedAt:  now,
		Node:        w.node,
	}
	category := n.Category()

	w.mu.Lock()
	if expiry, ok := w.cooldowns[category]; ok && now < expiry {
		w.mu.Unlock()
		w.bus.Emit(ctx, telemetry.EventWatcherSuppressed, telemetry.Metadata{
			"watcher":      w.cfg.Name,
			"category":     category,
			"anomaly_type": result.AnomalyType,
			"expires_at":   expiry,
		})
		return nil
	}
	cooldown := time.Duration(result.CooldownMinutes) * time.Minute
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	w.cooldowns[category] = now + cooldown.Milliseconds()
	w.mu.Unlock()

	if w.cfg.Investigate {
		if findings := w.investigate(ctx, result); findings != nil {
			n.Findings = findings
		}
	}

	w.queue.Push(n)
	w.bus.Emit(ctx, telemetry.EventWatcherAnomaly, telemetry.Metadata{
		"watcher":         w.cfg.Name,
		"notification_id": n.ID,
		"anomaly_type":    result.AnomalyType,
		"severity":        string(sev),
	})
	return nil
}

// investigate runs a short operator loop over the skill and condenses its
// findings. Investigation failures are logged, never fatal to the report.
func (w *Watcher) investigate(ctx context.Context, result *analysis) *models.WatcherFindings {
	iterations := w.cfg.InvestigationIterations
	if iterations <= 0 {
		iterations = 5
	}
	op := operator.New(w.skill, w.client, nil, w.bus,
		operator.Config{MaxIterations: iterations}, w.node)

	task := fmt.Sprintf("The baseline watcher reported %q: %s. Gather supporting evidence.",
		result.AnomalyType, result.Summary)
	opResult, err := op.Run(ctx, task)
	if err != nil {
		slog.Warn("Watcher investigation failed", "watcher", w.cfg.Name, "error", err)
		return nil
	}

	evidence := append([]string(nil), result.Evidence...)
	var summaries []string
	for _, n := range opResult.Notifications {
		evidence = append(evidence, n.Observation)
		summaries = append(summaries, n.Observation)
	}
	summary := result.Summary
	if len(summaries) > 0 {
		summary = strings.Join(summaries, "; ")
	}
	return &models.WatcherFindings{
		Summary:        summary,
		Evidence:       evidence,
		Iterations:     opResult.Iterations,
		InvestigatedAt: models.NowMillis(),
	}
}
