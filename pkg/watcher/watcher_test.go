package watcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamlens/beamlens/pkg/bus"
	"github.com/beamlens/beamlens/pkg/llm"
	"github.com/beamlens/beamlens/pkg/models"
	"github.com/beamlens/beamlens/pkg/skill"
	"github.com/beamlens/beamlens/pkg/telemetry"
)

type watchSkill struct{ id string }

func (s *watchSkill) ID() string                   { return s.id }
func (s *watchSkill) Title() string                { return s.id }
func (s *watchSkill) Description() string          { return "a watched domain" }
func (s *watchSkill) SystemPrompt() string         { return "You observe a watched domain." }
func (s *watchSkill) Snapshot() map[string]float64 { return map[string]float64{"depth": 7} }
func (s *watchSkill) Callbacks() []skill.Callback  { return nil }

func reply(text string) llm.ScriptedReply { return llm.ScriptedReply{Text: text} }

type watchFixture struct {
	watcher *Watcher
	queue   *bus.Queue
	tbus    *telemetry.Bus

	mu     sync.Mutex
	events []string
}

func newWatchFixture(t *testing.T, cfg Config, client llm.Client) *watchFixture {
	t.Helper()
	tbus := telemetry.NewBus()
	queue := bus.NewQueue(tbus, 0)
	f := &watchFixture{
		watcher: New(cfg, &watchSkill{id: cfg.Skill}, client, queue, tbus, "node-a"),
		queue:   queue,
		tbus:    tbus,
	}
	tbus.Attach("test", []string{
		telemetry.EventWatcherCollecting, telemetry.EventWatcherObserving,
		telemetry.EventWatcherHealthy, telemetry.EventWatcherAnomaly,
		telemetry.EventWatcherSuppressed,
	}, func(event string, _ telemetry.Measurements, _ telemetry.Metadata) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.events = append(f.events, event)
	})
	return f
}

func (f *watchFixture) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e == event {
			n++
		}
	}
	return n
}

func testWatcherConfig() Config {
	cfg := DefaultWatcherConfig("queue-watch", "queue")
	cfg.MinRequiredObservations = 2
	return cfg
}

func TestCollectingSkipsLLM(t *testing.T) {
	client := llm.NewScriptedClient("mock")
	f := newWatchFixture(t, testWatcherConfig(), client)

	require.NoError(t, f.watcher.Tick(context.Background()))
	assert.Equal(t, 1, f.count(telemetry.EventWatcherCollecting))
	assert.Zero(t, client.Calls(), "a thin window must not reach the LLM")
	assert.Equal(t, 1, f.watcher.Status().Observations)
}

func TestContinueObservingCarriesNotes(t *testing.T) {
	client := llm.NewScriptedClient("mock",
		reply(`{"outcome": "continue_observing", "notes": "depth creeping up", "confidence": "low"}`),
		reply(`{"outcome": "report_healthy", "summary": "depth stable", "confidence": "high"}`),
	)
	f := newWatchFixture(t, testWatcherConfig(), client)
	ctx := context.Background()

	require.NoError(t, f.watcher.Tick(ctx)) // collecting
	require.NoError(t, f.watcher.Tick(ctx)) // continue_observing
	assert.Equal(t, OutcomeContinue, f.watcher.Status().LastOutcome)

	require.NoError(t, f.watcher.Tick(ctx)) // report_healthy
	// The second analysis saw the note carried from the first.
	secondPrompt := client.Requests[1].Messages[0].Content
	assert.Contains(t, secondPrompt, "depth creeping up")
	assert.Equal(t, OutcomeHealthy, f.watcher.Status().LastOutcome)
	assert.Zero(t, f.queue.Count())
}

func TestAnomalyEnqueuesNotification(t *testing.T) {
	client := llm.NewScriptedClient("mock",
		reply(`{"outcome": "report_anomaly", "anomaly_type": "queue_backlog", "severity": "critical", "summary": "depth stuck at 7", "evidence": ["depth=7 for 2 ticks"], "confidence": "high", "cooldown_minutes": 10}`),
	)
	cfg := testWatcherConfig()
	cfg.MinRequiredObservations = 1
	f := newWatchFixture(t, cfg, client)

	require.NoError(t, f.watcher.Tick(context.Background()))
	require.Equal(t, 1, f.queue.Count())

	n := f.queue.TakeAll()[0]
	assert.Equal(t, "queue", n.Operator)
	assert.Equal(t, "queue_backlog", n.AnomalyType)
	assert.Equal(t, models.SeverityCritical, n.Severity)
	assert.Equal(t, "depth stuck at 7", n.Observation)
	assert.Equal(t, 1, f.count(telemetry.EventWatcherAnomaly))

	expiry := f.watcher.Status().Cooldowns["queue"]
	assert.Greater(t, expiry, models.NowMillis()+9*time.Minute.Milliseconds())
}

func TestCooldownSuppressesSameCategory(t *testing.T) {
	anomaly := `{"outcome": "report_anomaly", "anomaly_type": "queue_backlog", "severity": "warning", "summary": "s", "confidence": "medium"}`
	client := llm.NewScriptedClient("mock",
		reply(anomaly),
		reply(`{"outcome": "report_anomaly", "anomaly_type": "queue_stalled", "severity": "warning", "summary": "s2", "confidence": "medium"}`),
		reply(`{"outcome": "report_anomaly", "anomaly_type": "memory_high", "severity": "warning", "summary": "s3", "confidence": "medium"}`),
	)
	cfg := testWatcherConfig()
	cfg.MinRequiredObservations = 1
	f := newWatchFixture(t, cfg, client)
	ctx := context.Background()

	require.NoError(t, f.watcher.Tick(ctx))
	require.NoError(t, f.watcher.Tick(ctx)) // queue_stalled shares category "queue"
	require.NoError(t, f.watcher.Tick(ctx)) // memory_high is a fresh category

	assert.Equal(t, 2, f.queue.Count(), "same-category anomaly within cooldown is suppressed")
	assert.Equal(t, 1, f.count(telemetry.EventWatcherSuppressed))

	drained := f.queue.TakeAll()
	assert.Equal(t, "queue_backlog", drained[0].AnomalyType)
	assert.Equal(t, "memory_high", drained[1].AnomalyType)
}

func TestInvestigationAttachesFindings(t *testing.T) {
	client := llm.NewScriptedClient("mock",
		reply(`{"outcome": "report_anomaly", "anomaly_type": "queue_backlog", "severity": "warning", "summary": "depth stuck", "evidence": ["depth=7"], "confidence": "high"}`),
		// Investigation operator loop.
		reply(`{"tool": "send_notification", "anomaly_type": "queue_backlog", "severity": "warning", "context": "queue", "observation": "consumer count is zero"}`),
		reply(`{"tool": "finish"}`),
	)
	cfg := testWatcherConfig()
	cfg.MinRequiredObservations = 1
	cfg.Investigate = true
	f := newWatchFixture(t, cfg, client)

	require.NoError(t, f.watcher.Tick(context.Background()))
	require.Equal(t, 1, f.queue.Count(), "investigation findings attach to one notification")

	n := f.queue.TakeAll()[0]
	require.NotNil(t, n.Findings)
	assert.Contains(t, n.Findings.Summary, "consumer count is zero")
	assert.Contains(t, n.Findings.Evidence, "depth=7")
	assert.Equal(t, 2, n.Findings.Iterations)
}

func TestWindowPruning(t *testing.T) {
	cfg := testWatcherConfig()
	cfg.MaxObservations = 3
	cfg.MinRequiredObservations = 100 // keep every tick on the collecting path
	f := newWatchFixture(t, cfg, llm.NewScriptedClient("mock"))

	for i := 0; i < 6; i++ {
		require.NoError(t, f.watcher.Tick(context.Background()))
	}
	assert.Equal(t, 3, f.watcher.Status().Observations)
}

func TestUnknownOutcomeIsAnError(t *testing.T) {
	client := llm.NewScriptedClient("mock",
		reply(`{"outcome": "shrug", "confidence": "low"}`),
	)
	cfg := testWatcherConfig()
	cfg.MinRequiredObservations = 1
	f := newWatchFixture(t, cfg, client)

	err := f.watcher.Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown outcome")
}
