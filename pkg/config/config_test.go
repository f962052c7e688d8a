package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamlens/beamlens/pkg/coordinator"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0o600))
	return dir
}

func TestInitializeWithDefaults(t *testing.T) {
	cfg, err := Initialize(t.TempDir()) // no file present
	require.NoError(t, err)

	assert.Equal(t, "beamlens", cfg.Node)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, []string{"runtime"}, cfg.Skills)
	assert.Equal(t, TriggerManual, cfg.AlertTrigger)
	assert.Equal(t, 1000, cfg.MaxPendingAlerts)
	assert.True(t, cfg.Breaker.Enabled)
	assert.Equal(t, time.Minute, cfg.Breaker.ResetTimeout)
	assert.True(t, cfg.Monitor.Enabled)
	assert.Equal(t, 3.0, cfg.Monitor.ZThreshold)
	assert.Equal(t, coordinator.StrategyAgentLoop, cfg.Coordinator.Strategy)
	assert.Equal(t, 5*time.Minute, cfg.Coordinator.Deadline)
	assert.False(t, cfg.Cluster.Enabled)
	assert.Equal(t, "beamlens:alerts", cfg.Cluster.Topic)
}

func TestUserSettingsMergeOverDefaults(t *testing.T) {
	dir := writeConfig(t, `
node: beam-prod-1
alert_handler:
  trigger: on_alert
monitor:
  z_threshold: 2.5
  consecutive_required: 2
coordinator:
  strategy: pipeline
  deadline_ms: 120000
`)
	cfg, err := Initialize(dir)
	require.NoError(t, err)

	assert.Equal(t, "beam-prod-1", cfg.Node)
	assert.Equal(t, TriggerOnAlert, cfg.AlertTrigger)
	assert.Equal(t, 2.5, cfg.Monitor.ZThreshold)
	assert.Equal(t, 2, cfg.Monitor.ConsecutiveRequired)
	assert.Equal(t, coordinator.StrategyPipeline, cfg.Coordinator.Strategy)
	assert.Equal(t, 2*time.Minute, cfg.Coordinator.Deadline)
	// Untouched sections keep defaults.
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, 25, cfg.Coordinator.MaxIterations)
	assert.Equal(t, 30*time.Second, cfg.Monitor.CollectionInterval)
}

func TestWatcherShorthand(t *testing.T) {
	dir := writeConfig(t, `
watchers:
  - name: runtime
    cron: "*/5 * * * *"
  - name: queue-depth
    cron: "0 * * * *"
    skill: queue
    max_observations: 50
    investigate: true
    investigation_iterations: 3
`)
	cfg, err := Initialize(dir)
	require.NoError(t, err)
	require.Len(t, cfg.Watchers, 2)

	short := cfg.Watchers[0]
	assert.Equal(t, "runtime", short.Name)
	assert.Equal(t, "runtime", short.Skill, "skill defaults to the watcher name")
	assert.Equal(t, "*/5 * * * *", short.Cron)
	assert.Equal(t, 30, short.MaxObservations)
	assert.False(t, short.Investigate)

	full := cfg.Watchers[1]
	assert.Equal(t, "queue", full.Skill)
	assert.Equal(t, 50, full.MaxObservations)
	assert.True(t, full.Investigate)
	assert.Equal(t, 3, full.InvestigationIterations)
}

func TestScheduleTargetDefaultsToCoordinator(t *testing.T) {
	dir := writeConfig(t, `
schedules:
  - name: hourly-review
    cron: "0 * * * *"
    context: "periodic health review"
  - name: nightly-queue
    cron: "0 2 * * *"
    target: queue
`)
	cfg, err := Initialize(dir)
	require.NoError(t, err)
	require.Len(t, cfg.Schedules, 2)
	assert.Equal(t, "coordinator", cfg.Schedules[0].Target)
	assert.Equal(t, "periodic health review", cfg.Schedules[0].Context)
	assert.Equal(t, "queue", cfg.Schedules[1].Target)
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("BEAMLENS_NODE", "beam-staging")
	t.Setenv("LLM_KEY", "sk-test")
	dir := writeConfig(t, `
node: "{{.BEAMLENS_NODE}}"
client_registry:
  primary: anthropic
  clients:
    - name: anthropic
      provider: anthropic
      options:
        api_key: "{{.LLM_KEY}}"
`)
	cfg, err := Initialize(dir)
	require.NoError(t, err)
	assert.Equal(t, "beam-staging", cfg.Node)
	require.Len(t, cfg.Registry.Clients, 1)
	assert.Equal(t, "sk-test", cfg.Registry.Clients[0].Options["api_key"])
}

func TestEnvExpansionLeavesDollarsAlone(t *testing.T) {
	out := ExpandEnv([]byte(`pattern: "^secret.*$"`))
	assert.Equal(t, `pattern: "^secret.*$"`, string(out))
}

func TestMissingEnvVarExpandsEmpty(t *testing.T) {
	out := ExpandEnv([]byte(`key: "{{.DEFINITELY_NOT_SET_ANYWHERE}}"`))
	assert.Equal(t, `key: ""`, string(out))
}

func TestExplicitFalseSurvivesMerge(t *testing.T) {
	dir := writeConfig(t, `
circuit_breaker:
  enabled: false
monitor:
  enabled: false
`)
	cfg, err := Initialize(dir)
	require.NoError(t, err)
	assert.False(t, cfg.Breaker.Enabled)
	assert.False(t, cfg.Monitor.Enabled)
}

func TestValidationCollectsAllProblems(t *testing.T) {
	dir := writeConfig(t, `
alert_handler:
  trigger: whenever
coordinator:
  strategy: consensus
watchers:
  - name: broken
    cron: "not a cron"
schedules:
  - name: also-broken
    cron: "61 * * * *"
`)
	_, err := Initialize(dir)
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Problems, 4)
	assert.Contains(t, err.Error(), "alert_handler.trigger")
	assert.Contains(t, err.Error(), "coordinator.strategy")
	assert.Contains(t, err.Error(), `watcher broken`)
	assert.Contains(t, err.Error(), `schedule also-broken`)
}

func TestValidationRejectsUnknownPrimaryClient(t *testing.T) {
	dir := writeConfig(t, `
client_registry:
  primary: missing
  clients:
    - name: anthropic
      provider: anthropic
`)
	_, err := Initialize(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `primary "missing"`)
}

func TestValidationRejectsClusterWithoutAddr(t *testing.T) {
	dir := writeConfig(t, `
cluster:
  enabled: true
`)
	_, err := Initialize(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis_addr required")
}

func TestUnreadableYAMLIsALoadError(t *testing.T) {
	dir := writeConfig(t, "node: [unclosed")
	_, err := Initialize(dir)
	require.Error(t, err)
	var lerr *LoadError
	assert.ErrorAs(t, err, &lerr)
}
