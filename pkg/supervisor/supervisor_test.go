package supervisor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamlens/beamlens/pkg/breaker"
	"github.com/beamlens/beamlens/pkg/config"
	"github.com/beamlens/beamlens/pkg/coordinator"
	"github.com/beamlens/beamlens/pkg/detector"
	"github.com/beamlens/beamlens/pkg/llm"
	"github.com/beamlens/beamlens/pkg/models"
	"github.com/beamlens/beamlens/pkg/operator"
	"github.com/beamlens/beamlens/pkg/watcher"
)

func testConfig() *config.Config {
	return &config.Config{
		Node:             "node-test",
		Listen:           ":0",
		Skills:           []string{"runtime"},
		AlertTrigger:     config.TriggerManual,
		MaxPendingAlerts: 100,
		Breaker:          breaker.DefaultConfig(),
		Monitor:          detector.Config{Enabled: false},
		Coordinator:      coordinator.DefaultCoordinatorConfig(),
		Operator:         operator.DefaultOperatorConfig(),
	}
}

func startSupervisor(t *testing.T, cfg *config.Config, opts ...Option) *Supervisor {
	t.Helper()
	s, err := Start(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

func TestStartWithBuiltinSkills(t *testing.T) {
	s := startSupervisor(t, testConfig(), WithClient(llm.NewScriptedClient("mock")))

	assert.Equal(t, []string{"runtime"}, s.Skills())
	assert.Equal(t, "node-test", s.Node())
	assert.Empty(t, s.PendingAlerts())
	assert.Empty(t, s.ListWatchers())

	_, ok := s.DetectorStatus()
	assert.False(t, ok, "monitor is disabled in the test config")
	assert.Equal(t, breaker.StateClosed, s.CircuitBreakerState().State)
}

func TestStartRejectsUnknownSkill(t *testing.T) {
	cfg := testConfig()
	cfg.Skills = []string{"quantum"}

	_, err := Start(context.Background(), cfg, WithClient(llm.NewScriptedClient("mock")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown skill "quantum"`)
}

func TestInvestigateWithoutAlerts(t *testing.T) {
	s := startSupervisor(t, testConfig(), WithClient(llm.NewScriptedClient("mock")))

	_, err := s.Investigate(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoAlerts)
}

func TestInvestigateWithRunContext(t *testing.T) {
	client := llm.NewScriptedClient("mock",
		llm.ScriptedReply{Text: `{"tool": "done", "summary": "all quiet"}`},
	)
	s := startSupervisor(t, testConfig(), WithClient(client))

	result, err := s.Investigate(context.Background(), map[string]string{"reason": "manual check"})
	require.NoError(t, err)
	assert.Equal(t, "done", result.StopReason)
	assert.Contains(t, client.Requests[0].Messages[0].Content, "Reason: manual check")
}

func TestScheduledInvestigation(t *testing.T) {
	client := llm.NewScriptedClient("mock",
		llm.ScriptedReply{Text: `{"tool": "done", "summary": "reviewed"}`},
	)
	cfg := testConfig()
	cfg.Schedules = []config.ScheduleSpec{{
		Name:    "hourly-review",
		Cron:    "0 * * * *",
		Target:  "coordinator",
		Context: "periodic health review",
	}}
	s := startSupervisor(t, cfg, WithClient(client))

	require.NoError(t, s.RunSchedule("hourly-review"))
	assert.Eventually(t, func() bool { return client.Calls() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, client.Requests[0].Messages[0].Content, "Reason: hourly-review")

	assert.Eventually(t, func() bool {
		for _, st := range s.Schedules() {
			if st.Name == "hourly-review" {
				return st.LastOutcome == "completed"
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScheduleTargetsOperator(t *testing.T) {
	client := llm.NewScriptedClient("mock",
		llm.ScriptedReply{Text: `{"tool": "finish"}`},
	)
	cfg := testConfig()
	cfg.Schedules = []config.ScheduleSpec{{
		Name:    "nightly-runtime",
		Cron:    "0 2 * * *",
		Target:  "runtime",
		Context: "nightly runtime sweep",
	}}
	s := startSupervisor(t, cfg, WithClient(client))

	require.NoError(t, s.RunSchedule("nightly-runtime"))
	assert.Eventually(t, func() bool { return client.Calls() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, client.Requests[0].Messages[0].Content, "nightly runtime sweep")
}

func TestRunAsyncDeliversCompletion(t *testing.T) {
	client := llm.NewScriptedClient("mock",
		llm.ScriptedReply{Text: `{"tool": "send_notification", "anomaly_type": "goroutine_leak", "severity": "warning", "context": "steady load", "observation": "goroutines doubled"}`},
		llm.ScriptedReply{Text: `{"tool": "finish"}`},
	)
	s := startSupervisor(t, testConfig(), WithClient(client))

	completions := make(chan operator.Completion, 1)
	require.NoError(t, s.RunAsync(context.Background(), "runtime", "check goroutines", completions))

	select {
	case c := <-completions:
		require.NoError(t, c.Err)
		assert.Equal(t, "runtime", c.Skill)
		require.Len(t, c.Result.Notifications, 1)
		assert.Equal(t, "goroutine_leak", c.Result.Notifications[0].AnomalyType)
	case <-time.After(2 * time.Second):
		t.Fatal("no completion delivered")
	}

	// The notification also lands on the alert queue.
	require.Len(t, s.PendingAlerts(), 1)
}

func TestRunAsyncUnknownSkill(t *testing.T) {
	s := startSupervisor(t, testConfig(), WithClient(llm.NewScriptedClient("mock")))

	err := s.RunAsync(context.Background(), "quantum", "check", make(chan operator.Completion, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown skill "quantum"`)
}

func TestScheduleWithUnknownTargetRejected(t *testing.T) {
	cfg := testConfig()
	cfg.Schedules = []config.ScheduleSpec{{
		Name: "broken", Cron: "0 * * * *", Target: "ghost",
	}}

	_, err := Start(context.Background(), cfg, WithClient(llm.NewScriptedClient("mock")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown target "ghost"`)
}

func TestTriggerWatcher(t *testing.T) {
	cfg := testConfig()
	cfg.Watchers = []config.WatcherSpec{{
		Config: watcher.DefaultWatcherConfig("runtime", "runtime"),
		Cron:   "*/5 * * * *",
	}}
	s := startSupervisor(t, cfg, WithClient(llm.NewScriptedClient("mock")))

	require.Len(t, s.ListWatchers(), 1)
	require.NoError(t, s.TriggerWatcher("runtime"))
	assert.Eventually(t, func() bool {
		st, err := s.WatcherStatus("runtime")
		return err == nil && st.Observations == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, s.TriggerWatcher("ghost"), ErrUnknownWatcher)
	_, err := s.WatcherStatus("ghost")
	assert.ErrorIs(t, err, ErrUnknownWatcher)
}

func TestWatcherWithUnknownSkillRejected(t *testing.T) {
	cfg := testConfig()
	cfg.Watchers = []config.WatcherSpec{{
		Config: watcher.DefaultWatcherConfig("ghost-watch", "ghost"),
		Cron:   "* * * * *",
	}}

	_, err := Start(context.Background(), cfg, WithClient(llm.NewScriptedClient("mock")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown skill "ghost"`)
}

func TestCircuitBreakerReset(t *testing.T) {
	s := startSupervisor(t, testConfig(), WithClient(llm.NewScriptedClient("mock")))

	s.ResetCircuitBreaker()
	assert.Equal(t, breaker.StateClosed, s.CircuitBreakerState().State)
}

func TestStopFlushesBaselines(t *testing.T) {
	cfg := testConfig()
	cfg.PersistencePath = filepath.Join(t.TempDir(), "baselines.json")
	s := startSupervisor(t, cfg, WithClient(llm.NewScriptedClient("mock")))

	s.Stop()
	s.Stop() // idempotent

	_, err := os.Stat(cfg.PersistencePath)
	assert.NoError(t, err, "baselines flushed on shutdown")
}

func TestClusterAlertTriggersInvestigation(t *testing.T) {
	mr := miniredis.RunT(t)

	client := llm.NewScriptedClient("mock",
		llm.ScriptedReply{Text: `{"tool": "done", "summary": "remote alert reviewed"}`},
	)
	cfg := testConfig()
	cfg.AlertTrigger = config.TriggerOnAlert
	cfg.Cluster = config.ClusterConfig{Enabled: true, Topic: "beamlens:test"}
	startSupervisor(t, cfg, WithClient(client),
		WithRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()})))

	remote := map[string]any{
		"node": "node-remote",
		"notification": &models.Notification{
			ID:          models.NewNotificationID(),
			Operator:    "runtime",
			AnomalyType: "memory_high",
			Severity:    models.SeverityWarning,
			Observation: "heap doubled on node-remote",
			DetectedAt:  models.NowMillis(),
			Node:        "node-remote",
		},
	}
	payload, err := json.Marshal(remote)
	require.NoError(t, err)

	pub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = pub.Close() }()
	require.NoError(t, pub.Publish(context.Background(), "beamlens:test", payload).Err())

	assert.Eventually(t, func() bool { return client.Calls() >= 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Contains(t, client.Requests[0].Messages[0].Content, "memory_high")
}
