package operator

import (
	"context"
	"errors"
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

// opSkill is a minimal in-memory skill for driving the loop.
type opSkill struct {
	id        string
	callbacks []skill.Callback
}

func (s *opSkill) ID() string           { return s.id }
func (s *opSkill) Title() string        { return "Test Domain" }
func (s *opSkill) Description() string  { return "a test domain" }
func (s *opSkill) SystemPrompt() string { return "You observe the test domain." }
func (s *opSkill) Snapshot() map[string]float64 {
	return map[string]float64{"requests_per_sec": 42}
}
func (s *opSkill) Callbacks() []skill.Callback { return s.callbacks }

func reply(text string) llm.ScriptedReply { return llm.ScriptedReply{Text: text} }

func newOperator(t *testing.T, s skill.Skill, client llm.Client, cfg Config) (*Operator, *bus.Queue, *telemetry.Bus) {
	t.Helper()
	tbus := telemetry.NewBus()
	queue := bus.NewQueue(tbus, 0)
	return New(s, client, queue, tbus, cfg, "node-a"), queue, tbus
}

func TestRunHappyPath(t *testing.T) {
	s := &opSkill{id: "web", callbacks: []skill.Callback{{
		Name: "get_routes",
		Doc:  "lists registered routes",
		Fn: func(context.Context, map[string]any) (any, error) {
			return []string{"/healthz", "/api/v1/status"}, nil
		},
	}}}
	client := llm.NewScriptedClient("mock",
		reply(`{"tool": "take_snapshot"}`),
		reply(`{"tool": "run_callback", "name": "get_routes"}`),
		reply(`{"tool": "send_notification", "anomaly_type": "latency_spike", "severity": "warning", "context": "web tier", "observation": "p99 tripled"}`),
		reply(`{"tool": "finish"}`),
	)
	op, queue, _ := newOperator(t, s, client, Config{MaxIterations: 10})

	result, err := op.Run(context.Background(), "check latency")
	require.NoError(t, err)
	assert.Equal(t, "finish", result.StopReason)
	assert.Equal(t, 4, result.Iterations)

	require.Len(t, result.Notifications, 1)
	n := result.Notifications[0]
	assert.Equal(t, "web", n.Operator)
	assert.Equal(t, "latency_spike", n.AnomalyType)
	assert.Equal(t, models.SeverityWarning, n.Severity)
	assert.Equal(t, "node-a", n.Node)
	require.Len(t, n.Snapshots, 1, "snapshots taken during the run travel with the notification")
	assert.Equal(t, 42.0, n.Snapshots[0].Metrics["requests_per_sec"])

	require.Equal(t, 1, queue.Count(), "send_notification also delivers to the bus")
	assert.Equal(t, n.ID, queue.TakeAll()[0].ID)
}

func TestRunMaxIterationsIsNotAnError(t *testing.T) {
	client := llm.NewScriptedClient("mock",
		reply(`{"tool": "think", "thought": "hmm"}`),
		reply(`{"tool": "think", "thought": "still thinking"}`),
		reply(`{"tool": "think", "thought": "one more"}`),
	)
	op, _, tbus := newOperator(t, &opSkill{id: "web"}, client, Config{MaxIterations: 3})

	var capped bool
	tbus.Attach("test", []string{telemetry.EventOperatorMaxIterations},
		func(string, telemetry.Measurements, telemetry.Metadata) { capped = true })

	result, err := op.Run(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "max_iterations", result.StopReason)
	assert.True(t, capped)
	assert.Equal(t, 3, client.Calls())
}

func TestRunRecoversFromSchemaFailure(t *testing.T) {
	client := llm.NewScriptedClient("mock",
		reply("I think I should look at the metrics first."),
		reply(`{"tool": "finish"}`),
	)
	op, _, _ := newOperator(t, &opSkill{id: "web"}, client, Config{MaxIterations: 5})

	result, err := op.Run(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "finish", result.StopReason)

	// The parse error was fed back as a tool result before the retry.
	second := client.Requests[1]
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	assert.Contains(t, last.Content, "error")
}

func TestRunFeedsUnknownToolBack(t *testing.T) {
	client := llm.NewScriptedClient("mock",
		reply(`{"tool": "launch_missiles"}`),
		reply(`{"tool": "finish"}`),
	)
	op, _, _ := newOperator(t, &opSkill{id: "web"}, client, Config{MaxIterations: 5})

	result, err := op.Run(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "finish", result.StopReason)

	second := client.Requests[1]
	last := second.Messages[len(second.Messages)-1]
	assert.Contains(t, last.Content, "unknown tool")
}

func TestRunCallbackErrorIsRecoverable(t *testing.T) {
	s := &opSkill{id: "web", callbacks: []skill.Callback{{
		Name: "get_routes",
		Doc:  "lists registered routes",
		Fn: func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("route table unavailable")
		},
	}}}
	client := llm.NewScriptedClient("mock",
		reply(`{"tool": "run_callback", "name": "get_routes"}`),
		reply(`{"tool": "finish"}`),
	)
	op, _, _ := newOperator(t, s, client, Config{MaxIterations: 5})

	result, err := op.Run(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "finish", result.StopReason)

	second := client.Requests[1]
	last := second.Messages[len(second.Messages)-1]
	assert.Contains(t, last.Content, "route table unavailable")
}

func TestRunCancelledDuringWait(t *testing.T) {
	client := llm.NewScriptedClient("mock",
		reply(`{"tool": "wait", "ms": 60000}`),
	)
	op, _, _ := newOperator(t, &opSkill{id: "web"}, client, Config{MaxIterations: 5})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := op.Run(ctx, "")
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second, "cancellation must cut the wait short")
}

func TestRunRejectsConcurrentRuns(t *testing.T) {
	op, _, _ := newOperator(t, &opSkill{id: "web"}, llm.NewHangingClient("mock"), Config{MaxIterations: 5})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := op.Run(ctx, "")
		errCh <- err
	}()

	require.Eventually(t, func() bool { return op.Status().Running }, time.Second, time.Millisecond)
	_, err := op.Run(context.Background(), "")
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	op.Stop()
	require.ErrorIs(t, <-errCh, context.Canceled)
	assert.False(t, op.Status().Running)
}

func TestRunAsyncDeliversCompletion(t *testing.T) {
	client := llm.NewScriptedClient("mock", reply(`{"tool": "finish"}`))
	op, _, _ := newOperator(t, &opSkill{id: "web"}, client, Config{MaxIterations: 5})

	completions := make(chan Completion, 1)
	op.RunAsync(context.Background(), "", completions)

	select {
	case c := <-completions:
		require.NoError(t, c.Err)
		assert.Equal(t, "web", c.Skill)
		assert.Equal(t, "finish", c.Result.StopReason)
	case <-time.After(time.Second):
		t.Fatal("no completion delivered")
	}
}

func TestMessage(t *testing.T) {
	client := llm.NewScriptedClient("mock", reply("All metrics are nominal."))
	op, _, _ := newOperator(t, &opSkill{id: "web"}, client, Config{MaxIterations: 5})

	text, err := op.Message(context.Background(), "how is the web tier doing?")
	require.NoError(t, err)
	assert.Equal(t, "All metrics are nominal.", text)
}

func TestNotificationOrderPreserved(t *testing.T) {
	client := llm.NewScriptedClient("mock",
		reply(`{"tool": "send_notification", "anomaly_type": "latency_spike", "severity": "warning", "context": "c", "observation": "first"}`),
		reply(`{"tool": "send_notification", "anomaly_type": "error_burst", "severity": "critical", "context": "c", "observation": "second"}`),
		reply(`{"tool": "finish"}`),
	)
	op, _, _ := newOperator(t, &opSkill{id: "web"}, client, Config{MaxIterations: 5})

	result, err := op.Run(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, result.Notifications, 2)
	assert.Equal(t, "first", result.Notifications[0].Observation)
	assert.Equal(t, "second", result.Notifications[1].Observation)
}

func TestFactory(t *testing.T) {
	registry, err := skill.NewRegistry(&opSkill{id: "web"})
	require.NoError(t, err)

	tbus := telemetry.NewBus()
	f := NewFactory(registry, llm.NewScriptedClient("mock"), bus.NewQueue(tbus, 0), tbus,
		DefaultOperatorConfig(), "node-a")

	op, err := f.For("web")
	require.NoError(t, err)
	assert.Equal(t, "web", op.Skill())

	_, err = f.For("nope")
	assert.Error(t, err)
	assert.Equal(t, []string{"web"}, f.Skills())
}
