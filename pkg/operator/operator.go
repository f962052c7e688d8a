// Package operator implements the per-skill LLM agent loop: a worker that
// investigates one monitored domain by repeatedly asking the LLM to pick a
// tool from a closed set, executing it, and feeding the result back.
package operator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/beamlens/beamlens/pkg/bus"
	"github.com/beamlens/beamlens/pkg/llm"
	"github.com/beamlens/beamlens/pkg/models"
	"github.com/beamlens/beamlens/pkg/skill"
	"github.com/beamlens/beamlens/pkg/telemetry"
)

// ErrAlreadyRunning is returned by Run when an investigation is in flight.
var ErrAlreadyRunning = errors.New("operator already running")

// DefaultMaxIterations caps the tool loop.
const DefaultMaxIterations = 25

// Config tunes one operator.
type Config struct {
	MaxIterations   int           `yaml:"max_iterations"`
	Deadline        time.Duration `yaml:"deadline"`
	CallbackTimeout time.Duration `yaml:"callback_timeout"`
}

// DefaultOperatorConfig returns the built-in operator tuning.
func DefaultOperatorConfig() Config {
	return Config{MaxIterations: DefaultMaxIterations}
}

// Result is the outcome of one investigation run.
type Result struct {
	Skill         string                 `json:"skill"`
	Notifications []*models.Notification `json:"notifications"`
	Iterations    int                    `json:"iterations"`
	StopReason    string                 `json:"stop_reason"`
}

// Completion is the message delivered on a RunAsync channel.
type Completion struct {
	Skill  string
	Result *Result
	Err    error
}

// Operator is the per-skill agent worker. One investigation runs at a time;
// Message calls are out-of-band and may overlap a run.
type Operator struct {
	skill  skill.Skill
	client llm.Client
	queue  *bus.Queue
	bus    *telemetry.Bus
	cfg    Config
	node   string

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	startedAt int64
}

// Status is a point-in-time view of an operator.
type Status struct {
	Skill     string `json:"skill"`
	Running   bool   `json:"running"`
	StartedAt int64  `json:"started_at,omitempty"`
}

// New creates an operator for s. queue may be nil: notifications are then
// only returned in the run result, never delivered to the bus.
func New(s skill.Skill, client llm.Client, queue *bus.Queue, tbus *telemetry.Bus, cfg Config, node string) *Operator {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	return &Operator{skill: s, client: client, queue: queue, bus: tbus, cfg: cfg, node: node}
}

// Skill returns the id of the monitored domain.
func (o *Operator) Skill() string { return o.skill.ID() }

// Status returns a snapshot of the operator state.
func (o *Operator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := Status{Skill: o.skill.ID(), Running: o.running}
	if o.running {
		s.StartedAt = o.startedAt
	}
	return s
}

// Run performs one blocking investigation. investigation is the free-form
// task description handed to the LLM. Reaching the iteration cap is not an
// error: the run finishes with whatever notifications were accumulated.
func (o *Operator) Run(ctx context.Context, investigation string) (*Result, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	var runCtx context.Context
	var cancel context.CancelFunc
	if o.cfg.Deadline > 0 {
		runCtx, cancel = context.WithTimeout(ctx, o.cfg.Deadline)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	o.running = true
	o.cancel = cancel
	o.startedAt = models.NowMillis()
	o.mu.Unlock()

	defer func() {
		cancel()
		o.mu.Lock()
		o.running = false
		o.cancel = nil
		o.mu.Unlock()
	}()

	runCtx = telemetry.EnsureTraceID(runCtx)
	result := &Result{Skill: o.skill.ID()}
	err := o.bus.Span(runCtx, "agent", telemetry.Metadata{"skill": o.skill.ID()},
		func(spanCtx context.Context) error {
			return o.loop(spanCtx, investigation, result)
		})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RunAsync starts an investigation and delivers a single Completion on
// completions. The send is abandoned when ctx is cancelled, so a vanished
// caller never leaks the goroutine.
func (o *Operator) RunAsync(ctx context.Context, investigation string, completions chan<- Completion) {
	go func() {
		result, err := o.Run(ctx, investigation)
		select {
		case completions <- Completion{Skill: o.skill.ID(), Result: result, Err: err}:
		case <-ctx.Done():
			slog.Debug("Dropping operator completion, caller gone", "skill", o.skill.ID())
		}
	}()
}

// Message answers an out-of-band question with a single short LLM call and
// no tool loop.
func (o *Operator) Message(ctx context.Context, text string) (string, error) {
	resp, err := o.client.Generate(ctx, &llm.Request{
		System: o.skill.SystemPrompt(),
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: text},
		},
	})
	if err != nil {
		return "", fmt.Errorf("operator %s message: %w", o.skill.ID(), err)
	}
	return resp.Text, nil
}

// Stop cancels the in-flight run, if any. The cancellation is observed at
// the next tool boundary.
func (o *Operator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
}

// loop is the per-iteration contract: ask the LLM for exactly one tool,
// execute it, append the result, repeat until finish, wait-expiry re-entry,
// the iteration cap, or cancellation.
func (o *Operator) loop(ctx context.Context, investigation string, result *Result) error {
	system := buildSystemPrompt(o.skill)
	messages := []llm.Message{
		{Role: llm.RoleUser, Content: buildTaskMessage(o.skill, investigation)},
	}
	var snapshots []models.Snapshot

	for iteration := 0; ; iteration++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if iteration >= o.cfg.MaxIterations {
			o.bus.Emit(ctx, telemetry.EventOperatorMaxIterations, telemetry.Metadata{
				"skill":      o.skill.ID(),
				"iterations": iteration,
			})
			result.Iterations = iteration
			result.StopReason = "max_iterations"
			return nil
		}
		result.Iterations = iteration + 1

		resp, err := o.client.Generate(ctx, &llm.Request{System: system, Messages: messages})
		if err != nil {
			return fmt.Errorf("operator %s llm call: %w", o.skill.ID(), err)
		}
		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Text})

		tc, err := llm.DecodeToolCall(resp.Text)
		if err != nil {
			// Schema failure is recoverable: feed the parse error back and
			// let the next iteration retry. Repeats burn the iteration cap.
			messages = append(messages, toolResultMessage("error",
				fmt.Sprintf(`{"error": %q}`, err.Error())))
			continue
		}

		outcome, err := o.executeTool(ctx, tc, result, &snapshots)
		if err != nil {
			return err
		}
		messages = append(messages, toolResultMessage(tc.Tool, outcome.payload))
		if outcome.finished {
			result.StopReason = outcome.stopReason
			return nil
		}
	}
}

func toolResultMessage(tool, payload string) llm.Message {
	return llm.Message{Role: llm.RoleTool, ToolName: tool, Content: payload}
}
