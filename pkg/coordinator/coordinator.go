// Package coordinator implements the singleton correlation worker: it
// ingests notifications, drives an LLM strategy (agent loop or pipeline)
// over them, spawns child operators, and produces insights.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/beamlens/beamlens/pkg/llm"
	"github.com/beamlens/beamlens/pkg/models"
	"github.com/beamlens/beamlens/pkg/operator"
	"github.com/beamlens/beamlens/pkg/telemetry"
)

var (
	// ErrDeadlineExceeded reports an orderly per-run deadline expiry.
	ErrDeadlineExceeded = errors.New("deadline_exceeded")
	// ErrCancelled reports an orderly cancellation (caller vanished or Stop).
	ErrCancelled = errors.New("cancelled")
)

// Strategy selects how a run correlates notifications.
type Strategy string

const (
	StrategyAgentLoop Strategy = "agent_loop"
	StrategyPipeline  Strategy = "pipeline"
)

// WorkerStatus is the coordinator's lifecycle status.
type WorkerStatus string

const (
	StatusIdle    WorkerStatus = "idle"
	StatusRunning WorkerStatus = "running"
)

// Defaults for per-run options.
const (
	DefaultMaxIterations       = 25
	DefaultDeadline            = 5 * time.Minute
	DefaultCompactionMaxTokens = 50_000
	DefaultCompactionKeepLast  = 5
	DefaultGatherPollInterval  = 500 * time.Millisecond
)

// Config tunes the coordinator.
type Config struct {
	Strategy            Strategy      `yaml:"strategy"`
	MaxIterations       int           `yaml:"max_iterations"`
	Deadline            time.Duration `yaml:"deadline"`
	CompactionMaxTokens int           `yaml:"compaction_max_tokens"`
	CompactionKeepLast  int           `yaml:"compaction_keep_last"`
	GatherPollInterval  time.Duration `yaml:"gather_poll_interval"`
}

// DefaultCoordinatorConfig returns the built-in coordinator tuning.
func DefaultCoordinatorConfig() Config {
	return Config{
		Strategy:            StrategyAgentLoop,
		MaxIterations:       DefaultMaxIterations,
		Deadline:            DefaultDeadline,
		CompactionMaxTokens: DefaultCompactionMaxTokens,
		CompactionKeepLast:  DefaultCompactionKeepLast,
		GatherPollInterval:  DefaultGatherPollInterval,
	}
}

// Options are per-invocation overrides. Zero values fall back to Config.
type Options struct {
	Notifications       []*models.Notification
	Skills              []string
	Strategy            Strategy
	MaxIterations       int
	Deadline            time.Duration
	CompactionMaxTokens int
	CompactionKeepLast  int
	Client              llm.Client
	TraceID             string
}

// RunResult is the outcome of one coordinator run.
type RunResult struct {
	Insights        []*models.Insight  `json:"insights"`
	OperatorResults []*operator.Result `json:"operator_results"`
	Answer          string             `json:"answer,omitempty"`
	Iterations      int                `json:"iterations"`
	StopReason      string             `json:"stop_reason"`
}

// Status is the externally-visible coordinator state.
type Status struct {
	Status WorkerStatus `json:"status"`
	Queued int          `json:"queued"`
}

type invocationOutcome struct {
	result *RunResult
	err    error
}

type invocation struct {
	ctx        context.Context
	runContext map[string]string
	opts       Options
	resultCh   chan invocationOutcome
}

func (inv *invocation) deliver(result *RunResult, err error) {
	select {
	case inv.resultCh <- invocationOutcome{result: result, err: err}:
	default:
	}
}

// Coordinator is the singleton correlation worker. Concurrent Run calls are
// queued FIFO; exactly one run executes at a time.
type Coordinator struct {
	client  llm.Client
	factory *operator.Factory
	bus     *telemetry.Bus
	cfg     Config
	node    string

	mu       sync.Mutex
	status   WorkerStatus
	pending  []*invocation
	reinvoke *time.Timer
	stopped  bool
}

// New creates an idle coordinator. client should already be breaker-gated.
func New(client llm.Client, factory *operator.Factory, bus *telemetry.Bus, cfg Config, node string) *Coordinator {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}
	if cfg.CompactionMaxTokens <= 0 {
		cfg.CompactionMaxTokens = DefaultCompactionMaxTokens
	}
	if cfg.CompactionKeepLast <= 0 {
		cfg.CompactionKeepLast = DefaultCompactionKeepLast
	}
	if cfg.GatherPollInterval <= 0 {
		cfg.GatherPollInterval = DefaultGatherPollInterval
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyAgentLoop
	}
	return &Coordinator{
		client:  client,
		factory: factory,
		bus:     bus,
		cfg:     cfg,
		node:    node,
		status:  StatusIdle,
	}
}

// Status returns the worker status and queue depth.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{Status: c.status, Queued: len(c.pending)}
}

// Run performs one coordinator invocation. If a run is already in progress
// the invocation queues FIFO; the call blocks until its turn completes or
// ctx fires. A caller that vanishes while queued is skipped; one that
// vanishes mid-run cancels the run.
func (c *Coordinator) Run(ctx context.Context, runContext map[string]string, opts Options) (*RunResult, error) {
	inv := &invocation{
		ctx:        ctx,
		runContext: runContext,
		opts:       opts,
		resultCh:   make(chan invocationOutcome, 1),
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrCancelled
	}
	c.pending = append(c.pending, inv)
	if c.status == StatusIdle {
		c.status = StatusRunning
		go c.drain()
	}
	c.mu.Unlock()

	select {
	case out := <-inv.resultCh:
		return out.result, out.err
	case <-ctx.Done():
		// The drain loop observes ctx and cancels or skips the invocation.
		return nil, mapContextErr(ctx.Err())
	}
}

// drain executes queued invocations one at a time until the queue empties.
func (c *Coordinator) drain() {
	for {
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.status = StatusIdle
			c.mu.Unlock()
			return
		}
		inv := c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()

		if inv.ctx.Err() != nil {
			slog.Debug("Skipping queued coordinator invocation, caller gone")
			continue
		}
		result, err := c.runOne(inv)
		inv.deliver(result, err)
	}
}

// runOne executes a single invocation under its deadline.
func (c *Coordinator) runOne(inv *invocation) (*RunResult, error) {
	opts := inv.opts
	deadline := opts.Deadline
	if deadline <= 0 {
		deadline = c.cfg.Deadline
	}
	runCtx, cancel := context.WithTimeout(inv.ctx, deadline)
	defer cancel()
	if opts.TraceID != "" {
		runCtx = telemetry.WithTraceID(runCtx, opts.TraceID)
	} else {
		runCtx = telemetry.EnsureTraceID(runCtx)
	}

	client := c.client
	factory := c.factory
	if opts.Client != nil {
		client = opts.Client
		factory = factory.WithClient(opts.Client)
	}
	maxIterations := opts.MaxIterations
	if maxIterations <= 0 {
		maxIterations = c.cfg.MaxIterations
	}
	strategy := opts.Strategy
	if strategy == "" {
		strategy = c.cfg.Strategy
	}
	compactMaxTokens := opts.CompactionMaxTokens
	if compactMaxTokens <= 0 {
		compactMaxTokens = c.cfg.CompactionMaxTokens
	}
	compactKeepLast := opts.CompactionKeepLast
	if compactKeepLast <= 0 {
		compactKeepLast = c.cfg.CompactionKeepLast
	}

	r := &run{
		c:                c,
		ctx:              runCtx,
		client:           client,
		runner:           newOperatorRunner(runCtx, factory, c.bus),
		inbox:            newInbox(),
		maxIterations:    maxIterations,
		compactMaxTokens: compactMaxTokens,
		compactKeepLast:  compactKeepLast,
		skills:           opts.Skills,
		result:           &RunResult{},
	}
	for _, n := range opts.Notifications {
		r.inbox.Ingest(n)
	}

	var err error
	switch strategy {
	case StrategyPipeline:
		err = r.pipeline(inv.runContext)
	default:
		err = r.agentLoop(inv.runContext)
	}

	if err != nil {
		// Orderly teardown: shut down children, classify the error.
		r.runner.CancelAll()
		waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
		r.runner.WaitAll(waitCtx)
		waitCancel()

		switch {
		case errors.Is(err, context.DeadlineExceeded):
			c.bus.Emit(runCtx, telemetry.EventCoordinatorDeadline, nil)
			return nil, ErrDeadlineExceeded
		case errors.Is(err, context.Canceled):
			c.bus.Emit(runCtx, telemetry.EventCoordinatorCancelled, nil)
			return nil, ErrCancelled
		default:
			return nil, err
		}
	}
	return r.result, nil
}

// ScheduleReinvoke arms (or re-arms) the self-reinvocation timer. When it
// fires and the coordinator is idle, a fresh run starts with the given
// reason.
func (c *Coordinator) ScheduleReinvoke(delay time.Duration, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	if c.reinvoke != nil {
		c.reinvoke.Stop()
	}
	c.reinvoke = time.AfterFunc(delay, func() {
		if c.Status().Status != StatusIdle {
			slog.Info("Dropping scheduled reinvocation, coordinator busy", "reason", reason)
			return
		}
		go func() {
			_, err := c.Run(context.Background(), map[string]string{"reason": reason}, Options{})
			if err != nil {
				slog.Warn("Scheduled coordinator reinvocation failed", "reason", reason, "error", err)
			}
		}()
	})
}

// Stop rejects new invocations and stops the reinvocation timer. In-flight
// runs finish under their own deadlines.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.reinvoke != nil {
		c.reinvoke.Stop()
		c.reinvoke = nil
	}
}

func mapContextErr(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrDeadlineExceeded
	case errors.Is(err, context.Canceled):
		return ErrCancelled
	default:
		return err
	}
}

// formatRunContext renders the invocation context map as the initial user
// message: "reason" first as "Reason: …", remaining keys sorted.
func formatRunContext(runContext map[string]string) string {
	if len(runContext) == 0 {
		return "Correlate the notifications currently in your inbox."
	}
	var sb strings.Builder
	if reason, ok := runContext["reason"]; ok {
		fmt.Fprintf(&sb, "Reason: %s\n", reason)
	}
	keys := make([]string, 0, len(runContext))
	for k := range runContext {
		if k == "reason" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s: %s\n", k, runContext[k])
	}
	return sb.String()
}
