package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/beamlens/beamlens/pkg/llm"
	"github.com/beamlens/beamlens/pkg/models"
	"github.com/beamlens/beamlens/pkg/telemetry"
)

// Tool names of the coordinator's closed toolset.
const (
	ToolGetNotifications  = "get_notifications"
	ToolUpdateStatuses    = "update_notification_statuses"
	ToolProduceInsight    = "produce_insight"
	ToolThink             = "think"
	ToolInvokeOperators   = "invoke_operators"
	ToolMessageOperator   = "message_operator"
	ToolGetOperatorStatus = "get_operator_statuses"
	ToolSchedule          = "schedule"
	ToolWait              = "wait"
	ToolDone              = "done"
)

// run is the single-goroutine state of one coordinator invocation.
type run struct {
	c                *Coordinator
	ctx              context.Context
	client           llm.Client
	runner           *operatorRunner
	inbox            *inbox
	messages         []llm.Message
	maxIterations    int
	compactMaxTokens int
	compactKeepLast  int
	skills           []string
	result           *RunResult
}

// agentLoop drives the iterative correlation strategy.
func (r *run) agentLoop(runContext map[string]string) error {
	system := coordinatorSystemPrompt()
	r.messages = []llm.Message{
		{Role: llm.RoleUser, Content: buildCoordinatorTask(runContext, r.inbox)},
	}

	for iteration := 0; ; iteration++ {
		if err := r.ctx.Err(); err != nil {
			return err
		}
		if err := r.mergeCompleted(); err != nil {
			return err
		}
		if iteration >= r.maxIterations {
			return r.finishAfterCap(iteration)
		}
		r.result.Iterations = iteration + 1
		r.maybeCompact()

		r.c.bus.Emit(r.ctx, telemetry.EventCoordinatorIterationStart, telemetry.Metadata{
			"iteration": iteration,
		})
		resp, err := r.client.Generate(r.ctx, &llm.Request{System: system, Messages: r.messages})
		if err != nil {
			r.c.bus.Emit(r.ctx, telemetry.EventCoordinatorLLMError, telemetry.Metadata{
				"error": err.Error(),
			})
			return fmt.Errorf("coordinator llm call: %w", err)
		}
		r.messages = append(r.messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Text})

		tc, err := llm.DecodeToolCall(resp.Text)
		if err != nil {
			r.appendToolResult("error", fmt.Sprintf(`{"error": %q}`, err.Error()))
			continue
		}

		outcome, err := r.executeTool(tc)
		if err != nil {
			return err
		}
		r.appendToolResult(tc.Tool, outcome.payload)
		if outcome.finished {
			r.result.StopReason = outcome.stopReason
			return nil
		}
	}
}

// finishAfterCap stops calling the LLM but keeps waiting for children, then
// warns about unread notifications.
func (r *run) finishAfterCap(iteration int) error {
	r.c.bus.Emit(r.ctx, telemetry.EventCoordinatorMaxIterations, telemetry.Metadata{
		"iterations": iteration,
	})
	for r.runner.HasRunning() || r.runner.HasPending() {
		res, err := r.runner.WaitNext(r.ctx)
		if err != nil {
			return err
		}
		r.mergeResult(res)
	}
	if unread := r.inbox.UnreadCount(); unread > 0 {
		warning := fmt.Sprintf("Warning: run ended at the iteration cap with %d unread notifications.", unread)
		r.messages = append(r.messages, llm.Message{Role: llm.RoleUser, Content: warning})
		slog.Warn("Coordinator hit iteration cap with unread notifications", "unread", unread)
	}
	r.result.StopReason = "max_iterations"
	return nil
}

// mergeCompleted drains all completed operators without blocking.
func (r *run) mergeCompleted() error {
	for {
		res, ok := r.runner.TryNext()
		if !ok {
			return nil
		}
		r.mergeResult(res)
	}
}

// mergeResult folds one operator outcome into the run: notifications are
// ingested into the inbox and a tool-result message lands in the context.
func (r *run) mergeResult(res operatorResult) {
	if res.Err != nil {
		r.appendToolResult("operator_complete",
			fmt.Sprintf(`{"skill": %q, "error": %q}`, res.Skill, res.Err.Error()))
		return
	}

	ids := make([]string, 0, len(res.Result.Notifications))
	for _, n := range res.Result.Notifications {
		r.inbox.Ingest(n)
		ids = append(ids, n.ID)
	}
	r.result.OperatorResults = append(r.result.OperatorResults, res.Result)
	r.c.bus.Emit(r.ctx, telemetry.EventCoordinatorOperatorComplete, telemetry.Metadata{
		"skill":         res.Skill,
		"notifications": len(ids),
	})

	payload, _ := json.Marshal(map[string]any{
		"skill":            res.Skill,
		"stop_reason":      res.Result.StopReason,
		"notification_ids": ids,
	})
	r.appendToolResult("operator_complete", string(payload))
}

func (r *run) appendToolResult(tool, payload string) {
	r.messages = append(r.messages, llm.Message{
		Role: llm.RoleTool, ToolName: tool, Content: payload,
	})
}

type loopOutcome struct {
	payload    string
	finished   bool
	stopReason string
}

// executeTool dispatches one coordinator tool under a tool span. Policy
// violations and bad arguments come back as error payloads; only
// cancellation returns a Go error.
func (r *run) executeTool(tc *llm.ToolCall) (loopOutcome, error) {
	var outcome loopOutcome
	err := r.c.bus.Span(r.ctx, "tool", telemetry.Metadata{"tool": tc.Tool},
		func(spanCtx context.Context) error {
			var toolErr error
			outcome, toolErr = r.dispatchTool(spanCtx, tc)
			return toolErr
		})
	return outcome, err
}

func (r *run) dispatchTool(ctx context.Context, tc *llm.ToolCall) (loopOutcome, error) {
	switch tc.Tool {
	case ToolGetNotifications:
		var args struct {
			Status string `json:"status"`
		}
		if err := tc.DecodeArgs(&args); err != nil {
			return errPayload(err), nil
		}
		status := models.NotificationStatus(args.Status)
		if args.Status != "" && !status.Valid() {
			return errPayload(fmt.Errorf("unknown status %q", args.Status)), nil
		}
		return jsonPayload(r.inbox.View(status))

	case ToolUpdateStatuses:
		var args struct {
			IDs    []string `json:"ids"`
			Status string   `json:"status"`
			Reason string   `json:"reason"`
		}
		if err := tc.DecodeArgs(&args); err != nil {
			return errPayload(err), nil
		}
		updated, errs := r.inbox.Transition(args.IDs, models.NotificationStatus(args.Status))
		return jsonPayload(map[string]any{"updated": updated, "errors": errs})

	case ToolProduceInsight:
		return r.produceInsight(ctx, tc)

	case ToolThink:
		return loopOutcome{payload: `{"ok": true}`}, nil

	case ToolInvokeOperators:
		var args struct {
			Skills  []string `json:"skills"`
			Context string   `json:"context"`
		}
		if err := tc.DecodeArgs(&args); err != nil {
			return errPayload(err), nil
		}
		allowed, rejected := r.filterSkills(args.Skills)
		started, errs := r.runner.Invoke(allowed, args.Context)
		errs = append(errs, rejected...)
		return jsonPayload(map[string]any{"started": started, "errors": errs})

	case ToolMessageOperator:
		var args struct {
			Skill   string `json:"skill"`
			Message string `json:"message"`
		}
		if err := tc.DecodeArgs(&args); err != nil {
			return errPayload(err), nil
		}
		// Operator errors, timeouts included, surface as tool results.
		reply, err := r.runner.Message(args.Skill, args.Message)
		if err != nil {
			return errPayload(err), nil
		}
		return jsonPayload(map[string]any{"reply": reply})

	case ToolGetOperatorStatus:
		return jsonPayload(r.runner.Statuses())

	case ToolSchedule:
		var args struct {
			Ms     int64  `json:"ms"`
			Reason string `json:"reason"`
		}
		if err := tc.DecodeArgs(&args); err != nil {
			return errPayload(err), nil
		}
		if err := r.mergeCompleted(); err != nil {
			return loopOutcome{}, err
		}
		if r.runner.HasRunning() || r.runner.HasPending() {
			r.c.bus.Emit(ctx, telemetry.EventCoordinatorScheduleRejected, nil)
			return errPayload(fmt.Errorf("operators still running")), nil
		}
		if args.Ms < 0 {
			return errPayload(fmt.Errorf("schedule ms must be non-negative")), nil
		}
		r.c.ScheduleReinvoke(time.Duration(args.Ms)*time.Millisecond, args.Reason)
		return loopOutcome{
			payload:    `{"ok": true}`,
			finished:   true,
			stopReason: "scheduled",
		}, nil

	case ToolWait:
		var args struct {
			Ms int64 `json:"ms"`
		}
		if err := tc.DecodeArgs(&args); err != nil {
			return errPayload(err), nil
		}
		if args.Ms < 0 {
			return errPayload(fmt.Errorf("wait ms must be non-negative")), nil
		}
		timer := time.NewTimer(time.Duration(args.Ms) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-timer.C:
			return loopOutcome{payload: `{"ok": true}`}, nil
		case <-ctx.Done():
			return loopOutcome{}, ctx.Err()
		}

	case ToolDone:
		// A child may have completed with its result still sitting in the
		// results channel; fold it in before deciding.
		if err := r.mergeCompleted(); err != nil {
			return loopOutcome{}, err
		}
		if r.runner.HasRunning() || r.runner.HasPending() {
			r.c.bus.Emit(ctx, telemetry.EventCoordinatorDoneRejected, nil)
			return errPayload(fmt.Errorf("operators still running")), nil
		}
		r.c.bus.Emit(ctx, telemetry.EventCoordinatorDone, telemetry.Metadata{
			"insights": len(r.result.Insights),
		})
		return loopOutcome{payload: `{"ok": true}`, finished: true, stopReason: "done"}, nil

	default:
		return errPayload(fmt.Errorf("unknown tool %q", tc.Tool)), nil
	}
}

// produceInsight validates the citation invariant, creates the insight, and
// auto-resolves the cited notifications.
func (r *run) produceInsight(ctx context.Context, tc *llm.ToolCall) (loopOutcome, error) {
	var args struct {
		NotificationIDs     []string `json:"notification_ids"`
		CorrelationType     string   `json:"correlation_type"`
		Summary             string   `json:"summary"`
		RootCauseHypothesis string   `json:"root_cause_hypothesis"`
		MatchedObservations []string `json:"matched_observations"`
		HypothesisGrounded  bool     `json:"hypothesis_grounded"`
		Confidence          string   `json:"confidence"`
	}
	if err := tc.DecodeArgs(&args); err != nil {
		return errPayload(err), nil
	}
	if len(args.NotificationIDs) == 0 {
		return errPayload(fmt.Errorf("notification_ids must not be empty")), nil
	}
	if missing, ok := r.inbox.Contains(args.NotificationIDs); !ok {
		return errPayload(fmt.Errorf("notification %s is not in the inbox", missing)), nil
	}
	corr := models.CorrelationType(args.CorrelationType)
	if !corr.Valid() {
		return errPayload(fmt.Errorf("unknown correlation_type %q", args.CorrelationType)), nil
	}
	conf := models.Confidence(args.Confidence)
	if !conf.Valid() {
		return errPayload(fmt.Errorf("unknown confidence %q", args.Confidence)), nil
	}

	insight := &models.Insight{
		ID:                  uuid.New().String(),
		NotificationIDs:     args.NotificationIDs,
		CorrelationType:     corr,
		Summary:             args.Summary,
		RootCauseHypothesis: args.RootCauseHypothesis,
		MatchedObservations: args.MatchedObservations,
		HypothesisGrounded:  args.HypothesisGrounded,
		Confidence:          conf,
		CreatedAt:           models.NowMillis(),
	}
	r.result.Insights = append(r.result.Insights, insight)
	r.inbox.Resolve(args.NotificationIDs)
	r.c.bus.Emit(ctx, telemetry.EventCoordinatorInsightProduced, telemetry.Metadata{
		"insight_id":       insight.ID,
		"correlation_type": string(corr),
		"notifications":    len(args.NotificationIDs),
	})
	return jsonPayload(map[string]any{"ok": true, "insight_id": insight.ID})
}

// filterSkills enforces the per-run skill restriction.
func (r *run) filterSkills(requested []string) (allowed, rejected []string) {
	if len(r.skills) == 0 {
		return requested, nil
	}
	permitted := make(map[string]bool, len(r.skills))
	for _, s := range r.skills {
		permitted[s] = true
	}
	for _, s := range requested {
		if permitted[s] {
			allowed = append(allowed, s)
		} else {
			rejected = append(rejected, fmt.Sprintf("skill %s is not available for this run", s))
		}
	}
	return allowed, rejected
}

func jsonPayload(v any) (loopOutcome, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return errPayload(fmt.Errorf("encoding tool result: %w", err)), nil
	}
	return loopOutcome{payload: string(data)}, nil
}

func errPayload(err error) loopOutcome {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return loopOutcome{payload: string(data)}
}
