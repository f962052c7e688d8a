package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/beamlens/beamlens/pkg/llm"
	"github.com/beamlens/beamlens/pkg/models"
	"github.com/beamlens/beamlens/pkg/skill"
	"github.com/beamlens/beamlens/pkg/telemetry"
)

// Tool names of the operator's closed toolset.
const (
	ToolTakeSnapshot     = "take_snapshot"
	ToolRunCallback      = "run_callback"
	ToolSendNotification = "send_notification"
	ToolThink            = "think"
	ToolWait             = "wait"
	ToolFinish           = "finish"
)

type runCallbackArgs struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type sendNotificationArgs struct {
	AnomalyType string `json:"anomaly_type"`
	Severity    string `json:"severity"`
	Context     string `json:"context"`
	Observation string `json:"observation"`
	Hypothesis  string `json:"hypothesis,omitempty"`
}

type thinkArgs struct {
	Thought string `json:"thought"`
}

type waitArgs struct {
	Ms int64 `json:"ms"`
}

// toolOutcome is what one tool execution feeds back into the loop.
type toolOutcome struct {
	payload    string
	finished   bool
	stopReason string
}

// executeTool runs one tool selection. Tool-level failures (unknown tool,
// bad arguments, callback errors) come back as error payloads the LLM sees
// on the next iteration; only cancellation returns a Go error.
func (o *Operator) executeTool(ctx context.Context, tc *llm.ToolCall, result *Result, snapshots *[]models.Snapshot) (toolOutcome, error) {
	var outcome toolOutcome
	err := o.bus.Span(ctx, "tool", telemetry.Metadata{"tool": tc.Tool, "skill": o.skill.ID()},
		func(spanCtx context.Context) error {
			var toolErr error
			outcome, toolErr = o.dispatchTool(spanCtx, tc, result, snapshots)
			return toolErr
		})
	return outcome, err
}

func (o *Operator) dispatchTool(ctx context.Context, tc *llm.ToolCall, result *Result, snapshots *[]models.Snapshot) (toolOutcome, error) {
	switch tc.Tool {
	case ToolTakeSnapshot:
		snap := models.Snapshot{TakenAt: models.NowMillis(), Metrics: o.skill.Snapshot()}
		*snapshots = append(*snapshots, snap)
		return jsonOutcome(snap)

	case ToolRunCallback:
		var args runCallbackArgs
		if err := tc.DecodeArgs(&args); err != nil {
			return errOutcome(err), nil
		}
		payload, err := skill.ExecuteCallback(ctx, o.skill, args.Name, args.Args, o.cfg.CallbackTimeout)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return toolOutcome{}, ctxErr
			}
			return errOutcome(err), nil
		}
		return toolOutcome{payload: payload}, nil

	case ToolSendNotification:
		var args sendNotificationArgs
		if err := tc.DecodeArgs(&args); err != nil {
			return errOutcome(err), nil
		}
		sev := models.Severity(args.Severity)
		if !sev.Valid() {
			return errOutcome(fmt.Errorf("unknown severity %q", args.Severity)), nil
		}
		if args.AnomalyType == "" {
			return errOutcome(fmt.Errorf("anomaly_type is required")), nil
		}
		n := &models.Notification{
			ID:          models.NewNotificationID(),
			Operator:    o.skill.ID(),
			AnomalyType: args.AnomalyType,
			Severity:    sev,
			Context:     args.Context,
			Observation: args.Observation,
			Hypothesis:  args.Hypothesis,
			Snapshots:   append([]models.Snapshot(nil), *snapshots...),
			DetectedAt:  models.NowMillis(),
			Node:        o.node,
		}
		result.Notifications = append(result.Notifications, n)
		if o.queue != nil {
			o.queue.Push(n)
		}
		return jsonOutcome(map[string]any{"ok": true, "notification_id": n.ID})

	case ToolThink:
		var args thinkArgs
		if err := tc.DecodeArgs(&args); err != nil {
			return errOutcome(err), nil
		}
		return jsonOutcome(map[string]any{"ok": true})

	case ToolWait:
		var args waitArgs
		if err := tc.DecodeArgs(&args); err != nil {
			return errOutcome(err), nil
		}
		if args.Ms < 0 {
			return errOutcome(fmt.Errorf("wait ms must be non-negative")), nil
		}
		timer := time.NewTimer(time.Duration(args.Ms) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-timer.C:
			return jsonOutcome(map[string]any{"ok": true, "waited_ms": args.Ms})
		case <-ctx.Done():
			return toolOutcome{}, ctx.Err()
		}

	case ToolFinish:
		return toolOutcome{payload: `{"ok": true}`, finished: true, stopReason: "finish"}, nil

	default:
		return errOutcome(fmt.Errorf("unknown tool %q", tc.Tool)), nil
	}
}

func jsonOutcome(v any) (toolOutcome, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return errOutcome(fmt.Errorf("encoding tool result: %w", err)), nil
	}
	return toolOutcome{payload: string(data)}, nil
}

func errOutcome(err error) toolOutcome {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return toolOutcome{payload: string(data)}
}
