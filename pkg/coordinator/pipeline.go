package coordinator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/beamlens/beamlens/pkg/llm"
	"github.com/beamlens/beamlens/pkg/models"
	"github.com/beamlens/beamlens/pkg/telemetry"
)

// classification is the structured reply of the classify stage.
type classification struct {
	Intent          string   `json:"intent"`
	Skills          []string `json:"skills"`
	OperatorContext string   `json:"operator_context"`
}

// pipeline is the three-stage strategy: classify → gather → synthesize.
// It spends strictly fewer LLM calls than the agent loop but cannot correct
// a wrong classification mid-run.
func (r *run) pipeline(runContext map[string]string) error {
	query := formatRunContext(runContext)

	// Stage 1: classify.
	resp, err := r.client.Generate(r.ctx, &llm.Request{
		System: pipelineClassifyPrompt(r.availableSkills()),
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: query},
		},
	})
	if err != nil {
		r.c.bus.Emit(r.ctx, telemetry.EventCoordinatorLLMError, telemetry.Metadata{
			"stage": "classify", "error": err.Error(),
		})
		return fmt.Errorf("pipeline classify: %w", err)
	}
	var cls classification
	if err := llm.DecodeJSON(resp.Text, &cls); err != nil {
		return fmt.Errorf("pipeline classify reply: %w", err)
	}
	if cls.Intent != "question" {
		cls.Intent = "investigation"
	}
	r.result.Iterations = 1

	// Stage 2: gather.
	allowed, rejected := r.filterSkills(cls.Skills)
	for _, reason := range rejected {
		slog.Debug("Pipeline classify selected an unavailable skill", "reason", reason)
	}
	gathered, err := r.gather(allowed, cls.OperatorContext)
	if err != nil {
		return err
	}

	// Stage 3: synthesize.
	operatorData, _ := json.Marshal(gathered)
	resp, err = r.client.Generate(r.ctx, &llm.Request{
		System: pipelineSynthesizePrompt(),
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: fmt.Sprintf("Query:\n%s\n\nOperator data:\n%s", query, operatorData)},
		},
	})
	if err != nil {
		r.c.bus.Emit(r.ctx, telemetry.EventCoordinatorLLMError, telemetry.Metadata{
			"stage": "synthesize", "error": err.Error(),
		})
		return fmt.Errorf("pipeline synthesize: %w", err)
	}
	var syn struct {
		Answer string `json:"answer"`
	}
	if err := llm.DecodeJSON(resp.Text, &syn); err != nil {
		// A free-form reply still answers the query.
		syn.Answer = resp.Text
	}
	r.result.Answer = syn.Answer

	if len(gathered) > 0 {
		ids := make([]string, len(gathered))
		for i, n := range gathered {
			ids[i] = n.ID
		}
		insight := &models.Insight{
			ID:                 uuid.New().String(),
			NotificationIDs:    ids,
			CorrelationType:    models.CorrelationSymptomatic,
			Summary:            syn.Answer,
			HypothesisGrounded: false,
			Confidence:         models.ConfidenceMedium,
			CreatedAt:          models.NowMillis(),
		}
		r.result.Insights = append(r.result.Insights, insight)
		r.inbox.Resolve(ids)
		r.c.bus.Emit(r.ctx, telemetry.EventCoordinatorInsightProduced, telemetry.Metadata{
			"insight_id":       insight.ID,
			"correlation_type": string(models.CorrelationSymptomatic),
			"notifications":    len(ids),
		})
	}

	r.c.bus.Emit(r.ctx, telemetry.EventCoordinatorDone, telemetry.Metadata{
		"insights": len(r.result.Insights),
	})
	r.result.StopReason = "pipeline_complete"
	return nil
}

// gather spawns one operator per skill and polls until all complete,
// collecting every notification they produced (ingested into the inbox so
// the synthesized insight's citations hold).
func (r *run) gather(skills []string, operatorContext string) ([]*models.Notification, error) {
	var gathered []*models.Notification
	if len(skills) == 0 {
		return gathered, nil
	}

	started, errs := r.runner.Invoke(skills, operatorContext)
	for _, e := range errs {
		slog.Warn("Pipeline gather could not start operator", "error", e)
	}
	if len(started) == 0 {
		return gathered, nil
	}

	ticker := time.NewTicker(r.c.cfg.GatherPollInterval)
	defer ticker.Stop()
	for {
		for {
			res, ok := r.runner.TryNext()
			if !ok {
				break
			}
			r.mergeResult(res)
			if res.Err == nil {
				gathered = append(gathered, res.Result.Notifications...)
			}
		}
		if !r.runner.HasRunning() && !r.runner.HasPending() {
			return gathered, nil
		}
		select {
		case <-ticker.C:
		case <-r.ctx.Done():
			return nil, r.ctx.Err()
		}
	}
}

func (r *run) availableSkills() []string {
	if len(r.skills) > 0 {
		return r.skills
	}
	return r.runner.factory.Skills()
}
