package coordinator

import (
	"fmt"
	"strings"
)

// coordinatorToolDocs describes the coordinator's closed toolset. One tool
// per response, as a single JSON object discriminated by "tool".
const coordinatorToolDocs = `Respond with exactly one JSON object selecting one tool:

1. **get_notifications**: view the inbox.
    **Parameters**:
    - status (optional, string) [choices: "unread", "acknowledged", "resolved"]
2. **update_notification_statuses**: move notifications through their lifecycle.
    **Parameters**:
    - ids (required, array of strings)
    - status (required, string) [choices: "unread", "acknowledged", "resolved"]
    - reason (optional, string)
3. **produce_insight**: record a correlated explanation. Cited notifications are resolved automatically.
    **Parameters**:
    - notification_ids (required, array of strings): must all be in the inbox
    - correlation_type (required, string) [choices: "causal", "temporal", "symptomatic"]
    - summary (required, string)
    - root_cause_hypothesis (optional, string)
    - matched_observations (optional, array of strings): copied verbatim from the notifications
    - hypothesis_grounded (required, boolean): only true when the hypothesis is supported by matched_observations
    - confidence (required, string) [choices: "low", "medium", "high"]
4. **think**: record a reasoning step without acting.
    **Parameters**:
    - thought (required, string)
5. **invoke_operators**: start asynchronous domain investigations.
    **Parameters**:
    - skills (required, array of strings)
    - context (required, string): the task for each operator
6. **message_operator**: ask a running operator a question.
    **Parameters**:
    - skill (required, string)
    - message (required, string)
7. **get_operator_statuses**: list running operators.
    **Parameters**: None
8. **schedule**: finish now and re-run yourself later. Rejected while operators run.
    **Parameters**:
    - ms (required, number): delay in milliseconds
    - reason (required, string)
9. **wait**: pause before the next step.
    **Parameters**:
    - ms (required, number)
10. **done**: finish the run. Rejected while operators run.
    **Parameters**: None`

// coordinatorSystemPrompt is the agent-loop system prompt.
func coordinatorSystemPrompt() string {
	var sb strings.Builder
	sb.WriteString(`You are the BeamLens coordinator. You correlate runtime anomaly notifications into insights.

Work through the inbox: acknowledge notifications you are analysing, invoke operators when you need fresh evidence from a domain, and produce an insight for each group of related notifications. Resolve everything you have explained, then call done.`)
	sb.WriteString("\n\n## Tools\n\n")
	sb.WriteString(coordinatorToolDocs)
	return sb.String()
}

// buildCoordinatorTask renders the initial user message for an agent-loop run.
func buildCoordinatorTask(runContext map[string]string, in *inbox) string {
	var sb strings.Builder
	sb.WriteString(formatRunContext(runContext))
	sb.WriteString("\n## Inbox\n\n")
	sb.WriteString(in.Summary())
	return sb.String()
}

// pipelineClassifyPrompt asks for the intent/skills/context triple.
func pipelineClassifyPrompt(skills []string) string {
	return fmt.Sprintf(`You route a runtime observability query.

Available skills: %s

Reply with one JSON object:
{"intent": "question" | "investigation", "skills": [skill ids to investigate], "operator_context": "the task for each operator"}

Pick only skills that are plausibly involved. For a pure question that needs no fresh evidence, return an empty skills list.`,
		strings.Join(skills, ", "))
}

// pipelineSynthesizePrompt asks for the final answer over gathered data.
func pipelineSynthesizePrompt() string {
	return `You summarize the findings of runtime domain investigations.

Given the query and the JSON-encoded notifications the operators produced, reply with one JSON object:
{"answer": "a concise explanation of what was found and what it means"}

Ground the answer strictly in the operator data; say so when nothing anomalous was found.`
}
