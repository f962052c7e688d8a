package operator

import (
	"fmt"
	"strings"

	"github.com/beamlens/beamlens/pkg/skill"
)

// toolDocs describes the closed toolset. One tool per response, as a single
// JSON object discriminated by "tool".
const toolDocs = `Respond with exactly one JSON object selecting one tool:

1. **take_snapshot**: read the current metric snapshot of your domain.
    **Parameters**: None
2. **run_callback**: invoke one named read-only callback.
    **Parameters**:
    - name (required, string): callback name from the list below
    - args (optional, object): callback arguments
3. **send_notification**: record a structured anomaly finding.
    **Parameters**:
    - anomaly_type (required, string): snake_case type, category prefix before the first underscore
    - severity (required, string) [choices: "info", "warning", "critical"]
    - context (required, string): where and when the anomaly was seen
    - observation (required, string): the concrete measured facts
    - hypothesis (optional, string): suspected cause, only when grounded in evidence
4. **think**: record a reasoning step without acting.
    **Parameters**:
    - thought (required, string)
5. **wait**: pause the investigation before re-checking.
    **Parameters**:
    - ms (required, number): milliseconds to wait
6. **finish**: end the investigation.
    **Parameters**: None`

// buildSystemPrompt assembles the operator system prompt from the skill's
// own instructions plus the shared tool protocol and callback docs.
func buildSystemPrompt(s skill.Skill) string {
	var sb strings.Builder
	sb.WriteString(s.SystemPrompt())
	sb.WriteString("\n\n## Tools\n\n")
	sb.WriteString(toolDocs)
	sb.WriteString("\n\n## Available callbacks\n\n")
	sb.WriteString(skill.CallbackDocs(s))
	return sb.String()
}

// buildTaskMessage renders the initial user message for a run.
func buildTaskMessage(s skill.Skill, investigation string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are investigating the %q domain (%s).\n\n", s.ID(), s.Title())
	if investigation != "" {
		fmt.Fprintf(&sb, "Task: %s\n\n", investigation)
	} else {
		sb.WriteString("Task: perform a routine health check of your domain.\n\n")
	}
	sb.WriteString("Start by taking a snapshot, investigate anything unusual, " +
		"send a notification for each distinct anomaly you confirm, then finish.")
	return sb.String()
}
