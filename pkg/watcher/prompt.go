package watcher

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/beamlens/beamlens/pkg/models"
	"github.com/beamlens/beamlens/pkg/skill"
)

// analyzeBaselinePrompt asks the LLM to classify an observation window into
// one of the three tagged outcomes.
func analyzeBaselinePrompt(s skill.Skill) string {
	return fmt.Sprintf(`You watch the %q domain for anomalies that statistical baselining cannot catch.

%s

Given the observation window, reply with exactly one JSON object:
- {"outcome": "continue_observing", "notes": "what to keep an eye on", "confidence": "low" | "medium"}
- {"outcome": "report_anomaly", "anomaly_type": "snake_case type", "severity": "info" | "warning" | "critical", "summary": "what is wrong", "evidence": ["observed facts"], "confidence": "medium" | "high", "cooldown_minutes": 5}
- {"outcome": "report_healthy", "summary": "why the window looks fine", "confidence": "medium" | "high"}

Only report an anomaly you can support with evidence from the window.`,
		s.ID(), s.Description())
}

// renderWindow flattens the observation window and carried notes for the
// baseline call.
func renderWindow(window []models.Snapshot, notes []string) string {
	var sb strings.Builder
	sb.WriteString("## Observation window (oldest first)\n\n")
	for _, snap := range window {
		metrics, _ := json.Marshal(snap.Metrics)
		fmt.Fprintf(&sb, "- t=%d %s\n", snap.TakenAt, metrics)
	}
	if len(notes) > 0 {
		sb.WriteString("\n## Notes from earlier ticks\n\n")
		for _, note := range notes {
			fmt.Fprintf(&sb, "- %s\n", note)
		}
	}
	return sb.String()
}
