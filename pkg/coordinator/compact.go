package coordinator

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/beamlens/beamlens/pkg/llm"
)

// charsPerToken is the crude length-to-token ratio used for the compaction
// threshold. Precision does not matter here, only the order of magnitude.
const charsPerToken = 4

// estimateTokens approximates the token footprint of a conversation.
func estimateTokens(messages []llm.Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content) + len(m.ToolName)
	}
	return chars / charsPerToken
}

const compactionSystemPrompt = `Summarize the following investigation transcript. Preserve every notification id, every tool outcome that matters, and every open question. Drop pleasantries and repeated tool protocol text. Reply with plain prose.`

// maybeCompact replaces all but the last compaction_keep_last messages with
// a one-shot LLM summary once the context exceeds the token budget. A failed
// summary call leaves the context untouched; the run continues uncompacted.
func (r *run) maybeCompact() {
	maxTokens := r.compactMaxTokens
	keep := r.compactKeepLast
	if estimateTokens(r.messages) <= maxTokens || len(r.messages) <= keep {
		return
	}

	head := r.messages[:len(r.messages)-keep]
	resp, err := r.client.Generate(r.ctx, &llm.Request{
		System: compactionSystemPrompt,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: renderTranscript(head)},
		},
	})
	if err != nil {
		slog.Warn("Context compaction failed, continuing uncompacted", "error", err)
		return
	}

	compacted := make([]llm.Message, 0, keep+1)
	compacted = append(compacted, llm.Message{
		Role:    llm.RoleUser,
		Content: "Summary of earlier investigation context:\n" + resp.Text,
	})
	compacted = append(compacted, r.messages[len(r.messages)-keep:]...)
	slog.Info("Compacted coordinator context",
		"before", len(r.messages), "after", len(compacted))
	r.messages = compacted
}

// renderTranscript flattens messages for the summary call.
func renderTranscript(messages []llm.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		if m.ToolName != "" {
			fmt.Fprintf(&sb, "[%s:%s] %s\n", m.Role, m.ToolName, m.Content)
			continue
		}
		fmt.Fprintf(&sb, "[%s] %s\n", m.Role, m.Content)
	}
	return sb.String()
}
