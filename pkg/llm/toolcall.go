package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ToolCall is the tagged struct every agent loop asks the LLM to produce:
// one JSON object whose "tool" field discriminates the variant and whose
// remaining fields are the variant's arguments.
type ToolCall struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"-"`
}

// DecodeToolCall parses a single tool selection from raw LLM output.
// The parser fails closed: a response without a recognizable JSON object
// carrying a non-empty "tool" discriminator is a schema error, never a
// guessed variant.
//
// Models often wrap the object in prose or a ```json fence, so the decoder
// extracts the first balanced top-level object before unmarshalling.
func DecodeToolCall(text string) (*ToolCall, error) {
	raw, err := extractObject(text)
	if err != nil {
		return nil, err
	}

	var probe struct {
		Tool string `json:"tool"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("tool call is not a JSON object: %w", err)
	}
	if probe.Tool == "" {
		return nil, fmt.Errorf(`tool call missing "tool" discriminator`)
	}
	return &ToolCall{Tool: probe.Tool, Args: raw}, nil
}

// DecodeArgs unmarshals the full tool object into the variant's argument
// struct.
func (tc *ToolCall) DecodeArgs(v any) error {
	if err := json.Unmarshal(tc.Args, v); err != nil {
		return fmt.Errorf("invalid arguments for tool %q: %w", tc.Tool, err)
	}
	return nil
}

// DecodeJSON extracts the first balanced JSON object from raw LLM output and
// unmarshals it into v. Used for structured replies that are not tool calls,
// such as the pipeline classify and synthesize stages.
func DecodeJSON(text string, v any) error {
	raw, err := extractObject(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("malformed JSON reply: %w", err)
	}
	return nil
}

// extractObject returns the first balanced {...} object in text, honouring
// strings and escapes.
func extractObject(text string) (json.RawMessage, error) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil, fmt.Errorf("no JSON object found in response")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return json.RawMessage(text[start : i+1]), nil
			}
		}
	}
	return nil, fmt.Errorf("unterminated JSON object in response")
}
