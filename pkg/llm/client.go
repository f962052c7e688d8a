// Package llm defines the provider-neutral LLM client interface, the
// configured client registry, and the circuit-breaker-gated wrapper every
// BeamLens component calls through.
package llm

import (
	"context"
	"time"
)

// DefaultCallTimeout bounds a single LLM call.
const DefaultCallTimeout = 60 * time.Second

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in the conversation handed to the provider.
// Tool results travel as user-role messages with the ToolName set; the
// provider adapter decides how to encode them on the wire.
type Message struct {
	Role     Role   `json:"role"`
	Content  string `json:"content"`
	ToolName string `json:"tool_name,omitempty"`
}

// Request is a single generation request.
type Request struct {
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// Response is the provider's reply.
type Response struct {
	Text         string `json:"text"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// Client is the minimal generation interface. Implementations must honour
// ctx cancellation and return promptly once it fires.
type Client interface {
	// Generate produces one completion for the request.
	Generate(ctx context.Context, req *Request) (*Response, error)
	// Name identifies the client for logs and telemetry.
	Name() string
}
