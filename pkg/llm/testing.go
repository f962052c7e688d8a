package llm

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ScriptedClient replays a fixed sequence of responses and errors. It backs
// the operator, coordinator, and watcher tests, which drive their loops with
// scripted tool selections instead of a live provider.
type ScriptedClient struct {
	name string

	mu      sync.Mutex
	replies []ScriptedReply
	calls   int
	// Requests records every request for assertions.
	Requests []*Request
}

// ScriptedReply is one scripted turn.
type ScriptedReply struct {
	Text string
	Err  error
	// Delay simulates a slow provider.
	Delay time.Duration
}

// NewScriptedClient builds a client that replays the given turns in order.
// Calls past the end of the script return an error.
func NewScriptedClient(name string, replies ...ScriptedReply) *ScriptedClient {
	return &ScriptedClient{name: name, replies: replies}
}

func (c *ScriptedClient) Name() string { return c.name }

func (c *ScriptedClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	c.mu.Lock()
	idx := c.calls
	c.calls++
	c.Requests = append(c.Requests, req)
	var reply ScriptedReply
	if idx < len(c.replies) {
		reply = c.replies[idx]
	} else {
		reply = ScriptedReply{Err: errors.New("scripted client exhausted")}
	}
	c.mu.Unlock()

	if reply.Delay > 0 {
		select {
		case <-time.After(reply.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if reply.Err != nil {
		return nil, reply.Err
	}
	return &Response{Text: reply.Text, InputTokens: 10, OutputTokens: 5}, nil
}

// Calls returns how many times Generate ran.
func (c *ScriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// HangingClient blocks until its context is cancelled. Used by deadline and
// cancellation tests.
type HangingClient struct {
	name string
}

// NewHangingClient creates a client that never replies.
func NewHangingClient(name string) *HangingClient {
	return &HangingClient{name: name}
}

func (c *HangingClient) Name() string { return c.name }

func (c *HangingClient) Generate(ctx context.Context, _ *Request) (*Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
