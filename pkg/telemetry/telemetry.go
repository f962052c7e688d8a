// Package telemetry provides the in-process event bus used by every BeamLens
// component. Handlers attach to a fixed catalogue of hierarchical event names
// and receive measurements plus metadata; spans emit the standard
// start/stop/exception triple with a shared measurement contract.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Measurements carries the numeric payload of an event.
// start events carry system_time; stop events carry duration;
// exception events carry duration plus kind/reason in metadata.
type Measurements map[string]any

// Metadata carries the descriptive payload of an event.
type Metadata map[string]any

// Handler receives a single telemetry event.
type Handler func(event string, measurements Measurements, metadata Metadata)

type attachment struct {
	id      string
	events  map[string]bool
	handler Handler
}

// Bus is the process-wide telemetry dispatcher. Execute never blocks on
// business logic: handlers run synchronously and must be cheap.
type Bus struct {
	mu          sync.RWMutex
	attachments []*attachment
}

// NewBus creates an empty telemetry bus.
func NewBus() *Bus {
	return &Bus{}
}

// Attach registers a handler for the given event names. An empty event list
// subscribes to everything. Re-attaching with the same id replaces the
// previous registration.
func (b *Bus) Attach(id string, events []string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.detachLocked(id)
	a := &attachment{id: id, handler: handler}
	if len(events) > 0 {
		a.events = make(map[string]bool, len(events))
		for _, e := range events {
			a.events[e] = true
		}
	}
	b.attachments = append(b.attachments, a)
}

// Detach removes the handler registered under id. Unknown ids are ignored.
func (b *Bus) Detach(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.detachLocked(id)
}

func (b *Bus) detachLocked(id string) {
	for i, a := range b.attachments {
		if a.id == id {
			b.attachments = append(b.attachments[:i], b.attachments[i+1:]...)
			return
		}
	}
}

// Execute dispatches one event to every matching handler. A panicking
// handler is logged and skipped; it never takes down the emitter.
func (b *Bus) Execute(event string, measurements Measurements, metadata Metadata) {
	b.mu.RLock()
	attached := make([]*attachment, len(b.attachments))
	copy(attached, b.attachments)
	b.mu.RUnlock()

	for _, a := range attached {
		if a.events != nil && !a.events[event] {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Telemetry handler panicked",
						"handler_id", a.id, "event", event, "panic", r)
				}
			}()
			a.handler(event, measurements, metadata)
		}()
	}
}

// Span runs fn inside a start/stop/exception triple rooted at prefix
// (e.g. "llm" emits llm.start and llm.stop or llm.exception).
// The metadata map is shared by all three events; trace_id is injected from
// ctx when present.
func (b *Bus) Span(ctx context.Context, prefix string, metadata Metadata, fn func(context.Context) error) error {
	meta := withTrace(ctx, metadata)
	start := time.Now()
	b.Execute(prefix+".start", Measurements{"system_time": start.UnixMilli()}, meta)

	err := fn(ctx)
	duration := time.Since(start)

	if err != nil {
		exMeta := make(Metadata, len(meta)+2)
		for k, v := range meta {
			exMeta[k] = v
		}
		exMeta["kind"] = "error"
		exMeta["reason"] = err.Error()
		b.Execute(prefix+".exception", Measurements{"duration": duration}, exMeta)
		return err
	}

	b.Execute(prefix+".stop", Measurements{"duration": duration}, meta)
	return nil
}

// Emit is a convenience for fire-and-forget events carrying a trace id.
func (b *Bus) Emit(ctx context.Context, event string, metadata Metadata) {
	b.Execute(event, Measurements{"system_time": time.Now().UnixMilli()}, withTrace(ctx, metadata))
}

func withTrace(ctx context.Context, metadata Metadata) Metadata {
	trace := TraceID(ctx)
	if trace == "" {
		return metadata
	}
	meta := make(Metadata, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	meta["trace_id"] = trace
	return meta
}

type traceKey struct{}

// WithTraceID stores a trace id in the context. Empty ids generate a new one.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = uuid.New().String()
	}
	return context.WithValue(ctx, traceKey{}, traceID)
}

// EnsureTraceID returns ctx unchanged when a trace id is already in scope,
// otherwise attaches a fresh one.
func EnsureTraceID(ctx context.Context) context.Context {
	if TraceID(ctx) != "" {
		return ctx
	}
	return WithTraceID(ctx, "")
}

// TraceID extracts the trace id from ctx, or "" when none is in scope.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		return v
	}
	return ""
}
