package llm

import (
	"context"
	"errors"
	"time"

	"github.com/beamlens/beamlens/pkg/breaker"
	"github.com/beamlens/beamlens/pkg/telemetry"
)

// Gated wraps a Client with the shared circuit breaker, the default call
// timeout, and llm.start/stop/exception telemetry. Every LLM call in
// BeamLens goes through a Gated client.
type Gated struct {
	inner   Client
	breaker *breaker.Breaker
	bus     *telemetry.Bus
	timeout time.Duration
}

// NewGated wraps inner. timeout of 0 uses DefaultCallTimeout.
func NewGated(inner Client, b *breaker.Breaker, bus *telemetry.Bus, timeout time.Duration) *Gated {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Gated{inner: inner, breaker: b, bus: bus, timeout: timeout}
}

func (g *Gated) Name() string { return g.inner.Name() }

// Generate fails fast with ErrCircuitOpen when the breaker is open,
// otherwise runs the call under the timeout and reports the outcome to the
// breaker.
func (g *Gated) Generate(ctx context.Context, req *Request) (*Response, error) {
	if g.breaker != nil && !g.breaker.Allow() {
		return nil, breaker.ErrCircuitOpen
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var resp *Response
	err := g.bus.Span(callCtx, "llm", telemetry.Metadata{"client": g.inner.Name()},
		func(spanCtx context.Context) error {
			var genErr error
			resp, genErr = g.inner.Generate(spanCtx, req)
			return genErr
		})

	if g.breaker != nil {
		switch {
		case err == nil:
			g.breaker.RecordSuccess()
		case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
			// The caller tore the run down; that is orderly shutdown, not a
			// provider failure, and must not trip the shared breaker.
		default:
			g.breaker.RecordFailure(err.Error())
		}
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}
