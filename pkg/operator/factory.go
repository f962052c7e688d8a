package operator

import (
	"fmt"

	"github.com/beamlens/beamlens/pkg/bus"
	"github.com/beamlens/beamlens/pkg/llm"
	"github.com/beamlens/beamlens/pkg/skill"
	"github.com/beamlens/beamlens/pkg/telemetry"
)

// Factory builds operators on demand, keyed by skill id. The coordinator
// uses it to start operators per run; the supervisor uses it for scheduled
// and async invocations.
type Factory struct {
	skills *skill.Registry
	client llm.Client
	queue  *bus.Queue
	bus    *telemetry.Bus
	cfg    Config
	node   string
}

// NewFactory creates a factory. client should already be breaker-gated.
func NewFactory(skills *skill.Registry, client llm.Client, queue *bus.Queue, tbus *telemetry.Bus, cfg Config, node string) *Factory {
	return &Factory{skills: skills, client: client, queue: queue, bus: tbus, cfg: cfg, node: node}
}

// For returns a fresh operator for the named skill.
func (f *Factory) For(skillID string) (*Operator, error) {
	s, ok := f.skills.Get(skillID)
	if !ok {
		return nil, fmt.Errorf("unknown skill %q", skillID)
	}
	return New(s, f.client, f.queue, f.bus, f.cfg, f.node), nil
}

// WithClient returns a copy of the factory using a different LLM client.
// Used for per-run client overrides.
func (f *Factory) WithClient(client llm.Client) *Factory {
	clone := *f
	clone.client = client
	return &clone
}

// Skills returns the ids of all skills the factory can build operators for.
func (f *Factory) Skills() []string {
	return f.skills.IDs()
}
