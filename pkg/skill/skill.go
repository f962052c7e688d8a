// Package skill defines the contract every monitored domain exposes to
// BeamLens: a cheap metric snapshot, a set of read-only callbacks, and the
// prompt material the operator LLM needs to investigate it.
package skill

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// DefaultCallbackTimeout bounds a single callback execution.
const DefaultCallbackTimeout = 5 * time.Second

// DefaultMaxResultBytes bounds the JSON-encoded size of a callback result.
const DefaultMaxResultBytes = 64 * 1024

// CallbackFunc is a named read-only tool function. It must be idempotent,
// must not mutate observable state, and must return a JSON-serializable
// value of bounded size.
type CallbackFunc func(ctx context.Context, args map[string]any) (any, error)

// Callback pairs a callback with its documentation.
type Callback struct {
	Name string
	Doc  string
	Fn   CallbackFunc
}

// Skill is the uniform interface every monitored domain satisfies.
// The core treats skills as opaque; the set of skills is fixed at start.
type Skill interface {
	// ID returns the unique skill identifier (e.g. "runtime").
	ID() string
	// Title returns the human-readable skill name.
	Title() string
	// Description returns a one-paragraph description for prompts.
	Description() string
	// SystemPrompt returns the LLM instructions for this domain.
	SystemPrompt() string
	// Snapshot returns a finite metric-name → value mapping.
	// Must be side-effect free and cheap (no I/O).
	Snapshot() map[string]float64
	// Callbacks returns the ordered set of read-only tool functions.
	Callbacks() []Callback
}

// CallbackDocs renders the callback documentation block handed to the LLM.
func CallbackDocs(s Skill) string {
	callbacks := s.Callbacks()
	if len(callbacks) == 0 {
		return "(no callbacks available)"
	}
	var b strings.Builder
	for _, cb := range callbacks {
		fmt.Fprintf(&b, "- %s: %s\n", cb.Name, cb.Doc)
	}
	return b.String()
}

// ExecuteCallback runs one named callback under the configured deadline and
// returns its JSON-encoded result. Unknown names, deadline expiry, callback
// errors, and non-encodable or oversized results all surface as errors.
func ExecuteCallback(ctx context.Context, s Skill, name string, args map[string]any, timeout time.Duration) (string, error) {
	var cb *Callback
	for i := range s.Callbacks() {
		if s.Callbacks()[i].Name == name {
			c := s.Callbacks()[i]
			cb = &c
			break
		}
	}
	if cb == nil {
		return "", fmt.Errorf("unknown callback %q on skill %s", name, s.ID())
	}

	if timeout <= 0 {
		timeout = DefaultCallbackTimeout
	}
	cbCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- outcome{err: fmt.Errorf("callback %s panicked: %v", name, r)}
			}
		}()
		v, err := cb.Fn(cbCtx, args)
		resultCh <- outcome{value: v, err: err}
	}()

	select {
	case <-cbCtx.Done():
		return "", fmt.Errorf("callback %s on skill %s: %w", name, s.ID(), cbCtx.Err())
	case out := <-resultCh:
		if out.err != nil {
			return "", fmt.Errorf("callback %s on skill %s: %w", name, s.ID(), out.err)
		}
		encoded, err := json.Marshal(out.value)
		if err != nil {
			return "", fmt.Errorf("callback %s returned non-encodable result: %w", name, err)
		}
		if len(encoded) > DefaultMaxResultBytes {
			return "", fmt.Errorf("callback %s result exceeds %d bytes", name, DefaultMaxResultBytes)
		}
		return string(encoded), nil
	}
}

// Registry holds the skills known at supervisor start, in registration order.
type Registry struct {
	order  []string
	skills map[string]Skill
}

// NewRegistry builds a registry from the given skills. Duplicate ids are
// rejected — each domain has exactly one skill.
func NewRegistry(skills ...Skill) (*Registry, error) {
	r := &Registry{skills: make(map[string]Skill, len(skills))}
	for _, s := range skills {
		if s.ID() == "" {
			return nil, fmt.Errorf("skill with empty id")
		}
		if _, dup := r.skills[s.ID()]; dup {
			return nil, fmt.Errorf("duplicate skill id %q", s.ID())
		}
		r.skills[s.ID()] = s
		r.order = append(r.order, s.ID())
	}
	return r, nil
}

// Get returns the skill registered under id.
func (r *Registry) Get(id string) (Skill, bool) {
	s, ok := r.skills[id]
	return s, ok
}

// IDs returns all skill ids in registration order.
func (r *Registry) IDs() []string {
	return append([]string(nil), r.order...)
}

// SortedIDs returns all skill ids in lexical order. Used where stable
// (skill, metric) ordering is required.
func (r *Registry) SortedIDs() []string {
	ids := r.IDs()
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered skills.
func (r *Registry) Len() int {
	return len(r.order)
}
