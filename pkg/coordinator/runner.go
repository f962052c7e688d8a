package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beamlens/beamlens/pkg/models"
	"github.com/beamlens/beamlens/pkg/operator"
	"github.com/beamlens/beamlens/pkg/telemetry"
)

// resultsBuffer caps the completed-operator channel so child goroutines
// never block on delivery.
const resultsBuffer = 16

// messageTimeout bounds a synchronous message_operator exchange.
const messageTimeout = 30 * time.Second

// operatorResult is one child operator's outcome, crash included.
type operatorResult struct {
	Skill  string
	Result *operator.Result
	Err    error
}

type childOperator struct {
	op        *operator.Operator
	skill     string
	startedAt int64
	cancel    context.CancelFunc
	done      chan struct{}
}

// operatorRunner manages the child operators of one coordinator run:
// push-based result delivery over a buffered channel, per-child
// cancellation, and crash isolation. A crashing child never takes the
// coordinator down; it surfaces as an operatorResult with Err set.
type operatorRunner struct {
	parentCtx context.Context
	factory   *operator.Factory
	bus       *telemetry.Bus

	mu       sync.Mutex
	children map[string]*childOperator

	resultsCh chan operatorResult
	closeCh   chan struct{}
	closeOnce sync.Once
	pending   int32
}

// newOperatorRunner creates a runner rooted at parentCtx. Children derive
// their contexts from parentCtx, not from any per-iteration context, so
// they outlive individual coordinator iterations.
func newOperatorRunner(parentCtx context.Context, factory *operator.Factory, bus *telemetry.Bus) *operatorRunner {
	return &operatorRunner{
		parentCtx: parentCtx,
		factory:   factory,
		bus:       bus,
		children:  make(map[string]*childOperator),
		resultsCh: make(chan operatorResult, resultsBuffer),
		closeCh:   make(chan struct{}),
	}
}

// Invoke starts one child per unique skill that is not already running.
// Returns the skills actually started and per-skill errors for the rest.
func (r *operatorRunner) Invoke(skills []string, investigation string) (started []string, errs []string) {
	for _, skillID := range skills {
		r.mu.Lock()
		if _, running := r.children[skillID]; running {
			r.mu.Unlock()
			errs = append(errs, fmt.Sprintf("operator %s already running", skillID))
			continue
		}
		r.mu.Unlock()

		op, err := r.factory.For(skillID)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}

		childCtx, cancel := context.WithCancel(r.parentCtx)
		child := &childOperator{
			op:        op,
			skill:     skillID,
			startedAt: models.NowMillis(),
			cancel:    cancel,
			done:      make(chan struct{}),
		}
		r.mu.Lock()
		r.children[skillID] = child
		r.mu.Unlock()
		atomic.AddInt32(&r.pending, 1)

		go r.runChild(childCtx, cancel, child, investigation)
		started = append(started, skillID)
	}
	return started, errs
}

func (r *operatorRunner) runChild(ctx context.Context, cancel context.CancelFunc, child *childOperator, investigation string) {
	defer cancel()
	defer close(child.done)
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Operator panicked", "skill", child.skill, "panic", rec)
			r.bus.Emit(r.parentCtx, telemetry.EventCoordinatorOperatorCrashed, telemetry.Metadata{
				"skill":  child.skill,
				"reason": fmt.Sprint(rec),
			})
			r.complete(child, operatorResult{Skill: child.skill, Err: fmt.Errorf("operator %s crashed: %v", child.skill, rec)})
		}
	}()

	result, err := child.op.Run(ctx, investigation)
	r.complete(child, operatorResult{Skill: child.skill, Result: result, Err: err})
}

// complete removes the child and delivers its result. When closeCh is
// closed the coordinator is tearing down and the result is dropped.
func (r *operatorRunner) complete(child *childOperator, res operatorResult) {
	r.mu.Lock()
	delete(r.children, child.skill)
	r.mu.Unlock()

	select {
	case r.resultsCh <- res:
	case <-r.closeCh:
		atomic.AddInt32(&r.pending, -1)
	}
}

// HasRunning reports whether any child is still executing.
func (r *operatorRunner) HasRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.children) > 0
}

// HasPending reports whether any completed result has not been consumed.
func (r *operatorRunner) HasPending() bool {
	return atomic.LoadInt32(&r.pending) > 0
}

// Statuses returns a snapshot of every running child.
func (r *operatorRunner) Statuses() []operator.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]operator.Status, 0, len(r.children))
	for _, child := range r.children {
		out = append(out, operator.Status{
			Skill:     child.skill,
			Running:   true,
			StartedAt: child.startedAt,
		})
	}
	return out
}

// Message queries a running child synchronously. Errors, including the
// child not running, come back as errors for the caller to encode as tool
// results.
func (r *operatorRunner) Message(skillID, text string) (string, error) {
	r.mu.Lock()
	child, ok := r.children[skillID]
	r.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("operator %s is not running", skillID)
	}

	msgCtx, cancel := context.WithTimeout(r.parentCtx, messageTimeout)
	defer cancel()
	return child.op.Message(msgCtx, text)
}

// TryNext returns a completed result without blocking.
func (r *operatorRunner) TryNext() (operatorResult, bool) {
	select {
	case res := <-r.resultsCh:
		atomic.AddInt32(&r.pending, -1)
		return res, true
	default:
		return operatorResult{}, false
	}
}

// WaitNext blocks until a result is available or ctx fires.
func (r *operatorRunner) WaitNext(ctx context.Context) (operatorResult, error) {
	select {
	case res := <-r.resultsCh:
		atomic.AddInt32(&r.pending, -1)
		return res, nil
	case <-ctx.Done():
		return operatorResult{}, ctx.Err()
	}
}

// CancelAll cancels every running child and signals undelivered results to
// be dropped. Idempotent.
func (r *operatorRunner) CancelAll() {
	r.closeOnce.Do(func() { close(r.closeCh) })

	r.mu.Lock()
	children := make([]*childOperator, 0, len(r.children))
	for _, child := range r.children {
		children = append(children, child)
	}
	r.mu.Unlock()

	for _, child := range children {
		child.cancel()
	}
}

// WaitAll blocks until every child goroutine has exited or ctx fires.
func (r *operatorRunner) WaitAll(ctx context.Context) {
	r.mu.Lock()
	children := make([]*childOperator, 0, len(r.children))
	for _, child := range r.children {
		children = append(children, child)
	}
	r.mu.Unlock()

	for _, child := range children {
		select {
		case <-child.done:
		case <-ctx.Done():
			return
		}
	}
}
