// Package sched runs named cron-scheduled handlers with overlap guarding.
//
// Expressions use the standard 5-field cron syntax (minute granularity,
// process-local time); per-entry goroutines sleep until the next fire.
package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/beamlens/beamlens/pkg/models"
	"github.com/beamlens/beamlens/pkg/telemetry"
)

var (
	// ErrAlreadyRunning is returned by RunNow while the handler executes.
	ErrAlreadyRunning = errors.New("already_running")
	// ErrNotFound is returned for unknown schedule names.
	ErrNotFound = errors.New("not_found")
)

// Handler is one schedule's work function.
type Handler func(ctx context.Context) error

// Schedule declares one cron entry.
type Schedule struct {
	Name     string
	CronExpr string
	Handler  Handler
}

// EntryStatus is a point-in-time view of one schedule.
type EntryStatus struct {
	Name        string `json:"name"`
	CronExpr    string `json:"cron_expr"`
	Running     bool   `json:"running"`
	LastRunAt   int64  `json:"last_run_at,omitempty"`
	LastOutcome string `json:"last_outcome,omitempty"`
	NextRunAt   int64  `json:"next_run_at,omitempty"`
}

type entry struct {
	name     string
	expr     string
	schedule cron.Schedule
	handler  Handler

	mu          sync.Mutex
	running     bool
	lastRunAt   int64
	lastOutcome string
}

// Scheduler owns a set of cron entries. Add before Start; Stop waits for
// in-flight handlers.
type Scheduler struct {
	bus *telemetry.Bus

	mu      sync.Mutex
	entries map[string]*entry
	order   []string
	started bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates an empty scheduler.
func New(bus *telemetry.Bus) *Scheduler {
	return &Scheduler{
		bus:     bus,
		entries: make(map[string]*entry),
		stopCh:  make(chan struct{}),
	}
}

// Add registers a schedule. The expression must be valid 5-field cron.
func (s *Scheduler) Add(sc Schedule) error {
	if sc.Name == "" {
		return fmt.Errorf("schedule with empty name")
	}
	parsed, err := cron.ParseStandard(sc.CronExpr)
	if err != nil {
		return fmt.Errorf("schedule %s: invalid cron expression %q: %w", sc.Name, sc.CronExpr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[sc.Name]; dup {
		return fmt.Errorf("duplicate schedule name %q", sc.Name)
	}
	e := &entry{name: sc.Name, expr: sc.CronExpr, schedule: parsed, handler: sc.Handler}
	s.entries[sc.Name] = e
	s.order = append(s.order, sc.Name)
	if s.started {
		s.wg.Add(1)
		go s.runEntry(context.Background(), e)
	}
	return nil
}

// Start launches one timing goroutine per entry.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	for _, name := range s.order {
		e := s.entries[name]
		s.wg.Add(1)
		go s.runEntry(ctx, e)
	}
}

// Stop shuts down the timing loops and waits for in-flight handlers.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// runEntry sleeps until each computed fire time and triggers the handler.
func (s *Scheduler) runEntry(ctx context.Context, e *entry) {
	defer s.wg.Done()
	for {
		next := e.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-timer.C:
			s.fire(ctx, e)
		case <-s.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// fire runs the handler unless the previous run is still in progress.
func (s *Scheduler) fire(ctx context.Context, e *entry) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		s.bus.Emit(ctx, telemetry.EventScheduleSkipped, telemetry.Metadata{
			"name": e.name, "reason": "already_running",
		})
		return
	}
	e.running = true
	e.lastRunAt = models.NowMillis()
	e.mu.Unlock()

	s.bus.Emit(ctx, telemetry.EventScheduleTriggered, telemetry.Metadata{"name": e.name})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var err error
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					err = fmt.Errorf("handler panicked: %v", rec)
				}
			}()
			err = e.handler(telemetry.EnsureTraceID(ctx))
		}()

		outcome := "completed"
		if err != nil {
			outcome = "failed"
		}
		e.mu.Lock()
		e.running = false
		e.lastOutcome = outcome
		e.mu.Unlock()

		if err != nil {
			slog.Warn("Scheduled handler failed", "name", e.name, "error", err)
			s.bus.Emit(ctx, telemetry.EventScheduleFailed, telemetry.Metadata{
				"name": e.name, "reason": err.Error(),
			})
			return
		}
		s.bus.Emit(ctx, telemetry.EventScheduleCompleted, telemetry.Metadata{"name": e.name})
	}()
}

// RunNow fires the named schedule immediately unless it is already running.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("schedule %q: %w", name, ErrNotFound)
	}

	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if running {
		return fmt.Errorf("schedule %q: %w", name, ErrAlreadyRunning)
	}
	s.fire(context.Background(), e)
	return nil
}

// List returns schedule names in registration order.
func (s *Scheduler) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Status returns the status of one schedule.
func (s *Scheduler) Status(name string) (EntryStatus, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return EntryStatus{}, fmt.Errorf("schedule %q: %w", name, ErrNotFound)
	}
	return e.status(), nil
}

// Statuses returns every schedule's status in registration order.
func (s *Scheduler) Statuses() []EntryStatus {
	s.mu.Lock()
	names := append([]string(nil), s.order...)
	entries := make([]*entry, len(names))
	for i, name := range names {
		entries[i] = s.entries[name]
	}
	s.mu.Unlock()

	out := make([]EntryStatus, len(entries))
	for i, e := range entries {
		out[i] = e.status()
	}
	return out
}

func (e *entry) status() EntryStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EntryStatus{
		Name:        e.name,
		CronExpr:    e.expr,
		Running:     e.running,
		LastRunAt:   e.lastRunAt,
		LastOutcome: e.lastOutcome,
		NextRunAt:   e.schedule.Next(time.Now()).UnixMilli(),
	}
}
