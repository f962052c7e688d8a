// Package supervisor wires the BeamLens components together: skills, the
// telemetry bus, the breaker-gated LLM client, stores, the detector,
// watchers, schedules, the optional cluster forwarder, and the coordinator.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/beamlens/beamlens/pkg/breaker"
	"github.com/beamlens/beamlens/pkg/bus"
	"github.com/beamlens/beamlens/pkg/config"
	"github.com/beamlens/beamlens/pkg/coordinator"
	"github.com/beamlens/beamlens/pkg/detector"
	"github.com/beamlens/beamlens/pkg/llm"
	"github.com/beamlens/beamlens/pkg/metrics"
	"github.com/beamlens/beamlens/pkg/models"
	"github.com/beamlens/beamlens/pkg/operator"
	"github.com/beamlens/beamlens/pkg/sched"
	"github.com/beamlens/beamlens/pkg/skill"
	"github.com/beamlens/beamlens/pkg/telemetry"
	"github.com/beamlens/beamlens/pkg/watcher"
)

// ErrNoAlerts is returned by Investigate when the queue is empty and no run
// context was supplied.
var ErrNoAlerts = errors.New("no_alerts")

// ErrUnknownWatcher is returned for watcher names not in the configuration.
var ErrUnknownWatcher = errors.New("unknown_watcher")

// Option customizes supervisor startup.
type Option func(*options)

type options struct {
	skills []skill.Skill
	client llm.Client
	redis  redis.UniversalClient
}

// WithSkills registers custom skills alongside the built-ins named in the
// configuration.
func WithSkills(skills ...skill.Skill) Option {
	return func(o *options) { o.skills = append(o.skills, skills...) }
}

// WithClient bypasses the client registry and uses the given LLM client.
// The client is still breaker-gated.
func WithClient(c llm.Client) Option {
	return func(o *options) { o.client = c }
}

// WithRedis supplies a pre-built Redis client for the cluster forwarder
// instead of dialing cfg.Cluster.RedisAddr.
func WithRedis(rdb redis.UniversalClient) Option {
	return func(o *options) { o.redis = rdb }
}

// Supervisor owns the assembled component graph.
type Supervisor struct {
	cfg       *config.Config
	registry  *skill.Registry
	tbus      *telemetry.Bus
	brk       *breaker.Breaker
	client    llm.Client
	queue     *bus.Queue
	store     *metrics.Store
	baselines *metrics.BaselineStore
	detector  *detector.Detector
	watchers  map[string]*watcher.Watcher
	scheduler *sched.Scheduler
	forwarder *bus.Forwarder
	coord     *coordinator.Coordinator
	factory   *operator.Factory

	cancel   context.CancelFunc
	stopOnce sync.Once
}

// Start assembles and launches every configured component. The returned
// supervisor keeps running until Stop.
func Start(ctx context.Context, cfg *config.Config, opts ...Option) (*Supervisor, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	registry, err := buildSkills(cfg, o.skills)
	if err != nil {
		return nil, err
	}

	tbus := telemetry.NewBus()
	brk := breaker.New(cfg.Breaker, tbus)

	inner := o.client
	if inner == nil {
		reg, err := llm.NewRegistry(cfg.Registry)
		if err != nil {
			return nil, fmt.Errorf("building client registry: %w", err)
		}
		inner = reg.Primary()
	}
	client := llm.NewGated(inner, brk, tbus, 0)

	queue := bus.NewQueue(tbus, cfg.MaxPendingAlerts)

	baselines := metrics.NewBaselineStore(cfg.PersistencePath)
	if err := baselines.Load(); err != nil {
		return nil, err
	}
	store := metrics.NewStore(cfg.Monitor.HistoryWindow, historyCapacity(cfg.Monitor))

	factory := operator.NewFactory(registry, client, queue, tbus, cfg.Operator, cfg.Node)
	coord := coordinator.New(client, factory, tbus, cfg.Coordinator, cfg.Node)

	runCtx, cancel := context.WithCancel(ctx)
	s := &Supervisor{
		cfg:       cfg,
		registry:  registry,
		tbus:      tbus,
		brk:       brk,
		client:    client,
		queue:     queue,
		store:     store,
		baselines: baselines,
		watchers:  make(map[string]*watcher.Watcher),
		scheduler: sched.New(tbus),
		coord:     coord,
		factory:   factory,
		cancel:    cancel,
	}

	if cfg.Monitor.Enabled {
		s.detector = detector.New(cfg.Monitor, registry, store, baselines, queue, tbus, cfg.Node)
		s.detector.Start(runCtx)
	}

	if err := s.addWatchers(cfg); err != nil {
		cancel()
		return nil, err
	}
	if err := s.addSchedules(cfg); err != nil {
		cancel()
		return nil, err
	}
	s.scheduler.Start(runCtx)

	if cfg.Cluster.Enabled {
		rdb := o.redis
		if rdb == nil {
			rdb = redis.NewClient(&redis.Options{
				Addr:     cfg.Cluster.RedisAddr,
				Password: cfg.Cluster.RedisPassword,
			})
		}
		s.forwarder = bus.NewForwarder(cfg.Node, cfg.Cluster.Topic, rdb, queue, tbus)
		if err := s.forwarder.Start(runCtx); err != nil {
			s.Stop()
			return nil, err
		}
	}

	if cfg.AlertTrigger == config.TriggerOnAlert {
		go s.consumeAlerts(runCtx)
	}

	slog.Info("Supervisor started",
		"node", cfg.Node,
		"skills", registry.IDs(),
		"watchers", len(s.watchers),
		"detector", cfg.Monitor.Enabled,
		"cluster", cfg.Cluster.Enabled,
		"trigger", cfg.AlertTrigger)
	return s, nil
}

// buildSkills resolves configured skill ids against the built-ins and any
// custom skills supplied through options. Customs are always registered.
func buildSkills(cfg *config.Config, custom []skill.Skill) (*skill.Registry, error) {
	byID := make(map[string]skill.Skill)
	ordered := make([]skill.Skill, 0, len(custom)+len(cfg.Skills))
	for _, s := range custom {
		if _, dup := byID[s.ID()]; dup {
			return nil, fmt.Errorf("duplicate custom skill id %q", s.ID())
		}
		byID[s.ID()] = s
		ordered = append(ordered, s)
	}
	for _, id := range cfg.Skills {
		if _, ok := byID[id]; ok {
			continue
		}
		var s skill.Skill
		switch id {
		case "runtime":
			s = skill.NewRuntimeSkill()
		case "tables":
			s = skill.NewTablesSkill()
		default:
			return nil, fmt.Errorf("unknown skill %q: not a built-in and not registered via WithSkills", id)
		}
		byID[id] = s
		ordered = append(ordered, s)
	}
	return skill.NewRegistry(ordered...)
}

// historyCapacity sizes the per-key sample window from the learning window
// and collection cadence.
func historyCapacity(m detector.Config) int {
	if m.CollectionInterval <= 0 {
		return 0
	}
	return int(m.HistoryWindow/m.CollectionInterval) + 1
}

func (s *Supervisor) addWatchers(cfg *config.Config) error {
	for _, spec := range cfg.Watchers {
		sk, ok := s.registry.Get(spec.Skill)
		if !ok {
			return fmt.Errorf("watcher %s: unknown skill %q", spec.Name, spec.Skill)
		}
		w := watcher.New(spec.Config, sk, s.client, s.queue, s.tbus, s.cfg.Node)
		s.watchers[spec.Name] = w
		if err := s.scheduler.Add(sched.Schedule{
			Name:     "watcher:" + spec.Name,
			CronExpr: spec.Cron,
			Handler:  w.Tick,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) addSchedules(cfg *config.Config) error {
	for _, spec := range cfg.Schedules {
		handler, err := s.scheduleHandler(spec)
		if err != nil {
			return err
		}
		if err := s.scheduler.Add(sched.Schedule{
			Name:     spec.Name,
			CronExpr: spec.Cron,
			Handler:  handler,
		}); err != nil {
			return err
		}
	}
	return nil
}

// scheduleHandler binds a plain schedule to its target: the coordinator or
// a single operator.
func (s *Supervisor) scheduleHandler(spec config.ScheduleSpec) (sched.Handler, error) {
	if spec.Target == "coordinator" {
		runContext := map[string]string{"reason": spec.Name}
		if spec.Context != "" {
			runContext["context"] = spec.Context
		}
		return func(ctx context.Context) error {
			_, err := s.Investigate(ctx, runContext)
			if errors.Is(err, ErrNoAlerts) {
				return nil
			}
			return err
		}, nil
	}
	if _, ok := s.registry.Get(spec.Target); !ok {
		return nil, fmt.Errorf("schedule %s: unknown target %q", spec.Name, spec.Target)
	}
	return func(ctx context.Context) error {
		op, err := s.factory.For(spec.Target)
		if err != nil {
			return err
		}
		_, err = op.Run(ctx, spec.Context)
		return err
	}, nil
}

// consumeAlerts drives on_alert triggering: every fired alert kicks an
// investigation that drains whatever is pending at that moment.
func (s *Supervisor) consumeAlerts(ctx context.Context) {
	alerts := s.queue.Subscribe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-alerts:
			if !ok {
				return
			}
			if !s.queue.Pending() {
				continue // an earlier investigation already drained it
			}
			if _, err := s.Investigate(ctx, nil); err != nil && !errors.Is(err, ErrNoAlerts) {
				slog.Warn("Alert-triggered investigation failed", "error", err)
			}
		}
	}
}

// Investigate drains pending notifications and runs the coordinator over
// them. With an empty queue and no run context it returns ErrNoAlerts.
func (s *Supervisor) Investigate(ctx context.Context, runContext map[string]string) (*coordinator.RunResult, error) {
	drained := s.queue.TakeAll()
	if len(drained) == 0 && len(runContext) == 0 {
		return nil, ErrNoAlerts
	}
	return s.coord.Run(ctx, runContext, coordinator.Options{Notifications: drained})
}

// RunAsync fires one operator investigation without blocking. A single
// operator.Completion is delivered on completions when the run finishes;
// the send is abandoned if ctx is cancelled first. Notifications produced
// by the run still reach the alert queue.
func (s *Supervisor) RunAsync(ctx context.Context, skillID, investigation string, completions chan<- operator.Completion) error {
	op, err := s.factory.For(skillID)
	if err != nil {
		return err
	}
	op.RunAsync(ctx, investigation, completions)
	return nil
}

// Ask runs the coordinator for an ad-hoc query without touching the alert
// queue. strategy "" uses the configured default.
func (s *Supervisor) Ask(ctx context.Context, query string, strategy coordinator.Strategy) (*coordinator.RunResult, error) {
	return s.coord.Run(ctx, map[string]string{"query": query}, coordinator.Options{Strategy: strategy})
}

// PendingAlerts returns the queued notifications without draining them.
func (s *Supervisor) PendingAlerts() []*models.Notification {
	return s.queue.Peek()
}

// Skills returns the registered skill ids.
func (s *Supervisor) Skills() []string { return s.registry.IDs() }

// ListWatchers returns every watcher's status, ordered by name.
func (s *Supervisor) ListWatchers() []watcher.Status {
	names := make([]string, 0, len(s.watchers))
	for name := range s.watchers {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]watcher.Status, 0, len(names))
	for _, name := range names {
		out = append(out, s.watchers[name].Status())
	}
	return out
}

// WatcherStatus returns one watcher's status.
func (s *Supervisor) WatcherStatus(name string) (watcher.Status, error) {
	w, ok := s.watchers[name]
	if !ok {
		return watcher.Status{}, fmt.Errorf("watcher %q: %w", name, ErrUnknownWatcher)
	}
	return w.Status(), nil
}

// TriggerWatcher fires a watcher tick immediately, honoring the scheduler's
// overlap guard.
func (s *Supervisor) TriggerWatcher(name string) error {
	if _, ok := s.watchers[name]; !ok {
		return fmt.Errorf("watcher %q: %w", name, ErrUnknownWatcher)
	}
	return s.scheduler.RunNow("watcher:" + name)
}

// Schedules returns the status of every schedule, watchers included.
func (s *Supervisor) Schedules() []sched.EntryStatus {
	return s.scheduler.Statuses()
}

// RunSchedule fires a schedule immediately.
func (s *Supervisor) RunSchedule(name string) error {
	return s.scheduler.RunNow(name)
}

// CircuitBreakerState returns the shared breaker snapshot.
func (s *Supervisor) CircuitBreakerState() breaker.Snapshot {
	return s.brk.GetState()
}

// ResetCircuitBreaker force-closes the breaker.
func (s *Supervisor) ResetCircuitBreaker() {
	s.brk.Reset()
}

// DetectorStatus returns the detector state; ok is false when the monitor
// is disabled.
func (s *Supervisor) DetectorStatus() (detector.Status, bool) {
	if s.detector == nil {
		return detector.Status{}, false
	}
	return s.detector.Status(), true
}

// Baselines returns the learned baselines keyed by "skill/metric".
func (s *Supervisor) Baselines() map[string]models.Baseline {
	return s.baselines.All()
}

// CoordinatorStatus returns the coordinator's worker status.
func (s *Supervisor) CoordinatorStatus() coordinator.Status {
	return s.coord.Status()
}

// Telemetry exposes the bus for handler attachment.
func (s *Supervisor) Telemetry() *telemetry.Bus { return s.tbus }

// Node returns the configured node identifier.
func (s *Supervisor) Node() string { return s.cfg.Node }

// Stop shuts the component graph down: schedules first so no new work
// starts, then the detector, forwarder and coordinator, and finally a
// baseline flush.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		s.scheduler.Stop()
		if s.detector != nil {
			s.detector.Stop()
		}
		if s.forwarder != nil {
			s.forwarder.Stop()
		}
		s.coord.Stop()
		if err := s.baselines.Flush(); err != nil {
			slog.Warn("Failed to flush baselines on shutdown", "error", err)
		}
		s.cancel()
		slog.Info("Supervisor stopped", "node", s.cfg.Node)
	})
}
