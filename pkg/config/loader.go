package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/beamlens/beamlens/pkg/breaker"
	"github.com/beamlens/beamlens/pkg/coordinator"
	"github.com/beamlens/beamlens/pkg/detector"
	"github.com/beamlens/beamlens/pkg/operator"
	"github.com/beamlens/beamlens/pkg/watcher"
)

// FileName is the configuration file looked up under the config directory.
const FileName = "beamlens.yaml"

// Initialize loads, merges, resolves and validates the configuration:
//  1. Read beamlens.yaml from configDir (a missing file means defaults only)
//  2. Expand {{.ENV_VAR}} references
//  3. Parse the YAML
//  4. Merge user settings over the built-in defaults
//  5. Resolve into component configs and validate
func Initialize(configDir string) (*Config, error) {
	path := filepath.Join(configDir, FileName)

	user := YAMLConfig{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Info("No configuration file found, using defaults", "path", path)
	case err != nil:
		return nil, &LoadError{Path: path, Err: err}
	default:
		if err := yaml.Unmarshal(ExpandEnv(data), &user); err != nil {
			return nil, &LoadError{Path: path, Err: err}
		}
	}

	defaults := defaultYAML()
	if err := mergo.Merge(&user, defaults); err != nil {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("merging defaults: %w", err)}
	}

	cfg := resolve(&user)
	if err := validate(cfg); err != nil {
		return nil, err
	}

	slog.Info("Configuration loaded",
		"node", cfg.Node,
		"skills", len(cfg.Skills),
		"watchers", len(cfg.Watchers),
		"schedules", len(cfg.Schedules),
		"trigger", cfg.AlertTrigger,
		"strategy", string(cfg.Coordinator.Strategy))
	return cfg, nil
}

// resolve converts the merged YAML surface into component configurations.
func resolve(y *YAMLConfig) *Config {
	cfg := &Config{
		Node:             y.Node,
		Listen:           y.Listen,
		Skills:           y.Skills,
		AlertTrigger:     y.AlertHandler.Trigger,
		MaxPendingAlerts: y.AlertHandler.MaxPending,
		Breaker:          resolveBreaker(y.CircuitBreaker),
		Monitor:          resolveMonitor(y.Monitor),
		Coordinator:      resolveCoordinator(y.Coordinator),
		Operator:         resolveOperator(y.Operator),
	}
	if y.Monitor != nil {
		cfg.PersistencePath = y.Monitor.PersistencePath
	}
	if y.ClientRegistry != nil {
		cfg.Registry = *y.ClientRegistry
	}
	if y.Cluster != nil {
		cfg.Cluster = ClusterConfig{
			Enabled:       y.Cluster.Enabled,
			RedisAddr:     y.Cluster.RedisAddr,
			RedisPassword: y.Cluster.RedisPassword,
			Topic:         y.Cluster.Topic,
		}
	}
	for _, w := range y.Watchers {
		cfg.Watchers = append(cfg.Watchers, resolveWatcher(w))
	}
	for _, sc := range y.Schedules {
		target := sc.Target
		if target == "" {
			target = "coordinator"
		}
		cfg.Schedules = append(cfg.Schedules, ScheduleSpec{
			Name:    sc.Name,
			Cron:    sc.Cron,
			Target:  target,
			Context: sc.Context,
		})
	}
	return cfg
}

// resolveWatcher applies the `{name, cron}` shorthand: skill defaults to the
// watcher name and every tuning knob falls back to the watcher defaults.
func resolveWatcher(w WatcherYAML) WatcherSpec {
	skillID := w.Skill
	if skillID == "" {
		skillID = w.Name
	}
	wc := watcher.DefaultWatcherConfig(w.Name, skillID)
	if w.MaxObservations > 0 {
		wc.MaxObservations = w.MaxObservations
	}
	if w.MaxAgeMinutes > 0 {
		wc.MaxAge = time.Duration(w.MaxAgeMinutes) * time.Minute
	}
	if w.MinRequiredObservations > 0 {
		wc.MinRequiredObservations = w.MinRequiredObservations
	}
	wc.Investigate = w.Investigate
	if w.InvestigationIterations > 0 {
		wc.InvestigationIterations = w.InvestigationIterations
	}
	return WatcherSpec{Config: wc, Cron: w.Cron}
}

func resolveBreaker(b *CircuitBreakerYAML) breaker.Config {
	cfg := breaker.DefaultConfig()
	if b == nil {
		return cfg
	}
	if b.Enabled != nil {
		cfg.Enabled = *b.Enabled
	}
	if b.FailureThreshold > 0 {
		cfg.FailureThreshold = b.FailureThreshold
	}
	if b.SuccessThreshold > 0 {
		cfg.SuccessThreshold = b.SuccessThreshold
	}
	if b.ResetTimeoutMs > 0 {
		cfg.ResetTimeout = msDuration(b.ResetTimeoutMs)
	}
	return cfg
}

func resolveMonitor(m *MonitorYAML) detector.Config {
	cfg := detector.DefaultConfig()
	if m == nil {
		return cfg
	}
	if m.Enabled != nil {
		cfg.Enabled = *m.Enabled
	}
	if m.CollectionIntervalMs > 0 {
		cfg.CollectionInterval = msDuration(m.CollectionIntervalMs)
	}
	if m.LearningDurationMs > 0 {
		cfg.LearningDuration = msDuration(m.LearningDurationMs)
	}
	if m.ZThreshold > 0 {
		cfg.ZThreshold = m.ZThreshold
	}
	if m.ConsecutiveRequired > 0 {
		cfg.ConsecutiveRequired = m.ConsecutiveRequired
	}
	if m.CooldownMs > 0 {
		cfg.Cooldown = msDuration(m.CooldownMs)
	}
	if m.HistoryMinutes > 0 {
		cfg.HistoryWindow = time.Duration(m.HistoryMinutes) * time.Minute
	}
	if m.MinRequiredSamples > 0 {
		cfg.MinRequiredSamples = m.MinRequiredSamples
	}
	return cfg
}

func resolveCoordinator(c *CoordinatorYAML) coordinator.Config {
	cfg := coordinator.DefaultCoordinatorConfig()
	if c == nil {
		return cfg
	}
	if c.Strategy != "" {
		cfg.Strategy = coordinator.Strategy(c.Strategy)
	}
	if c.MaxIterations > 0 {
		cfg.MaxIterations = c.MaxIterations
	}
	if c.DeadlineMs > 0 {
		cfg.Deadline = msDuration(c.DeadlineMs)
	}
	if c.CompactionMaxTokens > 0 {
		cfg.CompactionMaxTokens = c.CompactionMaxTokens
	}
	if c.CompactionKeepLast > 0 {
		cfg.CompactionKeepLast = c.CompactionKeepLast
	}
	return cfg
}

func resolveOperator(o *OperatorYAML) operator.Config {
	cfg := operator.DefaultOperatorConfig()
	cfg.CallbackTimeout = 5 * time.Second
	if o == nil {
		return cfg
	}
	if o.MaxIterations > 0 {
		cfg.MaxIterations = o.MaxIterations
	}
	if o.DeadlineMs > 0 {
		cfg.Deadline = msDuration(o.DeadlineMs)
	}
	if o.CallbackTimeoutMs > 0 {
		cfg.CallbackTimeout = msDuration(o.CallbackTimeoutMs)
	}
	return cfg
}

// validate reports every problem in one pass.
func validate(cfg *Config) error {
	verr := &ValidationError{}

	if cfg.Node == "" {
		verr.add("node must not be empty")
	}
	if cfg.AlertTrigger != TriggerOnAlert && cfg.AlertTrigger != TriggerManual {
		verr.add("alert_handler.trigger must be %q or %q, got %q",
			TriggerOnAlert, TriggerManual, cfg.AlertTrigger)
	}
	if cfg.MaxPendingAlerts < 0 {
		verr.add("alert_handler.max_pending must not be negative")
	}
	if s := cfg.Coordinator.Strategy; s != coordinator.StrategyAgentLoop && s != coordinator.StrategyPipeline {
		verr.add("coordinator.strategy must be %q or %q, got %q",
			coordinator.StrategyAgentLoop, coordinator.StrategyPipeline, s)
	}
	if cfg.Monitor.ZThreshold <= 0 {
		verr.add("monitor.z_threshold must be positive")
	}
	if cfg.Monitor.ConsecutiveRequired < 1 {
		verr.add("monitor.consecutive_required must be at least 1")
	}

	seenWatchers := make(map[string]bool)
	for _, w := range cfg.Watchers {
		if w.Name == "" {
			verr.add("watcher with empty name")
			continue
		}
		if seenWatchers[w.Name] {
			verr.add("duplicate watcher name %q", w.Name)
		}
		seenWatchers[w.Name] = true
		if _, err := cron.ParseStandard(w.Cron); err != nil {
			verr.add("watcher %s: invalid cron expression %q", w.Name, w.Cron)
		}
	}

	seenSchedules := make(map[string]bool)
	for _, sc := range cfg.Schedules {
		if sc.Name == "" {
			verr.add("schedule with empty name")
			continue
		}
		if seenSchedules[sc.Name] {
			verr.add("duplicate schedule name %q", sc.Name)
		}
		seenSchedules[sc.Name] = true
		if _, err := cron.ParseStandard(sc.Cron); err != nil {
			verr.add("schedule %s: invalid cron expression %q", sc.Name, sc.Cron)
		}
		if sc.Target == "" {
			verr.add("schedule %s: empty target", sc.Name)
		}
	}

	if len(cfg.Registry.Clients) > 0 {
		names := make(map[string]bool)
		for _, cc := range cfg.Registry.Clients {
			if cc.Name == "" {
				verr.add("client_registry: client with empty name")
				continue
			}
			if names[cc.Name] {
				verr.add("client_registry: duplicate client name %q", cc.Name)
			}
			names[cc.Name] = true
		}
		if cfg.Registry.Primary != "" && !names[cfg.Registry.Primary] {
			verr.add("client_registry: primary %q is not a configured client", cfg.Registry.Primary)
		}
	}

	if cfg.Cluster.Enabled && cfg.Cluster.RedisAddr == "" {
		verr.add("cluster: redis_addr required when enabled")
	}

	if len(verr.Problems) > 0 {
		return verr
	}
	return nil
}
