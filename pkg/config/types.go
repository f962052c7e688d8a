// Package config loads and validates the beamlens.yaml configuration:
// skills, watchers and schedules, the LLM client registry, circuit-breaker
// and detector tuning, and the coordinator strategy.
package config

import (
	"time"

	"github.com/beamlens/beamlens/pkg/breaker"
	"github.com/beamlens/beamlens/pkg/coordinator"
	"github.com/beamlens/beamlens/pkg/detector"
	"github.com/beamlens/beamlens/pkg/llm"
	"github.com/beamlens/beamlens/pkg/operator"
	"github.com/beamlens/beamlens/pkg/watcher"
)

// YAMLConfig is the raw beamlens.yaml file structure. Durations are carried
// as milliseconds; Resolve converts them into component configs.
type YAMLConfig struct {
	Node           string              `yaml:"node"`
	Listen         string              `yaml:"listen"`
	Skills         []string            `yaml:"skills"`
	Watchers       []WatcherYAML       `yaml:"watchers"`
	Schedules      []ScheduleYAML      `yaml:"schedules"`
	AlertHandler   *AlertHandlerYAML   `yaml:"alert_handler"`
	CircuitBreaker *CircuitBreakerYAML `yaml:"circuit_breaker"`
	Monitor        *MonitorYAML        `yaml:"monitor"`
	ClientRegistry *llm.RegistryConfig `yaml:"client_registry"`
	Coordinator    *CoordinatorYAML    `yaml:"coordinator"`
	Operator       *OperatorYAML       `yaml:"operator"`
	Cluster        *ClusterYAML        `yaml:"cluster"`
}

// WatcherYAML supports the shorthand `{name, cron}` (skill defaults to the
// watcher name) or the full form.
type WatcherYAML struct {
	Name                    string `yaml:"name"`
	Cron                    string `yaml:"cron"`
	Skill                   string `yaml:"skill"`
	MaxObservations         int    `yaml:"max_observations"`
	MaxAgeMinutes           int    `yaml:"max_age_minutes"`
	MinRequiredObservations int    `yaml:"min_required_observations"`
	Investigate             bool   `yaml:"investigate"`
	InvestigationIterations int    `yaml:"investigation_iterations"`
}

// ScheduleYAML declares a plain cron entry whose handler invokes the
// coordinator ("coordinator") or one operator (a skill id).
type ScheduleYAML struct {
	Name    string `yaml:"name"`
	Cron    string `yaml:"cron"`
	Target  string `yaml:"target"`
	Context string `yaml:"context"`
}

// AlertHandlerYAML configures how bus alerts trigger investigations.
type AlertHandlerYAML struct {
	Trigger    string `yaml:"trigger"` // on_alert | manual
	MaxPending int    `yaml:"max_pending"`
}

// CircuitBreakerYAML is the circuit_breaker YAML surface.
type CircuitBreakerYAML struct {
	Enabled          *bool `yaml:"enabled"`
	FailureThreshold int   `yaml:"failure_threshold"`
	ResetTimeoutMs   int64 `yaml:"reset_timeout_ms"`
	SuccessThreshold int   `yaml:"success_threshold"`
}

// MonitorYAML is the statistical detector YAML surface.
type MonitorYAML struct {
	Enabled              *bool   `yaml:"enabled"`
	CollectionIntervalMs int64   `yaml:"collection_interval_ms"`
	LearningDurationMs   int64   `yaml:"learning_duration_ms"`
	ZThreshold           float64 `yaml:"z_threshold"`
	ConsecutiveRequired  int     `yaml:"consecutive_required"`
	CooldownMs           int64   `yaml:"cooldown_ms"`
	HistoryMinutes       int     `yaml:"history_minutes"`
	MinRequiredSamples   int     `yaml:"min_required_samples"`
	PersistencePath      string  `yaml:"persistence_path"`
}

// CoordinatorYAML is the coordinator YAML surface.
type CoordinatorYAML struct {
	Strategy            string `yaml:"strategy"`
	MaxIterations       int    `yaml:"max_iterations"`
	DeadlineMs          int64  `yaml:"deadline_ms"`
	CompactionMaxTokens int    `yaml:"compaction_max_tokens"`
	CompactionKeepLast  int    `yaml:"compaction_keep_last"`
}

// OperatorYAML is the operator YAML surface.
type OperatorYAML struct {
	MaxIterations     int   `yaml:"max_iterations"`
	DeadlineMs        int64 `yaml:"deadline_ms"`
	CallbackTimeoutMs int64 `yaml:"callback_timeout_ms"`
}

// ClusterYAML configures the optional Redis alert fan-out.
type ClusterYAML struct {
	Enabled       bool   `yaml:"enabled"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	Topic         string `yaml:"topic"`
}

// Alert-handler trigger modes.
const (
	TriggerOnAlert = "on_alert"
	TriggerManual  = "manual"
)

// WatcherSpec pairs a resolved watcher config with its cron expression.
type WatcherSpec struct {
	watcher.Config
	Cron string
}

// ScheduleSpec is a resolved plain schedule.
type ScheduleSpec struct {
	Name    string
	Cron    string
	Target  string
	Context string
}

// ClusterConfig is the resolved cluster fan-out configuration.
type ClusterConfig struct {
	Enabled       bool
	RedisAddr     string
	RedisPassword string
	Topic         string
}

// Config is the fully-resolved runtime configuration.
type Config struct {
	Node             string
	Listen           string
	Skills           []string
	Watchers         []WatcherSpec
	Schedules        []ScheduleSpec
	AlertTrigger     string
	MaxPendingAlerts int
	Breaker          breaker.Config
	Monitor          detector.Config
	PersistencePath  string
	Registry         llm.RegistryConfig
	Coordinator      coordinator.Config
	Operator         operator.Config
	Cluster          ClusterConfig
}

func msDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
