package config

// boolPtr is a small helper for optional YAML booleans.
func boolPtr(b bool) *bool { return &b }

// defaultYAML returns the built-in configuration. User YAML merges on top;
// zero-valued user fields fall back to these.
func defaultYAML() YAMLConfig {
	return YAMLConfig{
		Node:   "beamlens",
		Listen: ":8080",
		Skills: []string{"runtime"},
		AlertHandler: &AlertHandlerYAML{
			Trigger:    TriggerManual,
			MaxPending: 1000,
		},
		CircuitBreaker: &CircuitBreakerYAML{
			Enabled:          boolPtr(true),
			FailureThreshold: 5,
			ResetTimeoutMs:   60_000,
			SuccessThreshold: 2,
		},
		Monitor: &MonitorYAML{
			Enabled:              boolPtr(true),
			CollectionIntervalMs: 30_000,
			LearningDurationMs:   30 * 60_000,
			ZThreshold:           3.0,
			ConsecutiveRequired:  3,
			CooldownMs:           5 * 60_000,
			HistoryMinutes:       60,
			MinRequiredSamples:   10,
		},
		Coordinator: &CoordinatorYAML{
			Strategy:            "agent_loop",
			MaxIterations:       25,
			DeadlineMs:          5 * 60_000,
			CompactionMaxTokens: 50_000,
			CompactionKeepLast:  5,
		},
		Operator: &OperatorYAML{
			MaxIterations:     25,
			CallbackTimeoutMs: 5_000,
		},
		Cluster: &ClusterYAML{
			Topic: "beamlens:alerts",
		},
	}
}
