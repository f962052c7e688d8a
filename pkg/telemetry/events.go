package telemetry

// Event catalogue. Components emit only names listed here so that handlers
// can subscribe by exact name without scanning for typos.
const (
	// Agent spans (operator runs).
	EventAgentStart     = "agent.start"
	EventAgentStop      = "agent.stop"
	EventAgentException = "agent.exception"

	// LLM call spans.
	EventLLMStart     = "llm.start"
	EventLLMStop      = "llm.stop"
	EventLLMException = "llm.exception"

	// Tool execution spans.
	EventToolStart     = "tool.start"
	EventToolStop      = "tool.stop"
	EventToolException = "tool.exception"

	// Judge spans (baseline-LLM watcher classification).
	EventJudgeStart     = "judge.start"
	EventJudgeStop      = "judge.stop"
	EventJudgeException = "judge.exception"

	// Scheduler lifecycle.
	EventScheduleTriggered = "schedule.triggered"
	EventScheduleSkipped   = "schedule.skipped"
	EventScheduleCompleted = "schedule.completed"
	EventScheduleFailed    = "schedule.failed"

	// Watcher lifecycle.
	EventWatcherCollecting = "watcher.baseline_collecting"
	EventWatcherObserving  = "watcher.continue_observing"
	EventWatcherHealthy    = "watcher.report_healthy"
	EventWatcherAnomaly    = "watcher.report_anomaly"
	EventWatcherSuppressed = "watcher.anomaly_suppressed"

	// Alert handler / bus.
	EventAlertFired   = "alert_handler.alert_fired"
	EventAlertDropped = "alert_handler.alert_dropped"

	// Circuit breaker.
	EventBreakerStateChange = "circuit_breaker.state_change"
	EventBreakerRejected    = "circuit_breaker.rejected"

	// Coordinator loop.
	EventCoordinatorIterationStart   = "coordinator.iteration_start"
	EventCoordinatorInsightProduced  = "coordinator.insight_produced"
	EventCoordinatorDone             = "coordinator.done"
	EventCoordinatorDoneRejected     = "coordinator.done_rejected"
	EventCoordinatorScheduleRejected = "coordinator.schedule_rejected"
	EventCoordinatorLLMError         = "coordinator.llm_error"
	EventCoordinatorOperatorComplete = "coordinator.operator_complete"
	EventCoordinatorOperatorCrashed  = "coordinator.operator_crashed"
	EventCoordinatorMaxIterations    = "coordinator.max_iterations_reached"
	EventCoordinatorCancelled        = "coordinator.cancelled"
	EventCoordinatorDeadline         = "coordinator.deadline_exceeded"

	// Operator loop.
	EventOperatorMaxIterations = "operator.max_iterations_reached"

	// Anomaly detector.
	EventDetectorLearningComplete = "detector.learning_complete"
	EventDetectorTriggered        = "detector.triggered"
	EventDetectorCooldownOver     = "detector.cooldown_over"
)
