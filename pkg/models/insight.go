package models

// CorrelationType classifies how an insight's notifications relate.
type CorrelationType string

const (
	CorrelationCausal      CorrelationType = "causal"
	CorrelationTemporal    CorrelationType = "temporal"
	CorrelationSymptomatic CorrelationType = "symptomatic"
)

// Valid reports whether c is a known correlation type.
func (c CorrelationType) Valid() bool {
	switch c {
	case CorrelationCausal, CorrelationTemporal, CorrelationSymptomatic:
		return true
	}
	return false
}

// Confidence expresses how certain the LLM is about a classification.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Valid reports whether c is a known confidence level.
func (c Confidence) Valid() bool {
	switch c {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
		return true
	}
	return false
}

// Insight is the coordinator's correlated explanation of one or more
// notifications. NotificationIDs always reference notifications that were
// present in the coordinator's inbox when the insight was produced.
type Insight struct {
	ID                  string          `json:"id"`
	NotificationIDs     []string        `json:"notification_ids"`
	CorrelationType     CorrelationType `json:"correlation_type"`
	Summary             string          `json:"summary"`
	RootCauseHypothesis string          `json:"root_cause_hypothesis,omitempty"`
	MatchedObservations []string        `json:"matched_observations,omitempty"`
	HypothesisGrounded  bool            `json:"hypothesis_grounded"`
	Confidence          Confidence      `json:"confidence"`
	CreatedAt           int64           `json:"created_at"`
}
