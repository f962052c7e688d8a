// Package models defines the data types shared across BeamLens components:
// notifications, insights, baselines, and metric samples.
package models

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Severity classifies how urgent a notification is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// Snapshot is a single point-in-time reading of a skill's metrics.
type Snapshot struct {
	TakenAt int64              `json:"taken_at"`
	Metrics map[string]float64 `json:"metrics"`
}

// Notification is the structured anomaly record produced by an operator or
// watcher and consumed by the coordinator. Immutable once created.
type Notification struct {
	ID          string     `json:"id"`
	Operator    string     `json:"operator"`
	AnomalyType string     `json:"anomaly_type"`
	Severity    Severity   `json:"severity"`
	Context     string     `json:"context"`
	Observation string     `json:"observation"`
	Hypothesis  string     `json:"hypothesis,omitempty"`
	Snapshots   []Snapshot `json:"snapshots,omitempty"`
	DetectedAt  int64      `json:"detected_at"`
	Node        string     `json:"node,omitempty"`

	// Findings is attached by the watcher's bounded investigation loop.
	Findings *WatcherFindings `json:"findings,omitempty"`
}

// Category returns the anomaly category: the prefix of AnomalyType before
// the first underscore ("memory_high" → "memory"). Used for watcher-side
// cooldown suppression.
func (n *Notification) Category() string {
	for i := 0; i < len(n.AnomalyType); i++ {
		if n.AnomalyType[i] == '_' {
			return n.AnomalyType[:i]
		}
	}
	return n.AnomalyType
}

// NewNotificationID returns a fresh 16-hex-character notification id.
func NewNotificationID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms; fall back to time.
		return fmt.Sprintf("%016x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

// NotificationStatus tracks a notification through the coordinator's inbox.
type NotificationStatus string

const (
	StatusUnread       NotificationStatus = "unread"
	StatusAcknowledged NotificationStatus = "acknowledged"
	StatusResolved     NotificationStatus = "resolved"
)

// Valid reports whether s is a known inbox status.
func (s NotificationStatus) Valid() bool {
	switch s {
	case StatusUnread, StatusAcknowledged, StatusResolved:
		return true
	}
	return false
}

// rank orders statuses for the monotonic-transition rule.
func (s NotificationStatus) rank() int {
	switch s {
	case StatusUnread:
		return 0
	case StatusAcknowledged:
		return 1
	case StatusResolved:
		return 2
	}
	return -1
}

// NotificationEntry wraps a notification with its coordinator-side status.
// Status is the only mutable field and only moves toward resolved.
type NotificationEntry struct {
	Notification *Notification      `json:"notification"`
	Status       NotificationStatus `json:"status"`
}

// NewNotificationEntry wraps n with the default unread status.
func NewNotificationEntry(n *Notification) *NotificationEntry {
	return &NotificationEntry{Notification: n, Status: StatusUnread}
}

// Transition moves the entry to the given status. Backward transitions
// (e.g. resolved → unread) are rejected.
func (e *NotificationEntry) Transition(to NotificationStatus) error {
	if !to.Valid() {
		return fmt.Errorf("unknown notification status %q", to)
	}
	if to.rank() < e.Status.rank() {
		return fmt.Errorf("cannot transition notification %s from %s back to %s",
			e.Notification.ID, e.Status, to)
	}
	e.Status = to
	return nil
}

// WatcherFindings is the structured payload produced by a watcher's bounded
// investigation loop, attached to the notification it emitted.
type WatcherFindings struct {
	Summary        string   `json:"summary"`
	Evidence       []string `json:"evidence,omitempty"`
	ToolsUsed      []string `json:"tools_used,omitempty"`
	Iterations     int      `json:"iterations"`
	InvestigatedAt int64    `json:"investigated_at"`
}

// NowMillis returns the current wall clock in unix milliseconds, the
// timestamp unit used throughout BeamLens.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
