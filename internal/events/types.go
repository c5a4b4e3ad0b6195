// Package events carries health and alert events from the recording core to
// observers: the log, metrics, notifications, MQTT, the chunk catalog and
// replication. Publishing never blocks the publisher.
package events

import (
	"fmt"
	"time"
)

// Kind identifies a health event
type Kind string

const (
	KindStallDetected   Kind = "STALL_DETECTED"
	KindRecoveryAttempt Kind = "RECOVERY_ATTEMPT"
	KindRecoverySuccess Kind = "RECOVERY_SUCCESS"
	KindRecoveryFailed  Kind = "RECOVERY_FAILED"
	KindTargetFailed    Kind = "TARGET_FAILED"
	KindChunkRotated    Kind = "CHUNK_ROTATED"
	KindQuotaReached    Kind = "QUOTA_REACHED"

	KindSessionStarted Kind = "SESSION_STARTED"
	KindSessionStopped Kind = "SESSION_STOPPED"
	KindQueueOverflow  Kind = "QUEUE_OVERFLOW"
	KindTargetStarted  Kind = "TARGET_STARTED"
	KindTargetStopped  Kind = "TARGET_STOPPED"
	KindDiskLow        Kind = "DISK_LOW"
	KindWriteFailed    Kind = "WRITE_FAILED"
)

// AllKinds lists every kind in a stable order
var AllKinds = []Kind{
	KindStallDetected, KindRecoveryAttempt, KindRecoverySuccess, KindRecoveryFailed,
	KindTargetFailed, KindChunkRotated, KindQuotaReached,
	KindSessionStarted, KindSessionStopped, KindQueueOverflow,
	KindTargetStarted, KindTargetStopped, KindDiskLow, KindWriteFailed,
}

// ParseKind validates a kind name from configuration
func ParseKind(s string) (Kind, error) {
	for _, k := range AllKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown event kind %q", s)
}

// Severity of an event
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// DefaultSeverity returns the severity used when a publisher does not set one
func DefaultSeverity(k Kind) Severity {
	switch k {
	case KindRecoveryFailed, KindWriteFailed:
		return SeverityCritical
	case KindStallDetected, KindRecoveryAttempt, KindTargetFailed,
		KindQuotaReached, KindQueueOverflow, KindDiskLow:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// HealthEvent is one structured health or alert event
type HealthEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Kind      Kind           `json:"kind"`
	Severity  Severity       `json:"severity"`
	Component string         `json:"component"`
	Message   string         `json:"message"`
	SessionID string         `json:"session_id,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// NewEvent creates an event stamped with the current time and default severity
func NewEvent(kind Kind, component, message string) HealthEvent {
	return HealthEvent{
		Timestamp: time.Now(),
		Kind:      kind,
		Severity:  DefaultSeverity(kind),
		Component: component,
		Message:   message,
	}
}

// With returns a copy of the event with an additional field
func (e HealthEvent) With(key string, value any) HealthEvent {
	fields := make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		fields[k] = v
	}
	fields[key] = value
	e.Fields = fields
	return e
}

// String renders the event as a single line for consoles and notifications
func (e HealthEvent) String() string {
	return fmt.Sprintf("%s [%s] %s: %s", e.Timestamp.Format(time.RFC3339), e.Component, e.Kind, e.Message)
}

// Publisher is implemented by anything that accepts events without blocking.
// Publish reports whether the event was accepted.
type Publisher interface {
	Publish(event HealthEvent) bool
}

// EventConsumer processes events delivered by the bus
type EventConsumer interface {
	Name() string
	ProcessEvent(event HealthEvent) error
}

// Discard is a Publisher that drops every event
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(HealthEvent) bool { return false }
