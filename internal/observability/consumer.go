package observability

import (
	"github.com/airlog/airlog/internal/events"
	"github.com/airlog/airlog/internal/observability/metrics"
)

// EventCounter is an event bus consumer counting health events
type EventCounter struct {
	metrics *metrics.EventMetrics
}

// NewEventCounter returns a consumer recording into m
func NewEventCounter(m *metrics.EventMetrics) *EventCounter {
	return &EventCounter{metrics: m}
}

// Name implements events.EventConsumer
func (c *EventCounter) Name() string { return "metrics" }

// ProcessEvent implements events.EventConsumer
func (c *EventCounter) ProcessEvent(e events.HealthEvent) error {
	c.metrics.RecordEvent(string(e.Kind), e.Component, float64(e.Timestamp.UnixMilli())/1000)
	return nil
}
