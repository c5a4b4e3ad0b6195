package events

import (
	"sync"
)

// Collector keeps the most recent events in memory. It is both a Publisher
// (synchronous, used where the bus is not wanted) and an EventConsumer
// (attached to a bus, used by the status monitor).
type Collector struct {
	name  string
	limit int

	mu     sync.Mutex
	events []HealthEvent
	notify chan struct{}
}

// NewCollector creates a collector holding up to limit events; 0 means unbounded
func NewCollector(name string, limit int) *Collector {
	return &Collector{name: name, limit: limit, notify: make(chan struct{}, 1)}
}

func (c *Collector) Name() string { return c.name }

func (c *Collector) ProcessEvent(event HealthEvent) error {
	c.Publish(event)
	return nil
}

// Publish records the event
func (c *Collector) Publish(event HealthEvent) bool {
	c.mu.Lock()
	c.events = append(c.events, event)
	if c.limit > 0 && len(c.events) > c.limit {
		c.events = c.events[len(c.events)-c.limit:]
	}
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return true
}

// Events returns a copy of the recorded events
func (c *Collector) Events() []HealthEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]HealthEvent, len(c.events))
	copy(out, c.events)
	return out
}

// Kinds returns the kinds of the recorded events in order
func (c *Collector) Kinds() []Kind {
	events := c.Events()
	kinds := make([]Kind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	return kinds
}

// Count returns how many recorded events have the given kind
func (c *Collector) Count(kind Kind) int {
	n := 0
	for _, e := range c.Events() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Drain returns and clears the recorded events
func (c *Collector) Drain() []HealthEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.events
	c.events = nil
	return out
}

// Notify is signalled after each recorded event
func (c *Collector) Notify() <-chan struct{} {
	return c.notify
}
