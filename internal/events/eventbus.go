package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/airlog/airlog/internal/logger"
)

// Config holds event bus configuration
type Config struct {
	// BufferSize is the depth of the publish channel
	BufferSize int
	// ConsumerBuffer is the depth of each consumer's private channel
	ConsumerBuffer int
	// Dedup suppresses repeats of noisy kinds within a window
	Dedup *DeduplicationConfig
}

// DefaultConfig returns the default event bus configuration
func DefaultConfig() *Config {
	return &Config{
		BufferSize:     1024,
		ConsumerBuffer: 256,
		Dedup:          DefaultDeduplicationConfig(),
	}
}

// EventBusStats contains runtime statistics
type EventBusStats struct {
	EventsReceived   uint64
	EventsSuppressed uint64
	EventsProcessed  uint64
	EventsDropped    uint64
	ConsumerErrors   uint64
}

type consumerSlot struct {
	consumer EventConsumer
	ch       chan HealthEvent
}

// EventBus delivers events to consumers asynchronously. A single dispatcher
// preserves publish order, and each consumer drains its own channel so a
// slow consumer (a webhook, a broker) never delays the others.
type EventBus struct {
	eventChan chan HealthEvent
	config    *Config
	dedup     *Deduplicator

	mu        sync.RWMutex
	closed    bool
	consumers []*consumerSlot

	dispatchDone chan struct{}
	consumerWg   sync.WaitGroup

	received   atomic.Uint64
	processed  atomic.Uint64
	dropped    atomic.Uint64
	suppressed atomic.Uint64
	errors     atomic.Uint64

	log logger.Logger
}

// New creates and starts an event bus
func New(config *Config, log logger.Logger) *EventBus {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	if config.ConsumerBuffer <= 0 {
		config.ConsumerBuffer = DefaultConfig().ConsumerBuffer
	}
	if log == nil {
		log = GetLogger()
	}

	eb := &EventBus{
		eventChan:    make(chan HealthEvent, config.BufferSize),
		config:       config,
		dedup:        NewDeduplicator(config.Dedup),
		dispatchDone: make(chan struct{}),
		log:          log,
	}

	go eb.dispatch()

	eb.log.Debug("event bus started",
		logger.Int("buffer_size", config.BufferSize),
		logger.Int("consumer_buffer", config.ConsumerBuffer))

	return eb
}

// RegisterConsumer adds a consumer with its own delivery goroutine
func (eb *EventBus) RegisterConsumer(consumer EventConsumer) error {
	if consumer == nil {
		return fmt.Errorf("consumer cannot be nil")
	}

	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return fmt.Errorf("event bus is shut down")
	}
	for _, existing := range eb.consumers {
		if existing.consumer.Name() == consumer.Name() {
			return fmt.Errorf("consumer %s already registered", consumer.Name())
		}
	}

	slot := &consumerSlot{consumer: consumer, ch: make(chan HealthEvent, eb.config.ConsumerBuffer)}
	eb.consumers = append(eb.consumers, slot)

	eb.consumerWg.Add(1)
	go eb.runConsumer(slot)

	eb.log.Info("registered event consumer", logger.String("consumer", consumer.Name()))
	return nil
}

// Publish queues an event without blocking. It returns false if the event
// was suppressed as a duplicate, dropped on a full buffer, or the bus is shut down.
func (eb *EventBus) Publish(event HealthEvent) bool {
	if eb == nil {
		return false
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Severity == "" {
		event.Severity = DefaultSeverity(event.Kind)
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return false
	}

	if eb.dedup.ShouldSuppress(event) {
		eb.suppressed.Add(1)
		return false
	}

	select {
	case eb.eventChan <- event:
		eb.received.Add(1)
		return true
	default:
		eb.dropped.Add(1)
		eb.log.Debug("event dropped due to full buffer",
			logger.String("kind", string(event.Kind)),
			logger.String("component", event.Component))
		return false
	}
}

func (eb *EventBus) dispatch() {
	defer close(eb.dispatchDone)

	for event := range eb.eventChan {
		eb.mu.RLock()
		slots := eb.consumers
		eb.mu.RUnlock()

		for _, slot := range slots {
			select {
			case slot.ch <- event:
			default:
				eb.dropped.Add(1)
				eb.log.Warn("consumer buffer full, event dropped",
					logger.String("consumer", slot.consumer.Name()),
					logger.String("kind", string(event.Kind)))
			}
		}
	}
}

func (eb *EventBus) runConsumer(slot *consumerSlot) {
	defer eb.consumerWg.Done()

	for event := range slot.ch {
		eb.deliver(slot.consumer, event)
	}
}

func (eb *EventBus) deliver(consumer EventConsumer, event HealthEvent) {
	defer func() {
		if r := recover(); r != nil {
			eb.errors.Add(1)
			eb.log.Error("consumer panicked",
				logger.String("consumer", consumer.Name()),
				logger.Any("panic", r),
				logger.String("kind", string(event.Kind)))
		}
	}()

	if err := consumer.ProcessEvent(event); err != nil {
		eb.errors.Add(1)
		eb.log.Warn("consumer error",
			logger.String("consumer", consumer.Name()),
			logger.String("kind", string(event.Kind)),
			logger.Error(err))
		return
	}
	eb.processed.Add(1)
}

// Shutdown stops accepting events, lets consumers drain what is queued and
// waits up to timeout for them to finish.
func (eb *EventBus) Shutdown(timeout time.Duration) error {
	if eb == nil {
		return nil
	}

	eb.mu.Lock()
	if eb.closed {
		eb.mu.Unlock()
		return nil
	}
	eb.closed = true
	close(eb.eventChan)
	eb.mu.Unlock()

	done := make(chan struct{})
	go func() {
		<-eb.dispatchDone
		eb.mu.RLock()
		for _, slot := range eb.consumers {
			close(slot.ch)
		}
		eb.mu.RUnlock()
		eb.consumerWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		eb.dedup.Close()
		eb.log.Debug("event bus shutdown complete")
		return nil
	case <-time.After(timeout):
		eb.log.Warn("event bus shutdown timeout exceeded", logger.Duration("timeout", timeout))
		return fmt.Errorf("event bus shutdown timeout exceeded")
	}
}

// GetStats returns current event bus statistics
func (eb *EventBus) GetStats() EventBusStats {
	if eb == nil {
		return EventBusStats{}
	}
	return EventBusStats{
		EventsReceived:   eb.received.Load(),
		EventsSuppressed: eb.suppressed.Load(),
		EventsProcessed:  eb.processed.Load(),
		EventsDropped:    eb.dropped.Load(),
		ConsumerErrors:   eb.errors.Load(),
	}
}

// GetLogger returns the events module logger
func GetLogger() logger.Logger {
	return logger.Global().Module("events")
}
