package events

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/airlog/airlog/internal/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type mockConsumer struct {
	name         string
	processDelay time.Duration
	failWith     error
	panicOn      Kind

	mu     sync.Mutex
	events []HealthEvent
	count  atomic.Int32
}

func (m *mockConsumer) Name() string { return m.name }

func (m *mockConsumer) ProcessEvent(event HealthEvent) error {
	if m.processDelay > 0 {
		time.Sleep(m.processDelay)
	}
	if m.panicOn != "" && event.Kind == m.panicOn {
		panic("consumer exploded")
	}
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()
	m.count.Add(1)
	return m.failWith
}

func (m *mockConsumer) kinds() []Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Kind, len(m.events))
	for i, e := range m.events {
		out[i] = e.Kind
	}
	return out
}

func newTestBus(t *testing.T, cfg *Config) *EventBus {
	t.Helper()
	bus := New(cfg, logger.NewDiscardLogger())
	t.Cleanup(func() { _ = bus.Shutdown(2 * time.Second) })
	return bus
}

func TestEventBusPreservesOrderPerConsumer(t *testing.T) {
	bus := newTestBus(t, nil)
	c := &mockConsumer{name: "ordered"}
	require.NoError(t, bus.RegisterConsumer(c))

	sequence := []Kind{KindStallDetected, KindRecoveryAttempt, KindRecoverySuccess, KindChunkRotated}
	for _, k := range sequence {
		require.True(t, bus.Publish(NewEvent(k, "watchdog", "x")))
	}

	require.NoError(t, bus.Shutdown(2*time.Second))
	assert.Equal(t, sequence, c.kinds())
	assert.Equal(t, uint64(4), bus.GetStats().EventsProcessed)
}

func TestSlowConsumerDoesNotBlockOthers(t *testing.T) {
	bus := newTestBus(t, &Config{BufferSize: 16, ConsumerBuffer: 16})
	slow := &mockConsumer{name: "slow", processDelay: 50 * time.Millisecond}
	fast := &mockConsumer{name: "fast"}
	require.NoError(t, bus.RegisterConsumer(slow))
	require.NoError(t, bus.RegisterConsumer(fast))

	for i := range 5 {
		bus.Publish(NewEvent(KindChunkRotated, "archive", fmt.Sprintf("chunk %d", i)))
	}

	assert.Eventually(t, func() bool { return fast.count.Load() == 5 }, 100*time.Millisecond, 5*time.Millisecond)
	assert.Less(t, slow.count.Load(), int32(5))
}

func TestConsumerErrorsAndPanicsAreContained(t *testing.T) {
	bus := newTestBus(t, nil)
	failing := &mockConsumer{name: "failing", failWith: fmt.Errorf("broker down")}
	panicky := &mockConsumer{name: "panicky", panicOn: KindTargetFailed}
	require.NoError(t, bus.RegisterConsumer(failing))
	require.NoError(t, bus.RegisterConsumer(panicky))

	bus.Publish(NewEvent(KindTargetFailed, "streaming", "rtmp exited"))
	bus.Publish(NewEvent(KindTargetStopped, "streaming", "rtmp stopped"))
	require.NoError(t, bus.Shutdown(2*time.Second))

	stats := bus.GetStats()
	assert.Equal(t, uint64(3), stats.ConsumerErrors)
	assert.Equal(t, []Kind{KindTargetStopped}, panicky.kinds())
}

func TestDuplicateConsumerRejected(t *testing.T) {
	bus := newTestBus(t, nil)
	require.NoError(t, bus.RegisterConsumer(&mockConsumer{name: "a"}))
	assert.Error(t, bus.RegisterConsumer(&mockConsumer{name: "a"}))
	assert.Error(t, bus.RegisterConsumer(nil))
}

func TestPublishAfterShutdown(t *testing.T) {
	bus := newTestBus(t, nil)
	require.NoError(t, bus.Shutdown(time.Second))
	assert.False(t, bus.Publish(NewEvent(KindSessionStopped, "session", "bye")))
	assert.Error(t, bus.RegisterConsumer(&mockConsumer{name: "late"}))
	require.NoError(t, bus.Shutdown(time.Second), "second shutdown is a no-op")
}

func TestPublishFillsDefaults(t *testing.T) {
	bus := newTestBus(t, nil)
	c := NewCollector("collector", 0)
	require.NoError(t, bus.RegisterConsumer(c))

	bus.Publish(HealthEvent{Kind: KindRecoveryFailed, Component: "watchdog"})
	require.NoError(t, bus.Shutdown(time.Second))

	got := c.Events()
	require.Len(t, got, 1)
	assert.Equal(t, SeverityCritical, got[0].Severity)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestDeduplicationOnlyAffectsConfiguredKinds(t *testing.T) {
	bus := newTestBus(t, &Config{Dedup: &DeduplicationConfig{
		Enabled: true,
		TTL:     time.Hour,
		Kinds:   []Kind{KindQueueOverflow},
	}})
	c := NewCollector("collector", 0)
	require.NoError(t, bus.RegisterConsumer(c))

	assert.True(t, bus.Publish(NewEvent(KindQueueOverflow, "queue", "frames dropped")))
	assert.False(t, bus.Publish(NewEvent(KindQueueOverflow, "queue", "frames dropped")))
	assert.True(t, bus.Publish(NewEvent(KindStallDetected, "watchdog", "no frames")))
	assert.True(t, bus.Publish(NewEvent(KindStallDetected, "watchdog", "no frames")))
	require.NoError(t, bus.Shutdown(time.Second))

	assert.Equal(t, 1, c.Count(KindQueueOverflow))
	assert.Equal(t, 2, c.Count(KindStallDetected))
	assert.Equal(t, uint64(1), bus.GetStats().EventsSuppressed)
}

func TestDeduplicatorExpiry(t *testing.T) {
	d := NewDeduplicator(&DeduplicationConfig{Enabled: true, TTL: 20 * time.Millisecond, Kinds: []Kind{KindDiskLow}})
	defer d.Close()

	e := NewEvent(KindDiskLow, "monitor", "disk 90%")
	assert.False(t, d.ShouldSuppress(e))
	assert.True(t, d.ShouldSuppress(e))
	time.Sleep(30 * time.Millisecond)
	assert.False(t, d.ShouldSuppress(e))

	var nilDedup *Deduplicator
	assert.False(t, nilDedup.ShouldSuppress(e))
}

func TestCollectorLimit(t *testing.T) {
	c := NewCollector("recent", 2)
	c.Publish(NewEvent(KindChunkRotated, "archive", "1"))
	c.Publish(NewEvent(KindChunkRotated, "archive", "2"))
	c.Publish(NewEvent(KindQuotaReached, "archive", "3"))

	assert.Equal(t, []Kind{KindChunkRotated, KindQuotaReached}, c.Kinds())
	assert.Len(t, c.Drain(), 2)
	assert.Empty(t, c.Events())
}

func TestLogConsumerLevels(t *testing.T) {
	var buf bytes.Buffer
	lc := NewLogConsumer(logger.NewBufferLogger(&buf, logger.LogLevelInfo))

	require.NoError(t, lc.ProcessEvent(NewEvent(KindRecoveryFailed, "watchdog", "giving up").With("attempts", 5)))
	require.NoError(t, lc.ProcessEvent(NewEvent(KindChunkRotated, "archive", "rotated")))

	out := buf.String()
	assert.Contains(t, out, `"level":"ERROR"`)
	assert.Contains(t, out, `"msg":"giving up"`)
	assert.Contains(t, out, `"attempts":5`)
	assert.Contains(t, out, `"level":"INFO"`)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("TARGET_FAILED")
	require.NoError(t, err)
	assert.Equal(t, KindTargetFailed, k)

	_, err = ParseKind("NOPE")
	assert.Error(t, err)
}
