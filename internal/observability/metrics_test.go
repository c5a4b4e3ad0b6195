package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airlog/airlog/internal/events"
	"github.com/airlog/airlog/internal/observability/metrics"
	"github.com/airlog/airlog/internal/session"
	"github.com/airlog/airlog/internal/streaming"
)

// TestNewMetricsConcurrency verifies that independent registries can be
// built concurrently
func TestNewMetricsConcurrency(t *testing.T) {
	t.Parallel()

	const numGoroutines = 20
	var wg sync.WaitGroup
	for range numGoroutines {
		wg.Go(func() {
			m, err := NewMetrics(func() metrics.SessionSnapshot { return metrics.SessionSnapshot{} })
			if !assert.NoError(t, err) {
				return
			}
			assert.NotNil(t, m.Registry())
			assert.NotNil(t, m.Session)
			assert.NotNil(t, m.Events)
			assert.NotNil(t, m.Disk)
			assert.NotNil(t, m.Notification)
			assert.NotNil(t, m.MQTT)
			assert.NotNil(t, m.Catalog)
			assert.NotNil(t, m.Replication)
		})
	}
	wg.Wait()
}

func TestHandlerServesRegistry(t *testing.T) {
	t.Parallel()

	m, err := NewMetrics(func() metrics.SessionSnapshot {
		return metrics.SessionSnapshot{Active: true, Health: "HEALTHY", FramesCaptured: 42}
	})
	require.NoError(t, err)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "airlog_frames_captured_total 42")
	assert.Contains(t, string(body), `airlog_session_health{state="HEALTHY"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestNilSnapshotSkipsSessionCollector(t *testing.T) {
	t.Parallel()

	m, err := NewMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, m.Session)
}

func TestEventCounter(t *testing.T) {
	t.Parallel()

	m, err := NewMetrics(nil)
	require.NoError(t, err)

	c := NewEventCounter(m.Events)
	assert.Equal(t, "metrics", c.Name())

	e := events.NewEvent(events.KindStallDetected, "watchdog", "no frames for 10s")
	e.Timestamp = time.Unix(1700000000, 0)
	require.NoError(t, c.ProcessEvent(e))
	require.NoError(t, c.ProcessEvent(e))

	n, err := testutil.GatherAndCount(m.Registry(), "airlog_health_events_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSessionSnapshot(t *testing.T) {
	t.Parallel()

	st := session.Status{
		Active:         true,
		Health:         "RECOVERING",
		FramesCaptured: 10,
		QueueDrops:     2,
		DeviceRestarts: 1,
		Targets: []streaming.TargetStatus{
			{Kind: streaming.KindIcecast, State: "failed", BytesWritten: 99},
		},
	}
	s := SessionSnapshot(st)

	assert.True(t, s.Active)
	assert.Equal(t, "RECOVERING", s.Health)
	assert.Equal(t, uint64(2), s.QueueDrops)
	assert.Equal(t, 1, s.DeviceRestarts)
	require.Len(t, s.Targets, 1)
	assert.Equal(t, metrics.TargetSnapshot{Kind: "icecast", State: "failed", BytesWritten: 99}, s.Targets[0])
}
