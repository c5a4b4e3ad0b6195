package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/airlog/airlog/internal/events"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeUsage struct {
	mu      sync.Mutex
	percent float64
	err     error
	paths   []string
}

func (f *fakeUsage) set(p float64) {
	f.mu.Lock()
	f.percent = p
	f.mu.Unlock()
}

func (f *fakeUsage) read(_ context.Context, path string) (*disk.UsageStat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, path)
	if f.err != nil {
		return nil, f.err
	}
	const total = 100 << 30
	used := uint64(f.percent / 100 * total)
	return &disk.UsageStat{Path: path, Total: total, Used: used, Free: total - used, UsedPercent: f.percent}, nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	updates int
	errs    int
	percent float64
}

func (r *fakeRecorder) UpdateUsage(_ string, _, _ uint64, percent float64) {
	r.mu.Lock()
	r.updates++
	r.percent = percent
	r.mu.Unlock()
}

func (r *fakeRecorder) ObserveCheck(_ float64, err error) {
	r.mu.Lock()
	if err != nil {
		r.errs++
	}
	r.mu.Unlock()
}

func newTestMonitor(t *testing.T, u *fakeUsage, opts ...Option) (*DiskMonitor, *events.Collector) {
	t.Helper()
	bus := events.NewCollector("test", 0)
	cfg := Config{
		Path:            t.TempDir(),
		Interval:        time.Hour,
		WarningPercent:  85,
		CriticalPercent: 95,
	}
	return New(cfg, bus, append([]Option{WithUsageFunc(u.read)}, opts...)...), bus
}

func TestThresholdTransitions(t *testing.T) {
	t.Parallel()

	u := &fakeUsage{}
	m, bus := newTestMonitor(t, u)
	ctx := context.Background()

	steps := []struct {
		percent  float64
		newEvent bool
		severity events.Severity
		warning  bool
		critical bool
	}{
		{50, false, "", false, false},
		{86, true, events.SeverityWarning, true, false},
		{90, false, "", true, false},
		{96, true, events.SeverityCritical, true, true},
		{97, false, "", true, true},
		{94, false, "", true, true},   // inside hysteresis band
		{92, false, "", true, false},  // below critical minus hysteresis
		{84, false, "", true, false},  // inside hysteresis band
		{80, false, "", false, false}, // recovered
		{88, true, events.SeverityWarning, true, false},
	}

	for i, step := range steps {
		before := len(bus.Events())
		u.set(step.percent)
		m.Check(ctx)

		evs := bus.Events()
		if step.newEvent {
			require.Len(t, evs, before+1, "step %d", i)
			e := evs[len(evs)-1]
			assert.Equal(t, events.KindDiskLow, e.Kind)
			assert.Equal(t, step.severity, e.Severity, "step %d", i)
			assert.Equal(t, ComponentMonitor, e.Component)
		} else {
			assert.Len(t, evs, before, "step %d", i)
		}

		pct, warning, critical, _ := m.Status()
		assert.InDelta(t, step.percent, pct, 0)
		assert.Equal(t, step.warning, warning, "step %d warning", i)
		assert.Equal(t, step.critical, critical, "step %d critical", i)
	}
}

func TestCriticalResend(t *testing.T) {
	t.Parallel()

	u := &fakeUsage{percent: 99}
	m, bus := newTestMonitor(t, u)
	m.cfg.ResendInterval = 10 * time.Millisecond

	m.Check(context.Background())
	m.Check(context.Background())
	assert.Equal(t, 1, bus.Count(events.KindDiskLow))

	time.Sleep(20 * time.Millisecond)
	m.Check(context.Background())
	assert.Equal(t, 2, bus.Count(events.KindDiskLow))
}

func TestUsageErrorIsRecorded(t *testing.T) {
	t.Parallel()

	u := &fakeUsage{err: errors.New("statfs: permission denied")}
	rec := &fakeRecorder{}
	m, bus := newTestMonitor(t, u, WithRecorder(rec))

	m.Check(context.Background())
	assert.Empty(t, bus.Events())
	assert.Equal(t, 1, rec.errs)
	assert.Equal(t, 0, rec.updates)
}

func TestMissingDirectoryUsesExistingParent(t *testing.T) {
	t.Parallel()

	u := &fakeUsage{percent: 10}
	m, _ := newTestMonitor(t, u)
	parent := m.cfg.Path
	m.cfg.Path = parent + "/not/yet/created"

	m.Check(context.Background())
	require.Len(t, u.paths, 1)
	assert.Equal(t, parent, u.paths[0])
}

func TestStartChecksImmediately(t *testing.T) {
	t.Parallel()

	u := &fakeUsage{percent: 42}
	rec := &fakeRecorder{}
	m, _ := newTestMonitor(t, u, WithRecorder(rec))

	m.Start(context.Background())
	assert.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.updates == 1
	}, time.Second, 5*time.Millisecond)
	m.Stop()

	rec.mu.Lock()
	assert.InDelta(t, 42, rec.percent, 0)
	rec.mu.Unlock()
}

func TestFormatBytes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KiB", formatBytes(1536))
	assert.Equal(t, "2.0 GiB", formatBytes(2<<30))
}
