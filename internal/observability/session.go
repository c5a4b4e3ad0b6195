package observability

import (
	"github.com/airlog/airlog/internal/observability/metrics"
	"github.com/airlog/airlog/internal/session"
)

// SessionSnapshot converts a controller status into the exported subset
func SessionSnapshot(st session.Status) metrics.SessionSnapshot {
	s := metrics.SessionSnapshot{
		Active:         st.Active,
		Health:         st.Health,
		FramesCaptured: st.FramesCaptured,
		BytesCaptured:  st.BytesCaptured,
		QueueDrops:     st.QueueDrops,
		SinkDrops:      st.SinkDrops,
		QuotaDrops:     st.QuotaDrops,
		QueueDepth:     st.QueueDepth,
		Chunks:         st.Chunks,
		ChunksToday:    st.ChunksToday,
		DeviceRestarts: st.DeviceRestarts,
		Level:          st.Level,
		Targets:        make([]metrics.TargetSnapshot, 0, len(st.Targets)),
	}
	for _, t := range st.Targets {
		s.Targets = append(s.Targets, metrics.TargetSnapshot{
			Kind:          string(t.Kind),
			State:         t.State,
			BytesWritten:  t.BytesWritten,
			FramesDropped: t.FramesDropped,
		})
	}
	return s
}

// SessionSource returns a snapshot function reading ctrl on every call
func SessionSource(ctrl *session.Controller) func() metrics.SessionSnapshot {
	return func() metrics.SessionSnapshot {
		return SessionSnapshot(ctrl.Status())
	}
}
