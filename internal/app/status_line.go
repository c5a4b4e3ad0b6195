package app

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/airlog/airlog/internal/audiocore"
	"github.com/airlog/airlog/internal/session"
)

func (a *App) statusLoop() {
	defer close(a.lineDone)

	ticker := time.NewTicker(a.opts.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopLine:
			return
		case <-ticker.C:
			fmt.Fprintln(a.opts.Out, FormatStatusLine(a.ctrl.Status()))
		}
	}
}

// FormatStatusLine renders the one-line console view of a session:
// health, current chunk, drops, level and targets.
func FormatStatusLine(st session.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-10s", time.Now().Format(time.TimeOnly), st.Health)

	chunk := "-"
	if st.CurrentChunk != nil {
		chunk = filepath.Base(st.CurrentChunk.Path)
	} else if st.WriterState != "" {
		chunk = "(" + st.WriterState + ")"
	}
	fmt.Fprintf(&b, " chunk=%s chunks=%d/%d", chunk, st.ChunksToday, st.Chunks)
	fmt.Fprintf(&b, " frames=%d drops=q%d/s%d/x%d", st.FramesCaptured, st.QueueDrops, st.SinkDrops, st.QuotaDrops)
	fmt.Fprintf(&b, " level=%.1fdBFS", audiocore.DBFS(st.Level))

	for _, t := range st.Targets {
		fmt.Fprintf(&b, " %s=%s", t.Kind, t.State)
		if t.FramesDropped > 0 {
			fmt.Fprintf(&b, "(-%d)", t.FramesDropped)
		}
	}
	if st.Error != "" {
		fmt.Fprintf(&b, " error=%q", st.Error)
	}
	return b.String()
}
