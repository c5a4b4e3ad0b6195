package datastore

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/airlog/airlog/internal/events"
	"github.com/airlog/airlog/internal/logger"
)

// catalogWriteTimeout bounds one insert issued by the event consumer
const catalogWriteTimeout = 10 * time.Second

// Catalog is the event consumer that records chunks and health events
type Catalog struct {
	store *Store
}

// NewCatalog returns a bus consumer writing into store
func NewCatalog(store *Store) *Catalog {
	return &Catalog{store: store}
}

// Name implements events.EventConsumer
func (c *Catalog) Name() string { return "catalog" }

// ProcessEvent implements events.EventConsumer
func (c *Catalog) ProcessEvent(e events.HealthEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), catalogWriteTimeout)
	defer cancel()

	if e.Kind == events.KindChunkRotated {
		rec, ok := ChunkFromEvent(e)
		if !ok {
			c.store.log.Warn("chunk event without path", logger.String("message", e.Message))
			return nil
		}
		return c.store.InsertChunk(ctx, rec)
	}
	return c.store.InsertHealth(ctx, HealthFromEvent(e))
}

// ChunkFromEvent maps a CHUNK_ROTATED event onto a chunk record. Field
// values may be Go-typed or decoded from JSON.
func ChunkFromEvent(e events.HealthEvent) (*ChunkRecord, bool) {
	path, _ := e.Fields["path"].(string)
	if path == "" {
		return nil, false
	}
	rec := &ChunkRecord{
		SessionID: e.SessionID,
		Path:      path,
		DayIndex:  int(toInt64(e.Fields["day_index"])),
		Seq:       int(toInt64(e.Fields["seq"])),
		Frames:    toInt64(e.Fields["frames"]),
		Bytes:     toInt64(e.Fields["bytes"]),
	}
	rec.Day, _ = e.Fields["day"].(string)

	switch v := e.Fields["started_at"].(type) {
	case time.Time:
		rec.StartedAt = v
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			rec.StartedAt = t
		}
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = e.Timestamp
	}
	if rec.Day == "" {
		rec.Day = rec.StartedAt.Format(time.DateOnly)
	}

	switch v := e.Fields["duration"].(type) {
	case time.Duration:
		rec.DurationSeconds = v.Seconds()
	case float64:
		// JSON carries durations as nanoseconds
		rec.DurationSeconds = time.Duration(v).Seconds()
	case int64:
		rec.DurationSeconds = time.Duration(v).Seconds()
	}
	return rec, true
}

// HealthFromEvent maps any event onto a health record
func HealthFromEvent(e events.HealthEvent) *HealthRecord {
	rec := &HealthRecord{
		SessionID: e.SessionID,
		Timestamp: e.Timestamp,
		Kind:      string(e.Kind),
		Severity:  string(e.Severity),
		Component: e.Component,
		Message:   e.Message,
	}
	if len(e.Fields) > 0 {
		if b, err := json.Marshal(e.Fields); err == nil {
			rec.Fields = string(b)
		}
	}
	return rec
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case uint64:
		if n > math.MaxInt64 {
			return math.MaxInt64
		}
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
