// Package datastore is the chunk catalog: a SQLite or MySQL database with
// one row per finalized chunk and per health event.
package datastore

import (
	"time"
)

// ChunkRecord is one finalized WAV chunk
type ChunkRecord struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	SessionID       string    `gorm:"size:36;index" json:"session_id"`
	Path            string    `gorm:"size:1024;uniqueIndex" json:"path"`
	Day             string    `gorm:"size:10;index" json:"day"` // YYYY-MM-DD
	DayIndex        int       `json:"day_index"`
	Seq             int       `json:"seq"`
	StartedAt       time.Time `gorm:"index" json:"started_at"`
	Frames          int64     `json:"frames"`
	Bytes           int64     `json:"bytes"`
	DurationSeconds float64   `json:"duration_seconds"`
	CreatedAt       time.Time `json:"created_at"`
}

// TableName overrides the gorm default
func (ChunkRecord) TableName() string { return "chunks" }

// HealthRecord is one health event other than a chunk rotation
type HealthRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	SessionID string    `gorm:"size:36;index" json:"session_id"`
	Timestamp time.Time `gorm:"index" json:"timestamp"`
	Kind      string    `gorm:"size:32;index" json:"kind"`
	Severity  string    `gorm:"size:16" json:"severity"`
	Component string    `gorm:"size:32" json:"component"`
	Message   string    `gorm:"size:1024" json:"message"`
	Fields    string    `gorm:"type:text" json:"fields,omitempty"` // JSON object
	CreatedAt time.Time `json:"created_at"`
}

// TableName overrides the gorm default
func (HealthRecord) TableName() string { return "health_events" }
