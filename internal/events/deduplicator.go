package events

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// DeduplicationConfig holds configuration for event deduplication
type DeduplicationConfig struct {
	Enabled bool
	// TTL is the window in which an identical event is suppressed
	TTL time.Duration
	// Kinds lists the kinds subject to deduplication; others always pass
	Kinds []Kind
	// MaxEntries triggers a sweep of expired keys when exceeded
	MaxEntries int
}

// DefaultDeduplicationConfig suppresses repeated overflow and disk warnings
func DefaultDeduplicationConfig() *DeduplicationConfig {
	return &DeduplicationConfig{
		Enabled:    true,
		TTL:        time.Minute,
		Kinds:      []Kind{KindQueueOverflow, KindDiskLow},
		MaxEntries: 1000,
	}
}

// Deduplicator suppresses identical events seen within the TTL
type Deduplicator struct {
	config *DeduplicationConfig
	kinds  map[Kind]bool
	seen   *cache.Cache
}

// NewDeduplicator creates a deduplicator. A nil or disabled config lets everything through.
func NewDeduplicator(config *DeduplicationConfig) *Deduplicator {
	d := &Deduplicator{config: config}
	if config == nil || !config.Enabled || config.TTL <= 0 {
		return d
	}

	d.kinds = make(map[Kind]bool, len(config.Kinds))
	for _, k := range config.Kinds {
		d.kinds[k] = true
	}
	// No janitor goroutine: expired keys are treated as absent by Add and
	// swept explicitly once the cache grows past MaxEntries.
	d.seen = cache.New(config.TTL, 0)
	return d
}

// ShouldSuppress records the event and reports whether it is a repeat
func (d *Deduplicator) ShouldSuppress(event HealthEvent) bool {
	if d == nil || d.seen == nil || !d.kinds[event.Kind] {
		return false
	}

	if d.config.MaxEntries > 0 && d.seen.ItemCount() > d.config.MaxEntries {
		d.seen.DeleteExpired()
	}

	key := string(event.Kind) + "|" + event.Component + "|" + event.Message
	return d.seen.Add(key, struct{}{}, cache.DefaultExpiration) != nil
}

// Close releases cached keys
func (d *Deduplicator) Close() {
	if d != nil && d.seen != nil {
		d.seen.Flush()
	}
}
