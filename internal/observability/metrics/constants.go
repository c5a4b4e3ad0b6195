// Package metrics provides the Prometheus collectors of airlog components.
package metrics

// Operation names used as label values by the Recorder implementations
const (
	// OpChunkInsert records a finalized chunk in the catalog.
	OpChunkInsert = "chunk_insert"
	// OpHealthInsert records a health event in the catalog.
	OpHealthInsert = "health_insert"
	// OpChunkQuery lists chunks from the catalog.
	OpChunkQuery = "chunk_query"
	// OpMigrate runs catalog schema migrations.
	OpMigrate = "migrate"
	// OpUpload uploads a chunk to the replication target.
	OpUpload = "upload"
	// OpVerify checks a chunk before upload.
	OpVerify = "verify"
	// OpConnect opens a connection to the replication target.
	OpConnect = "connect"
)

// Status label values
const (
	StatusSuccess = "success"
	StatusError   = "error"
	// StatusSkipped marks work that was intentionally not done, such as a
	// rate limited notification.
	StatusSkipped = "skipped"
)

// Histogram bucket configuration constants
const (
	// BucketStart1ms is the starting bucket for 1ms histograms (1ms to ~1s range).
	BucketStart1ms = 0.001
	// BucketStart10ms is the starting bucket for 10ms histograms (10ms to ~40s range).
	BucketStart10ms = 0.01
	// BucketStart64B is the starting bucket for 64 byte histograms.
	BucketStart64B = 64.0
	// BucketStart1MB is the starting bucket for upload size histograms (1MB to ~1GB range).
	BucketStart1MB = 1024.0 * 1024.0

	// BucketFactor2 is the common exponential growth factor for histogram buckets.
	BucketFactor2 = 2
	// BucketCount10 is the bucket count of most histograms.
	BucketCount10 = 10
	// BucketCount12 is the bucket count of latency histograms with a long tail.
	BucketCount12 = 12
)
