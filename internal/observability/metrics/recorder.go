package metrics

// Recorder defines a minimal interface for recording metrics.
// Components depend on it rather than on a concrete collector so tests can
// pass a TestRecorder.
type Recorder interface {
	// RecordOperation records an operation (e.g. "chunk_insert", "upload")
	// with its outcome ("success", "error").
	RecordOperation(operation, status string)

	// RecordDuration records how long an operation took in seconds.
	RecordDuration(operation string, seconds float64)

	// RecordError records an error of errorType (e.g. "network", "io")
	// during operation.
	RecordError(operation, errorType string)
}

// NopRecorder discards everything
type NopRecorder struct{}

func (NopRecorder) RecordOperation(string, string) {}
func (NopRecorder) RecordDuration(string, float64) {}
func (NopRecorder) RecordError(string, string)     {}
