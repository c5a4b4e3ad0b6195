package errors

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
)

// TelemetryReporter receives errors built while reporting is active
type TelemetryReporter interface {
	ReportError(err *EnhancedError)
	IsEnabled() bool
}

var (
	reporterMu     sync.RWMutex
	globalReporter TelemetryReporter
)

// SetTelemetryReporter installs the global reporter; nil disables reporting
func SetTelemetryReporter(reporter TelemetryReporter) {
	reporterMu.Lock()
	defer reporterMu.Unlock()
	globalReporter = reporter
	hasActiveReporting.Store(reporter != nil && reporter.IsEnabled())
}

func reportToTelemetry(ee *EnhancedError) {
	reporterMu.RLock()
	reporter := globalReporter
	reporterMu.RUnlock()

	if reporter != nil && reporter.IsEnabled() {
		reporter.ReportError(ee)
	}
}

// SentryReporter reports selected categories to Sentry
type SentryReporter struct {
	enabled    bool
	categories map[ErrorCategory]bool
}

// InitSentry initializes the Sentry SDK and returns a reporter for the given
// categories. An empty category list reports every error.
func InitSentry(dsn, release string, categories ...ErrorCategory) (*SentryReporter, error) {
	if dsn == "" {
		return nil, fmt.Errorf("sentry dsn is empty")
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Release:          release,
		AttachStacktrace: true,
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			event.Message = scrubMessage(event.Message)
			return event
		},
	}); err != nil {
		return nil, fmt.Errorf("sentry init failed: %w", err)
	}
	return NewSentryReporter(true, categories...), nil
}

// NewSentryReporter creates a reporter without touching SDK initialization
func NewSentryReporter(enabled bool, categories ...ErrorCategory) *SentryReporter {
	sr := &SentryReporter{enabled: enabled}
	if len(categories) > 0 {
		sr.categories = make(map[ErrorCategory]bool, len(categories))
		for _, c := range categories {
			sr.categories[c] = true
		}
	}
	return sr
}

func (sr *SentryReporter) IsEnabled() bool { return sr.enabled }

// ReportError sends the error to Sentry once
func (sr *SentryReporter) ReportError(ee *EnhancedError) {
	if !sr.enabled || ee.IsReported() {
		return
	}
	if sr.categories != nil && !sr.categories[ee.Category] {
		return
	}

	message := scrubMessage(fmt.Sprintf("[%s] %s", ee.Category, ee.Error()))

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", ee.Component)
		scope.SetTag("category", string(ee.Category))
		if ee.Priority != "" {
			scope.SetTag("priority", ee.Priority)
		}
		for key, value := range ee.GetContext() {
			if s, ok := value.(string); ok {
				value = scrubMessage(s)
			}
			scope.SetContext(key, map[string]any{"value": value})
		}
		scope.SetLevel(levelFor(ee.Category))
		scope.SetFingerprint([]string{ee.Component, string(ee.Category)})

		event := sentry.NewEvent()
		event.Message = message
		event.Level = levelFor(ee.Category)
		event.Exception = []sentry.Exception{{
			Type:  fmt.Sprintf("%s %s", ee.Component, ee.Category),
			Value: message,
		}}
		sentry.CaptureEvent(event)
	})

	ee.MarkReported()
}

// FlushTelemetry waits for queued Sentry events, bounded by timeout
func FlushTelemetry(timeout time.Duration) bool {
	return sentry.Flush(timeout)
}

func levelFor(category ErrorCategory) sentry.Level {
	switch category {
	case CategoryWrite, CategoryDevice, CategoryConfig, CategoryDatabase:
		return sentry.LevelError
	case CategoryQueue, CategoryTarget, CategoryNetwork, CategoryTimeout:
		return sentry.LevelWarning
	default:
		return sentry.LevelError
	}
}

var (
	urlUserinfoPattern = regexp.MustCompile(`([a-z][a-z0-9+.-]*://[^:/@\s]+):[^@\s]+@`)
	queryPattern       = regexp.MustCompile(`(https?://[^?\s]+)\?\S*`)
	secretPattern      = regexp.MustCompile(`(?i)(password|passwd|token|secret|api[_-]?key)[=:]\S+`)
)

// scrubMessage strips credentials from stream URLs and key/value pairs
func scrubMessage(message string) string {
	scrubbed := urlUserinfoPattern.ReplaceAllString(message, "$1:[REDACTED]@")
	scrubbed = queryPattern.ReplaceAllString(scrubbed, "$1?[REDACTED]")
	return secretPattern.ReplaceAllString(scrubbed, "$1=[REDACTED]")
}
