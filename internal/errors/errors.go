// Package errors provides centralized error handling with categories that
// drive escalation decisions, plus optional Sentry telemetry.
//
// Errors are built with a fluent builder:
//
//	return errors.New(err).
//	    Component("archive").
//	    Category(errors.CategoryWrite).
//	    Context("path", path).
//	    Build()
//
// The recorder's failure taxonomy maps onto categories: DeviceError is
// CategoryDevice, QueueOverflow is CategoryQueue, WriteError is
// CategoryWrite, TargetError is CategoryTarget and ConfigError is
// CategoryConfig. Callers test for them with IsCategory.
package errors

import (
	stderrors "errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"
)

// ErrorCategory represents the type of error for categorization and escalation
type ErrorCategory string

const (
	// CategoryDevice covers audio device open/start/restart failures.
	// Fatal to a session unless watchdog recovery succeeds.
	CategoryDevice ErrorCategory = "device"
	// CategoryQueue covers dropped frames. Never fatal.
	CategoryQueue ErrorCategory = "queue-overflow"
	// CategoryWrite covers archive write failures. Always fatal to a session.
	CategoryWrite ErrorCategory = "write"
	// CategoryTarget covers stream encoder failures. Fatal only to the target.
	CategoryTarget ErrorCategory = "stream-target"
	// CategoryConfig covers invalid configuration. Fatal at startup.
	CategoryConfig ErrorCategory = "configuration"

	CategoryValidation ErrorCategory = "validation"
	CategoryFileIO     ErrorCategory = "file-io"
	CategoryNetwork    ErrorCategory = "network"
	CategoryDatabase   ErrorCategory = "database"
	CategorySystem     ErrorCategory = "system-resource"
	CategoryState      ErrorCategory = "state"
	CategoryTimeout    ErrorCategory = "timeout"
	CategoryProcess    ErrorCategory = "process"
	CategoryGeneric    ErrorCategory = "generic"
)

// Priority constants for error prioritization
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// ComponentUnknown is used when no component was supplied
const ComponentUnknown = "unknown"

// EnhancedError wraps an error with category, component and context
type EnhancedError struct {
	Err       error
	Component string
	Category  ErrorCategory
	Priority  string
	Context   map[string]any
	Timestamp time.Time

	mu       sync.RWMutex
	reported bool
}

func (ee *EnhancedError) Error() string {
	if ee.Err == nil {
		return string(ee.Category)
	}
	return ee.Err.Error()
}

func (ee *EnhancedError) Unwrap() error {
	return ee.Err
}

// Is matches another EnhancedError by category, otherwise defers to the wrapped error
func (ee *EnhancedError) Is(target error) bool {
	if other, ok := target.(*EnhancedError); ok {
		return ee.Category == other.Category
	}
	return stderrors.Is(ee.Err, target)
}

// GetContext returns a copy of the error context
func (ee *EnhancedError) GetContext() map[string]any {
	ee.mu.RLock()
	defer ee.mu.RUnlock()
	if ee.Context == nil {
		return nil
	}
	return maps.Clone(ee.Context)
}

// MarkReported marks this error as sent to telemetry
func (ee *EnhancedError) MarkReported() {
	ee.mu.Lock()
	defer ee.mu.Unlock()
	ee.reported = true
}

// IsReported returns whether this error has been sent to telemetry
func (ee *EnhancedError) IsReported() bool {
	ee.mu.RLock()
	defer ee.mu.RUnlock()
	return ee.reported
}

// ErrorBuilder provides a fluent interface for creating enhanced errors
type ErrorBuilder struct {
	err       error
	component string
	category  ErrorCategory
	priority  string
	context   map[string]any
}

// New starts building an enhanced error around err
func New(err error) *ErrorBuilder {
	return &ErrorBuilder{err: err}
}

// Newf starts building an enhanced error from a format string
func Newf(format string, args ...any) *ErrorBuilder {
	return New(fmt.Errorf(format, args...))
}

func (eb *ErrorBuilder) Component(component string) *ErrorBuilder {
	eb.component = component
	return eb
}

func (eb *ErrorBuilder) Category(category ErrorCategory) *ErrorBuilder {
	eb.category = category
	return eb
}

// Priority sets an explicit priority; unknown values fall back to medium
func (eb *ErrorBuilder) Priority(priority string) *ErrorBuilder {
	switch priority {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		eb.priority = priority
	case "":
	default:
		eb.priority = PriorityMedium
	}
	return eb
}

func (eb *ErrorBuilder) Context(key string, value any) *ErrorBuilder {
	if eb.context == nil {
		eb.context = make(map[string]any)
	}
	eb.context[key] = value
	return eb
}

// Timing records an operation name and its duration
func (eb *ErrorBuilder) Timing(operation string, d time.Duration) *ErrorBuilder {
	return eb.Context("operation", operation).Context("duration_ms", d.Milliseconds())
}

// Build creates the EnhancedError and reports it to telemetry when enabled
func (eb *ErrorBuilder) Build() *EnhancedError {
	ee := &EnhancedError{
		Err:       eb.err,
		Component: eb.component,
		Category:  eb.category,
		Priority:  eb.priority,
		Context:   eb.context,
		Timestamp: time.Now(),
	}
	if ee.Component == "" {
		ee.Component = ComponentUnknown
	}
	if ee.Category == "" {
		ee.Category = categoryOf(eb.err)
	}

	if hasActiveReporting.Load() {
		reportToTelemetry(ee)
	}

	return ee
}

// categoryOf inherits the category of a wrapped EnhancedError
func categoryOf(err error) ErrorCategory {
	var ee *EnhancedError
	if stderrors.As(err, &ee) && ee.Category != "" {
		return ee.Category
	}
	return CategoryGeneric
}

var hasActiveReporting atomic.Bool

// IsCategory reports whether any EnhancedError in err's chain has the category
func IsCategory(err error, category ErrorCategory) bool {
	for err != nil {
		var ee *EnhancedError
		if !stderrors.As(err, &ee) {
			return false
		}
		if ee.Category == category {
			return true
		}
		err = ee.Err
	}
	return false
}

// CategoryOf returns the category of the outermost EnhancedError, or CategoryGeneric
func CategoryOf(err error) ErrorCategory {
	return categoryOf(err)
}

// Standard library passthroughs so this package can replace "errors"

func NewStd(text string) error { return stderrors.New(text) }

func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func Unwrap(err error) error { return stderrors.Unwrap(err) }

func Join(errs ...error) error { return stderrors.Join(errs...) }
