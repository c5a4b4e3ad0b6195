package events

import (
	"github.com/airlog/airlog/internal/logger"
)

// LogConsumer writes every event to the structured log at a level derived
// from its severity.
type LogConsumer struct {
	log logger.Logger
}

// NewLogConsumer creates a consumer writing to log
func NewLogConsumer(log logger.Logger) *LogConsumer {
	if log == nil {
		log = GetLogger()
	}
	return &LogConsumer{log: log}
}

func (lc *LogConsumer) Name() string { return "log" }

func (lc *LogConsumer) ProcessEvent(event HealthEvent) error {
	fields := make([]logger.Field, 0, 4+len(event.Fields))
	fields = append(fields,
		logger.String("kind", string(event.Kind)),
		logger.String("component", event.Component),
		logger.String("severity", string(event.Severity)))
	if event.SessionID != "" {
		fields = append(fields, logger.String("session_id", event.SessionID))
	}
	for k, v := range event.Fields {
		fields = append(fields, logger.Any(k, v))
	}

	switch event.Severity {
	case SeverityCritical:
		lc.log.Error(event.Message, fields...)
	case SeverityWarning:
		lc.log.Warn(event.Message, fields...)
	default:
		lc.log.Info(event.Message, fields...)
	}
	return nil
}
