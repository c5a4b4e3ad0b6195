// Package notification forwards selected health events to chat and push
// services through shoutrrr.
package notification

import (
	"fmt"
	"io"
	"log"
	"regexp"
	"slices"
	"strings"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
	"golang.org/x/time/rate"

	"github.com/airlog/airlog/internal/conf"
	"github.com/airlog/airlog/internal/errors"
	"github.com/airlog/airlog/internal/events"
	"github.com/airlog/airlog/internal/logger"
	"github.com/airlog/airlog/internal/observability/metrics"
)

// ComponentNotification is the error component of this package
const ComponentNotification = "notification"

const defaultSendTimeout = 10 * time.Second

// Sender delivers one message to every configured service
type Sender interface {
	Send(message string, params *stypes.Params) []error
}

// DeliveryRecorder receives delivery outcomes
type DeliveryRecorder interface {
	RecordDelivery(kind, status string, seconds float64)
	RecordFiltered(reason string)
}

// Notifier is an event bus consumer sending configured event kinds
type Notifier struct {
	station  string
	kinds    map[events.Kind]bool
	sender   Sender
	limiter  *rate.Limiter
	recorder DeliveryRecorder
	log      logger.Logger
}

// Option configures a Notifier
type Option func(*Notifier)

// WithRecorder reports deliveries to r
func WithRecorder(r DeliveryRecorder) Option {
	return func(n *Notifier) { n.recorder = r }
}

// NewNotifier creates a notifier for station using sender. Up to perMinute
// notifications are sent per minute, with a burst of the same size.
func NewNotifier(station string, kinds []events.Kind, perMinute int, sender Sender, opts ...Option) *Notifier {
	perMinute = max(perMinute, 1)
	n := &Notifier{
		station:  station,
		kinds:    make(map[events.Kind]bool, len(kinds)),
		sender:   sender,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		recorder: noopRecorder{},
		log:      GetLogger(),
	}
	for _, k := range kinds {
		n.kinds[k] = true
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// FromSettings builds a notifier with a shoutrrr router for the configured
// URLs
func FromSettings(s *conf.Settings, opts ...Option) (*Notifier, error) {
	kinds := make([]events.Kind, 0, len(s.Notification.Kinds))
	for _, name := range s.Notification.Kinds {
		k, err := events.ParseKind(name)
		if err != nil {
			return nil, errors.New(err).
				Component(ComponentNotification).
				Category(errors.CategoryConfig).
				Build()
		}
		kinds = append(kinds, k)
	}

	sender, err := shoutrrr.CreateSender(s.Notification.URLs...)
	if err != nil {
		return nil, errors.New(sanitize(err)).
			Component(ComponentNotification).
			Category(errors.CategoryConfig).
			Context("urls", len(s.Notification.URLs)).
			Build()
	}
	sender.Timeout = defaultSendTimeout
	sender.SetLogger(log.New(io.Discard, "", 0))

	return NewNotifier(s.Main.Name, kinds, s.Notification.RateLimit, sender, opts...), nil
}

// Name implements events.EventConsumer
func (n *Notifier) Name() string { return ComponentNotification }

// ProcessEvent implements events.EventConsumer
func (n *Notifier) ProcessEvent(e events.HealthEvent) error {
	if !n.kinds[e.Kind] {
		n.recorder.RecordFiltered("kind")
		return nil
	}
	if !n.limiter.Allow() {
		n.recorder.RecordFiltered("rate_limit")
		n.recorder.RecordDelivery(string(e.Kind), metrics.StatusSkipped, 0)
		n.log.Warn("notification rate limit reached, dropping event",
			logger.String("kind", string(e.Kind)))
		return nil
	}

	params := stypes.Params{}
	params.SetTitle(n.title(e))

	start := time.Now()
	errs := slices.DeleteFunc(n.sender.Send(n.Format(e), &params), func(err error) bool { return err == nil })
	elapsed := time.Since(start).Seconds()

	if len(errs) > 0 {
		n.recorder.RecordDelivery(string(e.Kind), metrics.StatusError, elapsed)
		err := sanitize(errors.Join(errs...))
		n.log.Error("notification delivery failed",
			logger.String("kind", string(e.Kind)),
			logger.Int("failed_services", len(errs)),
			logger.Error(err))
		return errors.New(err).
			Component(ComponentNotification).
			Category(errors.CategoryNetwork).
			Context("kind", string(e.Kind)).
			Build()
	}

	n.recorder.RecordDelivery(string(e.Kind), metrics.StatusSuccess, elapsed)
	n.log.Debug("notification sent", logger.String("kind", string(e.Kind)))
	return nil
}

// Format renders the message body of an event
func (n *Notifier) Format(e events.HealthEvent) string {
	return fmt.Sprintf("[airlog %s] %s: %s", n.station, e.Kind, e.Message)
}

func (n *Notifier) title(e events.HealthEvent) string {
	return fmt.Sprintf("airlog %s: %s (%s)", n.station, strings.ToLower(string(e.Kind)), e.Severity)
}

var serviceCredentials = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.-]*://)[^@\s/]+@`)

// sanitize removes service tokens shoutrrr includes in its errors
func sanitize(err error) error {
	if err == nil {
		return nil
	}
	msg := serviceCredentials.ReplaceAllString(err.Error(), "${1}[REDACTED]@")
	return errors.NewStd(logger.RedactSensitiveData(msg))
}

type noopRecorder struct{}

func (noopRecorder) RecordDelivery(string, string, float64) {}
func (noopRecorder) RecordFiltered(string)                  {}

var _ DeliveryRecorder = (*metrics.NotificationMetrics)(nil)

// GetLogger returns the notification module logger
func GetLogger() logger.Logger {
	return logger.Global().Module(ComponentNotification)
}
