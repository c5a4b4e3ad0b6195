package conf

import (
	stderrors "errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/airlog/airlog/internal/events"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation errors: %s", strings.Join(ve.Errors, "; "))
}

var validate = newValidator()

// newValidator reports fields by their config key rather than the Go name
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// ValidateSettings checks field ranges through struct tags and then the
// cross-field rules of each section. All problems are collected into a
// single ValidationError.
func ValidateSettings(settings *Settings) error {
	if settings == nil {
		return ValidationError{Errors: []string{"settings are nil"}}
	}

	ve := ValidationError{}

	if err := validate.Struct(settings); err != nil {
		var fieldErrs validator.ValidationErrors
		if stderrors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				ve.Errors = append(ve.Errors, describeFieldError(fe))
			}
		} else {
			ve.Errors = append(ve.Errors, err.Error())
		}
	}

	sections := []func(*Settings) []string{
		validateAudioSettings,
		validateStreamingSettings,
		validateMonitorSettings,
		validateNotificationSettings,
		validateMQTTSettings,
		validateCatalogSettings,
		validateReplicationSettings,
		validateMetricsSettings,
		validateSentrySettings,
	}
	for _, check := range sections {
		ve.Errors = append(ve.Errors, check(settings)...)
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

// describeFieldError drops the root struct name so "Settings.audio.sample_rate"
// reads as the config key.
func describeFieldError(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	if fe.Param() != "" {
		return fmt.Sprintf("%s: failed %s=%s (got %v)", ns, fe.Tag(), fe.Param(), fe.Value())
	}
	return fmt.Sprintf("%s: failed %s", ns, fe.Tag())
}

func validateAudioSettings(s *Settings) []string {
	var errs []string
	if s.Audio.DeviceIndex < -1 {
		errs = append(errs, "audio.device_index must be -1 or a device index")
	}
	if s.Audio.Device != "" && s.Audio.DeviceIndex >= 0 {
		errs = append(errs, "audio.device and audio.device_index are mutually exclusive")
	}
	return errs
}

func validateStreamingSettings(s *Settings) []string {
	var errs []string

	if s.Streaming.RTMP.Enabled {
		u, err := url.Parse(s.Streaming.RTMP.URL)
		switch {
		case s.Streaming.RTMP.URL == "":
			errs = append(errs, "streaming.rtmp.url is required when rtmp is enabled")
		case err != nil:
			errs = append(errs, fmt.Sprintf("streaming.rtmp.url is invalid: %v", err))
		case u.Scheme != "rtmp" && u.Scheme != "rtmps":
			errs = append(errs, "streaming.rtmp.url must use rtmp:// or rtmps://")
		}
	}

	if s.Streaming.Icecast.Enabled {
		ic := s.Streaming.Icecast
		if ic.Host == "" {
			errs = append(errs, "streaming.icecast.host is required when icecast is enabled")
		}
		if !strings.HasPrefix(ic.Mount, "/") {
			errs = append(errs, "streaming.icecast.mount must start with /")
		}
		if ic.SourcePassword == "" {
			errs = append(errs, "streaming.icecast.source_password is required when icecast is enabled")
		}
		// mp3 carries at most two channels
		if s.Audio.Channels > 2 {
			errs = append(errs, "icecast streaming supports at most 2 audio channels")
		}
	}

	return errs
}

func validateMonitorSettings(s *Settings) []string {
	if s.Monitor.DiskWarningPercent >= s.Monitor.DiskCriticalPercent {
		return []string{"monitor.disk_warning_percent must be below monitor.disk_critical_percent"}
	}
	return nil
}

func validateNotificationSettings(s *Settings) []string {
	var errs []string
	for _, kind := range s.Notification.Kinds {
		if _, err := events.ParseKind(kind); err != nil {
			errs = append(errs, fmt.Sprintf("notification.kinds: %v", err))
		}
	}
	if s.Notification.Enabled && len(s.Notification.URLs) == 0 {
		errs = append(errs, "notification.urls must list at least one service url when notifications are enabled")
	}
	return errs
}

func validateMQTTSettings(s *Settings) []string {
	if !s.MQTT.Enabled {
		return nil
	}
	var errs []string
	if s.MQTT.Broker == "" {
		errs = append(errs, "mqtt.broker is required when mqtt is enabled")
	} else if u, err := url.Parse(s.MQTT.Broker); err != nil || u.Host == "" {
		errs = append(errs, fmt.Sprintf("mqtt.broker %q is not a broker url such as tcp://host:1883", s.MQTT.Broker))
	}
	if s.MQTT.Topic == "" {
		errs = append(errs, "mqtt.topic is required when mqtt is enabled")
	}
	return errs
}

func validateCatalogSettings(s *Settings) []string {
	if !s.Catalog.Enabled {
		return nil
	}
	var errs []string
	switch s.Catalog.Type {
	case "sqlite":
		if s.Catalog.Path == "" {
			errs = append(errs, "catalog.path is required for sqlite")
		}
	case "mysql":
		m := s.Catalog.MySQL
		if m.Host == "" || m.Database == "" || m.Username == "" {
			errs = append(errs, "catalog.mysql host, database and username are required for mysql")
		}
	}
	return errs
}

func validateReplicationSettings(s *Settings) []string {
	if !s.Replication.Enabled {
		return nil
	}
	var errs []string
	if s.Replication.Host == "" {
		errs = append(errs, "replication.host is required when replication is enabled")
	}
	if s.Replication.Username == "" {
		errs = append(errs, "replication.username is required when replication is enabled")
	}
	if s.Replication.Type == "ftp" && s.Replication.KeyFile != "" {
		errs = append(errs, "replication.key_file is only supported for sftp")
	}
	if s.Replication.Type == "sftp" && s.Replication.Password == "" && s.Replication.KeyFile == "" {
		errs = append(errs, "replication needs a password or key_file for sftp")
	}
	return errs
}

func validateMetricsSettings(s *Settings) []string {
	if s.Metrics.Enabled && s.Metrics.Listen == "" {
		return []string{"metrics.listen is required when metrics are enabled"}
	}
	return nil
}

func validateSentrySettings(s *Settings) []string {
	if s.Sentry.Enabled && s.Sentry.DSN == "" {
		return []string{"sentry.dsn is required when sentry is enabled"}
	}
	return nil
}
