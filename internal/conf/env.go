package conf

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// envBinding holds metadata for an environment variable binding
type envBinding struct {
	ConfigKey string             // viper config key
	EnvVar    string             // environment variable name
	Validate  func(string) error // optional validation
}

// getEnvBindings lists variables that are validated before they reach the
// settings. Every other key is still reachable through AutomaticEnv as
// AIRLOG_<SECTION>_<KEY>.
func getEnvBindings() []envBinding {
	return []envBinding{
		{"audio.device", "AIRLOG_AUDIO_DEVICE", nil},
		{"audio.sample_rate", "AIRLOG_AUDIO_SAMPLE_RATE", validateEnvPositiveInt},
		{"audio.channels", "AIRLOG_AUDIO_CHANNELS", validateEnvPositiveInt},
		{"recording.output_directory", "AIRLOG_RECORDING_OUTPUT_DIRECTORY", nil},
		{"recording.chunk_duration_minutes", "AIRLOG_RECORDING_CHUNK_DURATION_MINUTES", validateEnvPositiveInt},

		// secrets are commonly injected by container runtimes
		{"streaming.rtmp.url", "AIRLOG_STREAMING_RTMP_URL", validateEnvURL},
		{"streaming.icecast.source_password", "AIRLOG_STREAMING_ICECAST_SOURCE_PASSWORD", nil},
		{"mqtt.password", "AIRLOG_MQTT_PASSWORD", nil},
		{"replication.password", "AIRLOG_REPLICATION_PASSWORD", nil},
		{"catalog.mysql.password", "AIRLOG_CATALOG_MYSQL_PASSWORD", nil},
		{"sentry.dsn", "AIRLOG_SENTRY_DSN", validateEnvURL},
		{"sentry.enabled", "AIRLOG_SENTRY_ENABLED", validateEnvBool},
	}
}

// bindEnvVars binds the listed variables and validates the ones that are set
func bindEnvVars(v *viper.Viper) error {
	var warnings []string

	for _, binding := range getEnvBindings() {
		if err := v.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("failed to bind %s: %v", binding.EnvVar, err))
			continue
		}

		if binding.Validate == nil {
			continue
		}
		if envValue := os.Getenv(binding.EnvVar); envValue != "" {
			if err := binding.Validate(envValue); err != nil {
				warnings = append(warnings, fmt.Sprintf("invalid %s value: %v", binding.EnvVar, err))
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}
	return nil
}

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("must be true or false")
	}
	return nil
}

func validateEnvPositiveInt(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return fmt.Errorf("must be a positive integer")
	}
	return nil
}

// validateEnvURL checks for a scheme and host. The value itself is never
// echoed since it usually carries credentials.
func validateEnvURL(value string) error {
	u, err := url.Parse(value)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("must be an absolute url")
	}
	return nil
}
