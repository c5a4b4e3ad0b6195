// Package conf loads, validates and saves airlog settings.
package conf

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/airlog/airlog/internal/errors"
	"github.com/airlog/airlog/internal/logger"
)

//go:embed config.yaml
var configFiles embed.FS

// EnvPrefix is prepended to every environment override, e.g. AIRLOG_AUDIO_DEVICE
const EnvPrefix = "AIRLOG"

// ConfigEnvVar names an explicit config file when --config is not given
const ConfigEnvVar = "AIRLOG_CONFIG"

// MainSettings identifies this recorder in notifications and MQTT topics
type MainSettings struct {
	Name string `mapstructure:"name" yaml:"name" validate:"required"`
}

// AudioSettings selects and configures the capture device
type AudioSettings struct {
	Device       string `mapstructure:"device" yaml:"device"`             // device name substring, "" for default, "synthetic" for the tone generator
	Backend      string `mapstructure:"backend" yaml:"backend"`           // miniaudio backend, "" picks the platform default
	DeviceIndex  int    `mapstructure:"device_index" yaml:"device_index"` // -1 selects by name or default
	SampleRate   int    `mapstructure:"sample_rate" yaml:"sample_rate" validate:"min=8000,max=384000"`
	Channels     int    `mapstructure:"channels" yaml:"channels" validate:"min=1,max=8"`
	SampleFormat string `mapstructure:"sample_format" yaml:"sample_format" validate:"oneof=s16 s24 s32 f32"`
	FrameSize    int    `mapstructure:"frame_size" yaml:"frame_size" validate:"min=16,max=65536"` // sample frames per driver callback

	Monitor AudioMonitorSettings `mapstructure:"monitor" yaml:"monitor"`
}

// AudioMonitorSettings controls live playback of the captured audio
type AudioMonitorSettings struct {
	Enabled bool    `mapstructure:"enabled" yaml:"enabled"`
	Device  string  `mapstructure:"device" yaml:"device"` // output device name substring, "" for the default output
	Volume  float64 `mapstructure:"volume" yaml:"volume" validate:"min=0,max=1.5"`
}

// RecordingSettings controls the WAV archive
type RecordingSettings struct {
	OutputDirectory      string `mapstructure:"output_directory" yaml:"output_directory" validate:"required"`
	FilenamePrefix       string `mapstructure:"filename_prefix" yaml:"filename_prefix" validate:"required,excludesall=/\\"`
	FilenameDate         bool   `mapstructure:"filename_date" yaml:"filename_date"` // prefix_YYYYMMDD_HHMMSS.wav instead of prefix_HHMMSS.wav
	ChunkDurationMinutes int    `mapstructure:"chunk_duration_minutes" yaml:"chunk_duration_minutes" validate:"min=1,max=1440"`
	MaxChunksPerDay      int    `mapstructure:"max_chunks_per_day" yaml:"max_chunks_per_day" validate:"min=1"`
}

// ChunkDuration returns the configured chunk length
func (r RecordingSettings) ChunkDuration() time.Duration {
	return time.Duration(r.ChunkDurationMinutes) * time.Minute
}

// QueueSettings sizes the frame queue and the writer's sink buffer
type QueueSettings struct {
	CapacitySeconds     float64 `mapstructure:"capacity_seconds" yaml:"capacity_seconds" validate:"gt=0"`
	WriterBufferSeconds float64 `mapstructure:"writer_buffer_seconds" yaml:"writer_buffer_seconds" validate:"gt=0"`
}

// WatchdogSettings controls stall detection and device recovery
type WatchdogSettings struct {
	PollInterval          time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" validate:"min=10ms"`
	StallThresholdSeconds int           `mapstructure:"stall_threshold_seconds" yaml:"stall_threshold_seconds" validate:"min=1"`
	MaxRecoveryAttempts   int           `mapstructure:"max_recovery_attempts" yaml:"max_recovery_attempts" validate:"min=1"`
	RecoveryGrace         time.Duration `mapstructure:"recovery_grace" yaml:"recovery_grace" validate:"min=100ms"`
}

// StallThreshold returns the stall threshold as a duration
func (w WatchdogSettings) StallThreshold() time.Duration {
	return time.Duration(w.StallThresholdSeconds) * time.Second
}

// RTMPSettings configures the RTMP re-stream
type RTMPSettings struct {
	Enabled          bool   `mapstructure:"enabled" yaml:"enabled"`
	URL              string `mapstructure:"url" yaml:"url"`
	AudioBitrateKbps int    `mapstructure:"audio_bitrate_kbps" yaml:"audio_bitrate_kbps" validate:"min=8,max=512"`
}

// IcecastSettings configures the Icecast source connection
type IcecastSettings struct {
	Enabled          bool   `mapstructure:"enabled" yaml:"enabled"`
	Host             string `mapstructure:"host" yaml:"host"`
	Port             int    `mapstructure:"port" yaml:"port" validate:"min=1,max=65535"`
	Mount            string `mapstructure:"mount" yaml:"mount"`
	SourcePassword   string `mapstructure:"source_password" yaml:"source_password"`
	AudioBitrateKbps int    `mapstructure:"audio_bitrate_kbps" yaml:"audio_bitrate_kbps" validate:"min=8,max=320"`
}

// StreamingSettings configures ffmpeg based live targets
type StreamingSettings struct {
	FFmpegPath    string          `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
	StopTimeout   time.Duration   `mapstructure:"stop_timeout" yaml:"stop_timeout" validate:"min=100ms"`
	BufferSeconds float64         `mapstructure:"buffer_seconds" yaml:"buffer_seconds" validate:"gt=0"`
	RTMP          RTMPSettings    `mapstructure:"rtmp" yaml:"rtmp"`
	Icecast       IcecastSettings `mapstructure:"icecast" yaml:"icecast"`
}

// SessionSettings bounds session lifecycle operations
type SessionSettings struct {
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"min=100ms"`
}

// MonitorSettings controls the archive disk usage monitor
type MonitorSettings struct {
	Enabled             bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval            time.Duration `mapstructure:"interval" yaml:"interval" validate:"min=1s"`
	DiskWarningPercent  float64       `mapstructure:"disk_warning_percent" yaml:"disk_warning_percent" validate:"gt=0,lte=100"`
	DiskCriticalPercent float64       `mapstructure:"disk_critical_percent" yaml:"disk_critical_percent" validate:"gt=0,lte=100"`
}

// NotificationSettings configures shoutrrr alerts
type NotificationSettings struct {
	Enabled   bool     `mapstructure:"enabled" yaml:"enabled"`
	URLs      []string `mapstructure:"urls" yaml:"urls"`
	Kinds     []string `mapstructure:"kinds" yaml:"kinds"`
	RateLimit int      `mapstructure:"rate_limit" yaml:"rate_limit" validate:"min=1"` // notifications per minute
}

// MQTTSettings configures the MQTT health publisher
type MQTTSettings struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Broker   string `mapstructure:"broker" yaml:"broker"`
	Topic    string `mapstructure:"topic" yaml:"topic"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	ClientID string `mapstructure:"client_id" yaml:"client_id"`
}

// MySQLSettings holds catalog connection details for MySQL
type MySQLSettings struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	Database string `mapstructure:"database" yaml:"database"`
}

// CatalogSettings configures the chunk catalog database
type CatalogSettings struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	Type    string        `mapstructure:"type" yaml:"type" validate:"oneof=sqlite mysql"`
	Path    string        `mapstructure:"path" yaml:"path"`
	MySQL   MySQLSettings `mapstructure:"mysql" yaml:"mysql"`
}

// ReplicationSettings configures off-site upload of finalized chunks
type ReplicationSettings struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	Type        string        `mapstructure:"type" yaml:"type" validate:"oneof=ftp sftp"`
	Host        string        `mapstructure:"host" yaml:"host"`
	Port        int           `mapstructure:"port" yaml:"port" validate:"min=0,max=65535"` // 0 picks 21 or 22
	Username    string        `mapstructure:"username" yaml:"username"`
	Password    string        `mapstructure:"password" yaml:"password"`
	KeyFile     string        `mapstructure:"key_file" yaml:"key_file"`       // sftp private key
	KnownHosts  string        `mapstructure:"known_hosts" yaml:"known_hosts"` // sftp known_hosts file
	RemotePath  string        `mapstructure:"remote_path" yaml:"remote_path"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"min=1s"`
	DeleteAfter bool          `mapstructure:"delete_after" yaml:"delete_after"`
}

// MetricsSettings configures the status and metrics HTTP endpoint
type MetricsSettings struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
}

// SentrySettings configures error telemetry
type SentrySettings struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	DSN     string `mapstructure:"dsn" yaml:"dsn"`
}

// Settings is the complete airlog configuration
type Settings struct {
	Main         MainSettings         `mapstructure:"main" yaml:"main"`
	Logging      logger.LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Audio        AudioSettings        `mapstructure:"audio" yaml:"audio"`
	Recording    RecordingSettings    `mapstructure:"recording" yaml:"recording"`
	Queue        QueueSettings        `mapstructure:"queue" yaml:"queue"`
	Watchdog     WatchdogSettings     `mapstructure:"watchdog" yaml:"watchdog"`
	Streaming    StreamingSettings    `mapstructure:"streaming" yaml:"streaming"`
	Session      SessionSettings      `mapstructure:"session" yaml:"session"`
	Monitor      MonitorSettings      `mapstructure:"monitor" yaml:"monitor"`
	Notification NotificationSettings `mapstructure:"notification" yaml:"notification"`
	MQTT         MQTTSettings         `mapstructure:"mqtt" yaml:"mqtt"`
	Catalog      CatalogSettings      `mapstructure:"catalog" yaml:"catalog"`
	Replication  ReplicationSettings  `mapstructure:"replication" yaml:"replication"`
	Metrics      MetricsSettings      `mapstructure:"metrics" yaml:"metrics"`
	Sentry       SentrySettings       `mapstructure:"sentry" yaml:"sentry"`

	// ConfigFile is the file the settings were read from
	ConfigFile string `mapstructure:"-" yaml:"-"`
}

// Load reads settings from configPath, or from the first config.yaml found
// in the default search paths. When nothing is found and no path was given,
// the embedded default is written to the first search path and loaded.
// Environment variables prefixed with AIRLOG_ override file values.
func Load(configPath string) (*Settings, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaultConfig(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindEnvVars(v); err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryConfig).
			Context("operation", "bind-env").
			Build()
	}

	if configPath == "" {
		configPath = os.Getenv(ConfigEnvVar)
	}

	file, err := resolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}

	v.SetConfigFile(file)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.New(fmt.Errorf("error reading config file: %w", err)).
			Component("conf").
			Category(errors.CategoryConfig).
			Context("config_file", file).
			Build()
	}

	settings := &Settings{}
	if err := v.UnmarshalExact(settings); err != nil {
		return nil, errors.New(fmt.Errorf("error unmarshaling config into struct: %w", err)).
			Component("conf").
			Category(errors.CategoryConfig).
			Context("config_file", file).
			Build()
	}
	settings.ConfigFile = file
	settings.Recording.OutputDirectory = ExpandPath(settings.Recording.OutputDirectory)

	if err := ValidateSettings(settings); err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryConfig).
			Context("config_file", file).
			Build()
	}

	return settings, nil
}

// resolveConfigFile returns the file to read, creating the default config
// when no explicit path was given and no file exists on the search path.
func resolveConfigFile(configPath string) (string, error) {
	if configPath != "" {
		info, err := os.Stat(configPath)
		if err != nil {
			return "", errors.New(fmt.Errorf("config file not found: %w", err)).
				Component("conf").
				Category(errors.CategoryConfig).
				Context("config_file", configPath).
				Build()
		}
		if info.IsDir() {
			configPath = filepath.Join(configPath, "config.yaml")
		}
		return configPath, nil
	}

	if found, err := FindConfigFile(); err == nil {
		return found, nil
	}

	return createDefaultConfig()
}

// createDefaultConfig writes the embedded default config to the first
// default config path and returns its location.
func createDefaultConfig() (string, error) {
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return "", err
	}

	// the working directory is first on the search path but a poor home for a
	// generated config; prefer the user config directory
	dir := configPaths[0]
	if len(configPaths) > 1 {
		dir = configPaths[1]
	}
	configPath := filepath.Join(dir, "config.yaml")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.New(fmt.Errorf("error creating directories for config file: %w", err)).
			Component("conf").
			Category(errors.CategoryFileIO).
			Context("path", dir).
			Build()
	}

	if err := os.WriteFile(configPath, DefaultConfig(), 0o644); err != nil { //nolint:gosec // config is not secret until edited
		return "", errors.New(fmt.Errorf("error writing default config file: %w", err)).
			Component("conf").
			Category(errors.CategoryFileIO).
			Context("path", configPath).
			Build()
	}

	GetLogger().Info("created default config file", logger.String("path", configPath))
	return configPath, nil
}

// DefaultConfig returns the embedded default config.yaml
func DefaultConfig() []byte {
	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		// embedded at build time; absence is a build defect
		panic(fmt.Sprintf("embedded config.yaml missing: %v", err))
	}
	return data
}

// SaveSettings writes settings to configPath as YAML. The file is replaced
// atomically through a temporary file in the same directory. Comments in an
// existing file are not preserved.
func SaveSettings(configPath string, settings *Settings) error {
	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tempFileName := tempFile.Name()
	defer os.Remove(tempFileName) //nolint:errcheck // gone after a successful rename

	if _, err := tempFile.Write(yamlData); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("error writing to temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}

	// secrets live in this file
	if err := os.Chmod(tempFileName, 0o600); err != nil {
		return fmt.Errorf("error setting config file permissions: %w", err)
	}

	if err := os.Rename(tempFileName, configPath); err != nil {
		return fmt.Errorf("error replacing config file: %w", err)
	}

	GetLogger().Info("settings saved", logger.String("path", configPath))
	return nil
}

// GetLogger returns the config package logger
func GetLogger() logger.Logger {
	return logger.Global().Module("config")
}
