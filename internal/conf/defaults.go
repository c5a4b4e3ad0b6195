package conf

import (
	"time"

	"github.com/spf13/viper"

	"github.com/airlog/airlog/internal/logger"
)

// DefaultNotificationKinds are the event kinds that trigger an alert by default
var DefaultNotificationKinds = []string{
	"STALL_DETECTED",
	"RECOVERY_FAILED",
	"TARGET_FAILED",
	"QUOTA_REACHED",
	"WRITE_FAILED",
	"DISK_LOW",
}

// setDefaultConfig registers the default for every recognised key. Keys
// absent here cannot be set through the environment alone.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("main.name", "airlog")

	v.SetDefault("logging.default_level", logger.DefaultLogLevel)
	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.console.enabled", logger.DefaultConsoleEnabled)
	v.SetDefault("logging.console.level", logger.DefaultLogLevel)
	v.SetDefault("logging.file_output.enabled", false)
	v.SetDefault("logging.file_output.path", logger.DefaultLogPath)
	v.SetDefault("logging.file_output.max_size", logger.DefaultMaxSize)
	v.SetDefault("logging.file_output.max_age", logger.DefaultMaxAge)
	v.SetDefault("logging.file_output.max_rotated_files", logger.DefaultMaxRotatedFiles)
	v.SetDefault("logging.file_output.compress", true)
	v.SetDefault("logging.file_output.level", logger.DefaultLogLevel)
	v.SetDefault("logging.module_levels", map[string]string{})

	v.SetDefault("audio.device", "")
	v.SetDefault("audio.backend", "")
	v.SetDefault("audio.device_index", -1)
	v.SetDefault("audio.sample_rate", 48000)
	v.SetDefault("audio.channels", 2)
	v.SetDefault("audio.sample_format", "s16")
	v.SetDefault("audio.frame_size", 1024)
	v.SetDefault("audio.monitor.enabled", false)
	v.SetDefault("audio.monitor.device", "")
	v.SetDefault("audio.monitor.volume", 1.0)

	v.SetDefault("recording.output_directory", "recordings")
	v.SetDefault("recording.filename_prefix", "airlog")
	v.SetDefault("recording.filename_date", false)
	v.SetDefault("recording.chunk_duration_minutes", 15)
	v.SetDefault("recording.max_chunks_per_day", 96)

	v.SetDefault("queue.capacity_seconds", 2.0)
	v.SetDefault("queue.writer_buffer_seconds", 10.0)

	v.SetDefault("watchdog.poll_interval", time.Second)
	v.SetDefault("watchdog.stall_threshold_seconds", 10)
	v.SetDefault("watchdog.max_recovery_attempts", 5)
	v.SetDefault("watchdog.recovery_grace", 5*time.Second)

	v.SetDefault("streaming.ffmpeg_path", "")
	v.SetDefault("streaming.stop_timeout", 5*time.Second)
	v.SetDefault("streaming.buffer_seconds", 5.0)
	v.SetDefault("streaming.rtmp.enabled", false)
	v.SetDefault("streaming.rtmp.url", "")
	v.SetDefault("streaming.rtmp.audio_bitrate_kbps", 128)
	v.SetDefault("streaming.icecast.enabled", false)
	v.SetDefault("streaming.icecast.host", "localhost")
	v.SetDefault("streaming.icecast.port", 8000)
	v.SetDefault("streaming.icecast.mount", "/live")
	v.SetDefault("streaming.icecast.source_password", "")
	v.SetDefault("streaming.icecast.audio_bitrate_kbps", 128)

	v.SetDefault("session.shutdown_timeout", 10*time.Second)

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.interval", time.Minute)
	v.SetDefault("monitor.disk_warning_percent", 85.0)
	v.SetDefault("monitor.disk_critical_percent", 95.0)

	v.SetDefault("notification.enabled", false)
	v.SetDefault("notification.urls", []string{})
	v.SetDefault("notification.kinds", DefaultNotificationKinds)
	v.SetDefault("notification.rate_limit", 10)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.topic", "airlog")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.client_id", "")

	v.SetDefault("catalog.enabled", false)
	v.SetDefault("catalog.type", "sqlite")
	v.SetDefault("catalog.path", "airlog.db")
	v.SetDefault("catalog.mysql.host", "localhost")
	v.SetDefault("catalog.mysql.port", 3306)
	v.SetDefault("catalog.mysql.username", "")
	v.SetDefault("catalog.mysql.password", "")
	v.SetDefault("catalog.mysql.database", "airlog")

	v.SetDefault("replication.enabled", false)
	v.SetDefault("replication.type", "sftp")
	v.SetDefault("replication.host", "")
	v.SetDefault("replication.port", 0)
	v.SetDefault("replication.username", "")
	v.SetDefault("replication.password", "")
	v.SetDefault("replication.key_file", "")
	v.SetDefault("replication.known_hosts", "")
	v.SetDefault("replication.remote_path", "airlog")
	v.SetDefault("replication.timeout", 30*time.Second)
	v.SetDefault("replication.delete_after", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:8090")

	v.SetDefault("sentry.enabled", false)
	v.SetDefault("sentry.dsn", "")
}
