// Package record runs continuous capture until interrupted
package record

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/airlog/airlog/internal/app"
	"github.com/airlog/airlog/internal/buildinfo"
	"github.com/airlog/airlog/internal/conf"
	"github.com/airlog/airlog/internal/errors"
	"github.com/airlog/airlog/internal/logger"
)

const telemetryFlushTimeout = 2 * time.Second

// Options of the record command
type Options struct {
	ConfigPath      string
	Debug           bool
	Monitor         bool
	MonitorInterval time.Duration
}

// Command creates the record command
func Command() *cobra.Command {
	opts := &Options{}

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Start continuous capture",
		Long: "Capture from the configured device into rotating WAV chunks, optionally re-streaming " +
			"to RTMP and Icecast. SIGINT or SIGTERM stops the session gracefully.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return Run(ctx, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "Path to config.yaml (default: search ./, ~/.config/airlog, /etc/airlog)")
	cmd.Flags().BoolVarP(&opts.Debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().BoolVar(&opts.Monitor, "monitor", false, "Print a status line every --monitor-interval")
	cmd.Flags().DurationVar(&opts.MonitorInterval, "monitor-interval", 2*time.Second, "Status line interval for --monitor")
	return cmd
}

// Run loads settings, sets up logging and telemetry and runs the capture
// session until ctx is cancelled
func Run(ctx context.Context, opts *Options, out io.Writer) error {
	settings, err := conf.Load(opts.ConfigPath)
	if err != nil {
		return err
	}

	closeLog, err := setupLogging(settings, opts.Debug)
	if err != nil {
		return err
	}
	defer closeLog()
	log := logger.Global().Module("main")

	if settings.Sentry.Enabled {
		reporter, err := errors.InitSentry(settings.Sentry.DSN, buildinfo.Current().GetVersion())
		if err != nil {
			log.Warn("error telemetry disabled", logger.Error(err))
		} else {
			errors.SetTelemetryReporter(reporter)
			defer errors.FlushTelemetry(telemetryFlushTimeout)
		}
	}

	log.Info("starting airlog",
		logger.String("version", buildinfo.Current().GetVersion()),
		logger.String("station", settings.Main.Name),
		logger.String("config", settings.ConfigFile),
		logger.String("output_directory", settings.Recording.OutputDirectory))

	return app.Run(ctx, settings, app.Options{
		Monitor:         opts.Monitor,
		MonitorInterval: opts.MonitorInterval,
		Out:             out,
	})
}

// setupLogging installs the configured central logger as the global logger
func setupLogging(settings *conf.Settings, debug bool) (func(), error) {
	cfg := settings.Logging
	if debug {
		cfg.DefaultLevel = "debug"
		if cfg.Console != nil {
			console := *cfg.Console
			console.Level = "debug"
			cfg.Console = &console
		}
	}

	cl, err := logger.NewCentralLogger(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger.SetGlobal(cl)
	return func() { _ = cl.Close() }, nil
}
