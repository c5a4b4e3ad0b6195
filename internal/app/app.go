// Package app runs a capture session together with its observers: the
// event bus consumers, the disk monitor and the status server. It owns the
// startup order and the reverse teardown.
package app

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/airlog/airlog/internal/conf"
	"github.com/airlog/airlog/internal/datastore"
	"github.com/airlog/airlog/internal/errors"
	"github.com/airlog/airlog/internal/events"
	"github.com/airlog/airlog/internal/httpserver"
	"github.com/airlog/airlog/internal/logger"
	"github.com/airlog/airlog/internal/monitor"
	"github.com/airlog/airlog/internal/mqtt"
	"github.com/airlog/airlog/internal/notification"
	"github.com/airlog/airlog/internal/observability"
	"github.com/airlog/airlog/internal/observability/metrics"
	"github.com/airlog/airlog/internal/replication"
	"github.com/airlog/airlog/internal/session"
)

const (
	busShutdownTimeout  = 5 * time.Second
	replicationDrain    = 30 * time.Second
	mqttConnectTimeout  = 10 * time.Second
	defaultMonitorEvery = 2 * time.Second
	catalogLookupWait   = 5 * time.Second
)

// Options of a run
type Options struct {
	// Monitor prints a status line to Out every MonitorInterval
	Monitor         bool
	MonitorInterval time.Duration
	Out             io.Writer
	// Deps overrides session collaborators, mainly for tests
	Deps session.Deps
}

// App is one wired capture run
type App struct {
	settings *conf.Settings
	opts     Options
	log      logger.Logger

	bus      *events.EventBus
	ctrl     *session.Controller
	metrics  *observability.Metrics
	server   *httpserver.Server
	disk     *monitor.DiskMonitor
	store    *datastore.Store
	replica  *replication.Replicator
	mqttPub  *mqtt.Publisher
	stopLine chan struct{}
	lineDone chan struct{}
}

// Run starts capture and blocks until ctx is cancelled or the session ends
// on its own. A session that ends with a fatal error returns that error.
func Run(ctx context.Context, settings *conf.Settings, opts Options) error {
	a, err := New(settings, opts)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		a.Close()
		return err
	}

	select {
	case <-ctx.Done():
		a.log.Info("shutdown requested")
	case <-a.ctrl.Done():
		a.log.Warn("capture session ended")
	}
	return a.Stop()
}

// New builds the bus, the controller and every enabled observer without
// starting capture
func New(settings *conf.Settings, opts Options) (*App, error) {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = defaultMonitorEvery
	}

	a := &App{settings: settings, opts: opts, log: GetLogger()}
	a.bus = events.New(events.DefaultConfig(), events.GetLogger())

	deps := opts.Deps
	deps.Bus = a.bus
	if deps.DayCount == nil && settings.Catalog.Enabled {
		deps.DayCount = a.catalogDayCount
	}
	a.ctrl = session.NewController(settings, deps)

	if err := a.setupObservers(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) setupObservers() error {
	s := a.settings

	if err := a.bus.RegisterConsumer(events.NewLogConsumer(events.GetLogger())); err != nil {
		return err
	}

	if s.Metrics.Enabled {
		m, err := observability.NewMetrics(observability.SessionSource(a.ctrl))
		if err != nil {
			return errors.New(err).
				Component(ComponentApp).
				Category(errors.CategorySystem).
				Context("operation", "init_metrics").
				Build()
		}
		a.metrics = m
		if err := a.bus.RegisterConsumer(observability.NewEventCounter(m.Events)); err != nil {
			return err
		}
	}

	if s.Notification.Enabled {
		var opts []notification.Option
		if a.metrics != nil {
			opts = append(opts, notification.WithRecorder(a.metrics.Notification))
		}
		n, err := notification.FromSettings(s, opts...)
		if err != nil {
			return err
		}
		if err := a.bus.RegisterConsumer(n); err != nil {
			return err
		}
	}

	if s.MQTT.Enabled {
		a.setupMQTT()
	}

	if s.Catalog.Enabled {
		var rec metrics.Recorder
		if a.metrics != nil {
			rec = a.metrics.Catalog
		}
		store, err := datastore.Open(s.Catalog, rec)
		if err != nil {
			return err
		}
		a.store = store
		if err := a.bus.RegisterConsumer(datastore.NewCatalog(store)); err != nil {
			return err
		}
	}

	if s.Replication.Enabled {
		var rec replication.MetricsRecorder
		if a.metrics != nil {
			rec = a.metrics.Replication
		}
		r, err := replication.FromSettings(s.Replication, rec)
		if err != nil {
			return err
		}
		a.replica = r
		if err := a.bus.RegisterConsumer(r); err != nil {
			return err
		}
	}

	if s.Monitor.Enabled {
		var mopts []monitor.Option
		if a.metrics != nil {
			mopts = append(mopts, monitor.WithRecorder(a.metrics.Disk))
		}
		a.disk = monitor.New(monitor.ConfigFromSettings(s), a.bus, mopts...)
	}

	if s.Metrics.Enabled {
		sopts := []httpserver.ServerOption{
			httpserver.WithTargets(a.ctrl),
			httpserver.WithMonitor(a.ctrl),
			httpserver.WithMetrics(a.metrics.Handler()),
		}
		if a.store != nil {
			sopts = append(sopts, httpserver.WithChunks(a.store))
		}
		a.server = httpserver.New(s.Metrics.Listen, a.ctrl, sopts...)
	}
	return nil
}

// setupMQTT connects the publisher. An unreachable broker is logged and
// the publisher left out; capture does not depend on it.
func (a *App) setupMQTT() {
	var rec mqtt.MetricsRecorder
	if a.metrics != nil {
		rec = a.metrics.MQTT
	}
	pub := mqtt.FromSettings(a.settings, rec, func() any { return a.ctrl.Status() })

	ctx, cancel := context.WithTimeout(context.Background(), mqttConnectTimeout)
	defer cancel()
	if err := pub.Connect(ctx); err != nil {
		a.log.Warn("MQTT broker unavailable, events will not be published",
			logger.String("broker", logger.RedactURL(a.settings.MQTT.Broker)),
			logger.Error(err))
		pub.Close()
		return
	}
	if err := a.bus.RegisterConsumer(pub); err != nil {
		a.log.Warn("failed to register MQTT publisher", logger.Error(err))
		pub.Close()
		return
	}
	a.mqttPub = pub
}

// Start starts the observers, then capture
func (a *App) Start(ctx context.Context) error {
	if a.replica != nil {
		a.replica.Start(context.WithoutCancel(ctx))
	}
	if a.disk != nil {
		a.disk.Start(context.WithoutCancel(ctx))
	}
	if a.server != nil {
		if err := a.server.Start(); err != nil {
			return err
		}
		a.log.Info("status server listening", logger.String("addr", a.server.Addr()))
	}

	if err := a.ctrl.Start(ctx); err != nil {
		return err
	}

	if a.opts.Monitor {
		a.stopLine = make(chan struct{})
		a.lineDone = make(chan struct{})
		go a.statusLoop()
	}
	return nil
}

// Stop stops capture within session.shutdown_timeout, then the observers.
// It returns the error that ended the session, if any.
func (a *App) Stop() error {
	timeout := a.settings.Session.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := a.ctrl.Stop(ctx)
	if err != nil {
		a.log.Error("capture session stopped with error", logger.Error(err))
	} else {
		a.log.Info("capture session stopped")
	}
	a.Close()
	return err
}

// Close releases everything New and Start created except the session
func (a *App) Close() {
	if a.stopLine != nil {
		close(a.stopLine)
		<-a.lineDone
		a.stopLine = nil
	}
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), busShutdownTimeout)
		if err := a.server.Shutdown(ctx); err != nil {
			a.log.Warn("status server shutdown", logger.Error(err))
		}
		cancel()
	}
	if a.disk != nil {
		a.disk.Stop()
	}

	// drain queued events into the consumers before closing them
	if err := a.bus.Shutdown(busShutdownTimeout); err != nil {
		a.log.Warn("event bus shutdown", logger.Error(err))
	}
	stats := a.bus.GetStats()
	a.log.Debug("event bus stopped",
		logger.Uint64("received", stats.EventsReceived),
		logger.Uint64("processed", stats.EventsProcessed),
		logger.Uint64("dropped", stats.EventsDropped),
		logger.Uint64("suppressed", stats.EventsSuppressed))

	if a.replica != nil {
		a.replica.Stop(replicationDrain)
	}
	if a.mqttPub != nil {
		a.mqttPub.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("closing chunk catalog", logger.Error(err))
		}
	}
}

// catalogDayCount seeds the daily chunk cap from the catalog, which still
// lists chunks that replication deleted locally
func (a *App) catalogDayCount(day string) (int, error) {
	if a.store == nil {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), catalogLookupWait)
	defer cancel()
	return a.store.CountChunks(ctx, day, a.settings.Recording.FilenamePrefix)
}

// Controller returns the session controller
func (a *App) Controller() *session.Controller { return a.ctrl }

// GetLogger returns the app module logger
func GetLogger() logger.Logger {
	return logger.Global().Module(ComponentApp)
}

// ComponentApp is the error and log component of the package
const ComponentApp = "app"
