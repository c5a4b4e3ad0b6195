// Package httpserver exposes session health, status and metrics over HTTP.
package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/airlog/airlog/internal/logger"
	"github.com/airlog/airlog/internal/session"
	"github.com/airlog/airlog/internal/streaming"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

// StatusProvider reports the state of the capture session
type StatusProvider interface {
	Status() session.Status
}

// TargetController toggles stream targets of the running session
type TargetController interface {
	EnableTarget(ctx context.Context, kind streaming.Kind) error
	DisableTarget(kind streaming.Kind) error
}

// MonitorController adjusts live playback of the running session
type MonitorController interface {
	SetMonitorVolume(v float64) (float64, error)
}

// Server is the status and metrics HTTP server
type Server struct {
	echo    *echo.Echo
	addr    string
	log     logger.Logger
	status  StatusProvider
	targets TargetController
	metrics http.Handler
	chunks  ChunkLister
	monitor MonitorController

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
	started  time.Time
}

// ServerOption configures optional server dependencies
type ServerOption func(*Server)

// WithTargets enables the target toggle endpoints
func WithTargets(tc TargetController) ServerOption {
	return func(s *Server) { s.targets = tc }
}

// WithMetrics serves h on /metrics
func WithMetrics(h http.Handler) ServerOption {
	return func(s *Server) { s.metrics = h }
}

// WithMonitor enables the monitor volume endpoint
func WithMonitor(mc MonitorController) ServerOption {
	return func(s *Server) { s.monitor = mc }
}

// WithChunks serves catalog queries on /api/v1/chunks
func WithChunks(cl ChunkLister) ServerOption {
	return func(s *Server) { s.chunks = cl }
}

// New creates a server listening on addr once started
func New(addr string, status StatusProvider, opts ...ServerOption) *Server {
	s := &Server{
		addr:    addr,
		status:  status,
		log:     GetLogger(),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Server.ReadTimeout = readTimeout
	s.echo.Server.WriteTimeout = writeTimeout

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.echo.Use(echomw.Recover())
	s.echo.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		LogValuesFunc: func(_ echo.Context, v echomw.RequestLoggerValues) error {
			fields := []logger.Field{
				logger.String("method", v.Method),
				logger.String("uri", v.URI),
				logger.Int("status", v.Status),
				logger.String("ip", v.RemoteIP),
				logger.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, logger.Error(v.Error))
			}
			s.log.Debug("request", fields...)
			return nil
		},
	}))
}

func (s *Server) setupRoutes() {
	s.echo.GET("/healthz", s.healthCheck)

	api := s.echo.Group("/api/v1")
	api.GET("/status", s.getStatus)
	if s.targets != nil {
		api.POST("/targets/:kind/enable", s.enableTarget)
		api.POST("/targets/:kind/disable", s.disableTarget)
	}
	if s.chunks != nil {
		api.GET("/chunks", s.listChunks)
	}
	if s.monitor != nil {
		api.PUT("/monitor/volume", s.setMonitorVolume)
	}
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics))
	}
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.echo.Listener = ln

	s.wg.Go(func() {
		if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("status server error", logger.Error(err))
		}
	})
	s.log.Info("status server started", logger.String("address", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, useful with port 0
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server, waiting for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	err := s.echo.Shutdown(ctx)
	s.wg.Wait()
	if err != nil {
		s.log.Error("error during status server shutdown", logger.Error(err))
		return err
	}
	s.log.Info("status server stopped")
	return nil
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.echo
}

// GetLogger returns the httpserver module logger
func GetLogger() logger.Logger {
	return logger.Global().Module("httpserver")
}
