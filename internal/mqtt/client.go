// Package mqtt publishes health events and session status to an MQTT broker.
package mqtt

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/airlog/airlog/internal/errors"
	"github.com/airlog/airlog/internal/logger"
)

// ComponentMQTT is the error and log component of this package
const ComponentMQTT = "mqtt"

// Client is the subset of MQTT operations the publisher needs
type Client interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, topic string, payload []byte, retained bool) error
	IsConnected() bool
	Disconnect()
}

// MetricsRecorder receives connection and publish statistics
type MetricsRecorder interface {
	UpdateConnectionStatus(connected bool)
	RecordPublish(topic string, size int, latency time.Duration)
	IncrementErrors(operation string)
	IncrementReconnectAttempts()
}

// Config holds the configuration for the MQTT client.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// Will is published retained to WillTopic when the connection drops
	WillTopic   string
	WillPayload []byte

	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration
	DisconnectTimeout time.Duration
}

const (
	defaultConnectTimeout    = 30 * time.Second
	defaultPublishTimeout    = 10 * time.Second
	defaultDisconnectTimeout = 250 * time.Millisecond
)

// client implements Client on paho
type client struct {
	config   Config
	metrics  MetricsRecorder
	log      logger.Logger
	mu       sync.Mutex
	internal paho.Client
}

// NewClient creates an unconnected client. A nil recorder disables metrics.
func NewClient(cfg Config, metrics MetricsRecorder) Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = defaultDisconnectTimeout
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &client{
		config:  cfg,
		metrics: metrics,
		log:     GetLogger().With(logger.String("broker", logger.RedactURL(cfg.Broker))),
	}
}

// Connect resolves the broker host and connects. paho reconnects on its own
// after a successful first connection.
func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	u, err := url.Parse(c.config.Broker)
	if err != nil || u.Host == "" {
		if err == nil {
			err = fmt.Errorf("missing host")
		}
		return connError(fmt.Errorf("invalid broker URL: %w", err), errors.CategoryConfig)
	}

	host := u.Hostname()
	if net.ParseIP(host) == nil {
		if _, err := net.DefaultResolver.LookupHost(ctx, host); err != nil {
			c.metrics.IncrementErrors("connect")
			return connError(fmt.Errorf("failed to resolve hostname %s: %w", host, err), errors.CategoryNetwork)
		}
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetUsername(c.config.Username)
	opts.SetPassword(c.config.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(c.config.ConnectTimeout)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
		c.metrics.IncrementReconnectAttempts()
	})
	if c.config.WillTopic != "" {
		opts.SetBinaryWill(c.config.WillTopic, c.config.WillPayload, 1, true)
	}

	c.internal = paho.NewClient(opts)

	token := c.internal.Connect()
	if !waitToken(ctx, token, c.config.ConnectTimeout) {
		c.metrics.IncrementErrors("connect")
		return connError(fmt.Errorf("connection timeout"), errors.CategoryTimeout)
	}
	if err := token.Error(); err != nil {
		c.metrics.IncrementErrors("connect")
		return connError(fmt.Errorf("connection error: %w", err), errors.CategoryNetwork)
	}

	c.metrics.UpdateConnectionStatus(true)
	return nil
}

// Publish sends payload to topic with QoS 1 and waits for the broker ack
func (c *client) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	c.mu.Lock()
	internal := c.internal
	c.mu.Unlock()

	if internal == nil || !internal.IsConnected() {
		c.metrics.IncrementErrors("publish")
		return errors.New(fmt.Errorf("not connected to MQTT broker")).
			Component(ComponentMQTT).
			Category(errors.CategoryNetwork).
			Context("topic", topic).
			Build()
	}

	start := time.Now()
	token := internal.Publish(topic, 1, retained, payload)
	if !waitToken(ctx, token, c.config.PublishTimeout) {
		c.metrics.IncrementErrors("publish")
		return errors.New(fmt.Errorf("publish timeout")).
			Component(ComponentMQTT).
			Category(errors.CategoryTimeout).
			Context("topic", topic).
			Build()
	}
	if err := token.Error(); err != nil {
		c.metrics.IncrementErrors("publish")
		return errors.New(err).
			Component(ComponentMQTT).
			Category(errors.CategoryNetwork).
			Context("topic", topic).
			Build()
	}

	c.metrics.RecordPublish(topic, len(payload), time.Since(start))
	return nil
}

// IsConnected returns true if the client is currently connected to the MQTT broker.
func (c *client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.internal != nil && c.internal.IsConnected()
}

// Disconnect closes the connection to the MQTT broker.
func (c *client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.internal != nil && c.internal.IsConnected() {
		c.internal.Disconnect(uint(c.config.DisconnectTimeout.Milliseconds())) //nolint:gosec // small positive duration
		c.metrics.UpdateConnectionStatus(false)
	}
}

func (c *client) onConnect(paho.Client) {
	c.log.Info("connected to MQTT broker")
	c.metrics.UpdateConnectionStatus(true)
}

func (c *client) onConnectionLost(_ paho.Client, err error) {
	c.log.Warn("connection to MQTT broker lost", logger.Error(err))
	c.metrics.UpdateConnectionStatus(false)
	c.metrics.IncrementErrors("connection_lost")
}

// waitToken waits for token completion, the timeout or ctx, whichever
// comes first
func waitToken(ctx context.Context, token paho.Token, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func connError(err error, cat errors.ErrorCategory) error {
	return errors.New(err).
		Component(ComponentMQTT).
		Category(cat).
		Context("operation", "connect").
		Build()
}

type noopMetrics struct{}

func (noopMetrics) UpdateConnectionStatus(bool)              {}
func (noopMetrics) RecordPublish(string, int, time.Duration) {}
func (noopMetrics) IncrementErrors(string)                   {}
func (noopMetrics) IncrementReconnectAttempts()              {}

// GetLogger returns the mqtt module logger
func GetLogger() logger.Logger {
	return logger.Global().Module(ComponentMQTT)
}
