package mqtt

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/airlog/airlog/internal/conf"
	"github.com/airlog/airlog/internal/events"
	"github.com/airlog/airlog/internal/logger"
)

const publishTimeout = 10 * time.Second

// StatusFunc returns the document published retained to <topic>/status
type StatusFunc func() any

// statusMessage wraps the status document with an online flag, which the
// broker flips to false through the last will
type statusMessage struct {
	Online    bool      `json:"online"`
	Station   string    `json:"station"`
	UpdatedAt time.Time `json:"updated_at"`
	Status    any       `json:"status,omitempty"`
}

// Publisher is an event bus consumer forwarding events to MQTT
type Publisher struct {
	client  Client
	topic   string
	station string
	status  StatusFunc
	log     logger.Logger
}

// NewPublisher publishes below topic through client. status may be nil.
func NewPublisher(client Client, topic, station string, status StatusFunc) *Publisher {
	return &Publisher{
		client:  client,
		topic:   strings.TrimSuffix(topic, "/"),
		station: station,
		status:  status,
		log:     GetLogger(),
	}
}

// FromSettings creates a client and publisher from the MQTT settings.
// Connect must be called before events are processed.
func FromSettings(s *conf.Settings, metrics MetricsRecorder, status StatusFunc) *Publisher {
	topic := strings.TrimSuffix(s.MQTT.Topic, "/")
	clientID := s.MQTT.ClientID
	if clientID == "" {
		clientID = "airlog-" + s.Main.Name
	}
	offline, _ := json.Marshal(statusMessage{Online: false, Station: s.Main.Name})
	client := NewClient(Config{
		Broker:      s.MQTT.Broker,
		ClientID:    clientID,
		Username:    s.MQTT.Username,
		Password:    s.MQTT.Password,
		WillTopic:   topic + "/status",
		WillPayload: offline,
	}, metrics)
	return NewPublisher(client, topic, s.Main.Name, status)
}

// Connect connects to the broker and publishes the initial status
func (p *Publisher) Connect(ctx context.Context) error {
	if err := p.client.Connect(ctx); err != nil {
		return err
	}
	p.log.Info("MQTT publisher connected", logger.String("topic", p.topic))
	return p.publishStatus(ctx, true)
}

// Close publishes an offline status and disconnects
func (p *Publisher) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if p.client.IsConnected() {
		if err := p.publishStatus(ctx, false); err != nil {
			p.log.Debug("failed to publish offline status", logger.Error(err))
		}
	}
	p.client.Disconnect()
}

// Name implements events.EventConsumer
func (p *Publisher) Name() string { return ComponentMQTT }

// ProcessEvent implements events.EventConsumer. Each event goes to
// <topic>/events, followed by a refreshed retained status.
func (p *Publisher) ProcessEvent(e events.HealthEvent) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := p.client.Publish(ctx, p.EventsTopic(), payload, false); err != nil {
		p.log.Warn("failed to publish event", logger.String("kind", string(e.Kind)), logger.Error(err))
		return err
	}
	return p.publishStatus(ctx, true)
}

// EventsTopic is where events are published
func (p *Publisher) EventsTopic() string { return p.topic + "/events" }

// StatusTopic is where the retained status is published
func (p *Publisher) StatusTopic() string { return p.topic + "/status" }

func (p *Publisher) publishStatus(ctx context.Context, online bool) error {
	msg := statusMessage{Online: online, Station: p.station, UpdatedAt: time.Now()}
	if online && p.status != nil {
		msg.Status = p.status()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.StatusTopic(), payload, true)
}
