// Package mqttsink forwards bus events to an MQTT broker as JSON.
package mqttsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/HerbHall/icmpreceiver/internal/event"
)

const qos = 0

// Config configures the broker connection.
type Config struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	Username    string
	Password    string
	Timeout     time.Duration
}

// Publisher is the broker operation the sink needs.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Sink publishes every event it receives to <prefix>/<topic>.
type Sink struct {
	pub    Publisher
	prefix string
	logger *zap.Logger
	close  func()
}

// Connect dials the broker described by cfg and returns a Sink over it.
func Connect(cfg Config, logger *zap.Logger) (*Sink, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.Timeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("mqtt connection lost", zap.Error(err))
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		return nil, fmt.Errorf("connect to %s: timed out after %s", cfg.Broker, cfg.Timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, err)
	}
	logger.Info("mqtt connected", zap.String("broker", cfg.Broker))

	pub := &pahoPublisher{client: client, timeout: cfg.Timeout}
	s := New(pub, cfg.TopicPrefix, logger)
	s.close = func() { client.Disconnect(250) }
	return s, nil
}

// New returns a Sink over an existing publisher.
func New(pub Publisher, prefix string, logger *zap.Logger) *Sink {
	return &Sink{
		pub:    pub,
		prefix: strings.TrimSuffix(prefix, "/"),
		logger: logger,
	}
}

// Attach subscribes the sink to every topic on bus and returns the
// unsubscribe function.
func (s *Sink) Attach(bus event.Subscriber) func() {
	return bus.SubscribeAll(s.Handle)
}

// Handle publishes e. Failures are logged and dropped.
func (s *Sink) Handle(_ context.Context, e event.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		s.logger.Error("encode event", zap.String("topic", e.Topic), zap.Error(err))
		return
	}
	topic := s.Topic(e.Topic)
	if err := s.pub.Publish(topic, payload); err != nil {
		s.logger.Warn("mqtt publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

// Topic maps an event topic to its MQTT topic.
func (s *Sink) Topic(eventTopic string) string {
	if s.prefix == "" {
		return eventTopic
	}
	return s.prefix + "/" + eventTopic
}

// Close disconnects from the broker, if the sink owns the connection.
func (s *Sink) Close() {
	if s.close != nil {
		s.close()
	}
}

type pahoPublisher struct {
	client  mqtt.Client
	timeout time.Duration
}

func (p *pahoPublisher) Publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publish %s: timed out", topic)
	}
	return token.Error()
}
