// Package mqtt publishes offers to an MQTT broker as JSON.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/locus/internal/dispatch"
)

const (
	connectTimeout = 10 * time.Second
	// DeviceToken in a topic is replaced by the request's device id.
	DeviceToken = "{device_id}"
)

// Client is the subset of paho.Client the publisher needs.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// Config describes the broker connection.
type Config struct {
	Broker   string
	ClientID string
	Topic    string
	QoS      byte
	Username string
	Password string
}

// Message is the published payload.
type Message struct {
	DispatchID string    `json:"dispatch_id"`
	DeviceID   string    `json:"device_id"`
	Cell       string    `json:"h3_hex"`
	Condition  string    `json:"condition"`
	EventTime  time.Time `json:"event_ts"`
}

// Publisher is a dispatch.Sink over MQTT.
type Publisher struct {
	client Client
	topic  string
	qos    byte
	logger log.Logger
}

// New wraps an already connected client.
func New(client Client, topic string, qos byte, logger log.Logger) *Publisher {
	if logger == nil {
		logger = log.Nop()
	}
	return &Publisher{client: client, topic: topic, qos: qos, logger: logger}
}

// Dial connects to the broker and returns a Publisher plus a function that
// disconnects it.
func Dial(cfg Config, logger log.Logger) (*Publisher, func(), error) {
	if cfg.Broker == "" {
		return nil, nil, errors.New("mqtt: broker is required")
	}
	if cfg.Topic == "" {
		return nil, nil, errors.New("mqtt: topic is required")
	}

	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)

	client := paho.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(connectTimeout) {
		return nil, nil, fmt.Errorf("mqtt: connect to %s timed out", cfg.Broker)
	}
	if err := tok.Error(); err != nil {
		return nil, nil, fmt.Errorf("mqtt: connect to %s: %w", cfg.Broker, err)
	}

	closeFn := func() { client.Disconnect(250) }
	return New(client, cfg.Topic, cfg.QoS, logger), closeFn, nil
}

// Send publishes req and waits for the broker to acknowledge or ctx to end.
func (p *Publisher) Send(ctx context.Context, req *dispatch.Request) error {
	payload, err := json.Marshal(Message{
		DispatchID: req.ID,
		DeviceID:   req.DeviceID,
		Cell:       req.Cell.String(),
		Condition:  req.Condition,
		EventTime:  req.EventTime.UTC(),
	})
	if err != nil {
		return fmt.Errorf("mqtt: marshal message: %w", err)
	}

	topic := p.topicFor(req)
	tok := p.client.Publish(topic, p.qos, false, payload)
	select {
	case <-tok.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqtt: publish to %s: %w", topic, ctx.Err())
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt: publish to %s: %w", topic, err)
	}

	p.logger.Info(ctx, "offer published", "dispatch_id", req.ID, "topic", topic)
	return nil
}

func (p *Publisher) topicFor(req *dispatch.Request) string {
	return strings.ReplaceAll(p.topic, DeviceToken, req.DeviceID)
}
