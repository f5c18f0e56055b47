package services

import (
	"fmt"
	"sync"
	"time"

	"vigil/config"
	"vigil/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MQTTTransport implements Transport over an MQTT broker. Each Subscribe
// call owns a dedicated client connection so tearing a subscription down
// leaves no shared broker state behind.
type MQTTTransport struct {
	broker   string
	username string
	password string
	logger   *zap.Logger

	mu     sync.Mutex
	client mqtt.Client
}

func NewMQTTTransport(cfg *config.Config, logger *zap.Logger) *MQTTTransport {
	return &MQTTTransport{
		broker:   cfg.MQTTBroker,
		username: cfg.MQTTUsername,
		password: cfg.MQTTPassword,
		logger:   logger,
	}
}

type mqttSubscription struct {
	transport *MQTTTransport
	client    mqtt.Client
	topics    []string
}

func (s *mqttSubscription) Unsubscribe() error {
	token := s.client.Unsubscribe(s.topics...)
	token.WaitTimeout(5 * time.Second)
	s.client.Disconnect(250)

	s.transport.mu.Lock()
	if s.transport.client == s.client {
		s.transport.client = nil
	}
	s.transport.mu.Unlock()

	return token.Error()
}

func (t *MQTTTransport) Subscribe(topics []string, handler TransportHandler) (Subscription, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", t.broker))
	opts.SetClientID(fmt.Sprintf("vigil-%s", uuid.NewString()[:8]))
	if t.username != "" {
		opts.SetUsername(t.username)
		opts.SetPassword(t.password)
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(false)
	opts.SetOrderMatters(false)

	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		t.logger.Error("MQTT connection lost", zap.Error(err))
		handler.OnError(err)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	filters := make(map[string]byte, len(topics))
	for _, topic := range topics {
		filters[topic] = 0
	}

	token := client.SubscribeMultiple(filters, func(client mqtt.Client, msg mqtt.Message) {
		handler.OnMessage(models.InboundMessage{
			Topic:   msg.Topic(),
			Payload: msg.Payload(),
		})
	})
	if token.Wait() && token.Error() != nil {
		client.Disconnect(250)
		return nil, fmt.Errorf("failed to subscribe: %w", token.Error())
	}

	t.mu.Lock()
	t.client = client
	t.mu.Unlock()

	t.logger.Info("MQTT subscription established",
		zap.String("broker", t.broker),
		zap.Int("topic_count", len(topics)))

	return &mqttSubscription{transport: t, client: client, topics: topics}, nil
}

// Publish sends a payload on the active connection; a Subscribe must have
// succeeded first.
func (t *MQTTTransport) Publish(topic string, payload []byte) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()

	if client == nil {
		return fmt.Errorf("cannot publish: no active MQTT connection")
	}

	token := client.Publish(topic, 0, false, payload)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, token.Error())
	}
	return nil
}
