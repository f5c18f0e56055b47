package services

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"vigil/config"
	"vigil/models"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AMQPTransport implements Transport over RabbitMQ. Topics use MQTT-style
// slashes on the engine side; they are mapped to dotted routing keys on the
// amq.topic exchange, which is where RabbitMQ's MQTT plugin republishes
// gateway traffic.
type AMQPTransport struct {
	url    string
	queue  string
	logger *zap.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closing bool
}

func NewAMQPTransport(cfg *config.Config, logger *zap.Logger) *AMQPTransport {
	return &AMQPTransport{
		url:    cfg.AMQPURL,
		queue:  cfg.AMQPQueue,
		logger: logger,
	}
}

func topicToRoutingKey(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

func routingKeyToTopic(key string) string {
	return strings.ReplaceAll(key, ".", "/")
}

type amqpSubscription struct {
	transport   *AMQPTransport
	consumerTag string
}

func (s *amqpSubscription) Unsubscribe() error {
	t := s.transport

	t.mu.Lock()
	t.closing = true
	channel := t.channel
	conn := t.conn
	t.channel = nil
	t.conn = nil
	t.mu.Unlock()

	if channel != nil {
		if err := channel.Cancel(s.consumerTag, false); err != nil {
			t.logger.Warn("Error cancelling AMQP consumer", zap.Error(err))
		}
		if err := channel.Close(); err != nil {
			t.logger.Warn("Error closing AMQP channel", zap.Error(err))
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			return fmt.Errorf("error closing AMQP connection: %w", err)
		}
	}
	return nil
}

func (t *AMQPTransport) Subscribe(topics []string, handler TransportHandler) (Subscription, error) {
	var conn *amqp.Connection
	var err error

	// Connect with retry
	maxRetries := 5
	for attempt := 1; attempt <= maxRetries; attempt++ {
		conn, err = amqp.Dial(t.url)
		if err == nil {
			break
		}
		t.logger.Warn("Failed to connect to RabbitMQ",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))
		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * 2 * time.Second)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := channel.Qos(10, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	queue, err := channel.QueueDeclare(
		t.queue, // name
		true,    // durable
		false,   // delete when unused
		false,   // exclusive
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	for _, topic := range topics {
		err = channel.QueueBind(
			queue.Name,               // queue name
			topicToRoutingKey(topic), // routing key
			"amq.topic",              // MQTT default exchange
			false,                    // no-wait
			nil,                      // arguments
		)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to bind queue for topic %s: %w", topic, err)
		}
	}

	consumerTag := fmt.Sprintf("vigil-%s", uuid.NewString()[:8])
	msgs, err := channel.Consume(
		queue.Name,  // queue
		consumerTag, // consumer tag
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.channel = channel
	t.closing = false
	t.mu.Unlock()

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))

	go t.consume(msgs, connClosed, handler)

	t.logger.Info("AMQP subscription established",
		zap.String("queue", queue.Name),
		zap.Int("topic_count", len(topics)))

	return &amqpSubscription{transport: t, consumerTag: consumerTag}, nil
}

func (t *AMQPTransport) consume(msgs <-chan amqp.Delivery, connClosed <-chan *amqp.Error, handler TransportHandler) {
	for {
		select {
		case closeErr := <-connClosed:
			t.mu.Lock()
			closing := t.closing
			t.mu.Unlock()
			if closing || closeErr == nil {
				handler.OnComplete()
			} else {
				handler.OnError(fmt.Errorf("RabbitMQ connection lost: %w", closeErr))
			}
			return

		case msg, ok := <-msgs:
			if !ok {
				t.mu.Lock()
				closing := t.closing
				t.mu.Unlock()
				if closing {
					handler.OnComplete()
				} else {
					handler.OnError(fmt.Errorf("RabbitMQ delivery channel closed unexpectedly"))
				}
				return
			}

			// The topic travels as the routing key, not on the message
			// body, so it is surfaced through a header for extraction.
			handler.OnMessage(models.InboundMessage{
				Headers: map[string]string{
					"routing_key": routingKeyToTopic(msg.RoutingKey),
				},
				Payload: msg.Body,
			})
			if err := msg.Ack(false); err != nil {
				t.logger.Warn("Failed to ack delivery", zap.Error(err))
			}
		}
	}
}

// Publish sends a payload through the amq.topic exchange
func (t *AMQPTransport) Publish(topic string, payload []byte) error {
	t.mu.Lock()
	channel := t.channel
	t.mu.Unlock()

	if channel != nil {
		return t.publishOn(channel, topic, payload)
	}

	// No active subscription: use a short-lived connection
	conn, err := amqp.Dial(t.url)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	return t.publishOn(ch, topic, payload)
}

func (t *AMQPTransport) publishOn(channel *amqp.Channel, topic string, payload []byte) error {
	err := channel.Publish(
		"amq.topic",              // exchange
		topicToRoutingKey(topic), // routing key
		false,                    // mandatory
		false,                    // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         payload,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}
