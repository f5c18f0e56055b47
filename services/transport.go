package services

import (
	"vigil/models"
)

// TransportHandler receives the asynchronous stream of one subscription.
// OnError signals a broker-initiated failure, OnComplete a graceful upstream
// close; neither is invoked for a teardown we initiated ourselves.
type TransportHandler struct {
	OnMessage  func(msg models.InboundMessage)
	OnError    func(err error)
	OnComplete func()
}

// Subscription is a handle to one active topic subscription
type Subscription interface {
	Unsubscribe() error
}

// Transport abstracts the pub/sub broker so the engine can run over MQTT or
// AMQP and tests can inject a fake.
type Transport interface {
	Subscribe(topics []string, handler TransportHandler) (Subscription, error)
	Publish(topic string, payload []byte) error
}
