package models

import (
	"time"
)

// Reading represents a single telemetry sample reported by a sensor
type Reading struct {
	SensorKey string    `json:"sensor_key"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Timestamp time.Time `json:"timestamp"`
	Battery   *int      `json:"battery,omitempty"`
}

// TelemetryBatch is a set of readings delivered in one transport message
type TelemetryBatch struct {
	Readings []Reading `json:"readings"`
}

// PresenceEvent asserts a gateway's connectivity as of a timestamp
type PresenceEvent struct {
	GatewayID string    `json:"gateway_id"`
	Connected bool      `json:"connected"`
	Timestamp time.Time `json:"timestamp"`
}

// InboundMessage is the transport-neutral envelope handed to the normalizer.
// Topic is set when the transport exposes it directly; Headers carries any
// out-of-band metadata (AMQP routing key, MQTT user properties).
type InboundMessage struct {
	Topic   string            `json:"topic,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Payload []byte            `json:"payload"`
}
