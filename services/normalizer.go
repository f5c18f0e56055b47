package services

import (
	"encoding/json"
	"regexp"
	"time"

	"vigil/models"

	"go.uber.org/zap"
)

// NormalizedKind identifies the canonical shape a message resolved to
type NormalizedKind int

const (
	KindUnrecognized NormalizedKind = iota
	KindTelemetry
	KindPresence
)

// Normalized is the outcome of normalizing one inbound message. Exactly one
// of Telemetry/Presence is set when Kind is not Unrecognized.
type Normalized struct {
	Kind      NormalizedKind
	Telemetry *models.TelemetryBatch
	Presence  *models.PresenceEvent
}

var (
	presenceTopicPattern = regexp.MustCompile(`^presence/state/([^/]+)$`)
	dataTopicPattern     = regexp.MustCompile(`^([^/]+)/data$`)
)

// routingKeyStrategy extracts a topic from one possible location on the
// envelope. Strategies are tried in priority order because the transports do
// not expose the topic uniformly on all delivery paths.
type routingKeyStrategy func(msg models.InboundMessage) (string, bool)

var routingKeyStrategies = []routingKeyStrategy{
	func(msg models.InboundMessage) (string, bool) {
		return msg.Topic, msg.Topic != ""
	},
	headerStrategy("topic"),
	headerStrategy("routing_key"),
	headerStrategy("amqp-routing-key"),
}

func headerStrategy(name string) routingKeyStrategy {
	return func(msg models.InboundMessage) (string, bool) {
		v, ok := msg.Headers[name]
		return v, ok && v != ""
	}
}

// Normalizer converts heterogeneous transport envelopes into canonical
// telemetry batches and presence events. It has no side effects; malformed
// input is reported as KindUnrecognized, never as an error.
type Normalizer struct {
	logger *zap.Logger
	now    func() time.Time
}

func NewNormalizer(logger *zap.Logger) *Normalizer {
	return &Normalizer{
		logger: logger,
		now:    time.Now,
	}
}

func (n *Normalizer) Normalize(msg models.InboundMessage) Normalized {
	// A payload that is already a bare list of readings needs no routing key
	if batch := n.parseReadingList(msg.Payload); batch != nil {
		return Normalized{Kind: KindTelemetry, Telemetry: batch}
	}

	topic, found := extractRoutingKey(msg)
	if !found {
		// Data-without-topic fallback
		if batch := n.parseTelemetry(msg.Payload); batch != nil {
			return Normalized{Kind: KindTelemetry, Telemetry: batch}
		}
		n.logger.Warn("Dropping message with no routing key and unparseable payload",
			zap.Int("payload_bytes", len(msg.Payload)))
		return Normalized{Kind: KindUnrecognized}
	}

	if m := presenceTopicPattern.FindStringSubmatch(topic); m != nil {
		if ev := n.parsePresence(topic, unwrapPayload(msg.Payload, 2)); ev != nil {
			return Normalized{Kind: KindPresence, Presence: ev}
		}
		return Normalized{Kind: KindUnrecognized}
	}

	if dataTopicPattern.MatchString(topic) {
		if batch := n.parseTelemetry(unwrapPayload(msg.Payload, 2)); batch != nil {
			return Normalized{Kind: KindTelemetry, Telemetry: batch}
		}
		n.logger.Warn("Dropping unparseable telemetry payload", zap.String("topic", topic))
		return Normalized{Kind: KindUnrecognized}
	}

	n.logger.Warn("Dropping message with unrecognized topic", zap.String("topic", topic))
	return Normalized{Kind: KindUnrecognized}
}

// extractRoutingKey probes the prioritized strategy list for a topic
func extractRoutingKey(msg models.InboundMessage) (string, bool) {
	for _, strategy := range routingKeyStrategies {
		if topic, ok := strategy(msg); ok {
			return topic, true
		}
	}
	return "", false
}

// unwrapPayload peels up to maxDepth levels of {"payload": ...} wrapping,
// where the inner payload is either string-encoded JSON or a nested object
func unwrapPayload(raw []byte, maxDepth int) []byte {
	for i := 0; i < maxDepth; i++ {
		var envelope struct {
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil || len(envelope.Payload) == 0 {
			return raw
		}
		var inner string
		if err := json.Unmarshal(envelope.Payload, &inner); err == nil {
			raw = []byte(inner)
			continue
		}
		raw = envelope.Payload
	}
	return raw
}

// parseReadingList parses a payload whose top level is already a JSON array
// of readings
func (n *Normalizer) parseReadingList(raw []byte) *models.TelemetryBatch {
	var readings []models.Reading
	if err := json.Unmarshal(raw, &readings); err != nil || len(readings) == 0 {
		return nil
	}
	return n.finishBatch(readings)
}

// parseTelemetry parses a payload object carrying a readings list
func (n *Normalizer) parseTelemetry(raw []byte) *models.TelemetryBatch {
	if batch := n.parseReadingList(raw); batch != nil {
		return batch
	}
	var batch models.TelemetryBatch
	if err := json.Unmarshal(raw, &batch); err != nil || len(batch.Readings) == 0 {
		return nil
	}
	return n.finishBatch(batch.Readings)
}

// finishBatch validates readings and backfills missing timestamps with the
// current processing time
func (n *Normalizer) finishBatch(readings []models.Reading) *models.TelemetryBatch {
	valid := make([]models.Reading, 0, len(readings))
	for _, r := range readings {
		if r.SensorKey == "" {
			n.logger.Warn("Dropping reading without sensor key")
			continue
		}
		if r.Timestamp.IsZero() {
			r.Timestamp = n.now()
		}
		valid = append(valid, r)
	}
	if len(valid) == 0 {
		return nil
	}
	return &models.TelemetryBatch{Readings: valid}
}

// parsePresence validates that an unwrapped presence payload carries a
// gateway identifier and a boolean connectivity flag
func (n *Normalizer) parsePresence(topic string, raw []byte) *models.PresenceEvent {
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		n.logger.Warn("Dropping unparseable presence payload",
			zap.String("topic", topic),
			zap.Error(err))
		return nil
	}

	gatewayID, idOk := fields["gateway_id"].(string)
	connected, connOk := fields["connected"].(bool)
	if !idOk || gatewayID == "" || !connOk {
		n.logger.Warn("Dropping presence payload missing gateway_id or connected flag",
			zap.String("topic", topic))
		return nil
	}

	timestamp := n.now()
	if s, ok := fields["timestamp"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, s); err == nil {
			timestamp = parsed
		}
	}

	return &models.PresenceEvent{
		GatewayID: gatewayID,
		Connected: connected,
		Timestamp: timestamp,
	}
}
