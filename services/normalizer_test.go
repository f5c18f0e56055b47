package services

import (
	"encoding/json"
	"testing"
	"time"

	"vigil/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestNormalizer() *Normalizer {
	return NewNormalizer(zap.NewNop())
}

func TestNormalize_DirectReadingList(t *testing.T) {
	n := newTestNormalizer()

	payload := []byte(`[{"sensor_key":"aa:bb","value":21.5,"unit":"C","timestamp":"2026-09-01T10:00:00Z"}]`)
	result := n.Normalize(models.InboundMessage{Payload: payload})

	require.Equal(t, KindTelemetry, result.Kind)
	require.Len(t, result.Telemetry.Readings, 1)
	assert.Equal(t, "aa:bb", result.Telemetry.Readings[0].SensorKey)
	assert.Equal(t, 21.5, result.Telemetry.Readings[0].Value)
}

func TestNormalize_BackfillsMissingTimestamp(t *testing.T) {
	n := newTestNormalizer()
	fixed := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return fixed }

	payload := []byte(`[{"sensor_key":"aa:bb","value":1.0,"unit":"C"}]`)
	result := n.Normalize(models.InboundMessage{Payload: payload})

	require.Equal(t, KindTelemetry, result.Kind)
	assert.Equal(t, fixed, result.Telemetry.Readings[0].Timestamp)
}

func TestNormalize_TopiclessBatchObjectFallback(t *testing.T) {
	n := newTestNormalizer()

	payload := []byte(`{"readings":[{"sensor_key":"aa:bb","value":3.2,"unit":"V","timestamp":"2026-09-01T10:00:00Z"}]}`)
	result := n.Normalize(models.InboundMessage{Payload: payload})

	require.Equal(t, KindTelemetry, result.Kind)
	require.Len(t, result.Telemetry.Readings, 1)
}

func TestNormalize_DataTopic(t *testing.T) {
	n := newTestNormalizer()

	payload := []byte(`{"readings":[{"sensor_key":"aa:bb","value":3.2,"unit":"V","timestamp":"2026-09-01T10:00:00Z"}]}`)
	result := n.Normalize(models.InboundMessage{Topic: "GW-001/data", Payload: payload})

	require.Equal(t, KindTelemetry, result.Kind)
}

func TestNormalize_TopicFromHeaders(t *testing.T) {
	n := newTestNormalizer()

	payload := []byte(`{"gateway_id":"GW-001","connected":false,"timestamp":"2026-09-01T10:00:00Z"}`)
	result := n.Normalize(models.InboundMessage{
		Headers: map[string]string{"routing_key": "presence/state/GW-001"},
		Payload: payload,
	})

	require.Equal(t, KindPresence, result.Kind)
	assert.Equal(t, "GW-001", result.Presence.GatewayID)
	assert.False(t, result.Presence.Connected)
}

func TestNormalize_DirectTopicWinsOverHeaders(t *testing.T) {
	n := newTestNormalizer()

	payload := []byte(`{"gateway_id":"GW-001","connected":true}`)
	result := n.Normalize(models.InboundMessage{
		Topic:   "presence/state/GW-001",
		Headers: map[string]string{"routing_key": "something/else"},
		Payload: payload,
	})

	require.Equal(t, KindPresence, result.Kind)
}

func TestNormalize_DoubleWrappedPresenceRoundTrip(t *testing.T) {
	n := newTestNormalizer()

	inner := `{"gateway_id":"GW-001","connected":true,"timestamp":"2026-09-01T10:00:00Z"}`
	onceWrapped, err := json.Marshal(map[string]string{"payload": inner})
	require.NoError(t, err)
	twiceWrapped, err := json.Marshal(map[string]string{"payload": string(onceWrapped)})
	require.NoError(t, err)

	plain := n.Normalize(models.InboundMessage{Topic: "presence/state/GW-001", Payload: []byte(inner)})
	wrapped := n.Normalize(models.InboundMessage{Topic: "presence/state/GW-001", Payload: twiceWrapped})

	require.Equal(t, KindPresence, plain.Kind)
	require.Equal(t, KindPresence, wrapped.Kind)
	assert.Equal(t, *plain.Presence, *wrapped.Presence)
}

func TestNormalize_WrappedTelemetry(t *testing.T) {
	n := newTestNormalizer()

	inner := `{"readings":[{"sensor_key":"aa:bb","value":7.0,"unit":"C","timestamp":"2026-09-01T10:00:00Z"}]}`
	wrapped, err := json.Marshal(map[string]string{"payload": inner})
	require.NoError(t, err)

	result := n.Normalize(models.InboundMessage{Topic: "GW-001/data", Payload: wrapped})

	require.Equal(t, KindTelemetry, result.Kind)
	assert.Equal(t, "aa:bb", result.Telemetry.Readings[0].SensorKey)
}

func TestNormalize_PresenceMissingFieldsDropped(t *testing.T) {
	n := newTestNormalizer()

	for name, payload := range map[string]string{
		"no gateway_id":      `{"connected":true}`,
		"no connected flag":  `{"gateway_id":"GW-001"}`,
		"connected not bool": `{"gateway_id":"GW-001","connected":"yes"}`,
		"not json":           `%%%`,
	} {
		result := n.Normalize(models.InboundMessage{Topic: "presence/state/GW-001", Payload: []byte(payload)})
		assert.Equal(t, KindUnrecognized, result.Kind, name)
	}
}

func TestNormalize_UnknownTopicDropped(t *testing.T) {
	n := newTestNormalizer()

	result := n.Normalize(models.InboundMessage{Topic: "some/other/topic", Payload: []byte(`{}`)})
	assert.Equal(t, KindUnrecognized, result.Kind)
}

func TestNormalize_GarbagePayloadDropped(t *testing.T) {
	n := newTestNormalizer()

	result := n.Normalize(models.InboundMessage{Payload: []byte(`not json at all`)})
	assert.Equal(t, KindUnrecognized, result.Kind)
}

func TestNormalize_ReadingWithoutKeyDropped(t *testing.T) {
	n := newTestNormalizer()

	payload := []byte(`[{"value":1.0,"unit":"C"},{"sensor_key":"ok","value":2.0,"unit":"C"}]`)
	result := n.Normalize(models.InboundMessage{Payload: payload})

	require.Equal(t, KindTelemetry, result.Kind)
	require.Len(t, result.Telemetry.Readings, 1)
	assert.Equal(t, "ok", result.Telemetry.Readings[0].SensorKey)
}

func TestNormalize_PresenceTimestampDefaultsToNow(t *testing.T) {
	n := newTestNormalizer()
	fixed := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return fixed }

	result := n.Normalize(models.InboundMessage{
		Topic:   "presence/state/GW-001",
		Payload: []byte(`{"gateway_id":"GW-001","connected":true}`),
	})

	require.Equal(t, KindPresence, result.Kind)
	assert.Equal(t, fixed, result.Presence.Timestamp)
}

func TestExtractRoutingKey_Priority(t *testing.T) {
	topic, ok := extractRoutingKey(models.InboundMessage{
		Headers: map[string]string{"amqp-routing-key": "a/b", "topic": "c/d"},
	})
	require.True(t, ok)
	assert.Equal(t, "c/d", topic, "the topic header outranks the amqp routing key")

	_, ok = extractRoutingKey(models.InboundMessage{})
	assert.False(t, ok)
}
