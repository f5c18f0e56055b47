package services

import (
	"sync"
	"testing"
	"time"

	"vigil/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingCascader struct {
	mu       sync.Mutex
	cascades []string
}

func (c *recordingCascader) CascadeGatewayOffline(gatewayID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cascades = append(c.cascades, gatewayID)
}

func (c *recordingCascader) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cascades)
}

func presenceEvent(id string, connected bool) models.PresenceEvent {
	return models.PresenceEvent{GatewayID: id, Connected: connected, Timestamp: time.Now()}
}

func TestInitialize_DefaultsToConnected(t *testing.T) {
	tracker := NewPresenceTracker(&recordingSink{}, zap.NewNop())
	tracker.Initialize([]string{"gw-a", "gw-b"})

	online, known := tracker.IsOnline("gw-a")
	require.True(t, known)
	assert.True(t, online, "absence of information is not evidence of disconnection")
}

func TestIsOnline_UnknownGateway(t *testing.T) {
	tracker := NewPresenceTracker(&recordingSink{}, zap.NewNop())

	_, known := tracker.IsOnline("never-seen")
	assert.False(t, known)
}

func TestIngest_DisconnectTriggersCascade(t *testing.T) {
	sink := &recordingSink{}
	cascader := &recordingCascader{}
	tracker := NewPresenceTracker(sink, zap.NewNop())
	tracker.SetCascader(cascader)
	tracker.Initialize([]string{"gw-a"})

	tracker.Ingest(presenceEvent("gw-a", false))

	require.Equal(t, 1, cascader.count())
	assert.Equal(t, "gw-a", cascader.cascades[0])

	online, known := tracker.IsOnline("gw-a")
	require.True(t, known)
	assert.False(t, online)
}

func TestIngest_ReconnectDoesNotCascade(t *testing.T) {
	cascader := &recordingCascader{}
	tracker := NewPresenceTracker(&recordingSink{}, zap.NewNop())
	tracker.SetCascader(cascader)

	tracker.Ingest(presenceEvent("gw-a", false))
	require.Equal(t, 1, cascader.count())

	tracker.Ingest(presenceEvent("gw-a", true))
	assert.Equal(t, 1, cascader.count(), "reconnect must not trigger cascading re-evaluation")

	online, _ := tracker.IsOnline("gw-a")
	assert.True(t, online)
}

func TestIngest_RepeatedDisconnectCascadesOnce(t *testing.T) {
	cascader := &recordingCascader{}
	tracker := NewPresenceTracker(&recordingSink{}, zap.NewNop())
	tracker.SetCascader(cascader)

	tracker.Ingest(presenceEvent("gw-a", false))
	tracker.Ingest(presenceEvent("gw-a", false))

	assert.Equal(t, 1, cascader.count(), "only the connected->disconnected transition cascades")
}

func TestIngest_FirstSeenDisconnectCascades(t *testing.T) {
	// A gateway observed for the first time was optimistically connected, so
	// a first disconnected event is a transition
	cascader := &recordingCascader{}
	tracker := NewPresenceTracker(&recordingSink{}, zap.NewNop())
	tracker.SetCascader(cascader)

	tracker.Ingest(presenceEvent("brand-new", false))
	assert.Equal(t, 1, cascader.count())
}

func TestIngest_ForwardsPresenceToSink(t *testing.T) {
	sink := &recordingSink{}
	tracker := NewPresenceTracker(sink, zap.NewNop())

	tracker.Ingest(presenceEvent("gw-a", true))
	tracker.Ingest(presenceEvent("gw-a", false))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.gateway, 2)
	assert.True(t, sink.gateway[0].Connected)
	assert.False(t, sink.gateway[1].Connected)
}

func TestIngest_LastSeenIsMonotonic(t *testing.T) {
	tracker := NewPresenceTracker(&recordingSink{}, zap.NewNop())

	now := time.Now()
	tracker.Ingest(models.PresenceEvent{GatewayID: "gw-a", Connected: true, Timestamp: now})
	tracker.Ingest(models.PresenceEvent{GatewayID: "gw-a", Connected: true, Timestamp: now.Add(-time.Hour)})

	snapshot := tracker.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, now.Unix(), snapshot[0].LastSeen.Unix())
}
