package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "mqtt", cfg.Transport)
	assert.Equal(t, 5, cfg.OfflineTimeoutMinutes)
	assert.Equal(t, 10, cfg.ConnectGraceSeconds)
	assert.Equal(t, 256, cfg.StatusQueueSize)
	assert.Empty(t, cfg.GatewayIDs)
}

func TestLoadConfig_GatewayList(t *testing.T) {
	t.Setenv("GATEWAY_IDS", "gw-a, gw-b ,gw-c,")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"gw-a", "gw-b", "gw-c"}, cfg.GatewayIDs)
}

func TestLoadConfig_SensorTopology(t *testing.T) {
	t.Setenv("SENSOR_GATEWAYS", "aa:bb=gw-a|gw-b; cc:dd=gw-a ;malformed;=gw-x")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, []string{"gw-a", "gw-b"}, cfg.SensorGateways["aa:bb"])
	assert.Equal(t, []string{"gw-a"}, cfg.SensorGateways["cc:dd"])
	assert.Len(t, cfg.SensorGateways, 2)
}

func TestLoadConfig_InvalidTransport(t *testing.T) {
	t.Setenv("TRANSPORT", "carrier-pigeon")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfig_InvalidTimeout(t *testing.T) {
	t.Setenv("OFFLINE_TIMEOUT_MINUTES", "0")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfig_IntOverride(t *testing.T) {
	t.Setenv("OFFLINE_TIMEOUT_MINUTES", "12")
	t.Setenv("CONNECT_GRACE_SECONDS", "3")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.OfflineTimeoutMinutes)
	assert.Equal(t, 3, cfg.ConnectGraceSeconds)
}

func TestLoadConfig_BadIntFallsBackToDefault(t *testing.T) {
	t.Setenv("STATUS_QUEUE_SIZE", "lots")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 256, cfg.StatusQueueSize)
}
