package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"vigil/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

var (
	gateways   = flag.String("gateways", "GW-001", "Comma-separated gateway ids to simulate")
	sensors    = flag.Int("sensors", 3, "Sensors per gateway")
	rps        = flag.Int("rps", 1, "Telemetry batches per second per gateway")
	flapProb   = flag.Float64("flap", 0.01, "Probability per tick of a gateway presence flap")
	wrapped    = flag.Bool("wrap", true, "Wrap payloads in a string-encoded JSON envelope")
	mqttBroker = flag.String("broker", "localhost:1883", "MQTT broker address (host:port)")
	mqttUser   = flag.String("user", "", "MQTT username")
	mqttPass   = flag.String("pass", "", "MQTT password")
)

// gatewaySim simulates one gateway publishing readings for its sensors
type gatewaySim struct {
	id        string
	sensorIDs []string
	connected bool
	baseValue float64
}

func newGatewaySim(id string, sensorCount int) *gatewaySim {
	sensorIDs := make([]string, 0, sensorCount)
	for i := 0; i < sensorCount; i++ {
		sensorIDs = append(sensorIDs, fmt.Sprintf("%s-sensor-%02d", id, i+1))
	}
	return &gatewaySim{
		id:        id,
		sensorIDs: sensorIDs,
		connected: true,
		baseValue: 22.0,
	}
}

func (g *gatewaySim) telemetryBatch() *models.TelemetryBatch {
	now := time.Now()
	readings := make([]models.Reading, 0, len(g.sensorIDs))
	for _, key := range g.sensorIDs {
		battery := 60 + rand.Intn(40)
		readings = append(readings, models.Reading{
			SensorKey: key,
			Value:     math.Round((g.baseValue+rand.Float64()*4.0-2.0)*10) / 10,
			Unit:      "C",
			Timestamp: now,
			Battery:   &battery,
		})
	}
	return &models.TelemetryBatch{Readings: readings}
}

func (g *gatewaySim) presenceEvent() *models.PresenceEvent {
	return &models.PresenceEvent{
		GatewayID: g.id,
		Connected: g.connected,
		Timestamp: time.Now(),
	}
}

// wrapPayload string-encodes a payload inside a {"payload": "..."} envelope,
// matching what the broker bridge does to gateway traffic
func wrapPayload(raw []byte) []byte {
	wrapped, _ := json.Marshal(map[string]string{"payload": string(raw)})
	return wrapped
}

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	gatewayIDs := strings.Split(*gateways, ",")
	logger.Info("Gateway traffic generator started",
		zap.Strings("gateways", gatewayIDs),
		zap.Int("sensors_per_gateway", *sensors),
		zap.Int("rps", *rps),
		zap.Float64("flap_probability", *flapProb),
		zap.String("mqtt_broker", *mqttBroker),
	)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", *mqttBroker))
	opts.SetClientID(fmt.Sprintf("gatewaygen-%d", os.Getpid()))
	if *mqttUser != "" {
		opts.SetUsername(*mqttUser)
		opts.SetPassword(*mqttPass)
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)

	opts.OnConnect = func(client mqtt.Client) {
		logger.Info("Connected to MQTT broker", zap.String("broker", *mqttBroker))
	}
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		logger.Error("MQTT connection lost", zap.Error(err))
	}

	mqttClient := mqtt.NewClient(opts)
	if token := mqttClient.Connect(); token.Wait() && token.Error() != nil {
		logger.Fatal("Failed to connect to MQTT broker", zap.Error(token.Error()))
	}
	defer mqttClient.Disconnect(250)

	sims := make([]*gatewaySim, 0, len(gatewayIDs))
	for _, id := range gatewayIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		sims = append(sims, newGatewaySim(id, *sensors))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, stopping generator")
		cancel()
	}()

	publish := func(topic string, payload []byte) {
		if *wrapped {
			payload = wrapPayload(payload)
		}
		token := mqttClient.Publish(topic, 0, false, payload)
		if token.Wait() && token.Error() != nil {
			logger.Error("Failed to publish",
				zap.String("topic", topic),
				zap.Error(token.Error()))
		}
	}

	// Announce initial presence so the engine sees every gateway connected
	for _, sim := range sims {
		payload, _ := json.Marshal(sim.presenceEvent())
		publish("presence/state/"+sim.id, payload)
	}

	if *rps < 1 {
		*rps = 1
	}
	interval := time.Second / time.Duration(*rps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	messageCount := 0

	for {
		select {
		case <-ctx.Done():
			logger.Info("Generator stopped", zap.Int("total_messages", messageCount))
			return

		case <-ticker.C:
			for _, sim := range sims {
				// Occasionally flap the gateway's presence
				if rand.Float64() < *flapProb {
					sim.connected = !sim.connected
					payload, _ := json.Marshal(sim.presenceEvent())
					publish("presence/state/"+sim.id, payload)
					logger.Info("Gateway presence flapped",
						zap.String("gateway_id", sim.id),
						zap.Bool("connected", sim.connected))
				}

				// A disconnected gateway publishes no telemetry
				if !sim.connected {
					continue
				}

				payload, _ := json.Marshal(sim.telemetryBatch())
				publish(sim.id+"/data", payload)
				messageCount++

				if messageCount%100 == 0 {
					logger.Info("Telemetry batches published", zap.Int("count", messageCount))
				}
			}
		}
	}
}
