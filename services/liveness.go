package services

import (
	"sync"
	"time"

	"vigil/models"

	"go.uber.org/zap"
)

// GatewayOracle answers whether a gateway is currently reported online.
// known is false when the gateway has never been observed.
type GatewayOracle interface {
	IsOnline(gatewayID string) (online bool, known bool)
}

// sensorRecord is the per-sensor liveness state. timer is the single
// outstanding offline timeout; replacing it always cancels the previous one
// inside the same critical section, and timerSeq lets a fire callback detect
// that it has been superseded.
type sensorRecord struct {
	key       string
	lastSeen  time.Time
	online    bool
	live      bool // has produced data this session (seeds start false)
	gateways  []string
	timer     *time.Timer
	timerSeq  uint64
	battery   *int
	lastValue *float64
}

// LivenessEngine derives per-sensor online/offline status from telemetry
// recency. A sensor is marked online on every accepted reading and offline
// when its silence timeout fires or when every gateway it depends on is down.
type LivenessEngine struct {
	mu      sync.Mutex
	sensors map[string]*sensorRecord
	timeout time.Duration
	seq     uint64

	sink   StatusSink
	oracle GatewayOracle
	logger *zap.Logger
	now    func() time.Time
}

func NewLivenessEngine(offlineTimeout time.Duration, sink StatusSink, logger *zap.Logger) *LivenessEngine {
	return &LivenessEngine{
		sensors: make(map[string]*sensorRecord),
		timeout: offlineTimeout,
		sink:    sink,
		logger:  logger,
		now:     time.Now,
	}
}

// SetGatewayOracle wires the presence tracker in after construction; the two
// trackers reference each other through narrow interfaces.
func (e *LivenessEngine) SetGatewayOracle(oracle GatewayOracle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.oracle = oracle
}

// InitializeSensors seeds last-seen times from historical data. No timer is
// armed: a long-dormant device imported at startup must not be timed out by
// stale history, only by observed live traffic going silent.
func (e *LivenessEngine) InitializeSensors(seeds []models.SensorSeed) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, seed := range seeds {
		if seed.Key == "" {
			continue
		}
		rec, exists := e.sensors[seed.Key]
		if !exists {
			rec = &sensorRecord{key: seed.Key}
			e.sensors[seed.Key] = rec
		}
		if seed.LastSeen.After(rec.lastSeen) {
			rec.lastSeen = seed.LastSeen
		}
	}

	e.logger.Info("Seeded sensor liveness records", zap.Int("count", len(seeds)))
}

// SetTopology declares which gateways each sensor depends on. Sensors absent
// from the map are governed purely by the silence timeout.
func (e *LivenessEngine) SetTopology(sensorGateways map[string][]string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for key, gateways := range sensorGateways {
		rec, exists := e.sensors[key]
		if !exists {
			rec = &sensorRecord{key: key}
			e.sensors[key] = rec
		}
		rec.gateways = append([]string(nil), gateways...)
	}
}

// IngestBatch feeds every reading of a normalized telemetry batch
func (e *LivenessEngine) IngestBatch(batch *models.TelemetryBatch) {
	if batch == nil {
		return
	}
	for _, reading := range batch.Readings {
		e.Ingest(reading)
	}
}

// Ingest accepts one reading. Readings whose timestamp does not advance the
// sensor's last-seen time are no-ops: duplicates and out-of-order delivery
// are routine on pub/sub transports and must not reset or extend a timeout.
func (e *LivenessEngine) Ingest(reading models.Reading) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, exists := e.sensors[reading.SensorKey]
	if !exists {
		rec = &sensorRecord{key: reading.SensorKey}
		e.sensors[reading.SensorKey] = rec
	}

	if !reading.Timestamp.After(rec.lastSeen) {
		return
	}

	e.cancelTimerLocked(rec)
	rec.lastSeen = reading.Timestamp
	rec.live = true
	rec.online = true
	if reading.Battery != nil {
		battery := *reading.Battery
		rec.battery = &battery
	}
	value := reading.Value
	rec.lastValue = &value

	e.sink.SensorOnline(rec.key, rec.lastSeen, rec.battery, rec.lastValue)
	e.armTimerLocked(rec, e.timeout)
}

// SetOfflineTimeout changes the silence timeout retroactively: every sensor
// that has produced data this session is re-evaluated against the new value
// immediately instead of waiting out a timer armed under the old one.
func (e *LivenessEngine) SetOfflineTimeout(timeout time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.timeout = timeout
	now := e.now()

	for _, rec := range e.sensors {
		if !rec.live {
			continue
		}
		e.cancelTimerLocked(rec)

		elapsed := now.Sub(rec.lastSeen)
		if elapsed >= timeout {
			rec.online = false
			e.sink.SensorOffline(rec.key)
			continue
		}
		rec.online = true
		e.sink.SensorOnline(rec.key, rec.lastSeen, rec.battery, rec.lastValue)
		e.armTimerLocked(rec, timeout-elapsed)
	}

	e.logger.Info("Offline timeout reconfigured", zap.Duration("timeout", timeout))
}

// CascadeGatewayOffline re-evaluates every sensor depending on the given
// gateway. A sensor goes offline immediately only when none of its gateways
// remains online; a gateway never observed counts as online so incomplete
// information cannot produce false offline marks.
func (e *LivenessEngine) CascadeGatewayOffline(gatewayID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, rec := range e.sensors {
		if !containsString(rec.gateways, gatewayID) {
			continue
		}
		if e.anyGatewayOnlineLocked(rec.gateways) {
			continue
		}

		e.cancelTimerLocked(rec)
		rec.online = false
		e.sink.SensorOffline(rec.key)
		e.logger.Warn("Sensor offline: all dependency gateways down",
			zap.String("sensor_key", rec.key),
			zap.String("gateway_id", gatewayID))
	}
}

// IsOnline reports the current liveness of a sensor; known is false when the
// sensor has never been tracked.
func (e *LivenessEngine) IsOnline(key string) (online bool, known bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, exists := e.sensors[key]
	if !exists {
		return false, false
	}
	return rec.online, true
}

// timerFired runs on the timer goroutine. The elapsed re-check makes it a
// safety net rather than blind trust: a fire that raced with an ingest or a
// reconfigure must not produce a spurious offline mark.
func (e *LivenessEngine) timerFired(key string, seq uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, exists := e.sensors[key]
	if !exists || rec.timerSeq != seq {
		return
	}
	rec.timer = nil
	rec.timerSeq = 0

	if e.now().Sub(rec.lastSeen) < e.timeout {
		return
	}

	rec.online = false
	e.sink.SensorOffline(rec.key)
	e.logger.Info("Sensor offline: silence timeout elapsed",
		zap.String("sensor_key", rec.key),
		zap.Time("last_seen", rec.lastSeen))
}

func (e *LivenessEngine) armTimerLocked(rec *sensorRecord, d time.Duration) {
	e.seq++
	seq := e.seq
	rec.timerSeq = seq
	key := rec.key
	rec.timer = time.AfterFunc(d, func() {
		e.timerFired(key, seq)
	})
}

func (e *LivenessEngine) cancelTimerLocked(rec *sensorRecord) {
	if rec.timer != nil {
		rec.timer.Stop()
		rec.timer = nil
	}
	rec.timerSeq = 0
}

func (e *LivenessEngine) anyGatewayOnlineLocked(gateways []string) bool {
	for _, gw := range gateways {
		if e.oracle == nil {
			return true
		}
		online, known := e.oracle.IsOnline(gw)
		if !known || online {
			return true
		}
	}
	return false
}

// Stop cancels every outstanding timer; used on shutdown and in tests
func (e *LivenessEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, rec := range e.sensors {
		e.cancelTimerLocked(rec)
	}
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
