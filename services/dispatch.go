package services

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// StatusSink receives online/offline transitions. Implementations must be
// cheap to call; slow work belongs behind the dispatcher.
type StatusSink interface {
	SensorOnline(key string, lastSeen time.Time, battery *int, lastValue *float64)
	SensorOffline(key string)
	GatewayPresence(gatewayID string, connected bool, timestamp time.Time)
}

type statusEventKind int

const (
	eventSensorOnline statusEventKind = iota
	eventSensorOffline
	eventGatewayPresence
)

type statusEvent struct {
	kind      statusEventKind
	key       string
	gatewayID string
	connected bool
	timestamp time.Time
	battery   *int
	lastValue *float64
}

// StatusDispatcher decouples liveness decisions from persistence latency: the
// tracking engines enqueue transitions without blocking and a single drain
// goroutine fans them out to the registered sinks. When the queue is full the
// event is dropped with a warning; in-memory state remains the source of
// truth for current status.
type StatusDispatcher struct {
	events chan statusEvent
	sinks  []StatusSink
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewStatusDispatcher(queueSize int, logger *zap.Logger, sinks ...StatusSink) *StatusDispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	d := &StatusDispatcher{
		events: make(chan statusEvent, queueSize),
		sinks:  sinks,
		logger: logger,
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *StatusDispatcher) SensorOnline(key string, lastSeen time.Time, battery *int, lastValue *float64) {
	d.enqueue(statusEvent{
		kind:      eventSensorOnline,
		key:       key,
		timestamp: lastSeen,
		battery:   battery,
		lastValue: lastValue,
	})
}

func (d *StatusDispatcher) SensorOffline(key string) {
	d.enqueue(statusEvent{kind: eventSensorOffline, key: key})
}

func (d *StatusDispatcher) GatewayPresence(gatewayID string, connected bool, timestamp time.Time) {
	d.enqueue(statusEvent{
		kind:      eventGatewayPresence,
		gatewayID: gatewayID,
		connected: connected,
		timestamp: timestamp,
	})
}

func (d *StatusDispatcher) enqueue(ev statusEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return
	}

	select {
	case d.events <- ev:
	default:
		d.logger.Warn("Status queue full, dropping event",
			zap.String("key", ev.key),
			zap.String("gateway_id", ev.gatewayID))
	}
}

func (d *StatusDispatcher) run() {
	defer d.wg.Done()

	for ev := range d.events {
		d.deliver(ev)
	}
}

func (d *StatusDispatcher) deliver(ev statusEvent) {
	// A misbehaving sink must not take down the drain loop
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Status sink panicked", zap.Any("panic", r))
		}
	}()

	for _, sink := range d.sinks {
		switch ev.kind {
		case eventSensorOnline:
			sink.SensorOnline(ev.key, ev.timestamp, ev.battery, ev.lastValue)
		case eventSensorOffline:
			sink.SensorOffline(ev.key)
		case eventGatewayPresence:
			sink.GatewayPresence(ev.gatewayID, ev.connected, ev.timestamp)
		}
	}
}

// Close stops accepting events and waits for the queue to drain
func (d *StatusDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.events)
	d.wg.Wait()
}

// QueueDepth returns the number of undelivered events (for monitoring)
func (d *StatusDispatcher) QueueDepth() int {
	return len(d.events)
}
