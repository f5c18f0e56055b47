package services

import (
	"fmt"
	"sync"
	"time"

	"vigil/models"

	"go.uber.org/zap"
)

// StateObserver is notified of connection state transitions
type StateObserver func(state models.ConnectionState)

// ConnectionManager owns the single active subscription to the topic set
// derived from a gateway list and routes normalized messages to the tracking
// engines. Every connection attempt carries a monotonically increasing
// generation number; callbacks from a superseded generation are discarded so
// two attempts can never partially overlap.
type ConnectionManager struct {
	transport  Transport
	normalizer *Normalizer
	liveness   *LivenessEngine
	presence   *PresenceTracker
	observer   StateObserver
	grace      time.Duration
	logger     *zap.Logger

	mu         sync.Mutex
	state      models.ConnectionState
	generation uint64
	sub        Subscription
	graceTimer *time.Timer
}

func NewConnectionManager(
	transport Transport,
	normalizer *Normalizer,
	liveness *LivenessEngine,
	presence *PresenceTracker,
	gracePeriod time.Duration,
	logger *zap.Logger,
) *ConnectionManager {
	return &ConnectionManager{
		transport:  transport,
		normalizer: normalizer,
		liveness:   liveness,
		presence:   presence,
		grace:      gracePeriod,
		state:      models.StateClosed,
		logger:     logger,
	}
}

// SetStateObserver registers a callback for state transitions. Must be set
// before Start.
func (cm *ConnectionManager) SetStateObserver(observer StateObserver) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.observer = observer
}

// TopicsFor returns the subscription topics for a gateway set: one data and
// one presence topic per gateway.
func TopicsFor(gatewayIDs []string) []string {
	topics := make([]string, 0, len(gatewayIDs)*2)
	for _, id := range gatewayIDs {
		topics = append(topics, id+"/data")
		topics = append(topics, "presence/state/"+id)
	}
	return topics
}

// Start subscribes to the topics of the given gateways. While a previous
// attempt is still Connecting this is a no-op (Start may be triggered from
// several places at once); an Open connection is torn down first so gateway
// sets can be switched.
func (cm *ConnectionManager) Start(gatewayIDs []string) error {
	if len(gatewayIDs) == 0 {
		return fmt.Errorf("cannot start connection: empty gateway list")
	}

	cm.mu.Lock()

	if cm.state == models.StateConnecting {
		cm.mu.Unlock()
		cm.logger.Info("Connection attempt already in flight, ignoring start")
		return nil
	}
	if cm.state == models.StateOpen {
		cm.teardownLocked()
	}

	cm.generation++
	gen := cm.generation
	cm.state = models.StateConnecting
	if cm.grace > 0 {
		cm.graceTimer = time.AfterFunc(cm.grace, func() {
			cm.graceElapsed(gen)
		})
	}
	cm.mu.Unlock()

	cm.notify(models.StateConnecting)

	topics := TopicsFor(gatewayIDs)
	cm.logger.Info("Subscribing",
		zap.Strings("topics", topics),
		zap.Uint64("generation", gen))

	sub, err := cm.transport.Subscribe(topics, TransportHandler{
		OnMessage:  func(msg models.InboundMessage) { cm.handleMessage(gen, msg) },
		OnError:    func(err error) { cm.handleError(gen, err) },
		OnComplete: func() { cm.handleComplete(gen) },
	})
	if err != nil {
		cm.mu.Lock()
		if cm.generation == gen {
			cm.stopGraceTimerLocked()
			cm.state = models.StateError
			cm.mu.Unlock()
			cm.notify(models.StateError)
		} else {
			cm.mu.Unlock()
		}
		cm.logger.Error("Subscribe failed", zap.Error(err))
		return fmt.Errorf("subscribe failed: %w", err)
	}

	cm.mu.Lock()
	if cm.generation != gen {
		// A Stop or replacement raced the subscribe call; this connection
		// is already stale and must not survive.
		cm.mu.Unlock()
		_ = sub.Unsubscribe()
		return nil
	}
	cm.sub = sub
	cm.mu.Unlock()

	return nil
}

// Stop tears down the active subscription, if any. Idempotent.
func (cm *ConnectionManager) Stop() {
	cm.mu.Lock()
	cm.generation++ // invalidate all outstanding callbacks
	cm.teardownLocked()
	wasClosed := cm.state == models.StateClosed
	cm.state = models.StateClosed
	cm.mu.Unlock()

	if !wasClosed {
		cm.logger.Info("Connection stopped")
		cm.notify(models.StateClosed)
	}
}

// State returns the current connection state
func (cm *ConnectionManager) State() models.ConnectionState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// handleMessage routes one accepted message. The first message of a
// generation doubles as the confirmation that the subscription actually
// works and flips Connecting to Open.
func (cm *ConnectionManager) handleMessage(gen uint64, msg models.InboundMessage) {
	cm.mu.Lock()
	if cm.generation != gen {
		cm.mu.Unlock()
		return
	}
	opened := false
	if cm.state == models.StateConnecting {
		cm.stopGraceTimerLocked()
		cm.state = models.StateOpen
		opened = true
	}
	cm.mu.Unlock()

	if opened {
		cm.logger.Info("Connection confirmed by first message")
		cm.notify(models.StateOpen)
	}

	normalized := cm.normalizer.Normalize(msg)
	switch normalized.Kind {
	case KindTelemetry:
		cm.liveness.IngestBatch(normalized.Telemetry)
	case KindPresence:
		cm.presence.Ingest(*normalized.Presence)
	case KindUnrecognized:
		// already logged by the normalizer
	}
}

func (cm *ConnectionManager) handleError(gen uint64, err error) {
	cm.mu.Lock()
	if cm.generation != gen {
		cm.mu.Unlock()
		return
	}
	cm.stopGraceTimerLocked()
	cm.sub = nil
	cm.state = models.StateError
	cm.mu.Unlock()

	cm.logger.Error("Transport error", zap.Error(err))
	cm.notify(models.StateError)
}

func (cm *ConnectionManager) handleComplete(gen uint64) {
	cm.mu.Lock()
	if cm.generation != gen {
		cm.mu.Unlock()
		return
	}
	cm.stopGraceTimerLocked()
	cm.sub = nil
	cm.state = models.StateClosed
	cm.mu.Unlock()

	cm.logger.Info("Upstream completed, connection closed")
	cm.notify(models.StateClosed)
}

// graceElapsed forces Connecting to Open after the grace period so a
// quiet-but-healthy connection is not stuck in Connecting indefinitely. It
// is a UX affordance only; nothing else treats it as a first message.
func (cm *ConnectionManager) graceElapsed(gen uint64) {
	cm.mu.Lock()
	if cm.generation != gen || cm.state != models.StateConnecting {
		cm.mu.Unlock()
		return
	}
	cm.graceTimer = nil
	cm.state = models.StateOpen
	cm.mu.Unlock()

	cm.logger.Info("Grace period elapsed, assuming connection is open")
	cm.notify(models.StateOpen)
}

func (cm *ConnectionManager) teardownLocked() {
	cm.stopGraceTimerLocked()
	if cm.sub != nil {
		if err := cm.sub.Unsubscribe(); err != nil {
			cm.logger.Warn("Unsubscribe failed", zap.Error(err))
		}
		cm.sub = nil
	}
}

func (cm *ConnectionManager) stopGraceTimerLocked() {
	if cm.graceTimer != nil {
		cm.graceTimer.Stop()
		cm.graceTimer = nil
	}
}

func (cm *ConnectionManager) notify(state models.ConnectionState) {
	cm.mu.Lock()
	observer := cm.observer
	cm.mu.Unlock()

	if observer != nil {
		observer(state)
	}
}
