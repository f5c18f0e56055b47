package services

import (
	"sync"

	"vigil/models"

	"go.uber.org/zap"
)

// Cascader re-evaluates the sensors depending on a gateway that just went
// down. Implemented by the liveness engine.
type Cascader interface {
	CascadeGatewayOffline(gatewayID string)
}

// PresenceTracker maintains a connected/disconnected flag and last-seen time
// per gateway. Gateways default to connected: absence of information is not
// evidence of disconnection.
type PresenceTracker struct {
	mu       sync.RWMutex
	gateways map[string]*models.GatewayRecord

	cascader Cascader
	sink     StatusSink
	logger   *zap.Logger
}

func NewPresenceTracker(sink StatusSink, logger *zap.Logger) *PresenceTracker {
	return &PresenceTracker{
		gateways: make(map[string]*models.GatewayRecord),
		sink:     sink,
		logger:   logger,
	}
}

func (p *PresenceTracker) SetCascader(cascader Cascader) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cascader = cascader
}

// Initialize seeds records for known gateways, defaulting to connected
func (p *PresenceTracker) Initialize(gatewayIDs []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range gatewayIDs {
		if id == "" {
			continue
		}
		if _, exists := p.gateways[id]; exists {
			continue
		}
		p.gateways[id] = &models.GatewayRecord{ID: id, Connected: true}
	}

	p.logger.Info("Seeded gateway presence records", zap.Int("count", len(gatewayIDs)))
}

// Ingest applies one presence event. A transition to disconnected triggers
// cascading sensor re-evaluation; a transition back to connected does not —
// a sensor offlined by the cascade recovers on its next fresh reading, or
// stays correctly offline if it truly stopped producing data.
func (p *PresenceTracker) Ingest(event models.PresenceEvent) {
	p.mu.Lock()

	rec, exists := p.gateways[event.GatewayID]
	wasConnected := true // optimistic default for a first-seen gateway
	if exists {
		wasConnected = rec.Connected
	} else {
		rec = &models.GatewayRecord{ID: event.GatewayID}
		p.gateways[event.GatewayID] = rec
	}

	rec.Connected = event.Connected
	if event.Timestamp.After(rec.LastSeen) {
		rec.LastSeen = event.Timestamp
	}
	cascader := p.cascader
	p.mu.Unlock()

	p.sink.GatewayPresence(event.GatewayID, event.Connected, event.Timestamp)

	if wasConnected && !event.Connected {
		p.logger.Warn("Gateway disconnected",
			zap.String("gateway_id", event.GatewayID),
			zap.Time("timestamp", event.Timestamp))
		if cascader != nil {
			cascader.CascadeGatewayOffline(event.GatewayID)
		}
	} else if !wasConnected && event.Connected {
		p.logger.Info("Gateway reconnected", zap.String("gateway_id", event.GatewayID))
	}
}

// IsOnline reports a gateway's connectivity; known is false when the gateway
// has never been observed or seeded.
func (p *PresenceTracker) IsOnline(gatewayID string) (online bool, known bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	rec, exists := p.gateways[gatewayID]
	if !exists {
		return false, false
	}
	return rec.Connected, true
}

// Snapshot returns a copy of all tracked gateway records (for diagnostics)
func (p *PresenceTracker) Snapshot() []models.GatewayRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]models.GatewayRecord, 0, len(p.gateways))
	for _, rec := range p.gateways {
		out = append(out, *rec)
	}
	return out
}
