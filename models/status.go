package models

import (
	"time"
)

// ConnectionState represents the lifecycle of the single active subscription
type ConnectionState int

const (
	StateClosed ConnectionState = iota
	StateConnecting
	StateOpen
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// SensorSeed seeds a sensor's last-seen time from historical data at startup.
// Seeding never arms a timeout timer; only live traffic does.
type SensorSeed struct {
	Key      string    `json:"key"`
	LastSeen time.Time `json:"last_seen"`
}

// GatewayRecord tracks the connectivity of one gateway
type GatewayRecord struct {
	ID        string    `json:"id"`
	Connected bool      `json:"connected"`
	LastSeen  time.Time `json:"last_seen"`
}

// SensorStatus is the shape persisted by status sinks on every transition
type SensorStatus struct {
	Key       string    `json:"key"`
	Online    bool      `json:"online"`
	LastSeen  time.Time `json:"last_seen,omitempty"`
	Battery   *int      `json:"battery,omitempty"`
	LastValue *float64  `json:"last_value,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
