package registry

import (
	"errors"
	"time"

	"github.com/mcdev12/screensync/go/internal/screens/protocol"
)

var (
	ErrDeviceNotFound  = errors.New("device not found")
	ErrDeviceOffline   = errors.New("device offline")
	ErrInvalidStableID = errors.New("stable id is required")
	ErrNilConnection   = errors.New("connection is required")
)

// Device is one physical or logical screen, keyed by a stable id that survives reconnects
type Device struct {
	StableID string            `json:"stableId"`
	Conn     protocol.Sender   `json:"-"`
	Metadata protocol.Metadata `json:"metadata"`
	IsOnline bool              `json:"isOnline"`

	RegisteredAt    time.Time  `json:"registeredAt"`
	LastSeenAt      time.Time  `json:"lastSeenAt"`
	LastHeartbeatAt time.Time  `json:"lastHeartbeatAt,omitempty"`
	DisconnectedAt  *time.Time `json:"disconnectedAt,omitempty"`

	// Estimated from the last heartbeat response. Positive offset means the client clock is ahead.
	ClockOffset time.Duration `json:"clockOffsetNs"`
	RoundTrip   time.Duration `json:"roundTripNs"`

	// released is set once the device's socket has gone away. A timed-out device whose socket
	// is still open keeps getting heartbeats and comes back online on any inbound activity.
	released bool
}

// lastActivity is the most recent of LastSeenAt and LastHeartbeatAt
func (d *Device) lastActivity() time.Time {
	if d.LastHeartbeatAt.After(d.LastSeenAt) {
		return d.LastHeartbeatAt
	}
	return d.LastSeenAt
}

func (d *Device) snapshot() Device {
	c := *d
	if d.DisconnectedAt != nil {
		t := *d.DisconnectedAt
		c.DisconnectedAt = &t
	}
	if d.Metadata.Capabilities != nil {
		c.Metadata.Capabilities = append([]string(nil), d.Metadata.Capabilities...)
	}
	return c
}

// EventKind is a device lifecycle transition
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventReconnected  EventKind = "reconnected"
	EventDisconnected EventKind = "disconnected"
	EventTimedOut     EventKind = "timed_out"
	EventRevived      EventKind = "revived"
	EventRemoved      EventKind = "removed"
)

// Event is delivered to listeners after the registry state has been updated
type Event struct {
	Kind     EventKind `json:"kind"`
	StableID string    `json:"stableId"`
	At       time.Time `json:"at"`
}
