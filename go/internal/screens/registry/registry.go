// Package registry tracks connected screens by stable identity and supervises their liveness.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/screensync/go/internal/screens/metrics"
	"github.com/mcdev12/screensync/go/internal/screens/protocol"
)

// Config holds liveness supervision settings
type Config struct {
	SweepInterval     time.Duration
	InactivityTimeout time.Duration
	// GraceWindow is how long an offline record is kept before it is purged. Zero keeps it forever.
	GraceWindow time.Duration
}

// DefaultConfig returns default liveness settings
func DefaultConfig() Config {
	return Config{
		SweepInterval:     5 * time.Second,
		InactivityTimeout: 20 * time.Second,
		GraceWindow:       10 * time.Minute,
	}
}

// Registry is the process-wide index of devices
type Registry struct {
	devices map[string]*Device
	mu      sync.RWMutex

	clock  clockwork.Clock
	config Config

	listeners   []func(Event)
	listenersMu sync.RWMutex

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a registry. The sweep does not run until Start is called.
func New(config Config, clock clockwork.Clock) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		devices: make(map[string]*Device),
		clock:   clock,
		config:  config,
	}
}

// OnEvent registers a lifecycle listener. Listeners run on the caller's goroutine, outside registry locks.
func (r *Registry) OnEvent(fn func(Event)) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Registry) emit(events ...Event) {
	r.listenersMu.RLock()
	listeners := r.listeners
	r.listenersMu.RUnlock()

	for _, ev := range events {
		for _, fn := range listeners {
			fn(ev)
		}
	}
}

// UpsertDevice creates the device for stableID or swaps in the new connection of an existing one.
// The device is marked online and told whether this was a fresh registration or a reconnect.
func (r *Registry) UpsertDevice(stableID string, conn protocol.Sender, metadata protocol.Metadata) (Device, error) {
	if stableID == "" {
		return Device{}, ErrInvalidStableID
	}
	if conn == nil {
		return Device{}, ErrNilConnection
	}

	now := r.clock.Now()

	r.mu.Lock()
	d, exists := r.devices[stableID]
	if !exists {
		d = &Device{StableID: stableID, RegisteredAt: now}
		r.devices[stableID] = d
	}
	d.Conn = conn
	d.Metadata = metadata
	d.IsOnline = true
	d.LastSeenAt = now
	d.DisconnectedAt = nil
	d.released = false
	snapshot := d.snapshot()
	r.updateGaugesLocked()
	r.mu.Unlock()

	msgType, kind := protocol.TypeDeviceRegistered, EventConnected
	if exists {
		msgType, kind = protocol.TypeDeviceReconnected, EventReconnected
	}
	notice := protocol.MustMessage(msgType, protocol.DeviceRegisteredPayload{
		StableID:   stableID,
		Reconnect:  exists,
		ServerTime: protocol.UnixMillis(now),
	})
	if err := conn.Send(notice); err != nil {
		log.Warn().Err(err).Str("device_id", stableID).Msg("failed to send registration notice")
	}

	log.Info().
		Str("device_id", stableID).
		Bool("reconnect", exists).
		Str("user_agent", metadata.UserAgent).
		Bool("native_app", metadata.IsNativeApp).
		Msg("device registered")

	r.emit(Event{Kind: kind, StableID: stableID, At: now})
	return snapshot, nil
}

// UnregisterDevice marks the device offline and keeps its record, or deletes it when immediate is set
func (r *Registry) UnregisterDevice(stableID string, immediate bool) error {
	now := r.clock.Now()

	r.mu.Lock()
	d, exists := r.devices[stableID]
	if !exists {
		r.mu.Unlock()
		return ErrDeviceNotFound
	}
	kind := EventDisconnected
	if immediate {
		delete(r.devices, stableID)
		kind = EventRemoved
	} else {
		r.markOfflineLocked(d, now)
		d.released = true
	}
	r.updateGaugesLocked()
	r.mu.Unlock()

	log.Info().
		Str("device_id", stableID).
		Bool("immediate", immediate).
		Msg("device unregistered")

	r.emit(Event{Kind: kind, StableID: stableID, At: now})
	return nil
}

// ReleaseConnection soft-unregisters the device only if conn is still its current connection.
// A socket closing after the device already reconnected on a new one is ignored.
func (r *Registry) ReleaseConnection(stableID string, conn protocol.Sender) bool {
	now := r.clock.Now()

	r.mu.Lock()
	d, exists := r.devices[stableID]
	if !exists || d.Conn != conn {
		r.mu.Unlock()
		return false
	}
	wasOnline := d.IsOnline
	r.markOfflineLocked(d, now)
	d.released = true
	r.updateGaugesLocked()
	r.mu.Unlock()

	if wasOnline {
		log.Info().Str("device_id", stableID).Msg("device connection released")
		r.emit(Event{Kind: EventDisconnected, StableID: stableID, At: now})
	}
	return true
}

func (r *Registry) markOfflineLocked(d *Device, now time.Time) {
	d.IsOnline = false
	if d.DisconnectedAt == nil {
		t := now
		d.DisconnectedAt = &t
	}
}

// Touch records inbound activity from the device. A device that timed out while its socket
// stayed open is brought back online, and Touch reports true.
func (r *Registry) Touch(stableID string) bool {
	now := r.clock.Now()

	r.mu.Lock()
	d, ok := r.devices[stableID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	d.LastSeenAt = now
	revived := r.reviveLocked(d)
	r.mu.Unlock()

	if revived {
		log.Info().Str("device_id", stableID).Msg("device revived by inbound activity")
		r.emit(Event{Kind: EventRevived, StableID: stableID, At: now})
	}
	return revived
}

// reviveLocked marks a timed-out device online again. Released devices stay offline
// until they register on a new socket.
func (r *Registry) reviveLocked(d *Device) bool {
	if d.IsOnline || d.released {
		return false
	}
	d.IsOnline = true
	d.DisconnectedAt = nil
	r.updateGaugesLocked()
	return true
}

// maxReportLag caps the age attributed to a client report
const maxReportLag = 2 * time.Second

// ReportLag estimates how long ago a client report was produced. A client timestamp is mapped
// onto the server clock with the heartbeat clock offset; without one, half the last round trip
// is used.
func (r *Registry) ReportLag(stableID string, clientTime int64) time.Duration {
	now := r.clock.Now()

	r.mu.RLock()
	d, ok := r.devices[stableID]
	if !ok {
		r.mu.RUnlock()
		return 0
	}
	offset, rtt, calibrated := d.ClockOffset, d.RoundTrip, !d.LastHeartbeatAt.IsZero()
	r.mu.RUnlock()

	lag := rtt / 2
	if clientTime > 0 && calibrated {
		lag = now.Sub(protocol.FromUnixMillis(clientTime).Add(-offset))
	}
	if lag < 0 {
		lag = 0
	}
	if lag > maxReportLag {
		lag = maxReportLag
	}
	return lag
}

// HandleHeartbeatResponse refreshes liveness and estimates round trip and clock offset.
// Unknown devices are ignored.
func (r *Registry) HandleHeartbeatResponse(stableID string, resp protocol.HeartbeatResponsePayload) {
	now := r.clock.Now()

	r.mu.Lock()
	d, ok := r.devices[stableID]
	if !ok {
		r.mu.Unlock()
		log.Debug().Str("device_id", stableID).Msg("heartbeat response from unknown device")
		return
	}

	d.LastSeenAt = now
	d.LastHeartbeatAt = now
	revived := r.reviveLocked(d)

	if resp.ServerTime > 0 {
		sentAt := protocol.FromUnixMillis(resp.ServerTime)
		rtt := now.Sub(sentAt)
		if rtt < 0 {
			rtt = 0
		}
		d.RoundTrip = rtt
		if resp.ClientTime > 0 {
			// client clock read roughly halfway through the round trip
			d.ClockOffset = protocol.FromUnixMillis(resp.ClientTime).Sub(sentAt.Add(rtt / 2))
		}
		metrics.HeartbeatRoundTrip.Observe(rtt.Seconds())
	}
	r.updateGaugesLocked()
	r.mu.Unlock()

	if revived {
		log.Info().Str("device_id", stableID).Msg("device revived by heartbeat")
		r.emit(Event{Kind: EventRevived, StableID: stableID, At: now})
	}
}

// Send delivers msg through the device's current connection
func (r *Registry) Send(stableID string, msg protocol.Message) error {
	r.mu.RLock()
	d, ok := r.devices[stableID]
	if !ok {
		r.mu.RUnlock()
		return ErrDeviceNotFound
	}
	conn, online := d.Conn, d.IsOnline
	r.mu.RUnlock()

	if !online {
		return ErrDeviceOffline
	}
	return conn.Send(msg)
}

// GetDevice returns a copy of the device record
func (r *Registry) GetDevice(stableID string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[stableID]
	if !ok {
		return Device{}, false
	}
	return d.snapshot(), true
}

// GetDevices returns copies of all device records ordered by stable id
func (r *Registry) GetDevices() []Device {
	r.mu.RLock()
	devices := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, d.snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(devices, func(i, j int) bool { return devices[i].StableID < devices[j].StableID })
	return devices
}

// IsOnline reports whether the device is known and online
func (r *Registry) IsOnline(stableID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[stableID]
	return ok && d.IsOnline
}

func (r *Registry) updateGaugesLocked() {
	online := 0
	for _, d := range r.devices {
		if d.IsOnline {
			online++
		}
	}
	metrics.DevicesOnline.Set(float64(online))
	metrics.DevicesKnown.Set(float64(len(r.devices)))
}
