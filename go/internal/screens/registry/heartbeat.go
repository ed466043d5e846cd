package registry

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/screensync/go/internal/screens/protocol"
)

type heartbeatTarget struct {
	stableID string
	conn     protocol.Sender
}

// Start launches the periodic liveness sweep. Calling Start on a running registry is a no-op.
func (r *Registry) Start(ctx context.Context) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done

	// created before returning so a fake clock sees the waiter immediately
	ticker := r.clock.NewTicker(r.config.SweepInterval)

	go func() {
		defer close(done)
		defer ticker.Stop()

		log.Info().
			Dur("interval", r.config.SweepInterval).
			Dur("inactivity_timeout", r.config.InactivityTimeout).
			Msg("device liveness sweep started")

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("device liveness sweep stopped")
				return
			case <-ticker.Chan():
				r.Sweep()
			}
		}
	}()
}

// Stop cancels the sweep and waits for it to exit. The registry can be started again afterwards.
func (r *Registry) Stop() {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.cancel = nil
	r.done = nil
}

// Running reports whether the sweep loop is active
func (r *Registry) Running() bool {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	return r.cancel != nil
}

// Sweep runs one liveness pass: inactive devices go offline, long-offline devices are purged,
// and every device whose socket has not been released gets a heartbeat.
func (r *Registry) Sweep() {
	now := r.clock.Now()

	var (
		events  []Event
		targets []heartbeatTarget
	)

	r.mu.Lock()
	for id, d := range r.devices {
		if !d.IsOnline {
			if r.config.GraceWindow > 0 && d.DisconnectedAt != nil && now.Sub(*d.DisconnectedAt) >= r.config.GraceWindow {
				delete(r.devices, id)
				events = append(events, Event{Kind: EventRemoved, StableID: id, At: now})
				continue
			}
			// still connected: a heartbeat response revives it
			if !d.released {
				targets = append(targets, heartbeatTarget{stableID: id, conn: d.Conn})
			}
			continue
		}

		if now.Sub(d.lastActivity()) > r.config.InactivityTimeout {
			r.markOfflineLocked(d, now)
			events = append(events, Event{Kind: EventTimedOut, StableID: id, At: now})
			targets = append(targets, heartbeatTarget{stableID: id, conn: d.Conn})
			continue
		}

		targets = append(targets, heartbeatTarget{stableID: id, conn: d.Conn})
	}
	r.updateGaugesLocked()
	r.mu.Unlock()

	heartbeat := protocol.MustMessage(protocol.TypeHeartbeat, protocol.HeartbeatPayload{
		ServerTime: protocol.UnixMillis(now),
	})
	for _, p := range targets {
		if err := p.conn.Send(heartbeat); err != nil {
			log.Debug().Err(err).Str("device_id", p.stableID).Msg("failed to send heartbeat")
		}
	}

	for _, ev := range events {
		log.Info().
			Str("device_id", ev.StableID).
			Str("event", string(ev.Kind)).
			Msg("device liveness changed")
	}
	r.emit(events...)
}
