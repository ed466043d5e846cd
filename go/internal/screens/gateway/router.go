package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/screensync/go/internal/screens/metrics"
	"github.com/mcdev12/screensync/go/internal/screens/protocol"
	"github.com/mcdev12/screensync/go/internal/screens/registry"
	"github.com/mcdev12/screensync/go/internal/screens/syncengine"
)

var ErrNotRegistered = errors.New("register before sending other messages")

// Router applies inbound screen messages to the registry and the sync engine
type Router struct {
	registry          *registry.Registry
	engine            *syncengine.Engine
	driftThresholdSec float64
}

func NewRouter(reg *registry.Registry, engine *syncengine.Engine, driftThresholdSec float64) *Router {
	rt := &Router{
		registry:          reg,
		engine:            engine,
		driftThresholdSec: driftThresholdSec,
	}
	reg.OnEvent(rt.deviceEvent)
	return rt
}

// deviceEvent resyncs screens that come back after a timeout, since broadcasts skipped them
func (rt *Router) deviceEvent(ev registry.Event) {
	if ev.Kind != registry.EventRevived {
		return
	}
	rt.resync(context.Background(), ev.StableID, true)
}

func (rt *Router) HandleInbound(ctx context.Context, s *Session, msg protocol.Message) error {
	payload, err := protocol.ParseInbound(msg)
	if err != nil {
		return err
	}

	if p, ok := payload.(protocol.RegisterPayload); ok {
		return rt.register(ctx, s, p)
	}
	if s.StableID == "" {
		return ErrNotRegistered
	}

	revived := rt.registry.Touch(s.StableID)

	switch p := payload.(type) {
	case protocol.HeartbeatResponsePayload:
		rt.registry.HandleHeartbeatResponse(s.StableID, p)
	case protocol.ReadyPayload:
		log.Debug().Str("device_id", s.StableID).Str("media_url", p.MediaURL).Msg("screen ready")
	case protocol.PositionReportPayload:
		// a revived screen was just resynced; this report predates that
		if !revived {
			rt.checkDrift(s.StableID, p)
		}
	}
	return nil
}

// HandleClosed soft-unregisters the device unless it already reconnected on another socket
func (rt *Router) HandleClosed(s *Session) {
	if s.StableID == "" {
		return
	}
	if rt.registry.ReleaseConnection(s.StableID, s.Conn) {
		log.Info().Str("device_id", s.StableID).Msg("screen disconnected")
	}
}

func (rt *Router) register(ctx context.Context, s *Session, p protocol.RegisterPayload) error {
	if s.StableID != "" && s.StableID != p.StableID {
		return fmt.Errorf("connection already registered as %q", s.StableID)
	}

	if _, err := rt.registry.UpsertDevice(p.StableID, s.Conn, p.Metadata); err != nil {
		return fmt.Errorf("register device: %w", err)
	}

	role := syncengine.RoleScreen
	if syncengine.Role(p.Role) == syncengine.RoleAnchor {
		role = syncengine.RoleAnchor
	}
	if err := rt.engine.RegisterClient(p.StableID, s.Conn, p.DisplayName, role); err != nil {
		return fmt.Errorf("register client: %w", err)
	}
	s.StableID = p.StableID

	rt.resync(ctx, p.StableID, false)
	return nil
}

// resync puts a screen onto the current timeline, if any. A fresh screen joining while paused
// only preloads; a revived one may still be playing and is also told to pause.
func (rt *Router) resync(ctx context.Context, id string, revived bool) {
	var err error
	switch rt.engine.State().Status() {
	case syncengine.StatusPlaying:
		elapsed, ok := rt.engine.ExpectedVideoSec()
		if !ok {
			return
		}
		err = rt.engine.CatchUpClient(ctx, id, "", elapsed)
	case syncengine.StatusPaused:
		if revived {
			err = rt.engine.HoldClient(id)
		} else {
			err = rt.engine.PreloadClient(id)
		}
	default:
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("device_id", id).Bool("revived", revived).Msg("catch-up failed")
	}
}

// checkDrift realigns a screen whose reported position is off the shared timeline by more
// than the threshold. Reports for other media or while not playing are ignored.
func (rt *Router) checkDrift(id string, p protocol.PositionReportPayload) {
	state := rt.engine.State()
	if state.Status() != syncengine.StatusPlaying {
		return
	}
	if p.MediaURL != "" && p.MediaURL != state.CurrentVideo.MediaURL {
		return
	}
	expected, ok := rt.engine.ExpectedVideoSec()
	if !ok {
		return
	}

	// screens were told to play at expected+bias; the report describes the timeline lag ago
	lag := rt.registry.ReportLag(id, p.ClientTime)
	drift := p.VideoTime - (expected - lag.Seconds() + state.BaselineBiasSec)
	metrics.PositionDrift.Observe(math.Abs(drift))
	if math.Abs(drift) <= rt.driftThresholdSec {
		return
	}

	err := rt.engine.RealignClient(id, expected)
	switch {
	case err == nil:
		log.Info().
			Str("device_id", id).
			Float64("drift_sec", drift).
			Msg("drift corrected")
	case errors.Is(err, syncengine.ErrAnchorProtected), errors.Is(err, syncengine.ErrCooldownActive):
		log.Debug().Err(err).Str("device_id", id).Float64("drift_sec", drift).Msg("realign skipped")
	default:
		log.Warn().Err(err).Str("device_id", id).Float64("drift_sec", drift).Msg("realign failed")
	}
}
