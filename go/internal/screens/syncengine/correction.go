package syncengine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/screensync/go/internal/screens/metrics"
	"github.com/mcdev12/screensync/go/internal/screens/protocol"
)

// SetAnchorClient makes id the timing reference, exempt from drift correction.
// An empty id clears the anchor.
func (e *Engine) SetAnchorClient(id string) error {
	if id != "" && e.lookup(id) == nil {
		return ErrNotRegistered
	}

	e.mu.Lock()
	now := e.clock.Now()
	previous := e.state.AnchorClientID
	e.state.AnchorClientID = id
	snapshot := e.state.clone()
	e.mu.Unlock()

	log.Info().Str("client_id", id).Str("previous", previous).Msg("anchor client set")
	if previous != id {
		e.notify(ChangeAnchorChanged, snapshot, now)
	}
	return nil
}

// AdjustBaselineBiasSec shifts every future scheduled command time by deltaSec and returns the new bias
func (e *Engine) AdjustBaselineBiasSec(deltaSec float64) float64 {
	e.mu.Lock()
	now := e.clock.Now()
	e.state.BaselineBiasSec += deltaSec
	snapshot := e.state.clone()
	e.mu.Unlock()

	log.Info().
		Float64("delta_sec", deltaSec).
		Float64("bias_sec", snapshot.BaselineBiasSec).
		Msg("baseline bias adjusted")

	e.notify(ChangeBiasAdjusted, snapshot, now)
	return snapshot.BaselineBiasSec
}

// RealignClient sends one follower an absolute play at desiredVideoSec.
// The anchor is never realigned and a client is corrected at most once per cooldown.
func (e *Engine) RealignClient(id string, desiredVideoSec float64) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.state.CurrentVideo == nil {
		metrics.RealignOutcomes.WithLabelValues("invalid_state").Inc()
		return fmt.Errorf("%w: nothing is loaded", ErrInvalidState)
	}
	p := e.lookup(id)
	if p == nil {
		metrics.RealignOutcomes.WithLabelValues("not_registered").Inc()
		return ErrNotRegistered
	}
	if id == e.state.AnchorClientID {
		metrics.RealignOutcomes.WithLabelValues("anchor").Inc()
		return ErrAnchorProtected
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := e.clock.Now()
	if last := p.baseline.LastCorrectionAt; !last.IsZero() && now.Sub(last) < e.config.RealignCooldown {
		metrics.RealignOutcomes.WithLabelValues("cooldown").Inc()
		return fmt.Errorf("%w: last correction %s ago", ErrCooldownActive, now.Sub(last))
	}

	if desiredVideoSec < 0 {
		desiredVideoSec = 0
	}
	videoTime := desiredVideoSec + e.state.BaselineBiasSec
	if err := p.sendLocked(playCommand(videoTime, protocol.TimeDomainAbsolute, now)); err != nil {
		metrics.RealignOutcomes.WithLabelValues("send_failed").Inc()
		return err
	}

	p.baseline.VideoStartSec = desiredVideoSec
	p.baseline.LastCorrectionAt = now
	p.baseline.UpdatedAt = now
	metrics.RealignOutcomes.WithLabelValues("sent").Inc()

	log.Info().
		Str("client_id", id).
		Float64("video_sec", desiredVideoSec).
		Msg("client realigned")
	return nil
}

// CatchUpClient brings a client that joined mid-playback onto the timeline: a preload, then a
// play in the client time domain so the client counts from its own reception instant.
// An empty mediaRef means the current video.
func (e *Engine) CatchUpClient(ctx context.Context, id, mediaRef string, elapsedVideoSec float64) error {
	var mediaURL string
	if mediaRef != "" {
		if e.resolver == nil {
			return fmt.Errorf("%w: no resolver configured", ErrInvalidMedia)
		}
		resolved, err := e.resolver.Resolve(ctx, mediaRef)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMedia, err)
		}
		mediaURL = resolved
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.state.CurrentVideo == nil {
		return fmt.Errorf("%w: nothing is loaded", ErrInvalidState)
	}
	if mediaURL == "" {
		mediaURL = e.state.CurrentVideo.MediaURL
	}
	p := e.lookup(id)
	if p == nil {
		return ErrNotRegistered
	}
	if elapsedVideoSec < 0 {
		elapsedVideoSec = 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := e.clock.Now()
	if err := p.sendLocked(
		preloadCommand(mediaURL),
		playCommand(elapsedVideoSec, protocol.TimeDomainClient, now),
	); err != nil {
		return err
	}
	p.baseline.VideoStartSec = elapsedVideoSec
	p.baseline.UpdatedAt = now

	log.Info().
		Str("client_id", id).
		Str("media_url", mediaURL).
		Float64("elapsed_sec", elapsedVideoSec).
		Msg("client caught up")
	return nil
}

// PreloadClient sends only the preload of the current video, for clients joining while paused.
// The next resume broadcast starts them with everyone else.
func (e *Engine) PreloadClient(id string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.state.CurrentVideo == nil {
		return fmt.Errorf("%w: nothing is loaded", ErrInvalidState)
	}
	p := e.lookup(id)
	if p == nil {
		return ErrNotRegistered
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sendLocked(preloadCommand(e.state.CurrentVideo.MediaURL))
}

// HoldClient resyncs a client that missed broadcasts while paused: a preload of the current
// video followed by a pause. The baseline moves to the paused position.
func (e *Engine) HoldClient(id string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	v := e.state.CurrentVideo
	if v == nil || e.state.IsPlaying || v.PausedAtVideoSec == nil {
		return fmt.Errorf("%w: nothing is paused", ErrInvalidState)
	}
	p := e.lookup(id)
	if p == nil {
		return ErrNotRegistered
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := e.clock.Now()
	if err := p.sendLocked(preloadCommand(v.MediaURL), pauseCommand()); err != nil {
		return err
	}
	p.baseline.VideoStartSec = *v.PausedAtVideoSec
	p.baseline.UpdatedAt = now

	log.Info().
		Str("client_id", id).
		Float64("paused_at_sec", *v.PausedAtVideoSec).
		Msg("client held at pause")
	return nil
}
