package syncengine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/screensync/go/internal/screens/protocol"
)

// SyncPlayVideo loads mediaRef on every screen and starts it at startAtVideoSec.
// Each client receives a preload followed by an absolute play carrying the biased start.
func (e *Engine) SyncPlayVideo(ctx context.Context, mediaRef string, startAtVideoSec float64) error {
	if e.clientCount() == 0 {
		return ErrNoClients
	}
	if e.resolver == nil {
		return fmt.Errorf("%w: no resolver configured", ErrInvalidMedia)
	}
	mediaURL, err := e.resolver.Resolve(ctx, mediaRef)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMedia, err)
	}
	if startAtVideoSec < 0 {
		startAtVideoSec = 0
	}

	e.mu.Lock()
	// checked again under the lock, clients may have left while resolving
	if e.clientCount() == 0 {
		e.mu.Unlock()
		return ErrNoClients
	}

	now := e.clock.Now()
	videoTime := startAtVideoSec + e.state.BaselineBiasSec

	e.state.CurrentVideo = &CurrentVideo{
		MediaURL:  mediaURL,
		StartTime: now.Add(-durationFromSeconds(startAtVideoSec)),
	}
	e.state.IsPlaying = true
	e.state.LastSyncCommand = &SyncCommand{Type: protocol.TypeSyncPlay, VideoTime: videoTime, IssuedAt: now}

	delivered, failed := e.broadcast(now, &startAtVideoSec,
		preloadCommand(mediaURL),
		playCommand(videoTime, protocol.TimeDomainAbsolute, now),
	)
	snapshot := e.state.clone()
	e.mu.Unlock()

	log.Info().
		Str("media_url", mediaURL).
		Float64("start_at_sec", startAtVideoSec).
		Float64("bias_sec", snapshot.BaselineBiasSec).
		Int("delivered", delivered).
		Int("failed", failed).
		Msg("sync play broadcast")

	e.notify(ChangePlaying, snapshot, now)
	return nil
}

// SyncPause pauses every screen and freezes the timeline at the current elapsed position
func (e *Engine) SyncPause() error {
	e.mu.Lock()
	if e.state.CurrentVideo == nil || !e.state.IsPlaying {
		e.mu.Unlock()
		return fmt.Errorf("%w: nothing is playing", ErrInvalidState)
	}

	now := e.clock.Now()
	elapsed := secondsBetween(e.state.CurrentVideo.StartTime, now)
	if elapsed < 0 {
		elapsed = 0
	}

	pausedAt := now
	e.state.CurrentVideo.PausedAt = &pausedAt
	e.state.CurrentVideo.PausedAtVideoSec = &elapsed
	e.state.IsPlaying = false
	e.state.LastSyncCommand = &SyncCommand{Type: protocol.TypeSyncPause, VideoTime: elapsed, IssuedAt: now}

	delivered, failed := e.broadcast(now, nil, pauseCommand())
	snapshot := e.state.clone()
	e.mu.Unlock()

	log.Info().
		Float64("paused_at_sec", elapsed).
		Int("delivered", delivered).
		Int("failed", failed).
		Msg("sync pause broadcast")

	e.notify(ChangePaused, snapshot, now)
	return nil
}

// SyncResume restarts every screen from the paused position. The timeline start is shifted
// by the time spent paused so elapsed-time math continues as if no pause happened.
func (e *Engine) SyncResume() error {
	e.mu.Lock()
	v := e.state.CurrentVideo
	if v == nil || e.state.IsPlaying || v.PausedAt == nil || v.PausedAtVideoSec == nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: nothing is paused", ErrInvalidState)
	}

	now := e.clock.Now()
	pausedFor := now.Sub(*v.PausedAt)
	if pausedFor < 0 {
		pausedFor = 0
	}
	resumeAt := *v.PausedAtVideoSec
	videoTime := resumeAt + e.state.BaselineBiasSec

	v.StartTime = v.StartTime.Add(pausedFor)
	v.PausedAt = nil
	v.PausedAtVideoSec = nil
	e.state.IsPlaying = true
	e.state.LastSyncCommand = &SyncCommand{Type: protocol.TypeSyncPlay, VideoTime: videoTime, IssuedAt: now}

	delivered, failed := e.broadcast(now, &resumeAt, playCommand(videoTime, protocol.TimeDomainAbsolute, now))
	snapshot := e.state.clone()
	e.mu.Unlock()

	log.Info().
		Float64("resume_at_sec", resumeAt).
		Dur("paused_for", pausedFor).
		Int("delivered", delivered).
		Int("failed", failed).
		Msg("sync resume broadcast")

	e.notify(ChangeResumed, snapshot, now)
	return nil
}

// EndPlayback returns the engine to idle. Nothing is sent to clients.
func (e *Engine) EndPlayback() {
	e.mu.Lock()
	if e.state.CurrentVideo == nil {
		e.mu.Unlock()
		return
	}
	now := e.clock.Now()
	mediaURL := e.state.CurrentVideo.MediaURL
	e.state.CurrentVideo = nil
	e.state.IsPlaying = false
	e.state.LastSyncCommand = nil
	snapshot := e.state.clone()
	e.mu.Unlock()

	log.Info().Str("media_url", mediaURL).Msg("playback ended")
	e.notify(ChangeEnded, snapshot, now)
}
