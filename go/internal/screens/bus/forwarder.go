package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/screensync/go/internal/screens/registry"
	"github.com/mcdev12/screensync/go/internal/screens/syncengine"
)

const forwardQueueSize = 256

// NowPlaying is the payload of playback events
type NowPlaying struct {
	Status           syncengine.PlaybackStatus `json:"status"`
	MediaURL         string                    `json:"mediaUrl,omitempty"`
	StartTime        *time.Time                `json:"startTime,omitempty"`
	PausedAtVideoSec *float64                  `json:"pausedAtVideoSec,omitempty"`
	AnchorClientID   string                    `json:"anchorClientId,omitempty"`
	BaselineBiasSec  float64                   `json:"baselineBiasSec"`
}

// NowPlayingFrom flattens a sync state for the bus
func NowPlayingFrom(s syncengine.SyncState) NowPlaying {
	np := NowPlaying{
		Status:          s.Status(),
		AnchorClientID:  s.AnchorClientID,
		BaselineBiasSec: s.BaselineBiasSec,
	}
	if v := s.CurrentVideo; v != nil {
		start := v.StartTime
		np.MediaURL = v.MediaURL
		np.StartTime = &start
		np.PausedAtVideoSec = v.PausedAtVideoSec
	}
	return np
}

// Forwarder queues engine and registry notifications and publishes them off the caller's goroutine.
// When the queue is full events are dropped rather than stalling playback commands.
type Forwarder struct {
	publisher Publisher
	queue     chan Event
	timeout   time.Duration
}

func NewForwarder(publisher Publisher, timeout time.Duration) *Forwarder {
	return &Forwarder{
		publisher: publisher,
		queue:     make(chan Event, forwardQueueSize),
		timeout:   timeout,
	}
}

// Run publishes queued events until ctx is cancelled
func (f *Forwarder) Run(ctx context.Context) {
	log.Info().Msg("event forwarder started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("event forwarder shutting down")
			return
		case ev := <-f.queue:
			f.publish(ctx, ev)
		}
	}
}

func (f *Forwarder) publish(ctx context.Context, ev Event) {
	pubCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	if err := f.publisher.Publish(pubCtx, ev); err != nil {
		log.Error().Err(err).Str("event_type", ev.Type).Msg("failed to publish event")
	}
}

// Enqueue adds an event without blocking. It reports false when the event was dropped.
func (f *Forwarder) Enqueue(ev Event) bool {
	select {
	case f.queue <- ev:
		return true
	default:
		log.Warn().Str("event_type", ev.Type).Msg("event queue full, dropping event")
		return false
	}
}

// EngineChange is a syncengine observer
func (f *Forwarder) EngineChange(c syncengine.StateChange) {
	f.Enqueue(Event{
		ID:      uuid.New(),
		Type:    "playback." + string(c.Kind),
		At:      c.At,
		Payload: NowPlayingFrom(c.State),
	})
}

// DeviceEvent is a registry listener
func (f *Forwarder) DeviceEvent(ev registry.Event) {
	f.Enqueue(Event{
		ID:      uuid.New(),
		Type:    "device." + string(ev.Kind),
		At:      ev.At,
		Payload: ev,
	})
}
