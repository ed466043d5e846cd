package syncengine

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/screensync/go/internal/screens/metrics"
	"github.com/mcdev12/screensync/go/internal/screens/protocol"
)

// playCommand builds a sync_play. Absolute commands carry the server instant at which
// videoTime applies and the implied wall-clock start of the timeline.
func playCommand(videoTime float64, domain protocol.TimeDomain, now time.Time) protocol.Message {
	payload := protocol.PlayPayload{VideoTime: videoTime, TimeDomain: domain}
	if domain == protocol.TimeDomainAbsolute {
		payload.ServerTime = protocol.UnixMillis(now)
		payload.StartTime = protocol.UnixMillis(now.Add(-durationFromSeconds(videoTime)))
	}
	return protocol.MustMessage(protocol.TypeSyncPlay, payload)
}

func preloadCommand(mediaURL string) protocol.Message {
	return protocol.MustMessage(protocol.TypeSyncPreload, protocol.PreloadPayload{MediaURL: mediaURL})
}

func pauseCommand() protocol.Message {
	return protocol.MustMessage(protocol.TypeSyncPause, protocol.PausePayload{})
}

// sendLocked delivers msgs in order to one participant, stopping at the first failure.
// The caller holds p.mu.
func (p *participant) sendLocked(msgs ...protocol.Message) error {
	for _, msg := range msgs {
		if err := p.conn.Send(msg); err != nil {
			metrics.SendFailures.WithLabelValues(string(msg.Type)).Inc()
			return fmt.Errorf("%w: %s to %s: %v", protocol.ErrSendFailed, msg.Type, p.id, err)
		}
		metrics.CommandsSent.WithLabelValues(string(msg.Type)).Inc()
	}
	return nil
}

// broadcast sends msgs to every reachable participant. A failing participant is logged and
// skipped; it never stops delivery to the others. When playVideoSec is set, the baseline of
// every participant that received the whole sequence is moved to it. The caller holds e.mu.
func (e *Engine) broadcast(now time.Time, playVideoSec *float64, msgs ...protocol.Message) (delivered, failed int) {
	for _, p := range e.participantList() {
		if e.liveness != nil && !e.liveness.IsOnline(p.id) {
			log.Debug().Str("client_id", p.id).Msg("skipping offline client in broadcast")
			continue
		}

		p.mu.Lock()
		err := p.sendLocked(msgs...)
		if err == nil && playVideoSec != nil {
			p.baseline.VideoStartSec = *playVideoSec
			p.baseline.UpdatedAt = now
		}
		p.mu.Unlock()

		if err != nil {
			failed++
			log.Warn().Err(err).Str("client_id", p.id).Msg("broadcast send failed")
			continue
		}
		delivered++
	}
	return delivered, failed
}
