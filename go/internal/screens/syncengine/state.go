package syncengine

import (
	"errors"
	"time"

	"github.com/mcdev12/screensync/go/internal/screens/protocol"
)

var (
	ErrNotRegistered   = errors.New("client not registered")
	ErrInvalidState    = errors.New("invalid playback state")
	ErrCooldownActive  = errors.New("realign cooldown active")
	ErrAnchorProtected = errors.New("anchor client cannot be realigned")
	ErrNoClients       = errors.New("no clients registered")
	ErrInvalidMedia    = errors.New("invalid media reference")
	ErrInvalidClient   = errors.New("client id and connection are required")
)

// Role is how a participant takes part in playback
type Role string

const (
	RoleScreen Role = "screen"
	// RoleAnchor claims the anchor slot on registration when no anchor is set
	RoleAnchor Role = "anchor"
)

// PlaybackStatus is derived from SyncState
type PlaybackStatus string

const (
	StatusIdle    PlaybackStatus = "idle"
	StatusPlaying PlaybackStatus = "playing"
	StatusPaused  PlaybackStatus = "paused"
)

// CurrentVideo is the shared timeline. StartTime is the wall-clock instant of video position zero.
type CurrentVideo struct {
	MediaURL         string     `json:"mediaUrl"`
	StartTime        time.Time  `json:"startTime"`
	PausedAt         *time.Time `json:"pausedAt,omitempty"`
	PausedAtVideoSec *float64   `json:"pausedAtVideoSec,omitempty"`
}

// SyncCommand records the last broadcast command
type SyncCommand struct {
	Type      protocol.MessageType `json:"type"`
	VideoTime float64              `json:"videoTime"`
	IssuedAt  time.Time            `json:"issuedAt"`
}

// SyncState is the single shared "what is playing" record
type SyncState struct {
	CurrentVideo    *CurrentVideo `json:"currentVideo,omitempty"`
	IsPlaying       bool          `json:"isPlaying"`
	LastSyncCommand *SyncCommand  `json:"lastSyncCommand,omitempty"`
	AnchorClientID  string        `json:"anchorClientId,omitempty"`
	BaselineBiasSec float64       `json:"baselineBiasSec"`
}

// Status reports the playback state machine position
func (s SyncState) Status() PlaybackStatus {
	switch {
	case s.CurrentVideo == nil:
		return StatusIdle
	case s.IsPlaying:
		return StatusPlaying
	default:
		return StatusPaused
	}
}

func (s SyncState) clone() SyncState {
	c := s
	if s.CurrentVideo != nil {
		v := *s.CurrentVideo
		if v.PausedAt != nil {
			t := *v.PausedAt
			v.PausedAt = &t
		}
		if v.PausedAtVideoSec != nil {
			sec := *v.PausedAtVideoSec
			v.PausedAtVideoSec = &sec
		}
		c.CurrentVideo = &v
	}
	if s.LastSyncCommand != nil {
		cmd := *s.LastSyncCommand
		c.LastSyncCommand = &cmd
	}
	return c
}

// ClientBaseline is what one participant was last told
type ClientBaseline struct {
	VideoStartSec    float64   `json:"videoStartSec"`
	LastCorrectionAt time.Time `json:"lastCorrectionAt,omitempty"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// ChangeKind names a state transition reported to observers
type ChangeKind string

const (
	ChangePlaying       ChangeKind = "playing"
	ChangePaused        ChangeKind = "paused"
	ChangeResumed       ChangeKind = "resumed"
	ChangeEnded         ChangeKind = "ended"
	ChangeAnchorChanged ChangeKind = "anchor_changed"
	ChangeBiasAdjusted  ChangeKind = "bias_adjusted"
)

// StateChange is delivered to observers after the state is committed
type StateChange struct {
	Kind  ChangeKind `json:"kind"`
	State SyncState  `json:"state"`
	At    time.Time  `json:"at"`
}

func secondsBetween(from, to time.Time) float64 {
	return to.Sub(from).Seconds()
}

func durationFromSeconds(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}
