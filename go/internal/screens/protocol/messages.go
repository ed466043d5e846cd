package protocol

import (
	"errors"
	"time"

	"github.com/goccy/go-json"
)

// MessageType identifies a message exchanged with a screen client
type MessageType string

const (
	// Outbound, sync engine
	TypeSyncPreload MessageType = "sync_preload"
	TypeSyncPlay    MessageType = "sync_play"
	TypeSyncPause   MessageType = "sync_pause"

	// Outbound, device registry
	TypeDeviceRegistered  MessageType = "device_registered"
	TypeDeviceReconnected MessageType = "device_reconnected"
	TypeHeartbeat         MessageType = "heartbeat"
	TypeError             MessageType = "error"

	// Inbound
	TypeRegister          MessageType = "register"
	TypeHeartbeatResponse MessageType = "heartbeat_response"
	TypeReady             MessageType = "ready"
	TypePositionReport    MessageType = "position_report"
)

// TimeDomain tells a client how to interpret the videoTime of a play command
type TimeDomain string

const (
	// TimeDomainAbsolute means videoTime applies at the server instant carried in the command.
	TimeDomainAbsolute TimeDomain = "absolute"
	// TimeDomainClient means the client starts counting from its own reception instant.
	TimeDomainClient TimeDomain = "client"
)

var ErrSendFailed = errors.New("send failed")

// Sender is a live transport handle to one client. Implementations must not block.
type Sender interface {
	Send(msg Message) error
}

// Message is the wire envelope for every frame
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// PreloadPayload asks a client to load media ahead of playback
type PreloadPayload struct {
	MediaURL string `json:"mediaUrl"`
}

// PlayPayload starts playback at VideoTime.
// ServerTime and StartTime are unix milliseconds and only set in the absolute domain.
type PlayPayload struct {
	VideoTime  float64    `json:"videoTime"`
	TimeDomain TimeDomain `json:"timeDomain"`
	ServerTime int64      `json:"serverTime,omitempty"`
	StartTime  int64      `json:"startTime,omitempty"`
}

// PausePayload is empty on the wire
type PausePayload struct{}

// DeviceRegisteredPayload confirms a (re)registration to the client
type DeviceRegisteredPayload struct {
	StableID   string `json:"stableId"`
	Reconnect  bool   `json:"reconnect"`
	ServerTime int64  `json:"serverTime"`
}

// HeartbeatPayload is the liveness check; clients echo ServerTime back
type HeartbeatPayload struct {
	ServerTime int64 `json:"serverTime"`
}

// HeartbeatResponsePayload carries the echoed heartbeat and the client's own clock reading
type HeartbeatResponsePayload struct {
	ServerTime int64 `json:"serverTime"`
	ClientTime int64 `json:"clientTime"`
}

// ErrorPayload reports a rejected inbound message
type ErrorPayload struct {
	Message string `json:"message"`
}

// Metadata describes a device as reported at registration
type Metadata struct {
	Address      string   `json:"address,omitempty"`
	UserAgent    string   `json:"userAgent,omitempty"`
	Viewport     Viewport `json:"viewport"`
	OS           string   `json:"os,omitempty"`
	Browser      string   `json:"browser,omitempty"`
	IsNativeApp  bool     `json:"isNativeApp"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// RegisterPayload is the first message a screen sends after connecting
type RegisterPayload struct {
	StableID    string   `json:"stableId"`
	DisplayName string   `json:"displayName,omitempty"`
	Role        string   `json:"role,omitempty"`
	Metadata    Metadata `json:"metadata"`
}

// ReadyPayload acknowledges that media is loaded
type ReadyPayload struct {
	MediaURL string `json:"mediaUrl"`
}

// PositionReportPayload is a client's current playback position
type PositionReportPayload struct {
	MediaURL  string  `json:"mediaUrl"`
	VideoTime float64 `json:"videoTime"`
	Paused    bool    `json:"paused"`
	// ClientTime is the client clock (unix ms) when VideoTime was read. Optional.
	ClientTime int64 `json:"clientTime,omitempty"`
}

// UnixMillis converts t for the wire
func UnixMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromUnixMillis converts a wire timestamp back to time
func FromUnixMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
