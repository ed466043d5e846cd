package protocol

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

var ErrUnknownType = errors.New("unknown message type")

// NewMessage wraps payload in an envelope of the given type
func NewMessage(t MessageType, payload interface{}) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Message{Type: t, Data: data}, nil
}

// MustMessage is NewMessage for payload types that cannot fail to marshal
func MustMessage(t MessageType, payload interface{}) Message {
	msg, err := NewMessage(t, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

// Encode serializes an envelope for a text frame
func Encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Decode parses a frame into its envelope. The payload is left raw.
func Decode(frame []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return Message{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("envelope without type: %w", ErrUnknownType)
	}
	return msg, nil
}

// ParseInbound decodes the payload of a client message into its typed struct
func ParseInbound(msg Message) (interface{}, error) {
	switch msg.Type {
	case TypeRegister:
		var p RegisterPayload
		if err := unmarshalData(msg, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TypeHeartbeatResponse:
		var p HeartbeatResponsePayload
		if err := unmarshalData(msg, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TypeReady:
		var p ReadyPayload
		if err := unmarshalData(msg, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TypePositionReport:
		var p PositionReportPayload
		if err := unmarshalData(msg, &p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, msg.Type)
	}
}

// ParsePlay decodes a sync_play payload
func ParsePlay(msg Message) (PlayPayload, error) {
	var p PlayPayload
	err := unmarshalData(msg, &p)
	return p, err
}

// ParsePreload decodes a sync_preload payload
func ParsePreload(msg Message) (PreloadPayload, error) {
	var p PreloadPayload
	err := unmarshalData(msg, &p)
	return p, err
}

func unmarshalData(msg Message, v interface{}) error {
	if len(msg.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(msg.Data, v); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", msg.Type, err)
	}
	return nil
}
