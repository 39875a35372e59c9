package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const maxFrameSize = 10 * 1024 * 1024 // 10MB max frame size

var (
	errEmptyType  = errors.New("event type is empty")
	errEmptyFrame = errors.New("frame is empty")
)

// envelope is the text frame exchanged on the wire:
//
//	{"type":"<discriminator>","data":<payload>}
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode wraps payload in an envelope tagged with eventType.
// A nil payload produces a frame without a data field. A json.RawMessage
// payload is embedded as-is; anything else is marshaled with encoding/json.
func Encode(eventType string, payload any) ([]byte, error) {
	if eventType == "" {
		return nil, errEmptyType
	}

	var data json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		data = p
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		data = raw
	}

	out, err := json.Marshal(envelope{Type: eventType, Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", eventType, err)
	}
	if len(out) > maxFrameSize {
		return nil, fmt.Errorf("frame size %d exceeds maximum %d bytes", len(out), maxFrameSize)
	}
	return out, nil
}

// Decode returns the event type and the raw JSON payload of a frame.
// The payload is nil when the frame carries no data.
func Decode(frame []byte) (string, []byte, error) {
	if len(bytes.TrimSpace(frame)) == 0 {
		return "", nil, errEmptyFrame
	}
	if len(frame) > maxFrameSize {
		return "", nil, fmt.Errorf("frame size %d exceeds maximum %d bytes", len(frame), maxFrameSize)
	}

	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return "", nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return "", nil, errEmptyType
	}
	if bytes.Equal(env.Data, []byte("null")) {
		env.Data = nil
	}
	return env.Type, env.Data, nil
}
