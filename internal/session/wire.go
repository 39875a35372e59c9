package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/luciancaetano/tether"
	"github.com/luciancaetano/tether/internal/protocol"
	"github.com/luciancaetano/tether/internal/transport"
)

// Encode builds a frame for eventType.
func Encode(eventType string, payload any) ([]byte, error) {
	frame, err := protocol.Encode(eventType, payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", tether.ErrFailedToEncode, err)
	}
	return frame, nil
}

// sendEvent encodes and queues one protocol event on t.
func sendEvent(t transport.Transport, eventType string, payload any) error {
	frame, err := Encode(eventType, payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return t.Send(ctx, frame)
}

func decodePayload(payload []byte, v any) error {
	if len(payload) == 0 {
		return fmt.Errorf("%s: missing payload", tether.ErrInvalidMessageFormat)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%s: %w", tether.ErrInvalidMessageFormat, err)
	}
	return nil
}
