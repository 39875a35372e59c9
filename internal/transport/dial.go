package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const handshakeTimeout = 5 * time.Second

// DialConfig configures outbound connections.
type DialConfig struct {
	// Header is sent with the WebSocket upgrade request.
	Header http.Header
	// RateLimitConfig limits inbound frames. Nil disables rate limiting.
	RateLimitConfig *RateLimitConfig
	Logger          *zerolog.Logger
}

// Dial opens a WebSocket connection to url. The returned transport is not
// started; call Start to receive frames.
func Dial(ctx context.Context, url string, cfg DialConfig) (*Conn, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}

	ws, resp, err := dialer.DialContext(ctx, url, cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	return newConn(ws, ws.RemoteAddr().String(), cfg.RateLimitConfig, nopLogger(cfg.Logger)), nil
}
