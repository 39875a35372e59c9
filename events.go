package tether

// Event types reserved by the session protocol. Sessions handle these
// internally; handlers registered for them are never called.
const (
	EventConnectRequest    = "connect-request"
	EventConnectResponse   = "connect-response"
	EventReconnectResponse = "reconnect-response"
	EventReconnectRejected = "reconnect-rejected"
	EventPing              = "ping"
	EventDisconnect        = "disconnect"
)

// LatencyUnset is reported as latency before the first heartbeat echo.
const LatencyUnset int64 = -1

// ConnectRequest is sent by the server whenever a session attaches a
// transport. Identity is the identity the server holds for the session.
type ConnectRequest struct {
	Identity string `json:"identity"`
}

// ReconnectResponse proves a prior identity to resume a session.
type ReconnectResponse struct {
	Identity string `json:"identity"`
}

// ReconnectRejected tells a reconnecting client that its identity is not
// known anymore. The client continues as a fresh session.
type ReconnectRejected struct {
	Reason string `json:"reason"`
}

// Ping is a heartbeat probe. The receiver echoes it with Reply set and the
// same Timestamp (Unix milliseconds of the sender's clock).
type Ping struct {
	Timestamp int64 `json:"timestamp"`
	Reply     bool  `json:"reply,omitempty"`
}

// IsReserved reports whether eventType belongs to the session protocol.
func IsReserved(eventType string) bool {
	switch eventType {
	case EventConnectRequest, EventConnectResponse, EventReconnectResponse,
		EventReconnectRejected, EventPing, EventDisconnect:
		return true
	}
	return false
}
