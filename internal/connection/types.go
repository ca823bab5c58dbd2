package connection

import (
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrNotConnected     = errors.New("not connected")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrStaleConnection  = errors.New("connection stale (no pong)")
	ErrTimeout          = errors.New("operation timeout")
	ErrAlreadyClosed    = errors.New("already closed")
	ErrOffline          = errors.New("offline: reconnect attempts exhausted")
)

// AuthError is a rejected handshake. Fatal: never retried transparently, the
// caller must obtain a fresh token.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Message)
}

// SessionState is the transport session lifecycle state.
type SessionState string

const (
	StateDisconnected  SessionState = "disconnected"
	StateConnecting    SessionState = "connecting"
	StateConnected     SessionState = "connected"
	StateAuthenticated SessionState = "authenticated"
	StateReconnecting  SessionState = "reconnecting"

	// StateOffline is reached when the reconnect attempt cap is exhausted.
	// Only an explicit Connect leaves it.
	StateOffline SessionState = "offline"
)

// Quality is the heuristic connection-health classification derived from
// heartbeat latency.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityPoor      Quality = "poor"
	QualityOffline   Quality = "offline"
)

// Latency thresholds for quality classification.
const (
	excellentBelow = 100 * time.Millisecond
	goodBelow      = 300 * time.Millisecond
)

// ClassifyLatency maps a heartbeat round-trip time to a quality bucket.
func ClassifyLatency(latency time.Duration) Quality {
	switch {
	case latency < excellentBelow:
		return QualityExcellent
	case latency < goodBelow:
		return QualityGood
	default:
		return QualityPoor
	}
}

// StateChange is published whenever the session state moves.
type StateChange struct {
	From SessionState
	To   SessionState

	// Reestablished is true when To is Authenticated and the session got
	// there through a reconnect rather than an explicit Connect.
	Reestablished bool
}

// TimestampedMessage wraps raw frame data with its receive timestamp.
type TimestampedMessage struct {
	Data       []byte
	ReceivedAt time.Time
}

// ClientConfig configures a websocket transport client.
type ClientConfig struct {
	URL          string        // websocket URL (e.g. wss://ws.barterline.io/v1)
	WriteTimeout time.Duration // write deadline for sends
	BufferSize   int           // message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		WriteTimeout: 5 * time.Second,
		BufferSize:   1000,
	}
}

// ManagerConfig configures the connection manager.
type ManagerConfig struct {
	WSURL                string        // websocket URL
	HeartbeatInterval    time.Duration // wire-level ping cadence
	HeartbeatTimeout     time.Duration // max silence before the session is stale
	WriteTimeout         time.Duration // write deadline for sends
	AuthTimeout          time.Duration // wait for the authenticated reply
	ReconnectBaseDelay   time.Duration // delay unit; attempt n waits n × base
	MaxReconnectAttempts int           // cap before the session goes Offline
	RejoinSettleDelay    time.Duration // pause between re-auth and rejoin
	BufferSize           int           // frame channel buffer size
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		HeartbeatInterval:    30 * time.Second,
		HeartbeatTimeout:     60 * time.Second,
		WriteTimeout:         5 * time.Second,
		AuthTimeout:          10 * time.Second,
		ReconnectBaseDelay:   1 * time.Second,
		MaxReconnectAttempts: 5,
		RejoinSettleDelay:    250 * time.Millisecond,
		BufferSize:           1000,
	}
}
