package domain

import (
	"fmt"
	"strings"
	"time"
)

type SessionID string
type UserID string

type SessionState string

const (
	SessionStarting SessionState = "starting"
	SessionLive     SessionState = "live"
	SessionStopping SessionState = "stopping"
	SessionStopped  SessionState = "stopped"
	SessionFailed   SessionState = "failed"
)

// StreamKeyPrefix is the leading token of every stream key handed to encoders.
const StreamKeyPrefix = "live"

// ProcessHandle is the supervising handle of a transcoder process as seen by the registry.
type ProcessHandle interface {
	Pid() int
	Done() <-chan struct{}
}

// StreamingSession is owned by the live service. The proxy and the gateway only
// see it through the session registry.
type StreamingSession struct {
	ID            SessionID     `json:"session_id"`
	UserID        UserID        `json:"user_id"`
	State         SessionState  `json:"state"`
	TransportPort int           `json:"transport_port"`
	StreamKey     string        `json:"stream_key"`
	RTMPURL       string        `json:"rtmp_url"`
	Process       ProcessHandle `json:"-"`
	Renditions    []Rendition   `json:"renditions"`
	Accel         HWAccel       `json:"accel"`
	OutputDir     string        `json:"output_dir"`
	PreviewDir    string        `json:"preview_dir,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
}

// NewSessionID builds "<userId>_<token>".
func NewSessionID(userID UserID, token string) SessionID {
	return SessionID(fmt.Sprintf("%s_%s", userID, token))
}

// StreamKey is the key an encoder publishes with: "live_<sessionId>".
func (s SessionID) StreamKey() string {
	return StreamKeyPrefix + "_" + string(s)
}

// Owner returns the user id encoded in the session id. Tokens never hold
// '_', so everything before the last one is the user.
func (s SessionID) Owner() UserID {
	i := strings.LastIndexByte(string(s), '_')
	if i < 0 {
		return UserID(s)
	}
	return UserID(s[:i])
}

// SessionFromStreamKey returns everything after the first '_' of key.
func SessionFromStreamKey(key string) (SessionID, error) {
	_, rest, ok := strings.Cut(key, "_")
	if !ok || rest == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidStreamKey, key)
	}
	return SessionID(rest), nil
}

// TranscoderURL is where the live transcoder for s listens on port.
func (s SessionID) TranscoderURL(port int) string {
	return fmt.Sprintf("rtmp://127.0.0.1:%d/live/%s", port, s)
}

// RegistryEntry is the shareable part of a registry mapping.
type RegistryEntry struct {
	SessionID    SessionID `json:"session_id"`
	UserID       UserID    `json:"user_id"`
	Port         int       `json:"port"`
	RegisteredAt time.Time `json:"registered_at"`
}
