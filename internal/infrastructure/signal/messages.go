package signal

import (
	"errors"

	apperrors "classcast/pkg/errors"
)

// OBS channel commands. The Spanish names are sent by the platform's OBS
// plugin and map onto start and stop.
const (
	TypeStart          = "start"
	TypeStop           = "stop"
	TypeStatus         = "status"
	TypeRequestRTMPURL = "request_rtmp_url"
	TypeEmitirOBS      = "emitirOBS"
	TypeDetenerOBS     = "detenerStreamOBS"
)

// Server to client replies.
const (
	TypeAuth    = "auth"
	TypeError   = "error"
	TypeRTMPURL = "rtmp_url"
	TypeStopped = "stopped"
)

// WebRTC channel messages.
const (
	TypeOffer      = "offer"
	TypeAnswer     = "answer"
	TypeCandidate  = "candidate"
	TypeLeave      = "leave"
	TypeJoined     = "joined"
	TypePeerJoined = "peer_joined"
)

type Command struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	// StreamID is the field name used by the OBS plugin.
	StreamID string `json:"streamId,omitempty"`
}

func (c Command) targetSession() string {
	if c.SessionID != "" {
		return c.SessionID
	}
	return c.StreamID
}

type Reply struct {
	Type      string `json:"type"`
	Message   string `json:"message,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	RTMPURL   string `json:"rtmp_url,omitempty"`
	StreamKey string `json:"stream_key,omitempty"`
	State     string `json:"state,omitempty"`
}

// humanMessage returns the part of err that is safe to show to a client.
func humanMessage(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
