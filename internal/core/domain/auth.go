package domain

import "strings"

type Role string

const (
	RoleTeacher Role = "ROLE_PROF"
	RoleAdmin   Role = "ROLE_ADMIN"
	RoleStudent Role = "ROLE_ESTUDIANTE"
)

// Authentication is attached to a connection once its token has been checked.
type Authentication struct {
	Principal   string   `json:"principal"`
	Authorities []string `json:"authorities"`
	UserID      UserID   `json:"user_id"`
}

func (a Authentication) HasAuthority(role Role) bool {
	for _, r := range a.Authorities {
		if strings.EqualFold(strings.TrimSpace(r), string(role)) {
			return true
		}
	}
	return false
}

// CanBroadcast is true for teachers and admins.
func (a Authentication) CanBroadcast() bool {
	return a.HasAuthority(RoleTeacher) || a.HasAuthority(RoleAdmin)
}

type ConnectionRole string

const (
	ConnectionOBS        ConnectionRole = "OBS"
	ConnectionWebRTCPeer ConnectionRole = "WEBRTC_PEER"
)

// SignalingConnection holds the attributes fixed at websocket handshake time.
type SignalingConnection struct {
	Auth          Authentication
	Authenticated bool
	Role          ConnectionRole
	AuthError     string
}

func (c SignalingConnection) UserID() UserID {
	return c.Auth.UserID
}
