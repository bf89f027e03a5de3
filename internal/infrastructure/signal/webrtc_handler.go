package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"classcast/internal/core/domain"
	"classcast/pkg/tracing"
	"classcast/pkg/validation"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const maxPeersPerSession = 2

var (
	errSessionFull    = errors.New("session already has two peers")
	errSessionUnknown = errors.New("no live session with this id")
	errSlotTaken      = errors.New("session already has a peer in this role")
	errNoRemotePeer  = errors.New("the other peer is not connected")
	errMissingSDP    = errors.New("missing sdp")
	errMissingTarget = errors.New("session query parameter is required")
)

// PeerMessage is the envelope exchanged on the WebRTC channel. Payload is
// relayed as is apart from light normalisation of descriptions and candidates.
type PeerMessage struct {
	Type    string          `json:"type"`
	From    domain.UserID   `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type peer struct {
	*Conn
	session domain.SessionID
	owner   bool
}

// SessionLookup reports whether a live session is registered on any instance.
type SessionLookup interface {
	Lookup(ctx context.Context, id domain.SessionID) (port int, ok bool, err error)
}

// WebRTCHandler pairs the owner of a registered live session with one viewer
// and relays their signaling messages.
type WebRTCHandler struct {
	gw       *Gateway
	sessions SessionLookup
	logger   *zap.SugaredLogger

	mu    sync.Mutex
	rooms map[domain.SessionID][]*peer
}

func NewWebRTCHandler(gw *Gateway, sessions SessionLookup, logger *zap.SugaredLogger) *WebRTCHandler {
	return &WebRTCHandler{
		gw:       gw,
		sessions: sessions,
		logger:   logger.With("channel", domain.ConnectionWebRTCPeer),
		rooms:    make(map[domain.SessionID][]*peer),
	}
}

func (h *WebRTCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.gw.Accept(w, r, domain.ConnectionWebRTCPeer)
	if err != nil {
		return
	}
	defer h.gw.closed(conn)

	if !conn.info.Authenticated {
		reason := conn.info.AuthError
		if reason == "" {
			reason = domain.ErrUnauthenticated.Error()
		}
		conn.Send(Reply{Type: TypeAuth, Message: reason})
		conn.CloseWith(websocket.ClosePolicyViolation, "unauthorized")
		return
	}

	sessionID := domain.SessionID(r.URL.Query().Get("session"))
	if sessionID == "" {
		conn.SendError(errMissingTarget.Error())
		conn.CloseWith(websocket.ClosePolicyViolation, errMissingTarget.Error())
		return
	}

	if err := validation.SessionID(string(sessionID)); err != nil {
		conn.SendError(err.Error())
		conn.CloseWith(websocket.ClosePolicyViolation, err.Error())
		return
	}

	_, ok, err := h.sessions.Lookup(r.Context(), sessionID)
	if err != nil {
		h.logger.Warnw("session lookup failed", "session_id", sessionID, "error", err)
		conn.SendError("session registry unavailable")
		conn.CloseWith(websocket.CloseTryAgainLater, "session registry unavailable")
		return
	}
	if !ok {
		conn.SendError(errSessionUnknown.Error())
		conn.CloseWith(websocket.ClosePolicyViolation, errSessionUnknown.Error())
		return
	}

	p := &peer{Conn: conn, session: sessionID, owner: sessionID.Owner() == conn.info.UserID()}
	others, err := h.join(p)
	if err != nil {
		h.logger.Infow("rejecting webrtc peer", "session_id", sessionID, "user_id", conn.info.UserID(), "error", err)
		conn.SendError(err.Error())
		conn.CloseWith(websocket.CloseTryAgainLater, err.Error())
		return
	}
	defer h.leave(p)

	conn.Send(Reply{Type: TypeJoined, SessionID: string(sessionID), Message: fmt.Sprintf("%d", len(others)+1)})
	for _, o := range others {
		o.Send(PeerMessage{Type: TypePeerJoined, From: conn.info.UserID()})
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.gw.keepalive(ctx, conn, nil)
	}()

	err = conn.readLoop(h.gw.cfg.PongTimeout, func(data []byte) {
		h.handleMessage(ctx, p, data)
	})
	if err != nil && !isExpectedClose(err) {
		h.logger.Debugw("webrtc connection read failed", "session_id", sessionID, "error", err)
	}
	cancel()
	conn.Close()
	wg.Wait()
}

func (h *WebRTCHandler) join(p *peer) ([]*peer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := h.rooms[p.session]
	if len(room) >= maxPeersPerSession {
		return nil, errSessionFull
	}
	// one slot for the broadcasting owner, one for a viewer
	for _, q := range room {
		if q.owner == p.owner {
			return nil, errSlotTaken
		}
	}
	others := append([]*peer(nil), room...)
	h.rooms[p.session] = append(room, p)
	return others, nil
}

// leave removes p and tells the remaining peer. Safe to call twice.
func (h *WebRTCHandler) leave(p *peer) {
	h.mu.Lock()
	room := h.rooms[p.session]
	kept := make([]*peer, 0, len(room))
	found := false
	for _, q := range room {
		if q == p {
			found = true
			continue
		}
		kept = append(kept, q)
	}
	if len(kept) == 0 {
		delete(h.rooms, p.session)
	} else {
		h.rooms[p.session] = kept
	}
	h.mu.Unlock()

	if !found {
		return
	}
	for _, q := range kept {
		q.Send(PeerMessage{Type: TypeLeave, From: p.info.UserID()})
	}
}

func (h *WebRTCHandler) other(p *peer) *peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, q := range h.rooms[p.session] {
		if q != p {
			return q
		}
	}
	return nil
}

// Peers reports how many peers are joined to id.
func (h *WebRTCHandler) Peers(id domain.SessionID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[id])
}

func (h *WebRTCHandler) handleMessage(ctx context.Context, p *peer, data []byte) {
	if err := p.allowMessage(); err != nil {
		p.SendError(err.Error())
		return
	}

	var msg PeerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		p.SendError("invalid message: " + err.Error())
		return
	}
	h.gw.observe(p.Conn, msg.Type)

	_, span := tracing.TraceWebSocketMessage(ctx, msg.Type, string(p.info.UserID()))
	defer span.End()

	var err error
	switch msg.Type {
	case TypeOffer, TypeAnswer:
		msg.Payload, err = normaliseDescription(msg.Type, msg.Payload)
	case TypeCandidate:
		msg.Payload, err = normaliseCandidate(msg.Payload)
	case TypeLeave:
	default:
		err = fmt.Errorf("unknown message type: %s", msg.Type)
	}
	if err != nil {
		p.SendError(err.Error())
		return
	}

	msg.From = p.info.UserID()
	target := h.other(p)
	if target == nil {
		if msg.Type != TypeLeave {
			p.SendError(errNoRemotePeer.Error())
		}
		return
	}
	if err := target.Send(msg); err != nil {
		h.logger.Infow("failed to relay webrtc message", "session_id", p.session, "type", msg.Type, "error", err)
		p.SendError(errNoRemotePeer.Error())
	}
}

type description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// normaliseDescription checks the SDP type matches the message and fills it
// in when the client sent a bare sdp.
func normaliseDescription(msgType string, raw json.RawMessage) (json.RawMessage, error) {
	var d description
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", msgType, err)
		}
	}
	if d.SDP == "" {
		return nil, errMissingSDP
	}
	if d.Type == "" {
		d.Type = msgType
	}

	sdpType := webrtc.NewSDPType(d.Type)
	switch {
	case msgType == TypeOffer && sdpType == webrtc.SDPTypeOffer:
	case msgType == TypeAnswer && (sdpType == webrtc.SDPTypeAnswer || sdpType == webrtc.SDPTypePranswer):
	default:
		return nil, fmt.Errorf("sdp type %q does not match %s", d.Type, msgType)
	}
	return json.Marshal(description{Type: sdpType.String(), SDP: d.SDP})
}

// normaliseCandidate applies the browser defaults for sdpMid and
// sdpMLineIndex. An empty candidate marks the end of gathering.
func normaliseCandidate(raw json.RawMessage) (json.RawMessage, error) {
	var c webrtc.ICECandidateInit
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("invalid candidate payload: %w", err)
		}
	}
	if c.SDPMid == nil {
		mid := "0"
		c.SDPMid = &mid
	}
	if c.SDPMLineIndex == nil {
		var idx uint16
		c.SDPMLineIndex = &idx
	}
	return json.Marshal(c)
}
