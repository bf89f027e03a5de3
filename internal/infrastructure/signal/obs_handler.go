package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"classcast/internal/core/domain"
	"classcast/internal/core/ports"
	apperrors "classcast/pkg/errors"
	"classcast/pkg/tracing"
	"classcast/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const stopTimeout = 30 * time.Second

// OBSHandler serves the OBS control channel.
type OBSHandler struct {
	gw     *Gateway
	live   ports.LiveService
	logger *zap.SugaredLogger
}

func NewOBSHandler(gw *Gateway, live ports.LiveService, logger *zap.SugaredLogger) *OBSHandler {
	return &OBSHandler{gw: gw, live: live, logger: logger.With("channel", domain.ConnectionOBS)}
}

type obsConn struct {
	*Conn
	mu      sync.Mutex
	started domain.SessionID
}

func (c *obsConn) session() domain.SessionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// takeSession clears and returns the started session.
func (c *obsConn) takeSession() domain.SessionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.started
	c.started = ""
	return id
}

func (c *obsConn) setSession(id domain.SessionID) {
	c.mu.Lock()
	c.started = id
	c.mu.Unlock()
}

func (h *OBSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.gw.Accept(w, r, domain.ConnectionOBS)
	if err != nil {
		return
	}
	c := &obsConn{Conn: conn}
	defer h.gw.closed(conn)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// a dead socket also ends the session it started
		h.gw.keepalive(ctx, c.Conn, func(err error) {
			h.logger.Infow("obs ping failed", "user_id", c.info.UserID(), "error", err)
			h.stopOwned(c, "ping_failed")
		})
	}()

	err = c.readLoop(h.gw.cfg.PongTimeout, func(data []byte) {
		h.handleMessage(ctx, c, data)
	})
	if err != nil && !isExpectedClose(err) {
		h.logger.Debugw("obs connection read failed", "user_id", c.info.UserID(), "error", err)
	}

	cancel()
	c.Close()
	wg.Wait()
	h.stopOwned(c, "disconnected")
}

func (h *OBSHandler) stopOwned(c *obsConn, reason string) {
	id := c.takeSession()
	if id == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := h.live.StopLive(ctx, id); err != nil && !apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
		h.logger.Errorw("failed to stop session of closed obs connection", "session_id", id, "reason", reason, "error", err)
		return
	}
	h.logger.Infow("stopped session of closed obs connection", "session_id", id, "reason", reason)
}

func (h *OBSHandler) handleMessage(ctx context.Context, c *obsConn, data []byte) {
	if err := c.allowMessage(); err != nil {
		c.SendError(err.Error())
		return
	}

	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		c.SendError("invalid message: " + err.Error())
		return
	}
	h.gw.observe(c.Conn, cmd.Type)

	ctx, span := tracing.TraceWebSocketMessage(ctx, cmd.Type, string(c.info.UserID()))
	defer span.End()

	switch cmd.Type {
	case TypeStart, TypeRequestRTMPURL, TypeEmitirOBS:
		if h.authorize(c) {
			h.start(ctx, c)
		}
	case TypeStop, TypeDetenerOBS:
		if h.authorize(c) {
			h.stop(ctx, c, cmd)
		}
	case TypeStatus:
		if h.authorize(c) {
			h.status(ctx, c)
		}
	default:
		c.SendError("unknown message type: " + cmd.Type)
	}
}

// authorize enforces the broadcaster role. Failing it is terminal for the
// connection.
func (h *OBSHandler) authorize(c *obsConn) bool {
	info := c.info
	var reason string
	switch {
	case !info.Authenticated:
		reason = info.AuthError
		if reason == "" {
			reason = domain.ErrUnauthenticated.Error()
		}
	case !info.Auth.CanBroadcast():
		reason = "access denied: " + domain.ErrForbidden.Error()
	default:
		return true
	}

	h.logger.Warnw("rejecting obs command", "user_id", info.UserID(), "reason", reason)
	c.Send(Reply{Type: TypeAuth, Message: reason})
	c.CloseWith(websocket.ClosePolicyViolation, "unauthorized")
	return false
}

func (h *OBSHandler) start(ctx context.Context, c *obsConn) {
	userID := c.info.UserID()
	if existing, ok := h.live.SessionForUser(ctx, userID); ok {
		// the plugin asks again after reconnects; hand back the running session
		c.setSession(existing.ID)
		c.Send(rtmpReply(existing))
		return
	}

	session, err := h.live.StartLive(ctx, userID)
	if err != nil {
		tracing.RecordError(ctx, err)
		h.logger.Errorw("failed to start live session", "user_id", userID, "error", err)
		c.SendError(humanMessage(err))
		return
	}
	c.setSession(session.ID)
	if err := c.Send(rtmpReply(session)); err != nil {
		h.logger.Warnw("failed to send rtmp url", "session_id", session.ID, "error", err)
	}
}

func rtmpReply(s *domain.StreamingSession) Reply {
	return Reply{
		Type:      TypeRTMPURL,
		Message:   s.RTMPURL + s.StreamKey,
		SessionID: string(s.ID),
		RTMPURL:   s.RTMPURL,
		StreamKey: s.StreamKey,
		State:     string(s.State),
	}
}

func (h *OBSHandler) stop(ctx context.Context, c *obsConn, cmd Command) {
	id := domain.SessionID(cmd.targetSession())
	if strings.HasPrefix(string(id), domain.StreamKeyPrefix+"_") {
		// a full stream key was pasted
		if key, err := domain.SessionFromStreamKey(string(id)); err == nil && strings.Contains(string(key), "_") {
			id = key
		}
	}
	if id == "" {
		id = c.session()
	}
	if id == "" {
		if s, ok := h.live.SessionForUser(ctx, c.info.UserID()); ok {
			id = s.ID
		}
	}
	if id == "" {
		c.SendError("no live session to stop")
		return
	}
	if err := validation.SessionID(string(id)); err != nil {
		c.SendError(err.Error())
		return
	}
	if id.Owner() != c.info.UserID() && !c.info.Auth.HasAuthority(domain.RoleAdmin) {
		c.SendError("session belongs to another user")
		return
	}

	if err := h.live.StopLive(ctx, id); err != nil {
		tracing.RecordError(ctx, err)
		c.SendError(humanMessage(err))
		return
	}
	if c.session() == id {
		c.setSession("")
	}
	c.Send(Reply{Type: TypeStopped, Message: "stream stopped", SessionID: string(id)})
}

func (h *OBSHandler) status(ctx context.Context, c *obsConn) {
	s, ok := h.live.SessionForUser(ctx, c.info.UserID())
	if !ok {
		c.Send(Reply{Type: TypeStatus, State: "idle"})
		return
	}
	c.Send(Reply{
		Type:      TypeStatus,
		SessionID: string(s.ID),
		State:     string(s.State),
		RTMPURL:   s.RTMPURL,
		StreamKey: s.StreamKey,
	})
}
