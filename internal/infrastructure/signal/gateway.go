// Package signal hosts the WebSocket endpoints used by OBS and by WebRTC
// peers. Every connection is authenticated once at handshake time.
package signal

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"classcast/internal/core/domain"
	"classcast/internal/core/ports"
	"classcast/internal/infrastructure/middleware"
	"classcast/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var errMessageRate = errors.New("message rate exceeded")

type Config struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration

	MaxMessageSize       int64
	ConnectionsPerMinute int
	MessagesPerSecond    float64
	MessageBurst         int

	// AllowedOrigins of "*" or empty accepts any origin.
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		PingInterval:   10 * time.Second,
		PongTimeout:    30 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 64 * 1024,
	}
}

// Metrics receives gateway events; nil disables them.
type Metrics interface {
	WSConnectionOpened(channel string)
	WSConnectionClosed(channel string)
	WSMessage(channel, messageType string)
}

// Gateway performs the authenticated upgrade shared by both channels.
type Gateway struct {
	cfg      Config
	identity ports.IdentityValidator
	upgrader websocket.Upgrader
	connRate *middleware.KeyedLimiter
	metrics  Metrics
	logger   *zap.SugaredLogger
}

func NewGateway(cfg Config, identity ports.IdentityValidator, metrics Metrics, logger *zap.SugaredLogger) *Gateway {
	g := &Gateway{
		cfg:      cfg,
		identity: identity,
		metrics:  metrics,
		logger:   logger,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	if cfg.ConnectionsPerMinute > 0 {
		perMinute := rate.Every(time.Minute / time.Duration(cfg.ConnectionsPerMinute))
		g.connRate = middleware.NewKeyedLimiter(perMinute, cfg.ConnectionsPerMinute)
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range g.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

// Handshake authenticates the token query parameter. A bad or missing token
// does not fail the handshake; the connection is marked unauthenticated.
func (g *Gateway) Handshake(r *http.Request, role domain.ConnectionRole) domain.SignalingConnection {
	info := domain.SignalingConnection{Role: role}

	token := r.URL.Query().Get("token")
	if token == "" {
		info.AuthError = "missing token"
		return info
	}
	auth, err := g.identity.Authenticate(token)
	if err != nil {
		info.AuthError = "invalid token: " + err.Error()
		g.logger.Debugw("websocket token rejected", "channel", role, "token", utils.MaskSensitive(token, 8), "error", err)
		return info
	}
	info.Auth = auth
	info.Authenticated = true
	return info
}

// Accept rate-limits, authenticates and upgrades r. On failure a response
// has already been written.
func (g *Gateway) Accept(w http.ResponseWriter, r *http.Request, role domain.ConnectionRole) (*Conn, error) {
	ip := middleware.ClientIP(r)
	if g.connRate != nil && !g.connRate.Allow(ip) {
		g.logger.Warnw("websocket connection rate exceeded", "remote_ip", ip, "channel", role)
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return nil, errors.New("connection rate exceeded")
	}

	info := g.Handshake(r, role)

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warnw("websocket upgrade failed", "remote_ip", ip, "channel", role, "error", err)
		return nil, err
	}
	if g.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(g.cfg.MaxMessageSize)
	}

	c := &Conn{
		ws:           ws,
		info:         info,
		remoteIP:     ip,
		writeTimeout: g.cfg.WriteTimeout,
	}
	if g.cfg.MessagesPerSecond > 0 {
		burst := g.cfg.MessageBurst
		if burst <= 0 {
			burst = 1
		}
		c.msgRate = rate.NewLimiter(rate.Limit(g.cfg.MessagesPerSecond), burst)
	}

	if g.metrics != nil {
		g.metrics.WSConnectionOpened(string(role))
	}
	g.logger.Infow("websocket connected",
		"channel", role,
		"remote_ip", ip,
		"user_id", info.UserID(),
		"authenticated", info.Authenticated,
	)
	return c, nil
}

func (g *Gateway) closed(c *Conn) {
	if g.metrics != nil {
		g.metrics.WSConnectionClosed(string(c.info.Role))
	}
	g.logger.Infow("websocket disconnected", "channel", c.info.Role, "user_id", c.info.UserID(), "remote_ip", c.remoteIP)
}

func (g *Gateway) observe(c *Conn, messageType string) {
	if g.metrics != nil {
		g.metrics.WSMessage(string(c.info.Role), messageType)
	}
}

// keepalive pings c on the configured interval until ctx is done. On a failed
// ping the connection is closed before onFail runs.
func (g *Gateway) keepalive(ctx context.Context, c *Conn, onFail func(error)) {
	if g.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Ping(); err != nil {
				c.Close()
				if onFail != nil {
					onFail(err)
				}
				return
			}
		}
	}
}

// Conn serialises writes to one websocket; reads stay with the owning handler.
type Conn struct {
	ws           *websocket.Conn
	info         domain.SignalingConnection
	remoteIP     string
	writeTimeout time.Duration
	msgRate      *rate.Limiter

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *Conn) Info() domain.SignalingConnection { return c.info }

func (c *Conn) Send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteJSON(v)
}

func (c *Conn) SendError(message string) error {
	return c.Send(Reply{Type: TypeError, Message: message})
}

func (c *Conn) Ping() error {
	timeout := c.writeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

// CloseWith sends a close frame carrying code and reason, then closes.
func (c *Conn) CloseWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		// control frame payloads are capped at 125 bytes, two of them the code
		msg := websocket.FormatCloseMessage(code, utils.TruncateBytes(reason, 123))
		c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.ws.Close()
	})
}

func (c *Conn) Close() {
	c.closeOnce.Do(func() { c.ws.Close() })
}

// allowMessage applies the per-connection message budget.
func (c *Conn) allowMessage() error {
	if c.msgRate != nil && !c.msgRate.Allow() {
		return errMessageRate
	}
	return nil
}

// readLoop feeds raw messages to handle until the socket fails. Pongs extend
// the read deadline.
func (c *Conn) readLoop(pongTimeout time.Duration, handle func([]byte)) error {
	if pongTimeout > 0 {
		c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
		})
	}
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		if pongTimeout > 0 {
			c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
		}
		if kind != websocket.TextMessage {
			continue
		}
		handle(data)
	}
}

func isExpectedClose(err error) bool {
	return !websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
