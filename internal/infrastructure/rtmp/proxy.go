package rtmp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"classcast/internal/core/domain"
	apperrors "classcast/pkg/errors"
	"classcast/pkg/optimize"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SessionLookup resolves a session id to the local port of its transcoder.
type SessionLookup interface {
	Lookup(ctx context.Context, id domain.SessionID) (int, bool, error)
}

// Metrics receives proxy events. A nil Metrics disables reporting.
type Metrics interface {
	RTMPConnectionAccepted()
	RTMPConnectionRejected(reason string)
	RTMPRelayStarted()
	RTMPRelayFinished()
	RTMPBytesRelayed(direction string, n int)
}

type Config struct {
	HandshakeTimeout time.Duration
	DialTimeout      time.Duration
	BufferSize       int
	TranscoderHost   string
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		DialTimeout:      5 * time.Second,
		BufferSize:       32 * 1024,
		TranscoderHost:   "127.0.0.1",
	}
}

// Proxy accepts encoder connections, authenticates them by stream key and
// relays them to the transcoder registered for the session.
type Proxy struct {
	cfg      Config
	sessions SessionLookup
	metrics  Metrics
	logger   *zap.SugaredLogger
	buffers  *optimize.BytePool
	dialer   net.Dialer

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup

	activeRelays atomic.Int64
}

func NewProxy(cfg Config, sessions SessionLookup, metrics Metrics, logger *zap.SugaredLogger) *Proxy {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.TranscoderHost == "" {
		cfg.TranscoderHost = DefaultConfig().TranscoderHost
	}
	return &Proxy{
		cfg:      cfg,
		sessions: sessions,
		metrics:  metrics,
		logger:   logger,
		buffers:  optimize.NewBytePool(cfg.BufferSize),
		dialer:   net.Dialer{Timeout: cfg.DialTimeout},
		conns:    make(map[net.Conn]struct{}),
	}
}

// ActiveRelays is the number of connections past the handshake.
func (p *Proxy) ActiveRelays() int64 {
	return p.activeRelays.Load()
}

// ListenAndServe listens on addr and serves until ctx is done or Close is called.
func (p *Proxy) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rtmp listen on %s: %w", addr, err)
	}
	return p.Serve(ctx, ln)
}

// Serve runs the accept loop. Per-connection failures never stop it.
func (p *Proxy) Serve(ctx context.Context, ln net.Listener) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		ln.Close()
		return net.ErrClosed
	}
	p.listener = ln
	p.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { p.Close() })
	defer stop()

	p.logger.Infow("rtmp proxy listening", "address", ln.Addr().String())

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if p.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(backoff*2, 5*time.Millisecond), time.Second)
				p.logger.Warnw("accept failed, retrying", "error", err, "backoff", backoff)
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("rtmp accept: %w", err)
		}
		backoff = 0

		if !p.track(conn) {
			conn.Close()
			return nil
		}
		if p.metrics != nil {
			p.metrics.RTMPConnectionAccepted()
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.untrack(conn)
			p.handleConn(ctx, conn)
		}()
	}
}

// Close stops accepting, closes every open socket and waits for the
// connection goroutines to exit.
func (p *Proxy) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var err error
	if p.listener != nil {
		err = p.listener.Close()
	}
	for c := range p.conns {
		c.Close()
	}
	p.mu.Unlock()

	p.wg.Wait()
	return err
}

func (p *Proxy) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Proxy) track(c net.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.conns[c] = struct{}{}
	return true
}

func (p *Proxy) untrack(c net.Conn) {
	p.mu.Lock()
	delete(p.conns, c)
	p.mu.Unlock()
	c.Close()
}

func (p *Proxy) reject(conn net.Conn, reason string, err error) {
	if p.metrics != nil {
		p.metrics.RTMPConnectionRejected(reason)
	}
	code := ""
	if appErr := apperrors.GetAppError(err); appErr != nil {
		code = string(appErr.Code)
	}
	p.logger.Warnw("rtmp connection rejected",
		"remote_addr", conn.RemoteAddr().String(),
		"reason", reason,
		"code", code,
		"error", err,
	)
}

func (p *Proxy) handleConn(ctx context.Context, conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorw("panic in rtmp connection handler", "panic", r, "remote_addr", conn.RemoteAddr().String())
		}
	}()

	deadline := time.Now().Add(p.cfg.HandshakeTimeout)
	if err := conn.SetDeadline(deadline); err != nil {
		p.reject(conn, "deadline", err)
		return
	}

	hs, err := ReadHandshake(conn)
	if err != nil {
		p.reject(conn, "handshake", apperrors.NewProtocolError(err, "rtmp handshake failed"))
		return
	}

	sessionID, err := p.authenticate(hs)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeProtocol) {
			p.reject(conn, "amf0", err)
		} else {
			p.reject(conn, "auth", err)
		}
		return
	}

	port, ok, err := p.sessions.Lookup(ctx, sessionID)
	if err != nil {
		p.reject(conn, "registry", apperrors.NewResourceError(err, "session registry unavailable"))
		return
	}
	if !ok {
		p.reject(conn, "unknown_session", apperrors.NewAuthenticationError(domain.ErrSessionNotFound, "unknown session "+string(sessionID)))
		return
	}

	log := p.logger.With("session_id", sessionID, "port", port, "remote_addr", conn.RemoteAddr().String())

	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	upstream, err := p.dialer.DialContext(dialCtx, "tcp", net.JoinHostPort(p.cfg.TranscoderHost, strconv.Itoa(port)))
	cancel()
	if err != nil {
		p.reject(conn, "dial", apperrors.NewResourceError(err, "transcoder unreachable"))
		return
	}
	if !p.track(upstream) {
		upstream.Close()
		return
	}
	defer p.untrack(upstream)

	if err := upstream.SetDeadline(deadline); err != nil {
		p.reject(conn, "deadline", err)
		return
	}
	s2, err := hs.ReplayTo(upstream)
	if err != nil {
		p.reject(conn, "transcoder_handshake", apperrors.NewProtocolError(err, "transcoder handshake failed"))
		return
	}
	if _, err := conn.Write(s2); err != nil {
		p.reject(conn, "write_s2", err)
		return
	}

	// The relay phase is unbounded.
	conn.SetDeadline(time.Time{})
	upstream.SetDeadline(time.Time{})

	log.Infow("rtmp relay established")
	started := time.Now()
	err = p.relay(conn, upstream)
	log.Infow("rtmp relay closed", "duration", time.Since(started).String(), "error", err)
}

func (p *Proxy) authenticate(hs *HandshakeContext) (domain.SessionID, error) {
	cmd, err := ParseConnect(hs.Payload)
	if err != nil {
		return "", apperrors.NewProtocolError(err, "invalid connect command")
	}
	key, err := cmd.StreamKey()
	if err != nil {
		return "", apperrors.NewAuthenticationError(err, "missing stream key")
	}
	id, err := domain.SessionFromStreamKey(key)
	if err != nil {
		return "", apperrors.NewAuthenticationError(err, "malformed stream key")
	}
	return id, nil
}

// relay copies bytes both ways until one side fails; then both sockets are
// closed so the other loop unblocks.
func (p *Proxy) relay(encoder, transcoder net.Conn) error {
	p.activeRelays.Add(1)
	defer p.activeRelays.Add(-1)
	if p.metrics != nil {
		p.metrics.RTMPRelayStarted()
		defer p.metrics.RTMPRelayFinished()
	}

	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			encoder.Close()
			transcoder.Close()
		})
	}

	var g errgroup.Group
	g.Go(func() error {
		defer closeBoth()
		return p.pipe(transcoder, encoder, "ingress")
	})
	g.Go(func() error {
		defer closeBoth()
		return p.pipe(encoder, transcoder, "egress")
	})
	return g.Wait()
}

func (p *Proxy) pipe(dst io.Writer, src io.Reader, direction string) error {
	buf := p.buffers.Get()
	defer p.buffers.Put(buf)

	w := &countingWriter{w: dst, direction: direction, metrics: p.metrics}
	_, err := io.CopyBuffer(w, struct{ io.Reader }{src}, *buf)
	if err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// countingWriter hides ReaderFrom so CopyBuffer uses the pooled buffer.
type countingWriter struct {
	w         io.Writer
	direction string
	metrics   Metrics
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	if c.metrics != nil && n > 0 {
		c.metrics.RTMPBytesRelayed(c.direction, n)
	}
	return n, err
}
