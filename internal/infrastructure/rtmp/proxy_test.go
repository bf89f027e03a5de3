package rtmp

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"classcast/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSessions struct {
	mu    sync.Mutex
	ports map[domain.SessionID]int
	err   error
}

func (f *fakeSessions) Lookup(_ context.Context, id domain.SessionID) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, false, f.err
	}
	port, ok := f.ports[id]
	return port, ok, nil
}

type fakeMetrics struct {
	mu       sync.Mutex
	accepted int
	rejected []string
	started  int
	finished int
	bytes    map[string]int
}

func (m *fakeMetrics) RTMPConnectionAccepted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accepted++
}

func (m *fakeMetrics) RTMPConnectionRejected(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected = append(m.rejected, reason)
}

func (m *fakeMetrics) RTMPRelayStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
}

func (m *fakeMetrics) RTMPRelayFinished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished++
}

func (m *fakeMetrics) RTMPBytesRelayed(direction string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bytes == nil {
		m.bytes = make(map[string]int)
	}
	m.bytes[direction] += n
}

func (m *fakeMetrics) rejections() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.rejected...)
}

// fakeTranscoder answers the RTMP handshake and then echoes every byte.
type fakeTranscoder struct {
	ln       net.Listener
	accepted atomic.Int32
	wg       sync.WaitGroup
}

func startFakeTranscoder(t *testing.T) *fakeTranscoder {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ft := &fakeTranscoder{ln: ln}
	ft.wg.Add(1)
	go func() {
		defer ft.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			ft.accepted.Add(1)
			ft.wg.Add(1)
			go func() {
				defer ft.wg.Done()
				defer conn.Close()
				if _, err := serverHandshake(conn); err != nil {
					return
				}
				io.Copy(conn, conn)
			}()
		}
	}()

	t.Cleanup(func() {
		ln.Close()
		ft.wg.Wait()
	})
	return ft
}

func (ft *fakeTranscoder) port() int {
	return ft.ln.Addr().(*net.TCPAddr).Port
}

func startProxy(t *testing.T, cfg Config, sessions SessionLookup, metrics Metrics) (*Proxy, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	p := NewProxy(cfg, sessions, metrics, zap.NewNop().Sugar())
	errc := make(chan error, 1)
	go func() {
		errc <- p.Serve(context.Background(), ln)
	}()

	t.Cleanup(func() {
		p.Close()
		assert.NoError(t, <-errc)
	})
	return p, ln.Addr().String()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.DialTimeout = time.Second
	cfg.BufferSize = 4096
	return cfg
}

func connectWire(streamKey string) []byte {
	return chunkMessage(3, msgTypeAMF0Command,
		connectPayload(streamKey, "rtmp://localhost:1935/"+streamKey), defaultChunkSize)
}

func dialProxy(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestProxy_RelaysToRegisteredTranscoder(t *testing.T) {
	transcoder := startFakeTranscoder(t)
	sessions := &fakeSessions{ports: map[domain.SessionID]int{"42_abcdef": transcoder.port()}}
	metrics := &fakeMetrics{}
	p, addr := startProxy(t, testConfig(), sessions, metrics)

	conn := dialProxy(t, addr)
	wire := connectWire("live_42_abcdef")

	s0s1, s2, err := clientHandshake(conn, wire)
	require.NoError(t, err)
	assert.Equal(t, s0s1[1:], s2, "S2 comes from the transcoder and echoes C1")

	// the transcoder saw the replayed connect message
	echoed := make([]byte, len(wire))
	_, err = io.ReadFull(conn, echoed)
	require.NoError(t, err)
	assert.Equal(t, wire, echoed)

	media := []byte("flv media payload")
	_, err = conn.Write(media)
	require.NoError(t, err)
	got := make([]byte, len(media))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, media, got)

	assert.Equal(t, int64(1), p.ActiveRelays())
	assert.Equal(t, int32(1), transcoder.accepted.Load())

	conn.Close()
	assert.Eventually(t, func() bool { return p.ActiveRelays() == 0 }, 2*time.Second, 10*time.Millisecond)

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, 1, metrics.accepted)
	assert.Equal(t, 1, metrics.started)
	assert.Equal(t, 1, metrics.finished)
	assert.Equal(t, len(media), metrics.bytes["ingress"])
	assert.Equal(t, len(wire)+len(media), metrics.bytes["egress"])
	assert.Empty(t, metrics.rejected)
}

func TestProxy_UnknownSessionNeverDials(t *testing.T) {
	transcoder := startFakeTranscoder(t)
	sessions := &fakeSessions{ports: map[domain.SessionID]int{"42_abcdef": transcoder.port()}}
	metrics := &fakeMetrics{}
	_, addr := startProxy(t, testConfig(), sessions, metrics)

	conn := dialProxy(t, addr)
	_, _, err := clientHandshake(conn, connectWire("live_99_unknown"))
	require.Error(t, err, "the proxy closes instead of sending S2")

	assert.Eventually(t, func() bool {
		r := metrics.rejections()
		return len(r) == 1 && r[0] == "unknown_session"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(0), transcoder.accepted.Load())
}

func TestProxy_Rejections(t *testing.T) {
	down, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	downPort := down.Addr().(*net.TCPAddr).Port
	down.Close()

	badCommand := chunkMessage(3, msgTypeAMF0Command,
		concat(amfString("publish"), amfNumber(1), amfNull()), defaultChunkSize)

	tests := []struct {
		name     string
		sessions *fakeSessions
		wire     []byte
		reason   string
	}{
		{
			name:     "not a connect command",
			sessions: &fakeSessions{},
			wire:     badCommand,
			reason:   "amf0",
		},
		{
			name:     "no stream key",
			sessions: &fakeSessions{},
			wire:     connectWire("live"),
			reason:   "auth",
		},
		{
			name:     "registry unavailable",
			sessions: &fakeSessions{err: errors.New("connection refused")},
			wire:     connectWire("live_42_abcdef"),
			reason:   "registry",
		},
		{
			name:     "transcoder not listening",
			sessions: &fakeSessions{ports: map[domain.SessionID]int{"42_abcdef": downPort}},
			wire:     connectWire("live_42_abcdef"),
			reason:   "dial",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := &fakeMetrics{}
			_, addr := startProxy(t, testConfig(), tt.sessions, metrics)

			conn := dialProxy(t, addr)
			_, _, err := clientHandshake(conn, tt.wire)
			require.Error(t, err)

			assert.Eventually(t, func() bool {
				r := metrics.rejections()
				return len(r) == 1 && r[0] == tt.reason
			}, 2*time.Second, 10*time.Millisecond)
		})
	}
}

func TestProxy_HandshakeTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeTimeout = 100 * time.Millisecond
	metrics := &fakeMetrics{}
	_, addr := startProxy(t, cfg, &fakeSessions{}, metrics)

	conn := dialProxy(t, addr)
	start := time.Now()
	_, err := conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestProxy_CloseTearsDownRelays(t *testing.T) {
	transcoder := startFakeTranscoder(t)
	sessions := &fakeSessions{ports: map[domain.SessionID]int{"42_abcdef": transcoder.port()}}
	p, addr := startProxy(t, testConfig(), sessions, nil)

	conn := dialProxy(t, addr)
	_, _, err := clientHandshake(conn, connectWire("live_42_abcdef"))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return p.ActiveRelays() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, p.Close())
	assert.Equal(t, int64(0), p.ActiveRelays())

	_, err = io.ReadAll(conn)
	assert.NoError(t, err, "the encoder sees a clean EOF")
}

func TestProxy_ServeStopsOnContextCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	p := NewProxy(testConfig(), &fakeSessions{}, nil, zap.NewNop().Sugar())

	errc := make(chan error, 1)
	go func() { errc <- p.Serve(ctx, ln) }()

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	assert.ErrorIs(t, p.Serve(context.Background(), ln), net.ErrClosed)
}

func TestProxy_AuthenticateNestedApp(t *testing.T) {
	p := NewProxy(testConfig(), &fakeSessions{}, nil, zap.NewNop().Sugar())

	id, err := p.authenticate(&HandshakeContext{
		Payload: connectPayload("live/live_42_abcdef", "rtmp://localhost:1935/live/live_42_abcdef"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionID("42_abcdef"), id)
}
