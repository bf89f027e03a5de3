package rtmp

import (
	"bytes"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageLength(t *testing.T) {
	header := []byte{0x03, 0, 0, 0, 0x01, 0x02, 0x03, 0x14, 0, 0, 0, 0}
	assert.Equal(t, 0x010203, MessageLength(header))
}

func TestReadHandshake_EchoesS0S1(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	payload := connectPayload("live_42_abcdef", "rtmp://localhost:1935/live_42_abcdef")
	wire := chunkMessage(3, msgTypeAMF0Command, payload, defaultChunkSize)
	c0c1 := randomC1()

	errc := make(chan error, 1)
	echoed := make([]byte, 1+HandshakeSize)
	go func() {
		if _, err := client.Write(c0c1); err != nil {
			errc <- err
			return
		}
		if _, err := io.ReadFull(client, echoed); err != nil {
			errc <- err
			return
		}
		_, err := client.Write(append(bytes.Repeat([]byte{0xaa}, HandshakeSize), wire...))
		errc <- err
	}()

	hs, err := ReadHandshake(server)
	require.NoError(t, err)
	require.NoError(t, <-errc)

	assert.Equal(t, c0c1, echoed)
	assert.Equal(t, byte(Version), hs.C0)
	assert.Equal(t, c0c1[1:], hs.C1)
	assert.Equal(t, bytes.Repeat([]byte{0xaa}, HandshakeSize), hs.C2)
	assert.Equal(t, payload, hs.Payload)
	assert.Equal(t, wire, hs.Wire)
	assert.Equal(t, wire[:ChunkHeaderSize], hs.ChunkHeader)
}

func TestReadHandshake_ChunkedConnect(t *testing.T) {
	longURL := "rtmp://localhost:1935/live_42_abcdef?" + strings.Repeat("x", 300)
	payload := connectPayload("live_42_abcdef", longURL)
	require.Greater(t, len(payload), 2*defaultChunkSize)

	wire := chunkMessage(3, msgTypeAMF0Command, payload, defaultChunkSize)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		clientHandshake(client, wire)
	}()

	hs, err := ReadHandshake(server)
	require.NoError(t, err)
	assert.Equal(t, payload, hs.Payload, "continuation headers are stripped")
	assert.Equal(t, wire, hs.Wire, "wire bytes are kept verbatim")

	cmd, err := ParseConnect(hs.Payload)
	require.NoError(t, err)
	key, err := cmd.StreamKey()
	require.NoError(t, err)
	assert.Equal(t, "live_42_abcdef", key)
}

func TestReadHandshake_SetChunkSizePreamble(t *testing.T) {
	payload := connectPayload("live_42_abcdef", "rtmp://localhost:1935/live_42_abcdef?"+strings.Repeat("y", 500))
	wire := append(setChunkSizeMessage(4096), chunkMessage(3, msgTypeAMF0Command, payload, 4096)...)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		clientHandshake(client, wire)
	}()

	hs, err := ReadHandshake(server)
	require.NoError(t, err)
	assert.Equal(t, payload, hs.Payload)
	assert.Equal(t, wire, hs.Wire)
}

func TestReadHandshake_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		write func(net.Conn)
	}{
		{
			name: "bad version",
			write: func(c net.Conn) {
				b := randomC1()
				b[0] = 0x06
				c.Write(b)
			},
		},
		{
			name: "short C1",
			write: func(c net.Conn) {
				c.Write([]byte{Version, 1, 2, 3})
				c.Close()
			},
		},
		{
			name: "unexpected message type",
			write: func(c net.Conn) {
				clientHandshake(c, chunkMessage(3, 0x12, []byte{1, 2, 3}, defaultChunkSize))
			},
		},
		{
			name: "oversized connect",
			write: func(c net.Conn) {
				header := make([]byte, ChunkHeaderSize)
				header[0] = 3
				header[4], header[5], header[6] = 0xff, 0xff, 0xff
				header[7] = msgTypeAMF0Command
				clientHandshake(c, header)
			},
		},
		{
			name: "bad continuation header",
			write: func(c net.Conn) {
				wire := chunkMessage(3, msgTypeAMF0Command, bytes.Repeat([]byte{0}, 200), defaultChunkSize)
				wire[ChunkHeaderSize+defaultChunkSize] = 0xc4
				clientHandshake(c, wire)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := net.Pipe()
			defer client.Close()

			done := make(chan struct{})
			go func() {
				defer close(done)
				tt.write(client)
			}()

			_, err := ReadHandshake(server)
			assert.ErrorIs(t, err, ErrHandshake)
			server.Close()
			<-done
		})
	}
}

func TestHandshakeContext_ReplayTo(t *testing.T) {
	hs := &HandshakeContext{
		C0:   Version,
		C1:   bytes.Repeat([]byte{0x01}, HandshakeSize),
		C2:   bytes.Repeat([]byte{0x02}, HandshakeSize),
		Wire: chunkMessage(3, msgTypeAMF0Command, connectPayload("live_1_a", "rtmp://h/live_1_a"), defaultChunkSize),
	}

	// TCP rather than net.Pipe: the replay writes C2 and the connect
	// message in one call, which needs a buffered transport.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	type result struct {
		c1   []byte
		rest []byte
		err  error
	}
	resc := make(chan result, 1)
	go func() {
		transcoder, err := ln.Accept()
		if err != nil {
			resc <- result{err: err}
			return
		}
		defer transcoder.Close()
		c1, err := serverHandshake(transcoder)
		if err != nil {
			resc <- result{err: err}
			return
		}
		rest := make([]byte, len(hs.Wire))
		_, err = io.ReadFull(transcoder, rest)
		resc <- result{c1: c1, rest: rest, err: err}
	}()

	proxySide, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer proxySide.Close()

	s2, err := hs.ReplayTo(proxySide)
	require.NoError(t, err)
	assert.Equal(t, hs.C1, s2, "S2 from the transcoder echoes C1")

	res := <-resc
	require.NoError(t, res.err)
	assert.Equal(t, hs.C1, res.c1)
	assert.Equal(t, hs.Wire, res.rest)
}
