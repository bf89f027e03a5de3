package rtmp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	Version         = 0x03
	HandshakeSize   = 1536
	ChunkHeaderSize = 12

	// MaxConnectPayload bounds the connect message a client may announce.
	MaxConnectPayload = 64 * 1024

	defaultChunkSize = 128
	maxPreamble      = 4

	msgTypeSetChunkSize = 0x01
	msgTypeAMF0Command  = 0x14
)

var ErrHandshake = errors.New("rtmp handshake failed")

// HandshakeContext is the per-connection state read before the relay starts.
// Wire holds every byte received after C2, verbatim, so it can be replayed.
type HandshakeContext struct {
	C0          byte
	C1          []byte
	C2          []byte
	ChunkHeader []byte
	Payload     []byte
	Wire        []byte
}

// MessageLength is the 3-byte big-endian length at offset 4 of the chunk header.
func MessageLength(header []byte) int {
	return int(header[4])<<16 | int(header[5])<<8 | int(header[6])
}

// ReadHandshake runs the server side of the handshake on rw: read C0/C1,
// echo them back as S0/S1, read C2, then read the connect message. S2 is
// not sent; it comes from the transcoder.
func ReadHandshake(rw io.ReadWriter) (*HandshakeContext, error) {
	c0c1 := make([]byte, 1+HandshakeSize)
	if _, err := io.ReadFull(rw, c0c1); err != nil {
		return nil, fmt.Errorf("%w: read C0/C1: %v", ErrHandshake, err)
	}
	if c0c1[0] != Version {
		return nil, fmt.Errorf("%w: unsupported version 0x%02x", ErrHandshake, c0c1[0])
	}

	// S0 = C0, S1 = C1
	if _, err := rw.Write(c0c1); err != nil {
		return nil, fmt.Errorf("%w: write S0/S1: %v", ErrHandshake, err)
	}

	c2 := make([]byte, HandshakeSize)
	if _, err := io.ReadFull(rw, c2); err != nil {
		return nil, fmt.Errorf("%w: read C2: %v", ErrHandshake, err)
	}

	hs := &HandshakeContext{C0: c0c1[0], C1: c0c1[1:], C2: c2}
	if err := hs.readConnect(rw); err != nil {
		return nil, err
	}
	return hs, nil
}

// readConnect reads messages until the AMF0 command. Protocol control
// messages announcing a chunk size may precede it.
func (h *HandshakeContext) readConnect(r io.Reader) error {
	var wire bytes.Buffer
	chunkSize := defaultChunkSize

	for i := 0; i < maxPreamble; i++ {
		header := make([]byte, ChunkHeaderSize)
		if _, err := io.ReadFull(r, header); err != nil {
			return fmt.Errorf("%w: read chunk header: %v", ErrHandshake, err)
		}
		wire.Write(header)

		if fmtBits := header[0] >> 6; fmtBits != 0 {
			return fmt.Errorf("%w: first chunk uses header type %d", ErrHandshake, fmtBits)
		}
		csid := header[0] & 0x3f
		if csid < 2 {
			return fmt.Errorf("%w: extended chunk stream ids are not supported", ErrHandshake)
		}
		length := MessageLength(header)
		if length == 0 || length > MaxConnectPayload {
			return fmt.Errorf("%w: message length %d out of range", ErrHandshake, length)
		}

		payload, err := readChunked(r, &wire, length, chunkSize, csid)
		if err != nil {
			return err
		}

		switch header[7] {
		case msgTypeSetChunkSize:
			if len(payload) < 4 {
				return fmt.Errorf("%w: short set chunk size", ErrHandshake)
			}
			chunkSize = int(binary.BigEndian.Uint32(payload) & 0x7fffffff)
			if chunkSize < 1 {
				return fmt.Errorf("%w: chunk size %d", ErrHandshake, chunkSize)
			}
		case msgTypeAMF0Command:
			h.ChunkHeader = header
			h.Payload = payload
			h.Wire = wire.Bytes()
			return nil
		default:
			return fmt.Errorf("%w: unexpected message type %d before connect", ErrHandshake, header[7])
		}
	}
	return fmt.Errorf("%w: no connect command within %d messages", ErrHandshake, maxPreamble)
}

// readChunked reads length payload bytes split into chunkSize pieces, each
// continuation preceded by a one byte type-3 header for the same stream.
func readChunked(r io.Reader, wire *bytes.Buffer, length, chunkSize int, csid byte) ([]byte, error) {
	payload := make([]byte, 0, length)
	sep := []byte{0}
	for remaining := length; remaining > 0; {
		n := min(remaining, chunkSize)
		chunk := make([]byte, n)
		if _, err := io.ReadFull(r, chunk); err != nil {
			return nil, fmt.Errorf("%w: read message body: %v", ErrHandshake, err)
		}
		payload = append(payload, chunk...)
		wire.Write(chunk)
		remaining -= n

		if remaining > 0 {
			if _, err := io.ReadFull(r, sep); err != nil {
				return nil, fmt.Errorf("%w: read continuation header: %v", ErrHandshake, err)
			}
			if sep[0] != 0xc0|csid {
				return nil, fmt.Errorf("%w: unexpected continuation header 0x%02x", ErrHandshake, sep[0])
			}
			wire.Write(sep)
		}
	}
	return payload, nil
}

// ReplayTo re-runs the client's handshake against the transcoder on rw and
// returns the transcoder's S2.
func (h *HandshakeContext) ReplayTo(rw io.ReadWriter) ([]byte, error) {
	c0c1 := make([]byte, 0, 1+HandshakeSize)
	c0c1 = append(c0c1, h.C0)
	c0c1 = append(c0c1, h.C1...)
	if _, err := rw.Write(c0c1); err != nil {
		return nil, fmt.Errorf("replay C0/C1: %w", err)
	}

	s0s1 := make([]byte, 1+HandshakeSize)
	if _, err := io.ReadFull(rw, s0s1); err != nil {
		return nil, fmt.Errorf("read transcoder S0/S1: %w", err)
	}

	out := make([]byte, 0, len(h.C2)+len(h.Wire))
	out = append(out, h.C2...)
	out = append(out, h.Wire...)
	if _, err := rw.Write(out); err != nil {
		return nil, fmt.Errorf("replay C2 and connect: %w", err)
	}

	s2 := make([]byte, HandshakeSize)
	if _, err := io.ReadFull(rw, s2); err != nil {
		return nil, fmt.Errorf("read transcoder S2: %w", err)
	}
	return s2, nil
}
