package rtmp

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"io"
	"math"
	"sort"
)

func amfString(s string) []byte {
	b := []byte{amf0String, 0, 0}
	binary.BigEndian.PutUint16(b[1:], uint16(len(s)))
	return append(b, s...)
}

func amfNumber(f float64) []byte {
	b := make([]byte, 9)
	b[0] = amf0Number
	binary.BigEndian.PutUint64(b[1:], math.Float64bits(f))
	return b
}

func amfNull() []byte { return []byte{amf0Null} }

// amfObject encodes fields in key order so payloads are deterministic.
func amfObject(fields map[string][]byte) []byte {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b := []byte{amf0Object}
	for _, k := range keys {
		kl := make([]byte, 2)
		binary.BigEndian.PutUint16(kl, uint16(len(k)))
		b = append(b, kl...)
		b = append(b, k...)
		b = append(b, fields[k]...)
	}
	return append(b, 0, 0, amf0ObjectEnd)
}

func concat(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

func connectPayload(app, tcURL string) []byte {
	return concat(
		amfString("connect"),
		amfNumber(1),
		amfObject(map[string][]byte{
			"app":      amfString(app),
			"flashVer": amfString("FMLE/3.0 (compatible; FMSc/1.0)"),
			"tcUrl":    amfString(tcURL),
			"type":     amfString("nonprivate"),
		}),
	)
}

// chunkMessage frames payload as one RTMP message with a type-0 header on
// chunk stream csid, split every chunkSize bytes.
func chunkMessage(csid byte, msgType byte, payload []byte, chunkSize int) []byte {
	header := make([]byte, ChunkHeaderSize)
	header[0] = csid
	header[4] = byte(len(payload) >> 16)
	header[5] = byte(len(payload) >> 8)
	header[6] = byte(len(payload))
	header[7] = msgType

	out := append([]byte{}, header...)
	for len(payload) > 0 {
		n := min(len(payload), chunkSize)
		out = append(out, payload[:n]...)
		payload = payload[n:]
		if len(payload) > 0 {
			out = append(out, 0xc0|csid)
		}
	}
	return out
}

func setChunkSizeMessage(size uint32) []byte {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, size)
	return chunkMessage(2, msgTypeSetChunkSize, p, defaultChunkSize)
}

func randomC1() []byte {
	c0c1 := make([]byte, 1+HandshakeSize)
	c0c1[0] = Version
	rand.Read(c0c1[1:])
	return c0c1
}

// clientHandshake plays an encoder: C0/C1, S0/S1, C2 plus messages, S2.
func clientHandshake(rw io.ReadWriter, messages []byte) (s0s1, s2 []byte, err error) {
	c0c1 := randomC1()
	if _, err = rw.Write(c0c1); err != nil {
		return nil, nil, err
	}
	s0s1 = make([]byte, 1+HandshakeSize)
	if _, err = io.ReadFull(rw, s0s1); err != nil {
		return nil, nil, err
	}
	if _, err = rw.Write(append(append([]byte{}, s0s1[1:]...), messages...)); err != nil {
		return nil, nil, err
	}
	s2 = make([]byte, HandshakeSize)
	if _, err = io.ReadFull(rw, s2); err != nil {
		return s0s1, nil, err
	}
	return s0s1, s2, nil
}

// serverHandshake plays a transcoder: it answers C0/C1 and C2 and returns C1.
func serverHandshake(rw io.ReadWriter) ([]byte, error) {
	c0c1 := make([]byte, 1+HandshakeSize)
	if _, err := io.ReadFull(rw, c0c1); err != nil {
		return nil, err
	}
	if _, err := rw.Write(randomC1()); err != nil {
		return nil, err
	}
	c2 := make([]byte, HandshakeSize)
	if _, err := io.ReadFull(rw, c2); err != nil {
		return nil, err
	}
	// S2 echoes C1
	if _, err := rw.Write(c0c1[1:]); err != nil {
		return nil, err
	}
	return c0c1[1:], nil
}
