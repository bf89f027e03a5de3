package rtmp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"

	"classcast/internal/core/domain"
)

// AMF0 type markers.
const (
	amf0Number      = 0x00
	amf0Boolean     = 0x01
	amf0String      = 0x02
	amf0Object      = 0x03
	amf0Null        = 0x05
	amf0Undefined   = 0x06
	amf0ECMAArray   = 0x08
	amf0ObjectEnd   = 0x09
	amf0StrictArray = 0x0a
	amf0Date        = 0x0b
	amf0LongString  = 0x0c
)

const maxAMFDepth = 16

var (
	ErrMalformedAMF = errors.New("malformed AMF0 payload")
	ErrNoStreamKey  = errors.New("connect command carries no stream key")
)

// AMFObject is a decoded AMF0 object or ECMA array.
type AMFObject map[string]any

func (o AMFObject) String(key string) string {
	s, _ := o[key].(string)
	return s
}

type amfDecoder struct {
	buf []byte
	pos int
}

// DecodeAMF0 decodes every value in payload. Numbers decode to float64,
// objects and ECMA arrays to AMFObject, strict arrays to []any and
// null/undefined to nil.
func DecodeAMF0(payload []byte) ([]any, error) {
	d := &amfDecoder{buf: payload}
	var values []any
	for d.pos < len(d.buf) {
		v, err := d.value(0)
		if err != nil {
			return values, err
		}
		values = append(values, v)
	}
	return values, nil
}

func (d *amfDecoder) take(n int) ([]byte, error) {
	if n < 0 || len(d.buf)-d.pos < n {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d", ErrMalformedAMF, n, d.pos)
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *amfDecoder) u16() (int, error) {
	b, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint16(b)), nil
}

func (d *amfDecoder) u32() (int, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint32(b)), nil
}

func (d *amfDecoder) shortString() (string, error) {
	n, err := d.u16()
	if err != nil {
		return "", err
	}
	b, err := d.take(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *amfDecoder) value(depth int) (any, error) {
	if depth > maxAMFDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", ErrMalformedAMF, maxAMFDepth)
	}
	marker, err := d.take(1)
	if err != nil {
		return nil, err
	}

	switch marker[0] {
	case amf0Number:
		b, err := d.take(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
	case amf0Boolean:
		b, err := d.take(1)
		if err != nil {
			return nil, err
		}
		return b[0] != 0, nil
	case amf0String:
		return d.shortString()
	case amf0LongString:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		b, err := d.take(n)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case amf0Object:
		return d.object(depth)
	case amf0ECMAArray:
		// the count is advisory; entries run until the end marker
		if _, err := d.u32(); err != nil {
			return nil, err
		}
		return d.object(depth)
	case amf0StrictArray:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		if n > len(d.buf)-d.pos {
			return nil, fmt.Errorf("%w: array of %d elements", ErrMalformedAMF, n)
		}
		arr := make([]any, 0, n)
		for i := 0; i < n; i++ {
			v, err := d.value(depth + 1)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, nil
	case amf0Date:
		b, err := d.take(10)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b[:8])), nil
	case amf0Null, amf0Undefined:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unsupported marker 0x%02x", ErrMalformedAMF, marker[0])
	}
}

// object reads key/value pairs until an empty key followed by the end marker.
func (d *amfDecoder) object(depth int) (AMFObject, error) {
	obj := AMFObject{}
	for {
		key, err := d.shortString()
		if err != nil {
			return nil, err
		}
		if key == "" {
			end, err := d.take(1)
			if err != nil {
				return nil, err
			}
			if end[0] != amf0ObjectEnd {
				return nil, fmt.Errorf("%w: expected object end, got 0x%02x", ErrMalformedAMF, end[0])
			}
			return obj, nil
		}
		v, err := d.value(depth + 1)
		if err != nil {
			return nil, err
		}
		obj[key] = v
	}
}

// ConnectCommand is the decoded RTMP "connect" command.
type ConnectCommand struct {
	Name          string
	TransactionID float64
	Properties    AMFObject
	Args          []any
}

// ParseConnect decodes the command name, transaction id and command object.
func ParseConnect(payload []byte) (*ConnectCommand, error) {
	values, err := DecodeAMF0(payload)
	if err != nil {
		return nil, err
	}
	if len(values) < 3 {
		return nil, fmt.Errorf("%w: connect needs 3 values, got %d", ErrMalformedAMF, len(values))
	}

	name, ok := values[0].(string)
	if !ok {
		return nil, fmt.Errorf("%w: command name is %T", ErrMalformedAMF, values[0])
	}
	if !strings.EqualFold(name, "connect") {
		return nil, fmt.Errorf("%w: expected connect, got %q", ErrMalformedAMF, name)
	}
	txID, ok := values[1].(float64)
	if !ok {
		return nil, fmt.Errorf("%w: transaction id is %T", ErrMalformedAMF, values[1])
	}
	props, _ := values[2].(AMFObject)

	return &ConnectCommand{
		Name:          name,
		TransactionID: txID,
		Properties:    props,
		Args:          values[3:],
	}, nil
}

// StreamKey extracts the key the encoder was configured with. Encoders put
// it at the end of the application path ("rtmp://host/live_42_abcdef" or
// "rtmp://host/app/live_42_abcdef"). Candidates are tried in order: string
// arguments, the streamKey property, app, then the tcUrl path.
func (c *ConnectCommand) StreamKey() (string, error) {
	candidates := make([]string, 0, 4)
	for _, arg := range c.Args {
		if s, ok := arg.(string); ok {
			candidates = append(candidates, s)
		}
	}
	if c.Properties != nil {
		candidates = append(candidates, c.Properties.String("streamKey"), c.Properties.String("app"))
		if tc := c.Properties.String("tcUrl"); tc != "" {
			if u, err := url.Parse(tc); err == nil {
				candidates = append(candidates, u.Path)
			}
		}
	}

	for _, cand := range candidates {
		if key := lastSegment(cand); strings.HasPrefix(key, domain.StreamKeyPrefix+"_") {
			return key, nil
		}
	}
	return "", ErrNoStreamKey
}

// lastSegment drops any query and returns the final path segment.
func lastSegment(s string) string {
	if i := strings.IndexByte(s, '?'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimRight(s, "/")
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		s = s[i+1:]
	}
	return s
}
