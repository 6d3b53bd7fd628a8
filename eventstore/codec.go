package eventstore

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	lherrors "github.com/tachyon-beep/lighthouse-sub002/infrastructure/errors"
)

// ValidationError is raised for malformed input, oversize payloads, or
// non-canonical data (spec.md §7).
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

// AsServiceError maps the eventstore ValidationError onto the shared HTTP
// error taxonomy.
func (e *ValidationError) AsServiceError() *lherrors.ServiceError {
	return lherrors.InvalidInput("event", e.Reason)
}

// Codec encodes/decodes events to a canonical binary form and computes their
// integrity tag. Canonical means: deterministic field order, deterministic
// map key order within Payload — so the same logical event always produces
// the same bytes, and therefore the same HMAC (spec.md §4.2).
type Codec struct {
	secret        []byte
	previousSecret []byte
	maxEventSize  int
}

// NewCodec builds a codec keyed by secret. previousSecret, if non-nil, is
// accepted during a rotation overlap window (see Authority.RotateSecret in
// the identity package, which this mirrors for the store's own secret).
func NewCodec(secret, previousSecret []byte, maxEventSize int) *Codec {
	if maxEventSize <= 0 {
		maxEventSize = DefaultMaxEventSize
	}
	return &Codec{secret: secret, previousSecret: previousSecret, maxEventSize: maxEventSize}
}

// canonicalBody writes the deterministic encoding of every field except
// IntegrityTag. Both Encode and the integrity tag computation build on this
// so the tag is always over exactly what gets persisted.
func canonicalBody(e Event) ([]byte, error) {
	var buf bytes.Buffer

	writeString(&buf, e.EventID)
	writeUint64(&buf, e.Sequence)
	writeString(&buf, string(e.EventType))
	writeString(&buf, e.AggregateID)
	writeString(&buf, e.ActorID)
	writeInt64(&buf, e.TimestampNs)

	payloadBytes, err := canonicalPayload(e.Payload)
	if err != nil {
		return nil, err
	}
	writeBytes(&buf, payloadBytes)

	return buf.Bytes(), nil
}

// canonicalPayload encodes a payload map with sorted keys and a minimal
// fixed type tag per value so the output is reproducible across processes.
func canonicalPayload(payload map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	writeUint32(&buf, uint32(len(keys)))
	for _, k := range keys {
		writeString(&buf, k)
		if err := writeValue(&buf, payload[k]); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

const (
	tagString byte = iota
	tagInt64
	tagFloat64
	tagBool
	tagNil
	tagStringSlice
)

func writeValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case string:
		buf.WriteByte(tagString)
		writeString(buf, val)
	case int:
		buf.WriteByte(tagInt64)
		writeInt64(buf, int64(val))
	case int64:
		buf.WriteByte(tagInt64)
		writeInt64(buf, val)
	case uint64:
		buf.WriteByte(tagInt64)
		writeInt64(buf, int64(val))
	case float64:
		scaled := val * 1e9
		if scaled > math.MaxInt64 || scaled < math.MinInt64 {
			return &ValidationError{Reason: fmt.Sprintf("float64 payload value %v out of the fixed-point encodable range", val)}
		}
		buf.WriteByte(tagFloat64)
		var bits [8]byte
		binary.BigEndian.PutUint64(bits[:], uint64(int64(scaled)))
		buf.Write(bits[:])
	case bool:
		buf.WriteByte(tagBool)
		if val {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case nil:
		buf.WriteByte(tagNil)
	case []string:
		buf.WriteByte(tagStringSlice)
		writeUint32(buf, uint32(len(val)))
		for _, s := range val {
			writeString(buf, s)
		}
	default:
		return &ValidationError{Reason: fmt.Sprintf("non-canonical payload value of type %T", v)}
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeInt64(buf *bytes.Buffer, v int64) {
	writeUint64(buf, uint64(v))
}

// computeTag returns the HMAC-SHA256 of the canonical encoding of e's fields
// (excluding IntegrityTag itself), keyed by secret.
func computeTag(e Event, secret []byte) ([]byte, error) {
	body, err := canonicalBody(e)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil), nil
}

// Seal computes and attaches e's integrity tag using the current secret.
func (c *Codec) Seal(e Event) (Event, error) {
	tag, err := computeTag(e, c.secret)
	if err != nil {
		return Event{}, err
	}
	e.IntegrityTag = tag
	return e, nil
}

// Verify recomputes the integrity tag and compares it against e's stored
// tag, trying the previous secret too during a rotation overlap window.
// Invariant I3.
func (c *Codec) Verify(e Event) bool {
	tag, err := computeTag(e, c.secret)
	if err == nil && hmac.Equal(tag, e.IntegrityTag) {
		return true
	}
	if len(c.previousSecret) > 0 {
		if prevTag, err := computeTag(e, c.previousSecret); err == nil && hmac.Equal(prevTag, e.IntegrityTag) {
			return true
		}
	}
	return false
}

// Encode produces the canonical, length-unprefixed byte representation of e,
// for writing to a segment. Layout: canonical body, then the length-prefixed
// integrity tag.
func (c *Codec) Encode(e Event) ([]byte, error) {
	body, err := canonicalBody(e)
	if err != nil {
		return nil, err
	}
	if len(body)+len(e.IntegrityTag) > c.maxEventSize {
		return nil, &ValidationError{Reason: fmt.Sprintf("event exceeds max_event_size (%d > %d)", len(body)+len(e.IntegrityTag), c.maxEventSize)}
	}

	var buf bytes.Buffer
	buf.Write(body)
	writeBytes(&buf, e.IntegrityTag)
	return buf.Bytes(), nil
}

// Decode is the inverse of Encode.
func Decode(data []byte) (Event, error) {
	r := bytes.NewReader(data)

	eventID, err := readString(r)
	if err != nil {
		return Event{}, err
	}
	seq, err := readUint64(r)
	if err != nil {
		return Event{}, err
	}
	eventType, err := readString(r)
	if err != nil {
		return Event{}, err
	}
	aggregateID, err := readString(r)
	if err != nil {
		return Event{}, err
	}
	actorID, err := readString(r)
	if err != nil {
		return Event{}, err
	}
	ts, err := readInt64(r)
	if err != nil {
		return Event{}, err
	}
	payloadBytes, err := readBytes(r)
	if err != nil {
		return Event{}, err
	}
	payload, err := decodePayload(payloadBytes)
	if err != nil {
		return Event{}, err
	}
	tag, err := readBytes(r)
	if err != nil {
		return Event{}, err
	}

	et := EventType(eventType)
	if !et.valid() {
		return Event{}, &ValidationError{Reason: fmt.Sprintf("unknown event_type %q on decode", eventType)}
	}

	return Event{
		EventID:      eventID,
		Sequence:     seq,
		EventType:    et,
		AggregateID:  aggregateID,
		ActorID:      actorID,
		TimestampNs:  ts,
		Payload:      payload,
		IntegrityTag: tag,
	}, nil
}

func decodePayload(data []byte) (map[string]any, error) {
	r := bytes.NewReader(data)
	count, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, count)
	for i := uint32(0); i < count; i++ {
		key, err := readString(r)
		if err != nil {
			return nil, err
		}
		val, err := readValue(r)
		if err != nil {
			return nil, err
		}
		out[key] = val
	}
	return out, nil
}

func readValue(r *bytes.Reader) (any, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, &ValidationError{Reason: "truncated payload value"}
	}
	switch tag {
	case tagString:
		return readString(r)
	case tagInt64:
		return readInt64(r)
	case tagFloat64:
		var b [8]byte
		if _, err := r.Read(b[:]); err != nil {
			return nil, &ValidationError{Reason: "truncated float value"}
		}
		return float64(int64(binary.BigEndian.Uint64(b[:]))) / 1e9, nil
	case tagBool:
		b, err := r.ReadByte()
		if err != nil {
			return nil, &ValidationError{Reason: "truncated bool value"}
		}
		return b != 0, nil
	case tagNil:
		return nil, nil
	case tagStringSlice:
		n, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		out := make([]string, n)
		for i := range out {
			s, err := readString(r)
			if err != nil {
				return nil, err
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown payload value tag %d", tag)}
	}
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readInt64(r *bytes.Reader) (int64, error) {
	v, err := readUint64(r)
	return int64(v), err
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := readFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readFull(r *bytes.Reader, b []byte) (int, error) {
	n, err := r.Read(b)
	if err != nil || n != len(b) {
		return n, &ValidationError{Reason: "truncated record"}
	}
	return n, nil
}
