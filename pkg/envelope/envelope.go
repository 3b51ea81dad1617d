// Package envelope defines the wire unit exchanged between a hub and its
// peers: a category tag and an opaque payload.
//
// Envelopes are encoded with the protobuf wire format so that any protobuf
// implementation can interoperate with them:
//
//	message Envelope {
//	  uint32 category = 1;
//	  bytes  payload  = 2;
//	}
//
//	message HandshakeRecord {
//	  string peer_id = 1;
//	}
package envelope

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrMalformed    = errors.New("envelope: malformed frame")
	ErrNotHandshake = errors.New("envelope: not a handshake")
)

const (
	fieldCategory protowire.Number = 1
	fieldPayload  protowire.Number = 2
	fieldPeerID   protowire.Number = 1
)

// Category tags an Envelope. Only the control categories below are
// interpreted by the session layer, every other value is passed through.
type Category uint16

const (
	Ping       Category = 0x0001
	Pong       Category = 0x0002
	Disconnect Category = 0x0003
	Expired    Category = 0x0004

	// Application categories span CustomBase to CustomMax, so Custom
	// accepts 0 through 0xfeff.
	CustomBase Category = 0x0100
	CustomMax  Category = 0xffff
)

// Custom returns the category of an application message.
// Typically you will define your categories as follow:
//
//	var StateSnapshot = envelope.Custom(0)
//
// It panics when v is above 0xfeff, use it for constants.
func Custom(v uint16) Category {
	if v > uint16(CustomMax-CustomBase) {
		panic("envelope: value too high for custom category")
	}
	return CustomBase + Category(v)
}

// IsControl reports whether the session layer consumes this category.
func (c Category) IsControl() bool {
	switch c {
	case Ping, Pong, Disconnect, Expired:
		return true
	}
	return false
}

func (c Category) String() string {
	switch c {
	case Ping:
		return "ping"
	case Pong:
		return "pong"
	case Disconnect:
		return "disconnect"
	case Expired:
		return "expired"
	}
	return fmt.Sprintf("custom(0x%04x)", uint16(c))
}

// Envelope is immutable once constructed: Payload returns the bytes it was
// built with and callers must not modify them.
type Envelope struct {
	category Category
	payload  []byte
}

func New(category Category, payload []byte) Envelope {
	return Envelope{category: category, payload: payload}
}

// NewPing builds the handshake/heartbeat envelope identifying peerID.
func NewPing(peerID string) Envelope {
	return Envelope{category: Ping, payload: HandshakeRecord{PeerID: peerID}.Marshal()}
}

func NewPong() Envelope {
	return Envelope{category: Pong}
}

// NewDisconnect carries a human readable reason, it is informative only.
func NewDisconnect(reason string) Envelope {
	return Envelope{category: Disconnect, payload: []byte(reason)}
}

func NewExpired() Envelope {
	return Envelope{category: Expired}
}

func (e Envelope) Category() Category {
	return e.category
}

func (e Envelope) Payload() []byte {
	return e.payload
}

// Marshal always emits the category, even when zero, so encoding is
// deterministic. An empty payload is not emitted.
func (e Envelope) Marshal() []byte {
	buf := make([]byte, 0, len(e.payload)+8)
	buf = protowire.AppendTag(buf, fieldCategory, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(e.category))
	if len(e.payload) > 0 {
		buf = protowire.AppendTag(buf, fieldPayload, protowire.BytesType)
		buf = protowire.AppendBytes(buf, e.payload)
	}
	return buf
}

// Unmarshal decodes a frame. The returned payload is a copy, the caller may
// reuse buf. Marshal leaves out an empty payload, so an Envelope built with
// a non-nil empty payload decodes with a nil one.
func Unmarshal(buf []byte) (Envelope, error) {
	var env Envelope
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return Envelope{}, fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
		}
		buf = buf[n:]

		switch {
		case num == fieldCategory && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return Envelope{}, fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
			}
			if v > uint64(CustomMax) {
				return Envelope{}, fmt.Errorf("%w: category %d out of range", ErrMalformed, v)
			}
			env.category = Category(v)
			buf = buf[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return Envelope{}, fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
			}
			env.payload = append([]byte(nil), v...)
			buf = buf[n:]
		case num == fieldCategory || num == fieldPayload:
			return Envelope{}, fmt.Errorf("%w: field %d has wire type %d", ErrMalformed, num, typ)
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return Envelope{}, fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}
	return env, nil
}

// HandshakeRecord is the payload of a Ping envelope.
type HandshakeRecord struct {
	PeerID string
}

func (h HandshakeRecord) Marshal() []byte {
	buf := protowire.AppendTag(nil, fieldPeerID, protowire.BytesType)
	return protowire.AppendString(buf, h.PeerID)
}

func UnmarshalHandshake(buf []byte) (HandshakeRecord, error) {
	var rec HandshakeRecord
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return rec, fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
		}
		buf = buf[n:]

		if num == fieldPeerID {
			if typ != protowire.BytesType {
				return rec, fmt.Errorf("%w: peer_id has wire type %d", ErrMalformed, typ)
			}
			v, n := protowire.ConsumeString(buf)
			if n < 0 {
				return rec, fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
			}
			if !utf8.ValidString(v) {
				return rec, fmt.Errorf("%w: peer_id is not valid utf-8", ErrMalformed)
			}
			rec.PeerID = v
			buf = buf[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, buf)
		if n < 0 {
			return rec, fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
		}
		buf = buf[n:]
	}
	return rec, nil
}

// DecodeHandshake extracts the identity carried by a Ping envelope.
func DecodeHandshake(env Envelope) (HandshakeRecord, error) {
	if env.category != Ping {
		return HandshakeRecord{}, fmt.Errorf("%w: got %s", ErrNotHandshake, env.category)
	}
	rec, err := UnmarshalHandshake(env.payload)
	if err != nil {
		return rec, err
	}
	if rec.PeerID == "" {
		return rec, fmt.Errorf("%w: empty peer_id", ErrNotHandshake)
	}
	return rec, nil
}
