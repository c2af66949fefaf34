// Package audiosocket implements the PBX audio tunnel: a TCP stream of
// length-prefixed frames carrying a call identifier, raw audio and control
// messages.
package audiosocket

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Kind is the frame type byte.
type Kind byte

const (
	KindHangup Kind = 0x00
	KindID     Kind = 0x01
	KindAudio  Kind = 0x10
	KindError  Kind = 0xFF
)

// String returns the frame kind name
func (k Kind) String() string {
	switch k {
	case KindHangup:
		return "hangup"
	case KindID:
		return "id"
	case KindAudio:
		return "audio"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(k))
	}
}

const (
	headerLen = 3
	// MaxPayload is the largest payload the 16-bit length field can carry.
	MaxPayload = 0xFFFF
)

var (
	// ErrShortRead is returned when the stream ends inside a frame.
	ErrShortRead = errors.New("audiosocket: truncated frame")
	// ErrPayloadTooLarge is returned when a payload does not fit the length field.
	ErrPayloadTooLarge = errors.New("audiosocket: payload too large")
)

// Packet is one decoded frame.
type Packet struct {
	Kind    Kind
	Payload []byte
}

// ReadFrame reads exactly one frame from r.
//
// It returns io.EOF when the stream ends cleanly before the first header byte,
// and an error wrapping ErrShortRead when the stream ends part-way through the
// header or the payload.
func ReadFrame(r io.Reader) (Packet, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Packet{}, fmt.Errorf("%w: partial header", ErrShortRead)
		}
		return Packet{}, err
	}

	pkt := Packet{Kind: Kind(hdr[0])}
	n := int(binary.BigEndian.Uint16(hdr[1:]))
	if n == 0 {
		return pkt, nil
	}

	pkt.Payload = make([]byte, n)
	if got, err := io.ReadFull(r, pkt.Payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Packet{}, fmt.Errorf("%w: payload %d of %d bytes", ErrShortRead, got, n)
		}
		return Packet{}, err
	}
	return pkt, nil
}

// EncodeFrame serializes a frame, rejecting payloads over MaxPayload.
func EncodeFrame(kind Kind, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	return BuildFrame(kind, payload), nil
}

// BuildFrame serializes a frame. The caller guarantees len(payload) <= MaxPayload.
func BuildFrame(kind Kind, payload []byte) []byte {
	buf := make([]byte, headerLen+len(payload))
	buf[0] = byte(kind)
	binary.BigEndian.PutUint16(buf[1:], uint16(len(payload)))
	copy(buf[headerLen:], payload)
	return buf
}

// BuildAudioFrame serializes an audio frame.
func BuildAudioFrame(payload []byte) []byte {
	return BuildFrame(KindAudio, payload)
}

// HangupFrame returns a hangup frame with an empty payload.
func HangupFrame() []byte {
	return BuildFrame(KindHangup, nil)
}
