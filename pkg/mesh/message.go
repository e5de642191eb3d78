package mesh

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Wire frame, all fields single bytes:
//
//	0        type
//	1        source
//	2        destination (0xFF = broadcast)
//	3        payload length (0..64)
//	4..4+n   payload
//	4+n      checksum, XOR of every preceding byte
const (
	MaxPayload = 64

	headerSize   = 4
	minFrameSize = headerSize + 1
	// MaxFrameSize is the largest frame Encode can produce.
	MaxFrameSize = headerSize + MaxPayload + 1
)

// NodeID identifies one physical node on the mesh.
type NodeID uint8

// Broadcast is the reserved destination for every node. It is never
// assigned to a real node.
const Broadcast NodeID = 0xFF

func (id NodeID) String() string { return strconv.Itoa(int(id)) }

type MsgType uint8

const (
	MsgHeartbeat MsgType = 0x01
	MsgDetection MsgType = 0x02
	MsgAck       MsgType = 0x03
)

func (t MsgType) String() string {
	switch t {
	case MsgHeartbeat:
		return "heartbeat"
	case MsgDetection:
		return "detection"
	case MsgAck:
		return "ack"
	default:
		return "unknown"
	}
}

var (
	ErrTooShort         = errors.New("mesh: frame too short")
	ErrPayloadTooLarge  = errors.New("mesh: payload too large")
	ErrChecksumMismatch = errors.New("mesh: checksum mismatch")
)

// Message is one decoded frame. ReceivedAt is set by the receiver and never
// travels on the wire.
type Message struct {
	Type       MsgType
	Source     NodeID
	Dest       NodeID
	Payload    []byte
	ReceivedAt time.Time
}

// DetectionPayload is the one-byte body of a detection message.
func DetectionPayload(detected bool) []byte {
	if detected {
		return []byte{1}
	}
	return []byte{0}
}

// Detected reads the detection flag. ok is false when the payload is empty.
func (m Message) Detected() (detected, ok bool) {
	if len(m.Payload) == 0 {
		return false, false
	}
	return m.Payload[0] == 1, true
}

// Encode serializes m into a new frame.
func Encode(m Message) ([]byte, error) {
	if len(m.Payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(m.Payload))
	}
	buf := make([]byte, 0, headerSize+len(m.Payload)+1)
	buf = append(buf, byte(m.Type), byte(m.Source), byte(m.Dest), byte(len(m.Payload)))
	buf = append(buf, m.Payload...)
	return append(buf, checksum(buf)), nil
}

// Decode parses a frame received at now. A checksum mismatch still yields
// the decoded message alongside ErrChecksumMismatch; the caller decides
// whether to keep it. Bytes after the checksum are ignored.
func Decode(frame []byte, now time.Time) (Message, error) {
	if len(frame) < minFrameSize {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrTooShort, len(frame))
	}
	n := int(frame[3])
	if n > MaxPayload {
		return Message{}, fmt.Errorf("%w: declared %d bytes", ErrPayloadTooLarge, n)
	}
	if headerSize+n+1 > len(frame) {
		return Message{}, fmt.Errorf("%w: declared %d bytes, frame holds %d", ErrPayloadTooLarge, n, len(frame)-minFrameSize)
	}

	m := Message{
		Type:       MsgType(frame[0]),
		Source:     NodeID(frame[1]),
		Dest:       NodeID(frame[2]),
		Payload:    append([]byte(nil), frame[headerSize:headerSize+n]...),
		ReceivedAt: now,
	}
	if got, want := frame[headerSize+n], checksum(frame[:headerSize+n]); got != want {
		return m, fmt.Errorf("%w: got 0x%02x, want 0x%02x", ErrChecksumMismatch, got, want)
	}
	return m, nil
}

func checksum(b []byte) byte {
	var c byte
	for _, x := range b {
		c ^= x
	}
	return c
}
