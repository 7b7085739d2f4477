package wsgshare

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// FrameType identifies the purpose of a frame on the control channel
type FrameType uint32

const (
	// FrameOpen is server→client "a new external connection has
	// arrived" and client→server "local side ready" (ack). The two uses
	// share one code for wire compatibility and are disambiguated by
	// role.
	FrameOpen FrameType = 0

	// FrameClose tears down one link
	FrameClose FrameType = 1

	// FrameData carries a chunk of link payload bytes
	FrameData FrameType = 2

	// FrameBind asks the server to open a public listener
	FrameBind FrameType = 10

	// FrameBindAck answers a FrameBind with a JSON result
	FrameBindAck FrameType = 11
)

var frameTypeNames = map[FrameType]string{
	FrameOpen:    "OPEN",
	FrameClose:   "CLOSE",
	FrameData:    "DATA",
	FrameBind:    "BIND",
	FrameBindAck: "BIND_ACK",
}

func (t FrameType) String() string {
	if name, ok := frameTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint32(t))
}

// Known returns true if t is a recognized frame type
func (t FrameType) Known() bool {
	_, ok := frameTypeNames[t]
	return ok
}

// FrameHeaderSize is the fixed frame header length: two big-endian
// 32-bit words (type, link id). There is no length field; the transport
// preserves message boundaries.
const FrameHeaderSize = 8

// ErrMalformedFrame is returned by DecodeFrame for messages shorter
// than the fixed header
var ErrMalformedFrame = errors.New("malformed frame: short header")

// Frame is one whole message on the control channel
type Frame struct {
	Type    FrameType
	LinkID  uint32
	Payload []byte
}

func (f *Frame) String() string {
	return fmt.Sprintf("%s(link=%d, %d bytes)", f.Type, f.LinkID, len(f.Payload))
}

// EncodeFrame serializes a frame into a single transport message
func EncodeFrame(t FrameType, linkID uint32, payload []byte) []byte {
	b := make([]byte, FrameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(b[0:4], uint32(t))
	binary.BigEndian.PutUint32(b[4:8], linkID)
	copy(b[FrameHeaderSize:], payload)
	return b
}

// DecodeFrame parses a whole transport message into a frame. The
// returned payload aliases b.
func DecodeFrame(b []byte) (*Frame, error) {
	if len(b) < FrameHeaderSize {
		return nil, ErrMalformedFrame
	}
	return &Frame{
		Type:    FrameType(binary.BigEndian.Uint32(b[0:4])),
		LinkID:  binary.BigEndian.Uint32(b[4:8]),
		Payload: b[FrameHeaderSize:],
	}, nil
}

// EncodeBindPayload builds a FrameBind payload: 2 bytes big-endian port
// followed by the UTF-8 host (no length prefix; the host is the rest of
// the payload).
func EncodeBindPayload(host string, port uint16) []byte {
	b := make([]byte, 2+len(host))
	binary.BigEndian.PutUint16(b[0:2], port)
	copy(b[2:], host)
	return b
}

// DecodeBindPayload parses a FrameBind payload
func DecodeBindPayload(b []byte) (host string, port uint16, err error) {
	if len(b) < 2 {
		return "", 0, ErrMalformedFrame
	}
	return string(b[2:]), binary.BigEndian.Uint16(b[0:2]), nil
}
