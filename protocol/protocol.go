// Package protocol implements the length-prefixed frame format used by the
// stream transport.
//
// ZeroMQ already delivers whole messages, so frames are only needed when the
// control endpoint is reached over a plain TCP stream (the reference server and
// tests). A fixed 9-byte header carries the body length so the receiver reads
// exactly one envelope per frame.
//
// Frame format:
//
//	0      3  4  5         9
//	┌──────┬──┬──┬─────────┬───────────────┐
//	│magic │v │mt│ bodyLen │    body ...    │
//	│ brd  │01│  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	MagicNumber byte = 0x62 // 'b'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x64 // 'd'
	Version     byte = 0x01
	HeaderSize  int  = 9 // 3 (magic) + 1 (version) + 1 (msgType) + 4 (bodyLen)

	// MaxBodyLen bounds a single frame. Configuration uploads are fragmented well
	// below this.
	MaxBodyLen uint32 = 64 << 20
)

var ErrBodyTooLarge = errors.New("protocol: body too large")

// MsgType distinguishes request and reply frames.
type MsgType byte

const (
	MsgTypeRequest MsgType = 0
	MsgTypeReply   MsgType = 1
)

// Header is the fixed frame header.
type Header struct {
	MsgType MsgType
	BodyLen uint32
}

// Encode writes one frame to w. Header and body go out in a single Write so a
// frame is never interleaved with another writer's bytes at the syscall level.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint32(len(body)) > MaxBodyLen {
		return fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, len(body))
	}
	buf := make([]byte, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	_, err := w.Write(buf)
	return err
}

// Decode reads one frame from r, validating magic, version and message type.
// Bodies larger than maxBody (or MaxBodyLen when maxBody is zero) are rejected
// before any allocation.
func Decode(r io.Reader, maxBody uint32) (*Header, []byte, error) {
	if maxBody == 0 {
		maxBody = MaxBodyLen
	}
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	msgType := MsgType(headerBuf[4])
	if msgType != MsgTypeRequest && msgType != MsgTypeReply {
		return nil, nil, fmt.Errorf("unsupported message type: %d", msgType)
	}

	bodyLen := binary.BigEndian.Uint32(headerBuf[5:9])
	if bodyLen > maxBody {
		return nil, nil, fmt.Errorf("%w: %d > %d", ErrBodyTooLarge, bodyLen, maxBody)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{MsgType: msgType, BodyLen: bodyLen}, body, nil
}
