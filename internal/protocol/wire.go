package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// FrameHeaderSize is the number of header bytes counted by the length
// prefix: request id, message id and type, each a little-endian uint32.
const FrameHeaderSize = 12

// MaxFrameSize caps the value of the length prefix. Frames whose length
// field exceeds it are rejected before any payload bytes are read.
const MaxFrameSize = 64 << 20

// Message types define the purpose of each frame.
const (
	TypeRunScript   uint32 = 0x0000 // host → worker: evaluate a script
	TypePing        uint32 = 0x0001 // host → worker: health probe
	TypeRunResponse uint32 = 0x1000 // worker → host: script result
	TypeLog         uint32 = 0x1001 // worker → host: script log output
	TypeError       uint32 = 0x1002 // worker → host: script failure
	TypePong        uint32 = 0x1003 // worker → host: health probe reply
)

// ErrFrameTooLarge reports a frame whose length prefix exceeds MaxFrameSize.
// It is fatal to the connection it was read from.
var ErrFrameTooLarge = errors.New("frame exceeds size cap")

// Frame represents a single wire frame.
type Frame struct {
	ReqID   uint32
	MsgID   uint32
	Type    uint32
	Payload []byte
}

// writeBufPool pools scratch buffers for WriteFrame to avoid per-call
// allocation. Control frames (ping/pong) fit without growing.
var writeBufPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 0, 256)
		return &b
	},
}

// WriteFrame encodes and writes a frame to the given writer. The length
// prefix, header and payload are coalesced into a single Write call.
func WriteFrame(w io.Writer, f *Frame) error {
	length := FrameHeaderSize + len(f.Payload)
	if length > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	bp := writeBufPool.Get().(*[]byte)
	buf := (*bp)[:0]
	if cap(buf) < 4+length {
		buf = make([]byte, 0, 4+length)
	}
	buf = buf[:4+FrameHeaderSize]

	binary.LittleEndian.PutUint32(buf[0:4], uint32(length))
	binary.LittleEndian.PutUint32(buf[4:8], f.ReqID)
	binary.LittleEndian.PutUint32(buf[8:12], f.MsgID)
	binary.LittleEndian.PutUint32(buf[12:16], f.Type)
	buf = append(buf, f.Payload...)

	_, err := w.Write(buf)

	*bp = buf
	writeBufPool.Put(bp)

	if err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// readHdrPool pools the length+header buffer for ReadFrame.
var readHdrPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 4+FrameHeaderSize)
		return &b
	},
}

// ReadFrame reads and decodes exactly one frame from the given reader. It
// never consumes bytes past the frame's end.
func ReadFrame(r io.Reader) (*Frame, error) {
	bp := readHdrPool.Get().(*[]byte)
	hdr := *bp
	defer readHdrPool.Put(bp)

	if _, err := io.ReadFull(r, hdr[:4]); err != nil {
		return nil, fmt.Errorf("reading frame length: %w", err)
	}

	length := binary.LittleEndian.Uint32(hdr[:4])
	if length < FrameHeaderSize {
		return nil, fmt.Errorf("malformed frame: length %d below header size", length)
	}
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	if _, err := io.ReadFull(r, hdr[4:]); err != nil {
		return nil, fmt.Errorf("reading frame header: %w", err)
	}

	f := &Frame{
		ReqID: binary.LittleEndian.Uint32(hdr[4:8]),
		MsgID: binary.LittleEndian.Uint32(hdr[8:12]),
		Type:  binary.LittleEndian.Uint32(hdr[12:16]),
	}

	payloadSize := int(length) - FrameHeaderSize
	if payloadSize > 0 {
		f.Payload = make([]byte, payloadSize)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return nil, fmt.Errorf("reading frame payload (%d bytes): %w", payloadSize, err)
		}
	}

	return f, nil
}

// IsTerminal reports whether a frame type completes a pending request.
// LOG frames accumulate; everything else from the worker resolves.
func IsTerminal(typ uint32) bool {
	switch typ {
	case TypeRunResponse, TypeError, TypePong:
		return true
	}
	return false
}

// NewPingFrame creates a PING health probe frame for the given request id.
func NewPingFrame(reqID, msgID uint32) *Frame {
	return &Frame{ReqID: reqID, MsgID: msgID, Type: TypePing}
}

// NewPongFrame creates the PONG reply to a ping.
func NewPongFrame(reqID, msgID uint32) *Frame {
	return &Frame{ReqID: reqID, MsgID: msgID, Type: TypePong}
}
