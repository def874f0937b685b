package frame

// Wire frame for the NetSurveillance ("Sofia") protocol.
// Every control or media message travels in one frame: a fixed 20-byte
// header followed by payloadLen payload bytes. All multi-byte header fields
// are little-endian.
//
// Layout:
//
//	offset 0   head      0xFF
//	offset 1   version   0x01
//	offset 2   reserved  0x00 0x00
//	offset 4   sessionId u32  (0 until login completes)
//	offset 8   sequence  u32  (client-monotonic per connection)
//	offset 12  channel   u8
//	offset 13  endFlag   u8
//	offset 14  msgType   u16
//	offset 16  payloadLen u32

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/alxayo/go-sofia/internal/bufpool"
	protoerr "github.com/alxayo/go-sofia/internal/errors"
)

const (
	// HeaderSize is the fixed wire header length.
	HeaderSize = 20

	headMagic   = 0xFF
	wireVersion = 0x01

	// MaxPayloadLen bounds declared payload lengths; anything larger is a
	// protocol violation (snapshot JPEGs and media chunks stay well under).
	MaxPayloadLen = 64 << 20
)

// Frame is the unit of the wire protocol.
type Frame struct {
	SessionID uint32
	Sequence  uint32
	Channel   uint8
	EndFlag   uint8
	MsgType   uint16
	Payload   []byte
}

// Encode serializes the frame into a fresh byte slice (header + payload).
func Encode(f *Frame) []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	encodeInto(buf, f)
	return buf
}

// encodeInto writes the wire form into buf, which must hold exactly
// HeaderSize+len(payload) bytes.
func encodeInto(buf []byte, f *Frame) {
	buf[0] = headMagic
	buf[1] = wireVersion
	// bytes 2,3 reserved, already zero
	binary.LittleEndian.PutUint32(buf[4:8], f.SessionID)
	binary.LittleEndian.PutUint32(buf[8:12], f.Sequence)
	buf[12] = f.Channel
	buf[13] = f.EndFlag
	binary.LittleEndian.PutUint16(buf[14:16], f.MsgType)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)
}

// Writer serializes frames onto an io.Writer. Not safe for concurrent use;
// expected usage is a single write loop goroutine owning the connection.
type Writer struct {
	w io.Writer
}

// NewWriter creates a frame writer on top of w.
func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

// WriteFrame writes one complete frame. Partial writes are retried by the
// underlying io.Writer contract; any error is wrapped as a transport error.
func (fw *Writer) WriteFrame(f *Frame) error {
	if f == nil {
		return protoerr.NewProtocolError("frame.write", fmt.Errorf("nil frame"))
	}
	if len(f.Payload) > MaxPayloadLen {
		return protoerr.NewProtocolError("frame.write", fmt.Errorf("payload %d exceeds limit", len(f.Payload)))
	}
	buf := bufpool.Get(HeaderSize + len(f.Payload))
	encodeInto(buf, f)
	_, err := fw.w.Write(buf)
	bufpool.Put(buf)
	if err != nil {
		return protoerr.NewTransportError("frame.write", err)
	}
	return nil
}
