package frame

// Streaming frame decoder.
// Consumes the inbound byte stream and yields whole frames. The decoder
// alternates between two states: needHeader (20 bytes buffered, validated,
// payloadLen extracted) and needBody (payloadLen bytes buffered, frame
// emitted). Reads are exact-length, so bytes past the current frame boundary
// are never consumed — arbitrary stream splits reassemble identically.
//
// Error model:
//  - bad head byte     → ProtocolError "frame.bad_magic"
//  - bad version byte  → ProtocolError "frame.bad_version"
//  - oversize payload  → ProtocolError "frame.bad_length"
//  - io.EOF before a header starts is passed through untouched so the read
//    loop can distinguish orderly device close from a truncated frame.

import (
	"encoding/binary"
	"fmt"
	"io"

	protoerr "github.com/alxayo/go-sofia/internal/errors"
)

// Decoder converts a byte stream into complete frames.
// Not safe for concurrent use; expected usage is a single read loop goroutine.
type Decoder struct {
	r      io.Reader
	header [HeaderSize]byte
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder { return &Decoder{r: r} }

// ReadFrame blocks until the next complete frame is available or an error
// occurs. A clean EOF at a frame boundary is returned as io.EOF; EOF inside
// the header surfaces as a transport error, and EOF inside the payload as a
// protocol error.
func (d *Decoder) ReadFrame() (*Frame, error) {
	if _, err := io.ReadFull(d.r, d.header[:1]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, protoerr.NewTransportError("frame.read_header", err)
	}
	if d.header[0] != headMagic {
		return nil, protoerr.NewProtocolError("frame.bad_magic",
			fmt.Errorf("head byte 0x%02X, want 0x%02X", d.header[0], headMagic))
	}
	if _, err := io.ReadFull(d.r, d.header[1:]); err != nil {
		return nil, protoerr.NewTransportError("frame.read_header", err)
	}
	if d.header[1] != wireVersion {
		return nil, protoerr.NewProtocolError("frame.bad_version",
			fmt.Errorf("version byte 0x%02X, want 0x%02X", d.header[1], wireVersion))
	}

	payloadLen := binary.LittleEndian.Uint32(d.header[16:20])
	if payloadLen > MaxPayloadLen {
		return nil, protoerr.NewProtocolError("frame.bad_length",
			fmt.Errorf("declared payload %d exceeds limit %d", payloadLen, MaxPayloadLen))
	}

	f := &Frame{
		SessionID: binary.LittleEndian.Uint32(d.header[4:8]),
		Sequence:  binary.LittleEndian.Uint32(d.header[8:12]),
		Channel:   d.header[12],
		EndFlag:   d.header[13],
		MsgType:   binary.LittleEndian.Uint16(d.header[14:16]),
	}
	if payloadLen > 0 {
		f.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(d.r, f.Payload); err != nil {
			// Truncation inside a declared payload is a framing violation, not
			// an orderly close.
			return nil, protoerr.NewProtocolError("frame.read_body",
				fmt.Errorf("short payload (want %d): %w", payloadLen, err))
		}
	}
	return f, nil
}
