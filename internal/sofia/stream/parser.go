// Package stream demultiplexes the "Captured Stream" media container that
// NetSurveillance devices push for live monitoring and remote playback.
//
// The container is a flat sequence of chunks. Each chunk opens with the
// 4-byte magic 00 00 01 <kind>, a kind-specific fixed header carrying the
// payload length, then the payload body (elementary video stream, audio
// samples, or metadata text). The parser strips all container headers and
// delivers payload bodies only, working incrementally across arbitrary
// buffer splits.
package stream

import (
	"fmt"

	protoerr "github.com/alxayo/go-sofia/internal/errors"
	"github.com/alxayo/go-sofia/internal/logger"
)

// Chunk kind bytes observed in device traffic. 0xFE marks I-frames from
// newer firmwares (H.265 capable); it shares the 0xFC header layout.
const (
	kindIFrame    = 0xFC
	kindIFrameAlt = 0xFE
	kindPFrame    = 0xFD
	kindAudio     = 0xFA
	kindMetadata  = 0xF9
)

// Header lengths after the 4-byte magic.
const (
	iFrameHeaderLen   = 12 // codec, fps, width, height, timestamp u32, length u32
	pFrameHeaderLen   = 4  // length u32
	audioHeaderLen    = 4  // codec, sample rate, length u16
	metadataHeaderLen = 4  // length u32
)

type parserState uint8

const (
	stateAwaitMagic parserState = iota
	stateAwaitHeader
	stateAwaitPayload
	statePoisoned
)

// Callbacks receive payload bodies, container headers stripped. A nil
// callback drops that kind silently. The slice is reused after the callback
// returns; copy it to retain the bytes.
type Callbacks struct {
	OnIFrame   func([]byte)
	OnPFrame   func([]byte)
	OnAudio    func([]byte)
	OnMetadata func([]byte)
}

// Config tunes parser strictness.
type Config struct {
	// SkipUnknownChunks switches the parser from strict failure on an
	// unrecognized magic to log-and-resync (shift one byte, rescan). Lenient
	// mode is for salvaging partial captures, never for live use.
	SkipUnknownChunks bool
}

// Parser is the stateful demultiplexer. Not safe for concurrent use; feed it
// from the goroutine that owns the subscription callback.
type Parser struct {
	cb  Callbacks
	cfg Config

	state   parserState
	window  [4]byte // magic accumulator
	windowN int

	kind      byte
	header    [iFrameHeaderLen]byte // sized for the largest header
	headerN   int
	headerLen int

	payload   []byte
	remaining int

	// Last I-frame attributes, retained for callers that want stream shape.
	iCodec     byte
	iFPS       byte
	iWidth     byte
	iHeight    byte
	iTimestamp uint32
}

// New creates a parser delivering payloads through cb.
func New(cb Callbacks, cfg Config) *Parser {
	return &Parser{cb: cb, cfg: cfg, state: stateAwaitMagic}
}

// Parse consumes the next span of container bytes. On malformed input the
// parser becomes poisoned and every further call fails until Reset.
func (p *Parser) Parse(data []byte) error {
	if p.state == statePoisoned {
		return protoerr.NewStreamError("stream.poisoned", fmt.Errorf("parser previously failed"))
	}
	for len(data) > 0 {
		switch p.state {
		case stateAwaitMagic:
			data = p.feedMagic(data)
			if p.windowN == 4 {
				if err := p.matchMagic(); err != nil {
					return err
				}
			}
		case stateAwaitHeader:
			data = p.feedHeader(data)
			if p.headerN == p.headerLen {
				if err := p.beginPayload(); err != nil {
					return err
				}
			}
		case stateAwaitPayload:
			n := p.remaining
			if n > len(data) {
				n = len(data)
			}
			p.payload = append(p.payload, data[:n]...)
			p.remaining -= n
			data = data[n:]
			if p.remaining == 0 {
				p.emit()
			}
		}
	}
	return nil
}

// HasLeftoverData reports whether bytes are buffered without forming a
// complete chunk. At end-of-stream this must be false for a clean shutdown.
func (p *Parser) HasLeftoverData() bool {
	switch p.state {
	case stateAwaitMagic:
		return p.windowN > 0
	case stateAwaitHeader, stateAwaitPayload:
		return true
	default:
		return false
	}
}

// Reset clears all accumulated state, including poisoning.
func (p *Parser) Reset() {
	p.state = stateAwaitMagic
	p.windowN = 0
	p.headerN = 0
	p.payload = nil
	p.remaining = 0
}

// LastFrameInfo returns the attributes of the most recent I-frame header
// (codec id, fps, width and height factors, device timestamp).
func (p *Parser) LastFrameInfo() (codec, fps, width, height byte, timestamp uint32) {
	return p.iCodec, p.iFPS, p.iWidth, p.iHeight, p.iTimestamp
}

func (p *Parser) feedMagic(data []byte) []byte {
	n := 4 - p.windowN
	if n > len(data) {
		n = len(data)
	}
	copy(p.window[p.windowN:], data[:n])
	p.windowN += n
	return data[n:]
}

func (p *Parser) matchMagic() error {
	if p.window[0] != 0x00 || p.window[1] != 0x00 || p.window[2] != 0x01 {
		return p.unknownChunk()
	}
	kind := p.window[3]
	switch kind {
	case kindIFrame, kindIFrameAlt:
		p.headerLen = iFrameHeaderLen
	case kindPFrame:
		p.headerLen = pFrameHeaderLen
	case kindAudio:
		p.headerLen = audioHeaderLen
	case kindMetadata:
		p.headerLen = metadataHeaderLen
	default:
		return p.unknownChunk()
	}
	p.kind = kind
	p.windowN = 0
	p.headerN = 0
	p.state = stateAwaitHeader
	return nil
}

// unknownChunk either poisons the parser (strict default) or slides the
// magic window one byte to resync (lenient mode).
func (p *Parser) unknownChunk() error {
	if p.cfg.SkipUnknownChunks {
		logger.Debug("skipping unknown stream chunk", "window", fmt.Sprintf("% X", p.window[:p.windowN]))
		copy(p.window[:], p.window[1:])
		p.windowN = 3
		return nil
	}
	p.state = statePoisoned
	return protoerr.NewStreamError("stream.unknown_chunk",
		fmt.Errorf("unrecognized chunk magic % X", p.window[:]))
}

func (p *Parser) feedHeader(data []byte) []byte {
	n := p.headerLen - p.headerN
	if n > len(data) {
		n = len(data)
	}
	copy(p.header[p.headerN:], data[:n])
	p.headerN += n
	return data[n:]
}

func (p *Parser) beginPayload() error {
	var length int
	switch p.kind {
	case kindIFrame, kindIFrameAlt:
		p.iCodec = p.header[0]
		p.iFPS = p.header[1]
		p.iWidth = p.header[2]
		p.iHeight = p.header[3]
		p.iTimestamp = leUint32(p.header[4:8])
		length = int(leUint32(p.header[8:12]))
	case kindPFrame:
		length = int(leUint32(p.header[0:4]))
	case kindAudio:
		length = int(uint16(p.header[2]) | uint16(p.header[3])<<8)
	case kindMetadata:
		length = int(leUint32(p.header[0:4]))
	}
	if length < 0 || length > maxChunkPayload {
		p.state = statePoisoned
		return protoerr.NewStreamError("stream.bad_length",
			fmt.Errorf("chunk kind 0x%02X declares impossible length %d", p.kind, length))
	}
	p.remaining = length
	p.payload = p.payload[:0]
	if length == 0 {
		p.emit()
	} else {
		p.state = stateAwaitPayload
	}
	return nil
}

// maxChunkPayload bounds a single chunk body; real device I-frames stay in
// the low megabytes even at 4K.
const maxChunkPayload = 16 << 20

func (p *Parser) emit() {
	body := p.payload
	switch p.kind {
	case kindIFrame, kindIFrameAlt:
		if p.cb.OnIFrame != nil {
			p.cb.OnIFrame(body)
		}
	case kindPFrame:
		if p.cb.OnPFrame != nil {
			p.cb.OnPFrame(body)
		}
	case kindAudio:
		if p.cb.OnAudio != nil {
			p.cb.OnAudio(body)
		}
	case kindMetadata:
		if p.cb.OnMetadata != nil {
			p.cb.OnMetadata(body)
		}
	}
	p.payload = p.payload[:0]
	p.headerN = 0
	p.state = stateAwaitMagic
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
