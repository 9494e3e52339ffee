package h2

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// Listener receives decoded frames of one connection.
type Listener interface {
	// OnRawFrame is called before the typed event of every frame.
	OnRawFrame(h FrameHeader, frame []byte)

	OnSettings(settings []http2.Setting)
	OnSettingsAck()
	// OnHeaders delivers a complete header block, CONTINUATION frames merged.
	OnHeaders(streamID uint32, fields []hpack.HeaderField, endStream bool)
	// OnData delivers DATA without padding; flowLen is what counts against flow control.
	OnData(streamID uint32, data []byte, endStream bool, flowLen uint32)
	OnRSTStream(streamID uint32, code http2.ErrCode)
	OnGoAway(lastStreamID uint32, code http2.ErrCode)
	OnPing(data [8]byte, ack bool)
	OnWindowUpdate(streamID uint32, increment uint32)
}

type DecodeOptions struct {
	// MaxFrameSize is the SETTINGS_MAX_FRAME_SIZE advertised to the peer.
	MaxFrameSize uint32
	// MaxHeaderTableSize is the SETTINGS_HEADER_TABLE_SIZE advertised to the peer.
	MaxHeaderTableSize uint32
	// MaxHeaderBlockSize bounds an encoded header block across its
	// CONTINUATION frames.
	MaxHeaderBlockSize int
}

var DefaultDecodeOptions = DecodeOptions{
	MaxFrameSize:       DefaultMaxFrameSize,
	MaxHeaderTableSize: 4096,
	MaxHeaderBlockSize: 1 << 20,
}

// Decoder validates frames and turns them into [Listener] events.
// The HPACK decoding context lives as long as the connection.
type Decoder struct {
	deframer *Deframer
	hpack    *hpack.Decoder
	listener Listener

	maxBlock       int
	block          []byte
	blockStream    uint32
	blockEndStream bool

	err error
}

func NewDecoder(listener Listener, opts DecodeOptions) *Decoder {
	if opts.MaxFrameSize == 0 {
		opts.MaxFrameSize = DefaultDecodeOptions.MaxFrameSize
	}
	if opts.MaxHeaderTableSize == 0 {
		opts.MaxHeaderTableSize = DefaultDecodeOptions.MaxHeaderTableSize
	}
	if opts.MaxHeaderBlockSize == 0 {
		opts.MaxHeaderBlockSize = DefaultDecodeOptions.MaxHeaderBlockSize
	}

	return &Decoder{
		deframer: NewDeframer(opts.MaxFrameSize),
		hpack:    hpack.NewDecoder(opts.MaxHeaderTableSize, nil),
		listener: listener,
		maxBlock: opts.MaxHeaderBlockSize,
	}
}

// Decode consumes data. Errors are sticky.
func (d *Decoder) Decode(data []byte) error {
	if d.err != nil {
		return d.err
	}
	if err := d.deframer.Feed(data, d.onFrame); err != nil {
		d.err = err
	}
	return d.err
}

func (d *Decoder) onFrame(h FrameHeader, frame []byte) error {
	payload := frame[FrameHeaderLen:]

	if d.blockStream != 0 && (h.Type != http2.FrameContinuation || h.StreamID != d.blockStream) {
		// Reference: https://datatracker.ietf.org/doc/html/rfc9113#section-6.10-8
		return connError(http2.ErrCodeProtocol, "expected CONTINUATION for stream %d, got %s", d.blockStream, h)
	}

	d.listener.OnRawFrame(h, frame)

	switch h.Type {
	case http2.FrameData:
		if h.StreamID == 0 {
			return connError(http2.ErrCodeProtocol, "DATA on stream 0")
		}
		data, err := unpad(h, payload)
		if err != nil {
			return err
		}
		d.listener.OnData(h.StreamID, data, h.Has(http2.FlagDataEndStream), h.Length)

	case http2.FrameHeaders:
		if h.StreamID == 0 {
			return connError(http2.ErrCodeProtocol, "HEADERS on stream 0")
		}
		fragment, err := unpad(h, payload)
		if err != nil {
			return err
		}
		if h.Has(http2.FlagHeadersPriority) {
			if len(fragment) < 5 {
				return connError(http2.ErrCodeFrameSize, "HEADERS priority truncated")
			}
			fragment = fragment[5:]
		}
		if len(fragment) > d.maxBlock {
			return d.blockTooLarge(h.StreamID)
		}
		d.block = append(d.block[:0], fragment...)
		d.blockEndStream = h.Has(http2.FlagHeadersEndStream)
		if h.Has(http2.FlagHeadersEndHeaders) {
			return d.endBlock(h.StreamID)
		}
		d.blockStream = h.StreamID

	case http2.FrameContinuation:
		if d.blockStream == 0 {
			return connError(http2.ErrCodeProtocol, "unexpected CONTINUATION on stream %d", h.StreamID)
		}
		if len(d.block)+len(payload) > d.maxBlock {
			return d.blockTooLarge(h.StreamID)
		}
		d.block = append(d.block, payload...)
		if h.Has(http2.FlagContinuationEndHeaders) {
			d.blockStream = 0
			return d.endBlock(h.StreamID)
		}

	case http2.FrameSettings:
		return d.onSettings(h, payload)

	case http2.FrameRSTStream:
		if h.Length != 4 || h.StreamID == 0 {
			return connError(http2.ErrCodeFrameSize, "malformed RST_STREAM")
		}
		d.listener.OnRSTStream(h.StreamID, http2.ErrCode(binary.BigEndian.Uint32(payload)))

	case http2.FrameGoAway:
		if h.Length < 8 || h.StreamID != 0 {
			return connError(http2.ErrCodeFrameSize, "malformed GOAWAY")
		}
		last := binary.BigEndian.Uint32(payload) & streamIDMask
		d.listener.OnGoAway(last, http2.ErrCode(binary.BigEndian.Uint32(payload[4:])))

	case http2.FramePing:
		if h.Length != 8 || h.StreamID != 0 {
			return connError(http2.ErrCodeFrameSize, "malformed PING")
		}
		var data [8]byte
		copy(data[:], payload)
		d.listener.OnPing(data, h.Has(http2.FlagPingAck))

	case http2.FrameWindowUpdate:
		if h.Length != 4 {
			return connError(http2.ErrCodeFrameSize, "malformed WINDOW_UPDATE")
		}
		incr := binary.BigEndian.Uint32(payload) & streamIDMask
		if incr == 0 && h.StreamID == 0 {
			return connError(http2.ErrCodeProtocol, "zero WINDOW_UPDATE increment")
		}
		d.listener.OnWindowUpdate(h.StreamID, incr)

	case http2.FramePushPromise:
		// Push is disabled in our SETTINGS.
		return connError(http2.ErrCodeProtocol, "PUSH_PROMISE received")

	default:
		// PRIORITY and unknown types are ignored.
		// Reference: https://datatracker.ietf.org/doc/html/rfc9113#section-5.5-2
	}

	return nil
}

func (d *Decoder) blockTooLarge(streamID uint32) error {
	return connError(http2.ErrCodeEnhanceYourCalm, "header block of stream %d exceeds %d bytes", streamID, d.maxBlock)
}

func (d *Decoder) endBlock(streamID uint32) error {
	fields, err := d.hpack.DecodeFull(d.block)
	if err != nil {
		return connError(http2.ErrCodeCompression, "%s", errors.Wrap(err, "decoding header block"))
	}
	d.listener.OnHeaders(streamID, fields, d.blockEndStream)
	return nil
}

func (d *Decoder) onSettings(h FrameHeader, payload []byte) error {
	if h.StreamID != 0 {
		return connError(http2.ErrCodeProtocol, "SETTINGS on stream %d", h.StreamID)
	}

	if h.Has(http2.FlagSettingsAck) {
		if h.Length != 0 {
			return connError(http2.ErrCodeFrameSize, "SETTINGS ack with payload")
		}
		d.listener.OnSettingsAck()
		return nil
	}

	if h.Length%6 != 0 {
		return connError(http2.ErrCodeFrameSize, "SETTINGS length %d", h.Length)
	}

	settings := make([]http2.Setting, 0, len(payload)/6)
	for p := payload; len(p) > 0; p = p[6:] {
		s := http2.Setting{
			ID:  http2.SettingID(binary.BigEndian.Uint16(p)),
			Val: binary.BigEndian.Uint32(p[2:]),
		}
		if err := s.Valid(); err != nil {
			return connError(http2.ErrCodeProtocol, "invalid setting %s", s)
		}
		settings = append(settings, s)
	}

	d.listener.OnSettings(settings)
	return nil
}

// unpad strips the PADDED flag layout of DATA and HEADERS.
// Reference: https://datatracker.ietf.org/doc/html/rfc9113#section-6.1
func unpad(h FrameHeader, payload []byte) ([]byte, error) {
	if !h.Has(http2.FlagDataPadded) {
		return payload, nil
	}
	if len(payload) == 0 || int(payload[0]) >= len(payload) {
		return nil, connError(http2.ErrCodeProtocol, "%s padding exceeds payload", h)
	}
	return payload[1 : len(payload)-int(payload[0])], nil
}
