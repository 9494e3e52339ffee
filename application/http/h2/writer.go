package h2

import (
	"bytes"

	"github.com/pkg/errors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// Writer encodes client frames into an internal buffer.
// The HPACK encoding context lives as long as the connection.
type Writer struct {
	buf    bytes.Buffer
	framer *http2.Framer

	hbuf bytes.Buffer
	henc *hpack.Encoder

	maxFrameSize uint32 // Peer's SETTINGS_MAX_FRAME_SIZE.
}

func NewWriter() *Writer {
	w := &Writer{maxFrameSize: DefaultMaxFrameSize}
	w.framer = http2.NewFramer(&w.buf, nil)
	w.henc = hpack.NewEncoder(&w.hbuf)
	return w
}

func (w *Writer) SetMaxFrameSize(n uint32) { w.maxFrameSize = n }

// SetHeaderTableSize applies the peer's SETTINGS_HEADER_TABLE_SIZE.
func (w *Writer) SetHeaderTableSize(n uint32) { w.henc.SetMaxDynamicTableSizeLimit(n) }

// Take returns everything written so far and empties the buffer.
// The slice is only valid until the next write.
func (w *Writer) Take() []byte {
	b := w.buf.Bytes()
	w.buf.Reset()
	return b
}

func (w *Writer) Len() int { return w.buf.Len() }

// Preface writes the connection preface and the initial SETTINGS.
// Reference: https://datatracker.ietf.org/doc/html/rfc9113#section-3.4
func (w *Writer) Preface(settings ...http2.Setting) error {
	w.buf.WriteString(http2.ClientPreface)
	return errors.Wrap(w.framer.WriteSettings(settings...), "writing settings")
}

func (w *Writer) SettingsAck() error {
	return errors.Wrap(w.framer.WriteSettingsAck(), "writing settings ack")
}

func (w *Writer) Ping(ack bool, data [8]byte) error {
	return errors.Wrap(w.framer.WritePing(ack, data), "writing ping")
}

// Headers encodes fields into one HEADERS frame, followed by CONTINUATION
// frames when the block is larger than the peer's max frame size.
func (w *Writer) Headers(streamID uint32, fields []hpack.HeaderField, endStream bool) error {
	w.hbuf.Reset()
	for _, f := range fields {
		if err := w.henc.WriteField(f); err != nil {
			return errors.Wrap(err, "encoding header field")
		}
	}

	block := w.hbuf.Bytes()
	frag, block := w.cut(block)
	err := w.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: frag,
		EndStream:     endStream,
		EndHeaders:    len(block) == 0,
	})
	if err != nil {
		return errors.Wrap(err, "writing headers")
	}

	for len(block) > 0 {
		frag, block = w.cut(block)
		if err := w.framer.WriteContinuation(streamID, len(block) == 0, frag); err != nil {
			return errors.Wrap(err, "writing continuation")
		}
	}
	return nil
}

// Data writes data split into frames of at most the peer's max frame size.
func (w *Writer) Data(streamID uint32, data []byte, endStream bool) error {
	for {
		frag, rest := w.cut(data)
		if err := w.framer.WriteData(streamID, endStream && len(rest) == 0, frag); err != nil {
			return errors.Wrap(err, "writing data")
		}
		if len(rest) == 0 {
			return nil
		}
		data = rest
	}
}

func (w *Writer) WindowUpdate(streamID, increment uint32) error {
	return errors.Wrap(w.framer.WriteWindowUpdate(streamID, increment), "writing window update")
}

func (w *Writer) RSTStream(streamID uint32, code http2.ErrCode) error {
	return errors.Wrap(w.framer.WriteRSTStream(streamID, code), "writing rst_stream")
}

func (w *Writer) GoAway(lastStreamID uint32, code http2.ErrCode) error {
	return errors.Wrap(w.framer.WriteGoAway(lastStreamID, code, nil), "writing goaway")
}

func (w *Writer) cut(b []byte) (head, rest []byte) {
	if uint32(len(b)) <= w.maxFrameSize {
		return b, nil
	}
	return b[:w.maxFrameSize], b[w.maxFrameSize:]
}
