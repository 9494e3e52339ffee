// Package h1 implements HTTP/1.1 message framing for the client side:
// an incremental response decoder and a request encoder.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9112
package h1

import (
	"bytes"
	"io"

	"hyperload/application/http"
	"hyperload/application/http/transfer"
	"hyperload/application/util/rule"
	"hyperload/lib/buffer"

	"github.com/pkg/errors"
)

type DecodeOptions struct {
	// AllowSoleLF specifies wheter a single LF character should be recognized as a valid line terminator.
	//
	// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-2.2-3
	AllowSoleLF bool

	// MaxLineLength limits status, field and chunk-size lines, including
	// the part carried over from a previous read.
	MaxLineLength int
}

var DefaultDecodeOptions = DecodeOptions{
	AllowSoleLF:   false,
	MaxLineLength: 4096,
}

var (
	ErrLineTooLong          = errors.New("line length exceeds limit")
	ErrMissingCRBeforeLF    = errors.New("missing CR before LF")
	ErrMalformedStatusLine  = errors.New("status line is malformed")
	ErrMalformedHeader      = errors.New("field line is malformed")
	ErrInvalidContentLength = errors.New("content-length is invalid")
	ErrMalformedChunk       = errors.New("chunk is malformed")
)

// Sink receives the events of decoded responses.
// Slices passed to it are only valid during the call.
type Sink interface {
	// Pending reports the method of the request the current response answers.
	Pending() (method http.Method, ok bool)

	OnStatus(code int)
	OnHeader(name, value []byte)
	OnHeadersEnd()
	OnBodyPart(data []byte, isLast bool)
	// OnRaw passes the wire bytes of the current response through, in order.
	OnRaw(data []byte, isLast bool)
	OnMessageEnd()
}

type state uint8

const (
	stateStatus state = iota
	stateHeaders
	stateBody
	stateBodyUntilClose
	stateChunkSize
	stateChunkData
	stateChunkEnd
	stateTrailers
)

// Decoder is a push-style response decoder. Bytes are handed over as they
// arrive from the socket, in arbitrary fragments, and events are emitted as
// soon as they are complete. Body parts are slices of the input.
type Decoder struct {
	sink  Sink
	opts  DecodeOptions
	carry *buffer.Carry

	state         state
	status        int
	noBody        bool
	chunked       bool
	contentLength int64 // -1 when unknown.
	remaining     uint64
	crSeen        bool // CR after chunk data consumed.

	ended bool
	err   error
}

func NewDecoder(sink Sink, opts DecodeOptions) *Decoder {
	if opts.MaxLineLength <= 0 {
		opts.MaxLineLength = DefaultDecodeOptions.MaxLineLength
	}

	d := &Decoder{
		sink:  sink,
		opts:  opts,
		carry: buffer.NewCarry(opts.MaxLineLength),
	}
	d.resetMessage()
	return d
}

// Reset drops all state, including a previous error.
func (d *Decoder) Reset() {
	d.carry.Reset()
	d.resetMessage()
	d.ended = false
	d.err = nil
}

func (d *Decoder) resetMessage() {
	d.state = stateStatus
	d.status = 0
	d.noBody = false
	d.chunked = false
	d.contentLength = -1
	d.remaining = 0
	d.crSeen = false
}

// Err returns the error the decoder failed with.
func (d *Decoder) Err() error { return d.err }

// Decode consumes data. Once it fails, it keeps returning the same error.
func (d *Decoder) Decode(data []byte) error {
	if d.err != nil {
		return d.err
	}

	rawStart, pos := 0, 0
	for pos < len(data) {
		n, err := d.step(data[pos:])
		if err != nil {
			d.err = err
			return err
		}
		pos += n

		if d.ended {
			d.ended = false
			d.sink.OnRaw(data[rawStart:pos], true)
			d.sink.OnMessageEnd()
			rawStart = pos
		}
	}

	if rawStart < len(data) {
		d.sink.OnRaw(data[rawStart:], false)
	}

	return nil
}

// Close tells the decoder the peer closed the connection. It completes a
// response delimited by connection close, and fails if a response is cut short.
func (d *Decoder) Close() error {
	if d.err != nil {
		return d.err
	}

	switch {
	case d.state == stateBodyUntilClose:
		d.sink.OnBodyPart(nil, true)
		d.sink.OnRaw(nil, true)
		d.sink.OnMessageEnd()
		d.resetMessage()
		return nil
	case d.state == stateStatus && d.carry.Len() == 0:
		return nil
	}

	d.err = errors.Wrap(io.ErrUnexpectedEOF, "connection closed mid-response")
	return d.err
}

// step consumes a prefix of data and returns its length.
func (d *Decoder) step(data []byte) (int, error) {
	switch d.state {
	case stateStatus, stateHeaders, stateChunkSize, stateTrailers:
		line, n, ok, err := d.readLine(data)
		if err != nil || !ok {
			return n, err
		}
		err = d.processLine(line)
		d.carry.Reset()
		return n, err

	case stateBody:
		n := d.take(data)
		last := d.remaining == 0
		d.sink.OnBodyPart(data[:n], last)
		if last {
			d.endMessage()
		}
		return n, nil

	case stateBodyUntilClose:
		d.sink.OnBodyPart(data, false)
		return len(data), nil

	case stateChunkData:
		n := d.take(data)
		d.sink.OnBodyPart(data[:n], false)
		if d.remaining == 0 {
			d.state = stateChunkEnd
		}
		return n, nil

	case stateChunkEnd:
		// Data must be followed by CRLF. The two bytes may arrive in different reads.
		switch c := data[0]; {
		case c == rule.CR && !d.crSeen:
			d.crSeen = true
		case c == rule.LF && (d.crSeen || d.opts.AllowSoleLF):
			d.crSeen = false
			d.state = stateChunkSize
		default:
			return 0, errors.Wrapf(ErrMalformedChunk, "expected CRLF after chunk data, got %q", c)
		}
		return 1, nil
	}

	panic("unknown decoder state")
}

func (d *Decoder) take(data []byte) int {
	n := uint64(len(data))
	if n > d.remaining {
		n = d.remaining
	}
	d.remaining -= n
	return int(n)
}

// readLine returns a line without its terminator once it is complete.
// Incomplete lines are carried over to the next Decode.
func (d *Decoder) readLine(data []byte) (line []byte, n int, ok bool, err error) {
	idx := bytes.IndexByte(data, rule.LF)
	if idx < 0 {
		if err := d.carry.Append(data); err != nil {
			return nil, 0, false, ErrLineTooLong
		}
		return nil, len(data), false, nil
	}

	line, n = data[:idx], idx+1
	if d.carry.Len() > 0 {
		if err := d.carry.Append(line); err != nil {
			return nil, 0, false, ErrLineTooLong
		}
		line = d.carry.Bytes()
	} else if len(line) > d.opts.MaxLineLength {
		return nil, 0, false, ErrLineTooLong
	}

	if len(line) > 0 && line[len(line)-1] == rule.CR {
		line = line[:len(line)-1]
	} else if !d.opts.AllowSoleLF {
		return nil, 0, false, ErrMissingCRBeforeLF
	}

	return line, n, true, nil
}

func (d *Decoder) processLine(line []byte) error {
	switch d.state {
	case stateStatus:
		if len(line) == 0 {
			// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-2.2-6
			return nil
		}
		code, err := parseStatusLine(line)
		if err != nil {
			return err
		}
		d.status = code
		d.noBody = http.StatusHasNoBody(code)
		d.state = stateHeaders
		d.sink.OnStatus(code)

	case stateHeaders:
		if len(line) == 0 {
			d.headersEnd()
			return nil
		}
		return d.processHeader(line)

	case stateChunkSize:
		size, err := transfer.ParseChunkLine(line)
		if err != nil {
			return errors.Wrap(err, "parsing chunk size")
		}
		if size == 0 {
			d.sink.OnBodyPart(nil, true)
			d.state = stateTrailers
			return nil
		}
		d.remaining = size
		d.state = stateChunkData

	case stateTrailers:
		if len(line) == 0 {
			d.ended = true
			d.resetMessage()
		}
	}
	return nil
}

func (d *Decoder) processHeader(line []byte) error {
	name, value, found := bytes.Cut(line, []byte{':'})
	name = rule.TrimOWS(name)
	if !found || len(name) == 0 || rule.IsOWS(line[0]) {
		return errors.Wrapf(ErrMalformedHeader, "%q", line)
	}
	value = rule.TrimOWS(value)

	switch {
	case rule.EqualFold(name, "content-length"):
		n, ok := parseContentLength(value)
		if !ok || (d.contentLength >= 0 && d.contentLength != n) {
			return errors.Wrapf(ErrInvalidContentLength, "%q", value)
		}
		d.contentLength = n
	case rule.EqualFold(name, "transfer-encoding"):
		d.chunked = transfer.IsChunked(value)
	}

	d.sink.OnHeader(name, value)
	return nil
}

func (d *Decoder) headersEnd() {
	d.sink.OnHeadersEnd()

	if http.IsInformational(d.status) {
		// Interim response, the final one follows.
		d.resetMessage()
		return
	}

	if method, ok := d.sink.Pending(); ok && method.HasNoResponseBody() {
		d.noBody = true
	}

	switch {
	case d.noBody:
		d.sink.OnBodyPart(nil, true)
		d.endMessage()
	case d.chunked:
		// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-6.3-2.4.1
		d.state = stateChunkSize
	case d.contentLength == 0:
		d.sink.OnBodyPart(nil, true)
		d.endMessage()
	case d.contentLength > 0:
		d.remaining = uint64(d.contentLength)
		d.state = stateBody
	default:
		// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-6.3-2.8
		d.state = stateBodyUntilClose
	}
}

func (d *Decoder) endMessage() {
	d.ended = true
	d.resetMessage()
}

// parseStatusLine returns the status code of
//
//	status-line = HTTP-version SP status-code SP [ reason-phrase ]
func parseStatusLine(line []byte) (int, error) {
	version, rest, found := bytes.Cut(line, []byte{rule.SP})
	if !found || !bytes.HasPrefix(version, []byte("HTTP/")) {
		return 0, errors.Wrapf(ErrMalformedStatusLine, "%q", line)
	}

	if len(rest) < 3 || (len(rest) > 3 && rest[3] != rule.SP) {
		return 0, errors.Wrapf(ErrMalformedStatusLine, "%q", line)
	}

	code := 0
	for _, c := range rest[:3] {
		if !rule.IsDigit(c) {
			return 0, errors.Wrapf(ErrMalformedStatusLine, "%q", line)
		}
		code = code*10 + int(c-'0')
	}
	if code < 100 {
		return 0, errors.Wrapf(ErrMalformedStatusLine, "%q", line)
	}

	return code, nil
}

func parseContentLength(b []byte) (int64, bool) {
	if len(b) == 0 || len(b) > 18 {
		return 0, false
	}
	var n int64
	for _, c := range b {
		if !rule.IsDigit(c) {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}
