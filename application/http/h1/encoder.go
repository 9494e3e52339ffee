package h1

import (
	"strconv"
	"strings"

	"hyperload/application/http"
	"hyperload/application/util/rule"

	"github.com/pkg/errors"
)

var (
	ErrInvalidMethod      = errors.New("method is not a token")
	ErrInvalidHeaderName  = errors.New("field name is not a token")
	ErrInvalidHeaderValue = errors.New("field value contains CR or LF")
)

// RequestEncoder writes one request at a time into a reused buffer.
//
//	request-line = method SP request-target SP HTTP-version CRLF
//	*( field-line CRLF )
//	CRLF
//	[ message-body ]
type RequestEncoder struct {
	buf     []byte
	observe func(name, value string)
	err     error
}

var _ http.HeaderWriter = (*RequestEncoder)(nil)

func NewRequestEncoder() *RequestEncoder {
	return &RequestEncoder{buf: make([]byte, 0, 256)}
}

// Start begins a request. observe, when not nil, sees every header written.
func (e *RequestEncoder) Start(method http.Method, path string, observe func(name, value string)) {
	e.buf = e.buf[:0]
	e.observe = observe
	e.err = nil
	if !rule.IsValidToken(string(method)) {
		e.err = errors.Wrapf(ErrInvalidMethod, "%q", method)
	}

	e.buf = append(e.buf, method...)
	e.buf = append(e.buf, rule.SP)
	e.buf = appendPath(e.buf, path)
	e.buf = append(e.buf, " HTTP/1.1"...)
	e.buf = append(e.buf, rule.CRLF...)
}

// PutHeader writes one field line. An invalid field is recorded and reported
// by Err; the request must not be sent then.
func (e *RequestEncoder) PutHeader(name, value string) {
	if e.err == nil {
		switch {
		case !rule.IsValidToken(name):
			e.err = errors.Wrapf(ErrInvalidHeaderName, "%q", name)
		case strings.ContainsAny(value, "\r\n"):
			e.err = errors.Wrapf(ErrInvalidHeaderValue, "field %s", name)
		}
	}

	e.buf = append(e.buf, name...)
	e.buf = append(e.buf, ':', rule.SP)
	e.buf = append(e.buf, value...)
	e.buf = append(e.buf, rule.CRLF...)

	if e.observe != nil {
		e.observe(name, value)
	}
}

// PutContentLength writes Content-Length for a non-empty body.
func (e *RequestEncoder) PutContentLength(n int) {
	if n > 0 {
		e.PutHeader("Content-Length", strconv.Itoa(n))
	}
}

// Err returns the first invalid part of the request since Start.
func (e *RequestEncoder) Err() error { return e.err }

// End terminates the header section and appends body. The returned slice is
// valid until the next Start.
func (e *RequestEncoder) End(body []byte) []byte {
	e.buf = append(e.buf, rule.CRLF...)
	e.buf = append(e.buf, body...)
	e.observe = nil
	return e.buf
}

// appendPath escapes spaces: %20 in the path, '+' in the query.
func appendPath(dst []byte, path string) []byte {
	query := false
	for i := range len(path) {
		switch c := path[i]; {
		case c == '?':
			query = true
			dst = append(dst, c)
		case c == rule.SP && query:
			dst = append(dst, '+')
		case c == rule.SP:
			dst = append(dst, "%20"...)
		default:
			dst = append(dst, c)
		}
	}
	return dst
}
