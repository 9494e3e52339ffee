// Package h2 splits an HTTP/2 byte stream into frames and dispatches them as
// typed events, and writes client frames.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9113
package h2

import (
	"encoding/binary"
	"fmt"

	"hyperload/lib/types"

	"golang.org/x/net/http2"
)

const (
	FrameHeaderLen = 9

	// DefaultMaxFrameSize is SETTINGS_MAX_FRAME_SIZE before any SETTINGS.
	// Reference: https://datatracker.ietf.org/doc/html/rfc9113#section-6.5.2-2.10.1
	DefaultMaxFrameSize = 16384

	// Reference: https://datatracker.ietf.org/doc/html/rfc9113#section-6.9.2-3
	DefaultInitialWindowSize = 65535

	streamIDMask = 1<<31 - 1
)

// FrameHeader is the fixed 9-octet header of every frame.
//
//	+-----------------------------------------------+
//	|                 Length (24)                   |
//	+---------------+---------------+---------------+
//	|   Type (8)    |   Flags (8)   |
//	+-+-------------+---------------+-------------------------------+
//	|R|                 Stream Identifier (31)                      |
//	+=+=============================================================+
type FrameHeader struct {
	Length   uint32
	Type     http2.FrameType
	Flags    http2.Flags
	StreamID uint32
}

func ReadFrameHeader(b []byte) FrameHeader {
	return FrameHeader{
		Length:   types.ReadUint24(b).Uint32(),
		Type:     http2.FrameType(b[3]),
		Flags:    http2.Flags(b[4]),
		StreamID: binary.BigEndian.Uint32(b[5:9]) & streamIDMask,
	}
}

func (h FrameHeader) Has(f http2.Flags) bool { return h.Flags.Has(f) }

func (h FrameHeader) String() string {
	return fmt.Sprintf("%s stream=%d len=%d flags=%#x", h.Type, h.StreamID, h.Length, uint8(h.Flags))
}

// ConnectionError is a protocol violation fatal to the whole connection.
// Reference: https://datatracker.ietf.org/doc/html/rfc9113#section-5.4.1
type ConnectionError struct {
	Code   http2.ErrCode
	Reason string
}

func (e ConnectionError) Error() string {
	return fmt.Sprintf("http2 connection error %s: %s", e.Code, e.Reason)
}

func connError(code http2.ErrCode, format string, args ...any) ConnectionError {
	return ConnectionError{Code: code, Reason: fmt.Sprintf(format, args...)}
}
