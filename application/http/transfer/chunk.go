// Package transfer implements the chunked transfer coding.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-7
package transfer

import (
	"strconv"

	"hyperload/application/util/rule"

	"github.com/pkg/errors"
)

const CodingChunked = "chunked"

var (
	ErrMalformedChunkSize = errors.New("chunk size is malformed")
	ErrChunkSizeOverflow  = errors.New("chunk size larger than 64bit")
)

// IsChunked reports whether a Transfer-Encoding value ends with the chunked coding.
// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-6.3-2.4.1
func IsChunked(transferEncoding []byte) bool {
	return rule.EqualFold(rule.LastListElement(transferEncoding), CodingChunked)
}

// ParseChunkLine parses a chunk-size line without its line terminator.
// Extensions are skipped.
//
//	chunk      = chunk-size [ chunk-ext ] CRLF
//	chunk-size = 1*HEXDIG
//	chunk-ext  = *( BWS ";" BWS chunk-ext-name [ BWS "=" BWS chunk-ext-val ] )
func ParseChunkLine(line []byte) (uint64, error) {
	var (
		size   uint64
		digits int
	)

	idx := 0
	for ; idx < len(line); idx++ {
		v, ok := rule.HexValue(line[idx])
		if !ok {
			break
		}
		if size>>60 != 0 {
			return 0, ErrChunkSizeOverflow
		}
		size = size<<4 | uint64(v)
		digits++
	}

	if digits == 0 {
		return 0, errors.Wrapf(ErrMalformedChunkSize, "no hex digits in %q", line)
	}

	// BWS before extensions.
	for idx < len(line) && rule.IsOWS(line[idx]) {
		idx++
	}

	if idx < len(line) && line[idx] != ';' {
		return 0, errors.Wrapf(ErrMalformedChunkSize, "unexpected %q after size", line[idx])
	}

	return size, nil
}

// AppendChunk appends data as one chunk. Empty data appends the last chunk
// followed by the empty trailer section.
func AppendChunk(dst, data []byte) []byte {
	dst = strconv.AppendUint(dst, uint64(len(data)), 16)
	dst = append(dst, rule.CRLF...)
	if len(data) == 0 {
		return append(dst, rule.CRLF...)
	}
	dst = append(dst, data...)
	return append(dst, rule.CRLF...)
}
