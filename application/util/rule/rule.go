// Package rule holds byte-level ABNF helpers shared by the HTTP codecs.
package rule

const (
	CR   byte = '\r'
	LF   byte = '\n'
	SP   byte = ' '
	HTAB byte = '\t'
)

var (
	OWS  = []byte{SP, HTAB}
	CRLF = []byte{CR, LF}
)

// IsOWS reports whether c is optional whitespace.
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-5.6.3
func IsOWS(c byte) bool { return c == SP || c == HTAB }

func IsAlpha(c byte) bool { return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') }
func IsDigit(c byte) bool { return '0' <= c && c <= '9' }

// HexValue returns the value of a HEXDIG, case-insensitively.
func HexValue(c byte) (v byte, ok bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// TrimOWS strips leading and trailing optional whitespace.
func TrimOWS(b []byte) []byte {
	for len(b) > 0 && IsOWS(b[0]) {
		b = b[1:]
	}
	for len(b) > 0 && IsOWS(b[len(b)-1]) {
		b = b[:len(b)-1]
	}
	return b
}

// EqualFold compares an ASCII header token against a lower-case literal
// without allocating.
func EqualFold(b []byte, lower string) bool {
	if len(b) != len(lower) {
		return false
	}
	for i := range len(b) {
		c := b[i]
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c != lower[i] {
			return false
		}
	}
	return true
}

// LastListElement returns the last element of a comma-separated field value.
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-5.6.1
func LastListElement(b []byte) []byte {
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] == ',' {
			return TrimOWS(b[i+1:])
		}
	}
	return TrimOWS(b)
}
