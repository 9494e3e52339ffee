package http

type Version uint8

const (
	Version1_1 Version = iota + 1
	Version2
)

func (v Version) String() string {
	switch v {
	case Version1_1:
		return "HTTP/1.1"
	case Version2:
		return "HTTP/2"
	}
	return "HTTP/?"
}

// ALPN returns the protocol id negotiated through TLS ALPN.
// Reference: https://datatracker.ietf.org/doc/html/rfc7301#section-6
func (v Version) ALPN() string {
	if v == Version2 {
		return "h2"
	}
	return "http/1.1"
}

// VersionFromALPN maps a negotiated protocol to a version. Empty means HTTP/1.1.
func VersionFromALPN(proto string) (Version, bool) {
	switch proto {
	case "h2":
		return Version2, true
	case "http/1.1", "":
		return Version1_1, true
	}
	return 0, false
}

type Method string

const (
	MethodGet     Method = "GET"
	MethodHead    Method = "HEAD"
	MethodPost    Method = "POST"
	MethodPut     Method = "PUT"
	MethodDelete  Method = "DELETE"
	MethodOptions Method = "OPTIONS"
	MethodPatch   Method = "PATCH"
	MethodTrace   Method = "TRACE"
	MethodConnect Method = "CONNECT"
)

// HasNoResponseBody reports whether responses to m never carry content.
// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-6.3-2.1
func (m Method) HasNoResponseBody() bool {
	return m == MethodHead || m == MethodConnect
}

// StatusHasNoBody reports whether a response with code never carries content.
// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-6.3-2.1
func StatusHasNoBody(code int) bool {
	return IsInformational(code) || code == 204 || code == 304
}

func IsInformational(code int) bool { return 100 <= code && code < 200 }

// Tag classifies connections for per-kind statistics.
type Tag uint8

const (
	TagHTTP1x Tag = iota
	TagHTTP1xTLS
	TagH2C
	TagH2
)

func (t Tag) String() string {
	switch t {
	case TagHTTP1x:
		return "http1x"
	case TagHTTP1xTLS:
		return "http1x-tls"
	case TagH2C:
		return "h2c"
	case TagH2:
		return "h2"
	}
	return "unknown"
}

func TagOf(v Version, secure bool) Tag {
	switch {
	case v == Version2 && secure:
		return TagH2
	case v == Version2:
		return TagH2C
	case secure:
		return TagHTTP1xTLS
	}
	return TagHTTP1x
}

// ConnInfo describes the connection a request is being written on.
type ConnInfo interface {
	Version() Version
	Tag() Tag
	Authority() string
}
