package client

import (
	"crypto/tls"
	"net"
	"slices"
	"time"

	"hyperload/application/http"
	"hyperload/application/http/h1"
	"hyperload/application/http/h2"

	"github.com/pkg/errors"
)

// Strategy decides how connections are shared between callers.
type Strategy uint8

const (
	// StrategySharedPool lets every caller of a loop share the shard's connections.
	StrategySharedPool Strategy = iota
	// StrategySessionPools keeps the connections a session used for that session
	// until it is reset.
	StrategySessionPools
	// StrategyOpenOnRequest opens a connection on the first request of a session
	// and keeps it for that session.
	StrategyOpenOnRequest
	// StrategyAlwaysNew opens a connection for every request.
	StrategyAlwaysNew
)

func (s Strategy) String() string {
	switch s {
	case StrategySharedPool:
		return "shared-pool"
	case StrategySessionPools:
		return "session-pools"
	case StrategyOpenOnRequest:
		return "open-on-request"
	case StrategyAlwaysNew:
		return "always-new"
	}
	return "unknown"
}

func (s Strategy) pooled() bool { return s == StrategySharedPool || s == StrategySessionPools }

type Options struct {
	// Authority is the "host:port" requests are sent to.
	Authority string
	Secure    bool
	// TLSConfig is used when Secure. ALPN protocols are filled from Versions.
	TLSConfig *tls.Config
	// Addresses overrides where connections are opened to. One is picked at
	// random per connection. Entries without port use the authority's port.
	Addresses []string
	// Versions are offered through ALPN, in preference order.
	Versions []http.Version
	// ForceH2C speaks HTTP/2 with prior knowledge over cleartext.
	ForceH2C bool
	Strategy Strategy

	Pool  PoolOptions
	HTTP1 HTTP1Options
	HTTP2 HTTP2Options
}

type PoolOptions struct {
	// Core connections are opened before the pool reports it started.
	Core int
	Max  int
	// Buffer is the number of idle connections the pool tries to keep ready.
	Buffer int

	// KeepAlive closes connections idle for longer. Zero keeps them forever.
	KeepAlive time.Duration
	// MaxFailures is the number of consecutive connect failures after which
	// the pool gives up.
	MaxFailures     int
	ConnectTimeout  time.Duration
	ConnectInterval time.Duration
	PulseInterval   time.Duration
	// ConnectRate limits new connections per second. Zero means no limit.
	ConnectRate float64
}

type HTTP1Options struct {
	// PipeliningLimit is the number of requests in flight on one connection.
	PipeliningLimit int
	Decode          h1.DecodeOptions
}

type HTTP2Options struct {
	// MaxStreams caps concurrent streams below the server's limit.
	MaxStreams        int
	MaxFrameSize      uint32
	InitialWindowSize uint32
}

var DefaultOptions = Options{
	Versions: []http.Version{http.Version2, http.Version1_1},
	Strategy: StrategySharedPool,
	Pool: PoolOptions{
		MaxFailures:     100,
		ConnectTimeout:  15 * time.Second,
		ConnectInterval: 2 * time.Millisecond,
		PulseInterval:   time.Millisecond,
	},
	HTTP1: HTTP1Options{
		PipeliningLimit: 1,
		Decode:          h1.DefaultDecodeOptions,
	},
	HTTP2: HTTP2Options{
		MaxStreams:        100,
		MaxFrameSize:      h2.DefaultMaxFrameSize,
		InitialWindowSize: h2.DefaultInitialWindowSize,
	},
}

// withDefaults fills zero values from [DefaultOptions].
func (o Options) withDefaults() Options {
	d := DefaultOptions

	if len(o.Versions) == 0 {
		o.Versions = slices.Clone(d.Versions)
	}
	if !o.Secure && len(o.Versions) == 1 && o.Versions[0] == http.Version2 {
		o.ForceH2C = true
	}

	if o.Pool.MaxFailures <= 0 {
		o.Pool.MaxFailures = d.Pool.MaxFailures
	}
	if o.Pool.ConnectTimeout <= 0 {
		o.Pool.ConnectTimeout = d.Pool.ConnectTimeout
	}
	if o.Pool.ConnectInterval <= 0 {
		o.Pool.ConnectInterval = d.Pool.ConnectInterval
	}
	if o.Pool.PulseInterval <= 0 {
		o.Pool.PulseInterval = d.Pool.PulseInterval
	}
	if o.Pool.Max == 0 {
		o.Pool.Max = o.Pool.Core
	}

	if o.HTTP1.PipeliningLimit == 0 {
		o.HTTP1.PipeliningLimit = d.HTTP1.PipeliningLimit
	}
	if o.HTTP1.Decode.MaxLineLength == 0 {
		o.HTTP1.Decode.MaxLineLength = d.HTTP1.Decode.MaxLineLength
	}

	if o.HTTP2.MaxStreams == 0 {
		o.HTTP2.MaxStreams = d.HTTP2.MaxStreams
	}
	if o.HTTP2.MaxFrameSize == 0 {
		o.HTTP2.MaxFrameSize = d.HTTP2.MaxFrameSize
	}
	if o.HTTP2.InitialWindowSize == 0 {
		o.HTTP2.InitialWindowSize = d.HTTP2.InitialWindowSize
	}

	return o
}

func (o Options) validate() error {
	if o.Authority == "" {
		return errors.New("authority is required")
	}
	if _, _, err := net.SplitHostPort(o.Authority); err != nil {
		return errors.Wrap(err, "authority must be host:port")
	}
	if o.Pool.Core < 0 || o.Pool.Buffer < 0 {
		return errors.New("pool sizes must not be negative")
	}
	if o.Pool.Max < o.Pool.Core {
		return errors.Errorf("max connections (%d) below core (%d)", o.Pool.Max, o.Pool.Core)
	}
	if o.HTTP1.PipeliningLimit < 1 {
		return errors.Errorf("pipelining limit must be positive, got %d", o.HTTP1.PipeliningLimit)
	}
	if o.HTTP2.MaxStreams < 1 {
		return errors.Errorf("max streams must be positive, got %d", o.HTTP2.MaxStreams)
	}
	if o.HTTP2.MaxFrameSize < h2.DefaultMaxFrameSize || o.HTTP2.MaxFrameSize > 1<<24-1 {
		return errors.Errorf("max frame size %d out of range", o.HTTP2.MaxFrameSize)
	}
	if o.Pool.ConnectRate < 0 {
		return errors.New("connect rate must not be negative")
	}
	for _, v := range o.Versions {
		if v != http.Version1_1 && v != http.Version2 {
			return errors.Errorf("unsupported version %s", v)
		}
	}
	if o.ForceH2C && o.Secure {
		return errors.New("h2c cannot be forced on a secure connection")
	}
	return nil
}

func (o Options) scheme() string {
	if o.Secure {
		return "https"
	}
	return "http"
}

// nextProtos lists the ALPN ids for Versions.
func (o Options) nextProtos() []string {
	protos := make([]string, 0, len(o.Versions))
	for _, v := range o.Versions {
		protos = append(protos, v.ALPN())
	}
	return protos
}

// addresses resolves Addresses against the authority's port.
func (o Options) addresses() []string {
	if len(o.Addresses) == 0 {
		return []string{o.Authority}
	}

	_, port, _ := net.SplitHostPort(o.Authority)
	out := make([]string, 0, len(o.Addresses))
	for _, addr := range o.Addresses {
		if _, _, err := net.SplitHostPort(addr); err == nil {
			out = append(out, addr)
			continue
		}
		out = append(out, net.JoinHostPort(trimBrackets(addr), port))
	}
	return out
}

func trimBrackets(host string) string {
	if len(host) > 1 && host[0] == '[' && host[len(host)-1] == ']' {
		return host[1 : len(host)-1]
	}
	return host
}
