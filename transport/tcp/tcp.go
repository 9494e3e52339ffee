// Package tcp dials TCP connections, optionally wrapped in TLS with ALPN.
package tcp

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"hyperload/transport"

	"github.com/pkg/errors"
)

type DialerOptions struct {
	// TLSConfig enables TLS when non-nil. It is cloned for every dial.
	TLSConfig *tls.Config
	// NextProtos is offered through ALPN. Overrides TLSConfig.NextProtos when set.
	NextProtos []string

	Timeout   time.Duration
	KeepAlive time.Duration
	// NoDelay disables Nagle's algorithm. Defaults to true in net.
	NoDelay bool
}

type Dialer struct {
	opts   DialerOptions
	dialer net.Dialer
}

var _ transport.Dialer = (*Dialer)(nil)

func NewDialer(opts DialerOptions) *Dialer {
	return &Dialer{
		opts: opts,
		dialer: net.Dialer{
			Timeout:   opts.Timeout,
			KeepAlive: opts.KeepAlive,
		},
	}
}

func (d *Dialer) Dial(ctx context.Context, address string) (transport.Conn, error) {
	raw, err := d.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, errors.Wrapf(convertErr(err), "dialing %s", address)
	}

	if tc, ok := raw.(*net.TCPConn); ok {
		if err := tc.SetNoDelay(d.opts.NoDelay); err != nil {
			raw.Close()
			return nil, errors.Wrap(err, "setting no delay")
		}
	}

	if d.opts.TLSConfig == nil {
		return newConn(raw, ""), nil
	}

	config := d.opts.TLSConfig.Clone()
	if len(d.opts.NextProtos) > 0 {
		config.NextProtos = d.opts.NextProtos
	}
	if config.ServerName == "" {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			host = address
		}
		config.ServerName = host
	}

	tlsConn := tls.Client(raw, config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, errors.Wrapf(err, "tls handshake with %s", address)
	}

	return newConn(tlsConn, tlsConn.ConnectionState().NegotiatedProtocol), nil
}

// conn adapts a net.Conn onto [transport.Conn].
type conn struct {
	raw      net.Conn
	protocol string

	closeOnce sync.Once
	closeErr  error
}

var (
	_ transport.Conn               = (*conn)(nil)
	_ transport.ProtocolNegotiator = (*conn)(nil)
)

// Wrap adapts an established net.Conn.
func Wrap(c net.Conn) transport.Conn {
	protocol := ""
	if tc, ok := c.(*tls.Conn); ok {
		protocol = tc.ConnectionState().NegotiatedProtocol
	}
	return newConn(c, protocol)
}

func newConn(raw net.Conn, protocol string) *conn {
	return &conn{raw: raw, protocol: protocol}
}

func (c *conn) NegotiatedProtocol() string { return c.protocol }

func (c *conn) Read(p []byte) (int, error) {
	n, err := c.raw.Read(p)
	return n, convertErr(err)
}

func (c *conn) Write(p []byte) (int, error) {
	n, err := c.raw.Write(p)
	return n, convertErr(err)
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.raw.Close() })
	return c.closeErr
}

func (c *conn) LocalAddr() transport.Addr  { return c.raw.LocalAddr() }
func (c *conn) RemoteAddr() transport.Addr { return c.raw.RemoteAddr() }

func (c *conn) SetReadDeadLine(t time.Time)  { _ = c.raw.SetReadDeadline(t) }
func (c *conn) SetWriteDeadLine(t time.Time) { _ = c.raw.SetWriteDeadline(t) }

func convertErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET):
		return transport.ErrConnClosed
	case errors.Is(err, os.ErrDeadlineExceeded):
		return transport.ErrDeadLineExceeded
	case errors.Is(err, syscall.ECONNREFUSED):
		return transport.ErrConnRefused
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		return transport.ErrNetUnreachable
	}
	return err
}
