package transport

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrConnClosed         = errors.New("connection is closed")
	ErrConnListenerClosed = errors.New("conn listener is closed")
	ErrDeadLineExceeded   = errors.New("deadline exceeded")
	ErrConnRefused        = errors.New("connection refused")
	ErrNetUnreachable     = errors.New("network unreachable")
	ErrAddrAlreadyInUse   = errors.New("address already in use")
)

type Conn interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Close() error

	LocalAddr() Addr
	RemoteAddr() Addr

	SetReadDeadLine(t time.Time)
	SetWriteDeadLine(t time.Time)
}

// ProtocolNegotiator is implemented by connections that ran ALPN.
type ProtocolNegotiator interface {
	NegotiatedProtocol() string
}

type ConnListener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
}

// Dialer opens connections to "host:port" addresses.
type Dialer interface {
	Dial(ctx context.Context, address string) (Conn, error)
}

// DialerFunc adapts a function into a [Dialer].
type DialerFunc func(ctx context.Context, address string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, address string) (Conn, error) { return f(ctx, address) }
