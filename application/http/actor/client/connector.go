package client

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"

	"hyperload/application/http"
	"hyperload/lib/buffer"
	"hyperload/lib/reactor"
	"hyperload/transport"

	"github.com/pkg/errors"
)

// Connector opens connections for pools.
type Connector interface {
	// Connect opens a connection bound to loop. done is invoked on loop.
	Connect(loop *reactor.Loop, done func(conn Connection, err error))
}

type dialConnector struct {
	opts      Options
	addresses []string
	dialer    transport.Dialer
	bufs      *buffer.Pool
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Connector = (*dialConnector)(nil)

func newDialConnector(opts Options, dialer transport.Dialer, logger *slog.Logger) *dialConnector {
	ctx, cancel := context.WithCancel(context.Background())
	return &dialConnector{
		opts:      opts,
		addresses: opts.addresses(),
		dialer:    dialer,
		bufs:      buffer.NewPool(),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (c *dialConnector) address() string {
	if len(c.addresses) == 1 {
		return c.addresses[0]
	}
	return c.addresses[rand.IntN(len(c.addresses))]
}

func (c *dialConnector) Connect(loop *reactor.Loop, done func(conn Connection, err error)) {
	address := c.address()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ctx, cancel := context.WithTimeout(c.ctx, c.opts.Pool.ConnectTimeout)
		defer cancel()

		sock, err := c.dialer.Dial(ctx, address)
		if err != nil {
			loop.Execute(func() { done(nil, errors.Wrapf(err, "connecting to %s", address)) })
			return
		}

		version, err := c.negotiate(sock)
		if err != nil {
			sock.Close()
			loop.Execute(func() { done(nil, err) })
			return
		}

		posted := loop.Execute(func() {
			if c.ctx.Err() != nil {
				sock.Close()
				done(nil, http.ErrPoolShutdown)
				return
			}
			done(c.open(loop, sock, version), nil)
		})
		if !posted {
			sock.Close()
		}
	}()
}

func (c *dialConnector) negotiate(sock transport.Conn) (http.Version, error) {
	if n, ok := sock.(transport.ProtocolNegotiator); ok && c.opts.Secure {
		proto := n.NegotiatedProtocol()
		version, ok := http.VersionFromALPN(proto)
		if !ok {
			return 0, errors.Errorf("server negotiated unsupported protocol %q", proto)
		}
		return version, nil
	}

	if c.opts.ForceH2C {
		return http.Version2, nil
	}
	return http.Version1_1, nil
}

func (c *dialConnector) open(loop *reactor.Loop, sock transport.Conn, version http.Version) Connection {
	if version == http.Version2 {
		return newHTTP2Conn(sock, loop, c.opts.Authority, c.opts.Secure, c.opts.HTTP2, c.bufs, c.logger)
	}
	return newHTTP1Conn(sock, loop, c.opts.Authority, c.opts.Secure, c.opts.HTTP1, c.bufs, c.logger)
}
