package pipe

import (
	"context"
	"sync"

	"hyperload/transport"

	"github.com/benbjohnson/clock"
)

type dialRequest struct {
	conn     transport.Conn
	accepted chan struct{}
}

// Transport connects dialers to in-memory listeners by address name.
type Transport struct {
	listeners map[string]*Listener
	clock     clock.Clock

	mu sync.Mutex
}

func NewTransport(clock clock.Clock) *Transport {
	return &Transport{
		listeners: make(map[string]*Listener),
		clock:     clock,
	}
}

var _ transport.Dialer = (*Transport)(nil)

func (t *Transport) Dial(ctx context.Context, address string) (transport.Conn, error) {
	t.mu.Lock()
	listener, ok := t.listeners[address]
	t.mu.Unlock()

	if !ok {
		return nil, transport.ErrNetUnreachable
	}

	local, remote := NewPair("dialer", address, t.clock)
	req := dialRequest{conn: remote, accepted: make(chan struct{}, 1)}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-listener.closed:
		return nil, transport.ErrConnRefused
	case listener.requests <- req:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-req.accepted:
	}

	return local, nil
}

func (t *Transport) Listen(address string) (*Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.listeners[address]; ok {
		return nil, transport.ErrAddrAlreadyInUse
	}

	l := &Listener{
		addr:      Addr{Name: address},
		transport: t,
		requests:  make(chan dialRequest),
		closed:    make(chan struct{}),
	}
	t.listeners[address] = l

	return l, nil
}

type Listener struct {
	addr      Addr
	transport *Transport

	requests chan dialRequest
	closed   chan struct{}

	mu sync.Mutex
}

var _ transport.ConnListener = (*Listener)(nil)

func (l *Listener) Addr() Addr { return l.addr }

func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, transport.ErrConnListenerClosed
	case req := <-l.requests:
		req.accepted <- struct{}{}
		return req.conn, nil
	}
}

func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if isClosed(l.closed) {
		return transport.ErrConnListenerClosed
	}
	close(l.closed)

	l.transport.mu.Lock()
	delete(l.transport.listeners, l.addr.Name)
	l.transport.mu.Unlock()

	return nil
}
