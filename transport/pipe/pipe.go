// Package pipe provides synchronous in-memory connections, much like net.Pipe
// but driven by an injectable clock.
package pipe

import (
	"sync"
	"time"

	"hyperload/transport"

	"github.com/benbjohnson/clock"
)

type Addr struct {
	Name string
}

func (a Addr) Network() string { return "pipe" }
func (a Addr) String() string  { return a.Name }

var _ transport.Addr = Addr{}

// end is one side of a pipe.
type end struct {
	incoming chan []byte // Writes of the peer.
	consumed chan int    // How much of our write the peer consumed.

	writeMu sync.Mutex

	closed    chan struct{}
	closeOnce sync.Once

	readDeadline, writeDeadline *deadline

	peer *end
	addr Addr
}

var _ transport.Conn = (*end)(nil)

// NewPair creates a pair of connected pipes. Each write blocks until the
// counterpart has read all of it.
func NewPair(name1, name2 string, clock clock.Clock) (c1, c2 transport.Conn) {
	e1, e2 := newEnd(name1, clock), newEnd(name2, clock)
	e1.peer, e2.peer = e2, e1
	return e1, e2
}

func newEnd(name string, clock clock.Clock) *end {
	return &end{
		incoming:      make(chan []byte),
		consumed:      make(chan int),
		closed:        make(chan struct{}),
		readDeadline:  newDeadline(clock),
		writeDeadline: newDeadline(clock),
		addr:          Addr{Name: name},
	}
}

func (e *end) LocalAddr() transport.Addr  { return e.addr }
func (e *end) RemoteAddr() transport.Addr { return e.peer.addr }

func (e *end) Close() error {
	e.closeOnce.Do(func() { close(e.closed) })
	return nil
}

func (e *end) Read(b []byte) (int, error) {
	if err := e.check(e.readDeadline); err != nil {
		return 0, err
	}

	select {
	case received := <-e.incoming:
		n := copy(b, received)
		e.peer.consumed <- n
		return n, nil
	case <-e.closed:
		return 0, transport.ErrConnClosed
	case <-e.peer.closed:
		return 0, transport.ErrConnClosed
	case <-e.readDeadline.wait():
		return 0, transport.ErrDeadLineExceeded
	}
}

func (e *end) Write(b []byte) (int, error) {
	if err := e.check(e.writeDeadline); err != nil {
		return 0, err
	}
	if len(b) == 0 {
		return 0, nil
	}

	// Writes must not interleave.
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	written := 0
	for len(b) > 0 {
		select {
		case e.peer.incoming <- b:
			n := <-e.consumed
			b = b[n:]
			written += n
		case <-e.closed:
			return written, transport.ErrConnClosed
		case <-e.peer.closed:
			return written, transport.ErrConnClosed
		case <-e.writeDeadline.wait():
			return written, transport.ErrDeadLineExceeded
		}
	}
	return written, nil
}

func (e *end) check(d *deadline) error {
	switch {
	case isClosed(e.closed), isClosed(e.peer.closed):
		return transport.ErrConnClosed
	case isClosed(d.wait()):
		return transport.ErrDeadLineExceeded
	}
	return nil
}

func (e *end) SetReadDeadLine(t time.Time)  { e.readDeadline.set(t) }
func (e *end) SetWriteDeadLine(t time.Time) { e.writeDeadline.set(t) }

// deadline is a channel closed once its time passed.
type deadline struct {
	clock clock.Clock

	mu      sync.Mutex
	timer   *clock.Timer
	expired chan struct{}
}

func newDeadline(clock clock.Clock) *deadline {
	return &deadline{clock: clock, expired: make(chan struct{})}
}

func (d *deadline) set(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// A timer that could not be stopped has closed, or is about to close, the
	// current channel.
	if d.timer != nil && !d.timer.Stop() || isClosed(d.expired) {
		d.expired = make(chan struct{})
	}
	d.timer = nil

	if t.IsZero() {
		// zero value means no limit.
		return
	}

	expired := d.expired
	d.timer = d.clock.AfterFunc(d.clock.Until(t), func() { close(expired) })
}

func (d *deadline) wait() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.expired
}

func isClosed(c <-chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}
