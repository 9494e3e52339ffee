package client

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"hyperload/application/http"
	"hyperload/lib/buffer"
	"hyperload/lib/reactor"
	"hyperload/transport"

	"github.com/pkg/errors"
)

type ConnStatus uint8

const (
	StatusOpen ConnStatus = iota
	StatusClosing
	StatusClosed
)

func (s ConnStatus) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	}
	return "unknown"
}

// Connection is an established HTTP connection confined to one loop.
// All methods must be called from that loop.
type Connection interface {
	http.ConnInfo
	http.Canceller

	ID() uint64
	Loop() *reactor.Loop

	// Send writes r. The connection must have been acquired from a pool first.
	Send(r *http.Request)

	IsAvailable() bool
	// InFlight counts sent requests without response plus acquired ones not sent yet.
	InFlight() int
	Status() ConnStatus
	IsOpen() bool
	IsClosed() bool
	LastUsed() time.Time

	Attach(pool Pool)
	Pool() Pool

	// OnClose registers f to run once the socket is closed.
	OnClose(f func(Connection))
	Close()

	onAcquire()
	cancelAcquire()
}

var connIDs atomic.Uint64

const lingerTimeout = time.Second

// socket is the loop side of a transport connection. Reads and writes happen
// on their own goroutines; everything they produce is posted onto the loop.
type socket struct {
	id        uint64
	conn      transport.Conn
	loop      *reactor.Loop
	authority string
	tag       http.Tag
	bufs      *buffer.Pool
	logger    *slog.Logger

	status      ConnStatus
	lastUsed    time.Time
	pool        Pool
	listeners   []func(Connection)
	aboutToSend int

	writes writeQueue
}

func newSocket(conn transport.Conn, loop *reactor.Loop, authority string, tag http.Tag, bufs *buffer.Pool, logger *slog.Logger) *socket {
	id := connIDs.Add(1)
	return &socket{
		id:        id,
		conn:      conn,
		loop:      loop,
		authority: authority,
		tag:       tag,
		bufs:      bufs,
		logger:    logger.With("conn", id, "remote", conn.RemoteAddr().String()),
		lastUsed:  loop.Clock().Now(),
		writes:    writeQueue{notify: make(chan struct{}, 1)},
	}
}

// start spawns the I/O goroutines.
func (s *socket) start(onData func([]byte), onClosed func(error)) {
	go s.readLoop(onData, onClosed)
	go s.writeLoop()
}

func (s *socket) readLoop(onData func([]byte), onClosed func(error)) {
	for {
		buf := s.bufs.Get(buffer.MediumSize)
		n, err := s.conn.Read(buf)
		if n > 0 {
			data := buf[:n]
			if !s.loop.Execute(func() {
				onData(data)
				s.bufs.Put(buf)
			}) {
				s.bufs.Put(buf)
				s.conn.Close()
				return
			}
		} else {
			s.bufs.Put(buf)
		}

		if err != nil {
			s.loop.Execute(func() { onClosed(err) })
			return
		}
	}
}

func (s *socket) writeLoop() {
	for {
		select {
		case <-s.writes.notify:
		case <-s.loop.Done():
			s.conn.Close()
			return
		}

		bufs, closed := s.writes.take()
		for _, b := range bufs {
			if _, err := s.conn.Write(b); err != nil {
				// The reader sees the closed socket and reports it.
				s.conn.Close()
				return
			}
		}
		if closed {
			if err := s.conn.Close(); err != nil && !errors.Is(err, transport.ErrConnClosed) {
				s.logger.Debug("closing socket", "error", err)
			}
			return
		}
	}
}

// write queues a copy of b.
func (s *socket) write(b []byte) {
	if len(b) == 0 || s.status == StatusClosed {
		return
	}
	s.writes.push(append([]byte(nil), b...))
}

func (s *socket) ID() uint64                 { return s.id }
func (s *socket) Loop() *reactor.Loop        { return s.loop }
func (s *socket) Tag() http.Tag              { return s.tag }
func (s *socket) Authority() string          { return s.authority }
func (s *socket) Status() ConnStatus         { return s.status }
func (s *socket) IsOpen() bool               { return s.status == StatusOpen }
func (s *socket) IsClosed() bool             { return s.status == StatusClosed }
func (s *socket) LastUsed() time.Time        { return s.lastUsed }
func (s *socket) Attach(pool Pool)           { s.pool = pool }
func (s *socket) Pool() Pool                 { return s.pool }
func (s *socket) OnClose(f func(Connection)) { s.listeners = append(s.listeners, f) }

func (s *socket) onAcquire() {
	s.loop.MustInLoop()
	s.aboutToSend++
}

func (s *socket) cancelAcquire() {
	if s.aboutToSend <= 0 {
		panic("client: acquisition cancelled on a connection that was not acquired")
	}
	s.aboutToSend--
}

func (s *socket) takeAcquired() {
	if s.aboutToSend <= 0 {
		panic("client: request sent on a connection that was not acquired")
	}
	s.aboutToSend--
}

func (s *socket) touch() { s.lastUsed = s.loop.Clock().Now() }

// shutdownIO closes the socket once the queued bytes are out. A peer that
// stops reading gets lingerTimeout to take them.
func (s *socket) shutdownIO() {
	s.writes.close()
	s.conn.SetWriteDeadLine(s.loop.Clock().Now().Add(lingerTimeout))
}

// closed marks the socket closed and runs the close listeners once.
func (s *socket) closed(self Connection) {
	if s.status == StatusClosed {
		return
	}
	s.status = StatusClosed
	s.writes.close()

	listeners := s.listeners
	s.listeners = nil
	for _, f := range listeners {
		f(self)
	}
}

// release hands the freed slot back to the pool and wakes waiters.
func (s *socket) release(self Connection, becameAvailable bool) {
	s.touch()
	if s.pool == nil {
		return
	}
	pool := s.pool
	pool.Release(self, becameAvailable && !s.IsClosed(), true)
	pool.Pulse()
}

type writeQueue struct {
	mu      sync.Mutex
	pending [][]byte
	done    bool

	notify chan struct{}
}

func (q *writeQueue) push(b []byte) {
	q.mu.Lock()
	if q.done {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, b)
	q.mu.Unlock()
	q.wake()
}

func (q *writeQueue) take() ([][]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	bufs := q.pending
	q.pending = nil
	return bufs, q.done
}

func (q *writeQueue) close() {
	q.mu.Lock()
	q.done = true
	q.mu.Unlock()
	q.wake()
}

func (q *writeQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
