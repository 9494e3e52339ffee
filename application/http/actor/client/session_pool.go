package client

import (
	"slices"

	"hyperload/lib/ds/queue"
	"hyperload/lib/reactor"
)

// SessionPool keeps the connections one session used, so its follow-up
// requests go to the same connections. Connections come from a shared shard.
type SessionPool struct {
	shared    Shard
	available *queue.Deque[Connection]
	owned     []Connection
}

var _ Pool = (*SessionPool)(nil)

func NewSessionPool(shared Shard, capacity int) *SessionPool {
	return &SessionPool{
		shared:    shared,
		available: queue.NewDeque[Connection](capacity),
		owned:     make([]Connection, 0, capacity),
	}
}

func (p *SessionPool) Authority() string   { return p.shared.Authority() }
func (p *SessionPool) Loop() *reactor.Loop { return p.shared.Loop() }

func (p *SessionPool) Acquire(exclusive bool, consumer ConnectionConsumer) {
	p.Loop().MustInLoop()

	for p.available.Len() > 0 {
		conn, _ := p.available.PopFront()
		if !conn.IsOpen() || !conn.IsAvailable() {
			continue
		}

		p.shared.IncrementInFlight()
		conn.onAcquire()
		if consumer(conn, nil) {
			return
		}
		conn.cancelAcquire()
		p.shared.DecrementInFlight()
		p.available.PushFront(conn)
		return
	}

	// A connection nobody else uses, so that it can stay with this session.
	p.shared.Acquire(true, func(conn Connection, err error) bool {
		if err != nil {
			return consumer(nil, err)
		}
		conn.Attach(p)
		if consumer(conn, nil) {
			return true
		}
		conn.Attach(p.shared)
		return false
	})
}

func (p *SessionPool) AfterRequestSent(conn Connection) {
	if conn.IsAvailable() {
		p.pushLocal(conn)
	}
	if !slices.Contains(p.owned, conn) {
		p.owned = append(p.owned, conn)
	}
}

func (p *SessionPool) Release(conn Connection, becameAvailable, afterRequest bool) {
	if becameAvailable {
		p.pushLocal(conn)
	}
	if !afterRequest {
		return
	}
	if conn.IsOpen() {
		p.shared.DecrementInFlight()
		return
	}
	p.shared.Release(conn, false, true)
	p.owned = slices.DeleteFunc(p.owned, func(c Connection) bool { return c == conn })
}

func (p *SessionPool) pushLocal(conn Connection) {
	if p.available.IndexFunc(func(c Connection) bool { return c == conn }) < 0 {
		p.available.PushBack(conn)
	}
}

func (p *SessionPool) Pulse() { p.shared.Pulse() }

// OnSessionReset gives every owned connection back to the shared shard.
// Connections with requests still in flight cannot be reused and are closed.
func (p *SessionPool) OnSessionReset() {
	p.Loop().MustInLoop()

	for i := len(p.owned) - 1; i >= 0; i-- {
		conn := p.owned[i]
		conn.Attach(p.shared)
		if conn.InFlight() == 0 {
			p.shared.Release(conn, conn.IsOpen(), false)
		} else {
			conn.Close()
		}
	}
	clear(p.owned)
	p.owned = p.owned[:0]
	p.available.Clear()
}

// Connections lists the connections kept for the session.
func (p *SessionPool) Connections() []Connection {
	out := make([]Connection, 0, p.available.Len())
	for i := range p.available.Len() {
		out = append(out, p.available.At(i))
	}
	return out
}
