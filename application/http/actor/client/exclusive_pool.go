package client

import (
	"slices"

	"hyperload/lib/ds/queue"
	"hyperload/lib/reactor"
)

// ExclusivePool hands out connections to one caller at a time: a connection
// it keeps never has more than the caller's request in flight.
type ExclusivePool struct {
	parent    Shard
	available *queue.Deque[Connection]
	owned     []Connection
}

var _ Pool = (*ExclusivePool)(nil)

func NewExclusivePool(parent Shard) *ExclusivePool {
	return &ExclusivePool{parent: parent, available: queue.NewDeque[Connection](0)}
}

func (p *ExclusivePool) Authority() string   { return p.parent.Authority() }
func (p *ExclusivePool) Loop() *reactor.Loop { return p.parent.Loop() }

func (p *ExclusivePool) Acquire(_ bool, consumer ConnectionConsumer) {
	p.Loop().MustInLoop()

	for p.available.Len() > 0 {
		conn, _ := p.available.PopFront()
		if !conn.IsOpen() {
			continue
		}
		if conn.InFlight() > 0 {
			// Comes back through Release once it is idle.
			continue
		}

		p.parent.IncrementInFlight()
		conn.onAcquire()
		if consumer(conn, nil) {
			return
		}
		conn.cancelAcquire()
		p.parent.DecrementInFlight()
		p.available.PushFront(conn)
		return
	}

	p.parent.Acquire(true, func(conn Connection, err error) bool {
		if err != nil {
			return consumer(nil, err)
		}
		conn.Attach(p)
		if consumer(conn, nil) {
			p.owned = append(p.owned, conn)
			return true
		}
		conn.Attach(p.parent)
		return false
	})
}

func (p *ExclusivePool) AfterRequestSent(Connection) {}

func (p *ExclusivePool) Release(conn Connection, _, afterRequest bool) {
	if !conn.IsOpen() {
		p.owned = slices.DeleteFunc(p.owned, func(c Connection) bool { return c == conn })
		conn.Attach(p.parent)
		p.parent.Release(conn, false, afterRequest)
		return
	}
	if afterRequest {
		p.parent.DecrementInFlight()
	}
	if conn.InFlight() == 0 && p.available.IndexFunc(func(c Connection) bool { return c == conn }) < 0 {
		p.available.PushBack(conn)
	}
}

func (p *ExclusivePool) Pulse() { p.parent.Pulse() }

// OnSessionReset gives every kept connection back to the parent. Connections
// still busy are released there once their requests complete.
func (p *ExclusivePool) OnSessionReset() {
	p.Loop().MustInLoop()

	for _, conn := range p.owned {
		conn.Attach(p.parent)
		p.parent.Release(conn, conn.IsOpen() && conn.IsAvailable(), false)
	}
	clear(p.owned)
	p.owned = p.owned[:0]
	p.available.Clear()
}
