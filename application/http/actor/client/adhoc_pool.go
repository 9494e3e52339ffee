package client

import (
	"log/slog"

	"hyperload/application/http"
	"hyperload/lib/reactor"
	"hyperload/lib/stats"
)

// AdhocPool opens a new connection for every acquisition and closes it once
// its requests are done.
type AdhocPool struct {
	authority string
	loop      *reactor.Loop
	connector Connector
	logger    *slog.Logger

	connections map[Connection]struct{}
	shutdown    bool

	inFlight        stats.Watermark
	usedConnections stats.Watermark
	blockedSessions stats.Watermark
	tags            *stats.Group[http.Tag]
}

var _ Shard = (*AdhocPool)(nil)

func NewAdhocPool(authority string, loop *reactor.Loop, connector Connector, logger *slog.Logger) *AdhocPool {
	return &AdhocPool{
		authority:   authority,
		loop:        loop,
		connector:   connector,
		logger:      logger.With("authority", authority, "loop", loop.ID()),
		connections: make(map[Connection]struct{}),
		tags:        stats.NewGroup[http.Tag](),
	}
}

func (p *AdhocPool) Authority() string   { return p.authority }
func (p *AdhocPool) Loop() *reactor.Loop { return p.loop }

func (p *AdhocPool) Acquire(exclusive bool, consumer ConnectionConsumer) {
	p.loop.MustInLoop()

	if p.shutdown {
		consumer(nil, http.ErrPoolShutdown)
		return
	}

	p.blockedSessions.Increment()
	p.connector.Connect(p.loop, func(conn Connection, err error) {
		p.blockedSessions.Decrement()
		if err != nil {
			p.logger.Warn("cannot create connection", "error", err)
			consumer(nil, err)
			return
		}
		if p.shutdown {
			conn.Close()
			consumer(nil, http.ErrPoolShutdown)
			return
		}

		p.connections[conn] = struct{}{}
		p.tags.Get(conn.Tag()).Increment()
		conn.OnClose(func(c Connection) {
			delete(p.connections, c)
			p.tags.Get(c.Tag()).Decrement()
		})

		conn.Attach(p)
		conn.onAcquire()
		p.inFlight.Increment()
		p.usedConnections.Increment()

		if !consumer(conn, nil) {
			conn.cancelAcquire()
			p.inFlight.Decrement()
			p.usedConnections.Decrement()
			conn.Close()
		}
	})
}

func (p *AdhocPool) AfterRequestSent(Connection) {}

func (p *AdhocPool) Release(conn Connection, becameAvailable, afterRequest bool) {
	p.loop.MustInLoop()

	if afterRequest {
		p.inFlight.Decrement()
	}
	if conn.InFlight() == 0 {
		p.usedConnections.Decrement()
		if conn.IsOpen() {
			conn.Close()
		}
	}
}

func (p *AdhocPool) Pulse()          {}
func (p *AdhocPool) OnSessionReset() {}

func (p *AdhocPool) WaitingSessions() int { return p.blockedSessions.Current() }

func (p *AdhocPool) IncrementInFlight() { p.inFlight.Increment() }
func (p *AdhocPool) DecrementInFlight() { p.inFlight.Decrement() }

func (p *AdhocPool) Start(onStarted func(error)) {
	p.loop.Execute(func() { onStarted(nil) })
}

func (p *AdhocPool) Shutdown() {
	p.loop.Execute(func() {
		p.shutdown = true
		for conn := range p.connections {
			conn.Close()
		}
	})
}

func (p *AdhocPool) VisitStats(f func(name string, s stats.Snapshot)) {
	p.loop.MustInLoop()

	f(StatInFlight, p.inFlight.SnapshotAndReset())
	f(StatUsedConnections, p.usedConnections.SnapshotAndReset())
	f(StatBlockedSessions, p.blockedSessions.SnapshotAndReset())
	p.tags.Visit(func(tag http.Tag, s stats.Snapshot) { f(tag.String(), s) })
	p.tags.ResetWindow()
}
