package client

import (
	"fmt"
	"log/slog"
	"time"

	"hyperload/application/http"
	"hyperload/lib/ds/queue"
	"hyperload/lib/reactor"
	"hyperload/lib/stats"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

type waiter struct {
	exclusive bool
	consumer  ConnectionConsumer
}

// SharedPool keeps a ramped-up set of connections of one loop and shares
// them between all callers of that loop.
type SharedPool struct {
	authority string
	opts      PoolOptions
	loop      *reactor.Loop
	connector Connector
	limiter   *rate.Limiter
	logger    *slog.Logger

	connections []Connection
	available   *queue.Deque[Connection]
	skipped     []Connection
	waiting     queue.Queue[waiter]

	connecting int
	created    int
	failures   int // Consecutive.

	onStarted func(error)
	shutdown  bool

	pulsing, pulseAgain bool
	pulseTimer          *reactor.Timer
	checkTimer          *reactor.Timer
	keepAliveTimer      *reactor.Timer

	inFlight        stats.Watermark
	usedConnections stats.Watermark
	blockedSessions stats.Watermark
	tags            *stats.Group[http.Tag]
}

var _ Shard = (*SharedPool)(nil)

func NewSharedPool(authority string, opts PoolOptions, loop *reactor.Loop, connector Connector, logger *slog.Logger) *SharedPool {
	p := &SharedPool{
		authority: authority,
		opts:      opts,
		loop:      loop,
		connector: connector,
		logger:    logger.With("authority", authority, "loop", loop.ID()),
		available: queue.NewDeque[Connection](opts.Max),
		waiting:   queue.NewDeque[waiter](0),
		tags:      stats.NewGroup[http.Tag](),
	}
	if opts.ConnectRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(opts.ConnectRate), 1)
	}
	return p
}

func (p *SharedPool) Authority() string   { return p.authority }
func (p *SharedPool) Loop() *reactor.Loop { return p.loop }

// Connections lists every open connection of the pool.
func (p *SharedPool) Connections() []Connection { return p.connections }

func (p *SharedPool) WaitingSessions() int { return p.waiting.Len() }

func (p *SharedPool) IncrementInFlight() { p.inFlight.Increment() }
func (p *SharedPool) DecrementInFlight() { p.inFlight.Decrement() }

func (p *SharedPool) exhausted() bool { return p.failures >= p.opts.MaxFailures }

func (p *SharedPool) acquireNow(exclusive bool) Connection {
	defer func() {
		for _, c := range p.skipped {
			p.available.PushBack(c)
		}
		clear(p.skipped)
		p.skipped = p.skipped[:0]
	}()

	for p.available.Len() > 0 {
		conn, _ := p.available.PopFront()
		if !conn.IsOpen() || !conn.IsAvailable() {
			// Queued again on release once a slot frees up.
			continue
		}
		if exclusive && conn.InFlight() > 0 {
			p.skipped = append(p.skipped, conn)
			continue
		}

		p.inFlight.Increment()
		if conn.InFlight() == 0 {
			p.usedConnections.Increment()
		}
		conn.Attach(p)
		conn.onAcquire()
		return conn
	}

	p.logger.Debug("no connection available")
	return nil
}

// offer hands conn to consumer and undoes the acquisition when declined.
func (p *SharedPool) offer(conn Connection, consumer ConnectionConsumer) bool {
	if consumer(conn, nil) {
		return true
	}

	conn.cancelAcquire()
	p.inFlight.Decrement()
	if conn.InFlight() == 0 {
		p.usedConnections.Decrement()
	}
	if conn.IsAvailable() {
		pushAvailable(p.available, conn)
	}
	return false
}

func (p *SharedPool) Acquire(exclusive bool, consumer ConnectionConsumer) {
	p.loop.MustInLoop()

	if p.shutdown {
		consumer(nil, http.ErrPoolShutdown)
		return
	}

	if conn := p.acquireNow(exclusive); conn != nil {
		p.offer(conn, consumer)
		p.checkCreateConnections()
		return
	}

	if p.exhausted() {
		p.logger.Error("connect failures exceeded the threshold, cannot serve the request", "failures", p.failures)
		consumer(nil, http.ErrPoolExhausted)
		return
	}

	p.waiting.Enqueue(waiter{exclusive: exclusive, consumer: consumer})
	p.blockedSessions.Increment()
}

func (p *SharedPool) AfterRequestSent(conn Connection) {
	// Still available: to the back, not to be preferred for the next request.
	// Nothing in flight means the response came from cache: to the front.
	if conn.IsAvailable() {
		pushAvailable(p.available, conn)
	}
}

func (p *SharedPool) Release(conn Connection, becameAvailable, afterRequest bool) {
	p.loop.MustInLoop()

	if becameAvailable && conn.IsOpen() {
		pushAvailable(p.available, conn)
	}
	if afterRequest {
		p.inFlight.Decrement()
	}
	if conn.InFlight() == 0 {
		p.usedConnections.Decrement()
	}

	if p.opts.KeepAlive > 0 && p.keepAliveTimer == nil && !p.shutdown {
		p.scheduleKeepAlive(conn.LastUsed())
	}
}

// scheduleKeepAlive arms the idle check for the connection idle the longest.
func (p *SharedPool) scheduleKeepAlive(lastUsed time.Time) {
	for i := range p.available.Len() {
		if c := p.available.At(i); c.IsOpen() && c.LastUsed().Before(lastUsed) {
			lastUsed = c.LastUsed()
		}
	}

	next := p.opts.KeepAlive - p.loop.Clock().Since(lastUsed)
	p.logger.Debug("scheduling keep-alive check", "in", next)
	p.keepAliveTimer = p.loop.Schedule(next, p.checkKeepAlive)
}

func (p *SharedPool) checkKeepAlive() {
	p.keepAliveTimer = nil
	now := p.loop.Clock().Now()

	var idle []Connection
	var oldest time.Time
	for i := range p.available.Len() {
		c := p.available.At(i)
		switch {
		case !c.IsOpen():
		case now.Sub(c.LastUsed()) >= p.opts.KeepAlive:
			idle = append(idle, c)
		case oldest.IsZero() || c.LastUsed().Before(oldest):
			oldest = c.LastUsed()
		}
	}

	for _, c := range idle {
		p.logger.Debug("closing idle connection", "conn", c.ID())
		c.Close()
	}

	if !oldest.IsZero() && !p.shutdown && p.keepAliveTimer == nil {
		p.scheduleKeepAlive(oldest)
	}
}

func (p *SharedPool) OnSessionReset() {}

// Pulse serves waiting consumers in arrival order. Calls made while it runs
// make it loop once more instead of nesting.
func (p *SharedPool) Pulse() {
	p.loop.MustInLoop()

	if p.pulsing {
		p.pulseAgain = true
		return
	}
	p.pulsing = true
	defer func() { p.pulsing = false }()

	for {
		p.pulseAgain = false
		p.serveWaiting()
		if !p.pulseAgain {
			break
		}
	}

	// Consumers may hand the connection back and pulse again. Avoid waking
	// everybody at once: look again shortly.
	if p.pulseTimer == nil && p.waiting.Len() > 0 && !p.shutdown {
		p.pulseTimer = p.loop.Schedule(p.opts.PulseInterval, func() {
			p.pulseTimer = nil
			p.Pulse()
		})
	}
}

func (p *SharedPool) serveWaiting() {
	for p.waiting.Len() > 0 {
		if p.exhausted() {
			p.logger.Error("connect failures exceeded the threshold, stopping waiting sessions", "waiting", p.waiting.Len())
			p.failWaiting(http.ErrPoolExhausted)
			return
		}

		w, _ := p.waiting.Peek()
		conn := p.acquireNow(w.exclusive)
		if conn == nil {
			return
		}
		p.waiting.Dequeue()
		p.blockedSessions.Decrement()
		p.offer(conn, w.consumer)
	}
}

func (p *SharedPool) failWaiting(err error) {
	for p.waiting.Len() > 0 {
		w, _ := p.waiting.Dequeue()
		p.blockedSessions.Decrement()
		w.consumer(nil, err)
	}
}

func (p *SharedPool) needsMoreConnections() bool {
	total := p.created + p.connecting
	return total < p.opts.Core ||
		(total < p.opts.Max && p.connecting+p.available.Len() < p.opts.Buffer)
}

func (p *SharedPool) scheduleCheck(d time.Duration) {
	if p.checkTimer != nil || p.shutdown {
		return
	}
	p.checkTimer = p.loop.Schedule(d, func() {
		p.checkTimer = nil
		p.checkCreateConnections()
	})
}

func (p *SharedPool) checkCreateConnections() {
	p.loop.MustInLoop()

	if p.shutdown {
		return
	}
	if p.exhausted() {
		p.failStart()
		p.Pulse()
		return
	}
	if !p.needsMoreConnections() {
		p.completeStart()
		return
	}

	if p.limiter != nil {
		now := p.loop.Clock().Now()
		r := p.limiter.ReserveN(now, 1)
		if delay := r.DelayFrom(now); delay > 0 {
			r.CancelAt(now)
			p.scheduleCheck(delay)
			return
		}
	}

	p.connecting++
	p.connector.Connect(p.loop, p.handleNewConnection)

	if p.needsMoreConnections() {
		p.scheduleCheck(p.opts.ConnectInterval)
	}
}

func (p *SharedPool) handleNewConnection(conn Connection, err error) {
	p.connecting--

	if err != nil {
		p.failures++
		p.logger.Warn("cannot create connection", "error", err, "created", p.created, "failures", p.failures)

		if p.exhausted() {
			p.failStart()
			p.Pulse()
			return
		}
		p.scheduleCheck(p.opts.ConnectInterval)
		return
	}

	if p.shutdown {
		conn.Close()
		return
	}

	p.connections = append(p.connections, conn)
	p.created++
	// Otherwise a long run would eventually stop reconnecting.
	p.failures = 0
	conn.Attach(p)
	p.available.PushBack(conn)
	p.tags.Get(conn.Tag()).Increment()
	p.logger.Debug("created connection", "conn", conn.ID(),
		"created", p.created, "connecting", p.connecting, "available", p.available.Len(), "max", p.opts.Max)

	conn.OnClose(p.onConnectionClosed)

	if p.needsMoreConnections() {
		p.checkCreateConnections()
	} else {
		p.completeStart()
	}
	p.Pulse()
}

func (p *SharedPool) onConnectionClosed(conn Connection) {
	p.created--
	removeAvailable(p.available, conn)
	for i, c := range p.connections {
		if c == conn {
			p.connections = append(p.connections[:i], p.connections[i+1:]...)
			break
		}
	}
	p.tags.Get(conn.Tag()).Decrement()
	p.logger.Debug("connection closed", "conn", conn.ID(), "created", p.created, "available", p.available.Len())

	if !p.shutdown {
		p.checkCreateConnections()
	}
}

func (p *SharedPool) completeStart() {
	if p.onStarted == nil || p.created < p.opts.Core {
		return
	}
	onStarted := p.onStarted
	p.onStarted = nil
	onStarted(nil)
}

func (p *SharedPool) failStart() {
	if p.onStarted == nil {
		return
	}
	msg := fmt.Sprintf("cannot connect to %s: %d created, %d failures", p.authority, p.created, p.failures)
	if p.created > 0 {
		msg += " (either let the server accept more connections or lower the pool size)"
	}
	onStarted := p.onStarted
	p.onStarted = nil
	onStarted(errors.Wrap(http.ErrPoolExhausted, msg))
}

func (p *SharedPool) Start(onStarted func(error)) {
	p.loop.Execute(func() {
		p.onStarted = onStarted
		p.checkCreateConnections()
	})
}

func (p *SharedPool) Shutdown() {
	p.loop.Execute(p.shutdownNow)
}

func (p *SharedPool) shutdownNow() {
	if p.shutdown {
		return
	}
	p.logger.Debug("shutting down", "connections", len(p.connections))
	p.shutdown = true

	p.pulseTimer.Stop()
	p.checkTimer.Stop()
	p.keepAliveTimer.Stop()
	p.pulseTimer, p.checkTimer, p.keepAliveTimer = nil, nil, nil

	for _, conn := range append([]Connection(nil), p.connections...) {
		conn.Close()
	}
	p.available.Clear()
	p.failWaiting(http.ErrPoolShutdown)

	if p.onStarted != nil {
		onStarted := p.onStarted
		p.onStarted = nil
		onStarted(http.ErrPoolShutdown)
	}
}

func (p *SharedPool) VisitStats(f func(name string, s stats.Snapshot)) {
	p.loop.MustInLoop()

	f(StatInFlight, p.inFlight.SnapshotAndReset())
	f(StatUsedConnections, p.usedConnections.SnapshotAndReset())
	f(StatBlockedSessions, p.blockedSessions.SnapshotAndReset())
	p.tags.Visit(func(tag http.Tag, s stats.Snapshot) { f(tag.String(), s) })
	p.tags.ResetWindow()
}
