package client

import (
	"hyperload/lib/ds/queue"
	"hyperload/lib/reactor"
	"hyperload/lib/stats"
)

// ConnectionConsumer receives an acquired connection, or the reason none
// could be acquired. Returning false with a connection hands it back.
type ConnectionConsumer func(conn Connection, err error) (accepted bool)

// Pool hands out connections of one loop. Its methods must be called from
// that loop.
type Pool interface {
	Authority() string
	Loop() *reactor.Loop

	// Acquire invokes consumer now, or queues it until a connection frees
	// up. exclusive skips connections with requests in flight.
	Acquire(exclusive bool, consumer ConnectionConsumer)
	// AfterRequestSent re-queues conn if it can take more requests.
	AfterRequestSent(conn Connection)
	Release(conn Connection, becameAvailable, afterRequest bool)
	// Pulse serves waiting consumers.
	Pulse()
	OnSessionReset()
}

// Shard is a top-level pool owned by a [ClientPool].
type Shard interface {
	Pool

	// Start begins opening connections. onStarted runs on the shard's loop.
	// Start and Shutdown may be called from any goroutine.
	Start(onStarted func(error))
	Shutdown()

	WaitingSessions() int
	IncrementInFlight()
	DecrementInFlight()

	// VisitStats reports the watermarks of the current window and starts a new one.
	VisitStats(f func(name string, s stats.Snapshot))
}

const (
	StatInFlight        = "inFlight"
	StatUsedConnections = "usedConnections"
	StatBlockedSessions = "blockedSessions"
)

// pushAvailable queues conn unless it is already queued. Idle connections go
// to the front to be reused first, busy ones to the back.
func pushAvailable(available *queue.Deque[Connection], conn Connection) {
	if available.IndexFunc(func(c Connection) bool { return c == conn }) >= 0 {
		return
	}
	if conn.InFlight() == 0 {
		available.PushFront(conn)
	} else {
		available.PushBack(conn)
	}
}

func removeAvailable(available *queue.Deque[Connection], conn Connection) {
	available.RemoveFunc(func(c Connection) bool { return c == conn })
}
