// Package reactor provides a single-goroutine task executor.
//
// Everything bound to a [Loop] (connections, pool shards, their counters) is
// only touched from tasks running on that loop, so none of it needs locks.
// Other goroutines hand work over with [Loop.Execute].
package reactor

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

type Loop struct {
	id     int
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	tasks    []func()
	timers   timerHeap
	seq      uint64
	shutdown bool
	// guards the fields above

	wake     chan struct{}
	done     chan struct{}
	doneOnce sync.Once

	inTurn atomic.Bool
}

func New(id int, clock clock.Clock, logger *slog.Logger) *Loop {
	return &Loop{
		id:     id,
		clock:  clock,
		logger: logger.With("loop", id),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (l *Loop) ID() int               { return l.id }
func (l *Loop) Clock() clock.Clock    { return l.clock }
func (l *Loop) Done() <-chan struct{} { return l.done }

// InLoop reports whether a task of this loop is currently running. It does
// not identify the calling goroutine: a goroutine of another loop that runs
// while this loop is busy passes too. The check catches state touched while
// its loop is idle, and from tasks of other loops in RunPending-driven tests.
func (l *Loop) InLoop() bool { return l.inTurn.Load() }

// MustInLoop panics when called while no task of this loop is running.
func (l *Loop) MustInLoop() {
	if !l.InLoop() {
		panic("reactor: loop-confined state touched outside of its loop")
	}
}

func (l *Loop) IsShutdown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shutdown
}

// Execute posts task to the loop. It is safe to call from any goroutine.
// Tasks posted after shutdown are dropped and false is returned.
func (l *Loop) Execute(task func()) bool {
	l.mu.Lock()
	if l.shutdown {
		l.mu.Unlock()
		return false
	}
	l.tasks = append(l.tasks, task)
	l.mu.Unlock()

	l.notify()
	return true
}

// Schedule runs task on the loop once d has elapsed on the loop's clock.
func (l *Loop) Schedule(d time.Duration, task func()) *Timer {
	t := &Timer{loop: l, task: task, index: -1}

	l.mu.Lock()
	if l.shutdown {
		l.mu.Unlock()
		return t
	}
	l.seq++
	t.when, t.seq = l.clock.Now().Add(d), l.seq
	heap.Push(&l.timers, t)
	l.mu.Unlock()

	l.notify()
	return t
}

func (l *Loop) notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Shutdown stops the loop. Pending tasks and timers are dropped.
func (l *Loop) Shutdown() {
	l.mu.Lock()
	l.shutdown = true
	l.tasks = nil
	for _, t := range l.timers {
		t.index = -1
	}
	l.timers = nil
	l.mu.Unlock()

	l.doneOnce.Do(func() { close(l.done) })
}

// Run executes tasks until ctx is done or the loop is shut down.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.RunPending()

		var timerC <-chan time.Time
		var timer *clock.Timer
		if when, ok := l.nextDeadline(); ok {
			timer = l.clock.Timer(l.clock.Until(when))
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			l.Shutdown()
			return ctx.Err()
		case <-l.done:
			stopTimer(timer)
			return nil
		case <-l.wake:
		case <-timerC:
		}
		stopTimer(timer)
	}
}

func stopTimer(t *clock.Timer) {
	if t != nil {
		t.Stop()
	}
}

// RunPending runs queued tasks and due timers in the calling goroutine until
// nothing is runnable. It returns the number of tasks run.
func (l *Loop) RunPending() int {
	n := 0
	for {
		task, ok := l.next()
		if !ok {
			return n
		}
		l.run(task)
		n++
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.shutdown {
		return nil, false
	}

	if len(l.timers) > 0 && !l.timers[0].when.After(l.clock.Now()) {
		t := heap.Pop(&l.timers).(*Timer)
		return t.task, true
	}

	if len(l.tasks) > 0 {
		task := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		return task, true
	}

	return nil, false
}

func (l *Loop) nextDeadline() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.timers) == 0 {
		return time.Time{}, false
	}
	return l.timers[0].when, true
}

func (l *Loop) run(task func()) {
	l.inTurn.Store(true)
	defer l.inTurn.Store(false)

	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("task panicked", "panic", r)
		}
	}()

	task()
}

// Timer is a task scheduled with [Loop.Schedule].
type Timer struct {
	loop  *Loop
	when  time.Time
	seq   uint64
	task  func()
	index int // -1 when not scheduled.
}

// Stop cancels the timer. It returns false if the task already ran or was stopped.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}

	t.loop.mu.Lock()
	defer t.loop.mu.Unlock()

	if t.index < 0 {
		return false
	}
	heap.Remove(&t.loop.timers, t.index)
	return true
}

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
