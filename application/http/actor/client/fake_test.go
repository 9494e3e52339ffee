package client

import (
	"log/slog"
	"strconv"
	"time"

	"hyperload/application/http"
	"hyperload/lib/reactor"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/suite"
)

// loopSuite drives a loop by hand on a mock clock.
type loopSuite struct {
	suite.Suite

	clock     *clock.Mock
	loop      *reactor.Loop
	connector *fakeConnector
}

func (s *loopSuite) SetupTest() {
	s.clock = clock.NewMock()
	s.loop = reactor.New(0, s.clock, slog.New(slog.DiscardHandler))
	s.connector = &fakeConnector{limit: 1}
}

func (s *loopSuite) TearDownTest() {
	s.loop.Shutdown()
}

// run executes f on the loop along with everything it posts.
func (s *loopSuite) run(f func()) {
	s.loop.Execute(f)
	s.loop.RunPending()
}

func (s *loopSuite) tick(d time.Duration) {
	s.clock.Add(d)
	s.loop.RunPending()
}

// fakeConn is a connection without I/O. Requests complete when the test says so.
type fakeConn struct {
	id    uint64
	loop  *reactor.Loop
	tag   http.Tag
	limit int

	sent        []*http.Request
	aboutToSend int
	status      ConnStatus
	lastUsed    time.Time
	pool        Pool
	listeners   []func(Connection)
}

var _ Connection = (*fakeConn)(nil)

func newFakeConn(loop *reactor.Loop, limit int) *fakeConn {
	return &fakeConn{
		id:       connIDs.Add(1),
		loop:     loop,
		limit:    limit,
		lastUsed: loop.Clock().Now(),
	}
}

func (c *fakeConn) Version() http.Version { return http.Version1_1 }
func (c *fakeConn) Tag() http.Tag         { return c.tag }
func (c *fakeConn) Authority() string     { return "example.com:80" }
func (c *fakeConn) ID() uint64            { return c.id }
func (c *fakeConn) Loop() *reactor.Loop   { return c.loop }
func (c *fakeConn) Status() ConnStatus    { return c.status }
func (c *fakeConn) IsOpen() bool          { return c.status == StatusOpen }
func (c *fakeConn) IsClosed() bool        { return c.status == StatusClosed }
func (c *fakeConn) LastUsed() time.Time   { return c.lastUsed }
func (c *fakeConn) Attach(pool Pool)      { c.pool = pool }
func (c *fakeConn) Pool() Pool            { return c.pool }
func (c *fakeConn) InFlight() int         { return len(c.sent) + c.aboutToSend }
func (c *fakeConn) onAcquire()            { c.aboutToSend++ }
func (c *fakeConn) cancelAcquire()        { c.aboutToSend-- }

func (c *fakeConn) OnClose(f func(Connection)) { c.listeners = append(c.listeners, f) }

func (c *fakeConn) IsAvailable() bool {
	return c.pool == nil || (c.IsOpen() && c.InFlight() < c.limit)
}

func (c *fakeConn) Send(r *http.Request) {
	c.aboutToSend--
	r.Attach(c)
	c.sent = append(c.sent, r)
	c.pool.AfterRequestSent(c)
}

func (c *fakeConn) Cancel(r *http.Request, cause error) {
	r.Fail(cause)
	c.Close()
}

// complete finishes the oldest request.
func (c *fakeConn) complete() {
	r := c.sent[0]
	c.sent = c.sent[1:]
	r.Succeed()
	c.lastUsed = c.loop.Clock().Now()
	pool := c.pool
	pool.Release(c, c.InFlight() == c.limit-1 && c.IsOpen(), true)
	pool.Pulse()
}

func (c *fakeConn) Close() {
	if c.status != StatusOpen {
		return
	}
	c.status = StatusClosing
	for len(c.sent) > 0 {
		r := c.sent[0]
		c.sent = c.sent[1:]
		c.pool.Release(c, false, true)
		r.Fail(http.ErrSelfClosed)
	}
	c.status = StatusClosed
	listeners := c.listeners
	c.listeners = nil
	for _, f := range listeners {
		f(c)
	}
}

type connectAttempt struct {
	loop *reactor.Loop
	done func(Connection, error)
}

// fakeConnector records attempts; tests resolve them.
type fakeConnector struct {
	limit    int
	attempts []connectAttempt
	conns    []*fakeConn
}

var _ Connector = (*fakeConnector)(nil)

func (c *fakeConnector) Connect(loop *reactor.Loop, done func(Connection, error)) {
	c.attempts = append(c.attempts, connectAttempt{loop: loop, done: done})
}

func (c *fakeConnector) pending() int { return len(c.attempts) }

// succeed establishes the oldest attempt. Must run on the loop.
func (c *fakeConnector) succeed() *fakeConn {
	a := c.attempts[0]
	c.attempts = c.attempts[1:]
	conn := newFakeConn(a.loop, max(c.limit, 1))
	c.conns = append(c.conns, conn)
	a.done(conn, nil)
	return conn
}

func (c *fakeConnector) fail(err error) {
	a := c.attempts[0]
	c.attempts = c.attempts[1:]
	a.done(nil, err)
}

// recordingHandler collects the events of requests.
type recordingHandler struct {
	events []string
	errs   []error
}

func (h *recordingHandler) OnStatus(r *http.Request, code int) {
	h.events = append(h.events, "status "+strconv.Itoa(code))
}

func (h *recordingHandler) OnHeader(r *http.Request, name, value string) {
	h.events = append(h.events, "header "+name+": "+value)
}

func (h *recordingHandler) OnBodyPart(r *http.Request, data []byte, isLast bool) {
	e := "body " + string(data)
	if isLast {
		e += " (last)"
	}
	h.events = append(h.events, e)
}

func (h *recordingHandler) OnRawBytes(r *http.Request, data []byte, isLast bool) {}

func (h *recordingHandler) OnComplete(r *http.Request) { h.events = append(h.events, "complete") }
func (h *recordingHandler) OnCached(r *http.Request)   { h.events = append(h.events, "cached") }

func (h *recordingHandler) OnError(r *http.Request, err error) {
	h.events = append(h.events, "error")
	h.errs = append(h.errs, err)
}
