package client

import (
	"log/slog"
	"testing"
	"time"

	"hyperload/application/http"

	"github.com/stretchr/testify/suite"
)

type SessionPoolTestSuite struct {
	loopSuite

	shared *SharedPool
	conns  []*fakeConn
}

func TestSessionPoolTestSuite(t *testing.T) {
	suite.Run(t, new(SessionPoolTestSuite))
}

// startShared establishes two connections, each taking limit requests.
func (s *SessionPoolTestSuite) startShared(limit int) {
	s.connector.limit = limit
	opts := PoolOptions{Core: 2, Max: 2, MaxFailures: 3, ConnectInterval: time.Millisecond, PulseInterval: time.Millisecond}
	s.shared = NewSharedPool("example.com:80", opts, s.loop, s.connector, slog.New(slog.DiscardHandler))

	var started error
	s.shared.Start(func(err error) { started = err })
	s.loop.RunPending()
	s.tick(time.Millisecond)
	s.conns = nil
	s.run(func() {
		s.conns = append(s.conns, s.connector.succeed(), s.connector.succeed())
	})
	s.Require().NoError(started)
}

// send acquires from p and sends one request on the connection.
func (s *SessionPoolTestSuite) send(p Pool, h *recordingHandler) (got Connection, err error) {
	s.run(func() {
		p.Acquire(false, func(conn Connection, e error) bool {
			got, err = conn, e
			if e != nil {
				return false
			}
			conn.Send(&http.Request{Method: http.MethodGet, Path: "/", Handler: h})
			return true
		})
	})
	return got, err
}

func (s *SessionPoolTestSuite) TestSessionKeepsItsConnection() {
	s.startShared(1)
	session := NewSessionPool(s.shared, 4)

	first, err := s.send(session, &recordingHandler{})
	s.Require().NoError(err)
	s.Same(session, first.Pool())

	s.run(first.(*fakeConn).complete)
	s.Equal([]Connection{first}, session.Connections())

	second, err := s.send(session, &recordingHandler{})
	s.Require().NoError(err)
	s.Same(first, second)
	s.Equal(1, s.shared.available.Len(), "the other connection is untouched")
}

func (s *SessionPoolTestSuite) TestResetReturnsIdleConnections() {
	s.startShared(1)
	session := NewSessionPool(s.shared, 4)

	conn, err := s.send(session, &recordingHandler{})
	s.Require().NoError(err)
	s.run(conn.(*fakeConn).complete)

	s.run(session.OnSessionReset)

	s.Same(s.shared, conn.Pool())
	s.True(conn.IsOpen())
	s.Equal(2, s.shared.available.Len())
	s.Same(conn, s.shared.available.At(0))
	s.Empty(session.Connections())
	s.Zero(s.shared.usedConnections.Current())
}

func (s *SessionPoolTestSuite) TestResetClosesBusyConnections() {
	s.startShared(1)
	session := NewSessionPool(s.shared, 4)

	h := &recordingHandler{}
	conn, err := s.send(session, h)
	s.Require().NoError(err)

	s.run(session.OnSessionReset)

	s.True(conn.IsClosed())
	s.Equal([]string{"error"}, h.events)
	s.ErrorIs(h.errs[0], http.ErrConnectionClosed)
	s.Zero(s.shared.inFlight.Current())
	s.Equal(1, s.connector.pending(), "the shared shard replaces it")
}

func (s *SessionPoolTestSuite) TestDeclineReturnsToShared() {
	s.startShared(1)
	session := NewSessionPool(s.shared, 4)

	var offered Connection
	s.run(func() {
		session.Acquire(false, func(conn Connection, err error) bool {
			offered = conn
			return false
		})
	})

	s.Require().NotNil(offered)
	s.Same(s.shared, offered.Pool())
	s.Equal(2, s.shared.available.Len())
	s.Empty(session.Connections())
}

func (s *SessionPoolTestSuite) TestSessionSharesNothingWithOthers() {
	s.startShared(2)
	a, b := NewSessionPool(s.shared, 4), NewSessionPool(s.shared, 4)

	ca, err := s.send(a, &recordingHandler{})
	s.Require().NoError(err)
	cb, err := s.send(b, &recordingHandler{})
	s.Require().NoError(err)

	s.NotSame(ca, cb, "sessions take connections nobody else uses")
}

func (s *SessionPoolTestSuite) TestSharedErrorsPassThrough() {
	s.startShared(1)
	session := NewSessionPool(s.shared, 4)

	s.shared.Shutdown()
	s.loop.RunPending()

	_, err := s.send(session, &recordingHandler{})
	s.ErrorIs(err, http.ErrPoolShutdown)
}

func (s *SessionPoolTestSuite) TestExclusiveKeepsIdleConnection() {
	s.startShared(2)
	ex := NewExclusivePool(s.shared)

	first, err := s.send(ex, &recordingHandler{})
	s.Require().NoError(err)
	s.Same(ex, first.Pool())
	s.Equal(1, s.shared.available.Len(), "not offered to others while in use")

	s.run(first.(*fakeConn).complete)
	s.Zero(s.shared.inFlight.Current())

	second, err := s.send(ex, &recordingHandler{})
	s.Require().NoError(err)
	s.Same(first, second)
}

func (s *SessionPoolTestSuite) TestExclusiveNeverPipelines() {
	s.startShared(2)
	ex := NewExclusivePool(s.shared)

	first, err := s.send(ex, &recordingHandler{})
	s.Require().NoError(err)
	second, err := s.send(ex, &recordingHandler{})
	s.Require().NoError(err)

	s.NotSame(first, second)
	s.Equal(1, first.InFlight())
	s.Equal(1, second.InFlight())
}

func (s *SessionPoolTestSuite) TestExclusiveResetReturnsToParent() {
	s.startShared(2)
	ex := NewExclusivePool(s.shared)

	conn, err := s.send(ex, &recordingHandler{})
	s.Require().NoError(err)
	s.run(conn.(*fakeConn).complete)

	s.run(ex.OnSessionReset)

	s.Same(s.shared, conn.Pool())
	s.Equal(2, s.shared.available.Len())
}

func (s *SessionPoolTestSuite) TestExclusiveResetWithRequestInFlight() {
	s.startShared(2)
	ex := NewExclusivePool(s.shared)

	conn, err := s.send(ex, &recordingHandler{})
	s.Require().NoError(err)

	s.run(ex.OnSessionReset)
	s.Same(s.shared, conn.Pool(), "busy connections go back too")

	s.run(conn.(*fakeConn).complete)
	s.Same(s.shared, conn.Pool())
	s.Equal(2, s.shared.available.Len())
	s.Zero(ex.available.Len())
	s.Zero(s.shared.inFlight.Current())
	s.Zero(s.shared.usedConnections.Current())
}

func (s *SessionPoolTestSuite) TestExclusiveClosedConnectionReturnsToParent() {
	s.startShared(2)
	ex := NewExclusivePool(s.shared)

	conn, err := s.send(ex, &recordingHandler{})
	s.Require().NoError(err)

	s.run(conn.Close)
	s.Same(s.shared, conn.Pool())
	s.Zero(s.shared.inFlight.Current())
	s.Zero(s.shared.usedConnections.Current())
	s.Empty(ex.owned)
}
