// Package test holds a suite every [transport.Conn] implementation runs.
package test

import (
	"bytes"
	"sync"
	"time"

	"hyperload/transport"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

const waitFor = time.Second

// ConnTestSuite checks the behaviour the client connections rely on: a reader
// goroutine and a writer goroutine per connection, both unblocked by Close.
// Embedders set C1 and C2 after calling SetupTest.
type ConnTestSuite struct {
	suite.Suite
	C1, C2 transport.Conn
	Clock  clock.Clock

	// BlockingInput is written by C1 while nobody reads C2. It must be big
	// enough that the write blocks until C1 is closed.
	BlockingInput []byte
}

func (s *ConnTestSuite) SetupTest() {
	s.Clock = clock.New()
	s.BlockingInput = []byte("hey")
}

func (s *ConnTestSuite) TearDownTest() {
	defer goleak.VerifyNone(s.T())
	s.NoError(s.C1.Close())
	s.NoError(s.C2.Close())
}

// async runs f on its own goroutine. The returned channel closes when f returns.
func (s *ConnTestSuite) async(f func()) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		f()
	}()
	return done
}

func (s *ConnTestSuite) wait(done <-chan struct{}) {
	select {
	case <-done:
	case <-time.After(waitFor):
		s.FailNow("timeout exceeded")
	}
}

// readAll reads from c until it fails and returns what arrived before.
func readAll(c transport.Conn) ([]byte, error) {
	var result []byte
	b := make([]byte, 7)
	for {
		n, err := c.Read(b)
		result = append(result, b[:n]...)
		if err != nil {
			return result, err
		}
	}
}

func (s *ConnTestSuite) TestPipelinedWrites() {
	requests := [][]byte{
		[]byte("GET /a HTTP/1.1\r\n\r\n"),
		[]byte("GET /b HTTP/1.1\r\n\r\n"),
		[]byte("GET /c HTTP/1.1\r\n\r\n"),
	}

	var received []byte
	var readErr error
	reader := s.async(func() { received, readErr = readAll(s.C2) })

	for _, r := range requests {
		n, err := s.C1.Write(r)
		s.Require().NoError(err)
		s.Equal(len(r), n)
	}
	s.Require().NoError(s.C1.Close())

	s.wait(reader)
	s.ErrorIs(readErr, transport.ErrConnClosed)
	s.Equal(bytes.Join(requests, nil), received)
}

func (s *ConnTestSuite) TestPartialReads() {
	data := []byte("Hello, World!")
	writer := s.async(func() {
		n, err := s.C1.Write(data)
		s.NoError(err)
		s.Equal(len(data), n)
	})

	buf := make([]byte, 10)
	n, err := s.C2.Read(buf)
	s.Require().NoError(err)
	s.Equal(data[:n], buf[:n])

	rest := make([]byte, len(data))
	m, err := s.C2.Read(rest)
	s.Require().NoError(err)
	s.Equal(data[n:], rest[:m])

	s.wait(writer)
}

func (s *ConnTestSuite) TestConcurrentWritesDoNotInterleave() {
	data := []byte("ABCD")
	const writers = 10

	var received []byte
	reader := s.async(func() { received, _ = readAll(s.C2) })

	var wg sync.WaitGroup
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.C1.Write(data)
			s.NoError(err)
			s.Equal(len(data), n)
		}()
	}
	wg.Wait()
	s.Require().NoError(s.C1.Close())

	s.wait(reader)
	s.Equal(bytes.Repeat(data, writers), received)
}

func (s *ConnTestSuite) TestCloseUnblocksReader() {
	var err error
	reader := s.async(func() { _, err = s.C1.Read(make([]byte, 1)) })

	time.Sleep(50 * time.Millisecond)
	s.Require().NoError(s.C1.Close())

	s.wait(reader)
	s.ErrorIs(err, transport.ErrConnClosed)
}

func (s *ConnTestSuite) TestPeerCloseUnblocksReader() {
	var err error
	reader := s.async(func() { _, err = readAll(s.C1) })

	time.Sleep(50 * time.Millisecond)
	s.Require().NoError(s.C2.Close())

	s.wait(reader)
	s.ErrorIs(err, transport.ErrConnClosed)
}

func (s *ConnTestSuite) TestCloseUnblocksWriter() {
	var err error
	writer := s.async(func() { _, err = s.C1.Write(s.BlockingInput) })

	time.Sleep(50 * time.Millisecond)
	s.Require().NoError(s.C1.Close())

	s.wait(writer)
	s.ErrorIs(err, transport.ErrConnClosed)
}

func (s *ConnTestSuite) TestUseAfterClose() {
	s.Require().NoError(s.C1.Close())
	s.NoError(s.C1.Close(), "close is idempotent")

	buf := make([]byte, 4)
	n, err := s.C1.Read(buf)
	s.ErrorIs(err, transport.ErrConnClosed)
	s.Zero(n)

	n, err = s.C1.Write(buf)
	s.ErrorIs(err, transport.ErrConnClosed)
	s.Zero(n)
}

func (s *ConnTestSuite) TestExpiredDeadlines() {
	past := s.Clock.Now().Add(-time.Second)
	s.C1.SetReadDeadLine(past)
	s.C1.SetWriteDeadLine(past)

	b := make([]byte, 1)
	n, err := s.C1.Read(b)
	s.ErrorIs(err, transport.ErrDeadLineExceeded)
	s.Zero(n)

	n, err = s.C1.Write(b)
	s.ErrorIs(err, transport.ErrDeadLineExceeded)
	s.Zero(n)
}

func (s *ConnTestSuite) TestDeadlineUnblocksRead() {
	s.C1.SetReadDeadLine(s.Clock.Now().Add(20 * time.Millisecond))

	var err error
	reader := s.async(func() { _, err = s.C1.Read(make([]byte, 1)) })

	s.wait(reader)
	s.ErrorIs(err, transport.ErrDeadLineExceeded)
}

func (s *ConnTestSuite) TestClearedDeadline() {
	s.C1.SetWriteDeadLine(s.Clock.Now().Add(-time.Second))
	s.C1.SetWriteDeadLine(time.Time{})

	var received []byte
	reader := s.async(func() {
		b := make([]byte, 4)
		n, _ := s.C2.Read(b)
		received = b[:n]
	})

	_, err := s.C1.Write([]byte("ping"))
	s.Require().NoError(err)

	s.wait(reader)
	s.Equal([]byte("ping"), received)
}

func (s *ConnTestSuite) TestAddr() {
	s.Equal(s.C1.LocalAddr().String(), s.C2.RemoteAddr().String())
	s.Equal(s.C2.LocalAddr().String(), s.C1.RemoteAddr().String())
	s.Equal(s.C1.LocalAddr().Network(), s.C2.LocalAddr().Network())
}
