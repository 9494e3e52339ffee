package tcp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"hyperload/transport"
	"hyperload/transport/test"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

type DialerTestSuite struct {
	suite.Suite

	listener net.Listener
	accepted chan net.Conn
}

func TestDialerTestSuite(t *testing.T) {
	suite.Run(t, new(DialerTestSuite))
}

func (s *DialerTestSuite) SetupTest() {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)
	s.listener = l
	s.accepted = make(chan net.Conn, 1)

	go func() {
		c, err := l.Accept()
		if err != nil {
			close(s.accepted)
			return
		}
		s.accepted <- c
	}()
}

func (s *DialerTestSuite) TearDownTest() {
	defer goleak.VerifyNone(s.T())
	s.listener.Close()
	if c, ok := <-s.accepted; ok {
		c.Close()
	}
}

func (s *DialerTestSuite) dial() transport.Conn {
	d := NewDialer(DialerOptions{Timeout: time.Second, NoDelay: true})
	conn, err := d.Dial(context.Background(), s.listener.Addr().String())
	s.Require().NoError(err)
	return conn
}

func (s *DialerTestSuite) TestReadWrite() {
	conn := s.dial()
	defer conn.Close()

	peer := <-s.accepted
	defer func() { s.accepted <- peer }()

	n, err := conn.Write([]byte("ping"))
	s.Require().NoError(err)
	s.Equal(4, n)

	buf := make([]byte, 4)
	_, err = io.ReadFull(peer, buf)
	s.Require().NoError(err)
	s.Equal("ping", string(buf))

	_, err = peer.Write([]byte("pong"))
	s.Require().NoError(err)
	_, err = io.ReadFull(conn, buf)
	s.Require().NoError(err)
	s.Equal("pong", string(buf))

	s.Equal(peer.LocalAddr().String(), conn.RemoteAddr().String())
	s.Equal("tcp", conn.LocalAddr().Network())
	s.Empty(conn.(transport.ProtocolNegotiator).NegotiatedProtocol())
}

func (s *DialerTestSuite) TestPeerClose() {
	conn := s.dial()
	defer conn.Close()

	peer := <-s.accepted
	peer.Close()
	s.accepted <- peer

	_, err := conn.Read(make([]byte, 1))
	s.ErrorIs(err, transport.ErrConnClosed)
}

func (s *DialerTestSuite) TestCloseTwice() {
	conn := s.dial()
	s.NoError(conn.Close())
	s.NoError(conn.Close())

	_, err := conn.Read(make([]byte, 1))
	s.ErrorIs(err, transport.ErrConnClosed)
}

func (s *DialerTestSuite) TestReadDeadLine() {
	conn := s.dial()
	defer conn.Close()

	conn.SetReadDeadLine(time.Now().Add(-time.Second))
	_, err := conn.Read(make([]byte, 1))
	s.ErrorIs(err, transport.ErrDeadLineExceeded)
}

func (s *DialerTestSuite) TestRefused() {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)
	addr := l.Addr().String()
	l.Close()

	d := NewDialer(DialerOptions{Timeout: time.Second})
	_, err = d.Dial(context.Background(), addr)
	s.ErrorIs(err, transport.ErrConnRefused)
}

func TestDialTLSNegotiatesALPN(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"))

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.EnableHTTP2 = true
	srv.TLS = &tls.Config{NextProtos: []string{"h2", "http/1.1"}}
	srv.StartTLS()
	defer srv.Close()

	roots := x509.NewCertPool()
	roots.AddCert(srv.Certificate())

	testcases := []struct {
		desc     string
		protos   []string
		expected string
	}{
		{desc: "prefers h2", protos: []string{"h2", "http/1.1"}, expected: "h2"},
		{desc: "http/1.1 only", protos: []string{"http/1.1"}, expected: "http/1.1"},
	}

	for _, tc := range testcases {
		t.Run(tc.desc, func(t *testing.T) {
			d := NewDialer(DialerOptions{
				TLSConfig:  &tls.Config{RootCAs: roots, ServerName: "example.com"},
				NextProtos: tc.protos,
				Timeout:    time.Second,
			})

			conn, err := d.Dial(context.Background(), srv.Listener.Addr().String())
			require.NoError(t, err)
			defer conn.Close()

			assert.Equal(t, tc.expected, conn.(transport.ProtocolNegotiator).NegotiatedProtocol())
		})
	}
}

type TCPConnTestSuite struct {
	test.ConnTestSuite
}

func TestTCPConnTestSuite(t *testing.T) {
	suite.Run(t, new(TCPConnTestSuite))
}

func (s *TCPConnTestSuite) SetupTest() {
	s.ConnTestSuite.SetupTest()
	// Larger than any socket buffer so the write blocks.
	s.BlockingInput = make([]byte, 64<<20)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)
	defer l.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	d := NewDialer(DialerOptions{Timeout: time.Second, NoDelay: true})
	s.C1, err = d.Dial(context.Background(), l.Addr().String())
	s.Require().NoError(err)

	peer, ok := <-accepted
	s.Require().True(ok)
	s.C2 = Wrap(peer)
}
