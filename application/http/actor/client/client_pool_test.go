package client

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"hyperload/application/http"
	"hyperload/lib/reactor"
	"hyperload/transport"
	"hyperload/transport/pipe"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

func TestSlice(t *testing.T) {
	testcases := []struct {
		total, n int
		expected []int
	}{
		{total: 4, n: 2, expected: []int{2, 2}},
		{total: 5, n: 3, expected: []int{2, 2, 1}},
		{total: 1, n: 1, expected: []int{1}},
		{total: 0, n: 2, expected: []int{0, 0}},
	}

	for _, tc := range testcases {
		shares := make([]int, tc.n)
		sum := 0
		for i := range tc.n {
			shares[i] = slice(tc.total, tc.n, i)
			sum += shares[i]
		}
		assert.Equal(t, tc.expected, shares)
		assert.Equal(t, tc.total, sum)
	}
}

func newLoops(n int) []*reactor.Loop {
	loops := make([]*reactor.Loop, n)
	for i := range loops {
		loops[i] = reactor.New(i, clock.NewMock(), slog.New(slog.DiscardHandler))
	}
	return loops
}

func TestNewClientPoolErrors(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	_, err := NewClientPool(Options{Authority: "example.com:80"}, nil, nil, logger, clock.New())
	assert.Error(t, err)

	_, err = NewClientPool(Options{Authority: "example.com"}, newLoops(1), nil, logger, clock.New())
	assert.ErrorContains(t, err, "host:port")
}

func TestNextRoundRobin(t *testing.T) {
	for _, n := range []int{1, 3, 4} {
		loops := newLoops(n)
		p, err := NewClientPool(Options{Authority: "example.com:80"}, loops, nil, slog.New(slog.DiscardHandler), clock.New())
		require.NoError(t, err)

		for round := range 2 {
			for i := range n {
				assert.Same(t, loops[i], p.Next().Loop(), "round %d, shard %d of %d", round, i, n)
			}
		}
	}
}

func TestShardSizes(t *testing.T) {
	opts := Options{Authority: "example.com:80", Pool: PoolOptions{Core: 1, Max: 5, Buffer: 2}}
	p, err := NewClientPool(opts, newLoops(3), nil, slog.New(slog.DiscardHandler), clock.New())
	require.NoError(t, err)

	var core, maxs, buffer []int
	for _, shard := range p.Shards() {
		sp := shard.(*SharedPool)
		core = append(core, sp.opts.Core)
		maxs = append(maxs, sp.opts.Max)
		buffer = append(buffer, sp.opts.Buffer)
	}
	assert.Equal(t, []int{1, 1, 1}, core, "raised to one per loop")
	assert.Equal(t, []int{2, 2, 1}, maxs)
	assert.Equal(t, []int{1, 1, 1}, buffer)
}

func TestStrategies(t *testing.T) {
	testcases := []struct {
		strategy Strategy
		check    func(t *testing.T, shard Shard, pool Pool)
	}{
		{
			strategy: StrategySharedPool,
			check: func(t *testing.T, shard Shard, pool Pool) {
				assert.IsType(t, &SharedPool{}, shard)
				assert.Same(t, shard, pool)
			},
		},
		{
			strategy: StrategySessionPools,
			check: func(t *testing.T, shard Shard, pool Pool) {
				assert.IsType(t, &SharedPool{}, shard)
				assert.IsType(t, &SessionPool{}, pool)
			},
		},
		{
			strategy: StrategyOpenOnRequest,
			check: func(t *testing.T, shard Shard, pool Pool) {
				assert.IsType(t, &AdhocPool{}, shard)
				assert.IsType(t, &SessionPool{}, pool)
			},
		},
		{
			strategy: StrategyAlwaysNew,
			check: func(t *testing.T, shard Shard, pool Pool) {
				assert.IsType(t, &AdhocPool{}, shard)
				assert.Same(t, shard, pool)
			},
		},
	}

	for _, tc := range testcases {
		t.Run(tc.strategy.String(), func(t *testing.T) {
			loops := newLoops(1)
			opts := Options{Authority: "example.com:80", Strategy: tc.strategy}
			p, err := NewClientPool(opts, loops, nil, slog.New(slog.DiscardHandler), clock.New())
			require.NoError(t, err)

			pool, err := p.NewSessionPool(loops[0], 4)
			require.NoError(t, err)
			tc.check(t, p.Shards()[0], pool)

			_, err = p.NewSessionPool(newLoops(1)[0], 4)
			assert.Error(t, err, "foreign loop")
		})
	}
}

// notifyingHandler signals once the request completed.
type notifyingHandler struct {
	recordingHandler
	done chan struct{}
}

func (h *notifyingHandler) OnComplete(r *http.Request) {
	h.recordingHandler.OnComplete(r)
	close(h.done)
}

func (h *notifyingHandler) OnError(r *http.Request, err error) {
	h.recordingHandler.OnError(r, err)
	close(h.done)
}

type ClientPoolTestSuite struct {
	suite.Suite

	transport *pipe.Transport
	listener  *pipe.Listener
	loops     []*reactor.Loop

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func TestClientPoolTestSuite(t *testing.T) {
	suite.Run(t, new(ClientPoolTestSuite))
}

func (s *ClientPoolTestSuite) SetupTest() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.transport = pipe.NewTransport(clock.New())

	s.loops = make([]*reactor.Loop, 2)
	for i := range s.loops {
		loop := reactor.New(i, clock.New(), slog.New(slog.DiscardHandler))
		s.loops[i] = loop
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_ = loop.Run(s.ctx)
		}()
	}
}

func (s *ClientPoolTestSuite) TearDownTest() {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
	s.wg.Wait()
	goleak.VerifyNone(s.T())
}

// serve answers every request with "ok" until the listener closes.
func (s *ClientPoolTestSuite) serve() {
	l, err := s.transport.Listen("example.com:80")
	s.Require().NoError(err)
	s.listener = l

	response := []byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := l.Accept(context.Background())
			if err != nil {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer conn.Close()

				buf := make([]byte, 4096)
				var pending []byte
				for {
					n, err := conn.Read(buf)
					if err != nil {
						return
					}
					pending = append(pending, buf[:n]...)
					for {
						i := bytes.Index(pending, []byte("\r\n\r\n"))
						if i < 0 {
							break
						}
						pending = pending[i+4:]
						if _, err := conn.Write(response); err != nil {
							return
						}
					}
				}
			}()
		}
	}()
}

func (s *ClientPoolTestSuite) newPool(opts Options) *ClientPool {
	opts.Authority = "example.com:80"
	opts.Versions = []http.Version{http.Version1_1}
	p, err := NewClientPool(opts, s.loops, s.transport, slog.New(slog.DiscardHandler), clock.New())
	s.Require().NoError(err)
	return p
}

func (s *ClientPoolTestSuite) start(p *ClientPool) error {
	started := make(chan error, 1)
	p.Start(func(err error) { started <- err })

	select {
	case err := <-started:
		return err
	case <-time.After(5 * time.Second):
		s.FailNow("pool did not start")
		return nil
	}
}

// shutdown returns once every shard ran its shutdown.
func (s *ClientPoolTestSuite) shutdown(p *ClientPool) {
	p.Shutdown()
	for _, shard := range p.Shards() {
		done := make(chan struct{})
		if shard.Loop().Execute(func() { close(done) }) {
			<-done
		}
	}
	p.Wait()
}

func (s *ClientPoolTestSuite) TestStartAndSend() {
	s.serve()
	p := s.newPool(Options{Pool: PoolOptions{Core: 4}})
	s.Require().NoError(s.start(p))
	defer s.shutdown(p)

	snaps, err := p.Stats(s.ctx)
	s.Require().NoError(err)
	s.Equal(4, snaps[http.TagHTTP1x.String()].Current)

	h := &notifyingHandler{done: make(chan struct{})}
	shard := p.Next()
	shard.Loop().Execute(func() {
		shard.Acquire(false, func(conn Connection, err error) bool {
			if err != nil {
				h.OnError(nil, err)
				return false
			}
			conn.Send(&http.Request{Method: http.MethodGet, Path: "/", Handler: h})
			return true
		})
	})

	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		s.FailNow("no response")
	}
	s.Equal([]string{"status 200", "header Content-Length: 2", "body ok (last)", "complete"}, h.events)

	snaps, err = p.Stats(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, snaps[StatInFlight].Max)
	s.Zero(snaps[StatInFlight].Current)
}

func (s *ClientPoolTestSuite) TestStartFailsWithoutServer() {
	p := s.newPool(Options{Pool: PoolOptions{Core: 2, MaxFailures: 2, ConnectInterval: time.Millisecond}})

	err := s.start(p)
	s.ErrorIs(err, http.ErrPoolExhausted)
	s.ErrorContains(err, "cannot connect to example.com:80")

	for _, loop := range s.loops {
		shard, ok := p.ShardFor(loop)
		s.Require().True(ok)
		done := make(chan error, 1)
		loop.Execute(func() {
			shard.Acquire(false, func(conn Connection, err error) bool {
				done <- err
				return false
			})
		})
		s.ErrorIs(<-done, http.ErrPoolShutdown)
	}
	p.Wait()
}

func (s *ClientPoolTestSuite) TestShutdownClosesConnections() {
	s.serve()
	p := s.newPool(Options{Pool: PoolOptions{Core: 2}})
	s.Require().NoError(s.start(p))

	var conns []Connection
	for _, shard := range p.Shards() {
		done := make(chan struct{})
		shard.Loop().Execute(func() {
			conns = append(conns, shard.(*SharedPool).Connections()...)
			close(done)
		})
		<-done
	}
	s.Len(conns, 2)

	s.shutdown(p)

	s.Eventually(func() bool {
		closed := make(chan bool, len(conns))
		for _, c := range conns {
			c.Loop().Execute(func() { closed <- c.IsClosed() })
		}
		for range conns {
			if !<-closed {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func (s *ClientPoolTestSuite) TestDialAddressOverride() {
	s.serve()

	var dialed []string
	var mu sync.Mutex
	dialer := transport.DialerFunc(func(ctx context.Context, address string) (transport.Conn, error) {
		mu.Lock()
		dialed = append(dialed, address)
		mu.Unlock()
		return s.transport.Dial(ctx, "example.com:80")
	})

	opts := Options{
		Authority: "example.com:80",
		Versions:  []http.Version{http.Version1_1},
		Addresses: []string{"10.0.0.1"},
		Pool:      PoolOptions{Core: 2},
	}
	p, err := NewClientPool(opts, s.loops, dialer, slog.New(slog.DiscardHandler), clock.New())
	s.Require().NoError(err)
	s.Require().NoError(s.start(p))
	defer s.shutdown(p)

	mu.Lock()
	defer mu.Unlock()
	s.Equal([]string{"10.0.0.1:80", "10.0.0.1:80"}, dialed)
}
