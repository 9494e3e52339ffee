package client

import (
	"context"
	"log/slog"
	"math/bits"
	"sync"
	"sync/atomic"

	"hyperload/application/http"
	"hyperload/lib/reactor"
	"hyperload/lib/stats"
	"hyperload/transport"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// ClientPool holds one shard per loop for a single authority.
type ClientPool struct {
	opts      Options
	loops     []*reactor.Loop
	shards    []Shard
	connector *dialConnector

	counter atomic.Uint64
	mask    uint64 // Non-zero when the number of shards is a power of two.

	logger *slog.Logger
	clock  clock.Clock

	shutdownOnce sync.Once
}

func NewClientPool(
	opts Options,
	loops []*reactor.Loop,
	dialer transport.Dialer,
	logger *slog.Logger,
	clock clock.Clock,
) (*ClientPool, error) {
	if len(loops) == 0 {
		return nil, errors.New("at least one loop is required")
	}

	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, errors.Wrap(err, "validating options")
	}

	logger = logger.With("authority", opts.Authority)
	if opts.Secure && opts.TLSConfig != nil {
		// ALPN is offered in preference order of Versions.
		opts.TLSConfig = opts.TLSConfig.Clone()
		opts.TLSConfig.NextProtos = opts.nextProtos()
	}

	p := &ClientPool{
		opts:      opts,
		loops:     loops,
		shards:    make([]Shard, len(loops)),
		connector: newDialConnector(opts, dialer, logger),
		logger:    logger,
		clock:     clock,
	}

	n := len(loops)
	if bits.OnesCount(uint(n)) == 1 {
		p.mask = uint64(n - 1)
	}

	sizes := p.poolSizes()
	for i, loop := range loops {
		if !opts.Strategy.pooled() {
			p.shards[i] = NewAdhocPool(opts.Authority, loop, p.connector, logger)
			continue
		}
		shardOpts := opts.Pool
		shardOpts.Core = slice(sizes.Core, n, i)
		shardOpts.Max = slice(sizes.Max, n, i)
		shardOpts.Buffer = slice(sizes.Buffer, n, i)
		p.shards[i] = NewSharedPool(opts.Authority, shardOpts, loop, p.connector, logger)
	}

	return p, nil
}

// poolSizes raises the totals so that every loop gets at least one connection.
func (p *ClientPool) poolSizes() PoolOptions {
	sizes := p.opts.Pool
	if !p.opts.Strategy.pooled() {
		return sizes
	}

	n := len(p.loops)
	hadBuffer := sizes.Buffer > 0
	if sizes.Core < n || sizes.Max < n || (hadBuffer && sizes.Buffer < n) {
		prev := sizes
		sizes.Core = max(sizes.Core, n)
		sizes.Max = max(sizes.Max, n)
		if hadBuffer {
			sizes.Buffer = max(sizes.Buffer, n)
		}
		p.logger.Warn("connection pool too small for the number of loops",
			"loops", n,
			"core", prev.Core, "max", prev.Max, "buffer", prev.Buffer,
			"newCore", sizes.Core, "newMax", sizes.Max, "newBuffer", sizes.Buffer)
	}

	p.logger.Info("allocating connections",
		"core", sizes.Core, "max", sizes.Max, "buffer", sizes.Buffer, "loops", n,
		"scheme", p.opts.scheme())
	return sizes
}

// slice returns shard i's share of total: the remainder goes to the first shards.
func slice(total, n, i int) int {
	share := total / n
	if i < total%n {
		share++
	}
	return share
}

func (p *ClientPool) Authority() string { return p.opts.Authority }
func (p *ClientPool) Scheme() string    { return p.opts.scheme() }
func (p *ClientPool) IsSecure() bool    { return p.opts.Secure }
func (p *ClientPool) Options() Options  { return p.opts }
func (p *ClientPool) Shards() []Shard   { return p.shards }

// Next picks shards round-robin. It is safe for concurrent use.
func (p *ClientPool) Next() Shard {
	i := p.counter.Add(1) - 1
	if p.mask != 0 || len(p.shards) == 1 {
		return p.shards[i&p.mask]
	}
	return p.shards[i%uint64(len(p.shards))]
}

// ShardFor returns the shard bound to loop.
func (p *ClientPool) ShardFor(loop *reactor.Loop) (Shard, bool) {
	for _, s := range p.shards {
		if s.Loop() == loop {
			return s, true
		}
	}
	return nil, false
}

// NewSessionPool returns the pool a session on loop should use. capacity is
// the number of requests the session may have in flight.
func (p *ClientPool) NewSessionPool(loop *reactor.Loop, capacity int) (Pool, error) {
	shard, ok := p.ShardFor(loop)
	if !ok {
		return nil, errors.Errorf("no shard bound to loop %d", loop.ID())
	}

	switch p.opts.Strategy {
	case StrategySessionPools, StrategyOpenOnRequest:
		return NewSessionPool(shard, capacity), nil
	}
	return shard, nil
}

// Start starts every shard. onStarted is called once: when all of them are
// started, or with the first failure, after which the pool shuts down.
func (p *ClientPool) Start(onStarted func(error)) {
	var remaining atomic.Int32
	remaining.Store(int32(len(p.shards)))
	var once sync.Once
	startedAt := p.clock.Now()

	for _, shard := range p.shards {
		shard.Start(func(err error) {
			if err != nil {
				once.Do(func() {
					p.Shutdown()
					onStarted(err)
				})
				return
			}
			if remaining.Add(-1) == 0 {
				once.Do(func() {
					p.logger.Info("connection pool started", "took", p.clock.Since(startedAt))
					onStarted(nil)
				})
			}
		})
	}
}

// Shutdown closes every connection and aborts dials in progress.
func (p *ClientPool) Shutdown() {
	p.shutdownOnce.Do(func() {
		p.connector.cancel()
		for _, shard := range p.shards {
			shard.Shutdown()
		}
	})
}

// Wait blocks until the dial goroutines of a shut down pool are gone.
func (p *ClientPool) Wait() { p.connector.wg.Wait() }

// Stats collects the watermarks of all shards and starts a new window.
// Every shard takes its snapshot on its own loop.
func (p *ClientPool) Stats(ctx context.Context) (map[string]stats.Snapshot, error) {
	type result map[string]stats.Snapshot
	results := make(chan result, len(p.shards))

	posted := 0
	for _, shard := range p.shards {
		ok := shard.Loop().Execute(func() {
			r := make(result)
			shard.VisitStats(func(name string, s stats.Snapshot) { r[name] = s })
			results <- r
		})
		if ok {
			posted++
		}
	}
	if posted == 0 {
		return nil, http.ErrPoolShutdown
	}

	merged := make(map[string]stats.Snapshot)
	for range posted {
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "collecting pool stats")
		case r := <-results:
			for name, s := range r {
				if prev, ok := merged[name]; ok {
					s = prev.Merge(s)
				}
				merged[name] = s
			}
		}
	}
	return merged, nil
}
