package client

import (
	"log/slog"

	"hyperload/application/http"
	"hyperload/application/http/h1"
	"hyperload/lib/buffer"
	"hyperload/lib/ds/queue"
	"hyperload/lib/reactor"
	"hyperload/transport"

	"github.com/pkg/errors"
)

// http1Conn pipelines requests on one HTTP/1.1 connection. Responses
// complete in the order the requests were sent.
type http1Conn struct {
	*socket

	pipeliningLimit int
	inflights       *queue.Deque[*http.Request]

	encoder *h1.RequestEncoder
	decoder *h1.Decoder

	unsolicited bool // The response being decoded has no request.
}

var (
	_ Connection = (*http1Conn)(nil)
	_ h1.Sink    = (*http1Conn)(nil)
)

func newHTTP1Conn(
	conn transport.Conn, loop *reactor.Loop, authority string, secure bool,
	opts HTTP1Options, bufs *buffer.Pool, logger *slog.Logger,
) *http1Conn {
	c := &http1Conn{
		socket:          newSocket(conn, loop, authority, http.TagOf(http.Version1_1, secure), bufs, logger),
		pipeliningLimit: opts.PipeliningLimit,
		inflights:       queue.NewDeque[*http.Request](opts.PipeliningLimit),
		encoder:         h1.NewRequestEncoder(),
	}
	c.decoder = h1.NewDecoder(c, opts.Decode)
	c.start(c.onData, c.onSocketClosed)
	return c
}

func (c *http1Conn) Version() http.Version { return http.Version1_1 }

func (c *http1Conn) IsAvailable() bool {
	// Not being taken out of a pool means fully available.
	return c.pool == nil || (c.IsOpen() && c.InFlight() < c.pipeliningLimit)
}

func (c *http1Conn) InFlight() int { return c.inflights.Len() + c.aboutToSend }

func (c *http1Conn) Send(r *http.Request) {
	c.loop.MustInLoop()
	c.takeAcquired()
	r.Attach(c)

	if !c.IsOpen() {
		r.Fail(http.ErrSelfClosed)
		c.release(c, false)
		return
	}

	authority := r.Authority
	if authority == "" {
		authority = c.authority
	}

	c.encoder.Start(r.Method, r.Path, func(name, value string) {
		if r.Cache != nil {
			r.Cache.RequestHeader(r, name, value)
		}
	})
	if r.InjectHostHeader {
		c.encoder.PutHeader("Host", authority)
	}
	var body []byte
	if r.Body != nil {
		body = r.Body(c)
	}
	c.encoder.PutContentLength(len(body))
	for _, appendHeaders := range r.Headers {
		appendHeaders(c, c.encoder)
	}

	if err := c.encoder.Err(); err != nil {
		c.logger.Warn("refusing to send invalid request", "path", r.Path, "error", err)
		c.skip(func() { r.Fail(err) })
		return
	}
	if r.Cache != nil && r.Cache.IsCached(r) {
		c.logger.Debug("request completed from cache", "path", r.Path)
		c.skip(func() { r.CompleteFromCache() })
		return
	}

	c.inflights.PushBack(r)
	c.write(c.encoder.End(body))
	if c.pool != nil {
		c.pool.AfterRequestSent(c)
	}
}

// skip ends a request that is never written and gives its slot back.
func (c *http1Conn) skip(complete func()) {
	// Release below queues it when it was full.
	if c.InFlight() != c.pipeliningLimit-1 && c.pool != nil {
		c.pool.AfterRequestSent(c)
	}
	complete()
	c.release(c, c.InFlight() == c.pipeliningLimit-1)
}

// Cancel fails r and closes the connection: responses of a pipelined
// connection cannot be skipped.
func (c *http1Conn) Cancel(r *http.Request, cause error) {
	c.loop.MustInLoop()
	if c.inflights.IndexFunc(func(req *http.Request) bool { return req == r }) < 0 {
		r.Fail(cause)
		return
	}
	r.Fail(cause)
	c.Close()
}

func (c *http1Conn) Close() {
	c.loop.MustInLoop()
	if c.status == StatusOpen {
		c.status = StatusClosing
		// Before FIN, otherwise the server might still answer.
		c.cancelRequests(http.ErrSelfClosed)
	}
	c.shutdownIO()
}

func (c *http1Conn) cancelRequests(cause error) {
	for c.inflights.Len() > 0 {
		r, _ := c.inflights.PopFront()
		if c.pool != nil {
			c.pool.Release(c, false, true)
		}
		r.Fail(cause)
	}
}

func (c *http1Conn) onData(data []byte) {
	if !c.IsOpen() {
		return
	}
	if err := c.decoder.Decode(data); err != nil {
		c.fail(err)
	}
}

func (c *http1Conn) onSocketClosed(err error) {
	if c.IsClosed() {
		return
	}
	if c.IsOpen() {
		if errors.Is(err, transport.ErrConnClosed) {
			c.logger.Debug("connection closed by peer")
		} else {
			c.logger.Warn("connection failed", "error", err)
		}

		cause := http.ErrConnectionClosed
		if derr := c.decoder.Close(); derr != nil && c.inflights.Len() > 0 {
			cause = errors.Wrap(http.ErrConnectionClosed, derr.Error())
		}
		c.status = StatusClosing
		c.cancelRequests(cause)
		c.shutdownIO()
	}
	c.closed(c)
}

func (c *http1Conn) fail(err error) {
	c.logger.Warn("decoding response", "error", err)
	if c.status == StatusOpen {
		c.status = StatusClosing
		c.cancelRequests(http.NewDecodeError(err))
	}
	c.shutdownIO()
}

func (c *http1Conn) current() *http.Request {
	if c.unsolicited {
		return nil
	}
	r, err := c.inflights.Front()
	if err != nil {
		return nil
	}
	return r
}

func (c *http1Conn) Pending() (http.Method, bool) {
	r, err := c.inflights.Front()
	if err != nil {
		return "", false
	}
	return r.Method, true
}

func (c *http1Conn) OnStatus(code int) {
	r := c.current()
	if r == nil {
		c.unsolicited = true
		if code == 408 {
			// Servers announce idle timeouts like this before closing.
			c.logger.Debug("dropping unsolicited response", "status", code)
		} else {
			c.logger.Error("dropping unsolicited response", "status", code, "error", http.ErrUnsolicitedResponse)
		}
		return
	}
	r.HandleStatus(code)
}

func (c *http1Conn) OnHeader(name, value []byte) {
	if r := c.current(); r != nil {
		r.HandleHeader(string(name), string(value))
	}
}

func (c *http1Conn) OnHeadersEnd() {}

func (c *http1Conn) OnBodyPart(data []byte, isLast bool) {
	if r := c.current(); r != nil {
		r.HandleBodyPart(data, isLast)
	}
}

func (c *http1Conn) OnRaw(data []byte, isLast bool) {
	if r := c.current(); r != nil {
		r.HandleRaw(data, isLast)
	}
}

func (c *http1Conn) OnMessageEnd() {
	if c.unsolicited {
		c.unsolicited = false
		return
	}

	r, err := c.inflights.PopFront()
	if err != nil {
		return
	}
	r.Succeed()
	c.release(c, c.InFlight() == c.pipeliningLimit-1)
}

func (c *http1Conn) String() string {
	return "http1Conn{" + c.conn.LocalAddr().String() + " -> " + c.conn.RemoteAddr().String() + ", " + c.status.String() + "}"
}
