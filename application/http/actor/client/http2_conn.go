package client

import (
	"log/slog"
	"strconv"
	"strings"

	"hyperload/application/http"
	"hyperload/application/http/h2"
	"hyperload/lib/buffer"
	"hyperload/lib/reactor"
	"hyperload/transport"

	"github.com/pkg/errors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

type stream struct {
	req *http.Request

	pending    []byte // Body not sent yet for lack of send window.
	sendWindow int64
	gotStatus  bool
}

// http2Conn multiplexes requests onto streams of one HTTP/2 connection.
type http2Conn struct {
	*socket

	scheme string
	secure bool

	writer  *h2.Writer
	decoder *h2.Decoder

	streams      map[uint32]*stream
	nextStreamID uint32

	clientMaxStreams int
	maxStreams       int

	// Send-side flow control.
	connSendWindow    int64
	peerInitialWindow int64

	goingAway bool
}

// maxStreamID is the highest stream identifier, RFC 9113 section 5.1.1.
const maxStreamID = 1<<31 - 1

var (
	_ Connection  = (*http2Conn)(nil)
	_ h2.Listener = (*http2Conn)(nil)
)

func newHTTP2Conn(
	conn transport.Conn, loop *reactor.Loop, authority string, secure bool,
	opts HTTP2Options, bufs *buffer.Pool, logger *slog.Logger,
) *http2Conn {
	scheme := "http"
	if secure {
		scheme = "https"
	}

	c := &http2Conn{
		socket:            newSocket(conn, loop, authority, http.TagOf(http.Version2, secure), bufs, logger),
		scheme:            scheme,
		secure:            secure,
		writer:            h2.NewWriter(),
		streams:           make(map[uint32]*stream),
		nextStreamID:      1,
		clientMaxStreams:  opts.MaxStreams,
		maxStreams:        opts.MaxStreams,
		connSendWindow:    h2.DefaultInitialWindowSize,
		peerInitialWindow: h2.DefaultInitialWindowSize,
	}
	c.decoder = h2.NewDecoder(c, h2.DecodeOptions{MaxFrameSize: opts.MaxFrameSize})

	err := c.writer.Preface(
		http2.Setting{ID: http2.SettingEnablePush, Val: 0},
		http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: uint32(opts.MaxStreams)},
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: opts.InitialWindowSize},
		http2.Setting{ID: http2.SettingMaxFrameSize, Val: opts.MaxFrameSize},
	)
	if err == nil && opts.InitialWindowSize > h2.DefaultInitialWindowSize {
		// The connection window only grows through WINDOW_UPDATE.
		err = c.writer.WindowUpdate(0, opts.InitialWindowSize-h2.DefaultInitialWindowSize)
	}
	if err != nil {
		c.logger.Error("writing preface", "error", err)
	}

	c.start(c.onData, c.onSocketClosed)
	c.flush()
	return c
}

func (c *http2Conn) Version() http.Version { return http.Version2 }

func (c *http2Conn) IsAvailable() bool {
	return c.IsOpen() && !c.goingAway && c.InFlight() < c.maxStreams
}

func (c *http2Conn) InFlight() int { return len(c.streams) + c.aboutToSend }

// flush hands everything the writer buffered to the socket.
func (c *http2Conn) flush() {
	if c.writer.Len() > 0 {
		c.write(c.writer.Take())
	}
}

type fieldWriter struct {
	r      *http.Request
	fields []hpack.HeaderField
}

func (w *fieldWriter) PutHeader(name, value string) {
	w.fields = append(w.fields, hpack.HeaderField{Name: strings.ToLower(name), Value: value})
	if w.r.Cache != nil {
		w.r.Cache.RequestHeader(w.r, name, value)
	}
}

func (c *http2Conn) Send(r *http.Request) {
	c.loop.MustInLoop()
	c.takeAcquired()
	r.Attach(c)

	if !c.IsOpen() || c.goingAway {
		r.Fail(http.ErrSelfClosed)
		c.release(c, false)
		return
	}

	authority := r.Authority
	if authority == "" {
		authority = c.authority
	}

	var body []byte
	if r.Body != nil {
		body = r.Body(c)
	}

	w := &fieldWriter{r: r, fields: []hpack.HeaderField{
		{Name: ":method", Value: string(r.Method)},
		{Name: ":scheme", Value: c.scheme},
		{Name: ":path", Value: encodePath(r.Path)},
		{Name: ":authority", Value: authority},
	}}
	// Over TLS the host travels in SNI; a second one confuses proxies.
	if r.InjectHostHeader && !c.secure {
		w.fields = append(w.fields, hpack.HeaderField{Name: "host", Value: authority})
	}
	if len(body) > 0 {
		w.fields = append(w.fields, hpack.HeaderField{Name: "content-length", Value: strconv.Itoa(len(body))})
	}
	for _, appendHeaders := range r.Headers {
		appendHeaders(c, w)
	}

	if r.Cache != nil && r.Cache.IsCached(r) {
		c.logger.Debug("request completed from cache", "path", r.Path)
		if len(c.streams) != c.maxStreams-1 && c.pool != nil {
			c.pool.AfterRequestSent(c)
		}
		r.CompleteFromCache()
		c.release(c, c.InFlight() == c.maxStreams-1)
		return
	}

	id := c.nextStreamID
	c.nextStreamID += 2
	if c.nextStreamID > maxStreamID {
		// Identifiers cannot be reused: drain, then let the pool reconnect.
		c.logger.Debug("stream identifiers exhausted", "last", id)
		c.goingAway = true
	}
	s := &stream{req: r, sendWindow: c.peerInitialWindow}
	c.streams[id] = s

	if err := c.writer.Headers(id, w.fields, len(body) == 0); err != nil {
		c.fail(err)
		return
	}
	if len(body) > 0 {
		s.pending = body
		c.sendPending(id, s)
	}
	c.flush()

	if c.pool != nil {
		c.pool.AfterRequestSent(c)
	}
}

// encodePath encodes spaces like the HTTP/1.1 request line does.
func encodePath(path string) string {
	if !strings.Contains(path, " ") {
		return path
	}
	var b strings.Builder
	beforeQuery := true
	for i := 0; i < len(path); i++ {
		switch ch := path[i]; {
		case ch == ' ' && beforeQuery:
			b.WriteString("%20")
		case ch == ' ':
			b.WriteByte('+')
		default:
			if ch == '?' {
				beforeQuery = false
			}
			b.WriteByte(ch)
		}
	}
	return b.String()
}

// sendPending writes as much of the stream's body as both windows allow.
func (c *http2Conn) sendPending(id uint32, s *stream) {
	n := int64(len(s.pending))
	n = min(n, c.connSendWindow, s.sendWindow)
	if n <= 0 {
		return
	}

	last := n == int64(len(s.pending))
	if err := c.writer.Data(id, s.pending[:n], last); err != nil {
		c.fail(err)
		return
	}
	c.connSendWindow -= n
	s.sendWindow -= n
	s.pending = s.pending[n:]
	if last {
		s.pending = nil
	}
}

func (c *http2Conn) sendAllPending() {
	for id, s := range c.streams {
		if len(s.pending) > 0 {
			c.sendPending(id, s)
		}
		if c.connSendWindow <= 0 {
			return
		}
	}
}

// Cancel resets the stream of r. Other streams are not affected.
func (c *http2Conn) Cancel(r *http.Request, cause error) {
	c.loop.MustInLoop()
	for id, s := range c.streams {
		if s.req != r {
			continue
		}
		delete(c.streams, id)
		if err := c.writer.RSTStream(id, http2.ErrCodeCancel); err == nil {
			c.flush()
		}
		r.Fail(cause)
		c.releaseStream()
		return
	}
	r.Fail(cause)
}

func (c *http2Conn) Close() {
	c.loop.MustInLoop()
	if c.status == StatusOpen {
		c.status = StatusClosing
		c.cancelRequests(http.ErrSelfClosed)
	}
	c.shutdownIO()
}

func (c *http2Conn) cancelRequests(cause error) {
	for id, s := range c.streams {
		delete(c.streams, id)
		if c.pool != nil {
			c.pool.Release(c, false, true)
		}
		s.req.Fail(cause)
	}
}

func (c *http2Conn) releaseStream() {
	c.release(c, c.InFlight() == c.maxStreams-1)
	if c.goingAway && len(c.streams) == 0 && c.IsOpen() {
		c.Close()
	}
}

func (c *http2Conn) onData(data []byte) {
	if !c.IsOpen() {
		return
	}
	if err := c.decoder.Decode(data); err != nil {
		c.fail(err)
		return
	}
	c.flush()
}

func (c *http2Conn) onSocketClosed(err error) {
	if c.IsClosed() {
		return
	}
	if c.IsOpen() {
		if errors.Is(err, transport.ErrConnClosed) {
			c.logger.Debug("connection closed by peer")
		} else {
			c.logger.Warn("connection failed", "error", err)
		}
		c.status = StatusClosing
		c.cancelRequests(http.ErrConnectionClosed)
		c.shutdownIO()
	}
	c.closed(c)
}

func (c *http2Conn) fail(err error) {
	c.logger.Warn("http2 connection error", "error", err)
	if c.status != StatusOpen {
		return
	}

	code := http2.ErrCodeInternal
	var connErr h2.ConnectionError
	if errors.As(err, &connErr) {
		code = connErr.Code
	}
	if c.writer.GoAway(0, code) == nil {
		c.flush()
	}

	c.status = StatusClosing
	c.cancelRequests(http.NewDecodeError(err))
	c.shutdownIO()
}

func (c *http2Conn) OnRawFrame(h h2.FrameHeader, frame []byte) {
	if h.StreamID == 0 {
		return
	}
	s, ok := c.streams[h.StreamID]
	if !ok {
		return
	}
	isLast := (h.Type == http2.FrameData || h.Type == http2.FrameHeaders) && h.Has(http2.FlagDataEndStream)
	s.req.HandleRaw(frame, isLast)
}

func (c *http2Conn) OnSettings(settings []http2.Setting) {
	for _, s := range settings {
		switch s.ID {
		case http2.SettingMaxConcurrentStreams:
			// Streams already dispatched go on; only new ones wait.
			c.maxStreams = min(c.clientMaxStreams, int(s.Val))
		case http2.SettingInitialWindowSize:
			delta := int64(s.Val) - c.peerInitialWindow
			c.peerInitialWindow = int64(s.Val)
			for _, st := range c.streams {
				st.sendWindow += delta
			}
		case http2.SettingMaxFrameSize:
			c.writer.SetMaxFrameSize(s.Val)
		case http2.SettingHeaderTableSize:
			c.writer.SetHeaderTableSize(s.Val)
		}
	}

	if err := c.writer.SettingsAck(); err != nil {
		c.logger.Error("writing settings ack", "error", err)
	}
	c.sendAllPending()
}

func (c *http2Conn) OnSettingsAck() {}

func (c *http2Conn) OnHeaders(streamID uint32, fields []hpack.HeaderField, endStream bool) {
	s, ok := c.streams[streamID]
	if !ok {
		c.logger.Debug("headers for unknown stream", "stream", streamID)
		return
	}

	if !s.gotStatus {
		code := -1
		for _, f := range fields {
			if f.Name == ":status" {
				if n, err := strconv.Atoi(f.Value); err == nil {
					code = n
				}
				break
			}
		}
		if http.IsInformational(code) && !endStream {
			// Interim response, the real one follows.
			return
		}

		s.gotStatus = true
		s.req.HandleStatus(code)
		for _, f := range fields {
			if !f.IsPseudo() {
				s.req.HandleHeader(f.Name, f.Value)
			}
		}
	}

	if endStream {
		s.req.HandleBodyPart(nil, true)
		c.endStream(streamID)
	}
}

func (c *http2Conn) OnData(streamID uint32, data []byte, endStream bool, flowLen uint32) {
	if flowLen > 0 {
		// Replenish right away, the body is consumed by the handler now.
		if err := c.writer.WindowUpdate(0, flowLen); err != nil {
			c.logger.Error("writing window update", "stream", 0, "error", err)
		}
		if !endStream {
			if err := c.writer.WindowUpdate(streamID, flowLen); err != nil {
				c.logger.Error("writing window update", "stream", streamID, "error", err)
			}
		}
	}

	s, ok := c.streams[streamID]
	if !ok {
		return
	}
	s.req.HandleBodyPart(data, endStream)
	if endStream {
		c.endStream(streamID)
	}
}

func (c *http2Conn) endStream(streamID uint32) {
	s, ok := c.streams[streamID]
	if !ok {
		return
	}
	delete(c.streams, streamID)
	s.req.Succeed()
	c.releaseStream()
}

func (c *http2Conn) OnRSTStream(streamID uint32, code http2.ErrCode) {
	s, ok := c.streams[streamID]
	if !ok {
		return
	}
	delete(c.streams, streamID)
	s.req.Fail(http.StreamResetError{Code: code})
	c.releaseStream()
}

func (c *http2Conn) OnGoAway(lastStreamID uint32, code http2.ErrCode) {
	c.logger.Debug("peer going away", "lastStream", lastStreamID, "code", code)
	c.goingAway = true

	for id, s := range c.streams {
		if id <= lastStreamID {
			continue
		}
		delete(c.streams, id)
		if c.pool != nil {
			c.pool.Release(c, false, true)
		}
		s.req.Fail(http.GoAwayError{LastStreamID: lastStreamID, Code: code})
	}

	if len(c.streams) == 0 {
		c.Close()
	}
}

func (c *http2Conn) OnPing(data [8]byte, ack bool) {
	if !ack {
		if err := c.writer.Ping(true, data); err != nil {
			c.logger.Error("writing ping ack", "error", err)
		}
	}
}

func (c *http2Conn) OnWindowUpdate(streamID uint32, increment uint32) {
	if streamID == 0 {
		c.connSendWindow += int64(increment)
		c.sendAllPending()
		return
	}
	if s, ok := c.streams[streamID]; ok {
		s.sendWindow += int64(increment)
		c.sendPending(streamID, s)
	}
}

func (c *http2Conn) String() string {
	return "http2Conn{" + c.conn.LocalAddr().String() + " -> " + c.conn.RemoteAddr().String() + ", " + c.status.String() + "}"
}
