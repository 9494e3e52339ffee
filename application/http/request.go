package http

// BodyGenerator produces the request content for the connection it is written on.
// A nil or empty result means no content.
type BodyGenerator func(conn ConnInfo) []byte

// HeaderAppender writes extra request headers.
type HeaderAppender func(conn ConnInfo, w HeaderWriter)

type HeaderWriter interface {
	PutHeader(name, value string)
}

// Cache may complete a request without sending it.
type Cache interface {
	// RequestHeader observes every header written for r.
	RequestHeader(r *Request, name, value string)
	// IsCached is asked once all headers are written.
	IsCached(r *Request) bool
}

// Canceller is implemented by the connection a request was sent on.
type Canceller interface {
	Cancel(r *Request, cause error)
}

// Request is one request in flight through a connection.
// It is confined to the reactor loop of that connection.
type Request struct {
	Method    Method
	Path      string
	Authority string // Overrides the pool authority when set.

	Body             BodyGenerator
	Headers          []HeaderAppender
	InjectHostHeader bool

	Handler ResponseHandler
	Cache   Cache

	canceller Canceller
	status    int
	completed bool
}

// Attach records the connection r was sent on.
func (r *Request) Attach(c Canceller) { r.canceller = c }

// Cancel aborts r with cause. It is a no-op once r completed.
func (r *Request) Cancel(cause error) {
	if r.completed {
		return
	}
	if r.canceller == nil {
		r.Fail(cause)
		return
	}
	r.canceller.Cancel(r, cause)
}

// Status is the last status code received, 0 before any.
func (r *Request) Status() int { return r.status }

func (r *Request) IsCompleted() bool { return r.completed }

func (r *Request) HandleStatus(code int) {
	if r.completed {
		return
	}
	r.status = code
	r.Handler.OnStatus(r, code)
}

func (r *Request) HandleHeader(name, value string) {
	if r.completed {
		return
	}
	r.Handler.OnHeader(r, name, value)
}

func (r *Request) HandleBodyPart(data []byte, isLast bool) {
	if r.completed {
		return
	}
	r.Handler.OnBodyPart(r, data, isLast)
}

func (r *Request) HandleRaw(data []byte, isLast bool) {
	if r.completed {
		return
	}
	r.Handler.OnRawBytes(r, data, isLast)
}

// Succeed completes r. It reports false if r was already completed.
func (r *Request) Succeed() bool {
	if r.completed {
		return false
	}
	r.completed = true
	r.Handler.OnComplete(r)
	return true
}

// Fail completes r with err. It reports false if r was already completed.
func (r *Request) Fail(err error) bool {
	if r.completed {
		return false
	}
	r.completed = true
	r.Handler.OnError(r, err)
	return true
}

// CompleteFromCache completes r without a response.
func (r *Request) CompleteFromCache() bool {
	if r.completed {
		return false
	}
	r.completed = true
	r.Handler.OnCached(r)
	return true
}
