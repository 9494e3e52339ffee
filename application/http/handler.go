package http

// ResponseHandler receives decoded response events of a request.
// Body slices are only valid during the callback.
type ResponseHandler interface {
	OnStatus(r *Request, code int)
	OnHeader(r *Request, name, value string)
	OnBodyPart(r *Request, data []byte, isLast bool)
	OnRawBytes(r *Request, data []byte, isLast bool)

	OnComplete(r *Request)
	OnError(r *Request, err error)
	OnCached(r *Request)
}

// HandlerFuncs adapts optional functions into a [ResponseHandler].
type HandlerFuncs struct {
	Status   func(r *Request, code int)
	Header   func(r *Request, name, value string)
	BodyPart func(r *Request, data []byte, isLast bool)
	RawBytes func(r *Request, data []byte, isLast bool)
	Complete func(r *Request)
	Error    func(r *Request, err error)
	Cached   func(r *Request)
}

var _ ResponseHandler = HandlerFuncs{}

func (h HandlerFuncs) OnStatus(r *Request, code int) {
	if h.Status != nil {
		h.Status(r, code)
	}
}

func (h HandlerFuncs) OnHeader(r *Request, name, value string) {
	if h.Header != nil {
		h.Header(r, name, value)
	}
}

func (h HandlerFuncs) OnBodyPart(r *Request, data []byte, isLast bool) {
	if h.BodyPart != nil {
		h.BodyPart(r, data, isLast)
	}
}

func (h HandlerFuncs) OnRawBytes(r *Request, data []byte, isLast bool) {
	if h.RawBytes != nil {
		h.RawBytes(r, data, isLast)
	}
}

func (h HandlerFuncs) OnComplete(r *Request) {
	if h.Complete != nil {
		h.Complete(r)
	}
}

func (h HandlerFuncs) OnError(r *Request, err error) {
	if h.Error != nil {
		h.Error(r, err)
	}
}

func (h HandlerFuncs) OnCached(r *Request) {
	if h.Cached != nil {
		h.Cached(r)
	}
}
