package buffer

import "sync"

const (
	SmallSize  = 4 * 1024
	MediumSize = 64 * 1024
	LargeSize  = 1024 * 1024
)

// Pool hands out reusable read buffers in three size classes.
// Buffers larger than [LargeSize] are allocated and dropped.
type Pool struct {
	small, medium, large sync.Pool
}

func NewPool() *Pool {
	p := &Pool{}
	p.small.New = newBuf(SmallSize)
	p.medium.New = newBuf(MediumSize)
	p.large.New = newBuf(LargeSize)
	return p
}

func newBuf(size int) func() any {
	return func() any {
		b := make([]byte, size)
		return &b
	}
}

// Get returns a buffer of at least size bytes.
func (p *Pool) Get(size int) []byte {
	var pool *sync.Pool
	switch {
	case size <= SmallSize:
		pool = &p.small
	case size <= MediumSize:
		pool = &p.medium
	case size <= LargeSize:
		pool = &p.large
	default:
		return make([]byte, size)
	}
	return *(pool.Get().(*[]byte))
}

// Put returns b to its class. Buffers of foreign capacity are dropped.
func (p *Pool) Put(b []byte) {
	b = b[:cap(b)]
	switch cap(b) {
	case SmallSize:
		p.small.Put(&b)
	case MediumSize:
		p.medium.Put(&b)
	case LargeSize:
		p.large.Put(&b)
	}
}
