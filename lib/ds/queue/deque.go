package queue

import "hyperload/lib/ds/internal"

// Deque is a growable ring buffer that can be pushed and popped at both ends.
// It is not safe for concurrent use.
type Deque[T any] struct {
	buf   []T
	head  int
	count int
}

func NewDeque[T any](initialCap int) *Deque[T] {
	return &Deque[T]{buf: make([]T, initialCap)}
}

func (d *Deque[T]) PushBack(v T) {
	if d.count == len(d.buf) {
		d.grow()
	}
	d.buf[d.index(d.count)] = v
	d.count++
}

func (d *Deque[T]) PushFront(v T) {
	if d.count == len(d.buf) {
		d.grow()
	}
	d.head = (d.head - 1 + len(d.buf)) % len(d.buf)
	d.buf[d.head] = v
	d.count++
}

// PopFront removes and returns the front element.
// If the deque is empty. It will return [ErrQueueEmpty].
func (d *Deque[T]) PopFront() (T, error) {
	if d.count == 0 {
		return internal.Zero[T](), ErrQueueEmpty
	}

	v := d.buf[d.head]
	d.buf[d.head] = internal.Zero[T]() // Let GC collect it.
	d.head = d.index(1)
	d.count--

	return v, nil
}

// PopBack removes and returns the back element.
// If the deque is empty. It will return [ErrQueueEmpty].
func (d *Deque[T]) PopBack() (T, error) {
	if d.count == 0 {
		return internal.Zero[T](), ErrQueueEmpty
	}

	idx := d.index(d.count - 1)
	v := d.buf[idx]
	d.buf[idx] = internal.Zero[T]()
	d.count--

	return v, nil
}

func (d *Deque[T]) Front() (T, error) {
	if d.count == 0 {
		return internal.Zero[T](), ErrQueueEmpty
	}
	return d.buf[d.head], nil
}

func (d *Deque[T]) Back() (T, error) {
	if d.count == 0 {
		return internal.Zero[T](), ErrQueueEmpty
	}
	return d.buf[d.index(d.count-1)], nil
}

// At returns the i-th element counted from the front.
func (d *Deque[T]) At(i int) T {
	if i < 0 || i >= d.count {
		panic("deque index out of range")
	}
	return d.buf[d.index(i)]
}

// IndexFunc returns the index of the first element satisfying f, or -1.
func (d *Deque[T]) IndexFunc(f func(T) bool) int {
	for i := range d.count {
		if f(d.buf[d.index(i)]) {
			return i
		}
	}
	return -1
}

// RemoveFunc removes every element satisfying f, keeping the order of the rest.
// It returns the number of removed elements.
func (d *Deque[T]) RemoveFunc(f func(T) bool) int {
	kept := 0
	for i := range d.count {
		v := d.buf[d.index(i)]
		if f(v) {
			continue
		}
		d.buf[d.index(kept)] = v
		kept++
	}

	for i := kept; i < d.count; i++ {
		d.buf[d.index(i)] = internal.Zero[T]()
	}

	removed := d.count - kept
	d.count = kept
	return removed
}

func (d *Deque[T]) Len() int { return d.count }

func (d *Deque[T]) Clear() {
	for i := range d.count {
		d.buf[d.index(i)] = internal.Zero[T]()
	}
	d.head, d.count = 0, 0
}

func (d *Deque[T]) index(offset int) int {
	return (d.head + offset) % len(d.buf)
}

func (d *Deque[T]) grow() {
	size := 2 * len(d.buf)
	if size < 4 {
		size = 4
	}

	buf := make([]T, size)
	for i := range d.count {
		buf[i] = d.buf[d.index(i)]
	}
	d.buf, d.head = buf, 0
}
