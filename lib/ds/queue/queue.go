package queue

import (
	"errors"
)

var ErrQueueEmpty = errors.New("queue is empty")

// Queue is a FIFO.
type Queue[T any] interface {
	Enqueue(v T)
	Dequeue() (T, error)
	Peek() (T, error)
	Len() int
}

var _ Queue[int] = (*Deque[int])(nil)

// Enqueue pushes v to the back.
func (d *Deque[T]) Enqueue(v T) { d.PushBack(v) }

// Dequeue pops the front element.
func (d *Deque[T]) Dequeue() (T, error) { return d.PopFront() }

// Peek returns the front element without removing it.
func (d *Deque[T]) Peek() (T, error) { return d.Front() }
