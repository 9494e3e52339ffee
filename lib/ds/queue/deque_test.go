package queue

import (
	"testing"

	"hyperload/lib/ds/internal"

	"github.com/stretchr/testify/assert"
)

func drain(d *Deque[int]) []int {
	out := make([]int, 0, d.Len())
	for d.Len() > 0 {
		v, _ := d.PopFront()
		out = append(out, v)
	}
	return out
}

func TestDequeBothEnds(t *testing.T) {
	d := NewDeque[int](2)

	d.PushBack(2)
	d.PushBack(3)
	d.PushFront(1)
	d.PushFront(0) // grows while head wrapped.
	d.PushBack(4)

	front, err := d.Front()
	assert.NoError(t, err)
	assert.Equal(t, 0, front)

	back, err := d.Back()
	assert.NoError(t, err)
	assert.Equal(t, 4, back)

	v, err := d.PopBack()
	assert.NoError(t, err)
	assert.Equal(t, 4, v)

	assert.Equal(t, 2, d.At(2))
	assert.Equal(t, []int{0, 1, 2, 3}, drain(d))
}

func TestDequeEmpty(t *testing.T) {
	d := NewDeque[int](0)

	for _, f := range []func() (int, error){d.PopFront, d.PopBack, d.Front, d.Back} {
		v, err := f()
		assert.ErrorIs(t, err, ErrQueueEmpty)
		assert.Equal(t, internal.Zero[int](), v)
	}

	assert.Panics(t, func() { d.At(0) })
}

func TestDequeRemoveFunc(t *testing.T) {
	d := NewDeque[int](4)
	for i := range 6 {
		d.PushBack(i)
	}
	_, _ = d.PopFront() // Move head off index zero.
	d.PushBack(6)

	removed := d.RemoveFunc(func(v int) bool { return v%2 == 0 })
	assert.Equal(t, 3, removed)
	assert.Equal(t, -1, d.IndexFunc(func(v int) bool { return v == 2 }))
	assert.Equal(t, 1, d.IndexFunc(func(v int) bool { return v == 3 }))
	assert.Equal(t, []int{1, 3, 5}, drain(d))
}

func TestDequeClear(t *testing.T) {
	d := NewDeque[string](1)
	d.PushBack("a")
	d.PushFront("b")
	d.Clear()

	assert.Equal(t, 0, d.Len())
	d.PushBack("c")
	assert.Equal(t, "c", d.At(0))
}
