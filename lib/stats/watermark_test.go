package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWatermark(t *testing.T) {
	var w Watermark

	w.Increment()
	w.Increment()
	w.Increment()
	w.Decrement()

	assert.Equal(t, Snapshot{Current: 2, Min: 0, Max: 3}, w.Snapshot())

	s := w.SnapshotAndReset()
	assert.Equal(t, Snapshot{Current: 2, Min: 0, Max: 3}, s)
	assert.Equal(t, Snapshot{Current: 2, Min: 2, Max: 2}, w.Snapshot())

	w.Decrement()
	w.Decrement()
	w.Add(5)
	assert.Equal(t, Snapshot{Current: 5, Min: 0, Max: 5}, w.Snapshot())
}

func TestSnapshotMerge(t *testing.T) {
	a := Snapshot{Current: 1, Min: 0, Max: 2}
	b := Snapshot{Current: 3, Min: 1, Max: 4}
	assert.Equal(t, Snapshot{Current: 4, Min: 1, Max: 6}, a.Merge(b))
}

func TestGroup(t *testing.T) {
	g := NewGroup[string]()
	g.Get("h2").Increment()
	g.Get("http1").Increment()
	g.Get("h2").Increment()
	g.Get("h2").Decrement()

	type entry struct {
		key string
		s   Snapshot
	}
	var visited []entry
	g.Visit(func(k string, s Snapshot) { visited = append(visited, entry{k, s}) })

	assert.Equal(t, []entry{
		{"h2", Snapshot{Current: 1, Min: 0, Max: 2}},
		{"http1", Snapshot{Current: 1, Min: 0, Max: 1}},
	}, visited)

	g.ResetWindow()
	assert.Equal(t, Snapshot{Current: 1, Min: 1, Max: 1}, g.Get("h2").Snapshot())
}
