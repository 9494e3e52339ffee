// Package stats tracks counters together with their low and high watermarks
// over a reporting window.
package stats

// Watermark is a counter remembering the minimum and maximum it reached since
// the window was last reset. It is not safe for concurrent use: each instance
// belongs to one reactor loop.
type Watermark struct {
	current  int
	min, max int
}

// Snapshot is a read-only copy of a [Watermark].
type Snapshot struct {
	Current int
	Min     int
	Max     int
}

func (w *Watermark) Increment() { w.Add(1) }
func (w *Watermark) Decrement() { w.Add(-1) }

func (w *Watermark) Add(delta int) {
	w.current += delta
	if w.current > w.max {
		w.max = w.current
	}
	if w.current < w.min {
		w.min = w.current
	}
}

func (w *Watermark) Current() int { return w.current }

func (w *Watermark) Snapshot() Snapshot {
	return Snapshot{Current: w.current, Min: w.min, Max: w.max}
}

// ResetWindow starts a new window at the current value.
func (w *Watermark) ResetWindow() {
	w.min, w.max = w.current, w.current
}

// SnapshotAndReset returns the finished window and starts a new one.
func (w *Watermark) SnapshotAndReset() Snapshot {
	s := w.Snapshot()
	w.ResetWindow()
	return s
}

// Merge sums two snapshots taken from different shards.
// The merged Min and Max are bounds, as shards peak at different instants.
func (s Snapshot) Merge(o Snapshot) Snapshot {
	return Snapshot{
		Current: s.Current + o.Current,
		Min:     s.Min + o.Min,
		Max:     s.Max + o.Max,
	}
}
