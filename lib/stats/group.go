package stats

// Group keeps one [Watermark] per key, created lazily.
type Group[K comparable] struct {
	marks map[K]*Watermark
	order []K
}

func NewGroup[K comparable]() *Group[K] {
	return &Group[K]{marks: make(map[K]*Watermark)}
}

func (g *Group[K]) Get(key K) *Watermark {
	w, ok := g.marks[key]
	if !ok {
		w = &Watermark{}
		g.marks[key] = w
		g.order = append(g.order, key)
	}
	return w
}

// Visit reports every watermark in first-use order.
func (g *Group[K]) Visit(f func(key K, s Snapshot)) {
	for _, k := range g.order {
		f(k, g.marks[k].Snapshot())
	}
}

func (g *Group[K]) ResetWindow() {
	for _, w := range g.marks {
		w.ResetWindow()
	}
}
