package api

import "sync"

// Generations tracks the highest request sequence seen for each query shape.
// Only the holder of the highest sequence for a shape is current.
type Generations struct {
	mu     sync.Mutex
	latest map[string]uint64
}

func NewGenerations() *Generations {
	return &Generations{latest: make(map[string]uint64)}
}

// Begin registers seq for shape and returns a check that reports whether seq
// is still the newest. A lower seq never lowers the recorded generation.
func (g *Generations) Begin(shape string, seq uint64) func() bool {
	g.mu.Lock()
	if seq > g.latest[shape] {
		g.latest[shape] = seq
	}
	g.mu.Unlock()

	return func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.latest[shape] == seq
	}
}

// Latest returns the highest sequence seen for shape, zero if none.
func (g *Generations) Latest(shape string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.latest[shape]
}
