package brain

// loopGuard counts deliveries of each opportunity id over the last window deliveries.
// Interleaved repeats such as A-B-A-B are caught as well as A-A-A.
type loopGuard struct {
	ring   []string
	next   int
	filled int
	counts map[string]int
}

func newLoopGuard(window int) *loopGuard {
	if window < 1 {
		window = 32
	}
	return &loopGuard{
		ring:   make([]string, window),
		counts: make(map[string]int),
	}
}

// observe records a delivery of id and returns how often id was delivered within
// the window, this delivery included.
func (g *loopGuard) observe(id string) int {
	if g.filled == len(g.ring) {
		old := g.ring[g.next]
		if g.counts[old] <= 1 {
			delete(g.counts, old)
		} else {
			g.counts[old]--
		}
	} else {
		g.filled++
	}
	g.ring[g.next] = id
	g.next = (g.next + 1) % len(g.ring)
	g.counts[id]++
	return g.counts[id]
}

func (g *loopGuard) reset() {
	for i := range g.ring {
		g.ring[i] = ""
	}
	g.next, g.filled = 0, 0
	g.counts = make(map[string]int)
}
