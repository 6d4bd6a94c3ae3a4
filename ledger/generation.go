package ledger

import "sync"

// =============================================================================
// GENERATION GATE - Drop results from superseded computations
// =============================================================================

// GenerationGate tags in-flight computations so a stale result can be
// discarded instead of overwriting newer state. A dashboard recompute
// takes Begin() before starting; when it finishes, Accept reports
// whether its generation is still the latest.
type GenerationGate struct {
	mu      sync.Mutex
	current uint64
}

// Begin starts a new generation, superseding any in flight.
func (g *GenerationGate) Begin() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.current++
	return g.current
}

// Accept reports whether gen is still the latest generation. A false
// return means a newer computation started; the result must be dropped.
func (g *GenerationGate) Accept(gen uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return gen == g.current
}
