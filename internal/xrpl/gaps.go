package xrpl

import "sync"

// GapRange is an inclusive range of validated ledger indexes that were
// never observed on the merged stream.
type GapRange struct {
	From uint32 `json:"from"`
	To   uint32 `json:"to"`
}

// gapTracker watches the merged (deduplicated) ledger sequence and reports
// holes. Seeding it with the last checkpointed ledger makes restart
// downtime surface as an ordinary gap. Detected gaps stay in the pending
// set until Resolve is called for them, so a failed backfill can try again.
type gapTracker struct {
	mu      sync.Mutex
	last    uint32 // highest ledger index observed, 0 = nothing yet
	pending []GapRange
}

func newGapTracker() *gapTracker {
	return &gapTracker{}
}

// Seed sets the baseline without reporting a gap, ignored if lower than
// what was already observed.
func (g *gapTracker) Seed(ledgerIndex uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ledgerIndex > g.last {
		g.last = ledgerIndex
	}
}

// Observe records a validated ledger index and returns the gap it exposes,
// if any. Out-of-order and duplicate indexes report no gap.
func (g *gapTracker) Observe(ledgerIndex uint32) (GapRange, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.last == 0 || ledgerIndex <= g.last {
		if ledgerIndex > g.last {
			g.last = ledgerIndex
		}
		return GapRange{}, false
	}
	if ledgerIndex == g.last+1 {
		g.last = ledgerIndex
		return GapRange{}, false
	}
	gap := GapRange{From: g.last + 1, To: ledgerIndex - 1}
	g.last = ledgerIndex
	g.pending = append(g.pending, gap)
	return gap, true
}

// Outstanding returns the gaps that have not yet been resolved, oldest
// first.
func (g *gapTracker) Outstanding() []GapRange {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]GapRange, len(g.pending))
	copy(out, g.pending)
	return out
}

// Resolve removes a fully backfilled gap from the pending set.
func (g *gapTracker) Resolve(gap GapRange) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, p := range g.pending {
		if p == gap {
			g.pending = append(g.pending[:i], g.pending[i+1:]...)
			return
		}
	}
}

// Last returns the highest observed ledger index.
func (g *gapTracker) Last() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}
