package model

import "time"

// NoForkHeight is the fork height of a mirror that shares no block with the node.
const NoForkHeight int64 = -1

// Plan is the set of store operations that makes the mirror match the node for one cycle.
type Plan struct {
	// ForkHeight is the height of the highest common block; every stored block above it is rolled back.
	ForkHeight int64
	// ForkHash is the hash of the highest common block, empty when there is none.
	ForkHash string
	// Rollback is set when stored blocks above ForkHeight must be deleted.
	Rollback bool
	// Apply holds the node headers above ForkHeight in ascending height order.
	Apply []Header
}

// Empty reports whether the plan has nothing to do.
func (p Plan) Empty() bool {
	return !p.Rollback && len(p.Apply) == 0
}

// ForkTip returns the tip the mirror has after the rollback portion of the plan.
func (p Plan) ForkTip() *Tip {
	if p.ForkHash == "" || p.ForkHeight < 0 {
		return nil
	}
	return &Tip{Hash: p.ForkHash, Height: uint64(p.ForkHeight)}
}

// Target returns the last header applied by the plan.
func (p Plan) Target() (Header, bool) {
	if len(p.Apply) == 0 {
		return Header{}, false
	}
	return p.Apply[len(p.Apply)-1], true
}

// CycleResult summarises one reconciliation cycle.
type CycleResult struct {
	Plan       Plan
	RolledBack []OrphanedBlock
	Applied    int
	Tip        *Tip
	Started    time.Time
	Duration   time.Duration
}

// Noop reports whether the cycle changed nothing.
func (r CycleResult) Noop() bool {
	return r.Plan.Empty()
}
