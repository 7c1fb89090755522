package conversion

import "sync/atomic"

// TraderGuard is the shared busy flag covering every external entry point of a
// trader pair (wrapper, unwrapper and liquidation adapter for one factory). A
// downstream venue or ledger call that re-enters any sibling entry point while
// the flag is held fails with ErrReentrantCall. The flag is per trader pair,
// not per function: the documented exploit surface is cross-entry-point.
type TraderGuard struct {
	busy atomic.Bool
}

// NewTraderGuard returns an idle guard.
func NewTraderGuard() *TraderGuard { return &TraderGuard{} }

func (g *TraderGuard) enter() error {
	if g == nil {
		return nil
	}
	if !g.busy.CompareAndSwap(false, true) {
		return ErrReentrantCall
	}
	return nil
}

func (g *TraderGuard) exit() {
	if g == nil {
		return
	}
	g.busy.Store(false)
}
