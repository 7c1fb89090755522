package conversion

import (
	"errors"
	"math/big"
	"testing"
)

func TestGuardBlocksVenueReentry(t *testing.T) {
	f := newFixture(t)
	f.ledger.setBalance(f.vault, 1, "WETH", 1_000)
	budget, attached := f.fee()

	// The venue re-enters a sibling entry point while the initiation still
	// holds the pair's busy flag.
	var reentryErr error
	f.venue.requestHook = func() {
		_, reentryErr = f.unwrapper.Initiate(f.user, f.vault, 2, "USDC", big.NewInt(10), big.NewInt(10), budget, attached)
	}
	if _, err := f.wrapper.Initiate(f.user, f.vault, 1, "WETH", big.NewInt(600), big.NewInt(550), budget, attached); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if !errors.Is(reentryErr, ErrReentrantCall) {
		t.Fatalf("venue reentry: got %v, want ErrReentrantCall", reentryErr)
	}
}

func TestGuardBlocksCrossEntryPointReentry(t *testing.T) {
	f := newFixture(t)
	f.ledger.setBalance(f.vault, 1, "WETH", 1_000)
	key := f.initiateWrap(t, 1, 600, 550)

	// A ledger callback during resolution tries to start a liquidation
	// through the adapter sharing the same guard.
	var reentryErr error
	budget, attached := f.fee()
	f.ledger.creditHook = func() {
		if reentryErr == nil {
			_, reentryErr = f.adapter.PrepareForLiquidation(f.liquidator, f.vault, 1, big.NewInt(10), "USDC", big.NewInt(10), budget, attached)
		}
	}
	if err := f.wrapper.ResolveSuccess(f.handler, key, big.NewInt(600)); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !errors.Is(reentryErr, ErrReentrantCall) {
		t.Fatalf("cross-entry reentry: got %v, want ErrReentrantCall", reentryErr)
	}
}

func TestGuardReleasesAfterFailedCall(t *testing.T) {
	f := newFixture(t)
	f.ledger.setBalance(f.vault, 1, "WETH", 1_000)

	var unknown [32]byte
	unknown[0] = 0x33
	if err := f.wrapper.ResolveSuccess(f.handler, unknown, big.NewInt(1)); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("unknown key: got %v, want ErrUnknownKey", err)
	}
	// The failed call released the flag; normal operation resumes.
	f.initiateWrap(t, 1, 600, 550)
}
