package conversion

import (
	"errors"
	"math/big"
	"testing"
)

func TestPrepareForLiquidationAuthorization(t *testing.T) {
	f := newFixture(t)
	budget, attached := f.fee()

	if _, err := f.adapter.PrepareForLiquidation(f.user, f.vault, 5, big.NewInt(500), "USDC", big.NewInt(400), budget, attached); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-liquidator prepare: got %v, want ErrUnauthorized", err)
	}

	f.ledger.liqErr = ErrNotLiquidatable
	if _, err := f.adapter.PrepareForLiquidation(f.liquidator, f.vault, 5, big.NewInt(500), "USDC", big.NewInt(400), budget, attached); !errors.Is(err, ErrNotLiquidatable) {
		t.Fatalf("healthy position: got %v, want ErrNotLiquidatable", err)
	}
}

func TestLiquidationRoundTrip(t *testing.T) {
	f := newFixture(t)
	sub := uint64(5)
	f.ledger.setBalance(f.vault, sub, "GMETH", 2_000)
	budget, attached := f.fee()

	key, err := f.adapter.PrepareForLiquidation(f.liquidator, f.vault, sub, big.NewInt(800), "USDC", big.NewInt(700), budget, attached)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	pending, ok := f.state.PendingGet(key)
	if !ok || !pending.FromLiquidation {
		t.Fatalf("record not tagged as liquidation: %+v", pending)
	}

	// The position owner cannot cancel a liquidation-originated withdrawal.
	f.unwrapper.SetBlockHeight(200)
	if err := f.unwrapper.ResolveCancel(f.user, key); !errors.Is(err, ErrLiquidationCancel) {
		t.Fatalf("owner cancel of liquidation: got %v, want ErrLiquidationCancel", err)
	}

	// The venue resolves while the account is still underwater; the credits
	// fail the solvency re-check and the proceeds escrow on the record.
	f.ledger.checkErr = errors.New("still underwater")
	if err := f.unwrapper.ResolveSuccess(f.handler, key, big.NewInt(750), nil); err != nil {
		t.Fatalf("downgraded resolve: %v", err)
	}

	// The liquidator consumes the escrowed proceeds inside the seizure trade.
	out, err := f.adapter.SettleLiquidation(f.liquidator, AccountContext{Vault: f.vault, SubAccount: sub}, key, big.NewInt(700))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if out.Cmp(big.NewInt(750)) != 0 {
		t.Fatalf("settled output = %s, want 750", out)
	}
	if got := f.ledger.balance(f.vault, sub, "USDC"); got.Cmp(big.NewInt(750)) != 0 {
		t.Fatalf("sub-account USDC = %s, want 750", got)
	}
	if f.unwrapper.FreezeTracker().IsFrozen(f.vault, sub) {
		t.Fatal("sub-account still frozen after settlement")
	}
	if _, ok := f.state.PendingGet(key); ok {
		t.Fatal("pending record survived settlement")
	}
}

func TestSettleLiquidationRejectsHijackedContext(t *testing.T) {
	f := newFixture(t)
	f.ledger.setBalance(f.vault, 5, "GMETH", 2_000)
	budget, attached := f.fee()

	key, err := f.adapter.PrepareForLiquidation(f.liquidator, f.vault, 5, big.NewInt(800), "USDC", big.NewInt(700), budget, attached)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	f.ledger.checkErr = errors.New("still underwater")
	if err := f.unwrapper.ResolveSuccess(f.handler, key, big.NewInt(750), nil); err != nil {
		t.Fatalf("downgraded resolve: %v", err)
	}
	f.ledger.checkErr = nil

	if _, err := f.adapter.SettleLiquidation(f.liquidator, AccountContext{Vault: f.vault, SubAccount: 6}, key, nil); !errors.Is(err, ErrInvalidSubAccount) {
		t.Fatalf("hijacked context: got %v, want ErrInvalidSubAccount", err)
	}
	if _, err := f.adapter.SettleLiquidation(f.handler, AccountContext{Vault: f.vault, SubAccount: 5}, key, nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-liquidator settle: got %v, want ErrUnauthorized", err)
	}
	var unknown [32]byte
	unknown[0] = 0xAB
	if _, err := f.adapter.SettleLiquidation(f.liquidator, AccountContext{Vault: f.vault, SubAccount: 5}, unknown, nil); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("unknown key: got %v, want ErrUnknownKey", err)
	}
}
