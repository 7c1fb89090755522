package conversion

import (
	"errors"
	"math/big"
	"testing"
)

func TestUnwrapperInitiateValidation(t *testing.T) {
	f := newFixture(t)
	f.ledger.setBalance(f.vault, 1, "GMETH", 1_000)
	budget, attached := f.fee()

	if _, err := f.unwrapper.Initiate(f.user, f.vault, 1, "GMETH", big.NewInt(100), big.NewInt(90), budget, attached); !errors.Is(err, ErrInvalidOutputToken) {
		t.Fatalf("market token as output: got %v, want ErrInvalidOutputToken", err)
	}
	if _, err := f.unwrapper.Initiate(f.user, f.vault, 1, "USDC", nil, big.NewInt(90), budget, attached); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("nil input: got %v, want ErrInvalidAmount", err)
	}
	stranger := newTestAddress(0x99)
	if _, err := f.unwrapper.Initiate(stranger, f.vault, 1, "USDC", big.NewInt(100), big.NewInt(90), budget, attached); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger initiation: got %v, want ErrUnauthorized", err)
	}
}

func TestUnwrapperTrustedConverterMayInitiate(t *testing.T) {
	f := newFixture(t)
	f.ledger.setBalance(f.vault, 1, "GMETH", 1_000)
	converter := newTestAddress(0x42)
	if err := f.registry.SetConverter(f.owner, f.factory, converter, true); err != nil {
		t.Fatalf("set converter: %v", err)
	}

	budget, attached := f.fee()
	if _, err := f.unwrapper.Initiate(converter, f.vault, 1, "USDC", big.NewInt(100), big.NewInt(90), budget, attached); err != nil {
		t.Fatalf("trusted converter initiation: %v", err)
	}
}

func TestUnwrapperRoundTripCreditsBothSides(t *testing.T) {
	f := newFixture(t)
	sub := uint64(3)
	f.ledger.setBalance(f.vault, sub, "GMETH", 5_000)

	budget, attached := f.fee()
	key, err := f.unwrapper.Initiate(f.user, f.vault, sub, "USDC", big.NewInt(500), big.NewInt(1_000), budget, attached)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if got := f.ledger.balance(f.vault, sub, "GMETH"); got.Cmp(big.NewInt(4_500)) != 0 {
		t.Fatalf("post-initiate GMETH = %s, want 4500", got)
	}
	if !f.unwrapper.FreezeTracker().IsFrozen(f.vault, sub) {
		t.Fatal("sub-account not frozen")
	}

	// The pool fill returns 1100 of the requested side plus 40 of the other.
	// The sub-account receives the recorded minimum; surplus and the entire
	// other side land on the default sub-account.
	if err := f.unwrapper.ResolveSuccess(f.handler, key, big.NewInt(1_100), big.NewInt(40)); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := f.ledger.balance(f.vault, sub, "USDC"); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("sub-account USDC = %s, want 1000", got)
	}
	if got := f.ledger.balance(f.vault, DefaultSubAccount, "USDC"); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("default sub-account USDC = %s, want 100", got)
	}
	if got := f.ledger.balance(f.vault, DefaultSubAccount, "WETH"); got.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("default sub-account WETH = %s, want 40", got)
	}
	if f.unwrapper.FreezeTracker().IsFrozen(f.vault, sub) {
		t.Fatal("sub-account still frozen after resolution")
	}
	if _, ok := f.state.PendingGet(key); ok {
		t.Fatal("pending record survived resolution")
	}
}

func TestUnwrapperCancelRefundsMarketTokens(t *testing.T) {
	f := newFixture(t)
	f.ledger.setBalance(f.vault, 2, "GMETH", 1_000)
	key := f.initiateUnwrap(t, 2, 500, 400)

	f.unwrapper.SetBlockHeight(120)
	if err := f.unwrapper.ResolveCancel(f.user, key); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := f.ledger.balance(f.vault, 2, "GMETH"); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("refunded GMETH = %s, want 1000", got)
	}
	if f.unwrapper.FreezeTracker().IsFrozen(f.vault, 2) {
		t.Fatal("sub-account still frozen after cancel")
	}
}

func TestUnwrapperInitiatePersistenceFailureRestoresDebit(t *testing.T) {
	f := newFixture(t)
	f.ledger.setBalance(f.vault, 2, "GMETH", 1_000)
	budget, attached := f.fee()

	f.state.pendingPutErr = errors.New("disk full")
	if _, err := f.unwrapper.Initiate(f.user, f.vault, 2, "USDC", big.NewInt(500), big.NewInt(400), budget, attached); err == nil {
		t.Fatal("expected pending-put error")
	}
	if got := f.ledger.balance(f.vault, 2, "GMETH"); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("balance after pending-put failure = %s, want 1000", got)
	}

	f.state.pendingPutErr = nil
	f.state.freezePutErr = errors.New("disk full")
	if _, err := f.unwrapper.Initiate(f.user, f.vault, 2, "USDC", big.NewInt(500), big.NewInt(400), budget, attached); err == nil {
		t.Fatal("expected freeze-put error")
	}
	if got := f.ledger.balance(f.vault, 2, "GMETH"); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("balance after freeze-put failure = %s, want 1000", got)
	}
	if len(f.state.pendings) != 0 {
		t.Fatalf("pending record left behind by freeze-put failure: %d", len(f.state.pendings))
	}
	if f.unwrapper.FreezeTracker().IsFrozen(f.vault, 2) {
		t.Fatal("sub-account frozen after failed initiation")
	}
}

func TestUnwrapperRejectsDepositKeys(t *testing.T) {
	f := newFixture(t)
	f.ledger.setBalance(f.vault, 1, "WETH", 1_000)
	key := f.initiateWrap(t, 1, 600, 550)

	if err := f.unwrapper.ResolveSuccess(f.handler, key, big.NewInt(550), nil); !errors.Is(err, ErrWrongTrader) {
		t.Fatalf("deposit key on unwrapper: got %v, want ErrWrongTrader", err)
	}
}

func TestUnwrapperDowngradeThenExecuteTrade(t *testing.T) {
	f := newFixture(t)
	sub := uint64(4)
	f.ledger.setBalance(f.vault, sub, "GMETH", 5_000)
	key := f.initiateUnwrap(t, sub, 500, 1_000)

	f.ledger.checkErr = errors.New("position devalued")
	if err := f.unwrapper.ResolveSuccess(f.handler, key, big.NewInt(1_100), big.NewInt(40)); err != nil {
		t.Fatalf("downgraded resolve returned error: %v", err)
	}
	pending, ok := f.state.PendingGet(key)
	if !ok || !pending.Retryable || pending.RetryKind != RetryExecute {
		t.Fatalf("record not armed for retry: %+v", pending)
	}
	if pending.EscrowedAmount.Cmp(big.NewInt(1_100)) != 0 || pending.EscrowedOtherAmount.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("escrowed = %s / %s, want 1100 / 40", pending.EscrowedAmount, pending.EscrowedOtherAmount)
	}

	// ExecuteTrade consumes the escrowed proceeds with no solvency re-check:
	// the surrounding atomic trade settles the position. checkErr stays set to
	// prove the path never consults it.
	out, err := f.unwrapper.ExecuteTrade(f.handler, AccountContext{Vault: f.vault, SubAccount: sub}, key, big.NewInt(1_000))
	if err != nil {
		t.Fatalf("execute trade: %v", err)
	}
	if out.Cmp(big.NewInt(1_100)) != 0 {
		t.Fatalf("trade output = %s, want 1100", out)
	}
	if got := f.ledger.balance(f.vault, sub, "USDC"); got.Cmp(big.NewInt(1_100)) != 0 {
		t.Fatalf("sub-account USDC = %s, want 1100", got)
	}
	if got := f.ledger.balance(f.vault, sub, "WETH"); got.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("sub-account WETH = %s, want 40", got)
	}
	if f.unwrapper.FreezeTracker().IsFrozen(f.vault, sub) {
		t.Fatal("sub-account still frozen after trade consume")
	}
	if _, ok := f.state.PendingGet(key); ok {
		t.Fatal("pending record survived trade consume")
	}
}

func TestExecuteTradeRejectsHijackedContext(t *testing.T) {
	f := newFixture(t)
	f.ledger.setBalance(f.vault, 4, "GMETH", 5_000)
	f.ledger.setBalance(f.vault, 9, "GMETH", 5_000)
	keyA := f.initiateUnwrap(t, 4, 500, 1_000)
	f.initiateUnwrap(t, 9, 500, 1_000)

	f.ledger.checkErr = errors.New("position devalued")
	if err := f.unwrapper.ResolveSuccess(f.handler, keyA, big.NewInt(1_100), nil); err != nil {
		t.Fatalf("downgraded resolve: %v", err)
	}
	f.ledger.checkErr = nil

	// Sub-account 4's withdrawal key presented under sub-account 9's context
	// must not move 4's proceeds into 9.
	if _, err := f.unwrapper.ExecuteTrade(f.handler, AccountContext{Vault: f.vault, SubAccount: 9}, keyA, nil); !errors.Is(err, ErrInvalidSubAccount) {
		t.Fatalf("hijacked sub-account: got %v, want ErrInvalidSubAccount", err)
	}
	otherVault := newTestAddress(0x61)
	if _, err := f.unwrapper.ExecuteTrade(f.handler, AccountContext{Vault: otherVault, SubAccount: 4}, keyA, nil); !errors.Is(err, ErrInvalidSubAccount) {
		t.Fatalf("hijacked vault: got %v, want ErrInvalidSubAccount", err)
	}
	if got := f.ledger.balance(f.vault, 9, "USDC"); got.Sign() != 0 {
		t.Fatalf("hijack moved funds: sub 9 USDC = %s", got)
	}
}

func TestExecuteTradeRequiresEscrowedProceeds(t *testing.T) {
	f := newFixture(t)
	f.ledger.setBalance(f.vault, 4, "GMETH", 5_000)
	key := f.initiateUnwrap(t, 4, 500, 1_000)
	ctx := AccountContext{Vault: f.vault, SubAccount: 4}

	if _, err := f.unwrapper.ExecuteTrade(f.user, ctx, key, nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("unauthorized trade: got %v, want ErrUnauthorized", err)
	}
	if _, err := f.unwrapper.ExecuteTrade(f.handler, ctx, key, nil); !errors.Is(err, ErrNoEscrowedProceeds) {
		t.Fatalf("live record: got %v, want ErrNoEscrowedProceeds", err)
	}

	f.ledger.checkErr = errors.New("position devalued")
	if err := f.unwrapper.ResolveSuccess(f.handler, key, big.NewInt(1_100), nil); err != nil {
		t.Fatalf("downgraded resolve: %v", err)
	}
	f.ledger.checkErr = nil
	if _, err := f.unwrapper.ExecuteTrade(f.handler, ctx, key, big.NewInt(2_000)); !errors.Is(err, ErrInsufficientOutput) {
		t.Fatalf("min output above escrow: got %v, want ErrInsufficientOutput", err)
	}
}
