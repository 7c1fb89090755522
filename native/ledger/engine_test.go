package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"testing"
)

type mockState struct {
	balances map[string]*big.Int
	supplies map[string]*big.Int
}

func newMockState() *mockState {
	return &mockState{
		balances: make(map[string]*big.Int),
		supplies: make(map[string]*big.Int),
	}
}

func key(vault [20]byte, subAccount uint64, token string) string {
	return fmt.Sprintf("%x/%d/%s", vault, subAccount, token)
}

func (s *mockState) BalanceGet(vault [20]byte, subAccount uint64, token string) (*big.Int, error) {
	if b, ok := s.balances[key(vault, subAccount, token)]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (s *mockState) BalancePut(vault [20]byte, subAccount uint64, token string, amount *big.Int) error {
	s.balances[key(vault, subAccount, token)] = new(big.Int).Set(amount)
	return nil
}

func (s *mockState) BalancesByPosition(vault [20]byte, subAccount uint64) (map[string]*big.Int, error) {
	prefix := fmt.Sprintf("%x/%d/", vault, subAccount)
	out := make(map[string]*big.Int)
	for k, b := range s.balances {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out[k[len(prefix):]] = new(big.Int).Set(b)
		}
	}
	return out, nil
}

func (s *mockState) SupplyGet(token string) (*big.Int, error) {
	if v, ok := s.supplies[token]; ok {
		return new(big.Int).Set(v), nil
	}
	return big.NewInt(0), nil
}

func (s *mockState) SupplyPut(token string, amount *big.Int) error {
	s.supplies[token] = new(big.Int).Set(amount)
	return nil
}

func testAddress(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func newTestEngine(t *testing.T) (*Engine, *mockState, *FixedOracle) {
	t.Helper()
	state := newMockState()
	oracle := NewFixedOracle(map[string]*big.Int{
		"WETH":  big.NewInt(2_000),
		"USDC":  big.NewInt(1),
		"GMETH": big.NewInt(1_000),
	})
	engine := NewEngine(testAddress(0x01), RiskParameters{
		MinCollateralizationBps: 11_500,
		LiquidationThresholdBps: 10_500,
	})
	engine.SetState(state)
	engine.SetOracle(oracle)
	return engine, state, oracle
}

func TestCreditAndDebitPosition(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	vault := testAddress(0x10)

	if err := engine.CreditPosition(vault, 1, "weth", big.NewInt(5)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	balance, err := engine.Balance(vault, 1, "WETH")
	if err != nil || balance.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("balance = %s, %v; want 5", balance, err)
	}

	// Debits may push the balance negative; that is a borrow.
	if err := engine.DebitPosition(vault, 1, "WETH", big.NewInt(8)); err != nil {
		t.Fatalf("debit: %v", err)
	}
	balance, err = engine.Balance(vault, 1, "WETH")
	if err != nil || balance.Cmp(big.NewInt(-3)) != 0 {
		t.Fatalf("balance = %s, %v; want -3", balance, err)
	}

	if err := engine.CreditPosition(vault, 1, "WETH", nil); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("nil credit: got %v, want ErrInvalidAmount", err)
	}
	if err := engine.DebitPosition(vault, 1, "WETH", big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero debit: got %v, want ErrInvalidAmount", err)
	}
}

func TestSupplyCapEnforcedOnCredit(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	owner := testAddress(0x01)
	vault := testAddress(0x10)

	if err := engine.SetSupplyCap(testAddress(0x99), "WETH", big.NewInt(10)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger cap: got %v, want ErrUnauthorized", err)
	}
	if err := engine.SetSupplyCap(owner, "WETH", big.NewInt(10)); err != nil {
		t.Fatalf("set cap: %v", err)
	}
	if err := engine.CreditPosition(vault, 1, "WETH", big.NewInt(7)); err != nil {
		t.Fatalf("credit under cap: %v", err)
	}
	if err := engine.CreditPosition(vault, 2, "WETH", big.NewInt(4)); !errors.Is(err, ErrSupplyCapExceeded) {
		t.Fatalf("credit over cap: got %v, want ErrSupplyCapExceeded", err)
	}
	// Removing the cap lifts the limit.
	if err := engine.SetSupplyCap(owner, "WETH", nil); err != nil {
		t.Fatalf("remove cap: %v", err)
	}
	if err := engine.CreditPosition(vault, 2, "WETH", big.NewInt(4)); err != nil {
		t.Fatalf("credit after cap removal: %v", err)
	}
}

func TestCheckCollateralized(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	vault := testAddress(0x10)

	// No debt is always collateralized, including an empty position.
	if err := engine.CheckCollateralized(vault, 1); err != nil {
		t.Fatalf("empty position: %v", err)
	}

	// 1 WETH collateral (2000) against 1600 USDC debt = 125% >= 115%.
	if err := engine.CreditPosition(vault, 1, "WETH", big.NewInt(1)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := engine.DebitPosition(vault, 1, "USDC", big.NewInt(1_600)); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if err := engine.CheckCollateralized(vault, 1); err != nil {
		t.Fatalf("healthy position: %v", err)
	}

	// Push debt to 1800 USDC: 2000/1800 = 111% < 115%.
	if err := engine.DebitPosition(vault, 1, "USDC", big.NewInt(200)); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if err := engine.CheckCollateralized(vault, 1); !errors.Is(err, ErrUndercollateralized) {
		t.Fatalf("stretched position: got %v, want ErrUndercollateralized", err)
	}
}

func TestCheckLiquidatable(t *testing.T) {
	engine, _, oracle := newTestEngine(t)
	vault := testAddress(0x10)

	if err := engine.CheckLiquidatable(vault, 1); !errors.Is(err, ErrNotLiquidatable) {
		t.Fatalf("empty position: got %v, want ErrNotLiquidatable", err)
	}

	if err := engine.CreditPosition(vault, 1, "WETH", big.NewInt(1)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := engine.DebitPosition(vault, 1, "USDC", big.NewInt(1_800)); err != nil {
		t.Fatalf("debit: %v", err)
	}
	// 111% is below the 115% minimum but above the 105% seizure threshold.
	if err := engine.CheckLiquidatable(vault, 1); !errors.Is(err, ErrNotLiquidatable) {
		t.Fatalf("stretched but safe: got %v, want ErrNotLiquidatable", err)
	}

	// The collateral devalues: 1800/1800 = 100% < 105%.
	oracle.SetPrice("WETH", big.NewInt(1_800))
	if err := engine.CheckLiquidatable(vault, 1); err != nil {
		t.Fatalf("underwater position: %v", err)
	}
}

func TestOracleGapSurfacesError(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	vault := testAddress(0x10)

	if err := engine.CreditPosition(vault, 1, "DOGE", big.NewInt(100)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := engine.DebitPosition(vault, 1, "USDC", big.NewInt(1)); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if err := engine.CheckCollateralized(vault, 1); !errors.Is(err, ErrNoPrice) {
		t.Fatalf("unpriced token: got %v, want ErrNoPrice", err)
	}
}

func TestGlobalOperatorRegistration(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	owner := testAddress(0x01)
	operator := testAddress(0x20)

	if err := engine.RegisterGlobalOperator(testAddress(0x99), operator, true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger grant: got %v, want ErrUnauthorized", err)
	}
	if err := engine.RegisterGlobalOperator(owner, [20]byte{}, true); !errors.Is(err, ErrZeroAddress) {
		t.Fatalf("zero operator: got %v, want ErrZeroAddress", err)
	}
	if err := engine.RegisterGlobalOperator(owner, operator, true); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if !engine.IsGlobalOperator(operator) {
		t.Fatal("operator not granted")
	}
	if err := engine.RegisterGlobalOperator(owner, operator, false); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if engine.IsGlobalOperator(operator) {
		t.Fatal("operator not revoked")
	}
}
