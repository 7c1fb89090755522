package conversion

import (
	"bytes"
	"fmt"
	"math/big"
	"testing"

	"marginvault/core/events"
)

type mockState struct {
	pendings map[[32]byte]*PendingConversion
	freezes  map[string]*FreezeEntry
	vaults   map[[20]byte]*VaultRecord

	pendingPutErr error
	freezePutErr  error
}

func newMockState() *mockState {
	return &mockState{
		pendings: make(map[[32]byte]*PendingConversion),
		freezes:  make(map[string]*FreezeEntry),
		vaults:   make(map[[20]byte]*VaultRecord),
	}
}

func freezeKey(vault [20]byte, subAccount uint64, reason FreezeReason) string {
	return fmt.Sprintf("%x/%d/%d", vault, subAccount, reason)
}

func (s *mockState) PendingPut(p *PendingConversion) error {
	if s.pendingPutErr != nil {
		return s.pendingPutErr
	}
	s.pendings[p.Key] = p.Clone()
	return nil
}

func (s *mockState) PendingGet(key [32]byte) (*PendingConversion, bool) {
	p, ok := s.pendings[key]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

func (s *mockState) PendingDelete(key [32]byte) error {
	delete(s.pendings, key)
	return nil
}

func (s *mockState) FreezePut(entry *FreezeEntry) error {
	if s.freezePutErr != nil {
		return s.freezePutErr
	}
	s.freezes[freezeKey(entry.Vault, entry.SubAccount, entry.Reason)] = entry.Clone()
	return nil
}

func (s *mockState) FreezeGet(vault [20]byte, subAccount uint64, reason FreezeReason) (*FreezeEntry, bool) {
	entry, ok := s.freezes[freezeKey(vault, subAccount, reason)]
	if !ok {
		return nil, false
	}
	return entry.Clone(), true
}

func (s *mockState) FreezeDelete(vault [20]byte, subAccount uint64, reason FreezeReason) error {
	delete(s.freezes, freezeKey(vault, subAccount, reason))
	return nil
}

func (s *mockState) FreezeByVault(vault [20]byte) ([]*FreezeEntry, error) {
	entries := make([]*FreezeEntry, 0)
	for _, entry := range s.freezes {
		if entry.Vault == vault {
			entries = append(entries, entry.Clone())
		}
	}
	return entries, nil
}

func (s *mockState) VaultPut(rec *VaultRecord) error {
	cloned := *rec
	s.vaults[rec.Vault] = &cloned
	return nil
}

func (s *mockState) VaultGet(vault [20]byte) (*VaultRecord, bool) {
	rec, ok := s.vaults[vault]
	if !ok {
		return nil, false
	}
	cloned := *rec
	return &cloned, true
}

// mockLedger keeps real signed balances so round-trip tests can assert exact
// restoration. Hooks allow individual tests to force solvency failures or
// re-entrant calls.
type mockLedger struct {
	balances map[string]*big.Int

	checkErr   error
	liqErr     error
	creditErr  func(vault [20]byte, subAccount uint64, token string) error
	creditHook func()
}

func newMockLedger() *mockLedger {
	return &mockLedger{balances: make(map[string]*big.Int)}
}

func balanceKey(vault [20]byte, subAccount uint64, token string) string {
	return fmt.Sprintf("%x/%d/%s", vault, subAccount, token)
}

func (l *mockLedger) balance(vault [20]byte, subAccount uint64, token string) *big.Int {
	if b, ok := l.balances[balanceKey(vault, subAccount, token)]; ok {
		return new(big.Int).Set(b)
	}
	return big.NewInt(0)
}

func (l *mockLedger) setBalance(vault [20]byte, subAccount uint64, token string, amount int64) {
	l.balances[balanceKey(vault, subAccount, token)] = big.NewInt(amount)
}

func (l *mockLedger) CreditPosition(vault [20]byte, subAccount uint64, token string, amount *big.Int) error {
	if l.creditHook != nil {
		l.creditHook()
	}
	if l.creditErr != nil {
		if err := l.creditErr(vault, subAccount, token); err != nil {
			return err
		}
	}
	next := new(big.Int).Add(l.balance(vault, subAccount, token), amount)
	l.balances[balanceKey(vault, subAccount, token)] = next
	return nil
}

func (l *mockLedger) DebitPosition(vault [20]byte, subAccount uint64, token string, amount *big.Int) error {
	next := new(big.Int).Sub(l.balance(vault, subAccount, token), amount)
	l.balances[balanceKey(vault, subAccount, token)] = next
	return nil
}

func (l *mockLedger) CheckCollateralized(vault [20]byte, subAccount uint64) error {
	return l.checkErr
}

func (l *mockLedger) CheckLiquidatable(vault [20]byte, subAccount uint64) error {
	return l.liqErr
}

// mockVenue mints deterministic sequential keys and records the last request.
type mockVenue struct {
	counter        byte
	requestErr     error
	lastDeposit    *DepositRequest
	lastWithdrawal *WithdrawalRequest
	requestHook    func()
}

func (v *mockVenue) nextKey() [32]byte {
	v.counter++
	var key [32]byte
	copy(key[:], bytes.Repeat([]byte{v.counter}, 32))
	return key
}

func (v *mockVenue) RequestDeposit(req DepositRequest) ([32]byte, error) {
	if v.requestHook != nil {
		v.requestHook()
	}
	if v.requestErr != nil {
		return [32]byte{}, v.requestErr
	}
	v.lastDeposit = &req
	return v.nextKey(), nil
}

func (v *mockVenue) RequestWithdrawal(req WithdrawalRequest) ([32]byte, error) {
	if v.requestHook != nil {
		v.requestHook()
	}
	if v.requestErr != nil {
		return [32]byte{}, v.requestErr
	}
	v.lastWithdrawal = &req
	return v.nextKey(), nil
}

type captureEmitter struct {
	events []events.Event
}

func (c *captureEmitter) Emit(evt events.Event) { c.events = append(c.events, evt) }

func (c *captureEmitter) types() []string {
	out := make([]string, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.EventType())
	}
	return out
}

func (c *captureEmitter) last() string {
	if len(c.events) == 0 {
		return ""
	}
	return c.events[len(c.events)-1].EventType()
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func testMarket() Market {
	return Market{ID: "ETH-USD", MarketToken: "GMETH", LongToken: "WETH", ShortToken: "USDC"}
}

type fixture struct {
	state    *mockState
	ledger   *mockLedger
	venue    *mockVenue
	registry *HandlerRegistry
	guard    *TraderGuard
	emitter  *captureEmitter

	wrapper   *Wrapper
	unwrapper *Unwrapper
	adapter   *LiquidationAdapter

	owner      [20]byte
	handler    [20]byte
	factory    [20]byte
	vault      [20]byte
	user       [20]byte
	liquidator [20]byte
	market     Market
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		state:      newMockState(),
		ledger:     newMockLedger(),
		venue:      &mockVenue{},
		guard:      NewTraderGuard(),
		emitter:    &captureEmitter{},
		owner:      newTestAddress(0x01),
		handler:    newTestAddress(0x02),
		factory:    newTestAddress(0x03),
		vault:      newTestAddress(0x04),
		user:       newTestAddress(0x05),
		liquidator: newTestAddress(0x06),
		market:     testMarket(),
	}
	f.registry = NewHandlerRegistry(f.owner)
	if err := f.registry.SetHandler(f.owner, f.handler, true); err != nil {
		t.Fatalf("set handler: %v", err)
	}
	if err := f.registry.SetLiquidator(f.owner, f.liquidator, true); err != nil {
		t.Fatalf("set liquidator: %v", err)
	}
	if err := f.registry.SetCallbackGasLimit(f.owner, 2_000_000); err != nil {
		t.Fatalf("set gas limit: %v", err)
	}

	f.wrapper = NewWrapper(f.factory, f.market, f.guard)
	f.unwrapper = NewUnwrapper(f.factory, f.market, f.guard)
	for _, tr := range []*trader{&f.wrapper.trader, &f.unwrapper.trader} {
		tr.SetState(f.state)
		tr.SetLedger(f.ledger)
		tr.SetVenue(f.venue)
		tr.SetRegistry(f.registry)
		tr.SetEmitter(f.emitter)
		tr.SetExecutionFeeCeiling(big.NewInt(1_000))
		tr.SetCancelDelayBlocks(10)
		tr.SetBlockHeight(100)
	}
	f.adapter = NewLiquidationAdapter(f.unwrapper, f.guard)
	f.adapter.SetRegistry(f.registry)
	f.adapter.SetLedger(f.ledger)

	if err := f.wrapper.RegisterVault(f.factory, f.vault, f.user); err != nil {
		t.Fatalf("register vault: %v", err)
	}
	return f
}

func (f *fixture) fee() (*big.Int, *big.Int) {
	return big.NewInt(100), big.NewInt(100)
}

// initiateWrap runs a standard wrap initiation from the vault owner and
// returns the external key.
func (f *fixture) initiateWrap(t *testing.T, subAccount uint64, inputAmount, outputMin int64) [32]byte {
	t.Helper()
	budget, attached := f.fee()
	key, err := f.wrapper.Initiate(f.user, f.vault, subAccount, "WETH", big.NewInt(inputAmount), big.NewInt(outputMin), budget, attached)
	if err != nil {
		t.Fatalf("initiate wrap: %v", err)
	}
	return key
}

// initiateUnwrap runs a standard unwrap initiation from the vault owner.
func (f *fixture) initiateUnwrap(t *testing.T, subAccount uint64, inputAmount, outputMin int64) [32]byte {
	t.Helper()
	budget, attached := f.fee()
	key, err := f.unwrapper.Initiate(f.user, f.vault, subAccount, "USDC", big.NewInt(inputAmount), big.NewInt(outputMin), budget, attached)
	if err != nil {
		t.Fatalf("initiate unwrap: %v", err)
	}
	return key
}
