package ledger

import (
	"encoding/hex"
	"errors"
	"math/big"
	"strconv"

	"marginvault/core/events"
	"marginvault/core/types"
	nativecommon "marginvault/native/common"
)

var (
	errNilState  = errors.New("ledger engine: state not configured")
	errNilOracle = errors.New("ledger engine: price oracle not configured")

	// ErrInvalidAmount is returned for nil, zero or negative amounts.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
	// ErrUndercollateralized is returned when a position's collateral value
	// falls below the minimum ratio against its debt.
	ErrUndercollateralized = errors.New("ledger: position undercollateralized")
	// ErrNotLiquidatable is returned when a position is above the
	// liquidation threshold.
	ErrNotLiquidatable = errors.New("ledger: position not liquidatable")
	// ErrSupplyCapExceeded is returned when crediting a token would push its
	// tracked total supply above the configured cap.
	ErrSupplyCapExceeded = errors.New("ledger: token supply cap exceeded")
	// ErrNoPrice is returned when the oracle has no price for a token.
	ErrNoPrice = errors.New("ledger: no price for token")
	// ErrUnauthorized is returned by owner-gated administration calls.
	ErrUnauthorized = errors.New("ledger: unauthorized caller")
	// ErrZeroAddress is returned when registering the zero address.
	ErrZeroAddress = errors.New("ledger: zero address")
)

var basisPoints = big.NewInt(10_000)

const moduleName = "ledger"

// EventTypeOperatorUpdated is emitted when a global operator is granted or
// revoked.
const EventTypeOperatorUpdated = "ledger.operator_updated"

// engineState is the persistence surface for per-position token balances and
// per-token tracked supply. Balances are signed: a negative balance is a
// borrow.
type engineState interface {
	BalanceGet(vault [20]byte, subAccount uint64, token string) (*big.Int, error)
	BalancePut(vault [20]byte, subAccount uint64, token string, amount *big.Int) error
	BalancesByPosition(vault [20]byte, subAccount uint64) (map[string]*big.Int, error)
	SupplyGet(token string) (*big.Int, error)
	SupplyPut(token string, amount *big.Int) error
}

// Engine is the reference margin ledger. It tracks signed per-position token
// balances, enforces supply caps on credit, and answers the solvency queries
// the conversion engine depends on.
type Engine struct {
	state      engineState
	oracle     PriceOracle
	params     RiskParameters
	owner      [20]byte
	operators  map[[20]byte]bool
	supplyCaps map[string]*big.Int
	emitter    events.Emitter
	pauses     nativecommon.PauseView
}

// NewEngine constructs a ledger owned by the governance address.
func NewEngine(owner [20]byte, params RiskParameters) *Engine {
	return &Engine{
		owner:      owner,
		params:     params,
		operators:  make(map[[20]byte]bool),
		supplyCaps: make(map[string]*big.Int),
		emitter:    events.NoopEmitter{},
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetOracle wires the price oracle.
func (e *Engine) SetOracle(oracle PriceOracle) { e.oracle = oracle }

// SetPauses wires the governance pause view.
func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetSupplyCap configures the maximum tracked supply for a token. A nil or
// zero cap removes the limit.
func (e *Engine) SetSupplyCap(caller [20]byte, token string, cap *big.Int) error {
	if caller != e.owner {
		return ErrUnauthorized
	}
	normalized := normalize(token)
	if cap == nil || cap.Sign() == 0 {
		delete(e.supplyCaps, normalized)
		return nil
	}
	e.supplyCaps[normalized] = new(big.Int).Set(cap)
	return nil
}

// RegisterGlobalOperator grants or revokes an address allowed to mutate
// positions it does not own.
func (e *Engine) RegisterGlobalOperator(caller, operator [20]byte, trusted bool) error {
	if caller != e.owner {
		return ErrUnauthorized
	}
	if operator == ([20]byte{}) {
		return ErrZeroAddress
	}
	if trusted {
		e.operators[operator] = true
	} else {
		delete(e.operators, operator)
	}
	e.emitOperatorUpdated(operator, trusted)
	return nil
}

// IsGlobalOperator reports whether the address may mutate arbitrary positions.
func (e *Engine) IsGlobalOperator(addr [20]byte) bool { return e.operators[addr] }

// CreditPosition adds the amount to the position's signed token balance,
// enforcing the token supply cap on the net positive supply.
func (e *Engine) CreditPosition(vault [20]byte, subAccount uint64, token string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	normalized := normalize(token)
	balance, err := e.state.BalanceGet(vault, subAccount, normalized)
	if err != nil {
		return err
	}
	supply, err := e.state.SupplyGet(normalized)
	if err != nil {
		return err
	}
	nextSupply := new(big.Int).Add(cloneBigInt(supply), amount)
	if cap, ok := e.supplyCaps[normalized]; ok && nextSupply.Cmp(cap) > 0 {
		return ErrSupplyCapExceeded
	}
	next := new(big.Int).Add(cloneBigInt(balance), amount)
	if err := e.state.BalancePut(vault, subAccount, normalized, next); err != nil {
		return err
	}
	return e.state.SupplyPut(normalized, nextSupply)
}

// DebitPosition subtracts the amount from the position's signed token balance.
// The balance may go negative; solvency is the caller's concern via
// CheckCollateralized.
func (e *Engine) DebitPosition(vault [20]byte, subAccount uint64, token string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	normalized := normalize(token)
	balance, err := e.state.BalanceGet(vault, subAccount, normalized)
	if err != nil {
		return err
	}
	supply, err := e.state.SupplyGet(normalized)
	if err != nil {
		return err
	}
	next := new(big.Int).Sub(cloneBigInt(balance), amount)
	if err := e.state.BalancePut(vault, subAccount, normalized, next); err != nil {
		return err
	}
	nextSupply := new(big.Int).Sub(cloneBigInt(supply), amount)
	if nextSupply.Sign() < 0 {
		nextSupply = big.NewInt(0)
	}
	return e.state.SupplyPut(normalized, nextSupply)
}

// Balance returns the signed balance of a position's token.
func (e *Engine) Balance(vault [20]byte, subAccount uint64, token string) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	balance, err := e.state.BalanceGet(vault, subAccount, normalize(token))
	if err != nil {
		return nil, err
	}
	return cloneBigInt(balance), nil
}

// CheckCollateralized returns nil when the position's collateral value meets
// the minimum ratio against its debt value, and ErrUndercollateralized
// otherwise. Positions with no debt are always collateralized.
func (e *Engine) CheckCollateralized(vault [20]byte, subAccount uint64) error {
	collateral, debt, err := e.positionValues(vault, subAccount)
	if err != nil {
		return err
	}
	if debt.Sign() == 0 {
		return nil
	}
	lhs := new(big.Int).Mul(collateral, basisPoints)
	rhs := new(big.Int).Mul(debt, new(big.Int).SetUint64(e.params.MinCollateralizationBps))
	if lhs.Cmp(rhs) < 0 {
		return ErrUndercollateralized
	}
	return nil
}

// CheckLiquidatable returns nil when the position has fallen below the
// liquidation threshold and may be seized, ErrNotLiquidatable otherwise.
func (e *Engine) CheckLiquidatable(vault [20]byte, subAccount uint64) error {
	collateral, debt, err := e.positionValues(vault, subAccount)
	if err != nil {
		return err
	}
	if debt.Sign() == 0 {
		return ErrNotLiquidatable
	}
	lhs := new(big.Int).Mul(collateral, basisPoints)
	rhs := new(big.Int).Mul(debt, new(big.Int).SetUint64(e.params.LiquidationThresholdBps))
	if lhs.Cmp(rhs) >= 0 {
		return ErrNotLiquidatable
	}
	return nil
}

func (e *Engine) positionValues(vault [20]byte, subAccount uint64) (*big.Int, *big.Int, error) {
	if e == nil || e.state == nil {
		return nil, nil, errNilState
	}
	if e.oracle == nil {
		return nil, nil, errNilOracle
	}
	balances, err := e.state.BalancesByPosition(vault, subAccount)
	if err != nil {
		return nil, nil, err
	}
	collateral := big.NewInt(0)
	debt := big.NewInt(0)
	for token, balance := range balances {
		if balance == nil || balance.Sign() == 0 {
			continue
		}
		price, err := e.oracle.Price(token)
		if err != nil {
			return nil, nil, err
		}
		value := new(big.Int).Mul(new(big.Int).Abs(balance), price)
		if balance.Sign() > 0 {
			collateral.Add(collateral, value)
		} else {
			debt.Add(debt, value)
		}
	}
	return collateral, debt, nil
}

type ledgerEvent struct {
	evt *types.Event
}

func (e ledgerEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e ledgerEvent) Event() *types.Event { return e.evt }

func (e *Engine) emitOperatorUpdated(operator [20]byte, trusted bool) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(ledgerEvent{evt: &types.Event{Type: EventTypeOperatorUpdated, Attributes: map[string]string{
		"operator": hex.EncodeToString(operator[:]),
		"trusted":  strconv.FormatBool(trusted),
	}}})
}
