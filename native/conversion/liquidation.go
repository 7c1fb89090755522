package conversion

import (
	"math/big"

	nativecommon "marginvault/native/common"
)

// LiquidationAdapter prepares a frozen or to-be-frozen sub-account for
// liquidation. It initiates an unwrap on the liquidator's behalf, tags the
// record so the position owner cannot cancel it, and later consumes the
// resolved proceeds inside the standard liquidation trade sequence. The engine
// never auto-retries liquidations: once a resolution fails because the account
// devalued mid-flight, the liquidator must re-attempt against the settled
// amount.
type LiquidationAdapter struct {
	unwrapper *Unwrapper
	registry  *HandlerRegistry
	ledger    Ledger
	guard     *TraderGuard
	pauses    nativecommon.PauseView
}

// NewLiquidationAdapter binds the adapter to a factory's unwrapper. The guard
// must be the same one shared by the wrapper and unwrapper.
func NewLiquidationAdapter(unwrapper *Unwrapper, guard *TraderGuard) *LiquidationAdapter {
	return &LiquidationAdapter{unwrapper: unwrapper, guard: guard}
}

// SetRegistry wires the handler registry capability table.
func (a *LiquidationAdapter) SetRegistry(registry *HandlerRegistry) { a.registry = registry }

// SetLedger wires the margin-ledger collaborator.
func (a *LiquidationAdapter) SetLedger(ledger Ledger) { a.ledger = ledger }

// SetPauses wires the governance pause view.
func (a *LiquidationAdapter) SetPauses(p nativecommon.PauseView) { a.pauses = p }

func (a *LiquidationAdapter) ensureWired() error {
	switch {
	case a.unwrapper == nil:
		return errNilState
	case a.registry == nil:
		return errNilRegistry
	case a.ledger == nil:
		return errNilLedger
	}
	return nil
}

// PrepareForLiquidation starts an unwrap of the liquidatable position's market
// tokens on the liquidator's behalf. The resulting conversion is tagged
// FromLiquidation, which blocks owner-initiated cancellation. Callable only by
// a whitelisted liquidator against a position the ledger reports as
// liquidatable.
func (a *LiquidationAdapter) PrepareForLiquidation(caller, vault [20]byte, subAccount uint64, inputAmount *big.Int, outputToken string, outputMinAmount, executionFee, attachedFee *big.Int) ([32]byte, error) {
	var zero [32]byte
	if err := a.guard.enter(); err != nil {
		return zero, err
	}
	defer a.guard.exit()
	if err := a.ensureWired(); err != nil {
		return zero, err
	}
	if err := nativecommon.Guard(a.pauses, moduleName); err != nil {
		return zero, err
	}
	if !a.registry.IsLiquidator(caller) {
		return zero, ErrUnauthorized
	}
	if err := a.ledger.CheckLiquidatable(vault, subAccount); err != nil {
		return zero, err
	}
	return a.unwrapper.initiate(caller, vault, subAccount, outputToken, inputAmount, outputMinAmount, executionFee, attachedFee, true)
}

// SettleLiquidation consumes the resolved proceeds of a liquidation-originated
// withdrawal as the input leg of the liquidation trade. The vault/sub-account
// binding of the key is verified here independently of the unwrapper's own
// check: no single choke point is trusted to enforce it.
func (a *LiquidationAdapter) SettleLiquidation(caller [20]byte, ctx AccountContext, key [32]byte, minOutput *big.Int) (*big.Int, error) {
	if err := a.guard.enter(); err != nil {
		return nil, err
	}
	defer a.guard.exit()
	if err := a.ensureWired(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(a.pauses, moduleName); err != nil {
		return nil, err
	}
	if !a.registry.IsLiquidator(caller) {
		return nil, ErrUnauthorized
	}
	pending, ok := a.unwrapper.state.PendingGet(key)
	if !ok {
		return nil, ErrUnknownKey
	}
	if pending.Vault != ctx.Vault || pending.SubAccount != ctx.SubAccount {
		return nil, ErrInvalidSubAccount
	}
	return a.unwrapper.executeTrade(caller, ctx, key, minOutput)
}
