package conversion

import (
	"fmt"
	"math/big"

	nativecommon "marginvault/native/common"
)

// AccountContext names the account a trade action operates on. Every
// key-consuming entry point checks the stored record against this context; a
// mismatch is the withdrawal-key hijack and fails with ErrInvalidSubAccount.
type AccountContext struct {
	Vault      [20]byte
	SubAccount uint64
}

// TradeExecutor is the generic trade-execution interface served by the
// unwrapper: a resolved conversion's escrowed proceeds become the input leg of
// an atomic on-chain trade (swap or liquidation) without re-opening the async
// round trip.
type TradeExecutor interface {
	ExecuteTrade(caller [20]byte, ctx AccountContext, key [32]byte, minOutput *big.Int) (*big.Int, error)
}

// Unwrapper runs the redemption-style conversion: market-token shares in,
// plain pool assets out. It mirrors the wrapper with input and output reversed
// and additionally serves the trade-execution leg used by swaps and
// liquidations.
type Unwrapper struct {
	trader
}

// NewUnwrapper constructs the redemption-leg trader for a factory. The guard
// must be shared with the factory's wrapper and liquidation adapter.
func NewUnwrapper(factory [20]byte, market Market, guard *TraderGuard) *Unwrapper {
	return &Unwrapper{trader: newTrader(factory, market, guard)}
}

// Initiate debits the market-token balance, freezes the sub-account under the
// Withdrawal reason and queues a burn request with the settlement venue.
func (u *Unwrapper) Initiate(caller, vault [20]byte, subAccount uint64, outputToken string, inputAmount, outputMinAmount, executionFee, attachedFee *big.Int) ([32]byte, error) {
	if err := u.guard.enter(); err != nil {
		return [32]byte{}, err
	}
	defer u.guard.exit()
	return u.initiate(caller, vault, subAccount, outputToken, inputAmount, outputMinAmount, executionFee, attachedFee, false)
}

func (u *Unwrapper) initiate(caller, vault [20]byte, subAccount uint64, outputToken string, inputAmount, outputMinAmount, executionFee, attachedFee *big.Int, fromLiquidation bool) ([32]byte, error) {
	var zero [32]byte
	if err := u.ensureWired(); err != nil {
		return zero, err
	}
	if err := nativecommon.Guard(u.pauses, moduleName); err != nil {
		return zero, err
	}
	rec, err := u.vaultRecord(vault)
	if err != nil {
		return zero, err
	}
	if !fromLiquidation && !u.canInitiate(caller, rec) {
		return zero, ErrUnauthorized
	}
	normalized, err := NormalizeToken(outputToken)
	if err != nil {
		return zero, err
	}
	if !u.market.AcceptsInput(normalized) {
		return zero, ErrInvalidOutputToken
	}
	if inputAmount == nil || inputAmount.Sign() <= 0 || outputMinAmount == nil || outputMinAmount.Sign() <= 0 {
		return zero, ErrInvalidAmount
	}
	if err := u.checkExecutionFee(executionFee, attachedFee); err != nil {
		return zero, err
	}
	if u.tracker.IsFrozen(vault, subAccount) {
		return zero, ErrAccountFrozen
	}
	if err := u.ledger.DebitPosition(vault, subAccount, u.market.MarketToken, inputAmount); err != nil {
		return zero, err
	}
	if !fromLiquidation {
		if err := u.ledger.CheckCollateralized(vault, subAccount); err != nil {
			_ = u.ledger.CreditPosition(vault, subAccount, u.market.MarketToken, inputAmount)
			return zero, err
		}
	}
	key, err := u.venue.RequestWithdrawal(WithdrawalRequest{
		MarketID:         u.market.ID,
		Vault:            vault,
		SubAccount:       subAccount,
		InputAmount:      cloneBigInt(inputAmount),
		OutputToken:      normalized,
		OutputMinAmount:  cloneBigInt(outputMinAmount),
		ExecutionFee:     cloneBigInt(executionFee),
		CallbackGasLimit: u.registry.CallbackGasLimit(),
	})
	if err != nil {
		_ = u.ledger.CreditPosition(vault, subAccount, u.market.MarketToken, inputAmount)
		return zero, fmt.Errorf("conversion: venue withdrawal request: %w", err)
	}
	if _, exists := u.state.PendingGet(key); exists {
		_ = u.ledger.CreditPosition(vault, subAccount, u.market.MarketToken, inputAmount)
		return zero, ErrDuplicateKey
	}
	pending := &PendingConversion{
		Key:             key,
		Vault:           vault,
		SubAccount:      subAccount,
		Reason:          FreezeReasonWithdrawal,
		InputToken:      u.market.MarketToken,
		InputAmount:     cloneBigInt(inputAmount),
		OutputToken:     normalized,
		OutputMinAmount: cloneBigInt(outputMinAmount),
		EscrowedAmount:  big.NewInt(0),
		CreatedAtBlock:  u.height(),
		FromLiquidation: fromLiquidation,
	}
	if err := u.state.PendingPut(pending); err != nil {
		_ = u.ledger.CreditPosition(vault, subAccount, u.market.MarketToken, inputAmount)
		return zero, err
	}
	if err := u.tracker.SetPendingAmount(vault, subAccount, FreezeReasonWithdrawal, outputMinAmount, normalized); err != nil {
		_ = u.state.PendingDelete(key)
		_ = u.ledger.CreditPosition(vault, subAccount, u.market.MarketToken, inputAmount)
		return zero, err
	}
	u.emit(NewCreatedEvent(pending))
	return key, nil
}

// ResolveSuccess settles an executed withdrawal. The venue reports both sides
// of the pool fill: the requested side is credited to the sub-account capped
// at the recorded minimum, and the surplus plus the entire non-requested side
// goes to the vault owner's default sub-account. A ledger failure downgrades
// to retryable with both amounts escrowed.
func (u *Unwrapper) ResolveSuccess(caller [20]byte, key [32]byte, outputAmount, otherAmount *big.Int) error {
	if err := u.guard.enter(); err != nil {
		return err
	}
	defer u.guard.exit()
	if err := u.ensureWired(); err != nil {
		return err
	}
	if err := nativecommon.Guard(u.pauses, moduleName); err != nil {
		return err
	}
	if err := u.requireHandler(caller); err != nil {
		return err
	}
	pending, err := u.load(key)
	if err != nil {
		return err
	}
	if outputAmount == nil || outputAmount.Cmp(pending.OutputMinAmount) < 0 {
		return ErrInsufficientOutput
	}
	if otherAmount == nil {
		otherAmount = big.NewInt(0)
	}
	if err := u.settleExecute(pending, outputAmount, otherAmount); err != nil {
		return u.markRetryable(pending, RetryExecute, outputAmount, otherAmount, err.Error(), false)
	}
	return nil
}

// ResolveCancel refunds the originally debited market-token amount back to the
// sub-account after the minimum elapsed-block delay.
func (u *Unwrapper) ResolveCancel(caller [20]byte, key [32]byte) error {
	if err := u.guard.enter(); err != nil {
		return err
	}
	defer u.guard.exit()
	if err := u.ensureWired(); err != nil {
		return err
	}
	if err := nativecommon.Guard(u.pauses, moduleName); err != nil {
		return err
	}
	pending, err := u.load(key)
	if err != nil {
		return err
	}
	if err := u.authorizeCancel(caller, pending); err != nil {
		return err
	}
	if u.height() < pending.CreatedAtBlock+u.cancelDelayBlocks {
		return ErrCancellationTooEarly
	}
	if err := u.settleRefund(pending); err != nil {
		if markErr := u.markRetryable(pending, RetryRefund, nil, nil, err.Error(), true); markErr != nil {
			return markErr
		}
		return fmt.Errorf("conversion: cancel refund: %w", err)
	}
	return nil
}

// ResolveFailed records a venue-reported execution failure and arms the refund
// retry path.
func (u *Unwrapper) ResolveFailed(caller [20]byte, key [32]byte, reason string) error {
	if err := u.guard.enter(); err != nil {
		return err
	}
	defer u.guard.exit()
	if err := u.ensureWired(); err != nil {
		return err
	}
	if err := nativecommon.Guard(u.pauses, moduleName); err != nil {
		return err
	}
	if err := u.requireHandler(caller); err != nil {
		return err
	}
	pending, err := u.load(key)
	if err != nil {
		return err
	}
	return u.markRetryable(pending, RetryRefund, nil, nil, reason, false)
}

// RetryResolution re-attempts the settlement path recorded on a retryable
// withdrawal.
func (u *Unwrapper) RetryResolution(caller [20]byte, key [32]byte) error {
	if err := u.guard.enter(); err != nil {
		return err
	}
	defer u.guard.exit()
	if err := u.ensureWired(); err != nil {
		return err
	}
	if err := nativecommon.Guard(u.pauses, moduleName); err != nil {
		return err
	}
	if err := u.requireHandler(caller); err != nil {
		return err
	}
	pending, err := u.load(key)
	if err != nil {
		return err
	}
	if !pending.Retryable {
		return ErrNotRetryable
	}
	u.emit(NewRetriedEvent(pending))
	switch pending.RetryKind {
	case RetryExecute:
		if err := u.settleExecute(pending, pending.EscrowedAmount, pending.EscrowedOtherAmount); err != nil {
			return fmt.Errorf("conversion: retry execute: %w", err)
		}
	case RetryRefund:
		if err := u.settleRefund(pending); err != nil {
			return fmt.Errorf("conversion: retry refund: %w", err)
		}
	default:
		return ErrNotRetryable
	}
	return nil
}

// ExecuteTrade consumes the escrowed proceeds of a resolved withdrawal as the
// input leg of an atomic trade. The caller supplies the account context of the
// trade action; the stored record must match it exactly. The proceeds are
// credited to the named sub-account without a solvency check — the surrounding
// trade (a swap or a liquidation seizure) settles the position in the same
// atomic step.
func (u *Unwrapper) ExecuteTrade(caller [20]byte, ctx AccountContext, key [32]byte, minOutput *big.Int) (*big.Int, error) {
	if err := u.guard.enter(); err != nil {
		return nil, err
	}
	defer u.guard.exit()
	return u.executeTrade(caller, ctx, key, minOutput)
}

func (u *Unwrapper) executeTrade(caller [20]byte, ctx AccountContext, key [32]byte, minOutput *big.Int) (*big.Int, error) {
	if err := u.ensureWired(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(u.pauses, moduleName); err != nil {
		return nil, err
	}
	if !u.registry.IsHandler(caller) && !u.registry.IsLiquidator(caller) {
		return nil, ErrUnauthorized
	}
	pending, err := u.load(key)
	if err != nil {
		return nil, err
	}
	if pending.Vault != ctx.Vault || pending.SubAccount != ctx.SubAccount {
		return nil, ErrInvalidSubAccount
	}
	if !pending.Retryable || pending.RetryKind != RetryExecute || pending.EscrowedAmount == nil || pending.EscrowedAmount.Sign() == 0 {
		return nil, ErrNoEscrowedProceeds
	}
	output := cloneBigInt(pending.EscrowedAmount)
	if minOutput != nil && output.Cmp(minOutput) < 0 {
		return nil, ErrInsufficientOutput
	}
	if err := u.ledger.CreditPosition(ctx.Vault, ctx.SubAccount, pending.OutputToken, output); err != nil {
		return nil, err
	}
	if other := cloneBigInt(pending.EscrowedOtherAmount); other.Sign() > 0 {
		otherToken := u.market.OtherSide(pending.OutputToken)
		if err := u.ledger.CreditPosition(ctx.Vault, ctx.SubAccount, otherToken, other); err != nil {
			_ = u.ledger.DebitPosition(ctx.Vault, ctx.SubAccount, pending.OutputToken, output)
			return nil, err
		}
	}
	if err := u.clearConversion(pending); err != nil {
		return nil, err
	}
	u.emit(NewExecutedEvent(pending, map[string]string{"consumedBy": "trade"}))
	return output, nil
}

func (u *Unwrapper) load(key [32]byte) (*PendingConversion, error) {
	pending, ok := u.state.PendingGet(key)
	if !ok {
		return nil, ErrUnknownKey
	}
	if pending.Reason != FreezeReasonWithdrawal {
		return nil, ErrWrongTrader
	}
	return pending, nil
}

func (u *Unwrapper) authorizeCancel(caller [20]byte, pending *PendingConversion) error {
	if u.registry.IsHandler(caller) {
		return nil
	}
	rec, err := u.vaultRecord(pending.Vault)
	if err != nil {
		return err
	}
	if caller != rec.Owner && caller != rec.Vault {
		return ErrUnauthorized
	}
	if pending.FromLiquidation {
		return ErrLiquidationCancel
	}
	return nil
}

func (u *Unwrapper) settleExecute(pending *PendingConversion, outputAmount, otherAmount *big.Int) error {
	rec, err := u.vaultRecord(pending.Vault)
	if err != nil {
		return err
	}
	surplus := new(big.Int).Sub(cloneBigInt(outputAmount), pending.OutputMinAmount)
	credits := []ledgerCredit{
		{vault: pending.Vault, subAccount: pending.SubAccount, token: pending.OutputToken, amount: pending.OutputMinAmount},
	}
	if surplus.Sign() > 0 {
		credits = append(credits, ledgerCredit{vault: rec.Vault, subAccount: DefaultSubAccount, token: pending.OutputToken, amount: surplus})
	}
	if otherAmount != nil && otherAmount.Sign() > 0 {
		otherToken := u.market.OtherSide(pending.OutputToken)
		credits = append(credits, ledgerCredit{vault: rec.Vault, subAccount: DefaultSubAccount, token: otherToken, amount: cloneBigInt(otherAmount)})
	}
	if err := u.applyCredits(credits, pending.Vault, pending.SubAccount); err != nil {
		return err
	}
	if err := u.clearConversion(pending); err != nil {
		return err
	}
	u.emit(NewExecutedEvent(pending, map[string]string{"actualOutput": outputAmount.String()}))
	return nil
}

func (u *Unwrapper) settleRefund(pending *PendingConversion) error {
	credits := []ledgerCredit{
		{vault: pending.Vault, subAccount: pending.SubAccount, token: pending.InputToken, amount: pending.InputAmount},
	}
	if err := u.applyCredits(credits, pending.Vault, pending.SubAccount); err != nil {
		return err
	}
	if err := u.clearConversion(pending); err != nil {
		return err
	}
	u.emit(NewCancelledEvent(pending))
	return nil
}
