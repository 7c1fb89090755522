package conversion

import (
	"fmt"
	"math/big"

	nativecommon "marginvault/native/common"
)

// Wrapper runs the deposit-style conversion: plain collateral in, market-token
// shares out. Initiation and resolution are independent state transitions
// connected only by the persisted pending record; the gap between them is
// unbounded.
type Wrapper struct {
	trader
}

// NewWrapper constructs the deposit-leg trader for a factory. The guard must
// be shared with the factory's unwrapper and liquidation adapter.
func NewWrapper(factory [20]byte, market Market, guard *TraderGuard) *Wrapper {
	return &Wrapper{trader: newTrader(factory, market, guard)}
}

// Initiate debits the input collateral, freezes the sub-account under the
// Deposit reason and queues a mint request with the settlement venue. The
// returned key is the venue-assigned handle for the later callback.
func (w *Wrapper) Initiate(caller, vault [20]byte, subAccount uint64, inputToken string, inputAmount, outputMinAmount, executionFee, attachedFee *big.Int) ([32]byte, error) {
	if err := w.guard.enter(); err != nil {
		return [32]byte{}, err
	}
	defer w.guard.exit()
	return w.initiate(caller, vault, subAccount, inputToken, inputAmount, outputMinAmount, executionFee, attachedFee)
}

func (w *Wrapper) initiate(caller, vault [20]byte, subAccount uint64, inputToken string, inputAmount, outputMinAmount, executionFee, attachedFee *big.Int) ([32]byte, error) {
	var zero [32]byte
	if err := w.ensureWired(); err != nil {
		return zero, err
	}
	if err := nativecommon.Guard(w.pauses, moduleName); err != nil {
		return zero, err
	}
	rec, err := w.vaultRecord(vault)
	if err != nil {
		return zero, err
	}
	if !w.canInitiate(caller, rec) {
		return zero, ErrUnauthorized
	}
	normalized, err := NormalizeToken(inputToken)
	if err != nil {
		return zero, err
	}
	if !w.market.AcceptsInput(normalized) {
		return zero, ErrInvalidInputToken
	}
	if inputAmount == nil || inputAmount.Sign() <= 0 || outputMinAmount == nil || outputMinAmount.Sign() <= 0 {
		return zero, ErrInvalidAmount
	}
	if err := w.checkExecutionFee(executionFee, attachedFee); err != nil {
		return zero, err
	}
	if w.tracker.IsFrozen(vault, subAccount) {
		return zero, ErrAccountFrozen
	}
	if err := w.ledger.DebitPosition(vault, subAccount, normalized, inputAmount); err != nil {
		return zero, err
	}
	if err := w.ledger.CheckCollateralized(vault, subAccount); err != nil {
		// Undo the debit; initiation failures leave no state behind.
		_ = w.ledger.CreditPosition(vault, subAccount, normalized, inputAmount)
		return zero, err
	}
	key, err := w.venue.RequestDeposit(DepositRequest{
		MarketID:         w.market.ID,
		Vault:            vault,
		SubAccount:       subAccount,
		InputToken:       normalized,
		InputAmount:      cloneBigInt(inputAmount),
		OutputMinAmount:  cloneBigInt(outputMinAmount),
		ExecutionFee:     cloneBigInt(executionFee),
		CallbackGasLimit: w.registry.CallbackGasLimit(),
	})
	if err != nil {
		_ = w.ledger.CreditPosition(vault, subAccount, normalized, inputAmount)
		return zero, fmt.Errorf("conversion: venue deposit request: %w", err)
	}
	if _, exists := w.state.PendingGet(key); exists {
		_ = w.ledger.CreditPosition(vault, subAccount, normalized, inputAmount)
		return zero, ErrDuplicateKey
	}
	pending := &PendingConversion{
		Key:             key,
		Vault:           vault,
		SubAccount:      subAccount,
		Reason:          FreezeReasonDeposit,
		InputToken:      normalized,
		InputAmount:     cloneBigInt(inputAmount),
		OutputToken:     w.market.MarketToken,
		OutputMinAmount: cloneBigInt(outputMinAmount),
		EscrowedAmount:  big.NewInt(0),
		CreatedAtBlock:  w.height(),
	}
	if err := w.state.PendingPut(pending); err != nil {
		_ = w.ledger.CreditPosition(vault, subAccount, normalized, inputAmount)
		return zero, err
	}
	if err := w.tracker.SetPendingAmount(vault, subAccount, FreezeReasonDeposit, outputMinAmount, w.market.MarketToken); err != nil {
		_ = w.state.PendingDelete(key)
		_ = w.ledger.CreditPosition(vault, subAccount, normalized, inputAmount)
		return zero, err
	}
	w.emit(NewCreatedEvent(pending))
	return key, nil
}

// ResolveSuccess settles an executed deposit. The sub-account is credited
// exactly the recorded minimum; any surplus fill goes to the vault owner's
// default sub-account so the frozen position's collateral increase stays
// deterministic. A ledger failure downgrades the resolution to retryable
// instead of failing the keeper callback.
func (w *Wrapper) ResolveSuccess(caller [20]byte, key [32]byte, actualOutput *big.Int) error {
	if err := w.guard.enter(); err != nil {
		return err
	}
	defer w.guard.exit()
	if err := w.ensureWired(); err != nil {
		return err
	}
	if err := nativecommon.Guard(w.pauses, moduleName); err != nil {
		return err
	}
	if err := w.requireHandler(caller); err != nil {
		return err
	}
	pending, err := w.load(key)
	if err != nil {
		return err
	}
	if actualOutput == nil || actualOutput.Cmp(pending.OutputMinAmount) < 0 {
		return ErrInsufficientOutput
	}
	if err := w.settleExecute(pending, actualOutput); err != nil {
		return w.markRetryable(pending, RetryExecute, actualOutput, nil, err.Error(), false)
	}
	return nil
}

// ResolveCancel refunds the originally debited input back to the sub-account.
// Callable by a handler at any time after the delay, or by the vault owner for
// conversions that did not originate from a liquidation.
func (w *Wrapper) ResolveCancel(caller [20]byte, key [32]byte) error {
	if err := w.guard.enter(); err != nil {
		return err
	}
	defer w.guard.exit()
	if err := w.ensureWired(); err != nil {
		return err
	}
	if err := nativecommon.Guard(w.pauses, moduleName); err != nil {
		return err
	}
	pending, err := w.load(key)
	if err != nil {
		return err
	}
	if err := w.authorizeCancel(caller, pending); err != nil {
		return err
	}
	if w.height() < pending.CreatedAtBlock+w.cancelDelayBlocks {
		return ErrCancellationTooEarly
	}
	if err := w.settleRefund(pending); err != nil {
		if markErr := w.markRetryable(pending, RetryRefund, nil, nil, err.Error(), true); markErr != nil {
			return markErr
		}
		return fmt.Errorf("conversion: cancel refund: %w", err)
	}
	return nil
}

// ResolveFailed records a venue-reported execution failure. The conversion is
// not deleted; it flips to retryable with the refund path armed so a handler
// can resolve it once conditions change.
func (w *Wrapper) ResolveFailed(caller [20]byte, key [32]byte, reason string) error {
	if err := w.guard.enter(); err != nil {
		return err
	}
	defer w.guard.exit()
	if err := w.ensureWired(); err != nil {
		return err
	}
	if err := nativecommon.Guard(w.pauses, moduleName); err != nil {
		return err
	}
	if err := w.requireHandler(caller); err != nil {
		return err
	}
	pending, err := w.load(key)
	if err != nil {
		return err
	}
	return w.markRetryable(pending, RetryRefund, nil, nil, reason, false)
}

// RetryResolution re-attempts the settlement path recorded on a retryable
// conversion. Retrying a key that is not retryable fails with ErrNotRetryable;
// a key cleared by a previous successful retry fails with ErrUnknownKey.
func (w *Wrapper) RetryResolution(caller [20]byte, key [32]byte) error {
	if err := w.guard.enter(); err != nil {
		return err
	}
	defer w.guard.exit()
	if err := w.ensureWired(); err != nil {
		return err
	}
	if err := nativecommon.Guard(w.pauses, moduleName); err != nil {
		return err
	}
	if err := w.requireHandler(caller); err != nil {
		return err
	}
	pending, err := w.load(key)
	if err != nil {
		return err
	}
	if !pending.Retryable {
		return ErrNotRetryable
	}
	w.emit(NewRetriedEvent(pending))
	switch pending.RetryKind {
	case RetryExecute:
		if err := w.settleExecute(pending, pending.EscrowedAmount); err != nil {
			return fmt.Errorf("conversion: retry execute: %w", err)
		}
	case RetryRefund:
		if err := w.settleRefund(pending); err != nil {
			return fmt.Errorf("conversion: retry refund: %w", err)
		}
	default:
		return ErrNotRetryable
	}
	return nil
}

func (w *Wrapper) load(key [32]byte) (*PendingConversion, error) {
	pending, ok := w.state.PendingGet(key)
	if !ok {
		return nil, ErrUnknownKey
	}
	if pending.Reason != FreezeReasonDeposit {
		return nil, ErrWrongTrader
	}
	return pending, nil
}

func (w *Wrapper) authorizeCancel(caller [20]byte, pending *PendingConversion) error {
	if w.registry.IsHandler(caller) {
		return nil
	}
	rec, err := w.vaultRecord(pending.Vault)
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

func (w *Wrapper) settleExecute(pending *PendingConversion, actualOutput *big.Int) error {
	rec, err := w.vaultRecord(pending.Vault)
	if err != nil {
		return err
	}
	surplus := new(big.Int).Sub(cloneBigInt(actualOutput), pending.OutputMinAmount)
	credits := []ledgerCredit{
		{vault: pending.Vault, subAccount: pending.SubAccount, token: pending.OutputToken, amount: pending.OutputMinAmount},
	}
	if surplus.Sign() > 0 {
		credits = append(credits, ledgerCredit{vault: rec.Vault, subAccount: DefaultSubAccount, token: pending.OutputToken, amount: surplus})
	}
	if err := w.applyCredits(credits, pending.Vault, pending.SubAccount); err != nil {
		return err
	}
	if err := w.clearConversion(pending); err != nil {
		return err
	}
	w.emit(NewExecutedEvent(pending, map[string]string{"actualOutput": actualOutput.String()}))
	return nil
}

func (w *Wrapper) settleRefund(pending *PendingConversion) error {
	credits := []ledgerCredit{
		{vault: pending.Vault, subAccount: pending.SubAccount, token: pending.InputToken, amount: pending.InputAmount},
	}
	if err := w.applyCredits(credits, pending.Vault, pending.SubAccount); err != nil {
		return err
	}
	if err := w.clearConversion(pending); err != nil {
		return err
	}
	w.emit(NewCancelledEvent(pending))
	return nil
}
