package conversion

import (
	"math/big"

	"marginvault/core/events"
	"marginvault/core/types"
	nativecommon "marginvault/native/common"
)

const moduleName = "conversion"

// trader carries the wiring shared by the wrapper and unwrapper legs of a
// factory's trader pair. Both legs share one reentrancy guard and one market
// definition.
type trader struct {
	state    engineState
	tracker  *FreezeTracker
	ledger   Ledger
	venue    SettlementVenue
	registry *HandlerRegistry
	guard    *TraderGuard
	emitter  events.Emitter
	pauses   nativecommon.PauseView

	market  Market
	factory [20]byte

	executionFeeCeiling *big.Int
	cancelDelayBlocks   uint64
	blockHeight         uint64
	heightSource        func() uint64
}

func newTrader(factory [20]byte, market Market, guard *TraderGuard) trader {
	if guard == nil {
		guard = NewTraderGuard()
	}
	return trader{
		factory: factory,
		market:  market,
		guard:   guard,
		emitter: events.NoopEmitter{},
	}
}

// SetState configures the state backend and derives the freeze tracker from it.
func (t *trader) SetState(state engineState) {
	t.state = state
	t.tracker = NewFreezeTracker(state)
}

// SetLedger wires the margin-ledger collaborator.
func (t *trader) SetLedger(ledger Ledger) { t.ledger = ledger }

// SetVenue wires the settlement venue collaborator.
func (t *trader) SetVenue(venue SettlementVenue) { t.venue = venue }

// SetRegistry wires the handler registry capability table.
func (t *trader) SetRegistry(registry *HandlerRegistry) { t.registry = registry }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (t *trader) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		t.emitter = events.NoopEmitter{}
		return
	}
	t.emitter = emitter
}

// SetPauses wires the governance pause view.
func (t *trader) SetPauses(p nativecommon.PauseView) { t.pauses = p }

// SetBlockHeight records the height used for cancellation-delay accounting.
func (t *trader) SetBlockHeight(height uint64) { t.blockHeight = height }

// SetHeightSource wires a live block-height reader. A wired source takes
// precedence over the height recorded by SetBlockHeight.
func (t *trader) SetHeightSource(source func() uint64) { t.heightSource = source }

func (t *trader) height() uint64 {
	if t.heightSource != nil {
		return t.heightSource()
	}
	return t.blockHeight
}

// SetExecutionFeeCeiling configures the maximum keeper fee accepted at
// initiation.
func (t *trader) SetExecutionFeeCeiling(ceiling *big.Int) {
	t.executionFeeCeiling = cloneBigInt(ceiling)
}

// SetCancelDelayBlocks configures the minimum elapsed blocks before a
// cancellation may race the venue's own window.
func (t *trader) SetCancelDelayBlocks(blocks uint64) { t.cancelDelayBlocks = blocks }

// FreezeTracker exposes the read surface other components use to answer
// frozen-status queries.
func (t *trader) FreezeTracker() *FreezeTracker { return t.tracker }

// Market returns the venue market served by this trader pair.
func (t *trader) Market() Market { return t.market }

func (t *trader) emit(evt *types.Event) {
	if t == nil || t.emitter == nil || evt == nil {
		return
	}
	t.emitter.Emit(conversionEvent{evt: evt})
}

func (t *trader) ensureWired() error {
	switch {
	case t.state == nil || t.tracker == nil:
		return errNilState
	case t.ledger == nil:
		return errNilLedger
	case t.venue == nil:
		return errNilVenue
	case t.registry == nil:
		return errNilRegistry
	}
	return nil
}

// RegisterVault records a vault created by this trader's factory. Creation is
// idempotent for an identical definition; vaults are never destroyed.
func (t *trader) RegisterVault(caller, vault, owner [20]byte) error {
	if t.state == nil {
		return errNilState
	}
	if caller != t.factory {
		return ErrUnauthorized
	}
	if isZeroAddress(vault) || isZeroAddress(owner) {
		return ErrZeroAddress
	}
	if existing, ok := t.state.VaultGet(vault); ok {
		if existing.Owner != owner || existing.Factory != t.factory {
			return ErrUnauthorized
		}
		return nil
	}
	rec := &VaultRecord{Vault: vault, Owner: owner, Factory: t.factory}
	if err := t.state.VaultPut(rec); err != nil {
		return err
	}
	t.emit(NewVaultRegisteredEvent(rec))
	return nil
}

func (t *trader) vaultRecord(vault [20]byte) (*VaultRecord, error) {
	rec, ok := t.state.VaultGet(vault)
	if !ok {
		return nil, ErrUnknownVault
	}
	return rec, nil
}

// canInitiate enforces the initiation capability: the vault itself, its owner,
// or a converter the factory explicitly trusts.
func (t *trader) canInitiate(caller [20]byte, rec *VaultRecord) bool {
	if rec == nil {
		return false
	}
	if caller == rec.Vault || caller == rec.Owner {
		return true
	}
	return t.registry.IsTrustedConverter(rec.Factory, caller)
}

func (t *trader) requireHandler(caller [20]byte) error {
	if !t.registry.IsHandler(caller) {
		return ErrUnauthorized
	}
	return nil
}

// checkExecutionFee validates the declared budget against the attached native
// fee and the configured ceiling.
func (t *trader) checkExecutionFee(budget, attached *big.Int) error {
	if budget == nil || attached == nil || budget.Sign() <= 0 {
		return ErrExecutionFeeMismatch
	}
	if budget.Cmp(attached) != 0 {
		return ErrExecutionFeeMismatch
	}
	if t.executionFeeCeiling != nil && t.executionFeeCeiling.Sign() > 0 && budget.Cmp(t.executionFeeCeiling) > 0 {
		return ErrExecutionFeeTooHigh
	}
	return nil
}

// clearConversion removes the pending record and its freeze entry together.
// Partial clearing is the "vault frozen forever" failure class; both stores
// must be updated in the same step.
func (t *trader) clearConversion(p *PendingConversion) error {
	neg := new(big.Int).Neg(p.OutputMinAmount)
	if err := t.tracker.SetPendingAmount(p.Vault, p.SubAccount, p.Reason, neg, p.OutputToken); err != nil {
		return err
	}
	return t.state.PendingDelete(p.Key)
}

// ledgerCredit is one crediting step of a resolution.
type ledgerCredit struct {
	vault      [20]byte
	subAccount uint64
	token      string
	amount     *big.Int
}

// applyCredits performs the resolution credits in order and re-checks the
// affected position's solvency. On any ledger failure the credits already made
// are debited back so the caller can downgrade to the retryable path with the
// full proceeds still escrowed.
func (t *trader) applyCredits(credits []ledgerCredit, checkVault [20]byte, checkSub uint64) error {
	done := make([]ledgerCredit, 0, len(credits))
	revert := func() {
		for i := len(done) - 1; i >= 0; i-- {
			c := done[i]
			// Debiting a balance this resolution just credited cannot fail.
			_ = t.ledger.DebitPosition(c.vault, c.subAccount, c.token, c.amount)
		}
	}
	for _, c := range credits {
		if c.amount == nil || c.amount.Sign() == 0 {
			continue
		}
		if err := t.ledger.CreditPosition(c.vault, c.subAccount, c.token, c.amount); err != nil {
			revert()
			return err
		}
		done = append(done, c)
	}
	if err := t.ledger.CheckCollateralized(checkVault, checkSub); err != nil {
		revert()
		return err
	}
	return nil
}

// markRetryable persists the downgraded record and emits the failure event.
// The conversion is not deleted: the escrowed proceeds (or the original debit)
// are preserved until a terminal resolution succeeds.
func (t *trader) markRetryable(p *PendingConversion, kind RetryKind, escrow, escrowOther *big.Int, reason string, cancelAttempt bool) error {
	p.Retryable = true
	p.RetryKind = kind
	if escrow != nil {
		p.EscrowedAmount = cloneBigInt(escrow)
	}
	if escrowOther != nil {
		p.EscrowedOtherAmount = cloneBigInt(escrowOther)
	}
	if err := t.state.PendingPut(p); err != nil {
		return err
	}
	if cancelAttempt {
		t.emit(NewCancelFailedEvent(p, reason))
	} else {
		t.emit(NewFailedEvent(p, reason))
	}
	return nil
}
