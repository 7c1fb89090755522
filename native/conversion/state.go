package conversion

import (
	"fmt"
	"math/big"
)

// engineState is the narrow persistence surface required by the conversion
// engine. Only the wrapper, unwrapper and the vault factory mutate it.
type engineState interface {
	PendingPut(*PendingConversion) error
	PendingGet(key [32]byte) (*PendingConversion, bool)
	PendingDelete(key [32]byte) error
	FreezePut(*FreezeEntry) error
	FreezeGet(vault [20]byte, subAccount uint64, reason FreezeReason) (*FreezeEntry, bool)
	FreezeDelete(vault [20]byte, subAccount uint64, reason FreezeReason) error
	FreezeByVault(vault [20]byte) ([]*FreezeEntry, error)
	VaultPut(*VaultRecord) error
	VaultGet(vault [20]byte) (*VaultRecord, bool)
}

// Ledger is the margin-ledger collaborator consulted inside both initiation
// and resolution. Any ledger failure during resolution must convert to the
// retryable-failure path, never a silent loss of funds.
type Ledger interface {
	CreditPosition(vault [20]byte, subAccount uint64, token string, amount *big.Int) error
	DebitPosition(vault [20]byte, subAccount uint64, token string, amount *big.Int) error
	CheckCollateralized(vault [20]byte, subAccount uint64) error
	CheckLiquidatable(vault [20]byte, subAccount uint64) error
}

// FreezeTracker maintains the accumulated pending amount per (vault,
// sub-account, reason). A sub-account is frozen iff any pending amount is
// non-zero; a vault is frozen iff any of its sub-accounts is.
type FreezeTracker struct {
	state engineState
}

// NewFreezeTracker wraps the supplied state backend.
func NewFreezeTracker(state engineState) *FreezeTracker {
	return &FreezeTracker{state: state}
}

// SetPendingAmount applies a signed delta to the pending amount recorded for
// the sub-account. A positive delta freezes; the matching negative delta on
// resolution unfreezes once the amount nets to zero, at which point the entry
// is deleted.
func (t *FreezeTracker) SetPendingAmount(vault [20]byte, subAccount uint64, reason FreezeReason, delta *big.Int, outputToken string) error {
	if t == nil || t.state == nil {
		return errNilState
	}
	if !reason.Valid() {
		return fmt.Errorf("conversion: invalid freeze reason %d", reason)
	}
	if delta == nil || delta.Sign() == 0 {
		return nil
	}
	normalized, err := NormalizeToken(outputToken)
	if err != nil {
		return err
	}
	entry, ok := t.state.FreezeGet(vault, subAccount, reason)
	if !ok {
		entry = &FreezeEntry{
			Vault:         vault,
			SubAccount:    subAccount,
			Reason:        reason,
			PendingAmount: big.NewInt(0),
			OutputToken:   normalized,
		}
	}
	if entry.OutputToken != normalized {
		return fmt.Errorf("conversion: freeze output token mismatch: have %s, got %s", entry.OutputToken, normalized)
	}
	next := new(big.Int).Add(cloneBigInt(entry.PendingAmount), delta)
	if next.Sign() < 0 {
		return fmt.Errorf("conversion: pending amount would go negative")
	}
	if next.Sign() == 0 {
		return t.state.FreezeDelete(vault, subAccount, reason)
	}
	entry.PendingAmount = next
	return t.state.FreezePut(entry)
}

// PendingAmount returns the accumulated pending amount for the reason, zero if
// none is recorded.
func (t *FreezeTracker) PendingAmount(vault [20]byte, subAccount uint64, reason FreezeReason) *big.Int {
	if t == nil || t.state == nil {
		return big.NewInt(0)
	}
	entry, ok := t.state.FreezeGet(vault, subAccount, reason)
	if !ok {
		return big.NewInt(0)
	}
	return cloneBigInt(entry.PendingAmount)
}

// OutputToken returns the token the frozen sub-account will receive for the
// given reason, or the empty string when nothing is pending.
func (t *FreezeTracker) OutputToken(vault [20]byte, subAccount uint64, reason FreezeReason) string {
	if t == nil || t.state == nil {
		return ""
	}
	entry, ok := t.state.FreezeGet(vault, subAccount, reason)
	if !ok {
		return ""
	}
	return entry.OutputToken
}

// IsFrozen reports whether the sub-account has any non-zero pending amount.
func (t *FreezeTracker) IsFrozen(vault [20]byte, subAccount uint64) bool {
	if t == nil || t.state == nil {
		return false
	}
	for _, reason := range []FreezeReason{FreezeReasonDeposit, FreezeReasonWithdrawal} {
		if entry, ok := t.state.FreezeGet(vault, subAccount, reason); ok && entry.PendingAmount != nil && entry.PendingAmount.Sign() != 0 {
			return true
		}
	}
	return false
}

// IsVaultFrozen reports whether any sub-account of the vault is frozen.
func (t *FreezeTracker) IsVaultFrozen(vault [20]byte) (bool, error) {
	if t == nil || t.state == nil {
		return false, errNilState
	}
	entries, err := t.state.FreezeByVault(vault)
	if err != nil {
		return false, err
	}
	for _, entry := range entries {
		if entry != nil && entry.PendingAmount != nil && entry.PendingAmount.Sign() != 0 {
			return true, nil
		}
	}
	return false, nil
}
