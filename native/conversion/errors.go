package conversion

import "errors"

var (
	errNilState    = errors.New("conversion engine: state not configured")
	errNilLedger   = errors.New("conversion engine: ledger not configured")
	errNilVenue    = errors.New("conversion engine: settlement venue not configured")
	errNilRegistry = errors.New("conversion engine: handler registry not configured")

	// ErrUnknownKey is returned when no pending conversion matches the
	// supplied external key.
	ErrUnknownKey = errors.New("conversion: unknown external key")
	// ErrDuplicateKey is returned when the venue hands back a key that is
	// already bound to another pending conversion.
	ErrDuplicateKey = errors.New("conversion: external key already in use")
	// ErrInvalidInputToken is returned when the input asset is not accepted
	// by the venue market.
	ErrInvalidInputToken = errors.New("conversion: invalid input token")
	// ErrInvalidOutputToken is returned when the requested output asset is
	// not a side of the venue market.
	ErrInvalidOutputToken = errors.New("conversion: invalid output token")
	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("conversion: amount must be positive")
	// ErrExecutionFeeMismatch is returned when the attached native fee does
	// not equal the declared execution fee budget.
	ErrExecutionFeeMismatch = errors.New("conversion: execution fee mismatch")
	// ErrExecutionFeeTooHigh is returned when the execution fee exceeds the
	// configured ceiling.
	ErrExecutionFeeTooHigh = errors.New("conversion: execution fee above ceiling")
	// ErrAccountFrozen is returned when a new conversion is initiated while
	// the sub-account already has one in flight.
	ErrAccountFrozen = errors.New("conversion: sub-account frozen")
	// ErrUnauthorized is returned for callers outside the capability set of
	// an entry point.
	ErrUnauthorized = errors.New("conversion: unauthorized caller")
	// ErrInvalidSubAccount is returned when an external key is resolved or
	// trade-consumed against a different account than the one it was minted
	// for.
	ErrInvalidSubAccount = errors.New("conversion: external key bound to different sub-account")
	// ErrNotRetryable is returned when retrying a conversion that has not
	// been downgraded to a retryable failure.
	ErrNotRetryable = errors.New("conversion: not retryable")
	// ErrCancellationTooEarly is returned when a cancel is attempted before
	// the minimum elapsed-block delay.
	ErrCancellationTooEarly = errors.New("conversion: cancellation delay not elapsed")
	// ErrLiquidationCancel is returned when a vault owner attempts to cancel
	// a liquidation-originated conversion.
	ErrLiquidationCancel = errors.New("conversion: liquidation conversions cannot be cancelled by owner")
	// ErrInsufficientOutput is returned when the venue fill is below the
	// recorded minimum acceptable amount.
	ErrInsufficientOutput = errors.New("conversion: output below minimum")
	// ErrNoEscrowedProceeds is returned when a trade action consumes a key
	// whose venue proceeds have not arrived.
	ErrNoEscrowedProceeds = errors.New("conversion: no escrowed proceeds for key")
	// ErrReentrantCall is returned when an entry point is re-entered while a
	// sibling entry point of the same trader pair is executing.
	ErrReentrantCall = errors.New("conversion: reentrant call")
	// ErrZeroAddress is returned by registry setters for the zero address.
	ErrZeroAddress = errors.New("conversion: zero address")
	// ErrUnknownVault is returned when no vault record exists for an address.
	ErrUnknownVault = errors.New("conversion: unknown vault")
	// ErrNotLiquidatable is returned when preparing liquidation for a healthy
	// position.
	ErrNotLiquidatable = errors.New("conversion: position not liquidatable")
	// ErrWrongTrader is returned when a key minted by the wrapper is resolved
	// on the unwrapper or vice versa.
	ErrWrongTrader = errors.New("conversion: key belongs to other trader leg")
)
