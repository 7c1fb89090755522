package conversion

import (
	"fmt"
	"math/big"
	"strings"
)

// FreezeReason identifies which leg of the async round trip froze a
// sub-account.
type FreezeReason uint8

const (
	FreezeReasonDeposit FreezeReason = iota + 1
	FreezeReasonWithdrawal
)

// Valid reports whether the reason value is within the supported range.
func (r FreezeReason) Valid() bool {
	switch r {
	case FreezeReasonDeposit, FreezeReasonWithdrawal:
		return true
	default:
		return false
	}
}

func (r FreezeReason) String() string {
	switch r {
	case FreezeReasonDeposit:
		return "deposit"
	case FreezeReasonWithdrawal:
		return "withdrawal"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// RetryKind records which settlement path a retryable conversion must re-run.
type RetryKind uint8

const (
	RetryNone RetryKind = iota
	// RetryExecute re-attempts crediting the escrowed venue proceeds.
	RetryExecute
	// RetryRefund re-attempts returning the originally debited input amount.
	RetryRefund
)

// Valid reports whether the retry kind is within the supported range.
func (k RetryKind) Valid() bool { return k <= RetryRefund }

// PendingConversion is the persisted record of a single in-flight wrap or
// unwrap. The external key is assigned by the settlement venue and is the only
// handle by which a later callback can be matched back to this record.
type PendingConversion struct {
	Key             [32]byte
	Vault           [20]byte
	SubAccount      uint64
	Reason          FreezeReason
	InputToken      string
	InputAmount     *big.Int
	OutputToken     string
	OutputMinAmount *big.Int
	// EscrowedAmount holds venue proceeds received by the trader while a
	// downstream ledger mutation is failing. Zero until a resolution is
	// downgraded to retryable.
	EscrowedAmount *big.Int
	// EscrowedOtherAmount holds the non-requested pool side of a withdrawal
	// fill held alongside EscrowedAmount.
	EscrowedOtherAmount *big.Int
	CreatedAtBlock  uint64
	Retryable       bool
	RetryKind       RetryKind
	FromLiquidation bool
}

// Clone returns a deep copy so callers can mutate the copy without affecting
// the stored instance.
func (p *PendingConversion) Clone() *PendingConversion {
	if p == nil {
		return nil
	}
	clone := *p
	clone.InputAmount = cloneBigInt(p.InputAmount)
	clone.OutputMinAmount = cloneBigInt(p.OutputMinAmount)
	clone.EscrowedAmount = cloneBigInt(p.EscrowedAmount)
	clone.EscrowedOtherAmount = cloneBigInt(p.EscrowedOtherAmount)
	return &clone
}

// SanitizePending validates and normalises a pending-conversion record,
// returning a clone with canonical token casing and non-nil amounts.
func SanitizePending(p *PendingConversion) (*PendingConversion, error) {
	if p == nil {
		return nil, fmt.Errorf("conversion: nil pending record")
	}
	clone := p.Clone()
	input, err := NormalizeToken(clone.InputToken)
	if err != nil {
		return nil, err
	}
	output, err := NormalizeToken(clone.OutputToken)
	if err != nil {
		return nil, err
	}
	clone.InputToken = input
	clone.OutputToken = output
	if !clone.Reason.Valid() {
		return nil, fmt.Errorf("conversion: invalid freeze reason %d", clone.Reason)
	}
	if !clone.RetryKind.Valid() {
		return nil, fmt.Errorf("conversion: invalid retry kind %d", clone.RetryKind)
	}
	if clone.InputAmount.Sign() < 0 || clone.OutputMinAmount.Sign() < 0 || clone.EscrowedAmount.Sign() < 0 || clone.EscrowedOtherAmount.Sign() < 0 {
		return nil, fmt.Errorf("conversion: amounts must be non-negative")
	}
	return clone, nil
}

// FreezeEntry accumulates the pending amount frozen against a sub-account for
// one reason. The sub-account is frozen iff the pending amount is non-zero.
type FreezeEntry struct {
	Vault         [20]byte
	SubAccount    uint64
	Reason        FreezeReason
	PendingAmount *big.Int
	// OutputToken lets other components answer "what token will this frozen
	// position receive" without re-deriving it from the venue.
	OutputToken string
}

// Clone returns a deep copy of the freeze entry.
func (f *FreezeEntry) Clone() *FreezeEntry {
	if f == nil {
		return nil
	}
	clone := *f
	clone.PendingAmount = cloneBigInt(f.PendingAmount)
	return &clone
}

// VaultRecord binds an isolation-mode vault to its owner and the factory that
// created it. Vaults are created on first use and never destroyed.
type VaultRecord struct {
	Vault   [20]byte
	Owner   [20]byte
	Factory [20]byte
}

// DefaultSubAccount is the owner's default position number. Surplus fills are
// routed here so the frozen position's collateral increase stays deterministic.
const DefaultSubAccount uint64 = 0

// Market describes one venue liquidity pool: the share token being wrapped or
// unwrapped and the two plain assets the venue accepts.
type Market struct {
	ID          string
	MarketToken string
	LongToken   string
	ShortToken  string
}

// AcceptsInput reports whether the token is one of the two venue-accepted
// deposit assets for this market.
func (m Market) AcceptsInput(token string) bool {
	normalized, err := NormalizeToken(token)
	if err != nil {
		return false
	}
	return normalized == m.LongToken || normalized == m.ShortToken
}

// OtherSide returns the venue-accepted asset opposite the provided one.
func (m Market) OtherSide(token string) string {
	normalized, err := NormalizeToken(token)
	if err != nil {
		return ""
	}
	switch normalized {
	case m.LongToken:
		return m.ShortToken
	case m.ShortToken:
		return m.LongToken
	default:
		return ""
	}
}

// SanitizeMarket validates a market definition and returns a copy with
// canonical token casing.
func SanitizeMarket(m Market) (Market, error) {
	id := strings.TrimSpace(m.ID)
	if id == "" {
		return Market{}, fmt.Errorf("conversion: market id required")
	}
	marketToken, err := NormalizeToken(m.MarketToken)
	if err != nil {
		return Market{}, err
	}
	longToken, err := NormalizeToken(m.LongToken)
	if err != nil {
		return Market{}, err
	}
	shortToken, err := NormalizeToken(m.ShortToken)
	if err != nil {
		return Market{}, err
	}
	if longToken == shortToken {
		return Market{}, fmt.Errorf("conversion: long and short tokens must differ")
	}
	if marketToken == longToken || marketToken == shortToken {
		return Market{}, fmt.Errorf("conversion: market token must differ from pool assets")
	}
	return Market{ID: id, MarketToken: marketToken, LongToken: longToken, ShortToken: shortToken}, nil
}

// NormalizeToken ensures a token symbol is non-empty and returns the canonical
// uppercase form.
func NormalizeToken(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return "", fmt.Errorf("conversion: empty token symbol")
	}
	return trimmed, nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
