// Package sim provides an in-process settlement venue for local deployments
// and integration tests. Requests queue in arrival order and settle only when
// the operator (or test) explicitly executes or cancels them, reproducing the
// unbounded gap between initiation and resolution of a real venue.
package sim

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"marginvault/native/conversion"
)

// DepositResolver is the deposit-leg callback surface, served by the wrapper.
type DepositResolver interface {
	ResolveSuccess(caller [20]byte, key [32]byte, actualOutput *big.Int) error
	ResolveFailed(caller [20]byte, key [32]byte, reason string) error
	ResolveCancel(caller [20]byte, key [32]byte) error
}

// WithdrawalResolver is the withdrawal-leg callback surface, served by the
// unwrapper.
type WithdrawalResolver interface {
	ResolveSuccess(caller [20]byte, key [32]byte, outputAmount, otherAmount *big.Int) error
	ResolveFailed(caller [20]byte, key [32]byte, reason string) error
	ResolveCancel(caller [20]byte, key [32]byte) error
}

// Venue queues conversion requests and delivers resolution callbacks under its
// configured handler address. That address must be granted in the registry for
// callbacks to be accepted.
type Venue struct {
	mu sync.Mutex

	handler     [20]byte
	seq         uint64
	deposits    map[[32]byte]conversion.DepositRequest
	withdrawals map[[32]byte]conversion.WithdrawalRequest

	depositResolver    DepositResolver
	withdrawalResolver WithdrawalResolver
}

// New constructs a venue that signs callbacks as the handler address.
func New(handler [20]byte) *Venue {
	return &Venue{
		handler:     handler,
		deposits:    make(map[[32]byte]conversion.DepositRequest),
		withdrawals: make(map[[32]byte]conversion.WithdrawalRequest),
	}
}

// SetDepositResolver wires the wrapper-side callback target.
func (v *Venue) SetDepositResolver(r DepositResolver) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.depositResolver = r
}

// SetWithdrawalResolver wires the unwrapper-side callback target.
func (v *Venue) SetWithdrawalResolver(r WithdrawalResolver) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.withdrawalResolver = r
}

// nextKey mints an opaque request handle. A fresh UUID mixed with the sequence
// counter keeps keys unique even across identical requests.
func (v *Venue) nextKey() [32]byte {
	v.seq++
	id := uuid.New()
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], v.seq)
	return ethcrypto.Keccak256Hash(id[:], seqBytes[:])
}

// RequestDeposit implements the settlement-venue interface for the deposit leg.
func (v *Venue) RequestDeposit(req conversion.DepositRequest) ([32]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	key := v.nextKey()
	v.deposits[key] = req
	return key, nil
}

// RequestWithdrawal implements the settlement-venue interface for the
// withdrawal leg.
func (v *Venue) RequestWithdrawal(req conversion.WithdrawalRequest) ([32]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	key := v.nextKey()
	v.withdrawals[key] = req
	return key, nil
}

// PendingDeposits returns the number of queued deposit requests.
func (v *Venue) PendingDeposits() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.deposits)
}

// PendingWithdrawals returns the number of queued withdrawal requests.
func (v *Venue) PendingWithdrawals() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.withdrawals)
}

// DepositRequestFor returns the queued deposit request for a key.
func (v *Venue) DepositRequestFor(key [32]byte) (conversion.DepositRequest, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	req, ok := v.deposits[key]
	return req, ok
}

// WithdrawalRequestFor returns the queued withdrawal request for a key.
func (v *Venue) WithdrawalRequestFor(key [32]byte) (conversion.WithdrawalRequest, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	req, ok := v.withdrawals[key]
	return req, ok
}

func (v *Venue) takeDeposit(key [32]byte) (conversion.DepositRequest, DepositResolver, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	req, ok := v.deposits[key]
	if !ok {
		return conversion.DepositRequest{}, nil, fmt.Errorf("sim: unknown deposit key %x", key)
	}
	if v.depositResolver == nil {
		return conversion.DepositRequest{}, nil, fmt.Errorf("sim: deposit resolver not wired")
	}
	delete(v.deposits, key)
	return req, v.depositResolver, nil
}

// restoreDeposit re-queues a request whose resolution callback was rejected,
// so the engine's pending record and the venue queue stay in step.
func (v *Venue) restoreDeposit(key [32]byte, req conversion.DepositRequest) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.deposits[key] = req
}

func (v *Venue) restoreWithdrawal(key [32]byte, req conversion.WithdrawalRequest) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.withdrawals[key] = req
}

func (v *Venue) takeWithdrawal(key [32]byte) (conversion.WithdrawalRequest, WithdrawalResolver, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	req, ok := v.withdrawals[key]
	if !ok {
		return conversion.WithdrawalRequest{}, nil, fmt.Errorf("sim: unknown withdrawal key %x", key)
	}
	if v.withdrawalResolver == nil {
		return conversion.WithdrawalRequest{}, nil, fmt.Errorf("sim: withdrawal resolver not wired")
	}
	delete(v.withdrawals, key)
	return req, v.withdrawalResolver, nil
}

// ExecuteDeposit settles a queued deposit at the given fill and delivers the
// success callback.
func (v *Venue) ExecuteDeposit(key [32]byte, actualOutput *big.Int) error {
	req, resolver, err := v.takeDeposit(key)
	if err != nil {
		return err
	}
	if err := resolver.ResolveSuccess(v.handler, key, actualOutput); err != nil {
		v.restoreDeposit(key, req)
		return err
	}
	return nil
}

// FailDeposit reports a venue-side execution failure for a queued deposit.
func (v *Venue) FailDeposit(key [32]byte, reason string) error {
	req, resolver, err := v.takeDeposit(key)
	if err != nil {
		return err
	}
	if err := resolver.ResolveFailed(v.handler, key, reason); err != nil {
		v.restoreDeposit(key, req)
		return err
	}
	return nil
}

// CancelDeposit cancels a queued deposit and delivers the refund callback.
func (v *Venue) CancelDeposit(key [32]byte) error {
	req, resolver, err := v.takeDeposit(key)
	if err != nil {
		return err
	}
	if err := resolver.ResolveCancel(v.handler, key); err != nil {
		v.restoreDeposit(key, req)
		return err
	}
	return nil
}

// ExecuteWithdrawal settles a queued withdrawal at the given two-sided fill
// and delivers the success callback.
func (v *Venue) ExecuteWithdrawal(key [32]byte, outputAmount, otherAmount *big.Int) error {
	req, resolver, err := v.takeWithdrawal(key)
	if err != nil {
		return err
	}
	if err := resolver.ResolveSuccess(v.handler, key, outputAmount, otherAmount); err != nil {
		v.restoreWithdrawal(key, req)
		return err
	}
	return nil
}

// FailWithdrawal reports a venue-side execution failure for a queued
// withdrawal.
func (v *Venue) FailWithdrawal(key [32]byte, reason string) error {
	req, resolver, err := v.takeWithdrawal(key)
	if err != nil {
		return err
	}
	if err := resolver.ResolveFailed(v.handler, key, reason); err != nil {
		v.restoreWithdrawal(key, req)
		return err
	}
	return nil
}

// CancelWithdrawal cancels a queued withdrawal and delivers the refund
// callback.
func (v *Venue) CancelWithdrawal(key [32]byte) error {
	req, resolver, err := v.takeWithdrawal(key)
	if err != nil {
		return err
	}
	if err := resolver.ResolveCancel(v.handler, key); err != nil {
		v.restoreWithdrawal(key, req)
		return err
	}
	return nil
}
