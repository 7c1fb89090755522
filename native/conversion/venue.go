package conversion

import "math/big"

// DepositRequest carries a wrap order to the settlement venue together with
// the keeper execution fee paid in the chain's native asset.
type DepositRequest struct {
	MarketID         string
	Vault            [20]byte
	SubAccount       uint64
	InputToken       string
	InputAmount      *big.Int
	OutputMinAmount  *big.Int
	ExecutionFee     *big.Int
	CallbackGasLimit uint64
}

// WithdrawalRequest carries an unwrap order to the settlement venue.
type WithdrawalRequest struct {
	MarketID         string
	Vault            [20]byte
	SubAccount       uint64
	InputAmount      *big.Int
	OutputToken      string
	OutputMinAmount  *big.Int
	ExecutionFee     *big.Int
	CallbackGasLimit uint64
}

// SettlementVenue is the on-chain face of the external market maker. Requests
// are queued and executed off-chain at a time the engine does not control; the
// returned key is opaque and is the only correlation handle for callbacks.
type SettlementVenue interface {
	RequestDeposit(DepositRequest) ([32]byte, error)
	RequestWithdrawal(WithdrawalRequest) ([32]byte, error)
}
