package ledger

import (
	"math/big"
	"strings"
)

// RiskParameters controls the solvency checks applied to margin positions.
// Ratios are expressed in basis points against the position's debt value.
type RiskParameters struct {
	// MinCollateralizationBps is the ratio a position must maintain for
	// ordinary operations (e.g. 11500 = 115%).
	MinCollateralizationBps uint64
	// LiquidationThresholdBps is the ratio below which third parties may
	// liquidate the position.
	LiquidationThresholdBps uint64
}

// PriceOracle supplies token prices in a common quote unit. The scale cancels
// out of ratio comparisons, so any consistent fixed-point convention works.
type PriceOracle interface {
	Price(token string) (*big.Int, error)
}

// FixedOracle is a static price table, used by tests and local deployments.
type FixedOracle struct {
	prices map[string]*big.Int
}

// NewFixedOracle builds an oracle over a symbol-to-price table.
func NewFixedOracle(prices map[string]*big.Int) *FixedOracle {
	cloned := make(map[string]*big.Int, len(prices))
	for token, price := range prices {
		cloned[normalize(token)] = new(big.Int).Set(price)
	}
	return &FixedOracle{prices: cloned}
}

// SetPrice updates a single token price.
func (o *FixedOracle) SetPrice(token string, price *big.Int) {
	if o.prices == nil {
		o.prices = make(map[string]*big.Int)
	}
	o.prices[normalize(token)] = new(big.Int).Set(price)
}

// Price implements PriceOracle.
func (o *FixedOracle) Price(token string) (*big.Int, error) {
	price, ok := o.prices[normalize(token)]
	if !ok {
		return nil, ErrNoPrice
	}
	return new(big.Int).Set(price), nil
}

func normalize(token string) string { return strings.ToUpper(strings.TrimSpace(token)) }

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
