// Package lmsr implements the Logarithmic Market Scoring Rule (LMSR)
// automated market maker for categorical prediction markets.
//
// The LMSR was proposed by Robin Hanson and provides:
//   - Bounded loss for the market maker (capped at b * ln(n))
//   - Continuous pricing with infinite liquidity
//   - Path-independent cost function
//
// All monetary values use shopspring/decimal — never float64 for money.
// Internal transcendental math uses the log-sum-exp trick for numerical
// stability, with results immediately converted to decimal.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package lmsr

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidLiquidity is returned when b <= 0.
	ErrInvalidLiquidity = errors.New("lmsr: liquidity parameter b must be positive")

	// PriceScale is the number of decimal places for price/cost rounding.
	PriceScale int32 = 8
)

// MarketMaker implements the LMSR cost function over a quantity vector with
// one entry per outcome. It is stateless — quantities are passed as
// arguments, not stored.
type MarketMaker struct {
	b decimal.Decimal
}

// NewMarketMaker creates a new LMSR market maker with the given liquidity
// parameter b. Higher b → more liquidity, lower price impact per trade.
// Maximum market-maker loss is bounded by b * ln(n) for n outcomes.
func NewMarketMaker(b decimal.Decimal) (*MarketMaker, error) {
	if b.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidLiquidity
	}
	return &MarketMaker{b: b}, nil
}

// B returns the liquidity parameter.
func (m *MarketMaker) B() decimal.Decimal {
	return m.b
}

// logSumExp computes ln(Σ exp(x_i)) using the log-sum-exp trick to prevent
// floating-point overflow. Without this trick, exp(x) overflows float64
// when x > ~709.
//
// Algorithm: LSE(x) = max(x) + ln(Σ exp(x_i - max(x)))
// Since (x_i - max(x)) <= 0, all exp arguments are in [0, 1].
func logSumExp(xs []float64) float64 {
	if len(xs) == 0 {
		return math.Inf(-1)
	}

	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}

	if math.IsInf(maxVal, -1) {
		return math.Inf(-1)
	}

	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - maxVal)
	}
	return maxVal + math.Log(sum)
}

// scaled converts the quantity vector to float64 multiples of b: q_i / b.
func (m *MarketMaker) scaled(q []decimal.Decimal) []float64 {
	bf := m.b.InexactFloat64()
	xs := make([]float64, len(q))
	for i, qi := range q {
		xs[i] = qi.InexactFloat64() / bf
	}
	return xs
}

// Cost computes the LMSR cost function:
//
//	C(q) = b * ln(Σ exp(q_i / b))
//
// Uses logSumExp internally for numerical stability.
func (m *MarketMaker) Cost(q []decimal.Decimal) decimal.Decimal {
	bf := m.b.InexactFloat64()
	cost := bf * logSumExp(m.scaled(q))
	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		// Absorbed degenerate result; callers never see a non-finite cost.
		return decimal.Zero
	}
	return decimal.NewFromFloat(cost).Round(PriceScale)
}

// Uniform returns the degenerate price vector 1/n for every outcome.
// Used at market creation (all-zero quantities) and as the fallback when a
// computed price would be non-finite.
func Uniform(n int) []decimal.Decimal {
	prices := make([]decimal.Decimal, n)
	if n == 0 {
		return prices
	}
	p := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(n))).Round(PriceScale)
	for i := range prices {
		prices[i] = p
	}
	return prices
}

// allZero reports whether every quantity is exactly zero.
func allZero(q []decimal.Decimal) bool {
	for _, qi := range q {
		if !qi.IsZero() {
			return false
		}
	}
	return true
}

// Prices computes the instantaneous price (probability) for every outcome:
//
//	p_i = exp(q_i / b) / Σ_j exp(q_j / b)
//
// This is the softmax function. Uses max-subtraction for numerical stability.
// Degenerate inputs — b <= 0, an all-zero quantity vector, or any non-finite
// intermediate — yield the uniform vector 1/n instead of propagating an
// invalid value. Callers never observe NaN or Inf.
func (m *MarketMaker) Prices(q []decimal.Decimal) []decimal.Decimal {
	n := len(q)
	if n == 0 {
		return nil
	}
	if m.b.LessThanOrEqual(decimal.Zero) || allZero(q) {
		return Uniform(n)
	}

	xs := m.scaled(q)
	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}

	exps := make([]float64, n)
	var sum float64
	for i, x := range xs {
		exps[i] = math.Exp(x - maxVal)
		sum += exps[i]
	}
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return Uniform(n)
	}

	prices := make([]decimal.Decimal, n)
	for i, e := range exps {
		p := e / sum
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return Uniform(n)
		}
		prices[i] = decimal.NewFromFloat(p).Round(PriceScale)
	}
	return prices
}

// Price computes the instantaneous price for a single outcome.
// Same degenerate-input policy as Prices.
func (m *MarketMaker) Price(q []decimal.Decimal, i int) decimal.Decimal {
	return m.Prices(q)[i]
}

// CostDelta computes the signed amount a trader pays (positive) or receives
// (negative) to move delta shares of outcome i:
//
//	costDelta = C(q with q_i += delta) - C(q)
func (m *MarketMaker) CostDelta(q []decimal.Decimal, i int, delta decimal.Decimal) decimal.Decimal {
	after := make([]decimal.Decimal, len(q))
	copy(after, q)
	after[i] = after[i].Add(delta)
	return m.Cost(after).Sub(m.Cost(q))
}

// FillPrice returns the average execution price per share for a trade of
// delta shares of outcome i. Positive for both buys and sells.
func (m *MarketMaker) FillPrice(q []decimal.Decimal, i int, delta decimal.Decimal) decimal.Decimal {
	if delta.IsZero() {
		return m.Price(q, i)
	}
	return m.CostDelta(q, i, delta).Div(delta).Round(PriceScale)
}

// MaxLoss returns the maximum possible loss for the market maker: b * ln(n).
func (m *MarketMaker) MaxLoss(n int) decimal.Decimal {
	if n < 1 {
		return decimal.Zero
	}
	bf := m.b.InexactFloat64()
	loss := bf * math.Log(float64(n))
	return decimal.NewFromFloat(loss).Round(PriceScale)
}
