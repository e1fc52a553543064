// Package model defines the core domain types shared across the prediction engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MaxPriceHistory bounds the per-market price history. The oldest entry is
// evicted first once the bound is reached.
const MaxPriceHistory = 100

// StartingBalance is credited to every newly registered user.
var StartingBalance = decimal.NewFromInt(1000)

// Bet is an immutable record of a committed trade.
// Once created, these are never modified or deleted. The canonical record
// lives in the registry's arena; markets and users reference it by ID.
type Bet struct {
	ID           int64           `json:"id" db:"id"`
	UserID       int64           `json:"user_id" db:"user_id"`
	Username     string          `json:"username" db:"username"`
	MarketID     int64           `json:"market_id" db:"market_id"`
	OutcomeIndex int             `json:"outcome_index" db:"outcome_index"`
	OutcomeName  string          `json:"outcome_name" db:"outcome_name"`
	Amount       decimal.Decimal `json:"amount" db:"amount"` // signed: +buy, -sell
	Cost         decimal.Decimal `json:"cost" db:"cost"`     // signed cash flow: +charged, -credited
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// PricePoint is one entry of a market's bounded price history.
type PricePoint struct {
	Timestamp time.Time         `json:"timestamp"`
	Prices    []decimal.Decimal `json:"prices"`
}

// Market represents the state of one categorical prediction market.
// Quantities is the cumulative signed shares traded per outcome; it is the
// sole state variable driving prices.
type Market struct {
	ID           int64             `json:"id"`
	Title        string            `json:"title"`
	Description  string            `json:"description"`
	Outcomes     []string          `json:"outcomes"`
	B            decimal.Decimal   `json:"liquidity_parameter"` // LMSR liquidity parameter
	Quantities   []decimal.Decimal `json:"quantities"`
	Prices       []decimal.Decimal `json:"prices"`
	PriceHistory []PricePoint      `json:"price_history"`
	BetIDs       []int64           `json:"bet_ids"`
	CreatedAt    time.Time         `json:"created_at"`
}

// User holds a trader's balance and the IDs of every bet they placed,
// across all markets.
type User struct {
	ID       int64           `json:"id"`
	Username string          `json:"username"`
	Balance  decimal.Decimal `json:"balance"`
	BetIDs   []int64         `json:"bet_ids"`
}

// Position is a user's aggregate holding in one outcome of one market.
type Position struct {
	UserID          int64           `json:"user_id"`
	MarketID        int64           `json:"market_id"`
	OutcomeIndex    int             `json:"outcome_index"`
	OutcomeName     string          `json:"outcome_name"`
	Shares          decimal.Decimal `json:"shares"`           // Σ signed amounts, never negative
	CostBasis       decimal.Decimal `json:"cost_basis"`       // net cash outflow
	UnrealizedValue decimal.Decimal `json:"unrealized_value"` // proceeds of selling the full position now
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`   // unrealizedValue - costBasis
}

// Portfolio aggregates all of a user's positions with total P&L.
type Portfolio struct {
	UserID    int64           `json:"user_id"`
	Username  string          `json:"username"`
	Balance   decimal.Decimal `json:"balance"`
	Positions []Position      `json:"positions"`
	TotalPnL  decimal.Decimal `json:"total_pnl"`
}

// MarketUpdate is the payload pushed to subscribers after every commit.
type MarketUpdate struct {
	MarketID     int64             `json:"market_id"`
	Quantities   []decimal.Decimal `json:"quantities"`
	Prices       []decimal.Decimal `json:"prices"`
	PriceHistory []PricePoint      `json:"price_history"`
	NewBet       Bet               `json:"new_bet"`
	TotalBets    int               `json:"total_bets"`
}
