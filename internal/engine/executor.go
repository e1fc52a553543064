package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketfold/prediction-engine/internal/model"
)

// TradeRequest identifies one trade: a signed, non-zero share amount against
// one outcome of one market. Positive amount buys shares, negative sells.
type TradeRequest struct {
	MarketID     int64
	UserID       int64
	OutcomeIndex int
	Amount       decimal.Decimal
}

// TradeResult is returned to the caller of a committed trade.
type TradeResult struct {
	Cost       decimal.Decimal   `json:"cost"`
	NewBalance decimal.Decimal   `json:"new_balance"`
	Prices     []decimal.Decimal `json:"prices"`
	Bet        model.Bet         `json:"bet"`
}

// Trade validates and commits a single trade. Validation runs in strict
// order and the first failure aborts with no state mutated:
//
//  1. market exists
//  2. outcome index in range
//  3. amount non-zero
//  4. sells: current position covers |amount|
//  5. buys: share count within balance (cheap pre-check)
//  6. compute LMSR cost
//  7. buys: cost within balance
//
// On success all mutations — quantities, prices, price history, bet ledgers,
// balance — are applied under the market's lock, and the update payload is
// handed to the broadcasters before the lock is released so per-market
// delivery order matches commit order. No partial commit is observable.
func (r *Registry) Trade(req TradeRequest) (*TradeResult, error) {
	me := r.marketEntry(req.MarketID)
	if me == nil {
		return nil, fmt.Errorf("%w: id %d", ErrMarketNotFound, req.MarketID)
	}
	ue := r.userEntry(req.UserID)
	if ue == nil {
		return nil, fmt.Errorf("%w: id %d", ErrUserNotFound, req.UserID)
	}

	me.mu.Lock()
	defer me.mu.Unlock()

	market := me.market
	if req.OutcomeIndex < 0 || req.OutcomeIndex >= len(market.Outcomes) {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidOutcome, req.OutcomeIndex, len(market.Outcomes))
	}
	if req.Amount.IsZero() {
		return nil, ErrZeroAmount
	}

	ue.mu.Lock()
	defer ue.mu.Unlock()
	user := ue.user

	outcomeName := market.Outcomes[req.OutcomeIndex]

	if req.Amount.IsNegative() {
		position := r.positionLocked(user, req.MarketID, req.OutcomeIndex)
		if position.LessThan(req.Amount.Abs()) {
			return nil, fmt.Errorf("%w: only %s shares of %s held",
				ErrInsufficientShares, position, outcomeName)
		}
	} else if req.Amount.GreaterThan(user.Balance) {
		// Fast-path rejection before the cost computation.
		return nil, fmt.Errorf("%w: balance %s", ErrInsufficientBalance, user.Balance)
	}

	cost := me.maker.CostDelta(market.Quantities, req.OutcomeIndex, req.Amount)

	// Buys are re-checked against the computed cost.
	if req.Amount.IsPositive() && cost.GreaterThan(user.Balance) {
		return nil, fmt.Errorf("%w: cost %s exceeds balance %s",
			ErrInsufficientBalanceForCost, cost, user.Balance)
	}

	// --- Commit ---

	market.Quantities[req.OutcomeIndex] = market.Quantities[req.OutcomeIndex].Add(req.Amount)
	market.Prices = me.maker.Prices(market.Quantities)

	now := time.Now().UTC()
	market.PriceHistory = append(market.PriceHistory, model.PricePoint{
		Timestamp: now,
		Prices:    append([]decimal.Decimal(nil), market.Prices...),
	})
	if len(market.PriceHistory) > model.MaxPriceHistory {
		market.PriceHistory = market.PriceHistory[1:]
	}

	bet := r.arena.alloc(model.Bet{
		UserID:       user.ID,
		Username:     user.Username,
		MarketID:     market.ID,
		OutcomeIndex: req.OutcomeIndex,
		OutcomeName:  outcomeName,
		Amount:       req.Amount,
		Cost:         cost,
		Timestamp:    now,
	})
	market.BetIDs = append(market.BetIDs, bet.ID)
	user.BetIDs = append(user.BetIDs, bet.ID)
	user.Balance = user.Balance.Sub(cost)

	result := &TradeResult{
		Cost:       cost,
		NewBalance: user.Balance,
		Prices:     append([]decimal.Decimal(nil), market.Prices...),
		Bet:        bet,
	}

	update := model.MarketUpdate{
		MarketID:     market.ID,
		Quantities:   append([]decimal.Decimal(nil), market.Quantities...),
		Prices:       result.Prices,
		PriceHistory: snapshotHistory(market.PriceHistory),
		NewBet:       bet,
		TotalBets:    len(market.BetIDs),
	}
	for _, b := range r.broadcasters {
		b.PublishUpdate(update)
	}

	return result, nil
}
