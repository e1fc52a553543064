package engine

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/marketfold/prediction-engine/internal/model"
)

// positionLocked sums the signed amounts of a user's bets matching
// (marketID, outcomeIndex). Caller must hold the user's mutex.
func (r *Registry) positionLocked(user *model.User, marketID int64, outcomeIndex int) decimal.Decimal {
	position := decimal.Zero
	for _, id := range user.BetIDs {
		bet := r.arena.get(id)
		if bet == nil || bet.MarketID != marketID || bet.OutcomeIndex != outcomeIndex {
			continue
		}
		position = position.Add(bet.Amount)
	}
	return position
}

// Position returns the user's net shares in one outcome of one market.
func (r *Registry) Position(userID, marketID int64, outcomeIndex int) (decimal.Decimal, error) {
	ue := r.userEntry(userID)
	if ue == nil {
		return decimal.Zero, fmt.Errorf("%w: id %d", ErrUserNotFound, userID)
	}
	ue.mu.Lock()
	defer ue.mu.Unlock()
	return r.positionLocked(ue.user, marketID, outcomeIndex), nil
}

// UnrealizedValue returns the cash the user would receive by selling their
// entire position in the outcome at current quantities: -costDelta(q, i, -position).
func (r *Registry) UnrealizedValue(userID, marketID int64, outcomeIndex int) (decimal.Decimal, error) {
	me := r.marketEntry(marketID)
	if me == nil {
		return decimal.Zero, fmt.Errorf("%w: id %d", ErrMarketNotFound, marketID)
	}
	ue := r.userEntry(userID)
	if ue == nil {
		return decimal.Zero, fmt.Errorf("%w: id %d", ErrUserNotFound, userID)
	}

	me.mu.Lock()
	defer me.mu.Unlock()
	if outcomeIndex < 0 || outcomeIndex >= len(me.market.Outcomes) {
		return decimal.Zero, fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidOutcome, outcomeIndex, len(me.market.Outcomes))
	}

	ue.mu.Lock()
	position := r.positionLocked(ue.user, marketID, outcomeIndex)
	ue.mu.Unlock()

	if position.IsZero() {
		return decimal.Zero, nil
	}
	return me.maker.CostDelta(me.market.Quantities, outcomeIndex, position.Neg()).Neg(), nil
}

// Portfolio aggregates a user's bets into per-(market, outcome) positions
// with cost basis and unrealized P&L at current quantities.
func (r *Registry) Portfolio(userID int64) (*model.Portfolio, error) {
	ue := r.userEntry(userID)
	if ue == nil {
		return nil, fmt.Errorf("%w: id %d", ErrUserNotFound, userID)
	}

	ue.mu.Lock()
	user := snapshotUser(ue.user)
	ue.mu.Unlock()

	type key struct {
		marketID     int64
		outcomeIndex int
	}
	type agg struct {
		outcomeName string
		shares      decimal.Decimal
		costBasis   decimal.Decimal
	}

	aggs := make(map[key]*agg)
	var order []key
	for _, id := range user.BetIDs {
		bet := r.arena.get(id)
		if bet == nil {
			continue
		}
		k := key{bet.MarketID, bet.OutcomeIndex}
		a, ok := aggs[k]
		if !ok {
			a = &agg{outcomeName: bet.OutcomeName}
			aggs[k] = a
			order = append(order, k)
		}
		a.shares = a.shares.Add(bet.Amount)
		a.costBasis = a.costBasis.Add(bet.Cost)
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].marketID != order[j].marketID {
			return order[i].marketID < order[j].marketID
		}
		return order[i].outcomeIndex < order[j].outcomeIndex
	})

	portfolio := &model.Portfolio{
		UserID:    user.ID,
		Username:  user.Username,
		Balance:   user.Balance,
		Positions: []model.Position{},
		TotalPnL:  decimal.Zero,
	}

	for _, k := range order {
		a := aggs[k]
		value := decimal.Zero
		if a.shares.IsPositive() {
			if me := r.marketEntry(k.marketID); me != nil {
				me.mu.Lock()
				value = me.maker.CostDelta(me.market.Quantities, k.outcomeIndex, a.shares.Neg()).Neg()
				me.mu.Unlock()
			}
		}
		pnl := value.Sub(a.costBasis)
		portfolio.Positions = append(portfolio.Positions, model.Position{
			UserID:          user.ID,
			MarketID:        k.marketID,
			OutcomeIndex:    k.outcomeIndex,
			OutcomeName:     a.outcomeName,
			Shares:          a.shares,
			CostBasis:       a.costBasis,
			UnrealizedValue: value,
			UnrealizedPnL:   pnl,
		})
		portfolio.TotalPnL = portfolio.TotalPnL.Add(pnl)
	}

	return portfolio, nil
}
