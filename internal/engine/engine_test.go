package engine_test

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/marketfold/prediction-engine/internal/engine"
	"github.com/marketfold/prediction-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// recorder collects broadcast payloads for assertions.
type recorder struct {
	mu      sync.Mutex
	updates []model.MarketUpdate
}

func (r *recorder) PublishUpdate(u model.MarketUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) all() []model.MarketUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.MarketUpdate(nil), r.updates...)
}

func newMarket(t *testing.T, r *engine.Registry, outcomes []string, b float64) *model.Market {
	t.Helper()
	m, err := r.CreateMarket("Will it rain tomorrow?", "Resolved against station data.", outcomes, d(b))
	if err != nil {
		t.Fatalf("create market: %v", err)
	}
	return m
}

func newUser(t *testing.T, r *engine.Registry, name string) *model.User {
	t.Helper()
	u, err := r.RegisterUser(name)
	if err != nil {
		t.Fatalf("register user: %v", err)
	}
	return u
}

// --- Market creation ---

func TestCreateMarket_SeedsUniformState(t *testing.T) {
	r := engine.NewRegistry()
	m := newMarket(t, r, []string{"A", "B"}, 100)

	if m.ID == 0 {
		t.Error("expected non-zero market id")
	}
	for i, q := range m.Quantities {
		if !q.IsZero() {
			t.Errorf("quantities[%d] should be zero, got %s", i, q)
		}
	}
	for i, p := range m.Prices {
		if !p.Equal(d(0.5)) {
			t.Errorf("prices[%d] should be 0.5, got %s", i, p)
		}
	}
	if len(m.PriceHistory) != 1 {
		t.Fatalf("expected one seeded price-history entry, got %d", len(m.PriceHistory))
	}
	if !m.PriceHistory[0].Prices[0].Equal(d(0.5)) {
		t.Errorf("seeded history should hold uniform prices, got %s", m.PriceHistory[0].Prices[0])
	}
}

func TestCreateMarket_Invalid(t *testing.T) {
	r := engine.NewRegistry()

	tests := []struct {
		name        string
		title, desc string
		outcomes    []string
		b           float64
	}{
		{"one outcome", "t", "d", []string{"A"}, 100},
		{"no outcomes", "t", "d", nil, 100},
		{"zero b", "t", "d", []string{"A", "B"}, 0},
		{"negative b", "t", "d", []string{"A", "B"}, -5},
		{"empty title", "", "d", []string{"A", "B"}, 100},
		{"empty description", "t", "", []string{"A", "B"}, 100},
		{"blank outcome label", "t", "d", []string{"A", " "}, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.CreateMarket(tt.title, tt.desc, tt.outcomes, d(tt.b))
			if !errors.Is(err, engine.ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

// --- User registration ---

func TestRegisterUser_NewUserStartsAt1000(t *testing.T) {
	r := engine.NewRegistry()
	u := newUser(t, r, "ada")
	if !u.Balance.Equal(d(1000)) {
		t.Errorf("expected starting balance 1000, got %s", u.Balance)
	}
	if len(u.BetIDs) != 0 {
		t.Errorf("expected empty bet list, got %d", len(u.BetIDs))
	}
}

func TestRegisterUser_IdempotentByName(t *testing.T) {
	r := engine.NewRegistry()
	m := newMarket(t, r, []string{"A", "B"}, 100)
	first := newUser(t, r, "ada")

	// Spend some balance, then re-register.
	if _, err := r.Trade(engine.TradeRequest{MarketID: m.ID, UserID: first.ID, OutcomeIndex: 0, Amount: d(10)}); err != nil {
		t.Fatalf("trade: %v", err)
	}

	second := newUser(t, r, "ada")
	if second.ID != first.ID {
		t.Errorf("expected same user id, got %d and %d", first.ID, second.ID)
	}
	if second.Balance.Equal(d(1000)) {
		t.Error("re-registration must not reset the balance")
	}
	if len(second.BetIDs) != 1 {
		t.Errorf("expected existing bet history, got %d bets", len(second.BetIDs))
	}
}

// --- Trade validation ---

func TestTrade_MarketNotFound(t *testing.T) {
	r := engine.NewRegistry()
	u := newUser(t, r, "ada")
	_, err := r.Trade(engine.TradeRequest{MarketID: 42, UserID: u.ID, OutcomeIndex: 99, Amount: d(0)})
	if !errors.Is(err, engine.ErrMarketNotFound) {
		t.Errorf("market existence must be checked first, got %v", err)
	}
}

func TestTrade_InvalidOutcomeBeforeZeroAmount(t *testing.T) {
	r := engine.NewRegistry()
	m := newMarket(t, r, []string{"A", "B"}, 100)
	u := newUser(t, r, "ada")

	_, err := r.Trade(engine.TradeRequest{MarketID: m.ID, UserID: u.ID, OutcomeIndex: 5, Amount: d(0)})
	if !errors.Is(err, engine.ErrInvalidOutcome) {
		t.Errorf("outcome range must be checked before amount, got %v", err)
	}

	_, err = r.Trade(engine.TradeRequest{MarketID: m.ID, UserID: u.ID, OutcomeIndex: -1, Amount: d(1)})
	if !errors.Is(err, engine.ErrInvalidOutcome) {
		t.Errorf("expected ErrInvalidOutcome for negative index, got %v", err)
	}
}

func TestTrade_ZeroAmount(t *testing.T) {
	r := engine.NewRegistry()
	m := newMarket(t, r, []string{"A", "B"}, 100)
	u := newUser(t, r, "ada")

	_, err := r.Trade(engine.TradeRequest{MarketID: m.ID, UserID: u.ID, OutcomeIndex: 0, Amount: d(0)})
	if !errors.Is(err, engine.ErrZeroAmount) {
		t.Errorf("expected ErrZeroAmount, got %v", err)
	}
}

func TestTrade_SellWithoutPosition(t *testing.T) {
	r := engine.NewRegistry()
	m := newMarket(t, r, []string{"A", "B"}, 100)
	u := newUser(t, r, "ada")

	_, err := r.Trade(engine.TradeRequest{MarketID: m.ID, UserID: u.ID, OutcomeIndex: 1, Amount: d(-5)})
	if !errors.Is(err, engine.ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares, got %v", err)
	}
	if !strings.Contains(err.Error(), "0") {
		t.Errorf("error should report the current position, got %q", err)
	}

	// Rejection must leave no trace.
	after, _ := r.Market(m.ID)
	if !after.Quantities[1].IsZero() {
		t.Errorf("quantities mutated on rejection: %s", after.Quantities[1])
	}
	if len(after.PriceHistory) != 1 {
		t.Errorf("price history mutated on rejection: %d entries", len(after.PriceHistory))
	}
	user, _ := r.User(u.ID)
	if !user.Balance.Equal(d(1000)) {
		t.Errorf("balance mutated on rejection: %s", user.Balance)
	}
}

func TestTrade_BuyExceedingBalance(t *testing.T) {
	r := engine.NewRegistry()
	m := newMarket(t, r, []string{"A", "B"}, 100)
	u := newUser(t, r, "ada")

	_, err := r.Trade(engine.TradeRequest{MarketID: m.ID, UserID: u.ID, OutcomeIndex: 0, Amount: d(2000)})
	if !errors.Is(err, engine.ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance fast-path rejection, got %v", err)
	}

	after, _ := r.Market(m.ID)
	if !after.Quantities[0].IsZero() {
		t.Errorf("quantities mutated on rejection: %s", after.Quantities[0])
	}
}

// --- Commit semantics ---

func TestTrade_BuyCommitsAllState(t *testing.T) {
	rec := &recorder{}
	r := engine.NewRegistry(rec)
	m := newMarket(t, r, []string{"A", "B"}, 100)
	u := newUser(t, r, "ada")

	res, err := r.Trade(engine.TradeRequest{MarketID: m.ID, UserID: u.ID, OutcomeIndex: 0, Amount: d(10)})
	if err != nil {
		t.Fatalf("trade: %v", err)
	}

	// cost = 100*ln(e^0.1+1) - 100*ln(2) ≈ 5.12494
	if res.Cost.Sub(d(5.12494124)).Abs().GreaterThan(d(0.0001)) {
		t.Errorf("expected cost ≈ 5.12494, got %s", res.Cost)
	}
	if !res.NewBalance.Equal(d(1000).Sub(res.Cost)) {
		t.Errorf("balance should be 1000 - cost, got %s", res.NewBalance)
	}
	if res.Prices[0].Sub(d(0.52497919)).Abs().GreaterThan(d(0.00001)) {
		t.Errorf("expected new price ≈ 0.52498, got %s", res.Prices[0])
	}

	market, _ := r.Market(m.ID)
	if !market.Quantities[0].Equal(d(10)) || !market.Quantities[1].IsZero() {
		t.Errorf("expected quantities [10 0], got %v", market.Quantities)
	}
	if len(market.PriceHistory) != 2 {
		t.Errorf("expected seeded entry plus one commit, got %d", len(market.PriceHistory))
	}
	if len(market.BetIDs) != 1 || market.BetIDs[0] != res.Bet.ID {
		t.Errorf("market ledger should reference the committed bet, got %v", market.BetIDs)
	}

	user, _ := r.User(u.ID)
	if len(user.BetIDs) != 1 || user.BetIDs[0] != res.Bet.ID {
		t.Errorf("user ledger should reference the committed bet, got %v", user.BetIDs)
	}
	if res.Bet.OutcomeName != "A" || res.Bet.Username != "ada" {
		t.Errorf("bet should carry denormalized labels, got %+v", res.Bet)
	}

	updates := rec.all()
	if len(updates) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(updates))
	}
	if updates[0].TotalBets != 1 || updates[0].NewBet.ID != res.Bet.ID {
		t.Errorf("broadcast payload mismatch: %+v", updates[0])
	}
}

func TestTrade_BuyThenSellBackRestoresBalance(t *testing.T) {
	r := engine.NewRegistry()
	m := newMarket(t, r, []string{"A", "B"}, 100)
	u := newUser(t, r, "ada")

	buy, err := r.Trade(engine.TradeRequest{MarketID: m.ID, UserID: u.ID, OutcomeIndex: 0, Amount: d(10)})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	sell, err := r.Trade(engine.TradeRequest{MarketID: m.ID, UserID: u.ID, OutcomeIndex: 0, Amount: d(-10)})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}

	if sell.Cost.GreaterThanOrEqual(decimal.Zero) {
		t.Errorf("sell cost should be negative (credit), got %s", sell.Cost)
	}
	if buy.Cost.Add(sell.Cost).Abs().GreaterThan(d(0.0000001)) {
		t.Errorf("buy+sell should net to zero: %s", buy.Cost.Add(sell.Cost))
	}
	if sell.NewBalance.Sub(d(1000)).Abs().GreaterThan(d(0.0000001)) {
		t.Errorf("balance should return to 1000, got %s", sell.NewBalance)
	}

	pos, err := r.Position(u.ID, m.ID, 0)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if !pos.IsZero() {
		t.Errorf("position should be flat after selling back, got %s", pos)
	}
}

func TestTrade_PartialSellKeepsPositionNonNegative(t *testing.T) {
	r := engine.NewRegistry()
	m := newMarket(t, r, []string{"A", "B"}, 100)
	u := newUser(t, r, "ada")

	r.Trade(engine.TradeRequest{MarketID: m.ID, UserID: u.ID, OutcomeIndex: 0, Amount: d(10)})
	if _, err := r.Trade(engine.TradeRequest{MarketID: m.ID, UserID: u.ID, OutcomeIndex: 0, Amount: d(-4)}); err != nil {
		t.Fatalf("partial sell: %v", err)
	}

	// Selling more than the remaining 6 must be rejected.
	_, err := r.Trade(engine.TradeRequest{MarketID: m.ID, UserID: u.ID, OutcomeIndex: 0, Amount: d(-7)})
	if !errors.Is(err, engine.ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares, got %v", err)
	}
	if !strings.Contains(err.Error(), "6") {
		t.Errorf("error should report the remaining position, got %q", err)
	}

	pos, _ := r.Position(u.ID, m.ID, 0)
	if !pos.Equal(d(6)) {
		t.Errorf("expected position 6, got %s", pos)
	}
}

// --- Price history bound ---

func TestTrade_PriceHistoryFIFOEviction(t *testing.T) {
	r := engine.NewRegistry()
	m := newMarket(t, r, []string{"A", "B"}, 1000)
	u := newUser(t, r, "ada")

	// Seed entry + 99 commits = 100 entries, exactly at the bound.
	for i := 0; i < 99; i++ {
		amount := d(1)
		if i%2 == 1 {
			amount = d(-1) // alternate to keep balance and position roughly flat
		}
		if _, err := r.Trade(engine.TradeRequest{MarketID: m.ID, UserID: u.ID, OutcomeIndex: 0, Amount: amount}); err != nil {
			t.Fatalf("trade %d: %v", i, err)
		}
	}

	before, _ := r.Market(m.ID)
	if len(before.PriceHistory) != 100 {
		t.Fatalf("expected history at bound 100, got %d", len(before.PriceHistory))
	}
	secondOldest := before.PriceHistory[1]

	if _, err := r.Trade(engine.TradeRequest{MarketID: m.ID, UserID: u.ID, OutcomeIndex: 1, Amount: d(1)}); err != nil {
		t.Fatalf("overflow trade: %v", err)
	}

	after, _ := r.Market(m.ID)
	if len(after.PriceHistory) != 100 {
		t.Errorf("history should stay at 100, got %d", len(after.PriceHistory))
	}
	if !after.PriceHistory[0].Timestamp.Equal(secondOldest.Timestamp) {
		t.Error("oldest entry after eviction should be the previous second-oldest (FIFO)")
	}
}

// --- Quantities/ledger invariant under concurrency ---

func TestTrade_ConcurrentTradesKeepLedgerConsistent(t *testing.T) {
	r := engine.NewRegistry()
	m1 := newMarket(t, r, []string{"A", "B"}, 5000)
	m2 := newMarket(t, r, []string{"X", "Y", "Z"}, 5000)

	const traders = 8
	const tradesEach = 25

	var wg sync.WaitGroup
	for i := 0; i < traders; i++ {
		u := newUser(t, r, "trader"+string(rune('a'+i)))
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			for j := 0; j < tradesEach; j++ {
				r.Trade(engine.TradeRequest{MarketID: m1.ID, UserID: userID, OutcomeIndex: j % 2, Amount: d(1)})
				r.Trade(engine.TradeRequest{MarketID: m2.ID, UserID: userID, OutcomeIndex: j % 3, Amount: d(1)})
			}
		}(u.ID)
	}
	wg.Wait()

	for _, id := range []int64{m1.ID, m2.ID} {
		market, err := r.Market(id)
		if err != nil {
			t.Fatalf("market %d: %v", id, err)
		}
		bets, err := r.MarketBets(id)
		if err != nil {
			t.Fatalf("bets %d: %v", id, err)
		}

		sums := make([]decimal.Decimal, len(market.Outcomes))
		for i := range sums {
			sums[i] = decimal.Zero
		}
		for _, b := range bets {
			sums[b.OutcomeIndex] = sums[b.OutcomeIndex].Add(b.Amount)
		}
		for i := range sums {
			if !sums[i].Equal(market.Quantities[i]) {
				t.Errorf("market %d: quantities[%d]=%s but ledger sums to %s",
					id, i, market.Quantities[i], sums[i])
			}
		}
	}
}

// --- Valuation queries ---

func TestUnrealizedValue_MatchesSellProceeds(t *testing.T) {
	r := engine.NewRegistry()
	m := newMarket(t, r, []string{"A", "B"}, 100)
	u := newUser(t, r, "ada")

	buy, err := r.Trade(engine.TradeRequest{MarketID: m.ID, UserID: u.ID, OutcomeIndex: 0, Amount: d(10)})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}

	value, err := r.UnrealizedValue(u.ID, m.ID, 0)
	if err != nil {
		t.Fatalf("unrealized value: %v", err)
	}
	// With no intervening trades, selling the whole position recovers
	// exactly what was paid.
	if value.Sub(buy.Cost).Abs().GreaterThan(d(0.0000001)) {
		t.Errorf("unrealized value %s should equal cost paid %s", value, buy.Cost)
	}

	// Someone else buys the same outcome; the position appreciates.
	other := newUser(t, r, "grace")
	if _, err := r.Trade(engine.TradeRequest{MarketID: m.ID, UserID: other.ID, OutcomeIndex: 0, Amount: d(20)}); err != nil {
		t.Fatalf("other buy: %v", err)
	}
	appreciated, _ := r.UnrealizedValue(u.ID, m.ID, 0)
	if appreciated.LessThanOrEqual(value) {
		t.Errorf("value should rise after same-side buying: %s -> %s", value, appreciated)
	}
}

func TestPortfolio_AggregatesPositions(t *testing.T) {
	r := engine.NewRegistry()
	m1 := newMarket(t, r, []string{"A", "B"}, 100)
	m2 := newMarket(t, r, []string{"X", "Y", "Z"}, 100)
	u := newUser(t, r, "ada")

	r.Trade(engine.TradeRequest{MarketID: m1.ID, UserID: u.ID, OutcomeIndex: 0, Amount: d(10)})
	r.Trade(engine.TradeRequest{MarketID: m1.ID, UserID: u.ID, OutcomeIndex: 0, Amount: d(5)})
	r.Trade(engine.TradeRequest{MarketID: m2.ID, UserID: u.ID, OutcomeIndex: 2, Amount: d(8)})

	p, err := r.Portfolio(u.ID)
	if err != nil {
		t.Fatalf("portfolio: %v", err)
	}
	if len(p.Positions) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(p.Positions))
	}
	first := p.Positions[0]
	if first.MarketID != m1.ID || !first.Shares.Equal(d(15)) {
		t.Errorf("expected 15 shares in market %d, got %+v", m1.ID, first)
	}
	if first.UnrealizedPnL.Abs().GreaterThan(d(0.0000001)) {
		t.Errorf("sole trader's P&L should be zero before others trade, got %s", first.UnrealizedPnL)
	}
	if p.Positions[1].OutcomeName != "Z" {
		t.Errorf("expected position in Z, got %q", p.Positions[1].OutcomeName)
	}
}

func TestPortfolio_UnknownUser(t *testing.T) {
	r := engine.NewRegistry()
	if _, err := r.Portfolio(404); !errors.Is(err, engine.ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}
