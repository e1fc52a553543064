// Package engine holds the in-memory market registry and the trade
// executor: market/user creation and lookup, the validate-then-commit
// pipeline for a single trade, and position/valuation queries.
//
// Concurrency contract: each market's validate/commit pipeline is
// serialized by a per-market mutex, so at most one commit is in flight per
// market at any instant while trades against different markets proceed in
// parallel. User balances carry their own mutex so a user's trades on
// different markets stay consistent. Lock order is always market → user →
// arena; no lock is held while acquiring one earlier in that order.
package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketfold/prediction-engine/internal/lmsr"
	"github.com/marketfold/prediction-engine/internal/model"
)

// Broadcaster receives the update payload for every committed trade.
// Implementations must not block: PublishUpdate is called inside the
// market's commit critical section so that per-market delivery order
// matches commit order.
type Broadcaster interface {
	PublishUpdate(update model.MarketUpdate)
}

// marketEntry pairs a market's state with the mutex serializing its
// validate/commit pipeline and its (immutable-parameter) market maker.
type marketEntry struct {
	mu     sync.Mutex
	market *model.Market
	maker  *lmsr.MarketMaker
}

// userEntry pairs a user's ledger with the mutex guarding balance and
// bet-list updates.
type userEntry struct {
	mu   sync.Mutex
	user *model.User
}

// betArena is the single owner of all canonical Bet records. Records are
// immutable once allocated; markets and users reference them by ID.
type betArena struct {
	mu     sync.RWMutex
	bets   map[int64]*model.Bet
	nextID int64
}

func newBetArena() *betArena {
	return &betArena{bets: make(map[int64]*model.Bet), nextID: 1}
}

// alloc assigns the next monotonic bet ID and stores the record.
func (a *betArena) alloc(b model.Bet) model.Bet {
	a.mu.Lock()
	defer a.mu.Unlock()
	b.ID = a.nextID
	a.nextID++
	stored := b
	a.bets[b.ID] = &stored
	return b
}

// get returns the immutable record for id, or nil if unknown.
func (a *betArena) get(id int64) *model.Bet {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.bets[id]
}

// Registry owns all market and user state. It is an explicit object passed
// by reference into every component that needs it; there is no package-level
// singleton.
type Registry struct {
	mu           sync.RWMutex
	markets      map[int64]*marketEntry
	users        map[int64]*userEntry
	usersByName  map[string]int64
	nextMarketID int64
	nextUserID   int64

	arena        *betArena
	broadcasters []Broadcaster
}

// NewRegistry creates an empty registry. Broadcasters receive the update
// payload of every committed trade, in per-market commit order; pass none
// if fan-out is not needed.
func NewRegistry(broadcasters ...Broadcaster) *Registry {
	return &Registry{
		markets:      make(map[int64]*marketEntry),
		users:        make(map[int64]*userEntry),
		usersByName:  make(map[string]int64),
		nextMarketID: 1,
		nextUserID:   1,
		arena:        newBetArena(),
		broadcasters: broadcasters,
	}
}

// CreateMarket allocates a new market with all-zero quantities and a single
// seeded price-history entry at uniform prices.
func (r *Registry) CreateMarket(title, description string, outcomes []string, b decimal.Decimal) (*model.Market, error) {
	if strings.TrimSpace(title) == "" || strings.TrimSpace(description) == "" {
		return nil, fmt.Errorf("%w: title and description are required", ErrInvalidInput)
	}
	if len(outcomes) < 2 {
		return nil, fmt.Errorf("%w: at least two outcomes required, got %d", ErrInvalidInput, len(outcomes))
	}
	for _, o := range outcomes {
		if strings.TrimSpace(o) == "" {
			return nil, fmt.Errorf("%w: outcome labels must be non-empty", ErrInvalidInput)
		}
	}
	maker, err := lmsr.NewMarketMaker(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}

	n := len(outcomes)
	quantities := make([]decimal.Decimal, n)
	for i := range quantities {
		quantities[i] = decimal.Zero
	}
	prices := lmsr.Uniform(n)
	now := time.Now().UTC()

	market := &model.Market{
		Title:       title,
		Description: description,
		Outcomes:    append([]string(nil), outcomes...),
		B:           b,
		Quantities:  quantities,
		Prices:      prices,
		PriceHistory: []model.PricePoint{{
			Timestamp: now,
			Prices:    append([]decimal.Decimal(nil), prices...),
		}},
		CreatedAt: now,
	}

	r.mu.Lock()
	market.ID = r.nextMarketID
	r.nextMarketID++
	r.markets[market.ID] = &marketEntry{market: market, maker: maker}
	r.mu.Unlock()

	return snapshotMarket(market), nil
}

// RegisterUser returns the existing user for username, or creates a new one
// with the starting balance. Registration is idempotent by name.
func (r *Registry) RegisterUser(username string) (*model.User, error) {
	if strings.TrimSpace(username) == "" {
		return nil, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}

	r.mu.Lock()
	if id, ok := r.usersByName[username]; ok {
		ue := r.users[id]
		r.mu.Unlock()
		ue.mu.Lock()
		defer ue.mu.Unlock()
		return snapshotUser(ue.user), nil
	}

	user := &model.User{
		ID:       r.nextUserID,
		Username: username,
		Balance:  model.StartingBalance,
	}
	r.nextUserID++
	r.users[user.ID] = &userEntry{user: user}
	r.usersByName[username] = user.ID
	r.mu.Unlock()

	return snapshotUser(user), nil
}

// Market returns a snapshot of the market with the given ID.
func (r *Registry) Market(id int64) (*model.Market, error) {
	me := r.marketEntry(id)
	if me == nil {
		return nil, fmt.Errorf("%w: id %d", ErrMarketNotFound, id)
	}
	me.mu.Lock()
	defer me.mu.Unlock()
	return snapshotMarket(me.market), nil
}

// ListMarkets returns snapshots of all markets, ordered by ID.
func (r *Registry) ListMarkets() []model.Market {
	r.mu.RLock()
	entries := make([]*marketEntry, 0, len(r.markets))
	for _, me := range r.markets {
		entries = append(entries, me)
	}
	r.mu.RUnlock()

	markets := make([]model.Market, 0, len(entries))
	for _, me := range entries {
		me.mu.Lock()
		markets = append(markets, *snapshotMarket(me.market))
		me.mu.Unlock()
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].ID < markets[j].ID })
	return markets
}

// User returns a snapshot of the user with the given ID.
func (r *Registry) User(id int64) (*model.User, error) {
	ue := r.userEntry(id)
	if ue == nil {
		return nil, fmt.Errorf("%w: id %d", ErrUserNotFound, id)
	}
	ue.mu.Lock()
	defer ue.mu.Unlock()
	return snapshotUser(ue.user), nil
}

// Bet returns the immutable bet record for id, or nil if unknown.
func (r *Registry) Bet(id int64) *model.Bet {
	return r.arena.get(id)
}

// MarketBets returns the bets committed against a market, in commit order.
func (r *Registry) MarketBets(marketID int64) ([]model.Bet, error) {
	me := r.marketEntry(marketID)
	if me == nil {
		return nil, fmt.Errorf("%w: id %d", ErrMarketNotFound, marketID)
	}
	me.mu.Lock()
	ids := append([]int64(nil), me.market.BetIDs...)
	me.mu.Unlock()

	bets := make([]model.Bet, 0, len(ids))
	for _, id := range ids {
		if b := r.arena.get(id); b != nil {
			bets = append(bets, *b)
		}
	}
	return bets, nil
}

func (r *Registry) marketEntry(id int64) *marketEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.markets[id]
}

func (r *Registry) userEntry(id int64) *userEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.users[id]
}

// snapshotMarket deep-copies a market so callers can read it without holding
// the market lock. Caller must hold the market's mutex.
func snapshotMarket(m *model.Market) *model.Market {
	cp := *m
	cp.Outcomes = append([]string(nil), m.Outcomes...)
	cp.Quantities = append([]decimal.Decimal(nil), m.Quantities...)
	cp.Prices = append([]decimal.Decimal(nil), m.Prices...)
	cp.BetIDs = append([]int64(nil), m.BetIDs...)
	cp.PriceHistory = snapshotHistory(m.PriceHistory)
	return &cp
}

func snapshotHistory(history []model.PricePoint) []model.PricePoint {
	cp := make([]model.PricePoint, len(history))
	for i, p := range history {
		cp[i] = model.PricePoint{
			Timestamp: p.Timestamp,
			Prices:    append([]decimal.Decimal(nil), p.Prices...),
		}
	}
	return cp
}

// snapshotUser deep-copies a user. Caller must hold the user's mutex.
func snapshotUser(u *model.User) *model.User {
	cp := *u
	cp.BetIDs = append([]int64(nil), u.BetIDs...)
	return &cp
}
