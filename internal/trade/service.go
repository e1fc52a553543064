// Package trade provides the HTTP handlers for creating markets,
// registering users, executing trades, and querying positions/portfolios.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/marketfold/prediction-engine/internal/engine"
	"github.com/marketfold/prediction-engine/internal/metrics"
	"github.com/marketfold/prediction-engine/internal/model"
)

// Service handles market operations against one registry.
type Service struct {
	registry *engine.Registry
}

// NewService creates a new trade service.
func NewService(registry *engine.Registry) *Service {
	return &Service{registry: registry}
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for POST /api/v1/markets.
type CreateMarketRequest struct {
	Title              string          `json:"title"`
	Description        string          `json:"description"`
	Outcomes           []string        `json:"outcomes"`
	LiquidityParameter decimal.Decimal `json:"liquidity_parameter"`
}

// RegisterUserRequest is the JSON body for POST /api/v1/users.
type RegisterUserRequest struct {
	Username string `json:"username"`
}

// UserResponse is the user payload with bet records resolved from the arena.
type UserResponse struct {
	ID       int64           `json:"id"`
	Username string          `json:"username"`
	Balance  decimal.Decimal `json:"balance"`
	Bets     []model.Bet     `json:"bets"`
}

// TradeRequest is the JSON body for POST /api/v1/trade.
type TradeRequest struct {
	MarketID     int64           `json:"market_id"`
	UserID       int64           `json:"user_id"`
	OutcomeIndex int             `json:"outcome_index"`
	Amount       decimal.Decimal `json:"amount"` // signed: positive = buy, negative = sell
}

// --- HTTP Handlers ---

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	market, err := s.registry.CreateMarket(req.Title, req.Description, req.Outcomes, req.LiquidityParameter)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	metrics.ActiveMarkets.Inc()
	slog.Info("market created",
		"id", market.ID,
		"title", market.Title,
		"outcomes", len(market.Outcomes),
		"b", market.B.String(),
	)

	writeJSON(w, http.StatusCreated, map[string]int64{"id": market.ID})
}

// ListMarkets handles GET /api/v1/markets
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.ListMarkets())
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "marketID")
	if err != nil {
		writeError(w, "invalid market id", http.StatusBadRequest)
		return
	}

	market, err := s.registry.Market(id)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, market)
}

// GetMarketHistory handles GET /api/v1/markets/{marketID}/history
// Returns the market's bounded price history plus its bet ledger.
func (s *Service) GetMarketHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "marketID")
	if err != nil {
		writeError(w, "invalid market id", http.StatusBadRequest)
		return
	}

	market, err := s.registry.Market(id)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	bets, err := s.registry.MarketBets(id)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"market_id":     market.ID,
		"price_history": market.PriceHistory,
		"bets":          bets,
	})
}

// RegisterUser handles POST /api/v1/users
// Registration is idempotent by username: an existing user is returned
// unchanged, a new user starts at the default balance.
func (s *Service) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req RegisterUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	user, err := s.registry.RegisterUser(req.Username)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	slog.Info("user registered", "id", user.ID, "username", user.Username)
	writeJSON(w, http.StatusOK, s.userResponse(user))
}

// GetUser handles GET /api/v1/users/{userID}
func (s *Service) GetUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "userID")
	if err != nil {
		writeError(w, "invalid user id", http.StatusBadRequest)
		return
	}

	user, err := s.registry.User(id)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, s.userResponse(user))
}

// ExecuteTrade handles POST /api/v1/trade
// Validates and commits a single trade; rejections carry no side effects.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	start := time.Now()
	result, err := s.registry.Trade(engine.TradeRequest{
		MarketID:     req.MarketID,
		UserID:       req.UserID,
		OutcomeIndex: req.OutcomeIndex,
		Amount:       req.Amount,
	})
	if err != nil {
		metrics.TradeRejections.WithLabelValues(rejectionReason(err)).Inc()
		writeError(w, err.Error(), statusFor(err))
		return
	}

	side := "buy"
	if req.Amount.IsNegative() {
		side = "sell"
	}
	metrics.TradesTotal.WithLabelValues(side).Inc()
	metrics.TradeLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())

	slog.Info("trade committed",
		"bet_id", result.Bet.ID,
		"user", req.UserID,
		"market", req.MarketID,
		"outcome", result.Bet.OutcomeName,
		"amount", req.Amount.String(),
		"cost", result.Cost.String(),
		"balance", result.NewBalance.String(),
	)

	writeJSON(w, http.StatusOK, result)
}

// GetPortfolio handles GET /api/v1/portfolio/{userID}
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "userID")
	if err != nil {
		writeError(w, "invalid user id", http.StatusBadRequest)
		return
	}

	portfolio, err := s.registry.Portfolio(id)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, portfolio)
}

// --- Helpers ---

func (s *Service) userResponse(user *model.User) UserResponse {
	bets := make([]model.Bet, 0, len(user.BetIDs))
	for _, id := range user.BetIDs {
		if b := s.registry.Bet(id); b != nil {
			bets = append(bets, *b)
		}
	}
	return UserResponse{
		ID:       user.ID,
		Username: user.Username,
		Balance:  user.Balance,
		Bets:     bets,
	}
}

func pathID(r *http.Request, key string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, key), 10, 64)
}

// statusFor maps engine rejection kinds to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrMarketNotFound), errors.Is(err, engine.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidInput),
		errors.Is(err, engine.ErrInvalidOutcome),
		errors.Is(err, engine.ErrZeroAmount):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrInsufficientShares),
		errors.Is(err, engine.ErrInsufficientBalance),
		errors.Is(err, engine.ErrInsufficientBalanceForCost):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// rejectionReason is the metrics label for a rejected trade.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, engine.ErrMarketNotFound):
		return "market_not_found"
	case errors.Is(err, engine.ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, engine.ErrInvalidOutcome):
		return "invalid_outcome"
	case errors.Is(err, engine.ErrZeroAmount):
		return "zero_amount"
	case errors.Is(err, engine.ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, engine.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, engine.ErrInsufficientBalanceForCost):
		return "insufficient_balance_for_cost"
	default:
		return "other"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
