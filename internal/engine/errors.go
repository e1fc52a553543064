package engine

import "errors"

// Rejection kinds returned by the registry and trade executor. All are
// caller errors, returned synchronously and never retried; a rejected
// operation leaves no state mutated.
var (
	// ErrInvalidInput is returned by CreateMarket and RegisterUser when a
	// required field is missing, fewer than two outcomes are given, or the
	// liquidity parameter is not positive.
	ErrInvalidInput = errors.New("engine: invalid input")

	// ErrMarketNotFound is returned when no market exists for the given ID.
	ErrMarketNotFound = errors.New("engine: market not found")

	// ErrUserNotFound is returned when no user exists for the given ID.
	ErrUserNotFound = errors.New("engine: user not found")

	// ErrInvalidOutcome is returned when the outcome index is out of range
	// for the market's outcome list.
	ErrInvalidOutcome = errors.New("engine: invalid outcome index")

	// ErrZeroAmount is returned when a trade amount is zero.
	ErrZeroAmount = errors.New("engine: amount must be non-zero")

	// ErrInsufficientShares is returned when a sell exceeds the user's
	// current position in the outcome. The wrapped message carries the
	// current position.
	ErrInsufficientShares = errors.New("engine: insufficient shares")

	// ErrInsufficientBalance is returned when a buy's share count already
	// exceeds the user's balance (cheap pre-check before cost computation).
	ErrInsufficientBalance = errors.New("engine: insufficient balance")

	// ErrInsufficientBalanceForCost is returned when the computed LMSR cost
	// of a buy exceeds the user's balance.
	ErrInsufficientBalanceForCost = errors.New("engine: insufficient balance for trade cost")
)
