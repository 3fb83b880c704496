package exchange

import "errors"

// Sentinel errors for the operation surface. Callers classify failures with
// errors.Is; wrapped messages carry the specifics.
var (
	// Validation failures. Rejected before any state change.
	ErrUnsupportedPair = errors.New("unsupported trading pair")
	ErrInvalidPrice    = errors.New("price must be positive")
	ErrInvalidQuantity = errors.New("quantity must be positive")

	// Admin capability failures. No state change.
	ErrUnauthorized = errors.New("unauthorized")

	// Settlement-time failures. The whole submission rolls back.
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientAllowance = errors.New("insufficient allowance")

	// The submission would exceed the per-call match budget. Nothing is
	// committed; the caller resubmits with a smaller order or higher cap.
	ErrResourceExhausted = errors.New("match budget exhausted")

	// Lifecycle violations, e.g. canceling an already-terminal order.
	ErrInvalidTransition = errors.New("invalid order status transition")

	ErrOrderNotFound = errors.New("order not found")
)
