package models

import (
	"errors"
	"fmt"
)

// Common errors used throughout the application
var (
	ErrProductNotFound      = errors.New("product not found")
	ErrCartEntryNotFound    = errors.New("cart entry not found")
	ErrInsufficientStock    = errors.New("insufficient stock")
	ErrQuantityExceedsLimit = errors.New("quantity exceeds purchase limit")
	ErrInvalidQuantity      = errors.New("invalid quantity")
	ErrConcurrencyConflict  = errors.New("concurrency conflict")
	ErrEmptyCart            = errors.New("cart is empty")
	ErrSweepInProgress      = errors.New("sweep already in progress")
	ErrInvalidInput         = errors.New("invalid input")
)

// Rejection reasons returned to callers.
const (
	ReasonNoStock         = "no_stock"
	ReasonLimitExceeded   = "limit_exceeded"
	ReasonNotFound        = "not_found"
	ReasonInvalidQuantity = "invalid_quantity"
	ReasonTransient       = "transient_retry"
	ReasonInternal        = "internal"
)

// StockError reports how much stock was requested against how much was sellable.
type StockError struct {
	ProductID int64
	Requested int
	Available int
}

func (e *StockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d (requested: %d, available: %d)",
		e.ProductID, e.Requested, e.Available)
}

func (e *StockError) Unwrap() error { return ErrInsufficientStock }

// LimitError reports a quantity that would exceed the per-product purchase limit.
type LimitError struct {
	ProductID int64
	Quantity  int
	Limit     int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("quantity %d for product %d exceeds purchase limit %d",
		e.Quantity, e.ProductID, e.Limit)
}

func (e *LimitError) Unwrap() error { return ErrQuantityExceedsLimit }

// RejectionReason maps an error to the structured reason shown to users.
func RejectionReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientStock):
		return ReasonNoStock
	case errors.Is(err, ErrQuantityExceedsLimit):
		return ReasonLimitExceeded
	case errors.Is(err, ErrProductNotFound), errors.Is(err, ErrCartEntryNotFound), errors.Is(err, ErrEmptyCart):
		return ReasonNotFound
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidInput):
		return ReasonInvalidQuantity
	case errors.Is(err, ErrConcurrencyConflict), errors.Is(err, ErrSweepInProgress):
		return ReasonTransient
	default:
		return ReasonInternal
	}
}
