package models

import (
	"fmt"
	"time"
)

// DefaultPurchaseLimit caps the units of one product a single user may hold.
const DefaultPurchaseLimit = 10

// EntryStatus represents the lifecycle state of a cart entry
type EntryStatus string

const (
	EntryActive  EntryStatus = "active"
	EntryExpired EntryStatus = "expired"
)

// CartEntry is a user's reservation of one product. There is at most one
// entry per (UserID, ProductID).
type CartEntry struct {
	UserID            int64     `json:"user_id" db:"user_id"`
	ProductID         int64     `json:"product_id" db:"product_id"`
	QuantityRequested int       `json:"quantity_requested" db:"quantity_requested"`
	QuantityReserved  int       `json:"quantity_reserved" db:"quantity_reserved"`
	PurchaseLimit     int       `json:"purchase_limit" db:"purchase_limit"`
	Expired           bool      `json:"expired" db:"expired"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	LastTouchedAt     time.Time `json:"last_touched_at" db:"last_touched_at"`
}

// EntryKey identifies a cart entry.
type EntryKey struct {
	UserID    int64
	ProductID int64
}

// NewCartEntry creates an active entry holding quantity units.
func NewCartEntry(userID, productID int64, quantity, purchaseLimit int, now time.Time) *CartEntry {
	if purchaseLimit <= 0 {
		purchaseLimit = DefaultPurchaseLimit
	}
	return &CartEntry{
		UserID:            userID,
		ProductID:         productID,
		QuantityRequested: quantity,
		QuantityReserved:  quantity,
		PurchaseLimit:     purchaseLimit,
		CreatedAt:         now,
		LastTouchedAt:     now,
	}
}

func (e *CartEntry) Key() EntryKey {
	return EntryKey{UserID: e.UserID, ProductID: e.ProductID}
}

func (e *CartEntry) Status() EntryStatus {
	if e.Expired {
		return EntryExpired
	}
	return EntryActive
}

// IsActive reports whether the entry counts toward the product's held stock.
func (e *CartEntry) IsActive() bool {
	return !e.Expired
}

// Held returns the units this entry holds back from other shoppers.
func (e *CartEntry) Held() int {
	if e.Expired {
		return 0
	}
	return e.QuantityReserved
}

// IsStale reports whether the entry has been inactive for longer than threshold.
func (e *CartEntry) IsStale(now time.Time, threshold time.Duration) bool {
	return e.IsActive() && now.Sub(e.LastTouchedAt) > threshold
}

// Touch moves LastTouchedAt forward. It never moves it backwards.
func (e *CartEntry) Touch(now time.Time) {
	if now.After(e.LastTouchedAt) {
		e.LastTouchedAt = now
	}
}

// SetQuantity sets requested and reserved units together.
func (e *CartEntry) SetQuantity(quantity int) {
	e.QuantityRequested = quantity
	e.QuantityReserved = quantity
}

// Expire marks the entry expired and drops its hold.
func (e *CartEntry) Expire() {
	e.Expired = true
	e.QuantityReserved = 0
}

// Clone returns a copy that can be mutated independently.
func (e *CartEntry) Clone() *CartEntry {
	c := *e
	return &c
}

// Validate checks the quantity invariants of the entry
func (e *CartEntry) Validate() error {
	if e.UserID <= 0 || e.ProductID <= 0 {
		return fmt.Errorf("%w: user and product ids must be positive", ErrInvalidInput)
	}
	if e.PurchaseLimit <= 0 {
		return fmt.Errorf("%w: purchase limit must be positive", ErrInvalidInput)
	}
	if e.QuantityReserved < 0 || e.QuantityReserved > e.QuantityRequested {
		return fmt.Errorf("%w: reserved %d must be between 0 and requested %d",
			ErrInvalidQuantity, e.QuantityReserved, e.QuantityRequested)
	}
	if e.QuantityRequested > e.PurchaseLimit {
		return &LimitError{ProductID: e.ProductID, Quantity: e.QuantityRequested, Limit: e.PurchaseLimit}
	}
	if e.IsActive() && e.QuantityRequested < 1 {
		return fmt.Errorf("%w: active entry must request at least one unit", ErrInvalidQuantity)
	}
	return nil
}

// ValidateQuantity rejects non-positive quantities supplied by callers.
func ValidateQuantity(quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: quantity must be greater than 0, got %d", ErrInvalidQuantity, quantity)
	}
	return nil
}
