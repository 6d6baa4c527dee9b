package models

import (
	"fmt"
	"time"
)

// Notification event names.
const (
	EventStockUpdated = "stock-updated"
	EventCartUpdated  = "cart-updated"
)

// CartAction describes what happened to a cart entry
type CartAction string

const (
	CartAdded      CartAction = "added"
	CartUpdated    CartAction = "updated"
	CartRemoved    CartAction = "removed"
	CartCleared    CartAction = "cleared"
	CartExpired    CartAction = "expired"
	CartAdjusted   CartAction = "adjusted"
	CartCheckedOut CartAction = "checked_out"
)

// ProductChannel names the notification channel of a product.
func ProductChannel(productID int64) string {
	return fmt.Sprintf("product-%d", productID)
}

// StockChangedEvent is published after every successful ledger adjustment.
type StockChangedEvent struct {
	ProductID   int64     `json:"product_id"`
	NewQuantity int       `json:"stock_total"`
	Delta       int       `json:"delta"`
	Held        int       `json:"stock_held"`
	Available   int       `json:"stock_available"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// CartChangedEvent is published after a cart entry changes.
type CartChangedEvent struct {
	ProductID int64      `json:"product_id"`
	UserID    int64      `json:"user_id"`
	Action    CartAction `json:"action"`
	Quantity  int        `json:"cart_quantity"`
	Timestamp time.Time  `json:"timestamp"`
}
