package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DetailLine is one finalized checkout line handed to the order service.
type DetailLine struct {
	ProductID   int64            `json:"product_id"`
	ProductName string           `json:"product_name"`
	Quantity    int              `json:"quantity"`
	UnitPrice   decimal.Decimal  `json:"unit_price"`
	Subtotal    decimal.Decimal  `json:"subtotal"`
	Shipping    *decimal.Decimal `json:"shipping,omitempty"` // nil until resolved
	Total       decimal.Decimal  `json:"total"`
}

// NewDetailLine prices quantity units of a product. Shipping is left unset.
func NewDetailLine(product *Product, quantity int) DetailLine {
	subtotal := product.Price.Mul(decimal.NewFromInt(int64(quantity)))
	return DetailLine{
		ProductID:   product.ID,
		ProductName: product.Name,
		Quantity:    quantity,
		UnitPrice:   product.Price,
		Subtotal:    subtotal,
		Total:       subtotal,
	}
}

// ResolveShipping applies lookup when no explicit shipping charge is set and
// recomputes the line total.
func (l *DetailLine) ResolveShipping(lookup func() decimal.Decimal) {
	if l.Shipping == nil {
		rate := lookup()
		l.Shipping = &rate
	}
	l.Total = l.Subtotal.Add(*l.Shipping)
}

// CheckoutRequest represents a request to turn a user's cart into an order
type CheckoutRequest struct {
	UserID  int64  `json:"user_id"`
	Country string `json:"country"`
}

// PlacedOrder is what the order service returns for committed detail lines.
type PlacedOrder struct {
	OrderID   string          `json:"order_id"`
	UserID    int64           `json:"user_id"`
	Lines     []DetailLine    `json:"lines"`
	Total     decimal.Decimal `json:"total"`
	CreatedAt time.Time       `json:"created_at"`
}

// LinesTotal sums the totals of lines.
func LinesTotal(lines []DetailLine) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Total)
	}
	return total
}
