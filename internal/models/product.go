package models

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Product is the catalog row that owns the authoritative physical stock.
type Product struct {
	ID              int64           `json:"id" db:"id"`
	Name            string          `json:"name" db:"name"`
	Price           decimal.Decimal `json:"price" db:"price"`
	QuantityInStock int             `json:"quantity_in_stock" db:"quantity_in_stock"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// StockLevel is the visible stock of a product: physical units minus active holds.
type StockLevel struct {
	ProductID int64 `json:"product_id"`
	Total     int   `json:"stock_total"`
	Held      int   `json:"stock_held"`
	Available int   `json:"stock_available"`
}

// NewStockLevel computes availability, never reporting a negative figure.
func NewStockLevel(productID int64, total, held int) StockLevel {
	available := total - held
	if available < 0 {
		available = 0
	}
	return StockLevel{ProductID: productID, Total: total, Held: held, Available: available}
}

// ProductCreateRequest represents a request to add a product to the catalog
type ProductCreateRequest struct {
	Name            string          `json:"name"`
	Price           decimal.Decimal `json:"price"`
	QuantityInStock int             `json:"quantity_in_stock"`
}

// Validate validates product creation data
func (req *ProductCreateRequest) Validate() error {
	if strings.TrimSpace(req.Name) == "" {
		return errors.New("product name is required")
	}
	if len(req.Name) > 255 {
		return errors.New("product name must be less than 255 characters")
	}
	if req.Price.IsNegative() {
		return errors.New("product price cannot be negative")
	}
	if req.QuantityInStock < 0 {
		return errors.New("stock quantity cannot be negative")
	}
	return nil
}
