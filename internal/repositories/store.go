package repositories

import (
	"context"
	"time"

	"stock-reservation-service/internal/models"
)

// Store is the persistence boundary for products and cart reservations.
// Reads outside a transaction see committed state only.
type Store interface {
	// WithTx runs fn in one transaction. Any error returned by fn rolls back
	// every write made through tx.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetProduct(ctx context.Context, id int64) (*models.Product, error)
	CreateProduct(ctx context.Context, req *models.ProductCreateRequest) (*models.Product, error)
	ListProducts(ctx context.Context) ([]*models.Product, error)
	// SaveProduct is the catalog write path. It waits for the product lock
	// like any other writer but does not touch reservations.
	SaveProduct(ctx context.Context, product *models.Product) error

	ListEntriesByUser(ctx context.Context, userID int64) ([]*models.CartEntry, error)
	// ListStaleEntries returns active entries last touched before cutoff,
	// oldest first.
	ListStaleEntries(ctx context.Context, cutoff time.Time) ([]*models.CartEntry, error)

	Close() error
}

// Tx is a unit of work. Entry writes require the owning product to be locked
// first with LockProduct, unless the product no longer exists.
type Tx interface {
	// LockProduct takes the exclusive per-product lock and returns the row.
	// It fails with models.ErrConcurrencyConflict when the lock cannot be
	// acquired in time.
	LockProduct(ctx context.Context, id int64) (*models.Product, error)
	GetProduct(ctx context.Context, id int64) (*models.Product, error)
	SaveProduct(ctx context.Context, product *models.Product) error

	GetEntry(ctx context.Context, userID, productID int64) (*models.CartEntry, error)
	ListEntriesByUser(ctx context.Context, userID int64) ([]*models.CartEntry, error)
	// HeldTotal sums QuantityReserved over active entries of a product,
	// skipping entries of excludeUserID. Pass 0 to include every user.
	HeldTotal(ctx context.Context, productID, excludeUserID int64) (int, error)
	UpsertEntry(ctx context.Context, entry *models.CartEntry) error
	DeleteEntry(ctx context.Context, userID, productID int64) error
}
