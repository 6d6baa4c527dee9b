package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"stock-reservation-service/internal/models"
)

// Postgres error codes that mean "try again".
const (
	pqLockNotAvailable     = "55P03"
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
)

// PostgresStore implements Store on top of database/sql and lib/pq. Product
// rows are locked with SELECT ... FOR UPDATE under a per-transaction
// lock_timeout.
type PostgresStore struct {
	db          *sql.DB
	lockTimeout time.Duration
}

// NewPostgresStore creates a new Postgres-backed store
func NewPostgresStore(db *sql.DB, lockTimeout time.Duration) *PostgresStore {
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	return &PostgresStore{db: db, lockTimeout: lockTimeout}
}

// mapError converts lock and serialization failures to ErrConcurrencyConflict.
func mapError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqLockNotAvailable, pqSerializationFailure, pqDeadlockDetected:
			return fmt.Errorf("%w: %s", models.ErrConcurrencyConflict, pqErr.Message)
		}
	}
	return err
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// SET does not accept bind parameters
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		return fmt.Errorf("failed to set lock timeout: %w", err)
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		return mapError(err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapError(err))
	}
	return nil
}

const productColumns = `id, name, price, quantity_in_stock, updated_at`

const entryColumns = `user_id, product_id, quantity_requested, quantity_reserved,
	purchase_limit, expired, created_at, last_touched_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner, id int64) (*models.Product, error) {
	p := &models.Product{}
	err := row.Scan(&p.ID, &p.Name, &p.Price, &p.QuantityInStock, &p.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: id %d", models.ErrProductNotFound, id)
		}
		return nil, fmt.Errorf("failed to get product: %w", mapError(err))
	}
	return p, nil
}

func scanEntry(row rowScanner) (*models.CartEntry, error) {
	e := &models.CartEntry{}
	err := row.Scan(
		&e.UserID,
		&e.ProductID,
		&e.QuantityRequested,
		&e.QuantityReserved,
		&e.PurchaseLimit,
		&e.Expired,
		&e.CreatedAt,
		&e.LastTouchedAt,
	)
	return e, err
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryEntries(ctx context.Context, q queryer, query string, args ...any) ([]*models.CartEntry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cart entries: %w", mapError(err))
	}
	defer rows.Close()

	var entries []*models.CartEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cart entry: %w", err)
		}
		entries = append(entries, e)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cart entries: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1`
	return scanProduct(s.db.QueryRowContext(ctx, query, id), id)
}

func (s *PostgresStore) CreateProduct(ctx context.Context, req *models.ProductCreateRequest) (*models.Product, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	query := `
		INSERT INTO products (name, price, quantity_in_stock, updated_at)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + productColumns

	p := &models.Product{}
	err := s.db.QueryRowContext(ctx, query, req.Name, req.Price, req.QuantityInStock, time.Now()).
		Scan(&p.ID, &p.Name, &p.Price, &p.QuantityInStock, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create product: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ListProducts(ctx context.Context) ([]*models.Product, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+productColumns+` FROM products ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	var products []*models.Product
	for rows.Next() {
		p := &models.Product{}
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.QuantityInStock, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, p)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating products: %w", err)
	}
	return products, nil
}

func (s *PostgresStore) SaveProduct(ctx context.Context, product *models.Product) error {
	return s.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.LockProduct(ctx, product.ID); err != nil {
			return err
		}
		return tx.SaveProduct(ctx, product)
	})
}

func (s *PostgresStore) ListEntriesByUser(ctx context.Context, userID int64) ([]*models.CartEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM cart_reservations WHERE user_id = $1 ORDER BY product_id`
	return queryEntries(ctx, s.db, query, userID)
}

func (s *PostgresStore) ListStaleEntries(ctx context.Context, cutoff time.Time) ([]*models.CartEntry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM cart_reservations
		WHERE expired = FALSE AND last_touched_at < $1
		ORDER BY last_touched_at`
	return queryEntries(ctx, s.db, query, cutoff)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) LockProduct(ctx context.Context, id int64) (*models.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1 FOR UPDATE`
	return scanProduct(t.tx.QueryRowContext(ctx, query, id), id)
}

func (t *pgTx) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1`
	return scanProduct(t.tx.QueryRowContext(ctx, query, id), id)
}

func (t *pgTx) SaveProduct(ctx context.Context, product *models.Product) error {
	if product.QuantityInStock < 0 {
		return fmt.Errorf("%w: stock quantity cannot be negative", models.ErrInvalidQuantity)
	}

	result, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET name = $2, price = $3, quantity_in_stock = $4, updated_at = $5
		WHERE id = $1`,
		product.ID, product.Name, product.Price, product.QuantityInStock, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update product: %w", mapError(err))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: id %d", models.ErrProductNotFound, product.ID)
	}
	return nil
}

func (t *pgTx) GetEntry(ctx context.Context, userID, productID int64) (*models.CartEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM cart_reservations WHERE user_id = $1 AND product_id = $2`
	e, err := scanEntry(t.tx.QueryRowContext(ctx, query, userID, productID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: user %d product %d", models.ErrCartEntryNotFound, userID, productID)
		}
		return nil, fmt.Errorf("failed to get cart entry: %w", mapError(err))
	}
	return e, nil
}

func (t *pgTx) ListEntriesByUser(ctx context.Context, userID int64) ([]*models.CartEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM cart_reservations WHERE user_id = $1 ORDER BY product_id`
	return queryEntries(ctx, t.tx, query, userID)
}

func (t *pgTx) HeldTotal(ctx context.Context, productID, excludeUserID int64) (int, error) {
	var held int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity_reserved), 0)
		FROM cart_reservations
		WHERE product_id = $1 AND expired = FALSE AND user_id <> $2`,
		productID, excludeUserID).Scan(&held)
	if err != nil {
		return 0, fmt.Errorf("failed to sum held stock: %w", mapError(err))
	}
	return held, nil
}

func (t *pgTx) UpsertEntry(ctx context.Context, entry *models.CartEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO cart_reservations (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, product_id) DO UPDATE SET
			quantity_requested = EXCLUDED.quantity_requested,
			quantity_reserved = EXCLUDED.quantity_reserved,
			purchase_limit = EXCLUDED.purchase_limit,
			expired = EXCLUDED.expired,
			created_at = EXCLUDED.created_at,
			last_touched_at = GREATEST(cart_reservations.last_touched_at, EXCLUDED.last_touched_at)`,
		entry.UserID,
		entry.ProductID,
		entry.QuantityRequested,
		entry.QuantityReserved,
		entry.PurchaseLimit,
		entry.Expired,
		entry.CreatedAt,
		entry.LastTouchedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save cart entry: %w", mapError(err))
	}
	return nil
}

func (t *pgTx) DeleteEntry(ctx context.Context, userID, productID int64) error {
	result, err := t.tx.ExecContext(ctx,
		`DELETE FROM cart_reservations WHERE user_id = $1 AND product_id = $2`, userID, productID)
	if err != nil {
		return fmt.Errorf("failed to delete cart entry: %w", mapError(err))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: user %d product %d", models.ErrCartEntryNotFound, userID, productID)
	}
	return nil
}
