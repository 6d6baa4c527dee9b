package repositories

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"stock-reservation-service/internal/models"
)

// ErrProductNotLocked is returned when a transaction writes a product or one
// of its entries without holding the product lock.
var ErrProductNotLocked = errors.New("product not locked in transaction")

const defaultLockTimeout = 2 * time.Second

// MemoryStore keeps products and reservations in process memory. Each product
// has a one-slot semaphore standing in for the row lock, and transactions
// stage their writes until commit.
type MemoryStore struct {
	mu       sync.RWMutex
	products map[int64]*models.Product
	entries  map[models.EntryKey]*models.CartEntry
	nextID   int64

	locksMu     sync.Mutex
	locks       map[int64]chan struct{}
	lockTimeout time.Duration
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(lockTimeout time.Duration) *MemoryStore {
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	return &MemoryStore{
		products:    make(map[int64]*models.Product),
		entries:     make(map[models.EntryKey]*models.CartEntry),
		locks:       make(map[int64]chan struct{}),
		lockTimeout: lockTimeout,
	}
}

func (s *MemoryStore) productLock(id int64) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	sem, ok := s.locks[id]
	if !ok {
		sem = make(chan struct{}, 1)
		s.locks[id] = sem
	}
	return sem
}

func (s *MemoryStore) acquire(ctx context.Context, id int64) error {
	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()

	select {
	case s.productLock(id) <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: timed out waiting for lock on product %d", models.ErrConcurrencyConflict, id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *MemoryStore) release(id int64) {
	<-s.productLock(id)
}

// WithTx runs fn against a staging transaction and applies its writes only
// when fn succeeds and ctx is still live.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryTx{
		store:    s,
		locked:   make(map[int64]struct{}),
		products: make(map[int64]*models.Product),
		entries:  make(map[models.EntryKey]*models.CartEntry),
	}
	defer tx.releaseLocks()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx.commit()
	return nil
}

func (s *MemoryStore) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", models.ErrProductNotFound, id)
	}
	clone := *p
	return &clone, nil
}

func (s *MemoryStore) CreateProduct(ctx context.Context, req *models.ProductCreateRequest) (*models.Product, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	p := &models.Product{
		ID:              s.nextID,
		Name:            req.Name,
		Price:           req.Price,
		QuantityInStock: req.QuantityInStock,
		UpdatedAt:       time.Now(),
	}
	s.products[p.ID] = p

	clone := *p
	return &clone, nil
}

func (s *MemoryStore) ListProducts(ctx context.Context) ([]*models.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]*models.Product, 0, len(s.products))
	for _, p := range s.products {
		clone := *p
		products = append(products, &clone)
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, nil
}

func (s *MemoryStore) SaveProduct(ctx context.Context, product *models.Product) error {
	if product.QuantityInStock < 0 {
		return fmt.Errorf("%w: stock quantity cannot be negative", models.ErrInvalidQuantity)
	}
	if err := s.acquire(ctx, product.ID); err != nil {
		return err
	}
	defer s.release(product.ID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[product.ID]; !ok {
		return fmt.Errorf("%w: id %d", models.ErrProductNotFound, product.ID)
	}
	clone := *product
	clone.UpdatedAt = time.Now()
	s.products[product.ID] = &clone
	return nil
}

func (s *MemoryStore) ListEntriesByUser(ctx context.Context, userID int64) ([]*models.CartEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []*models.CartEntry
	for _, e := range s.entries {
		if e.UserID == userID {
			entries = append(entries, e.Clone())
		}
	}
	sortEntries(entries)
	return entries, nil
}

func (s *MemoryStore) ListStaleEntries(ctx context.Context, cutoff time.Time) ([]*models.CartEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []*models.CartEntry
	for _, e := range s.entries {
		if e.IsActive() && e.LastTouchedAt.Before(cutoff) {
			entries = append(entries, e.Clone())
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastTouchedAt.Before(entries[j].LastTouchedAt)
	})
	return entries, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func sortEntries(entries []*models.CartEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].UserID != entries[j].UserID {
			return entries[i].UserID < entries[j].UserID
		}
		return entries[i].ProductID < entries[j].ProductID
	})
}

// memoryTx stages writes on top of the committed maps. A nil staged entry
// marks a deletion.
type memoryTx struct {
	store    *MemoryStore
	locked   map[int64]struct{}
	products map[int64]*models.Product
	entries  map[models.EntryKey]*models.CartEntry
}

func (tx *memoryTx) releaseLocks() {
	for id := range tx.locked {
		tx.store.release(id)
	}
	tx.locked = nil
}

func (tx *memoryTx) commit() {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, p := range tx.products {
		s.products[id] = p
	}
	for key, e := range tx.entries {
		if e == nil {
			delete(s.entries, key)
			continue
		}
		s.entries[key] = e
	}
}

func (tx *memoryTx) LockProduct(ctx context.Context, id int64) (*models.Product, error) {
	_, held := tx.locked[id]
	if !held {
		if err := tx.store.acquire(ctx, id); err != nil {
			return nil, err
		}
		tx.locked[id] = struct{}{}
	}

	p, err := tx.GetProduct(ctx, id)
	if err != nil {
		if !held {
			delete(tx.locked, id)
			tx.store.release(id)
		}
		return nil, err
	}
	return p, nil
}

func (tx *memoryTx) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	if p, ok := tx.products[id]; ok {
		clone := *p
		return &clone, nil
	}
	return tx.store.GetProduct(ctx, id)
}

func (tx *memoryTx) SaveProduct(ctx context.Context, product *models.Product) error {
	if _, ok := tx.locked[product.ID]; !ok {
		return fmt.Errorf("%w: product %d", ErrProductNotLocked, product.ID)
	}
	if product.QuantityInStock < 0 {
		return fmt.Errorf("%w: stock quantity cannot be negative", models.ErrInvalidQuantity)
	}
	clone := *product
	clone.UpdatedAt = time.Now()
	tx.products[product.ID] = &clone
	return nil
}

func (tx *memoryTx) GetEntry(ctx context.Context, userID, productID int64) (*models.CartEntry, error) {
	key := models.EntryKey{UserID: userID, ProductID: productID}
	if e, ok := tx.entries[key]; ok {
		if e == nil {
			return nil, fmt.Errorf("%w: user %d product %d", models.ErrCartEntryNotFound, userID, productID)
		}
		return e.Clone(), nil
	}

	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	e, ok := tx.store.entries[key]
	if !ok {
		return nil, fmt.Errorf("%w: user %d product %d", models.ErrCartEntryNotFound, userID, productID)
	}
	return e.Clone(), nil
}

// visibleEntries returns the entries matching keep as this transaction sees
// them: committed rows overlaid with staged writes.
func (tx *memoryTx) visibleEntries(keep func(*models.CartEntry) bool) []*models.CartEntry {
	tx.store.mu.RLock()
	var entries []*models.CartEntry
	for key, e := range tx.store.entries {
		if _, staged := tx.entries[key]; staged {
			continue
		}
		if keep(e) {
			entries = append(entries, e.Clone())
		}
	}
	tx.store.mu.RUnlock()

	for _, e := range tx.entries {
		if e != nil && keep(e) {
			entries = append(entries, e.Clone())
		}
	}
	sortEntries(entries)
	return entries
}

func (tx *memoryTx) ListEntriesByUser(ctx context.Context, userID int64) ([]*models.CartEntry, error) {
	return tx.visibleEntries(func(e *models.CartEntry) bool { return e.UserID == userID }), nil
}

func (tx *memoryTx) HeldTotal(ctx context.Context, productID, excludeUserID int64) (int, error) {
	held := 0
	for _, e := range tx.visibleEntries(func(e *models.CartEntry) bool {
		return e.ProductID == productID && e.UserID != excludeUserID
	}) {
		held += e.Held()
	}
	return held, nil
}

// writable allows entry writes when the product is locked by this
// transaction or no longer exists in the catalog.
func (tx *memoryTx) writable(ctx context.Context, productID int64) error {
	if _, ok := tx.locked[productID]; ok {
		return nil
	}
	if _, err := tx.GetProduct(ctx, productID); errors.Is(err, models.ErrProductNotFound) {
		return nil
	}
	return fmt.Errorf("%w: product %d", ErrProductNotLocked, productID)
}

func (tx *memoryTx) UpsertEntry(ctx context.Context, entry *models.CartEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	if err := tx.writable(ctx, entry.ProductID); err != nil {
		return err
	}
	tx.entries[entry.Key()] = entry.Clone()
	return nil
}

func (tx *memoryTx) DeleteEntry(ctx context.Context, userID, productID int64) error {
	if err := tx.writable(ctx, productID); err != nil {
		return err
	}
	if _, err := tx.GetEntry(ctx, userID, productID); err != nil {
		return err
	}
	tx.entries[models.EntryKey{UserID: userID, ProductID: productID}] = nil
	return nil
}
