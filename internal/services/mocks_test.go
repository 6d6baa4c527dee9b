package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"stock-reservation-service/internal/models"
	"stock-reservation-service/internal/repositories"
)

// MockPublisher is a mock implementation of notify.Publisher
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, channel, event string, payload any) error {
	args := m.Called(ctx, channel, event, payload)
	return args.Error(0)
}

// published returns the payloads of every call for event, in call order.
func (m *MockPublisher) published(event string) []any {
	var payloads []any
	for _, call := range m.Calls {
		if call.Method == "Publish" && call.Arguments.String(2) == event {
			payloads = append(payloads, call.Arguments.Get(3))
		}
	}
	return payloads
}

// MockOrderPlacer is a mock implementation of OrderPlacer
type MockOrderPlacer struct {
	mock.Mock
}

func (m *MockOrderPlacer) PlaceOrder(ctx context.Context, userID int64, lines []models.DetailLine) (*models.PlacedOrder, error) {
	args := m.Called(ctx, userID, lines)
	if fn, ok := args.Get(0).(func(context.Context, int64, []models.DetailLine) *models.PlacedOrder); ok {
		return fn(ctx, userID, lines), args.Error(1)
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PlacedOrder), args.Error(1)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	store     *repositories.MemoryStore
	clock     *testClock
	publisher *MockPublisher
	deps      Dependencies
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := repositories.NewMemoryStore(2 * time.Second)
	clock := newTestClock()
	publisher := new(MockPublisher)
	publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	return &testEnv{
		store:     store,
		clock:     clock,
		publisher: publisher,
		deps: Dependencies{
			Store:     store,
			Publisher: publisher,
			Logger:    zap.NewNop(),
			Tracer:    noop.NewTracerProvider().Tracer("test"),
			Retry:     RetryPolicy{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond},
			Now:       clock.Now,
		},
	}
}

func (e *testEnv) createProduct(t *testing.T, name, price string, stock int) *models.Product {
	t.Helper()
	p, err := e.store.CreateProduct(context.Background(), &models.ProductCreateRequest{
		Name:            name,
		Price:           decimal.RequireFromString(price),
		QuantityInStock: stock,
	})
	require.NoError(t, err)
	return p
}

// setStock simulates an external catalog write.
func (e *testEnv) setStock(t *testing.T, productID int64, stock int) {
	t.Helper()
	p, err := e.store.GetProduct(context.Background(), productID)
	require.NoError(t, err)
	p.QuantityInStock = stock
	require.NoError(t, e.store.SaveProduct(context.Background(), p))
}

// putEntry writes an entry directly, bypassing the services.
func (e *testEnv) putEntry(t *testing.T, entry *models.CartEntry) {
	t.Helper()
	ctx := context.Background()
	err := e.store.WithTx(ctx, func(tx repositories.Tx) error {
		if _, err := tx.LockProduct(ctx, entry.ProductID); err != nil && !errors.Is(err, models.ErrProductNotFound) {
			return err
		}
		return tx.UpsertEntry(ctx, entry)
	})
	require.NoError(t, err)
}

func (e *testEnv) entry(t *testing.T, userID, productID int64) *models.CartEntry {
	t.Helper()
	entries, err := e.store.ListEntriesByUser(context.Background(), userID)
	require.NoError(t, err)
	for _, entry := range entries {
		if entry.ProductID == productID {
			return entry
		}
	}
	return nil
}

func (e *testEnv) stock(t *testing.T, productID int64) *models.StockLevel {
	t.Helper()
	level, err := NewLedgerService(e.deps).Stock(context.Background(), productID)
	require.NoError(t, err)
	return level
}

// faultyStore fails any transaction that locks failProduct.
type faultyStore struct {
	repositories.Store
	failProduct int64
	err         error
}

func (s *faultyStore) WithTx(ctx context.Context, fn func(tx repositories.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx repositories.Tx) error {
		return fn(&faultyTx{Tx: tx, store: s})
	})
}

type faultyTx struct {
	repositories.Tx
	store *faultyStore
}

func (t *faultyTx) LockProduct(ctx context.Context, id int64) (*models.Product, error) {
	if id == t.store.failProduct {
		return nil, t.store.err
	}
	return t.Tx.LockProduct(ctx, id)
}

// recordingStore records the products each transaction locks, in order, and
// runs onList before every in-transaction cart read.
type recordingStore struct {
	repositories.Store
	onList func(call int)

	mu       sync.Mutex
	lists    int
	attempts [][]int64
}

func (s *recordingStore) WithTx(ctx context.Context, fn func(tx repositories.Tx) error) error {
	s.mu.Lock()
	s.attempts = append(s.attempts, nil)
	attempt := len(s.attempts) - 1
	s.mu.Unlock()

	return s.Store.WithTx(ctx, func(tx repositories.Tx) error {
		return fn(&recordingTx{Tx: tx, store: s, attempt: attempt})
	})
}

func (s *recordingStore) lockOrders() [][]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]int64(nil), s.attempts...)
}

type recordingTx struct {
	repositories.Tx
	store   *recordingStore
	attempt int
}

func (tx *recordingTx) LockProduct(ctx context.Context, id int64) (*models.Product, error) {
	tx.store.mu.Lock()
	tx.store.attempts[tx.attempt] = append(tx.store.attempts[tx.attempt], id)
	tx.store.mu.Unlock()
	return tx.Tx.LockProduct(ctx, id)
}

func (tx *recordingTx) ListEntriesByUser(ctx context.Context, userID int64) ([]*models.CartEntry, error) {
	tx.store.mu.Lock()
	tx.store.lists++
	call := tx.store.lists
	tx.store.mu.Unlock()
	if tx.store.onList != nil {
		tx.store.onList(call)
	}
	return tx.Tx.ListEntriesByUser(ctx, userID)
}
