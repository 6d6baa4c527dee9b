package repositories

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock-reservation-service/internal/models"
)

func newTestMemoryStore(t *testing.T, stock int) (*MemoryStore, *models.Product) {
	t.Helper()
	store := NewMemoryStore(50 * time.Millisecond)
	product, err := store.CreateProduct(context.Background(), &models.ProductCreateRequest{
		Name:            "Camisa",
		Price:           decimal.RequireFromString("19.99"),
		QuantityInStock: stock,
	})
	require.NoError(t, err)
	return store, product
}

func TestMemoryStore_CreateProduct(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	p1, err := store.CreateProduct(ctx, &models.ProductCreateRequest{Name: "A", QuantityInStock: 1})
	require.NoError(t, err)
	p2, err := store.CreateProduct(ctx, &models.ProductCreateRequest{Name: "B", QuantityInStock: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(1), p1.ID)
	assert.Equal(t, int64(2), p2.ID)

	_, err = store.CreateProduct(ctx, &models.ProductCreateRequest{Name: "", QuantityInStock: 1})
	assert.Error(t, err)

	products, err := store.ListProducts(ctx)
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, "A", products[0].Name)
}

func TestMemoryStore_GetProductNotFound(t *testing.T) {
	store := NewMemoryStore(0)
	_, err := store.GetProduct(context.Background(), 42)
	assert.ErrorIs(t, err, models.ErrProductNotFound)
}

func TestMemoryStore_CommitAppliesWrites(t *testing.T) {
	store, product := newTestMemoryStore(t, 10)
	ctx := context.Background()
	now := time.Now()

	err := store.WithTx(ctx, func(tx Tx) error {
		p, err := tx.LockProduct(ctx, product.ID)
		if err != nil {
			return err
		}
		p.QuantityInStock = 7
		if err := tx.SaveProduct(ctx, p); err != nil {
			return err
		}
		return tx.UpsertEntry(ctx, models.NewCartEntry(1, product.ID, 2, 10, now))
	})
	require.NoError(t, err)

	got, err := store.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, got.QuantityInStock)

	entries, err := store.ListEntriesByUser(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].QuantityReserved)
}

func TestMemoryStore_ErrorRollsBack(t *testing.T) {
	store, product := newTestMemoryStore(t, 10)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx Tx) error {
		p, err := tx.LockProduct(ctx, product.ID)
		if err != nil {
			return err
		}
		p.QuantityInStock = 0
		if err := tx.SaveProduct(ctx, p); err != nil {
			return err
		}
		if err := tx.UpsertEntry(ctx, models.NewCartEntry(1, product.ID, 2, 10, time.Now())); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := store.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.QuantityInStock)

	entries, err := store.ListEntriesByUser(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemoryStore_CancelledContextRollsBack(t *testing.T) {
	store, product := newTestMemoryStore(t, 10)
	ctx, cancel := context.WithCancel(context.Background())

	err := store.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.LockProduct(ctx, product.ID); err != nil {
			return err
		}
		if err := tx.UpsertEntry(ctx, models.NewCartEntry(1, product.ID, 2, 10, time.Now())); err != nil {
			return err
		}
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	entries, err := store.ListEntriesByUser(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemoryStore_WriteRequiresLock(t *testing.T) {
	store, product := newTestMemoryStore(t, 10)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx Tx) error {
		return tx.UpsertEntry(ctx, models.NewCartEntry(1, product.ID, 1, 10, time.Now()))
	})
	assert.ErrorIs(t, err, ErrProductNotLocked)

	err = store.WithTx(ctx, func(tx Tx) error {
		return tx.SaveProduct(ctx, product)
	})
	assert.ErrorIs(t, err, ErrProductNotLocked)
}

func TestMemoryStore_WriteForMissingProduct(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx Tx) error {
		return tx.UpsertEntry(ctx, models.NewCartEntry(1, 99, 1, 10, time.Now()))
	})
	require.NoError(t, err)

	err = store.WithTx(ctx, func(tx Tx) error {
		return tx.DeleteEntry(ctx, 1, 99)
	})
	require.NoError(t, err)
}

func TestMemoryStore_LockTimeout(t *testing.T) {
	store, product := newTestMemoryStore(t, 10)
	ctx := context.Background()

	locked := make(chan struct{})
	releaseCh := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- store.WithTx(ctx, func(tx Tx) error {
			if _, err := tx.LockProduct(ctx, product.ID); err != nil {
				return err
			}
			close(locked)
			<-releaseCh
			return nil
		})
	}()

	<-locked
	err := store.WithTx(ctx, func(tx Tx) error {
		_, err := tx.LockProduct(ctx, product.ID)
		return err
	})
	assert.ErrorIs(t, err, models.ErrConcurrencyConflict)

	close(releaseCh)
	require.NoError(t, <-done)

	err = store.WithTx(ctx, func(tx Tx) error {
		_, err := tx.LockProduct(ctx, product.ID)
		return err
	})
	assert.NoError(t, err)
}

func TestMemoryStore_LockProductReentrant(t *testing.T) {
	store, product := newTestMemoryStore(t, 10)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.LockProduct(ctx, product.ID); err != nil {
			return err
		}
		_, err := tx.LockProduct(ctx, product.ID)
		return err
	})
	assert.NoError(t, err)
}

func TestMemoryStore_LockMissingProductReleases(t *testing.T) {
	store := NewMemoryStore(50 * time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := store.WithTx(ctx, func(tx Tx) error {
			_, err := tx.LockProduct(ctx, 7)
			return err
		})
		assert.ErrorIs(t, err, models.ErrProductNotFound)
	}
}

func TestMemoryStore_TxSeesOwnWrites(t *testing.T) {
	store, product := newTestMemoryStore(t, 10)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.LockProduct(ctx, product.ID); err != nil {
			return err
		}
		return tx.UpsertEntry(ctx, models.NewCartEntry(2, product.ID, 3, 10, now))
	}))

	err := store.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.LockProduct(ctx, product.ID); err != nil {
			return err
		}
		if err := tx.UpsertEntry(ctx, models.NewCartEntry(1, product.ID, 4, 10, now)); err != nil {
			return err
		}

		held, err := tx.HeldTotal(ctx, product.ID, 0)
		require.NoError(t, err)
		assert.Equal(t, 7, held)

		held, err = tx.HeldTotal(ctx, product.ID, 1)
		require.NoError(t, err)
		assert.Equal(t, 3, held)

		if err := tx.DeleteEntry(ctx, 2, product.ID); err != nil {
			return err
		}
		_, err = tx.GetEntry(ctx, 2, product.ID)
		assert.ErrorIs(t, err, models.ErrCartEntryNotFound)

		held, err = tx.HeldTotal(ctx, product.ID, 0)
		require.NoError(t, err)
		assert.Equal(t, 4, held)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryStore_DeleteMissingEntry(t *testing.T) {
	store, product := newTestMemoryStore(t, 10)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.LockProduct(ctx, product.ID); err != nil {
			return err
		}
		return tx.DeleteEntry(ctx, 1, product.ID)
	})
	assert.ErrorIs(t, err, models.ErrCartEntryNotFound)
}

func TestMemoryStore_ListStaleEntries(t *testing.T) {
	store, product := newTestMemoryStore(t, 10)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.LockProduct(ctx, product.ID); err != nil {
			return err
		}
		fresh := models.NewCartEntry(1, product.ID, 1, 10, base.Add(5*time.Minute))
		stale := models.NewCartEntry(2, product.ID, 1, 10, base)
		older := models.NewCartEntry(3, product.ID, 1, 10, base.Add(-time.Minute))
		expired := models.NewCartEntry(4, product.ID, 1, 10, base.Add(-time.Hour))
		expired.Expire()
		for _, e := range []*models.CartEntry{fresh, stale, older, expired} {
			if err := tx.UpsertEntry(ctx, e); err != nil {
				return err
			}
		}
		return nil
	}))

	entries, err := store.ListStaleEntries(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(3), entries[0].UserID)
	assert.Equal(t, int64(2), entries[1].UserID)
}

func TestMemoryStore_SaveProductExternal(t *testing.T) {
	store, product := newTestMemoryStore(t, 10)
	ctx := context.Background()

	product.QuantityInStock = 1
	require.NoError(t, store.SaveProduct(ctx, product))

	got, err := store.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.QuantityInStock)

	product.QuantityInStock = -1
	assert.ErrorIs(t, store.SaveProduct(ctx, product), models.ErrInvalidQuantity)

	assert.ErrorIs(t, store.SaveProduct(ctx, &models.Product{ID: 99}), models.ErrProductNotFound)
}

func TestMemoryStore_ConcurrentIncrementsSerialize(t *testing.T) {
	store, product := newTestMemoryStore(t, 100)
	store.lockTimeout = 5 * time.Second
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.WithTx(ctx, func(tx Tx) error {
				p, err := tx.LockProduct(ctx, product.ID)
				if err != nil {
					return err
				}
				p.QuantityInStock--
				return tx.SaveProduct(ctx, p)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := store.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, got.QuantityInStock)
}

func TestMemoryStore_ReadsReturnCopies(t *testing.T) {
	store, product := newTestMemoryStore(t, 10)
	ctx := context.Background()

	got, err := store.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	got.QuantityInStock = 0

	again, err := store.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, again.QuantityInStock)
}
