package sqlite

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/Zhima-Mochi/minishop-checkout/internal/domain/inventory"
)

func TestLedgerConcurrentReserve(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(openTestDB(t))
	require.NoError(t, ledger.SetStock(ctx, "sku-1", 5))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []error
	)
	for i := range 2 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := ledger.Reserve(ctx, fmt.Sprintf("order-%d", i), []domain.Line{{ProductID: "sku-1", Quantity: 3}})
			mu.Lock()
			results = append(results, err)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	var ok, short int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, domain.ErrInsufficientStock):
			short++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, short)

	entry, err := ledger.Stock(ctx, "sku-1")
	require.NoError(t, err)
	assert.Equal(t, 2, entry.Available)
	assert.Equal(t, 3, entry.Reserved)
}

func TestLedgerReserveRollsBackPartialLines(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(openTestDB(t))
	require.NoError(t, ledger.SetStock(ctx, "sku-1", 5))
	require.NoError(t, ledger.SetStock(ctx, "sku-2", 1))

	_, err := ledger.Reserve(ctx, "order-1", []domain.Line{
		{ProductID: "sku-1", Quantity: 2},
		{ProductID: "sku-2", Quantity: 3},
	})
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	entry, err := ledger.Stock(ctx, "sku-1")
	require.NoError(t, err)
	assert.Equal(t, 5, entry.Available)
	assert.Equal(t, 0, entry.Reserved)

	_, err = ledger.Reserve(ctx, "order-1", []domain.Line{{ProductID: "ghost", Quantity: 1}})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLedgerLifecycle(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(openTestDB(t))
	require.NoError(t, ledger.SetStock(ctx, "sku-1", 10))

	res, err := ledger.Reserve(ctx, "order-1", []domain.Line{{ProductID: "sku-1", Quantity: 4}})
	require.NoError(t, err)
	again, err := ledger.Reserve(ctx, "order-1", []domain.Line{{ProductID: "sku-1", Quantity: 4}})
	require.NoError(t, err)
	assert.Equal(t, res.ID, again.ID)

	require.NoError(t, ledger.Commit(ctx, res.ID))
	require.NoError(t, ledger.Commit(ctx, res.ID))
	require.NoError(t, ledger.Release(ctx, res.ID))

	entry, err := ledger.Stock(ctx, "sku-1")
	require.NoError(t, err)
	assert.Equal(t, 6, entry.Available)
	assert.Equal(t, 0, entry.Reserved)

	other, err := ledger.Reserve(ctx, "order-2", []domain.Line{{ProductID: "sku-1", Quantity: 2}})
	require.NoError(t, err)
	require.NoError(t, ledger.Release(ctx, other.ID))
	assert.ErrorIs(t, ledger.Commit(ctx, other.ID), domain.ErrReservationClosed)

	entry, err = ledger.Stock(ctx, "sku-1")
	require.NoError(t, err)
	assert.Equal(t, 6, entry.Available)

	found, err := ledger.FindByOrder(ctx, "order-2")
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationReleased, found.Status)
	assert.Equal(t, []domain.Line{{ProductID: "sku-1", Quantity: 2}}, found.Lines)
}

func TestLedgerRestockReturnsCommittedStock(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(openTestDB(t))
	require.NoError(t, ledger.SetStock(ctx, "sku-1", 10))

	res, err := ledger.Reserve(ctx, "order-1", []domain.Line{{ProductID: "sku-1", Quantity: 4}})
	require.NoError(t, err)
	require.NoError(t, ledger.Commit(ctx, res.ID))
	require.NoError(t, ledger.Restock(ctx, res.ID))
	require.NoError(t, ledger.Restock(ctx, res.ID))
	assert.ErrorIs(t, ledger.Commit(ctx, res.ID), domain.ErrReservationClosed)

	entry, err := ledger.Stock(ctx, "sku-1")
	require.NoError(t, err)
	assert.Equal(t, 10, entry.Available)
	assert.Equal(t, 0, entry.Reserved)

	found, err := ledger.FindByOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationRestocked, found.Status)

	held, err := ledger.Reserve(ctx, "order-2", []domain.Line{{ProductID: "sku-1", Quantity: 3}})
	require.NoError(t, err)
	require.NoError(t, ledger.Restock(ctx, held.ID))
	entry, err = ledger.Stock(ctx, "sku-1")
	require.NoError(t, err)
	assert.Equal(t, 10, entry.Available)
	assert.Equal(t, 0, entry.Reserved)
}
