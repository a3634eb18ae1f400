package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
)

func newOrder(t *testing.T, id, key string) *domain.Order {
	t.Helper()
	o, err := domain.Create(id, "cust-1", key, "USD",
		[]domain.CartLine{{ProductID: "sku-1", Quantity: 1}},
		map[string]int64{"sku-1": 500}, time.Now())
	require.NoError(t, err)
	return o
}

func TestOrderRepositoryOptimisticUpdate(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository()
	o := newOrder(t, "order-1", "")
	require.NoError(t, repo.Insert(ctx, o))
	assert.Equal(t, int64(1), o.Version)

	first, err := repo.Get(ctx, "order-1")
	require.NoError(t, err)
	second, err := repo.Get(ctx, "order-1")
	require.NoError(t, err)

	require.NoError(t, repo.Update(ctx, first))
	assert.Equal(t, int64(2), first.Version)
	assert.ErrorIs(t, repo.Update(ctx, second), domain.ErrVersionConflict)

	stored, err := repo.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Version)
}

func TestOrderRepositoryIdempotencyScopedToCustomer(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository()
	require.NoError(t, repo.Insert(ctx, newOrder(t, "order-1", "key-1")))

	assert.ErrorIs(t, repo.Insert(ctx, newOrder(t, "order-2", "key-1")), domain.ErrConflict)

	other := newOrder(t, "order-3", "key-1")
	other.CustomerID = "cust-2"
	require.NoError(t, repo.Insert(ctx, other))

	found, err := repo.FindByIdempotency(ctx, "cust-1", "key-1")
	require.NoError(t, err)
	assert.Equal(t, "order-1", found.ID)
	_, err = repo.FindByIdempotency(ctx, "cust-1", "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOrderRepositoryFindByGatewayToken(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository()
	o := newOrder(t, "order-1", "")
	require.NoError(t, repo.Insert(ctx, o))

	_, err := repo.FindByGatewayToken(ctx, "tok-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, o.AssignGatewayToken("tok-1", "https://pay.example/tok-1"))
	require.NoError(t, repo.Update(ctx, o))

	found, err := repo.FindByGatewayToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "order-1", found.ID)

	clash := newOrder(t, "order-2", "")
	require.NoError(t, repo.Insert(ctx, clash))
	require.NoError(t, clash.AssignGatewayToken("tok-1", ""))
	assert.ErrorIs(t, repo.Update(ctx, clash), domain.ErrConflict)
}
