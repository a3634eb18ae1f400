package memory

import (
	"context"
	"fmt"
	"sync"

	domain "github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
)

type OrderRepository struct {
	mu          sync.RWMutex
	orders      map[string]*domain.Order
	idempotency map[string]string
	tokens      map[string]string
}

func NewOrderRepository() *OrderRepository {
	return &OrderRepository{
		orders:      make(map[string]*domain.Order),
		idempotency: make(map[string]string),
		tokens:      make(map[string]string),
	}
}

func (r *OrderRepository) Insert(ctx context.Context, order *domain.Order) error {
	_ = ctx
	if order == nil || order.ID == "" {
		return fmt.Errorf("order repository: id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.orders[order.ID]; exists {
		return domain.ErrConflict
	}
	key := idempotencyKey(order.CustomerID, order.IdempotencyKey)
	if key != "" {
		if _, exists := r.idempotency[key]; exists {
			return domain.ErrConflict
		}
	}

	order.Version = 1
	r.orders[order.ID] = order.Clone()
	if key != "" {
		r.idempotency[key] = order.ID
	}
	if order.GatewayToken != "" {
		r.tokens[order.GatewayToken] = order.ID
	}
	return nil
}

func (r *OrderRepository) Get(ctx context.Context, id string) (*domain.Order, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.orders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return order.Clone(), nil
}

// Update writes order only if the stored version still matches order.Version.
func (r *OrderRepository) Update(ctx context.Context, order *domain.Order) error {
	_ = ctx
	if order == nil || order.ID == "" {
		return fmt.Errorf("order repository: id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored, exists := r.orders[order.ID]
	if !exists {
		return domain.ErrNotFound
	}
	if stored.Version != order.Version {
		return domain.ErrVersionConflict
	}
	if token := order.GatewayToken; token != "" {
		if owner, ok := r.tokens[token]; ok && owner != order.ID {
			return domain.ErrConflict
		}
		r.tokens[token] = order.ID
	}

	order.Version++
	r.orders[order.ID] = order.Clone()
	return nil
}

func (r *OrderRepository) FindByIdempotency(ctx context.Context, customerID, key string) (*domain.Order, error) {
	_ = ctx
	k := idempotencyKey(customerID, key)
	if k == "" {
		return nil, domain.ErrNotFound
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	orderID, ok := r.idempotency[k]
	if !ok {
		return nil, domain.ErrNotFound
	}
	order, found := r.orders[orderID]
	if !found {
		return nil, domain.ErrNotFound
	}
	return order.Clone(), nil
}

func (r *OrderRepository) FindByGatewayToken(ctx context.Context, token string) (*domain.Order, error) {
	_ = ctx
	if token == "" {
		return nil, domain.ErrNotFound
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	orderID, ok := r.tokens[token]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r.orders[orderID].Clone(), nil
}

func idempotencyKey(customerID, key string) string {
	if key == "" {
		return ""
	}
	return customerID + "\x00" + key
}
