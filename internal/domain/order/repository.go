package order

import "context"

// Repository persists orders with optimistic concurrency: Update succeeds only when the stored
// version equals o.Version, and then increments o.Version.
type Repository interface {
	Insert(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	Update(ctx context.Context, o *Order) error
	FindByIdempotency(ctx context.Context, customerID, key string) (*Order, error)
	FindByGatewayToken(ctx context.Context, token string) (*Order, error)
}
