package inventory

import (
	"context"
)

// Ledger is the only writer of stock counters.
type Ledger interface {
	// Reserve holds every line or none. A second call for the same order returns the existing
	// active reservation.
	Reserve(ctx context.Context, orderID string, lines []Line) (*Reservation, error)
	// Commit consumes the held stock. Committing twice is a no-op.
	Commit(ctx context.Context, reservationID string) error
	// Release returns held stock to available. Releasing a closed reservation is a no-op.
	Release(ctx context.Context, reservationID string) error
	// Restock returns a reservation's stock to available whether it is still held or already
	// committed. Used for orders that closed without completing. Restocking twice is a no-op.
	Restock(ctx context.Context, reservationID string) error
	FindByOrder(ctx context.Context, orderID string) (*Reservation, error)
	Stock(ctx context.Context, productID string) (*StockEntry, error)
	// SetStock overwrites the available count, creating the entry when missing.
	SetStock(ctx context.Context, productID string, available int) error
}
