package payment

import (
	"context"
	"time"
)

// Charge is what the gateway needs to open a payment session.
type Charge struct {
	OrderID    string
	CustomerID string
	Amount     int64
	Currency   string
}

type Session struct {
	Token       string
	RedirectURL string
}

// Gateway is the outbound port to the payment provider.
type Gateway interface {
	// Initiate opens a payment session. Callers guarantee at most one successful call per order.
	Initiate(ctx context.Context, charge Charge) (*Session, error)
	// NormalizeCallback verifies and parses a provider notification. Unverifiable payloads
	// fail with ErrMalformedEvent.
	NormalizeCallback(raw []byte, signature string) (*Event, error)
}

// EventStore is the deduplication table for gateway events keyed by transaction id.
type EventStore interface {
	// Record stores e unless its transaction id is known; it returns the stored event and
	// whether this call created it.
	Record(ctx context.Context, e *Event) (*Event, bool, error)
	MarkApplied(ctx context.Context, transactionID string, result Result, at time.Time) error
	Get(ctx context.Context, transactionID string) (*Event, error)
}
