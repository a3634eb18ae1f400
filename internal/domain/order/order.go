package order

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	ErrNotFound          = errors.New("order: not found")
	ErrConflict          = errors.New("order: already exists")
	ErrVersionConflict   = errors.New("order: version conflict")
	ErrInvalidTransition = errors.New("order: invalid state transition")
	ErrValidation        = errors.New("order: validation failed")
	ErrTokenAlreadySet   = errors.New("order: gateway token already assigned")
)

// MaxLineQuantity bounds a single cart line.
const MaxLineQuantity = 1000

type Status string

const (
	StatusPending         Status = "pending"
	StatusAwaitingGateway Status = "awaiting_gateway"
	StatusSettling        Status = "settling"
	StatusCompleted       Status = "completed"
	StatusCancelled       Status = "cancelled"
	StatusFailed          Status = "failed"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

// CartLine is a requested product and quantity, before pricing.
type CartLine struct {
	ProductID string
	Quantity  int
}

// LineItem is a priced line; UnitPrice is the catalog snapshot taken at creation.
type LineItem struct {
	ProductID string
	Quantity  int
	UnitPrice int64
}

func (l LineItem) Subtotal() int64 { return int64(l.Quantity) * l.UnitPrice }

type Order struct {
	ID             string
	CustomerID     string
	Items          []LineItem
	Total          int64
	Currency       string
	Status         Status
	GatewayToken   string
	RedirectURL    string
	ReservationID  string
	FailureReason  string
	IdempotencyKey string
	// Version is bumped by the repository on every successful write.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Create prices the cart against unitPrices and returns a Pending order. Duplicate product lines
// are merged. The total is fixed here and never recomputed.
func Create(id, customerID, idempotencyKey, currency string, lines []CartLine, unitPrices map[string]int64, now time.Time) (*Order, error) {
	if id == "" {
		return nil, validation("order id is required")
	}
	if customerID == "" {
		return nil, validation("customer id is required")
	}
	if len(lines) == 0 {
		return nil, validation("cart is empty")
	}

	items := make([]LineItem, 0, len(lines))
	index := make(map[string]int, len(lines))
	for _, line := range lines {
		if line.ProductID == "" {
			return nil, validation("product id is required")
		}
		if line.Quantity <= 0 {
			return nil, validation(fmt.Sprintf("quantity for %s must be greater than zero", line.ProductID))
		}
		if i, ok := index[line.ProductID]; ok {
			items[i].Quantity += line.Quantity
			continue
		}
		price, ok := unitPrices[line.ProductID]
		if !ok {
			return nil, validation(fmt.Sprintf("no price for product %s", line.ProductID))
		}
		if price < 0 {
			return nil, validation(fmt.Sprintf("price for %s must be zero or greater", line.ProductID))
		}
		index[line.ProductID] = len(items)
		items = append(items, LineItem{ProductID: line.ProductID, Quantity: line.Quantity, UnitPrice: price})
	}

	var total int64
	for _, item := range items {
		if item.Quantity > MaxLineQuantity {
			return nil, validation(fmt.Sprintf("quantity for %s exceeds %d", item.ProductID, MaxLineQuantity))
		}
		total += item.Subtotal()
	}

	now = now.UTC()
	return &Order{
		ID:             id,
		CustomerID:     customerID,
		Items:          items,
		Total:          total,
		Currency:       currency,
		Status:         StatusPending,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// AssignGatewayToken records the correlation token returned by the gateway. It may be set once;
// re-assigning the same token is a no-op.
func (o *Order) AssignGatewayToken(token, redirectURL string) error {
	if token == "" {
		return validation("gateway token is required")
	}
	if o.Status.Terminal() {
		return ErrInvalidTransition
	}
	if o.GatewayToken != "" {
		if o.GatewayToken == token {
			return nil
		}
		return ErrTokenAlreadySet
	}
	o.GatewayToken = token
	o.RedirectURL = redirectURL
	return nil
}

// Clone returns a deep copy safe to hand across goroutines.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.Items = slices.Clone(o.Items)
	return &c
}

func validation(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}
