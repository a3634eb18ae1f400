package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/inventory"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/job"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/outbox"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
)

const settlementService = "settlement-service"

var (
	ErrRepository         = errors.New("settlement: repository failure")
	ErrCatalogUnavailable = errors.New("settlement: catalog unavailable")
	// errUnknownToken means a callback raced ahead of the token write; retried until it lands.
	errUnknownToken = errors.New("settlement: no order for gateway token")
)

// Catalog is the read-only price source consulted at checkout.
type Catalog interface {
	UnitPrices(ctx context.Context, productIDs []string) (map[string]int64, error)
}

type Config struct {
	Currency       string
	PaymentTimeout time.Duration
	// ConflictRetries bounds immediate re-reads after an optimistic version conflict.
	ConflictRetries int
	// CallbackBudget is how long a callback request may spend settling before deferring to a job.
	CallbackBudget time.Duration
}

type Dependencies struct {
	Orders    order.Repository
	Ledger    inventory.Ledger
	Gateway   payment.Gateway
	Events    payment.EventStore
	Catalog   Catalog
	Jobs      job.Scheduler
	Publisher outbox.Publisher
	NewID     func() string
	Now       func() time.Time
}

// Service is the settlement orchestrator. It is the only writer of orders and drives the ledger
// and gateway on their behalf.
type Service struct {
	orders    order.Repository
	ledger    inventory.Ledger
	gateway   payment.Gateway
	events    payment.EventStore
	catalog   Catalog
	jobs      job.Scheduler
	publisher outbox.Publisher
	cfg       Config
	newID     func() string
	now       func() time.Time

	tel          observability.Observability
	log          observability.Logger
	reqCounter   observability.Counter
	durHistogram observability.Histogram
	eventCounter observability.Counter
}

func New(deps Dependencies, cfg Config, tel observability.Observability) *Service {
	tel = observability.Or(tel)
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if cfg.PaymentTimeout <= 0 {
		cfg.PaymentTimeout = 15 * time.Minute
	}
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = 5
	}
	if cfg.CallbackBudget <= 0 {
		cfg.CallbackBudget = 2 * time.Second
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	metrics := tel.Metrics()
	return &Service{
		orders:       deps.Orders,
		ledger:       deps.Ledger,
		gateway:      deps.Gateway,
		events:       deps.Events,
		catalog:      deps.Catalog,
		jobs:         deps.Jobs,
		publisher:    deps.Publisher,
		cfg:          cfg,
		newID:        deps.NewID,
		now:          deps.Now,
		tel:          tel,
		log:          tel.Logger().With(observability.F("service", settlementService)),
		reqCounter:   metrics.Counter(observability.MUsecaseRequests),
		durHistogram: metrics.Histogram(observability.MUsecaseDuration),
		eventCounter: metrics.Counter(observability.MGatewayEvents),
	}
}

// GetOrder returns the current order.
func (s *Service) GetOrder(ctx context.Context, orderID string) (*order.Order, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, wrapRepositoryError(err)
	}
	return o, nil
}

// mutate re-reads the order, applies fn and writes the result with a version check, re-reading
// on conflict. fn returning (nil, nil) leaves the order as is. The second result reports a write.
func (s *Service) mutate(ctx context.Context, orderID string, fn func(cur *order.Order) (*order.Order, error)) (*order.Order, bool, error) {
	for attempt := 1; ; attempt++ {
		cur, err := s.orders.Get(ctx, orderID)
		if err != nil {
			return nil, false, wrapRepositoryError(err)
		}
		next, err := fn(cur)
		if err != nil {
			return cur, false, err
		}
		if next == nil {
			return cur, false, nil
		}
		err = s.orders.Update(ctx, next)
		if err == nil {
			return next, true, nil
		}
		if !errors.Is(err, order.ErrVersionConflict) || attempt >= s.cfg.ConflictRetries {
			return cur, false, wrapRepositoryError(err)
		}
	}
}

func (s *Service) transition(kind order.EventKind, reason string) func(cur *order.Order) (*order.Order, error) {
	return func(cur *order.Order) (*order.Order, error) {
		return order.Transition(cur, order.Event{Kind: kind, Reason: reason}, s.now())
	}
}

func wrapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, order.ErrNotFound),
		errors.Is(err, order.ErrConflict),
		errors.Is(err, order.ErrVersionConflict):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrRepository, err)
	}
}

// IsTransient reports whether err may clear on retry.
func IsTransient(err error) bool {
	if err == nil || job.IsPermanent(err) {
		return false
	}
	switch {
	case payment.IsTransient(err),
		errors.Is(err, inventory.ErrContention),
		errors.Is(err, order.ErrVersionConflict),
		errors.Is(err, errUnknownToken),
		errors.Is(err, ErrCatalogUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	var temp interface{ Temporary() bool }
	return errors.As(err, &temp) && temp.Temporary()
}
