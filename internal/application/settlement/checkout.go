package settlement

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/inventory"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
)

type CheckoutInput struct {
	CustomerID     string
	IdempotencyKey string
	Lines          []order.CartLine
}

type CheckoutResult struct {
	Order *order.Order
	// Replayed is set when the idempotency key matched an earlier checkout.
	Replayed bool
}

// Checkout turns a cart into an order, reserves its stock and opens a payment session. Transient
// failures after the order is stored are handed to the job runner; the returned order then shows
// where it stopped.
func (s *Service) Checkout(ctx context.Context, in CheckoutInput) (_ *CheckoutResult, err error) {
	ctx, uc := s.begin(ctx, useCaseCheckout, "Checkout",
		attribute.String("order.customer_id", in.CustomerID),
		attribute.Int("order.lines", len(in.Lines)),
	)
	defer func() { uc.end(err) }()

	if in.CustomerID == "" {
		uc.note("CUSTOMER_ID_REQUIRED")
		return nil, fmt.Errorf("%w: customer id is required", order.ErrValidation)
	}
	if len(in.Lines) == 0 {
		uc.note("CART_EMPTY")
		return nil, fmt.Errorf("%w: cart is empty", order.ErrValidation)
	}

	if replay, err := s.replay(ctx, uc, in); replay != nil || err != nil {
		return replay, err
	}

	ids := make([]string, 0, len(in.Lines))
	for _, l := range in.Lines {
		ids = append(ids, l.ProductID)
	}
	prices, err := s.catalog.UnitPrices(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCatalogUnavailable, err)
	}

	o, err := order.Create(s.newID(), in.CustomerID, in.IdempotencyKey, s.cfg.Currency, in.Lines, prices, s.now())
	if err != nil {
		return nil, err
	}
	uc.with(observability.F("order_id", o.ID), observability.F("total", o.Total))
	uc.span.SetAttributes(attribute.String("order.id", o.ID), attribute.Int64("order.total", o.Total))

	// Expiry goes in first so an order persisted just before a crash still times out.
	if err := s.scheduleExpiry(ctx, o.ID); err != nil {
		return nil, fmt.Errorf("settlement: schedule expiry: %w", err)
	}
	if err := s.orders.Insert(ctx, o); err != nil {
		if errors.Is(err, order.ErrConflict) {
			if replay, rerr := s.replay(ctx, uc, in); replay != nil || rerr != nil {
				return replay, rerr
			}
		}
		return nil, wrapRepositoryError(err)
	}

	reserved, err := s.reserve(ctx, o)
	switch {
	case errors.Is(err, inventory.ErrInsufficientStock):
		return &CheckoutResult{Order: reserved}, err
	case IsTransient(err):
		if serr := s.retryOrder(ctx, OpReserveStock, o.ID); serr != nil {
			return nil, fmt.Errorf("settlement: defer reservation: %w", serr)
		}
		uc.note("RESERVATION_DEFERRED")
		return &CheckoutResult{Order: o}, nil
	case err != nil:
		return nil, err
	}
	if reserved.Status != order.StatusAwaitingGateway {
		return &CheckoutResult{Order: reserved}, nil
	}

	initiated, err := s.initiate(ctx, reserved)
	switch {
	case errors.Is(err, payment.ErrGatewayRejected):
		return &CheckoutResult{Order: initiated}, err
	case IsTransient(err):
		if serr := s.retryOrder(ctx, OpInitiatePayment, o.ID); serr != nil {
			return nil, fmt.Errorf("settlement: defer payment initiation: %w", serr)
		}
		uc.note("PAYMENT_DEFERRED")
		uc.with(observability.F("gateway_error", err.Error()))
		return &CheckoutResult{Order: initiated}, nil
	case err != nil:
		return nil, err
	}

	uc.span.AddEvent("order.awaiting_gateway", trace.WithAttributes(attribute.String("order.id", o.ID)))
	return &CheckoutResult{Order: initiated}, nil
}

func (s *Service) replay(ctx context.Context, uc *run, in CheckoutInput) (*CheckoutResult, error) {
	if in.IdempotencyKey == "" {
		return nil, nil
	}
	existing, err := s.orders.FindByIdempotency(ctx, in.CustomerID, in.IdempotencyKey)
	switch {
	case err == nil:
		uc.note("IDEMPOTENT_REPLAY")
		uc.with(observability.F("order_id", existing.ID))
		uc.span.AddEvent("order.idempotent_replay", trace.WithAttributes(attribute.String("order.id", existing.ID)))
		return &CheckoutResult{Order: existing, Replayed: true}, nil
	case errors.Is(err, order.ErrNotFound):
		return nil, nil
	default:
		return nil, wrapRepositoryError(err)
	}
}

// reserve holds stock for a pending order and moves it to AwaitingGateway. Missing stock fails
// the order and returns ErrInsufficientStock alongside it.
func (s *Service) reserve(ctx context.Context, o *order.Order) (*order.Order, error) {
	lines := make([]inventory.Line, 0, len(o.Items))
	for _, item := range o.Items {
		lines = append(lines, inventory.Line{ProductID: item.ProductID, Quantity: item.Quantity})
	}

	res, err := s.ledger.Reserve(ctx, o.ID, lines)
	if errors.Is(err, inventory.ErrInsufficientStock) || errors.Is(err, inventory.ErrNotFound) {
		failed, changed, ferr := s.mutate(ctx, o.ID, func(cur *order.Order) (*order.Order, error) {
			if cur.Status != order.StatusPending {
				return nil, nil
			}
			return order.Transition(cur, order.Event{Kind: order.EventReservationFailed, Reason: order.ReasonInsufficientStock}, s.now())
		})
		if ferr != nil {
			return o, ferr
		}
		if changed {
			if nerr := s.scheduleNotify(ctx, failed.ID); nerr != nil {
				return failed, nerr
			}
		}
		return failed, fmt.Errorf("%w: %v", inventory.ErrInsufficientStock, err)
	}
	if err != nil {
		return o, err
	}

	reserved, _, err := s.mutate(ctx, o.ID, func(cur *order.Order) (*order.Order, error) {
		if cur.Status == order.StatusAwaitingGateway && cur.ReservationID == res.ID {
			return nil, nil
		}
		return order.Transition(cur, order.Event{Kind: order.EventReserved, ReservationID: res.ID}, s.now())
	})
	if errors.Is(err, order.ErrInvalidTransition) {
		// The order closed while we reserved (cancel or expiry won); hand the stock back.
		if rerr := s.ledger.Release(ctx, res.ID); rerr != nil {
			return reserved, rerr
		}
		return reserved, nil
	}
	return reserved, err
}

// initiate opens a payment session for an order awaiting the gateway. It never calls the gateway
// for an order that already holds a token.
func (s *Service) initiate(ctx context.Context, o *order.Order) (*order.Order, error) {
	if o.Status != order.StatusAwaitingGateway || o.GatewayToken != "" {
		return o, nil
	}

	session, err := s.gateway.Initiate(ctx, payment.Charge{
		OrderID:    o.ID,
		CustomerID: o.CustomerID,
		Amount:     o.Total,
		Currency:   o.Currency,
	})
	if errors.Is(err, payment.ErrGatewayRejected) {
		failed, changed, ferr := s.mutate(ctx, o.ID, func(cur *order.Order) (*order.Order, error) {
			if cur.Status != order.StatusAwaitingGateway {
				return nil, nil
			}
			return order.Transition(cur, order.Event{Kind: order.EventPaymentFailed, Reason: order.ReasonPaymentDeclined}, s.now())
		})
		if ferr != nil {
			return o, ferr
		}
		if changed {
			if ferr := s.finish(ctx, failed); ferr != nil {
				return failed, ferr
			}
		}
		return failed, err
	}
	if err != nil {
		return o, err
	}

	updated, _, err := s.mutate(ctx, o.ID, func(cur *order.Order) (*order.Order, error) {
		if cur.GatewayToken == session.Token {
			return nil, nil
		}
		next := cur.Clone()
		if err := next.AssignGatewayToken(session.Token, session.RedirectURL); err != nil {
			return nil, err
		}
		next.UpdatedAt = s.now().UTC()
		return next, nil
	})
	if errors.Is(err, order.ErrInvalidTransition) {
		s.log.Warn("gateway_session_orphaned",
			observability.F("order_id", o.ID),
			observability.F("status", string(updated.Status)),
			observability.F("gateway_token", session.Token),
		)
		return updated, nil
	}
	return updated, err
}
