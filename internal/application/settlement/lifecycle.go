package settlement

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/inventory"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/job"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability/logctx"
)

type CancelInput struct {
	OrderID string
	// ExpectedVersion, when non-zero, must match the stored version.
	ExpectedVersion int64
}

// Cancel closes an open order at the customer's request and releases its stock.
func (s *Service) Cancel(ctx context.Context, in CancelInput) (_ *order.Order, err error) {
	ctx, uc := s.begin(ctx, useCaseCancel, "Cancel", attribute.String("order.id", in.OrderID))
	defer func() { uc.end(err) }()

	cancelled, changed, err := s.mutate(ctx, in.OrderID, func(cur *order.Order) (*order.Order, error) {
		if in.ExpectedVersion != 0 && cur.Version != in.ExpectedVersion {
			return nil, fmt.Errorf("%w: expected %d, found %d", order.ErrVersionConflict, in.ExpectedVersion, cur.Version)
		}
		return order.Transition(cur, order.Event{Kind: order.EventCancelRequested, Reason: order.ReasonCancelled}, s.now())
	})
	if err != nil {
		return nil, err
	}
	if changed {
		if err := s.finish(ctx, cancelled); err != nil {
			return cancelled, err
		}
	}
	return cancelled, nil
}

// Expire fails an order still open after the payment timeout. It doubles as a reconciler: a
// Settling order is driven to completion and a closed order gets its reservation released again.
func (s *Service) Expire(ctx context.Context, orderID string) (err error) {
	ctx, uc := s.begin(ctx, useCaseExpire, "Expire", attribute.String("order.id", orderID))
	defer func() { uc.end(err) }()

	expired, changed, err := s.mutate(ctx, orderID, func(cur *order.Order) (*order.Order, error) {
		if cur.Status.Terminal() || cur.Status == order.StatusSettling {
			return nil, nil
		}
		return order.Transition(cur, order.Event{Kind: order.EventExpired}, s.now())
	})
	if errors.Is(err, order.ErrNotFound) {
		// Expiry is scheduled before the order is stored; the insert never happened.
		uc.note("ORDER_NEVER_STORED")
		return nil
	}
	if err != nil {
		return err
	}

	switch {
	case changed:
		uc.note("EXPIRED")
		return s.finish(ctx, expired)
	case expired.Status == order.StatusSettling:
		uc.note("SETTLEMENT_RESUMED")
		_, err := s.completeSettlement(ctx, expired)
		return err
	case expired.Status != order.StatusCompleted:
		uc.note("RESERVATION_REPAIRED")
		return s.release(ctx, expired)
	default:
		uc.note("ALREADY_COMPLETED")
		return nil
	}
}

// InitiatePayment retries opening a payment session for an order awaiting the gateway.
func (s *Service) InitiatePayment(ctx context.Context, orderID string) (err error) {
	ctx, uc := s.begin(ctx, useCaseInitiate, "InitiatePayment", attribute.String("order.id", orderID))
	defer func() { uc.end(err) }()

	o, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != order.StatusAwaitingGateway || o.GatewayToken != "" {
		uc.note("NOTHING_TO_DO")
		return nil
	}
	_, err = s.initiate(ctx, o)
	if errors.Is(err, payment.ErrGatewayRejected) {
		return job.Permanent(err)
	}
	return err
}

// ReserveOrder retries the reservation of a Pending order and then opens its payment session.
func (s *Service) ReserveOrder(ctx context.Context, orderID string) (err error) {
	ctx, uc := s.begin(ctx, useCaseReserve, "ReserveOrder", attribute.String("order.id", orderID))
	defer func() { uc.end(err) }()

	o, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != order.StatusPending {
		uc.note("NOTHING_TO_DO")
		return nil
	}
	reserved, err := s.reserve(ctx, o)
	if errors.Is(err, inventory.ErrInsufficientStock) {
		uc.note("INSUFFICIENT_STOCK")
		return nil
	}
	if err != nil {
		return err
	}
	if reserved.Status != order.StatusAwaitingGateway {
		return nil
	}

	_, err = s.initiate(ctx, reserved)
	switch {
	case err == nil, errors.Is(err, payment.ErrGatewayRejected):
		return nil
	case IsTransient(err):
		// The reservation stands; only the session is retried.
		uc.note("PAYMENT_DEFERRED")
		return s.retryOrder(ctx, OpInitiatePayment, orderID)
	default:
		return err
	}
}

// ReleaseReservation retries returning the stock of a closed order.
func (s *Service) ReleaseReservation(ctx context.Context, orderID string) (err error) {
	ctx, uc := s.begin(ctx, useCaseRelease, "ReleaseReservation", attribute.String("order.id", orderID))
	defer func() { uc.end(err) }()

	o, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if !o.Status.Terminal() || o.Status == order.StatusCompleted {
		uc.note("NOTHING_TO_DO")
		return nil
	}
	return s.release(ctx, o)
}

// Notify publishes the lifecycle event of a terminal order.
func (s *Service) Notify(ctx context.Context, orderID string) (err error) {
	ctx, uc := s.begin(ctx, useCaseNotify, "Notify", attribute.String("order.id", orderID))
	defer func() { uc.end(err) }()

	o, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if !o.Status.Terminal() {
		return job.Permanent(fmt.Errorf("settlement: order %s is %s, not terminal", o.ID, o.Status))
	}
	ev := order.NewLifecycleEvent(o)
	uc.with(observability.F("event", ev.EventName()))
	return s.publisher.Publish(ctx, ev)
}

// FailExhausted fails an open order whose follow-up job ran out of attempts. Settling orders are
// left to Expire, which completes them.
func (s *Service) FailExhausted(ctx context.Context, orderID string, cause error) (err error) {
	ctx, uc := s.begin(ctx, useCaseExhausted, "FailExhausted", attribute.String("order.id", orderID))
	defer func() { uc.end(err) }()
	if cause != nil {
		uc.with(observability.F("cause", cause.Error()))
	}

	failed, changed, err := s.mutate(ctx, orderID, func(cur *order.Order) (*order.Order, error) {
		if cur.Status.Terminal() || cur.Status == order.StatusSettling {
			return nil, nil
		}
		return order.Transition(cur, order.Event{Kind: order.EventRetriesExhausted, Reason: order.ReasonRetriesExhausted}, s.now())
	})
	if errors.Is(err, order.ErrNotFound) {
		uc.note("ORDER_NOT_FOUND")
		return nil
	}
	if err != nil || !changed {
		return err
	}
	return s.finish(ctx, failed)
}

// ExhaustEvent closes a gateway event that could not be applied. An event no order claims is
// marked orphaned; otherwise its order is failed.
func (s *Service) ExhaustEvent(ctx context.Context, transactionID string, cause error) (err error) {
	ctx, uc := s.begin(ctx, useCaseEventExpiry, "ExhaustEvent", attribute.String("payment.transaction_id", transactionID))
	defer func() { uc.end(err) }()

	ev, err := s.events.Get(ctx, transactionID)
	if errors.Is(err, payment.ErrEventNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if ev.Applied() {
		return nil
	}

	result, status := payment.ResultExhausted, "EVENT_EXHAUSTED"
	o, err := s.orders.FindByGatewayToken(ctx, ev.Token)
	switch {
	case errors.Is(err, order.ErrNotFound):
		result, status = payment.ResultOrphaned, "EVENT_ORPHANED"
		logctx.FromOr(ctx, s.log).Error("gateway_event_orphaned",
			observability.F("transaction_id", ev.TransactionID),
			observability.F("gateway_token", ev.Token),
			observability.F("payment_outcome", string(ev.Outcome)),
		)
	case err != nil:
		return wrapRepositoryError(err)
	default:
		if err := s.FailExhausted(ctx, o.ID, cause); err != nil {
			return err
		}
	}
	uc.note(status)
	s.eventCounter.Add(1, observability.L("outcome", string(ev.Outcome)), observability.L("result", string(result)))
	return s.events.MarkApplied(ctx, transactionID, result, s.now())
}

// finish runs the side effects of reaching a terminal state: stock goes back unless the order
// completed, then the notification is queued.
func (s *Service) finish(ctx context.Context, o *order.Order) error {
	if o.Status != order.StatusCompleted {
		if err := s.release(ctx, o); err != nil {
			if !IsTransient(err) {
				return err
			}
			logctx.FromOr(ctx, s.log).Warn("reservation_release_deferred",
				observability.F("order_id", o.ID),
				observability.F("error", err),
			)
			if err := s.retryOrder(ctx, OpReleaseReservation, o.ID); err != nil {
				return err
			}
		}
	}
	return s.scheduleNotify(ctx, o.ID)
}

// release hands the stock of an order that closed without completing back to available. A
// reservation already committed by a racing settlement is restocked as well.
func (s *Service) release(ctx context.Context, o *order.Order) error {
	reservationID := o.ReservationID
	if reservationID == "" {
		// A reservation may exist whose id never reached the order.
		res, err := s.ledger.FindByOrder(ctx, o.ID)
		if errors.Is(err, inventory.ErrReservationNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		reservationID = res.ID
	}
	err := s.ledger.Restock(ctx, reservationID)
	if errors.Is(err, inventory.ErrReservationNotFound) {
		return nil
	}
	return err
}
