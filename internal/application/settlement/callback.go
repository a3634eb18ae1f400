package settlement

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/inventory"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability/logctx"
)

// CallbackInput is a gateway notification as received: the raw body and its signature header.
type CallbackInput struct {
	Body      []byte
	Signature string
}

type CallbackResult struct {
	TransactionID string
	Outcome       payment.Outcome
	Result        payment.Result
	// Duplicate is set when the transaction id had already been applied.
	Duplicate bool
	// Deferred is set when settlement did not finish within the callback budget and was handed
	// to a job. The event is durably recorded either way.
	Deferred bool
}

// HandleCallback verifies, deduplicates and applies a gateway notification. Any error other
// than ErrMalformedEvent means the event was not recorded and the gateway should redeliver.
func (s *Service) HandleCallback(ctx context.Context, in CallbackInput) (_ *CallbackResult, err error) {
	ctx, uc := s.begin(ctx, useCaseCallback, "HandleCallback")
	defer func() { uc.end(err) }()

	ev, err := s.gateway.NormalizeCallback(in.Body, in.Signature)
	if err != nil {
		return nil, err
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = s.now().UTC()
	}
	uc.span.SetAttributes(
		attribute.String("payment.transaction_id", ev.TransactionID),
		attribute.String("payment.outcome", string(ev.Outcome)),
	)
	uc.with(observability.F("transaction_id", ev.TransactionID), observability.F("payment_outcome", string(ev.Outcome)))

	res := &CallbackResult{TransactionID: ev.TransactionID, Outcome: ev.Outcome}
	// Pending is informational. It is not recorded so the final event under the same
	// transaction id still applies.
	if ev.Outcome == payment.OutcomePending {
		uc.note("PENDING_ACKNOWLEDGED")
		res.Result = payment.ResultPending
		s.eventCounter.Add(1, observability.L("outcome", string(ev.Outcome)), observability.L("result", string(res.Result)))
		return res, nil
	}

	stored, created, err := s.events.Record(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("%w: record gateway event: %w", ErrRepository, err)
	}
	if stored.Applied() {
		uc.note("DUPLICATE_EVENT")
		res.Duplicate = true
		res.Result = stored.Result
		return res, nil
	}
	if !created {
		// Recorded by an earlier delivery that never finished applying.
		uc.with(observability.F("redelivery", true))
	}

	applyCtx, cancel := context.WithTimeout(ctx, s.cfg.CallbackBudget)
	defer cancel()
	result, err := s.apply(applyCtx, stored)
	if err != nil {
		if !IsTransient(err) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if derr := s.deferEvent(ctx, stored.TransactionID); derr != nil {
			return nil, fmt.Errorf("settlement: defer gateway event: %w", derr)
		}
		uc.note("SETTLEMENT_DEFERRED")
		uc.with(observability.F("defer_cause", err.Error()))
		res.Deferred = true
		return res, nil
	}
	res.Result = result
	uc.with(observability.F("result", string(result)))
	return res, nil
}

// ApplyEvent re-drives a recorded gateway event. Already applied events are skipped.
func (s *Service) ApplyEvent(ctx context.Context, transactionID string) (err error) {
	ctx, uc := s.begin(ctx, useCaseApplyEvent, "ApplyEvent", attribute.String("payment.transaction_id", transactionID))
	defer func() { uc.end(err) }()

	ev, err := s.events.Get(ctx, transactionID)
	if err != nil {
		return err
	}
	if ev.Applied() {
		uc.note("ALREADY_APPLIED")
		return nil
	}
	result, err := s.apply(ctx, ev)
	if err != nil {
		return err
	}
	uc.with(observability.F("result", string(result)))
	return nil
}

func (s *Service) apply(ctx context.Context, ev *payment.Event) (payment.Result, error) {
	o, err := s.orders.FindByGatewayToken(ctx, ev.Token)
	if errors.Is(err, order.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", errUnknownToken, ev.Token)
	}
	if err != nil {
		return "", wrapRepositoryError(err)
	}
	ctx, _ = logctx.Enrich(ctx, s.log, observability.F("order_id", o.ID), observability.F("transaction_id", ev.TransactionID))

	var result payment.Result
	switch ev.Outcome {
	case payment.OutcomeSucceeded:
		result, err = s.settle(ctx, o)
	case payment.OutcomeFailed:
		result, err = s.decline(ctx, o, ev)
	default:
		return "", fmt.Errorf("%w: outcome %q cannot be applied", payment.ErrMalformedEvent, ev.Outcome)
	}
	if err != nil {
		return "", err
	}

	if err := s.events.MarkApplied(ctx, ev.TransactionID, result, s.now()); err != nil {
		return "", fmt.Errorf("%w: mark event applied: %w", ErrRepository, err)
	}
	s.eventCounter.Add(1, observability.L("outcome", string(ev.Outcome)), observability.L("result", string(result)))
	return result, nil
}

// settle applies a successful payment: AwaitingGateway -> Settling -> commit -> Completed. An
// order already Settling resumes from the commit.
func (s *Service) settle(ctx context.Context, o *order.Order) (payment.Result, error) {
	cur, _, err := s.mutate(ctx, o.ID, func(cur *order.Order) (*order.Order, error) {
		if cur.Status != order.StatusAwaitingGateway {
			return nil, nil
		}
		return order.Transition(cur, order.Event{Kind: order.EventPaymentSucceeded}, s.now())
	})
	if err != nil {
		return "", err
	}
	switch cur.Status {
	case order.StatusSettling:
	case order.StatusCompleted, order.StatusCancelled, order.StatusFailed:
		return s.lateSuccess(ctx, cur), nil
	default:
		return payment.ResultStale, nil
	}
	return s.completeSettlement(ctx, cur)
}

// completeSettlement commits the reservation of a Settling order and completes it.
func (s *Service) completeSettlement(ctx context.Context, o *order.Order) (payment.Result, error) {
	logger := logctx.FromOr(ctx, s.log)
	if err := s.ledger.Commit(ctx, o.ReservationID); err != nil {
		if !errors.Is(err, inventory.ErrReservationClosed) {
			return "", err
		}
		// Released underneath us: only a cancellation racing the settlement does that.
		latest, gerr := s.orders.Get(ctx, o.ID)
		if gerr != nil {
			return "", wrapRepositoryError(gerr)
		}
		if latest.Status.Terminal() {
			return s.lateSuccess(ctx, latest), nil
		}
		return "", err
	}

	done, changed, err := s.mutate(ctx, o.ID, func(cur *order.Order) (*order.Order, error) {
		if cur.Status != order.StatusSettling {
			return nil, nil
		}
		return order.Transition(cur, order.Event{Kind: order.EventSettled}, s.now())
	})
	if err != nil {
		return "", err
	}
	if done.Status == order.StatusCancelled || done.Status == order.StatusFailed {
		// Closed between our commit and the CAS: the consumed stock goes back.
		logger.Warn("closed_after_commit",
			observability.F("order_id", done.ID),
			observability.F("status", string(done.Status)),
			observability.F("reservation_id", o.ReservationID),
		)
		if err := s.release(ctx, done); err != nil {
			return "", err
		}
		return s.lateSuccess(ctx, done), nil
	}
	if !changed {
		// Another delivery of the same event completed the order.
		return payment.ResultStale, nil
	}
	if err := s.scheduleNotify(ctx, done.ID); err != nil {
		return "", err
	}
	return payment.ResultApplied, nil
}

// lateSuccess classifies a success that arrived after the order closed. A payment for an order
// that did not complete needs a refund, which is out of band.
func (s *Service) lateSuccess(ctx context.Context, o *order.Order) payment.Result {
	if o.Status == order.StatusCompleted {
		return payment.ResultStale
	}
	logctx.FromOr(ctx, s.log).Warn("late_payment",
		observability.F("order_id", o.ID),
		observability.F("status", string(o.Status)),
		observability.F("failure_reason", o.FailureReason),
		observability.F("amount", o.Total),
	)
	return payment.ResultLatePayment
}

func (s *Service) decline(ctx context.Context, o *order.Order, ev *payment.Event) (payment.Result, error) {
	cur, changed, err := s.mutate(ctx, o.ID, func(cur *order.Order) (*order.Order, error) {
		if cur.Status != order.StatusAwaitingGateway {
			return nil, nil
		}
		return order.Transition(cur, order.Event{Kind: order.EventPaymentFailed, Reason: order.ReasonPaymentDeclined}, s.now())
	})
	if err != nil {
		return "", err
	}
	switch {
	case changed:
		if err := s.finish(ctx, cur); err != nil {
			return "", err
		}
		return payment.ResultApplied, nil
	case cur.Status == order.StatusSettling:
		logctx.FromOr(ctx, s.log).Error("conflicting_gateway_event",
			observability.F("order_id", cur.ID),
			observability.F("reason", ev.Reason),
		)
		return payment.ResultConflict, nil
	default:
		return payment.ResultStale, nil
	}
}
