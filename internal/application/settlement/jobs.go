package settlement

import (
	"context"

	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/job"
)

// Job operations owned by settlement.
const (
	OpReserveStock       = "order.reserve"
	OpInitiatePayment    = "payment.initiate"
	OpApplyEvent         = "settlement.apply_event"
	OpExpireOrder        = "order.expire"
	OpNotify             = "order.notify"
	OpReleaseReservation = "inventory.release"
)

// OrderRef is the payload of every order-scoped job.
type OrderRef struct {
	OrderID string `json:"order_id"`
}

// EventRef is the payload of settlement.apply_event.
type EventRef struct {
	TransactionID string `json:"transaction_id"`
}

// Expiry is the liveness backstop, so it outlasts ordinary follow-ups.
const expiryAttempts = 10

func jobKey(op, id string) string { return op + ":" + id }

// retryOrder schedules the follow-up of an order operation whose first attempt already ran inline.
func (s *Service) retryOrder(ctx context.Context, op, orderID string) error {
	_, err := s.jobs.Schedule(context.WithoutCancel(ctx), job.Request{
		Key:       jobKey(op, orderID),
		Operation: op,
		Payload:   OrderRef{OrderID: orderID},
		Attempts:  1,
	})
	return err
}

func (s *Service) scheduleExpiry(ctx context.Context, orderID string) error {
	_, err := s.jobs.Schedule(ctx, job.Request{
		Key:         jobKey(OpExpireOrder, orderID),
		Operation:   OpExpireOrder,
		Payload:     OrderRef{OrderID: orderID},
		RunAt:       s.now().Add(s.cfg.PaymentTimeout),
		MaxAttempts: expiryAttempts,
	})
	return err
}

func (s *Service) scheduleNotify(ctx context.Context, orderID string) error {
	_, err := s.jobs.Schedule(context.WithoutCancel(ctx), job.Request{
		Key:       jobKey(OpNotify, orderID),
		Operation: OpNotify,
		Payload:   OrderRef{OrderID: orderID},
	})
	return err
}

func (s *Service) deferEvent(ctx context.Context, transactionID string) error {
	_, err := s.jobs.Schedule(context.WithoutCancel(ctx), job.Request{
		Key:       jobKey(OpApplyEvent, transactionID),
		Operation: OpApplyEvent,
		Payload:   EventRef{TransactionID: transactionID},
		Attempts:  1,
	})
	return err
}
