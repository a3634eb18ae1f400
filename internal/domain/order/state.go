package order

import (
	"fmt"
	"time"
)

// EventKind names an input to the order state machine.
type EventKind string

const (
	EventReserved          EventKind = "reserved"
	EventReservationFailed EventKind = "reservation_failed"
	EventPaymentSucceeded  EventKind = "payment_succeeded"
	EventPaymentFailed     EventKind = "payment_failed"
	EventSettled           EventKind = "settled"
	EventExpired           EventKind = "expired"
	EventCancelRequested   EventKind = "cancel_requested"
	EventRetriesExhausted  EventKind = "retries_exhausted"
)

// Failure reasons recorded on the order.
const (
	ReasonInsufficientStock = "insufficient_stock"
	ReasonPaymentDeclined   = "payment_declined"
	ReasonPaymentTimeout    = "payment_timeout"
	ReasonRetriesExhausted  = "retries_exhausted"
	ReasonCancelled         = "cancelled_by_request"
)

type Event struct {
	Kind          EventKind
	ReservationID string
	Reason        string
}

// OrderState implements the state pattern for order lifecycle transitions.
type OrderState interface {
	Status() Status
	OnReserved(o *Order, reservationID string) (OrderState, error)
	OnReservationFailed(o *Order, reason string) (OrderState, error)
	OnPaymentSucceeded(o *Order) (OrderState, error)
	OnPaymentFailed(o *Order, reason string) (OrderState, error)
	OnSettled(o *Order) (OrderState, error)
	OnExpired(o *Order) (OrderState, error)
	OnCancel(o *Order, reason string) (OrderState, error)
	OnRetriesExhausted(o *Order, reason string) (OrderState, error)
}

// Transition applies e to a copy of o. On error o is returned untouched and the copy is discarded.
func Transition(o *Order, e Event, now time.Time) (*Order, error) {
	if o == nil {
		return nil, ErrNotFound
	}
	next := o.Clone()
	current := stateOf(next.Status)
	if current == nil {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next.Status)
	}

	var (
		st  OrderState
		err error
	)
	switch e.Kind {
	case EventReserved:
		st, err = current.OnReserved(next, e.ReservationID)
	case EventReservationFailed:
		st, err = current.OnReservationFailed(next, e.Reason)
	case EventPaymentSucceeded:
		st, err = current.OnPaymentSucceeded(next)
	case EventPaymentFailed:
		st, err = current.OnPaymentFailed(next, e.Reason)
	case EventSettled:
		st, err = current.OnSettled(next)
	case EventExpired:
		st, err = current.OnExpired(next)
	case EventCancelRequested:
		st, err = current.OnCancel(next, e.Reason)
	case EventRetriesExhausted:
		st, err = current.OnRetriesExhausted(next, e.Reason)
	default:
		err = ErrInvalidTransition
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s on %s", err, e.Kind, o.Status)
	}

	next.Status = st.Status()
	next.UpdatedAt = now.UTC()
	return next, nil
}

func stateOf(s Status) OrderState {
	switch s {
	case StatusPending:
		return pendingState{}
	case StatusAwaitingGateway:
		return awaitingGatewayState{}
	case StatusSettling:
		return settlingState{}
	case StatusCompleted:
		return completedState{}
	case StatusCancelled:
		return cancelledState{}
	case StatusFailed:
		return failedState{}
	default:
		return nil
	}
}

// rejectAll refuses every event; states embed it and override what they accept.
type rejectAll struct{}

func (rejectAll) OnReserved(*Order, string) (OrderState, error) {
	return nil, ErrInvalidTransition
}

func (rejectAll) OnReservationFailed(*Order, string) (OrderState, error) {
	return nil, ErrInvalidTransition
}

func (rejectAll) OnPaymentSucceeded(*Order) (OrderState, error) {
	return nil, ErrInvalidTransition
}

func (rejectAll) OnPaymentFailed(*Order, string) (OrderState, error) {
	return nil, ErrInvalidTransition
}

func (rejectAll) OnSettled(*Order) (OrderState, error) {
	return nil, ErrInvalidTransition
}

func (rejectAll) OnExpired(*Order) (OrderState, error) {
	return nil, ErrInvalidTransition
}

func (rejectAll) OnCancel(*Order, string) (OrderState, error) {
	return nil, ErrInvalidTransition
}

func (rejectAll) OnRetriesExhausted(*Order, string) (OrderState, error) {
	return nil, ErrInvalidTransition
}

// openState holds the exits shared by every non-terminal state.
type openState struct{ rejectAll }

func (openState) OnCancel(o *Order, reason string) (OrderState, error) {
	if reason == "" {
		reason = ReasonCancelled
	}
	o.FailureReason = reason
	return cancelledState{}, nil
}

func (openState) OnRetriesExhausted(o *Order, reason string) (OrderState, error) {
	if reason == "" {
		reason = ReasonRetriesExhausted
	}
	o.FailureReason = reason
	return failedState{}, nil
}

type pendingState struct{ openState }

func (pendingState) Status() Status { return StatusPending }

func (pendingState) OnReserved(o *Order, reservationID string) (OrderState, error) {
	if reservationID == "" {
		return nil, validation("reservation id is required")
	}
	o.ReservationID = reservationID
	o.FailureReason = ""
	return awaitingGatewayState{}, nil
}

func (pendingState) OnReservationFailed(o *Order, reason string) (OrderState, error) {
	if reason == "" {
		reason = ReasonInsufficientStock
	}
	o.FailureReason = reason
	return failedState{}, nil
}

// A pending order only expires when the process died before the reservation step finished.
func (pendingState) OnExpired(o *Order) (OrderState, error) {
	o.FailureReason = ReasonPaymentTimeout
	return failedState{}, nil
}

type awaitingGatewayState struct{ openState }

func (awaitingGatewayState) Status() Status { return StatusAwaitingGateway }

func (awaitingGatewayState) OnPaymentSucceeded(*Order) (OrderState, error) {
	return settlingState{}, nil
}

func (awaitingGatewayState) OnPaymentFailed(o *Order, reason string) (OrderState, error) {
	if reason == "" {
		reason = ReasonPaymentDeclined
	}
	o.FailureReason = reason
	return failedState{}, nil
}

func (awaitingGatewayState) OnExpired(o *Order) (OrderState, error) {
	o.FailureReason = ReasonPaymentTimeout
	return failedState{}, nil
}

type settlingState struct{ openState }

func (settlingState) Status() Status { return StatusSettling }

func (settlingState) OnSettled(o *Order) (OrderState, error) {
	o.FailureReason = ""
	return completedState{}, nil
}

type completedState struct{ rejectAll }

func (completedState) Status() Status { return StatusCompleted }

type cancelledState struct{ rejectAll }

func (cancelledState) Status() Status { return StatusCancelled }

type failedState struct{ rejectAll }

func (failedState) Status() Status { return StatusFailed }
