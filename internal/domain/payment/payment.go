package payment

import (
	"errors"
	"time"
)

var (
	ErrGatewayUnavailable = errors.New("payment: gateway unavailable")
	ErrGatewayTimeout     = errors.New("payment: gateway timeout")
	ErrGatewayRejected    = errors.New("payment: gateway rejected request")
	ErrMalformedEvent     = errors.New("payment: malformed gateway event")
	ErrEventNotFound      = errors.New("payment: event not found")
)

// IsTransient reports whether a gateway failure may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable) || errors.Is(err, ErrGatewayTimeout)
}

type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomePending   Outcome = "pending"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSucceeded, OutcomeFailed, OutcomePending:
		return true
	default:
		return false
	}
}

// Result records what settlement did with an event.
type Result string

const (
	ResultApplied     Result = "applied"
	ResultPending     Result = "pending"
	ResultStale       Result = "stale"
	ResultLatePayment Result = "late_payment"
	ResultOrphaned    Result = "orphaned"
	ResultConflict    Result = "conflict"
	ResultExhausted   Result = "exhausted"
)

// Event is the canonical form of a provider notification. It is immutable once recorded; the
// transaction id is the deduplication key.
type Event struct {
	TransactionID string
	Token         string
	Outcome       Outcome
	Reason        string
	Payload       []byte
	OccurredAt    time.Time
	ReceivedAt    time.Time
	AppliedAt     time.Time
	Result        Result
}

func (e *Event) Applied() bool { return e != nil && !e.AppliedAt.IsZero() }

func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	c.Payload = append([]byte(nil), e.Payload...)
	return &c
}
