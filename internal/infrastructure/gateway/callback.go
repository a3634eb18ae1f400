package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
)

// Callback is the provider's notification body.
type Callback struct {
	TransactionID string    `json:"transaction_id"`
	Token         string    `json:"token"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

func (c Callback) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// statuses maps provider vocabulary onto outcomes.
var statuses = map[string]payment.Outcome{
	"succeeded":  payment.OutcomeSucceeded,
	"success":    payment.OutcomeSucceeded,
	"paid":       payment.OutcomeSucceeded,
	"failed":     payment.OutcomeFailed,
	"declined":   payment.OutcomeFailed,
	"cancelled":  payment.OutcomeFailed,
	"pending":    payment.OutcomePending,
	"processing": payment.OutcomePending,
}

// Normalize verifies raw against signature and converts it into a payment event.
func Normalize(signer Signer, raw []byte, signature string, receivedAt time.Time) (*payment.Event, error) {
	if !signer.Verify(raw, signature) {
		return nil, fmt.Errorf("%w: signature mismatch", payment.ErrMalformedEvent)
	}

	var cb Callback
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&cb); err != nil {
		return nil, fmt.Errorf("%w: %v", payment.ErrMalformedEvent, err)
	}
	if cb.TransactionID == "" || cb.Token == "" {
		return nil, fmt.Errorf("%w: transaction_id and token are required", payment.ErrMalformedEvent)
	}
	outcome, ok := statuses[strings.ToLower(cb.Status)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown status %q", payment.ErrMalformedEvent, cb.Status)
	}

	return &payment.Event{
		TransactionID: cb.TransactionID,
		Token:         cb.Token,
		Outcome:       outcome,
		Reason:        cb.Reason,
		Payload:       append([]byte(nil), raw...),
		OccurredAt:    cb.OccurredAt.UTC(),
		ReceivedAt:    receivedAt.UTC(),
	}, nil
}
