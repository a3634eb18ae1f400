package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	domain "github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
)

type EventStore struct {
	db *DB
}

func NewEventStore(db *DB) *EventStore {
	return &EventStore{db: db}
}

func (s *EventStore) Record(ctx context.Context, e *domain.Event) (*domain.Event, bool, error) {
	if e == nil || e.TransactionID == "" {
		return nil, false, domain.ErrMalformedEvent
	}
	result, err := s.db.db.ExecContext(ctx, `
		INSERT INTO gateway_events (transaction_id, token, outcome, reason, payload, occurred_at, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transaction_id) DO NOTHING`,
		e.TransactionID, e.Token, string(e.Outcome), e.Reason, e.Payload, toNanos(e.OccurredAt), toNanos(e.ReceivedAt))
	if err != nil {
		return nil, false, classify(err)
	}
	created := false
	if n, _ := result.RowsAffected(); n == 1 {
		created = true
	}
	stored, err := s.Get(ctx, e.TransactionID)
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func (s *EventStore) MarkApplied(ctx context.Context, transactionID string, result domain.Result, at time.Time) error {
	res, err := s.db.db.ExecContext(ctx, `
		UPDATE gateway_events SET applied_at = ?, result = ? WHERE transaction_id = ? AND applied_at = 0`,
		toNanos(at), string(result), transactionID)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, transactionID); err != nil {
			return err
		}
	}
	return nil
}

func (s *EventStore) Get(ctx context.Context, transactionID string) (*domain.Event, error) {
	var (
		e                           = domain.Event{TransactionID: transactionID}
		outcome, result             string
		occurred, received, applied int64
	)
	err := s.db.db.QueryRowContext(ctx, `
		SELECT token, outcome, reason, payload, occurred_at, received_at, applied_at, result
		FROM gateway_events WHERE transaction_id = ?`, transactionID).
		Scan(&e.Token, &outcome, &e.Reason, &e.Payload, &occurred, &received, &applied, &result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrEventNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	e.Outcome = domain.Outcome(outcome)
	e.Result = domain.Result(result)
	e.OccurredAt = fromNanos(occurred)
	e.ReceivedAt = fromNanos(received)
	e.AppliedAt = fromNanos(applied)
	return &e, nil
}
