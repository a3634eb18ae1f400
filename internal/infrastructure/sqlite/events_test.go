package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
)

func TestEventStoreDeduplicatesByTransaction(t *testing.T) {
	ctx := context.Background()
	store := NewEventStore(openTestDB(t))
	received := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	stored, created, err := store.Record(ctx, &domain.Event{
		TransactionID: "tx-1", Token: "tok-1", Outcome: domain.OutcomeSucceeded,
		Payload: []byte(`{"id":"tx-1"}`), ReceivedAt: received,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.False(t, stored.Applied())

	again, created, err := store.Record(ctx, &domain.Event{TransactionID: "tx-1", Token: "tok-1", Outcome: domain.OutcomeFailed})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, domain.OutcomeSucceeded, again.Outcome)

	require.NoError(t, store.MarkApplied(ctx, "tx-1", domain.ResultApplied, received.Add(time.Second)))
	require.NoError(t, store.MarkApplied(ctx, "tx-1", domain.ResultStale, received.Add(time.Hour)))

	got, err := store.Get(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ResultApplied, got.Result)
	assert.Equal(t, received.Add(time.Second), got.AppliedAt)

	assert.ErrorIs(t, store.MarkApplied(ctx, "tx-9", domain.ResultApplied, received), domain.ErrEventNotFound)
}
