package order

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition(t *testing.T) {
	now := createdAt.Add(time.Minute)

	tests := []struct {
		name       string
		from       Status
		event      Event
		wantStatus Status
		wantErr    bool
	}{
		{name: "reserve ok", from: StatusPending, event: Event{Kind: EventReserved, ReservationID: "res-1"}, wantStatus: StatusAwaitingGateway},
		{name: "reserve without id", from: StatusPending, event: Event{Kind: EventReserved}, wantErr: true},
		{name: "insufficient stock", from: StatusPending, event: Event{Kind: EventReservationFailed}, wantStatus: StatusFailed},
		{name: "pending skips gateway", from: StatusPending, event: Event{Kind: EventPaymentSucceeded}, wantErr: true},
		{name: "pending cannot settle", from: StatusPending, event: Event{Kind: EventSettled}, wantErr: true},
		{name: "payment succeeded", from: StatusAwaitingGateway, event: Event{Kind: EventPaymentSucceeded}, wantStatus: StatusSettling},
		{name: "payment failed", from: StatusAwaitingGateway, event: Event{Kind: EventPaymentFailed}, wantStatus: StatusFailed},
		{name: "awaiting expired", from: StatusAwaitingGateway, event: Event{Kind: EventExpired}, wantStatus: StatusFailed},
		{name: "awaiting cannot settle directly", from: StatusAwaitingGateway, event: Event{Kind: EventSettled}, wantErr: true},
		{name: "settled", from: StatusSettling, event: Event{Kind: EventSettled}, wantStatus: StatusCompleted},
		{name: "settling ignores expiry", from: StatusSettling, event: Event{Kind: EventExpired}, wantErr: true},
		{name: "cancel pending", from: StatusPending, event: Event{Kind: EventCancelRequested}, wantStatus: StatusCancelled},
		{name: "cancel awaiting", from: StatusAwaitingGateway, event: Event{Kind: EventCancelRequested}, wantStatus: StatusCancelled},
		{name: "cancel settling", from: StatusSettling, event: Event{Kind: EventCancelRequested}, wantStatus: StatusCancelled},
		{name: "exhausted settling", from: StatusSettling, event: Event{Kind: EventRetriesExhausted}, wantStatus: StatusFailed},
		{name: "completed is terminal", from: StatusCompleted, event: Event{Kind: EventCancelRequested}, wantErr: true},
		{name: "failed is terminal", from: StatusFailed, event: Event{Kind: EventPaymentSucceeded}, wantErr: true},
		{name: "cancelled is terminal", from: StatusCancelled, event: Event{Kind: EventRetriesExhausted}, wantErr: true},
		{name: "unknown event", from: StatusPending, event: Event{Kind: "refund"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := &Order{ID: "ord-1", Status: tt.from, Version: 3, UpdatedAt: createdAt}
			next, err := Transition(o, tt.event, now)
			if tt.wantErr {
				require.Error(t, err)
				assert.Nil(t, next)
				assert.Equal(t, tt.from, o.Status, "original must stay untouched")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, next.Status)
			assert.Equal(t, now, next.UpdatedAt)
			assert.Equal(t, int64(3), next.Version, "repository owns the version")
			assert.Equal(t, tt.from, o.Status, "transition works on a copy")
		})
	}
}

func TestTransitionRecordsReasons(t *testing.T) {
	o := &Order{ID: "ord-1", Status: StatusAwaitingGateway}

	next, err := Transition(o, Event{Kind: EventExpired}, createdAt)
	require.NoError(t, err)
	assert.Equal(t, ReasonPaymentTimeout, next.FailureReason)

	next, err = Transition(o, Event{Kind: EventPaymentFailed, Reason: "card_declined"}, createdAt)
	require.NoError(t, err)
	assert.Equal(t, "card_declined", next.FailureReason)
}

func TestTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusSettling.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.True(t, StatusFailed.Terminal())
}
