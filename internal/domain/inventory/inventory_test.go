package inventory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStockEntryHoldRestoreRoundTrip(t *testing.T) {
	now := time.Now()
	e := &StockEntry{ProductID: "sku-1", Available: 5}

	require.NoError(t, e.Hold(3, now))
	assert.Equal(t, 2, e.Available)
	assert.Equal(t, 3, e.Reserved)

	require.NoError(t, e.Restore(3, now))
	assert.Equal(t, 5, e.Available)
	assert.Equal(t, 0, e.Reserved)
	assert.Equal(t, int64(2), e.Version)
}

func TestStockEntryHoldInsufficient(t *testing.T) {
	e := &StockEntry{ProductID: "sku-1", Available: 2}

	err := e.Hold(3, time.Now())
	assert.ErrorIs(t, err, ErrInsufficientStock)
	assert.Equal(t, 2, e.Available)
	assert.Equal(t, 0, e.Reserved)
}

func TestStockEntryConsume(t *testing.T) {
	e := &StockEntry{ProductID: "sku-1", Available: 1, Reserved: 2}

	require.NoError(t, e.Consume(2, time.Now()))
	assert.Equal(t, 1, e.Available)
	assert.Equal(t, 0, e.Reserved)
	assert.ErrorIs(t, e.Consume(1, time.Now()), ErrInvalidQuantity)
}

func TestNormalizeLines(t *testing.T) {
	lines, err := NormalizeLines([]Line{
		{ProductID: "b", Quantity: 1},
		{ProductID: "a", Quantity: 2},
		{ProductID: "b", Quantity: 4},
	})
	require.NoError(t, err)
	assert.Equal(t, []Line{{ProductID: "a", Quantity: 2}, {ProductID: "b", Quantity: 5}}, lines)

	_, err = NormalizeLines(nil)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = NormalizeLines([]Line{{ProductID: "a", Quantity: 0}})
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestCloseReservation(t *testing.T) {
	tests := []struct {
		from, target ReservationStatus
		next         ReservationStatus
		move         StockMove
		err          error
	}{
		{from: ReservationActive, target: ReservationCommitted, next: ReservationCommitted, move: MoveConsume},
		{from: ReservationActive, target: ReservationReleased, next: ReservationReleased, move: MoveRestore},
		{from: ReservationActive, target: ReservationRestocked, next: ReservationReleased, move: MoveRestore},
		{from: ReservationCommitted, target: ReservationCommitted, next: ReservationCommitted, move: MoveNone},
		{from: ReservationCommitted, target: ReservationReleased, next: ReservationCommitted, move: MoveNone},
		{from: ReservationCommitted, target: ReservationRestocked, next: ReservationRestocked, move: MoveReplenish},
		{from: ReservationReleased, target: ReservationCommitted, next: ReservationReleased, move: MoveNone, err: ErrReservationClosed},
		{from: ReservationReleased, target: ReservationRestocked, next: ReservationReleased, move: MoveNone},
		{from: ReservationRestocked, target: ReservationCommitted, next: ReservationRestocked, move: MoveNone, err: ErrReservationClosed},
		{from: ReservationRestocked, target: ReservationReleased, next: ReservationRestocked, move: MoveNone},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.target), func(t *testing.T) {
			next, move, err := CloseReservation(tt.from, tt.target)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.next, next)
			assert.Equal(t, tt.move, move)
		})
	}
}

func TestStockEntryReplenish(t *testing.T) {
	e := &StockEntry{ProductID: "sku-1", Available: 2}
	require.NoError(t, e.Replenish(3, time.Now()))
	assert.Equal(t, 5, e.Available)
	assert.Equal(t, 0, e.Reserved)
	assert.ErrorIs(t, e.Replenish(0, time.Now()), ErrInvalidQuantity)
}
