package inventory

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

var (
	ErrNotFound            = errors.New("inventory: product not found")
	ErrInvalidQuantity     = errors.New("inventory: quantity must be greater than zero")
	ErrInsufficientStock   = errors.New("inventory: insufficient stock")
	ErrReservationNotFound = errors.New("inventory: reservation not found")
	ErrReservationClosed   = errors.New("inventory: reservation already released")
	// ErrContention reports a lost race on a stock row; callers retry.
	ErrContention = errors.New("inventory: stock contention")
)

// StockEntry is the per-product counter pair. Available and Reserved never go negative.
type StockEntry struct {
	ProductID string
	Available int
	Reserved  int
	Version   int64
	UpdatedAt time.Time
}

// Hold moves quantity from available to reserved.
func (e *StockEntry) Hold(quantity int, now time.Time) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	if quantity > e.Available {
		return fmt.Errorf("%w: %s has %d, requested %d", ErrInsufficientStock, e.ProductID, e.Available, quantity)
	}
	e.Available -= quantity
	e.Reserved += quantity
	e.touch(now)
	return nil
}

// Consume drops a held quantity for good.
func (e *StockEntry) Consume(quantity int, now time.Time) error {
	if quantity <= 0 || quantity > e.Reserved {
		return ErrInvalidQuantity
	}
	e.Reserved -= quantity
	e.touch(now)
	return nil
}

// Restore hands a held quantity back to available.
func (e *StockEntry) Restore(quantity int, now time.Time) error {
	if quantity <= 0 || quantity > e.Reserved {
		return ErrInvalidQuantity
	}
	e.Reserved -= quantity
	e.Available += quantity
	e.touch(now)
	return nil
}

// Replenish returns a consumed quantity to available.
func (e *StockEntry) Replenish(quantity int, now time.Time) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	e.Available += quantity
	e.touch(now)
	return nil
}

func (e *StockEntry) touch(now time.Time) {
	e.Version++
	e.UpdatedAt = now.UTC()
}

type Line struct {
	ProductID string
	Quantity  int
}

type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"
	ReservationCommitted ReservationStatus = "committed"
	ReservationReleased  ReservationStatus = "released"
	// ReservationRestocked marks committed stock handed back because its order never completed.
	ReservationRestocked ReservationStatus = "restocked"
)

// StockMove is what closing a reservation does to each of its lines.
type StockMove int

const (
	MoveNone      StockMove = iota
	MoveConsume             // reserved -= qty
	MoveRestore             // reserved -= qty, available += qty
	MoveReplenish           // available += qty
)

// CloseReservation decides how a reservation in status from is closed toward target. It returns
// the status to store and the move to apply; MoveNone means nothing is written.
func CloseReservation(from, target ReservationStatus) (ReservationStatus, StockMove, error) {
	if from == target {
		return from, MoveNone, nil
	}
	switch from {
	case ReservationActive:
		switch target {
		case ReservationCommitted:
			return ReservationCommitted, MoveConsume, nil
		case ReservationReleased, ReservationRestocked:
			return ReservationReleased, MoveRestore, nil
		}
	case ReservationCommitted:
		switch target {
		case ReservationReleased:
			return from, MoveNone, nil
		case ReservationRestocked:
			return ReservationRestocked, MoveReplenish, nil
		}
	case ReservationReleased, ReservationRestocked:
		if target == ReservationCommitted {
			return from, MoveNone, ErrReservationClosed
		}
		return from, MoveNone, nil
	}
	return from, MoveNone, fmt.Errorf("inventory: cannot move reservation from %s to %s", from, target)
}

// Reservation links an order to the stock it holds.
type Reservation struct {
	ID        string
	OrderID   string
	Lines     []Line
	Status    ReservationStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r *Reservation) Clone() *Reservation {
	if r == nil {
		return nil
	}
	c := *r
	c.Lines = slices.Clone(r.Lines)
	return &c
}

// NormalizeLines validates lines, merges duplicates and sorts by product id so that multi-product
// locks are always taken in the same order.
func NormalizeLines(lines []Line) ([]Line, error) {
	if len(lines) == 0 {
		return nil, ErrInvalidQuantity
	}
	merged := make(map[string]int, len(lines))
	for _, l := range lines {
		if l.ProductID == "" || l.Quantity <= 0 {
			return nil, ErrInvalidQuantity
		}
		merged[l.ProductID] += l.Quantity
	}
	out := make([]Line, 0, len(merged))
	for id, qty := range merged {
		out = append(out, Line{ProductID: id, Quantity: qty})
	}
	slices.SortFunc(out, func(a, b Line) int { return strings.Compare(a.ProductID, b.ProductID) })
	return out, nil
}
