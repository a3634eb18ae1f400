package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	domain "github.com/Zhima-Mochi/minishop-checkout/internal/domain/inventory"
)

type stockCell struct {
	mu    sync.Mutex
	entry domain.StockEntry
}

// Ledger keeps stock counters in memory. Each product has its own mutex; multi-product
// reservations lock products in sorted order.
type Ledger struct {
	cellsMu sync.Mutex
	cells   map[string]*stockCell

	resMu        sync.RWMutex
	reservations map[string]*domain.Reservation
	byOrder      map[string]string

	now   func() time.Time
	newID func() string
}

func NewLedger() *Ledger {
	return &Ledger{
		cells:        make(map[string]*stockCell),
		reservations: make(map[string]*domain.Reservation),
		byOrder:      make(map[string]string),
		now:          time.Now,
		newID:        uuid.NewString,
	}
}

func (l *Ledger) cell(productID string, create bool) *stockCell {
	l.cellsMu.Lock()
	defer l.cellsMu.Unlock()

	c, ok := l.cells[productID]
	if !ok && create {
		c = &stockCell{entry: domain.StockEntry{ProductID: productID}}
		l.cells[productID] = c
	}
	return c
}

// lock acquires the cells for lines, which must already be sorted.
func (l *Ledger) lock(lines []domain.Line) ([]*stockCell, func(), error) {
	cells := make([]*stockCell, 0, len(lines))
	unlock := func() {
		for i := len(cells) - 1; i >= 0; i-- {
			cells[i].mu.Unlock()
		}
	}
	for _, line := range lines {
		c := l.cell(line.ProductID, false)
		if c == nil {
			unlock()
			return nil, nil, domain.ErrNotFound
		}
		c.mu.Lock()
		cells = append(cells, c)
	}
	return cells, unlock, nil
}

func (l *Ledger) Reserve(ctx context.Context, orderID string, lines []domain.Line) (*domain.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	normalized, err := domain.NormalizeLines(lines)
	if err != nil {
		return nil, err
	}

	cells, unlock, err := l.lock(normalized)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if existing, err := l.FindByOrder(ctx, orderID); err == nil && existing.Status == domain.ReservationActive {
		return existing, nil
	}

	now := l.now().UTC()
	for i, line := range normalized {
		trial := cells[i].entry
		if err := trial.Hold(line.Quantity, now); err != nil {
			return nil, err
		}
	}
	for i, line := range normalized {
		_ = cells[i].entry.Hold(line.Quantity, now)
	}

	res := &domain.Reservation{
		ID:        l.newID(),
		OrderID:   orderID,
		Lines:     normalized,
		Status:    domain.ReservationActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	l.resMu.Lock()
	l.reservations[res.ID] = res.Clone()
	l.byOrder[orderID] = res.ID
	l.resMu.Unlock()
	return res, nil
}

func (l *Ledger) Commit(ctx context.Context, reservationID string) error {
	return l.close(ctx, reservationID, domain.ReservationCommitted)
}

func (l *Ledger) Release(ctx context.Context, reservationID string) error {
	return l.close(ctx, reservationID, domain.ReservationReleased)
}

func (l *Ledger) Restock(ctx context.Context, reservationID string) error {
	return l.close(ctx, reservationID, domain.ReservationRestocked)
}

func (l *Ledger) close(ctx context.Context, reservationID string, target domain.ReservationStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := l.reservation(reservationID)
	if err != nil {
		return err
	}

	cells, unlock, err := l.lock(res.Lines)
	if err != nil {
		return err
	}
	defer unlock()

	// Re-read under the product locks; a concurrent close may have won.
	res, err = l.reservation(reservationID)
	if err != nil {
		return err
	}
	next, move, err := domain.CloseReservation(res.Status, target)
	if err != nil || move == domain.MoveNone {
		return err
	}

	now := l.now().UTC()
	for i, line := range res.Lines {
		switch move {
		case domain.MoveConsume:
			err = cells[i].entry.Consume(line.Quantity, now)
		case domain.MoveRestore:
			err = cells[i].entry.Restore(line.Quantity, now)
		case domain.MoveReplenish:
			err = cells[i].entry.Replenish(line.Quantity, now)
		}
		if err != nil {
			return err
		}
	}

	l.resMu.Lock()
	stored := l.reservations[reservationID]
	stored.Status = next
	stored.UpdatedAt = now
	l.resMu.Unlock()
	return nil
}

func (l *Ledger) reservation(id string) (*domain.Reservation, error) {
	l.resMu.RLock()
	defer l.resMu.RUnlock()

	res, ok := l.reservations[id]
	if !ok {
		return nil, domain.ErrReservationNotFound
	}
	return res.Clone(), nil
}

func (l *Ledger) FindByOrder(ctx context.Context, orderID string) (*domain.Reservation, error) {
	_ = ctx

	l.resMu.RLock()
	defer l.resMu.RUnlock()

	id, ok := l.byOrder[orderID]
	if !ok {
		return nil, domain.ErrReservationNotFound
	}
	return l.reservations[id].Clone(), nil
}

func (l *Ledger) Stock(ctx context.Context, productID string) (*domain.StockEntry, error) {
	_ = ctx
	c := l.cell(productID, false)
	if c == nil {
		return nil, domain.ErrNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.entry
	return &entry, nil
}

func (l *Ledger) SetStock(ctx context.Context, productID string, available int) error {
	_ = ctx
	if productID == "" || available < 0 {
		return domain.ErrInvalidQuantity
	}
	c := l.cell(productID, true)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entry.Available = available
	c.entry.Version++
	c.entry.UpdatedAt = l.now().UTC()
	return nil
}
