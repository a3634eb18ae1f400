package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	domain "github.com/Zhima-Mochi/minishop-checkout/internal/domain/inventory"
)

// Ledger stores stock counters in SQLite. Every mutation is a conditional UPDATE inside an
// immediate transaction.
type Ledger struct {
	*DB
	newID func() string
}

func NewLedger(db *DB) *Ledger {
	return &Ledger{DB: db, newID: uuid.NewString}
}

func (l *Ledger) Reserve(ctx context.Context, orderID string, lines []domain.Line) (*domain.Reservation, error) {
	normalized, err := domain.NormalizeLines(lines)
	if err != nil {
		return nil, err
	}

	var res *domain.Reservation
	err = l.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := findReservationByOrder(ctx, tx, orderID)
		switch {
		case err == nil && existing.Status == domain.ReservationActive:
			res = existing
			return nil
		case err != nil && !errors.Is(err, domain.ErrReservationNotFound):
			return err
		}

		now := l.now().UTC()
		for _, line := range normalized {
			result, err := tx.ExecContext(ctx, `
				UPDATE stock
				SET available = available - ?, reserved = reserved + ?, version = version + 1, updated_at = ?
				WHERE product_id = ? AND available >= ?`,
				line.Quantity, line.Quantity, toNanos(now), line.ProductID, line.Quantity)
			if err != nil {
				return err
			}
			if n, _ := result.RowsAffected(); n == 0 {
				return stockShortfall(ctx, tx, line)
			}
		}

		encoded, err := json.Marshal(normalized)
		if err != nil {
			return err
		}
		res = &domain.Reservation{
			ID:        l.newID(),
			OrderID:   orderID,
			Lines:     normalized,
			Status:    domain.ReservationActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO reservations (id, order_id, lines, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			res.ID, res.OrderID, string(encoded), string(res.Status), toNanos(now), toNanos(now))
		return err
	})
	if err != nil {
		return nil, contention(err)
	}
	return res, nil
}

func stockShortfall(ctx context.Context, tx *sql.Tx, line domain.Line) error {
	var available int
	err := tx.QueryRowContext(ctx, `SELECT available FROM stock WHERE product_id = ?`, line.ProductID).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s has %d, requested %d", domain.ErrInsufficientStock, line.ProductID, available, line.Quantity)
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
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		res, err := scanReservation(tx.QueryRowContext(ctx, reservationSelect+` WHERE id = ?`, reservationID))
		if err != nil {
			return err
		}
		next, move, err := domain.CloseReservation(res.Status, target)
		if err != nil || move == domain.MoveNone {
			return err
		}

		now := l.now().UTC()
		for _, line := range res.Lines {
			var result sql.Result
			switch move {
			case domain.MoveConsume:
				result, err = tx.ExecContext(ctx, `
					UPDATE stock SET reserved = reserved - ?, version = version + 1, updated_at = ?
					WHERE product_id = ? AND reserved >= ?`,
					line.Quantity, toNanos(now), line.ProductID, line.Quantity)
			case domain.MoveRestore:
				result, err = tx.ExecContext(ctx, `
					UPDATE stock SET reserved = reserved - ?, available = available + ?, version = version + 1, updated_at = ?
					WHERE product_id = ? AND reserved >= ?`,
					line.Quantity, line.Quantity, toNanos(now), line.ProductID, line.Quantity)
			case domain.MoveReplenish:
				result, err = tx.ExecContext(ctx, `
					UPDATE stock SET available = available + ?, version = version + 1, updated_at = ?
					WHERE product_id = ?`,
					line.Quantity, toNanos(now), line.ProductID)
			}
			if err != nil {
				return err
			}
			if n, _ := result.RowsAffected(); n == 0 {
				return fmt.Errorf("%w: reserved count for %s below %d", domain.ErrInvalidQuantity, line.ProductID, line.Quantity)
			}
		}

		_, err = tx.ExecContext(ctx, `UPDATE reservations SET status = ?, updated_at = ? WHERE id = ?`,
			string(next), toNanos(now), reservationID)
		return err
	})
	return contention(err)
}

func (l *Ledger) FindByOrder(ctx context.Context, orderID string) (*domain.Reservation, error) {
	return findReservationByOrder(ctx, l.db, orderID)
}

func (l *Ledger) Stock(ctx context.Context, productID string) (*domain.StockEntry, error) {
	var (
		entry   = domain.StockEntry{ProductID: productID}
		updated int64
	)
	err := l.db.QueryRowContext(ctx, `SELECT available, reserved, version, updated_at FROM stock WHERE product_id = ?`, productID).
		Scan(&entry.Available, &entry.Reserved, &entry.Version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	entry.UpdatedAt = fromNanos(updated)
	return &entry, nil
}

func (l *Ledger) SetStock(ctx context.Context, productID string, available int) error {
	if productID == "" || available < 0 {
		return domain.ErrInvalidQuantity
	}
	now := toNanos(l.now())
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO stock (product_id, available, reserved, version, updated_at) VALUES (?, ?, 0, 1, ?)
		ON CONFLICT(product_id) DO UPDATE SET available = excluded.available, version = version + 1, updated_at = excluded.updated_at`,
		productID, available, now)
	return contention(classify(err))
}

// contention folds lock-busy failures into the ledger's retryable error.
func contention(err error) error {
	var busy *busyError
	if errors.As(err, &busy) {
		return fmt.Errorf("%w: %v", domain.ErrContention, err)
	}
	return err
}

const reservationSelect = `SELECT id, order_id, lines, status, created_at, updated_at FROM reservations`

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func findReservationByOrder(ctx context.Context, q querier, orderID string) (*domain.Reservation, error) {
	return scanReservation(q.QueryRowContext(ctx,
		reservationSelect+` WHERE order_id = ? ORDER BY created_at DESC LIMIT 1`, orderID))
}

func scanReservation(row scanner) (*domain.Reservation, error) {
	var (
		res              domain.Reservation
		lines, status    string
		created, updated int64
	)
	err := row.Scan(&res.ID, &res.OrderID, &lines, &status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrReservationNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	if err := json.Unmarshal([]byte(lines), &res.Lines); err != nil {
		return nil, fmt.Errorf("sqlite: decode reservation lines: %w", err)
	}
	res.Status = domain.ReservationStatus(status)
	res.CreatedAt = fromNanos(created)
	res.UpdatedAt = fromNanos(updated)
	return &res, nil
}
