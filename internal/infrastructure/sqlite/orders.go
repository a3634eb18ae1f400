package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	domain "github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
)

type OrderRepository struct {
	db *DB
}

func NewOrderRepository(db *DB) *OrderRepository {
	return &OrderRepository{db: db}
}

const orderColumns = `id, customer_id, idempotency_key, items, total, currency, status, gateway_token,
	redirect_url, reservation_id, failure_reason, version, created_at, updated_at`

func (r *OrderRepository) Insert(ctx context.Context, o *domain.Order) error {
	if o == nil || o.ID == "" {
		return fmt.Errorf("order repository: id is required")
	}
	items, err := json.Marshal(o.Items)
	if err != nil {
		return err
	}
	_, err = r.db.db.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		o.ID, o.CustomerID, nullString(o.IdempotencyKey), string(items), o.Total, o.Currency, string(o.Status),
		nullString(o.GatewayToken), o.RedirectURL, o.ReservationID, o.FailureReason,
		toNanos(o.CreatedAt), toNanos(o.UpdatedAt))
	if isUnique(err) {
		return domain.ErrConflict
	}
	if err != nil {
		return classify(err)
	}
	o.Version = 1
	return nil
}

func (r *OrderRepository) Get(ctx context.Context, id string) (*domain.Order, error) {
	return scanOrder(r.db.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id))
}

// Update is a compare-and-swap on the version column.
func (r *OrderRepository) Update(ctx context.Context, o *domain.Order) error {
	if o == nil || o.ID == "" {
		return fmt.Errorf("order repository: id is required")
	}
	items, err := json.Marshal(o.Items)
	if err != nil {
		return err
	}
	result, err := r.db.db.ExecContext(ctx, `
		UPDATE orders SET items = ?, total = ?, currency = ?, status = ?, gateway_token = ?, redirect_url = ?,
			reservation_id = ?, failure_reason = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(items), o.Total, o.Currency, string(o.Status), nullString(o.GatewayToken), o.RedirectURL,
		o.ReservationID, o.FailureReason, toNanos(o.UpdatedAt), o.ID, o.Version)
	if isUnique(err) {
		return domain.ErrConflict
	}
	if err != nil {
		return classify(err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		var exists int
		err := r.db.db.QueryRowContext(ctx, `SELECT 1 FROM orders WHERE id = ?`, o.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return classify(err)
		}
		return domain.ErrVersionConflict
	}
	o.Version++
	return nil
}

func (r *OrderRepository) FindByIdempotency(ctx context.Context, customerID, key string) (*domain.Order, error) {
	if key == "" {
		return nil, domain.ErrNotFound
	}
	return scanOrder(r.db.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE customer_id = ? AND idempotency_key = ?`, customerID, key))
}

func (r *OrderRepository) FindByGatewayToken(ctx context.Context, token string) (*domain.Order, error) {
	if token == "" {
		return nil, domain.ErrNotFound
	}
	return scanOrder(r.db.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE gateway_token = ?`, token))
}

func scanOrder(row scanner) (*domain.Order, error) {
	var (
		o                domain.Order
		key, token       sql.NullString
		items, status    string
		created, updated int64
	)
	err := row.Scan(&o.ID, &o.CustomerID, &key, &items, &o.Total, &o.Currency, &status, &token,
		&o.RedirectURL, &o.ReservationID, &o.FailureReason, &o.Version, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	if err := json.Unmarshal([]byte(items), &o.Items); err != nil {
		return nil, fmt.Errorf("sqlite: decode order items: %w", err)
	}
	o.IdempotencyKey = key.String
	o.GatewayToken = token.String
	o.Status = domain.Status(status)
	o.CreatedAt = fromNanos(created)
	o.UpdatedAt = fromNanos(updated)
	return &o, nil
}
