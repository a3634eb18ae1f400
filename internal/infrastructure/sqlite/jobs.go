package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	domain "github.com/Zhima-Mochi/minishop-checkout/internal/domain/job"
)

type JobStore struct {
	db *DB
}

func NewJobStore(db *DB) *JobStore {
	return &JobStore{db: db}
}

const jobColumns = `id, key, operation, payload, run_at, attempts, max_attempts, last_error, status,
	lease_owner, lease_until, created_at, updated_at`

func (s *JobStore) Schedule(ctx context.Context, j *domain.Job) (*domain.Job, bool, error) {
	if j == nil || j.ID == "" || j.Operation == "" {
		return nil, false, fmt.Errorf("job store: id and operation are required")
	}

	var (
		stored  *domain.Job
		created bool
	)
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		if j.Key != "" {
			existing, err := scanJob(tx.QueryRowContext(ctx,
				`SELECT `+jobColumns+` FROM jobs WHERE key = ? AND status != ?`, j.Key, string(domain.StatusExhausted)))
			if err == nil {
				stored = existing
				return nil
			}
			if !errors.Is(err, domain.ErrNotFound) {
				return err
			}
		}

		now := s.db.now().UTC()
		stored = j.Clone()
		stored.Status = domain.StatusPending
		stored.CreatedAt = now
		stored.UpdatedAt = now
		if stored.RunAt.IsZero() {
			stored.RunAt = now
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', 0, ?, ?)`,
			stored.ID, nullString(stored.Key), stored.Operation, stored.Payload, toNanos(stored.RunAt),
			stored.Attempts, stored.MaxAttempts, stored.LastError, string(stored.Status),
			toNanos(now), toNanos(now))
		if err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func (s *JobStore) Claim(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 1
	}
	var claimed []*domain.Job
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs
			WHERE (status = ? AND run_at <= ?) OR (status = ? AND lease_until <= ?)
			ORDER BY run_at LIMIT ?`,
			string(domain.StatusPending), toNanos(now), string(domain.StatusInFlight), toNanos(now), limit)
		if err != nil {
			return err
		}
		var due []*domain.Job
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				rows.Close()
				return err
			}
			due = append(due, j)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		until := now.Add(lease)
		for _, j := range due {
			if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status = ?, lease_owner = ?, lease_until = ?, updated_at = ? WHERE id = ?`,
				string(domain.StatusInFlight), owner, toNanos(until), toNanos(now), j.ID); err != nil {
				return err
			}
			j.Status = domain.StatusInFlight
			j.LeaseOwner = owner
			j.LeaseUntil = until.UTC()
			j.UpdatedAt = now.UTC()
		}
		claimed = due
		return nil
	})
	return claimed, err
}

func (s *JobStore) Complete(ctx context.Context, id, owner string) error {
	result, err := s.db.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ? AND status = ? AND lease_owner = ?`,
		id, string(domain.StatusInFlight), owner)
	return s.checkOwned(ctx, id, result, err)
}

func (s *JobStore) Retry(ctx context.Context, id, owner string, runAt time.Time, attempts int, lastErr string) error {
	result, err := s.db.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, run_at = ?, attempts = ?, last_error = ?, lease_owner = '', lease_until = 0, updated_at = ?
		WHERE id = ? AND status = ? AND lease_owner = ?`,
		string(domain.StatusPending), toNanos(runAt), attempts, lastErr, toNanos(s.db.now()),
		id, string(domain.StatusInFlight), owner)
	return s.checkOwned(ctx, id, result, err)
}

func (s *JobStore) Exhaust(ctx context.Context, id, owner string, attempts int, lastErr string) error {
	result, err := s.db.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, attempts = ?, last_error = ?, lease_owner = '', lease_until = 0, updated_at = ?
		WHERE id = ? AND status = ? AND lease_owner = ?`,
		string(domain.StatusExhausted), attempts, lastErr, toNanos(s.db.now()),
		id, string(domain.StatusInFlight), owner)
	return s.checkOwned(ctx, id, result, err)
}

func (s *JobStore) checkOwned(ctx context.Context, id string, result sql.Result, err error) error {
	if err != nil {
		return classify(err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return domain.ErrLeaseLost
}

func (s *JobStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	return scanJob(s.db.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
}

func (s *JobStore) List(ctx context.Context, status domain.Status) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	rows, err := s.db.db.QueryContext(ctx, query+` ORDER BY run_at`, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanJob(row scanner) (*domain.Job, error) {
	var (
		j                                   domain.Job
		key                                 sql.NullString
		status                              string
		runAt, leaseUntil, created, updated int64
	)
	err := row.Scan(&j.ID, &key, &j.Operation, &j.Payload, &runAt, &j.Attempts, &j.MaxAttempts, &j.LastError,
		&status, &j.LeaseOwner, &leaseUntil, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	j.Key = key.String
	j.Status = domain.Status(status)
	j.RunAt = fromNanos(runAt)
	j.LeaseUntil = fromNanos(leaseUntil)
	j.CreatedAt = fromNanos(created)
	j.UpdatedAt = fromNanos(updated)
	return &j, nil
}
