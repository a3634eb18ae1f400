package job

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("job: not found")
	// ErrLeaseLost means another worker reclaimed the job after our lease expired.
	ErrLeaseLost = errors.New("job: lease lost")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusExhausted Status = "exhausted"
)

// Job is a durable record of pending work. Key is unique among live jobs.
type Job struct {
	ID          string
	Key         string
	Operation   string
	Payload     []byte
	RunAt       time.Time
	Attempts    int
	MaxAttempts int
	LastError   string
	Status      Status
	LeaseOwner  string
	LeaseUntil  time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Payload = append([]byte(nil), j.Payload...)
	return &c
}

// Claimable reports whether a worker may take the job at now.
func (j *Job) Claimable(now time.Time) bool {
	switch j.Status {
	case StatusPending:
		return !j.RunAt.After(now)
	case StatusInFlight:
		return !j.LeaseUntil.After(now)
	default:
		return false
	}
}

// Store persists jobs. Every mutation after Claim is checked against the lease owner.
type Store interface {
	// Schedule inserts j unless a live job with the same key exists. It returns the live job and
	// whether this call created it.
	Schedule(ctx context.Context, j *Job) (*Job, bool, error)
	// Claim leases up to limit due jobs to owner.
	Claim(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]*Job, error)
	// Complete removes the job.
	Complete(ctx context.Context, id, owner string) error
	// Retry returns the job to pending with a new run time.
	Retry(ctx context.Context, id, owner string, runAt time.Time, attempts int, lastErr string) error
	// Exhaust parks the job for inspection. Its key becomes free again.
	Exhaust(ctx context.Context, id, owner string, attempts int, lastErr string) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, status Status) ([]*Job, error)
}

// Backoff computes retry delays as base*2^(attempt-1) capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 0 || b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Request describes work to schedule. RunAt overrides the backoff-derived run time.
type Request struct {
	Key         string
	Operation   string
	Payload     any
	Attempts    int
	MaxAttempts int
	RunAt       time.Time
}

// Scheduler persists requests as jobs.
type Scheduler interface {
	Schedule(ctx context.Context, req Request) (*Job, error)
}
