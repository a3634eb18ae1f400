package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	domain "github.com/Zhima-Mochi/minishop-checkout/internal/domain/job"
)

type JobStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
	live map[string]string
	now  func() time.Time
}

func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]*domain.Job),
		live: make(map[string]string),
		now:  time.Now,
	}
}

func (s *JobStore) Schedule(ctx context.Context, j *domain.Job) (*domain.Job, bool, error) {
	_ = ctx
	if j == nil || j.ID == "" || j.Operation == "" {
		return nil, false, fmt.Errorf("job store: id and operation are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if j.Key != "" {
		if id, ok := s.live[j.Key]; ok {
			return s.jobs[id].Clone(), false, nil
		}
	}
	if _, exists := s.jobs[j.ID]; exists {
		return nil, false, fmt.Errorf("job store: duplicate id %s", j.ID)
	}

	now := s.now().UTC()
	stored := j.Clone()
	stored.Status = domain.StatusPending
	stored.CreatedAt = now
	stored.UpdatedAt = now
	if stored.RunAt.IsZero() {
		stored.RunAt = now
	}
	s.jobs[stored.ID] = stored
	if stored.Key != "" {
		s.live[stored.Key] = stored.ID
	}
	return stored.Clone(), true, nil
}

func (s *JobStore) Claim(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]*domain.Job, error) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*domain.Job, 0)
	for _, j := range s.jobs {
		if j.Claimable(now) {
			due = append(due, j)
		}
	}
	slices.SortFunc(due, func(a, b *domain.Job) int { return a.RunAt.Compare(b.RunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*domain.Job, 0, len(due))
	for _, j := range due {
		j.Status = domain.StatusInFlight
		j.LeaseOwner = owner
		j.LeaseUntil = now.Add(lease)
		j.UpdatedAt = now
		out = append(out, j.Clone())
	}
	return out, nil
}

func (s *JobStore) owned(id, owner string) (*domain.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if j.Status != domain.StatusInFlight || j.LeaseOwner != owner {
		return nil, domain.ErrLeaseLost
	}
	return j, nil
}

func (s *JobStore) Complete(ctx context.Context, id, owner string) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.owned(id, owner)
	if err != nil {
		return err
	}
	delete(s.jobs, id)
	if j.Key != "" {
		delete(s.live, j.Key)
	}
	return nil
}

func (s *JobStore) Retry(ctx context.Context, id, owner string, runAt time.Time, attempts int, lastErr string) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.owned(id, owner)
	if err != nil {
		return err
	}
	j.Status = domain.StatusPending
	j.RunAt = runAt.UTC()
	j.Attempts = attempts
	j.LastError = lastErr
	j.LeaseOwner = ""
	j.LeaseUntil = time.Time{}
	j.UpdatedAt = s.now().UTC()
	return nil
}

func (s *JobStore) Exhaust(ctx context.Context, id, owner string, attempts int, lastErr string) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.owned(id, owner)
	if err != nil {
		return err
	}
	j.Status = domain.StatusExhausted
	j.Attempts = attempts
	j.LastError = lastErr
	j.LeaseOwner = ""
	j.LeaseUntil = time.Time{}
	j.UpdatedAt = s.now().UTC()
	if j.Key != "" {
		delete(s.live, j.Key)
	}
	return nil
}

func (s *JobStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return j.Clone(), nil
}

func (s *JobStore) List(ctx context.Context, status domain.Status) ([]*domain.Job, error) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Job, 0)
	for _, j := range s.jobs {
		if status == "" || j.Status == status {
			out = append(out, j.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *domain.Job) int { return a.RunAt.Compare(b.RunAt) })
	return out, nil
}
