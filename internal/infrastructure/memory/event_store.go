package memory

import (
	"context"
	"sync"
	"time"

	domain "github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
)

type EventStore struct {
	mu     sync.RWMutex
	events map[string]*domain.Event
}

func NewEventStore() *EventStore {
	return &EventStore{events: make(map[string]*domain.Event)}
}

func (s *EventStore) Record(ctx context.Context, e *domain.Event) (*domain.Event, bool, error) {
	_ = ctx
	if e == nil || e.TransactionID == "" {
		return nil, false, domain.ErrMalformedEvent
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.events[e.TransactionID]; ok {
		return existing.Clone(), false, nil
	}
	s.events[e.TransactionID] = e.Clone()
	return e.Clone(), true, nil
}

func (s *EventStore) MarkApplied(ctx context.Context, transactionID string, result domain.Result, at time.Time) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[transactionID]
	if !ok {
		return domain.ErrEventNotFound
	}
	if e.Applied() {
		return nil
	}
	e.AppliedAt = at.UTC()
	e.Result = result
	return nil
}

func (s *EventStore) Get(ctx context.Context, transactionID string) (*domain.Event, error) {
	_ = ctx

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.events[transactionID]
	if !ok {
		return nil, domain.ErrEventNotFound
	}
	return e.Clone(), nil
}
