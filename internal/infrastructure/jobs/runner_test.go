package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/job"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRunner(t *testing.T, store job.Store, owner string, clk *clock) *Runner {
	t.Helper()
	return NewRunner(store, Config{
		Owner:       owner,
		Workers:     2,
		Lease:       time.Minute,
		MaxAttempts: 3,
		Backoff:     job.Backoff{Base: time.Second, Max: 10 * time.Second},
	}, nil, WithClock(clk.Now))
}

type payload struct {
	OrderID string `json:"order_id"`
}

func TestRunnerCompletesJob(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobStore()
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := newTestRunner(t, store, "w1", clk)

	var got payload
	r.Register("order.expire", func(_ context.Context, j *job.Job) error {
		return Decode(j, &got)
	}, nil)

	scheduled, err := r.Schedule(ctx, job.Request{Operation: "order.expire", Payload: payload{OrderID: "o1"}, RunAt: clk.Now()})
	require.NoError(t, err)

	n, err := r.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "o1", got.OrderID)

	_, err = store.Get(ctx, scheduled.ID)
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func TestRunnerRetriesWithBackoffThenExhausts(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobStore()
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := newTestRunner(t, store, "w1", clk)

	var (
		calls     atomic.Int32
		exhausted atomic.Int32
	)
	transient := errors.New("gateway timeout")
	r.Register("payment.initiate", func(context.Context, *job.Job) error {
		calls.Add(1)
		return transient
	}, func(_ context.Context, j *job.Job, cause error) error {
		exhausted.Add(1)
		assert.ErrorIs(t, cause, transient)
		return nil
	})

	scheduled, err := r.Schedule(ctx, job.Request{Operation: "payment.initiate", Payload: payload{OrderID: "o1"}})
	require.NoError(t, err)
	assert.Equal(t, clk.Now(), scheduled.RunAt)

	_, err = r.RunDue(ctx)
	require.NoError(t, err)
	j, err := store.Get(ctx, scheduled.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, j.Attempts)
	assert.Equal(t, clk.Now().Add(time.Second), j.RunAt)
	assert.Equal(t, "gateway timeout", j.LastError)

	n, err := r.RunDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "job must wait for its backoff")

	clk.Advance(time.Second)
	_, err = r.RunDue(ctx)
	require.NoError(t, err)
	clk.Advance(2 * time.Second)
	_, err = r.RunDue(ctx)
	require.NoError(t, err)

	j, err = store.Get(ctx, scheduled.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusExhausted, j.Status)
	assert.Equal(t, 3, j.Attempts)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int32(1), exhausted.Load())

	clk.Advance(time.Hour)
	n, err = r.RunDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunnerPermanentErrorSkipsRetries(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobStore()
	clk := &clock{now: time.Now()}
	r := newTestRunner(t, store, "w1", clk)

	var hooked bool
	r.Register("settlement.apply_event", func(context.Context, *job.Job) error {
		return job.Permanent(errors.New("invalid transition"))
	}, func(context.Context, *job.Job, error) error {
		hooked = true
		return nil
	})

	scheduled, err := r.Schedule(ctx, job.Request{Operation: "settlement.apply_event", RunAt: clk.Now()})
	require.NoError(t, err)
	_, err = r.RunDue(ctx)
	require.NoError(t, err)

	j, err := store.Get(ctx, scheduled.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusExhausted, j.Status)
	assert.Equal(t, 1, j.Attempts)
	assert.True(t, hooked)
}

func TestRunnerRecoversPanics(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobStore()
	clk := &clock{now: time.Now()}
	r := newTestRunner(t, store, "w1", clk)
	r.Register("boom", func(context.Context, *job.Job) error { panic("nil map") }, nil)

	scheduled, err := r.Schedule(ctx, job.Request{Operation: "boom", RunAt: clk.Now()})
	require.NoError(t, err)
	_, err = r.RunDue(ctx)
	require.NoError(t, err)

	j, err := store.Get(ctx, scheduled.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, j.Status)
	assert.Contains(t, j.LastError, "nil map")
}

func TestRunnerUnknownOperationIsExhausted(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobStore()
	clk := &clock{now: time.Now()}
	r := newTestRunner(t, store, "w1", clk)

	scheduled, err := r.Schedule(ctx, job.Request{Operation: "nobody.home", RunAt: clk.Now()})
	require.NoError(t, err)
	_, err = r.RunDue(ctx)
	require.NoError(t, err)

	j, err := store.Get(ctx, scheduled.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusExhausted, j.Status)
}

func TestRunnerFailedHookKeepsJobAlive(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobStore()
	clk := &clock{now: time.Now()}
	r := newTestRunner(t, store, "w1", clk)
	r.Register("op", func(context.Context, *job.Job) error {
		return job.Permanent(errors.New("nope"))
	}, func(context.Context, *job.Job, error) error {
		return errors.New("store down")
	})

	scheduled, err := r.Schedule(ctx, job.Request{Operation: "op", RunAt: clk.Now()})
	require.NoError(t, err)
	_, err = r.RunDue(ctx)
	require.NoError(t, err)

	j, err := store.Get(ctx, scheduled.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, j.Status)
}

func TestRunnerClaimIsExclusiveAcrossWorkers(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobStore()
	clk := &clock{now: time.Now()}

	var calls atomic.Int32
	handler := func(context.Context, *job.Job) error {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		return nil
	}
	a := newTestRunner(t, store, "a", clk)
	b := newTestRunner(t, store, "b", clk)
	a.Register("op", handler, nil)
	b.Register("op", handler, nil)

	for range 10 {
		_, err := a.Schedule(ctx, job.Request{Operation: "op", RunAt: clk.Now()})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for _, r := range []*Runner{a, b} {
		wg.Add(1)
		go func(r *Runner) {
			defer wg.Done()
			_, err := r.RunDue(ctx)
			assert.NoError(t, err)
		}(r)
	}
	wg.Wait()

	assert.Equal(t, int32(10), calls.Load())
	left, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestRunnerScheduleDeduplicatesByKey(t *testing.T) {
	ctx := context.Background()
	r := newTestRunner(t, memory.NewJobStore(), "w1", &clock{now: time.Now()})

	first, err := r.Schedule(ctx, job.Request{Key: "order.notify:o1", Operation: "order.notify"})
	require.NoError(t, err)
	second, err := r.Schedule(ctx, job.Request{Key: "order.notify:o1", Operation: "order.notify"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestRunnerRunStopsOnCancel(t *testing.T) {
	store := memory.NewJobStore()
	r := NewRunner(store, Config{PollInterval: 5 * time.Millisecond}, nil)
	done := make(chan struct{})
	r.Register("op", func(context.Context, *job.Job) error {
		close(done)
		return nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := r.Schedule(ctx, job.Request{Operation: "op"})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not executed")
	}
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}
