package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zhima-Mochi/minishop-checkout/internal/application/settlement"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/job"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/jobs"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/memory"
)

type call struct {
	op    string
	id    string
	cause error
}

type fakeSettlement struct {
	mu    sync.Mutex
	calls []call
	errs  map[string]error
}

func (f *fakeSettlement) record(op, id string, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: op, id: id, cause: cause})
	return f.errs[op]
}

func (f *fakeSettlement) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.op+":"+c.id)
	}
	return out
}

func (f *fakeSettlement) ReserveOrder(_ context.Context, id string) error {
	return f.record("reserve", id, nil)
}
func (f *fakeSettlement) InitiatePayment(_ context.Context, id string) error {
	return f.record("initiate", id, nil)
}
func (f *fakeSettlement) ApplyEvent(_ context.Context, tx string) error {
	return f.record("apply", tx, nil)
}
func (f *fakeSettlement) Expire(_ context.Context, id string) error {
	return f.record("expire", id, nil)
}
func (f *fakeSettlement) Notify(_ context.Context, id string) error {
	return f.record("notify", id, nil)
}
func (f *fakeSettlement) ReleaseReservation(_ context.Context, id string) error {
	return f.record("release", id, nil)
}
func (f *fakeSettlement) FailExhausted(_ context.Context, id string, cause error) error {
	return f.record("fail_exhausted", id, cause)
}
func (f *fakeSettlement) ExhaustEvent(_ context.Context, tx string, cause error) error {
	return f.record("exhaust_event", tx, cause)
}

func newRunner(t *testing.T, now time.Time) (*jobs.Runner, *memory.JobStore) {
	t.Helper()
	store := memory.NewJobStore()
	r := jobs.NewRunner(store, jobs.Config{
		Owner:       "test",
		Workers:     1,
		BatchSize:   8,
		MaxAttempts: 2,
		Backoff:     job.Backoff{Base: time.Millisecond, Max: time.Millisecond},
	}, nil, jobs.WithClock(func() time.Time { return now }))
	return r, store
}

func TestWorkerRoutesOperations(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	r, _ := newRunner(t, now)
	svc := &fakeSettlement{}
	New(svc, r, nil).Start()

	for _, req := range []job.Request{
		{Operation: settlement.OpReserveStock, Payload: settlement.OrderRef{OrderID: "o1"}, RunAt: now},
		{Operation: settlement.OpInitiatePayment, Payload: settlement.OrderRef{OrderID: "o2"}, RunAt: now},
		{Operation: settlement.OpExpireOrder, Payload: settlement.OrderRef{OrderID: "o3"}, RunAt: now},
		{Operation: settlement.OpNotify, Payload: settlement.OrderRef{OrderID: "o4"}, RunAt: now},
		{Operation: settlement.OpReleaseReservation, Payload: settlement.OrderRef{OrderID: "o5"}, RunAt: now},
		{Operation: settlement.OpApplyEvent, Payload: settlement.EventRef{TransactionID: "tx1"}, RunAt: now},
	} {
		_, err := r.Schedule(ctx, req)
		require.NoError(t, err)
	}

	n, err := r.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.ElementsMatch(t, []string{
		"reserve:o1", "initiate:o2", "expire:o3", "notify:o4", "release:o5", "apply:tx1",
	}, svc.ops())
}

func TestWorkerFailsOrderWhenInitiateExhausts(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	r, store := newRunner(t, now)
	svc := &fakeSettlement{errs: map[string]error{"initiate": errors.New("gateway unavailable")}}
	New(svc, r, nil).Start()

	_, err := r.Schedule(ctx, job.Request{Operation: settlement.OpInitiatePayment, Payload: settlement.OrderRef{OrderID: "o1"}, Attempts: 1, RunAt: now})
	require.NoError(t, err)

	_, err = r.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"initiate:o1", "fail_exhausted:o1"}, svc.ops())
	assert.EqualError(t, svc.calls[1].cause, "gateway unavailable")

	exhausted, err := store.List(ctx, job.StatusExhausted)
	require.NoError(t, err)
	assert.Len(t, exhausted, 1)
}

func TestWorkerTreatsMissingOrderAsPermanent(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	r, _ := newRunner(t, now)
	svc := &fakeSettlement{errs: map[string]error{"notify": order.ErrNotFound}}
	New(svc, r, nil).Start()

	_, err := r.Schedule(ctx, job.Request{Operation: settlement.OpNotify, Payload: settlement.OrderRef{OrderID: "gone"}, MaxAttempts: 5, RunAt: now})
	require.NoError(t, err)

	_, err = r.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"notify:gone"}, svc.ops())
}

func TestWorkerExhaustedEventIsClosed(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	r, _ := newRunner(t, now)
	svc := &fakeSettlement{errs: map[string]error{"apply": errors.New("no order for token")}}
	New(svc, r, nil).Start()

	_, err := r.Schedule(ctx, job.Request{Operation: settlement.OpApplyEvent, Payload: settlement.EventRef{TransactionID: "tx9"}, Attempts: 1, RunAt: now})
	require.NoError(t, err)

	_, err = r.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"apply:tx9", "exhaust_event:tx9"}, svc.ops())
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify(nil))
	assert.True(t, job.IsPermanent(classify(order.ErrInvalidTransition)))
	transient := errors.New("database is locked")
	assert.False(t, job.IsPermanent(classify(transient)))
}
