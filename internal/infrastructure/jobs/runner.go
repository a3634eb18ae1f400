package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/job"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/id"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability/logctx"
)

const componentJobs = "job_runner"

var ErrUnknownOperation = errors.New("jobs: unknown operation")

// Handler executes one job. Returning an error wrapped with job.Permanent skips remaining attempts.
type Handler func(ctx context.Context, j *job.Job) error

// ExhaustedHook runs once when a job has used up its attempts.
type ExhaustedHook func(ctx context.Context, j *job.Job, cause error) error

// ContextFunc decorates the context a job runs in, typically with a job-scoped logger.
type ContextFunc func(ctx context.Context, j *job.Job) context.Context

type Config struct {
	Owner          string
	Workers        int
	BatchSize      int
	PollInterval   time.Duration
	Lease          time.Duration
	MaxAttempts    int
	Backoff        job.Backoff
	HandlerTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Owner == "" {
		c.Owner = "runner-" + id.New()
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = c.Workers * 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Lease <= 0 {
		c.Lease = time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = job.Backoff{Base: time.Second, Max: time.Minute}
	}
	if c.HandlerTimeout <= 0 || c.HandlerTimeout > c.Lease {
		c.HandlerTimeout = min(30*time.Second, c.Lease)
	}
	return c
}

type registration struct {
	handler     Handler
	onExhausted ExhaustedHook
}

// Runner claims due jobs from a Store and executes them on a bounded worker pool. Claims are
// leases: a worker that dies mid-job loses nothing, the job becomes claimable once its lease ends.
type Runner struct {
	store job.Store
	cfg   Config

	mu       sync.RWMutex
	handlers map[string]registration

	jobContext ContextFunc
	log        observability.Logger
	tracer     observability.Tracer
	processed  observability.Counter
	duration   observability.Histogram
	now        func() time.Time
	newID      func() string
}

type Option func(*Runner)

func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

func WithJobContext(fn ContextFunc) Option {
	return func(r *Runner) { r.jobContext = fn }
}

func NewRunner(store job.Store, cfg Config, tel observability.Observability, opts ...Option) *Runner {
	tel = observability.Or(tel)
	cfg = cfg.withDefaults()
	r := &Runner{
		store:     store,
		cfg:       cfg,
		handlers:  make(map[string]registration),
		log:       tel.Logger().With(observability.F("component", componentJobs), observability.F("owner", cfg.Owner)),
		tracer:    tel.Tracer(),
		processed: tel.Metrics().Counter(observability.MJobsProcessed),
		duration:  tel.Metrics().Histogram(observability.MJobDuration),
		now:       time.Now,
		newID:     id.New,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds an operation name to its handler. onExhausted may be nil.
func (r *Runner) Register(operation string, h Handler, onExhausted ExhaustedHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[operation] = registration{handler: h, onExhausted: onExhausted}
}

// Schedule persists req. The run time is now + backoff(attempts) unless req.RunAt is set.
func (r *Runner) Schedule(ctx context.Context, req job.Request) (*job.Job, error) {
	if req.Operation == "" {
		return nil, fmt.Errorf("jobs: operation is required")
	}
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("jobs: encode payload for %s: %w", req.Operation, err)
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = r.cfg.MaxAttempts
	}
	runAt := req.RunAt
	if runAt.IsZero() {
		runAt = r.now().Add(r.cfg.Backoff.Delay(req.Attempts))
	}

	stored, created, err := r.store.Schedule(ctx, &job.Job{
		ID:          r.newID(),
		Key:         req.Key,
		Operation:   req.Operation,
		Payload:     payload,
		RunAt:       runAt.UTC(),
		Attempts:    req.Attempts,
		MaxAttempts: maxAttempts,
	})
	if err != nil {
		return nil, err
	}

	logger := logctx.FromOr(ctx, r.log).With(
		observability.F("job_id", stored.ID),
		observability.F("operation", stored.Operation),
	)
	if created {
		logger.Debug("job_scheduled", observability.F("run_at", stored.RunAt), observability.F("attempts", stored.Attempts))
	} else {
		logger.Debug("job_schedule_deduplicated", observability.F("key", req.Key))
	}
	return stored, nil
}

// Run polls until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("job_runner_started",
		observability.F("workers", r.cfg.Workers),
		observability.F("poll_interval", r.cfg.PollInterval.String()),
	)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		n, err := r.RunDue(ctx)
		if err != nil && ctx.Err() == nil {
			r.log.Warn("job_claim_failed", observability.F("error", err))
		}
		// A full batch likely means more work is due; skip the wait.
		if n >= r.cfg.BatchSize && ctx.Err() == nil {
			continue
		}
		select {
		case <-ctx.Done():
			r.log.Info("job_runner_stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunDue claims one batch of due jobs, runs them and waits for all of them to finish.
func (r *Runner) RunDue(ctx context.Context) (int, error) {
	claimed, err := r.store.Claim(ctx, r.cfg.Owner, r.now(), r.cfg.Lease, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	var g errgroup.Group
	g.SetLimit(r.cfg.Workers)
	for _, j := range claimed {
		g.Go(func() error {
			r.execute(context.WithoutCancel(ctx), j)
			return nil
		})
	}
	_ = g.Wait()
	return len(claimed), nil
}

func (r *Runner) execute(ctx context.Context, j *job.Job) {
	logger := r.log.With(
		observability.F("job_id", j.ID),
		observability.F("operation", j.Operation),
		observability.F("attempt", j.Attempts+1),
	)
	ctx = logctx.With(ctx, logger)
	if r.jobContext != nil {
		ctx = r.jobContext(ctx, j)
		logger = logctx.FromOr(ctx, logger)
	}

	ctx, span := r.tracer.Start(ctx, "Job."+j.Operation,
		attribute.String("job.id", j.ID),
		attribute.String("job.operation", j.Operation),
		attribute.Int("job.attempt", j.Attempts+1),
	)
	start := time.Now()
	outcome := "success"
	defer func() {
		if outcome == "success" {
			span.SetStatus(codes.Ok, outcome)
		} else {
			span.SetStatus(codes.Error, outcome)
		}
		span.End()
		r.processed.Add(1, observability.L("operation", j.Operation), observability.L("outcome", outcome))
		r.duration.Observe(time.Since(start).Seconds(), observability.L("operation", j.Operation))
	}()

	err := r.invoke(ctx, j)
	if err == nil {
		if cerr := r.store.Complete(ctx, j.ID, r.cfg.Owner); cerr != nil {
			outcome = "lease_lost"
			logger.Warn("job_complete_failed", observability.F("error", cerr))
			return
		}
		logger.Debug("job_done")
		return
	}

	span.RecordError(err)
	attempts := j.Attempts + 1
	if job.IsPermanent(err) || errors.Is(err, ErrUnknownOperation) || attempts >= j.MaxAttempts {
		outcome = "exhausted"
		r.exhaust(ctx, logger, j, attempts, err)
		return
	}

	outcome = "retry"
	runAt := r.now().Add(r.cfg.Backoff.Delay(attempts))
	if rerr := r.store.Retry(ctx, j.ID, r.cfg.Owner, runAt, attempts, err.Error()); rerr != nil {
		logger.Warn("job_reschedule_failed", observability.F("error", rerr))
		return
	}
	logger.Warn("job_failed_will_retry",
		observability.F("error", err),
		observability.F("run_at", runAt.UTC()),
	)
}

// invoke runs the handler with a timeout and turns panics into errors.
func (r *Runner) invoke(ctx context.Context, j *job.Job) (err error) {
	r.mu.RLock()
	reg, ok := r.handlers[j.Operation]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOperation, j.Operation)
	}

	defer func() {
		if rec := recover(); rec != nil {
			logctx.FromOr(ctx, r.log).Error("job_handler_panic",
				observability.F("panic", rec),
				observability.F("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("jobs: handler panic: %v", rec)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.HandlerTimeout)
	defer cancel()
	return reg.handler(ctx, j)
}

func (r *Runner) exhaust(ctx context.Context, logger observability.Logger, j *job.Job, attempts int, cause error) {
	r.mu.RLock()
	hook := r.handlers[j.Operation].onExhausted
	r.mu.RUnlock()

	// Hook first: a crash before Exhaust replays the hook on the next claim.
	if hook != nil {
		if herr := r.callHook(ctx, hook, j, cause); herr != nil {
			logger.Error("job_exhausted_hook_failed", observability.F("error", herr), observability.F("cause", cause))
			runAt := r.now().Add(r.cfg.Backoff.Delay(attempts))
			if rerr := r.store.Retry(ctx, j.ID, r.cfg.Owner, runAt, j.Attempts, cause.Error()); rerr != nil {
				logger.Warn("job_reschedule_failed", observability.F("error", rerr))
			}
			return
		}
	}
	if xerr := r.store.Exhaust(ctx, j.ID, r.cfg.Owner, attempts, cause.Error()); xerr != nil {
		logger.Warn("job_exhaust_failed", observability.F("error", xerr))
		return
	}
	logger.Error("job_exhausted",
		observability.F("attempts", attempts),
		observability.F("error", cause),
	)
}

func (r *Runner) callHook(ctx context.Context, hook ExhaustedHook, j *job.Job, cause error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("jobs: exhausted hook panic: %v", rec)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, r.cfg.HandlerTimeout)
	defer cancel()
	return hook(ctx, j, cause)
}

// Decode unmarshals a job payload into v. Decode failures are permanent.
func Decode(j *job.Job, v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return job.Permanent(fmt.Errorf("jobs: decode %s payload: %w", j.Operation, err))
	}
	return nil
}
