package worker

import (
	"context"
	"errors"

	"github.com/Zhima-Mochi/minishop-checkout/internal/application/settlement"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/job"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/jobs"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
)

// Settlement is the slice of the orchestrator the worker drives.
type Settlement interface {
	ReserveOrder(ctx context.Context, orderID string) error
	InitiatePayment(ctx context.Context, orderID string) error
	ApplyEvent(ctx context.Context, transactionID string) error
	Expire(ctx context.Context, orderID string) error
	Notify(ctx context.Context, orderID string) error
	ReleaseReservation(ctx context.Context, orderID string) error
	FailExhausted(ctx context.Context, orderID string, cause error) error
	ExhaustEvent(ctx context.Context, transactionID string, cause error) error
}

// Registrar is satisfied by *jobs.Runner.
type Registrar interface {
	Register(operation string, h jobs.Handler, onExhausted jobs.ExhaustedHook)
}

// Worker binds settlement follow-up operations to the job runner.
type Worker struct {
	svc    Settlement
	runner Registrar
	log    observability.Logger
}

func New(svc Settlement, runner Registrar, logger observability.Logger) *Worker {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Worker{svc: svc, runner: runner, log: logger.With(observability.F("component", "settlement_worker"))}
}

func (w *Worker) Start() {
	if w.svc == nil || w.runner == nil {
		return
	}
	w.runner.Register(settlement.OpReserveStock, w.byOrder(w.svc.ReserveOrder), w.failOrder)
	w.runner.Register(settlement.OpInitiatePayment, w.byOrder(w.svc.InitiatePayment), w.failOrder)
	w.runner.Register(settlement.OpExpireOrder, w.byOrder(w.svc.Expire), nil)
	w.runner.Register(settlement.OpNotify, w.byOrder(w.svc.Notify), nil)
	w.runner.Register(settlement.OpReleaseReservation, w.byOrder(w.svc.ReleaseReservation), nil)
	w.runner.Register(settlement.OpApplyEvent, w.handleApplyEvent, w.exhaustEvent)
	w.log.Info("settlement_worker_registered")
}

func (w *Worker) byOrder(fn func(ctx context.Context, orderID string) error) jobs.Handler {
	return func(ctx context.Context, j *job.Job) error {
		var ref settlement.OrderRef
		if err := jobs.Decode(j, &ref); err != nil {
			return err
		}
		return classify(fn(ctx, ref.OrderID))
	}
}

func (w *Worker) failOrder(ctx context.Context, j *job.Job, cause error) error {
	var ref settlement.OrderRef
	if err := jobs.Decode(j, &ref); err != nil {
		w.log.Error("settlement_job_undecodable", observability.F("job_id", j.ID), observability.F("error", err))
		return nil
	}
	return w.svc.FailExhausted(ctx, ref.OrderID, cause)
}

func (w *Worker) handleApplyEvent(ctx context.Context, j *job.Job) error {
	var ref settlement.EventRef
	if err := jobs.Decode(j, &ref); err != nil {
		return err
	}
	return classify(w.svc.ApplyEvent(ctx, ref.TransactionID))
}

func (w *Worker) exhaustEvent(ctx context.Context, j *job.Job, cause error) error {
	var ref settlement.EventRef
	if err := jobs.Decode(j, &ref); err != nil {
		w.log.Error("settlement_job_undecodable", observability.F("job_id", j.ID), observability.F("error", err))
		return nil
	}
	return w.svc.ExhaustEvent(ctx, ref.TransactionID, cause)
}

// classify marks errors that no retry can fix as permanent. Anything unrecognised is retried.
func classify(err error) error {
	switch {
	case err == nil, job.IsPermanent(err):
		return err
	case errors.Is(err, order.ErrNotFound),
		errors.Is(err, order.ErrValidation),
		errors.Is(err, order.ErrInvalidTransition),
		errors.Is(err, payment.ErrEventNotFound),
		errors.Is(err, payment.ErrMalformedEvent):
		return job.Permanent(err)
	default:
		return err
	}
}
