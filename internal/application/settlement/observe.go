package settlement

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/inventory"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability/logctx"
)

const spanPrefix = "UC."

const (
	useCaseCheckout    = "settlement.checkout"
	useCaseCallback    = "settlement.callback"
	useCaseApplyEvent  = "settlement.apply_event"
	useCaseCancel      = "settlement.cancel"
	useCaseExpire      = "settlement.expire"
	useCaseInitiate    = "settlement.initiate_payment"
	useCaseReserve     = "settlement.reserve"
	useCaseNotify      = "settlement.notify"
	useCaseRelease     = "settlement.release"
	useCaseExhausted   = "settlement.retries_exhausted"
	useCaseEventExpiry = "settlement.event_exhausted"
)

// run carries the RED bookkeeping for one use-case execution.
type run struct {
	s          *Service
	useCase    string
	ctx        context.Context
	span       trace.Span
	logger     observability.Logger
	start      time.Time
	outcome    string
	statusText string
	fields     []observability.Field
}

func (s *Service) begin(ctx context.Context, useCase, spanName string, attrs ...attribute.KeyValue) (context.Context, *run) {
	ctx, logger := logctx.Enrich(ctx, s.log, observability.F("use_case", useCase))
	attrs = append(attrs, attribute.String("use_case", useCase))
	ctx, span := s.tel.Tracer().Start(ctx, spanPrefix+spanName, attrs...)
	return ctx, &run{
		s:          s,
		useCase:    useCase,
		ctx:        ctx,
		span:       span,
		logger:     logger,
		start:      time.Now(),
		outcome:    "success",
		statusText: "OK",
	}
}

// note overrides the status text reported for a successful run.
func (r *run) note(status string) { r.statusText = status }

func (r *run) with(fields ...observability.Field) { r.fields = append(r.fields, fields...) }

func (r *run) end(err error) {
	if err != nil {
		r.outcome = "error"
		if r.statusText == "OK" {
			r.statusText = statusOf(err)
		}
	}
	lat := time.Since(r.start).Seconds()

	if err != nil {
		r.span.RecordError(err)
		r.span.SetStatus(codes.Error, r.statusText)
	} else {
		r.span.SetStatus(codes.Ok, r.statusText)
	}
	r.span.End()

	r.s.reqCounter.Add(1,
		observability.L("use_case", r.useCase),
		observability.L("outcome", r.outcome),
	)
	r.s.durHistogram.Observe(lat, observability.L("use_case", r.useCase))

	fields := append([]observability.Field{
		observability.F("outcome", r.outcome),
		observability.F("status", r.statusText),
		observability.F("latency_seconds", lat),
	}, r.fields...)
	if sc := trace.SpanContextFromContext(r.ctx); sc.IsValid() {
		fields = append(fields,
			observability.F("trace_id", sc.TraceID().String()),
			observability.F("span_id", sc.SpanID().String()),
		)
	}
	if err != nil {
		fields = append(fields, observability.F("error", err.Error()))
	}
	r.logger.Info("use_case_done", fields...)
}

func statusOf(err error) string {
	switch {
	case errors.Is(err, order.ErrValidation):
		return "VALIDATION_FAILED"
	case errors.Is(err, inventory.ErrInsufficientStock):
		return "INSUFFICIENT_STOCK"
	case errors.Is(err, order.ErrNotFound):
		return "ORDER_NOT_FOUND"
	case errors.Is(err, order.ErrInvalidTransition):
		return "INVALID_TRANSITION"
	case errors.Is(err, order.ErrVersionConflict):
		return "VERSION_CONFLICT"
	case errors.Is(err, payment.ErrMalformedEvent):
		return "MALFORMED_EVENT"
	case errors.Is(err, payment.ErrGatewayTimeout):
		return "GATEWAY_TIMEOUT"
	case errors.Is(err, payment.ErrGatewayUnavailable):
		return "GATEWAY_UNAVAILABLE"
	case errors.Is(err, payment.ErrGatewayRejected):
		return "GATEWAY_REJECTED"
	case errors.Is(err, inventory.ErrContention):
		return "STOCK_CONTENTION"
	case errors.Is(err, ErrCatalogUnavailable):
		return "CATALOG_UNAVAILABLE"
	case errors.Is(err, context.Canceled):
		return "CONTEXT_CANCELED"
	case errors.Is(err, context.DeadlineExceeded):
		return "DEADLINE_EXCEEDED"
	default:
		return "INTERNAL"
	}
}
