package workerpresentation

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/job"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/jobs"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability/logctx"
)

// WithEventContext injects a scoped logger for background executions. Dynamic fields only:
// trace_id/span_id when the context carries a span, event_id (generated if empty), plus the
// caller's attributes.
func WithEventContext(ctx context.Context, base observability.Logger, attrs map[string]string) context.Context {
	base = logctx.FromOr(ctx, base)

	fields := make([]observability.Field, 0, len(attrs)+3)
	evtID := attrs["event_id"]
	if evtID == "" {
		evtID = uuid.NewString()
	}
	fields = append(fields, observability.F("event_id", evtID))

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			observability.F("trace_id", sc.TraceID().String()),
			observability.F("span_id", sc.SpanID().String()),
		)
	}
	for k, v := range attrs {
		if k == "event_id" || v == "" {
			continue
		}
		fields = append(fields, observability.F(k, v))
	}
	return logctx.With(ctx, base.With(fields...))
}

// payloadRef picks the entity ids settlement jobs carry.
type payloadRef struct {
	OrderID       string `json:"order_id"`
	TransactionID string `json:"transaction_id"`
}

// JobContext returns a runner hook that tags every job execution with its dedup key and the
// order or transaction it acts on.
func JobContext(base observability.Logger) jobs.ContextFunc {
	return func(ctx context.Context, j *job.Job) context.Context {
		attrs := map[string]string{"job_key": j.Key}
		var ref payloadRef
		if err := json.Unmarshal(j.Payload, &ref); err == nil {
			attrs["order_id"] = ref.OrderID
			attrs["transaction_id"] = ref.TransactionID
		}
		return WithEventContext(ctx, base, attrs)
	}
}
