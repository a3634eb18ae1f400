package httppresentation

import (
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability/logctx"
)

// RequestTags extracts extra log fields from a routed request.
type RequestTags func(*http.Request) []observability.Field

// ObservabilityMiddleware assigns or echoes X-Request-ID and injects a request-scoped logger
// carrying the request id, the trace ids and whatever tags returns. It runs inside withTrace,
// so the server span is current, and under the mux, so path values are set.
func ObservabilityMiddleware(base observability.Logger, requestID func(*http.Request) string, tags RequestTags) func(http.Handler) http.Handler {
	if base == nil {
		base = observability.NopLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			var rid string
			if requestID != nil {
				rid = requestID(r)
			}
			if rid == "" {
				rid = uuid.NewString()
			}
			w.Header().Set(headerRequestID, rid)

			// service and env are bound on the base logger.
			fields := []observability.Field{observability.F("request_id", rid)}
			if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
				fields = append(fields,
					observability.F("trace_id", sc.TraceID().String()),
					observability.F("span_id", sc.SpanID().String()),
				)
			}
			if tags != nil {
				fields = append(fields, tags(r)...)
			}
			next.ServeHTTP(w, r.WithContext(logctx.With(ctx, base.With(fields...))))
		})
	}
}

// checkoutTags tags order routes with the order id and checkouts with the idempotency header.
func checkoutTags(r *http.Request) []observability.Field {
	var fields []observability.Field
	if id := r.PathValue("id"); id != "" {
		fields = append(fields, observability.F("order_id", id))
	}
	if key := r.Header.Get(headerIdempotencyKey); key != "" {
		fields = append(fields, observability.F("idempotency_key", key))
	}
	return fields
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
