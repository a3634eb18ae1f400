package httppresentation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/Zhima-Mochi/minishop-checkout/internal/application"
	"github.com/Zhima-Mochi/minishop-checkout/internal/application/settlement"
	domainInventory "github.com/Zhima-Mochi/minishop-checkout/internal/domain/inventory"
	domainOrder "github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
	domainPayment "github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability/logctx"
)

const (
	componentHTTPHandler = "http_server"
	headerRequestID      = "X-Request-ID"
	headerIdempotencyKey = "Idempotency-Key"
	// DefaultSignatureHeader carries the provider's HMAC over the callback body.
	DefaultSignatureHeader = "X-Gateway-Signature"
	maxCallbackBytes       = 64 << 10
)

// UseCases is everything the HTTP surface drives.
type UseCases struct {
	Checkout application.UseCase[settlement.CheckoutInput, *settlement.CheckoutResult]
	Callback application.UseCase[settlement.CallbackInput, *settlement.CallbackResult]
	Cancel   application.UseCase[settlement.CancelInput, *domainOrder.Order]
	GetOrder application.UseCase[string, *domainOrder.Order]
}

// FromService adapts the settlement orchestrator to UseCases.
func FromService(svc *settlement.Service) UseCases {
	return UseCases{
		Checkout: application.UseCaseFunc[settlement.CheckoutInput, *settlement.CheckoutResult](svc.Checkout),
		Callback: application.UseCaseFunc[settlement.CallbackInput, *settlement.CallbackResult](svc.HandleCallback),
		Cancel:   application.UseCaseFunc[settlement.CancelInput, *domainOrder.Order](svc.Cancel),
		GetOrder: application.UseCaseFunc[string, *domainOrder.Order](svc.GetOrder),
	}
}

type Handler struct {
	uc              UseCases
	metrics         http.Handler
	signatureHeader string
	log             observability.Logger
	tel             observability.Observability
	requests        observability.Counter
	duration        observability.Histogram
}

type Option func(*Handler)

// WithMetricsHandler exposes h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(handler *Handler) { handler.metrics = h }
}

func WithSignatureHeader(name string) Option {
	return func(handler *Handler) {
		if name != "" {
			handler.signatureHeader = name
		}
	}
}

func NewHandler(uc UseCases, tel observability.Observability, opts ...Option) *Handler {
	tel = observability.Or(tel)
	h := &Handler{
		uc:              uc,
		signatureHeader: DefaultSignatureHeader,
		log:             tel.Logger().With(observability.F("component", componentHTTPHandler)),
		tel:             tel,
		requests:        tel.Metrics().Counter(observability.MHTTPRequests),
		duration:        tel.Metrics().Histogram(observability.MHTTPRequestDuration),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	// Trace → request logger → HTTP metrics → access log → handler
	h.muxHandle(mux, http.MethodPost, "/checkout", h.handleCheckout)
	h.muxHandle(mux, http.MethodPost, "/gateway/callback", h.handleCallback)
	h.muxHandle(mux, http.MethodGet, "/orders/{id}", h.handleGetOrder)
	h.muxHandle(mux, http.MethodPost, "/orders/{id}/cancel", h.handleCancel)
	h.muxHandle(mux, http.MethodGet, "/health", h.handleHealth)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}

	return mux
}

func (h *Handler) muxHandle(mux *http.ServeMux, method, route string, handler http.HandlerFunc) {
	wrapped := h.withTrace(
		ObservabilityMiddleware(
			h.log,
			func(r *http.Request) string { return r.Header.Get(headerRequestID) },
			checkoutTags,
		)(
			h.withHTTPMetrics(
				h.withAccessLog(handler),
			),
		),
	)
	mux.Handle(method+" "+route, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Stable route template for low-cardinality labels.
		r = r.WithContext(contextWithRoute(r.Context(), route))
		wrapped.ServeHTTP(w, r)
	}))
}

type checkoutItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type checkoutRequest struct {
	CustomerID     string         `json:"customer_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Items          []checkoutItem `json:"items"`
}

type orderResponse struct {
	OrderID       string             `json:"order_id"`
	Status        domainOrder.Status `json:"status"`
	Total         int64              `json:"total"`
	Currency      string             `json:"currency"`
	GatewayToken  string             `json:"gateway_token,omitempty"`
	RedirectURL   string             `json:"redirect_url,omitempty"`
	FailureReason string             `json:"failure_reason,omitempty"`
	Version       int64              `json:"version"`
	Replayed      bool               `json:"replayed,omitempty"`
}

type failedOrderResponse struct {
	orderResponse
	errorResponse
}

func toOrderResponse(o *domainOrder.Order) orderResponse {
	return orderResponse{
		OrderID:       o.ID,
		Status:        o.Status,
		Total:         o.Total,
		Currency:      o.Currency,
		GatewayToken:  o.GatewayToken,
		RedirectURL:   o.RedirectURL,
		FailureReason: o.FailureReason,
		Version:       o.Version,
	}
}

func (h *Handler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_cart", err)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get(headerIdempotencyKey)
	}
	lines := make([]domainOrder.CartLine, 0, len(req.Items))
	for _, item := range req.Items {
		lines = append(lines, domainOrder.CartLine{ProductID: item.ProductID, Quantity: item.Quantity})
	}

	result, err := h.uc.Checkout.Execute(r.Context(), settlement.CheckoutInput{
		CustomerID:     req.CustomerID,
		IdempotencyKey: req.IdempotencyKey,
		Lines:          lines,
	})
	if err != nil {
		if result != nil && result.Order != nil {
			// The order was stored and closed; the caller still gets its id.
			writeJSON(w, statusFor(err), failedOrderResponse{
				orderResponse: toOrderResponse(result.Order),
				errorResponse: errorResponse{Code: codeFor(err), Error: err.Error()},
			})
			return
		}
		writeDomainError(w, err)
		return
	}

	body := toOrderResponse(result.Order)
	body.Replayed = result.Replayed
	switch {
	case result.Replayed:
		writeJSON(w, http.StatusOK, body)
	case result.Order.GatewayToken == "" && !result.Order.Status.Terminal():
		// Reservation or session is being retried in the background.
		writeJSON(w, http.StatusAccepted, body)
	default:
		writeJSON(w, http.StatusCreated, body)
	}
}

type callbackResponse struct {
	TransactionID string                `json:"transaction_id"`
	Result        domainPayment.Result  `json:"result,omitempty"`
	Outcome       domainPayment.Outcome `json:"outcome"`
	Duplicate     bool                  `json:"duplicate,omitempty"`
	Deferred      bool                  `json:"deferred,omitempty"`
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed_event", err)
		return
	}
	result, err := h.uc.Callback.Execute(r.Context(), settlement.CallbackInput{
		Body:      body,
		Signature: r.Header.Get(h.signatureHeader),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, callbackResponse{
		TransactionID: result.TransactionID,
		Result:        result.Result,
		Outcome:       result.Outcome,
		Duplicate:     result.Duplicate,
		Deferred:      result.Deferred,
	})
}

func (h *Handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.uc.GetOrder.Execute(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

type cancelRequest struct {
	ExpectedVersion int64 `json:"expected_version"`
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid_request", err)
			return
		}
	}
	if v := r.Header.Get("If-Match"); v != "" && req.ExpectedVersion == 0 {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", fmt.Errorf("If-Match must be an order version: %w", err))
			return
		}
		req.ExpectedVersion = parsed
	}

	o, err := h.uc.Cancel.Execute(r.Context(), settlement.CancelInput{OrderID: r.PathValue("id"), ExpectedVersion: req.ExpectedVersion})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// withAccessLog writes a single access log after the handler completes.
// It relies on the request-scoped logger already injected by ObservabilityMiddleware.
func (h *Handler) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(lrw, r)

		logctx.FromOr(r.Context(), h.log).Info("http_access",
			observability.F("method", r.Method),
			observability.F("route", routeFromContext(r.Context())),
			observability.F("path", r.URL.Path),
			observability.F("status", lrw.status),
			observability.F("latency_ms", time.Since(start).Milliseconds()),
		)
	})
}

// withTrace creates a server span for the request using OTel and W3C propagation.
func (h *Handler) withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tracer := otel.Tracer("minishop.http")
		parentCtx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		route := routeFromContext(parentCtx)
		if route == "unknown" {
			route = r.URL.Path
		}

		ctxWithSpan, span := tracer.Start(parentCtx,
			r.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
				attribute.String("http.target", r.URL.Path),
				attribute.String("http.user_agent", r.UserAgent()),
			),
		)
		defer span.End()

		next.ServeHTTP(w, r.WithContext(ctxWithSpan))
	})
}

// withHTTPMetrics records RED-ish HTTP metrics using injected vectors.
// DO NOT new metrics inside the middleware.
func (h *Handler) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(lrw, r)

		route := routeFromContext(r.Context())
		status := strconv.Itoa(lrw.status)
		h.requests.Add(1, observability.L("method", r.Method), observability.L("route", route), observability.L("status", status))
		h.duration.Observe(time.Since(start).Seconds(), observability.L("method", r.Method), observability.L("route", route), observability.L("status", status))
	})
}

func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, errorResponse{Code: code, Error: err.Error()})
}

func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), codeFor(err), err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domainOrder.ErrValidation),
		errors.Is(err, domainInventory.ErrInvalidQuantity),
		errors.Is(err, domainPayment.ErrMalformedEvent):
		return http.StatusBadRequest
	case errors.Is(err, domainOrder.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domainInventory.ErrInsufficientStock),
		errors.Is(err, domainOrder.ErrInvalidTransition),
		errors.Is(err, domainOrder.ErrVersionConflict),
		errors.Is(err, domainOrder.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domainPayment.ErrGatewayRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, settlement.ErrCatalogUnavailable),
		settlement.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, domainPayment.ErrMalformedEvent):
		return "malformed_event"
	case errors.Is(err, domainOrder.ErrValidation), errors.Is(err, domainInventory.ErrInvalidQuantity):
		return "invalid_cart"
	case errors.Is(err, domainOrder.ErrNotFound):
		return "not_found"
	case errors.Is(err, domainInventory.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, domainOrder.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, domainOrder.ErrVersionConflict), errors.Is(err, domainOrder.ErrConflict):
		return "version_conflict"
	case errors.Is(err, domainPayment.ErrGatewayRejected):
		return "payment_rejected"
	case errors.Is(err, settlement.ErrCatalogUnavailable), settlement.IsTransient(err):
		return "unavailable"
	default:
		return "internal"
	}
}

type routeKey struct{}

// contextWithRoute stores the stable route template in the context so downstream
// metrics/logging can rely on low-cardinality values.
func contextWithRoute(ctx context.Context, route string) context.Context {
	if route == "" {
		return ctx
	}
	return context.WithValue(ctx, routeKey{}, route)
}

func routeFromContext(ctx context.Context) string {
	if ctx == nil {
		return "unknown"
	}
	if route, ok := ctx.Value(routeKey{}).(string); ok && route != "" {
		return route
	}
	return "unknown"
}
