package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
)

const (
	peerName        = "payment_gateway"
	endpointSession = "create_session"
)

type Config struct {
	BaseURL   string
	Secret    string
	ReturnURL string
	Timeout   time.Duration
}

// Client talks to the provider's HTTP API.
type Client struct {
	cfg    Config
	http   *http.Client
	signer Signer
	tracer observability.Tracer
	calls  observability.Counter
	dur    observability.Histogram
	now    func() time.Time
}

func NewClient(cfg Config, tel observability.Observability) *Client {
	tel = observability.Or(tel)
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		signer: NewSigner(cfg.Secret),
		tracer: tel.Tracer(),
		calls:  tel.Metrics().Counter(observability.MExternalRequests),
		dur:    tel.Metrics().Histogram(observability.MExternalRequestDuration),
		now:    time.Now,
	}
}

type sessionRequest struct {
	OrderID    string `json:"order_id"`
	CustomerID string `json:"customer_id"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	ReturnURL  string `json:"return_url,omitempty"`
}

type sessionResponse struct {
	Token       string `json:"token"`
	RedirectURL string `json:"redirect_url"`
}

// Initiate creates a hosted payment session. The order id doubles as the provider idempotency key.
func (c *Client) Initiate(ctx context.Context, charge payment.Charge) (_ *payment.Session, err error) {
	ctx, span := c.tracer.Start(ctx, "Gateway.Initiate",
		attribute.String("order.id", charge.OrderID),
		attribute.Int64("payment.amount", charge.Amount),
	)
	start := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = errorOutcome(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		span.End()
		c.calls.Add(1,
			observability.L("peer", peerName),
			observability.L("endpoint", endpointSession),
			observability.L("outcome", outcome),
		)
		c.dur.Observe(time.Since(start).Seconds(),
			observability.L("peer", peerName),
			observability.L("endpoint", endpointSession),
		)
	}()

	body, err := json.Marshal(sessionRequest{
		OrderID:    charge.OrderID,
		CustomerID: charge.CustomerID,
		Amount:     charge.Amount,
		Currency:   charge.Currency,
		ReturnURL:  c.cfg.ReturnURL,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/sessions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", charge.OrderID)
	req.Header.Set(SignatureHeader, c.signer.Sign(body))
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", payment.ErrGatewayUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", payment.ErrGatewayRejected, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode session: %v", payment.ErrGatewayUnavailable, err)
	}
	if out.Token == "" {
		return nil, fmt.Errorf("%w: empty session token", payment.ErrGatewayUnavailable)
	}
	return &payment.Session{Token: out.Token, RedirectURL: out.RedirectURL}, nil
}

func (c *Client) NormalizeCallback(raw []byte, signature string) (*payment.Event, error) {
	return Normalize(c.signer, raw, signature, c.now())
}

func transportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", payment.ErrGatewayTimeout, err)
	}
	return fmt.Errorf("%w: %v", payment.ErrGatewayUnavailable, err)
}

func errorOutcome(err error) string {
	switch {
	case errors.Is(err, payment.ErrGatewayTimeout):
		return "timeout"
	case errors.Is(err, payment.ErrGatewayUnavailable):
		return "unavailable"
	case errors.Is(err, payment.ErrGatewayRejected):
		return "rejected"
	default:
		return "error"
	}
}
