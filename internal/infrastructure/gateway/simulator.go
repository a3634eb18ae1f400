package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
)

const defaultSuccessRate = 0.7

// Deliver hands a signed callback body to whatever receives gateway notifications.
type Deliver func(ctx context.Context, body []byte, signature string) error

// Simulator is an in-process gateway for local runs. Each session settles after Delay with a
// random outcome and is delivered through the same signed callback path as the real provider.
type Simulator struct {
	mu          sync.Mutex
	random      *rand.Rand
	successRate float64
	failureRate float64
	signer      Signer
	returnURL   string
	delay       time.Duration
	deliver     Deliver
	log         observability.Logger
	now         func() time.Time
	wg          sync.WaitGroup
}

type SimulatorOption func(*Simulator)

func WithSuccessRate(rate float64) SimulatorOption {
	return func(s *Simulator) { s.successRate = rate }
}

// WithFailureRate makes Initiate fail with ErrGatewayUnavailable at the given rate.
func WithFailureRate(rate float64) SimulatorOption {
	return func(s *Simulator) { s.failureRate = rate }
}

func WithDelay(d time.Duration) SimulatorOption {
	return func(s *Simulator) { s.delay = d }
}

func WithDeliver(d Deliver) SimulatorOption {
	return func(s *Simulator) { s.deliver = d }
}

func WithRandSource(src rand.Source) SimulatorOption {
	return func(s *Simulator) { s.random = rand.New(src) }
}

func NewSimulator(secret, returnURL string, log observability.Logger, opts ...SimulatorOption) *Simulator {
	if log == nil {
		log = observability.NopLogger()
	}
	s := &Simulator{
		random:      rand.New(rand.NewSource(time.Now().UnixNano())),
		successRate: defaultSuccessRate,
		signer:      NewSigner(secret),
		returnURL:   returnURL,
		delay:       time.Second,
		log:         log.With(observability.F("component", "gateway_simulator")),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetDeliver wires the callback sink after construction.
func (s *Simulator) SetDeliver(d Deliver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliver = d
}

func (s *Simulator) Initiate(ctx context.Context, charge payment.Charge) (*payment.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, payment.ErrGatewayTimeout
	}
	if s.unavailable() {
		s.log.Warn("simulated_gateway_unavailable", observability.F("order_id", charge.OrderID))
		return nil, fmt.Errorf("%w: simulated outage", payment.ErrGatewayUnavailable)
	}
	token := "sim_" + uuid.NewString()
	redirect := s.returnURL
	if redirect != "" {
		redirect += "?token=" + url.QueryEscape(token)
	}

	s.mu.Lock()
	deliver := s.deliver
	s.mu.Unlock()
	if deliver != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			time.Sleep(s.delay)
			s.settle(token, deliver)
		}()
	}

	s.log.Info("simulated_session_created",
		observability.F("order_id", charge.OrderID),
		observability.F("token", token),
		observability.F("amount", charge.Amount),
	)
	return &payment.Session{Token: token, RedirectURL: redirect}, nil
}

func (s *Simulator) settle(token string, deliver Deliver) {
	status := "declined"
	if s.roll() {
		status = "succeeded"
	}
	body, sig, err := s.Callback(Callback{TransactionID: "simtx_" + uuid.NewString(), Token: token, Status: status})
	if err != nil {
		s.log.Error("simulated_callback_encode_failed", observability.F("error", err))
		return
	}
	if err := deliver(context.Background(), body, sig); err != nil {
		s.log.Warn("simulated_callback_rejected", observability.F("token", token), observability.F("error", err))
	}
}

func (s *Simulator) roll() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.random.Float64() <= s.successRate
}

func (s *Simulator) unavailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failureRate > 0 && s.random.Float64() < s.failureRate
}

// Callback encodes and signs cb, stamping OccurredAt when unset.
func (s *Simulator) Callback(cb Callback) ([]byte, string, error) {
	if cb.OccurredAt.IsZero() {
		cb.OccurredAt = s.now().UTC()
	}
	body, err := cb.Encode()
	if err != nil {
		return nil, "", err
	}
	return body, s.signer.Sign(body), nil
}

func (s *Simulator) NormalizeCallback(raw []byte, signature string) (*payment.Event, error) {
	return Normalize(s.signer, raw, signature, s.now())
}

// Wait blocks until every pending simulated callback has been delivered.
func (s *Simulator) Wait() {
	s.wg.Wait()
}
