package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
)

func TestClientInitiate(t *testing.T) {
	var got sessionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sessions", r.URL.Path)
		assert.Equal(t, "order-1", r.Header.Get("Idempotency-Key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(sessionResponse{Token: "tok-1", RedirectURL: "https://pay.example/tok-1"})
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, Secret: "s3cret", ReturnURL: "https://shop.example/return"}, nil)
	session, err := client.Initiate(context.Background(), payment.Charge{OrderID: "order-1", CustomerID: "cust-1", Amount: 1200, Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, "tok-1", session.Token)
	assert.Equal(t, "https://pay.example/tok-1", session.RedirectURL)
	assert.Equal(t, int64(1200), got.Amount)
	assert.Equal(t, "https://shop.example/return", got.ReturnURL)
}

func TestClientInitiateErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{name: "server_error", status: http.StatusBadGateway, wantErr: payment.ErrGatewayUnavailable},
		{name: "throttled", status: http.StatusTooManyRequests, wantErr: payment.ErrGatewayUnavailable},
		{name: "rejected", status: http.StatusUnprocessableEntity, wantErr: payment.ErrGatewayRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			_, err := NewClient(Config{BaseURL: srv.URL}, nil).Initiate(context.Background(), payment.Charge{OrderID: "o"})
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.wantErr != payment.ErrGatewayRejected, payment.IsTransient(err))
		})
	}
}

func TestClientInitiateTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	client := NewClient(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, nil)
	_, err := client.Initiate(context.Background(), payment.Charge{OrderID: "o"})
	assert.ErrorIs(t, err, payment.ErrGatewayTimeout)
}

func TestClientInitiateUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(Config{BaseURL: url}, nil).Initiate(context.Background(), payment.Charge{OrderID: "o"})
	assert.ErrorIs(t, err, payment.ErrGatewayUnavailable)
}
