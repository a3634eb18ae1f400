package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
)

func TestSignerVerify(t *testing.T) {
	signer := NewSigner("s3cret")
	body := []byte(`{"transaction_id":"tx-1"}`)
	sig := signer.Sign(body)

	assert.True(t, signer.Verify(body, sig))
	assert.False(t, signer.Verify([]byte(`{"transaction_id":"tx-2"}`), sig))
	assert.False(t, signer.Verify(body, "sha256=zz"))
	assert.False(t, signer.Verify(body, sig[len("sha256="):]))
	assert.False(t, NewSigner("").Verify(body, NewSigner("").Sign(body)))
}

func TestNormalize(t *testing.T) {
	signer := NewSigner("s3cret")
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	body, err := Callback{TransactionID: "tx-1", Token: "tok-1", Status: "PAID", OccurredAt: now}.Encode()
	require.NoError(t, err)
	event, err := Normalize(signer, body, signer.Sign(body), now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, "tx-1", event.TransactionID)
	assert.Equal(t, payment.OutcomeSucceeded, event.Outcome)
	assert.Equal(t, now, event.OccurredAt)
	assert.Equal(t, body, event.Payload)
}

func TestNormalizeRejects(t *testing.T) {
	signer := NewSigner("s3cret")
	sign := func(cb Callback) ([]byte, string) {
		body, err := cb.Encode()
		require.NoError(t, err)
		return body, signer.Sign(body)
	}

	tests := []struct {
		name string
		body func() ([]byte, string)
	}{
		{name: "bad_signature", body: func() ([]byte, string) {
			body, _ := sign(Callback{TransactionID: "tx", Token: "tok", Status: "failed"})
			return body, "sha256=00"
		}},
		{name: "not_json", body: func() ([]byte, string) { return []byte("{"), signer.Sign([]byte("{")) }},
		{name: "missing_token", body: func() ([]byte, string) { return sign(Callback{TransactionID: "tx", Status: "failed"}) }},
		{name: "unknown_status", body: func() ([]byte, string) {
			return sign(Callback{TransactionID: "tx", Token: "tok", Status: "refunded"})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, sig := tt.body()
			_, err := Normalize(signer, body, sig, time.Now())
			assert.ErrorIs(t, err, payment.ErrMalformedEvent)
		})
	}
}
