package order

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var createdAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestCreate(t *testing.T) {
	prices := map[string]int64{"sku-1": 250, "sku-2": 1000}

	tests := []struct {
		name      string
		customer  string
		lines     []CartLine
		wantErr   bool
		wantTotal int64
		wantItems int
	}{
		{
			name:      "Success - priced snapshot",
			customer:  "cust-1",
			lines:     []CartLine{{ProductID: "sku-1", Quantity: 2}, {ProductID: "sku-2", Quantity: 1}},
			wantTotal: 1500,
			wantItems: 2,
		},
		{
			name:      "Success - duplicate lines merged",
			customer:  "cust-1",
			lines:     []CartLine{{ProductID: "sku-1", Quantity: 1}, {ProductID: "sku-1", Quantity: 3}},
			wantTotal: 1000,
			wantItems: 1,
		},
		{name: "Failure - missing customer", lines: []CartLine{{ProductID: "sku-1", Quantity: 1}}, wantErr: true},
		{name: "Failure - empty cart", customer: "cust-1", wantErr: true},
		{name: "Failure - zero quantity", customer: "cust-1", lines: []CartLine{{ProductID: "sku-1"}}, wantErr: true},
		{name: "Failure - unknown product", customer: "cust-1", lines: []CartLine{{ProductID: "sku-9", Quantity: 1}}, wantErr: true},
		{name: "Failure - quantity above limit", customer: "cust-1", lines: []CartLine{{ProductID: "sku-1", Quantity: MaxLineQuantity + 1}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := Create("ord-1", tt.customer, "key-1", "USD", tt.lines, prices, createdAt)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, StatusPending, o.Status)
			assert.Equal(t, tt.wantTotal, o.Total)
			assert.Len(t, o.Items, tt.wantItems)
			assert.Equal(t, createdAt, o.CreatedAt)
		})
	}
}

func TestCreateKeepsPriceSnapshot(t *testing.T) {
	prices := map[string]int64{"sku-1": 250}
	o, err := Create("ord-1", "cust-1", "", "USD", []CartLine{{ProductID: "sku-1", Quantity: 2}}, prices, createdAt)
	require.NoError(t, err)

	prices["sku-1"] = 999

	assert.Equal(t, int64(250), o.Items[0].UnitPrice)
	assert.Equal(t, int64(500), o.Total)
}

func TestAssignGatewayToken(t *testing.T) {
	o := &Order{ID: "ord-1", Status: StatusAwaitingGateway}

	require.NoError(t, o.AssignGatewayToken("tok-1", "https://pay.example/tok-1"))
	require.NoError(t, o.AssignGatewayToken("tok-1", "https://pay.example/tok-1"))
	assert.ErrorIs(t, o.AssignGatewayToken("tok-2", ""), ErrTokenAlreadySet)
	assert.Equal(t, "tok-1", o.GatewayToken)

	done := &Order{ID: "ord-2", Status: StatusFailed}
	assert.ErrorIs(t, done.AssignGatewayToken("tok-3", ""), ErrInvalidTransition)
}
