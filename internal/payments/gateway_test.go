package payments

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatewayCreateOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/orders", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "rzp_test_key", user)
		assert.Equal(t, "secret", pass)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(90000), body["amount"])
		assert.Equal(t, "INR", body["currency"])
		assert.Equal(t, "intent-1", body["receipt"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "order_123", "amount": 90000, "currency": "INR", "receipt": "intent-1", "status": "created",
		})
	}))
	defer srv.Close()

	g := NewGateway(srv.URL+"/", "rzp_test_key", "secret", time.Second)
	order, err := g.CreateOrder(context.Background(), CreateOrderRequest{AmountMinor: 90000, Receipt: "intent-1"})
	require.NoError(t, err)
	assert.Equal(t, "order_123", order.ID)
	assert.Equal(t, int64(90000), order.Amount)
}

func TestGatewayCreateOrderErrors(t *testing.T) {
	_, err := NewGateway("http://unused", "", "", 0).CreateOrder(context.Background(), CreateOrderRequest{AmountMinor: 500})
	require.ErrorIs(t, err, ErrGatewayNotConfigured)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":"BAD_REQUEST_ERROR"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()
	_, err = NewGateway(srv.URL, "k", "s", time.Second).CreateOrder(context.Background(), CreateOrderRequest{AmountMinor: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway http status 400")
}
