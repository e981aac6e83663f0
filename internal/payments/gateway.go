package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var ErrGatewayNotConfigured = errors.New("payment gateway credentials not configured")

// GatewayOrder is the gateway-side order a checkout is opened against.
type GatewayOrder struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

type CreateOrderRequest struct {
	AmountMinor int64
	Receipt     string
	Notes       map[string]string
}

// Gateway talks to the Razorpay Orders API.
type Gateway struct {
	baseURL   string
	keyID     string
	keySecret string
	client    *http.Client
}

func NewGateway(baseURL, keyID, keySecret string, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Gateway{
		baseURL:   strings.TrimRight(baseURL, "/"),
		keyID:     keyID,
		keySecret: keySecret,
		client:    &http.Client{Timeout: timeout},
	}
}

func (g *Gateway) KeyID() string { return g.keyID }

// Secret is the key secret checkout signatures are computed with.
func (g *Gateway) Secret() []byte { return []byte(g.keySecret) }

func (g *Gateway) CreateOrder(ctx context.Context, req CreateOrderRequest) (*GatewayOrder, error) {
	if g.keyID == "" || g.keySecret == "" {
		return nil, ErrGatewayNotConfigured
	}
	payload := map[string]any{
		"amount":   req.AmountMinor,
		"currency": "INR",
		"receipt":  req.Receipt,
	}
	if len(req.Notes) > 0 {
		payload["notes"] = req.Notes
	}
	var out GatewayOrder
	if err := g.postJSON(ctx, g.baseURL+"/v1/orders", payload, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, errors.New("gateway returned an order without id")
	}
	return &out, nil
}

func (g *Gateway) postJSON(ctx context.Context, endpoint string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(g.keyID, g.keySecret)

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(data))
		if msg != "" {
			return fmt.Errorf("gateway http status %d: %s", resp.StatusCode, msg)
		}
		return fmt.Errorf("gateway http status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
