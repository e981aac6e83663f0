package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"p2pex/internal/chain"
	"p2pex/internal/models"
	"p2pex/internal/payments"
	"p2pex/internal/pricing"
	"p2pex/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	testSecret   = "checkout-secret"
	buyerID      = "buyer-1"
	sellerID     = "seller-1"
	buyerAddress = "0x00000000000000000000000000000000000000b1"
)

type fakeClient struct {
	asset    models.Asset
	network  string
	contract string
	decimals uint8

	mu         sync.Mutex
	sends      int
	sendErr    error
	submitted  bool
	outcome    models.TransferOutcome
	stall      bool
	balance    decimal.Decimal
	balanceErr error
	lookups    map[string]models.TransferOutcome
	lookupErr  error
}

func newFakeClient(asset models.Asset, network, contract string) *fakeClient {
	decimals := uint8(18)
	if contract != "" {
		decimals = 6
	}
	return &fakeClient{
		asset:    asset,
		network:  network,
		contract: contract,
		decimals: decimals,
		outcome:  models.TransferConfirmed,
		lookups:  map[string]models.TransferOutcome{},
	}
}

func (c *fakeClient) Asset() models.Asset { return c.asset }
func (c *fakeClient) NetworkName() string { return c.network }
func (c *fakeClient) Contract() string    { return c.contract }

func (c *fakeClient) Decimals(context.Context) (uint8, error) { return c.decimals, nil }

func (c *fakeClient) Balance(ctx context.Context, address string) (decimal.Decimal, error) {
	if _, err := chain.ValidateAddress(address); err != nil {
		return decimal.Zero, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balance, c.balanceErr
}

func (c *fakeClient) Send(ctx context.Context, to string, amount decimal.Decimal) (*chain.Submission, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends++
	sub := &chain.Submission{
		TxHash: fmt.Sprintf("0x%064x", c.sends),
		From:   "0x00000000000000000000000000000000000000f1",
		To:     to,
	}
	if c.sendErr != nil {
		if c.submitted {
			return sub, c.sendErr
		}
		return nil, c.sendErr
	}
	return sub, nil
}

func (c *fakeClient) Wait(ctx context.Context, txHash string) (*chain.Confirmation, error) {
	c.mu.Lock()
	stall, outcome := c.stall, c.outcome
	c.mu.Unlock()
	if stall {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &chain.Confirmation{TxHash: txHash, Outcome: outcome, BlockNumber: 1234, GasUsed: 52000}, nil
}

func (c *fakeClient) Lookup(ctx context.Context, txHash string) (*chain.Confirmation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lookupErr != nil {
		return nil, c.lookupErr
	}
	outcome, ok := c.lookups[txHash]
	if !ok {
		outcome = models.TransferPending
	}
	return &chain.Confirmation{TxHash: txHash, Outcome: outcome, BlockNumber: 1300, GasUsed: 52000}, nil
}

func (c *fakeClient) sendCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sends
}

type fakeGateway struct {
	mu     sync.Mutex
	orders []payments.CreateOrderRequest
	err    error
}

func (g *fakeGateway) KeyID() string { return "rzp_test_key" }

func (g *fakeGateway) CreateOrder(ctx context.Context, req payments.CreateOrderRequest) (*payments.GatewayOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.orders = append(g.orders, req)
	return &payments.GatewayOrder{
		ID:       fmt.Sprintf("order_%d", len(g.orders)),
		Amount:   req.AmountMinor,
		Currency: "INR",
		Receipt:  req.Receipt,
		Status:   "created",
	}, nil
}

type fixture struct {
	store    *store.Memory
	usdc     *fakeClient
	mon      *fakeClient
	gateway  *fakeGateway
	orders   *OrderService
	payments *PaymentService
	settle   *SettlementService
	order    *models.Order
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	st := store.NewMemory()
	usdc := newFakeClient(models.AssetUSDC, "Polygon Amoy", "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582")
	mon := newFakeClient(models.AssetMON, "Monad Testnet", "")
	chains := chain.NewRegistry(usdc, mon)
	price := pricing.Service{MinFiatMinor: 500, ToleranceMinor: 1}
	gw := &fakeGateway{}

	f := &fixture{
		store:   st,
		usdc:    usdc,
		mon:     mon,
		gateway: gw,
		orders:  &OrderService{Store: st, Chains: chains},
		payments: &PaymentService{
			Store:          st,
			Gateway:        gw,
			Pricing:        price,
			Chains:         chains,
			CheckoutSecret: []byte(testSecret),
			Logger:         logger,
		},
		settle: &SettlementService{
			Store:           st,
			Chains:          chains,
			Pricing:         price,
			TransferTimeout: time.Second,
			Logger:          logger,
		},
	}

	order, err := f.orders.CreateOrder(context.Background(), sellerID, CreateOrderInput{
		Asset:          models.AssetUSDC,
		UnitPrice:      decimal.NewFromInt(90),
		TotalAmount:    decimal.NewFromInt(100),
		PaymentMethods: []models.PaymentMethod{models.PaymentUPI},
	})
	require.NoError(t, err)
	f.order = order
	return f
}

// paidIntent creates an intent for amount and verifies it as the checkout would.
func (f *fixture) paidIntent(t *testing.T, amount string) (*models.PaymentIntent, string) {
	t.Helper()
	ctx := context.Background()
	created, err := f.payments.CreateIntent(ctx, buyerID, CreateIntentInput{
		OrderID:         f.order.OrderID,
		RequestedAmount: decimal.RequireFromString(amount),
		BuyerContact:    "buyer@example.com",
	})
	require.NoError(t, err)

	paymentID := "pay_" + uuid.NewString()[:8]
	res, err := f.payments.Verify(ctx, VerifyInput{
		GatewayOrderID:   created.Intent.GatewayOrderID,
		GatewayPaymentID: paymentID,
		GatewaySignature: checkoutSignature(created.Intent.GatewayOrderID, paymentID),
		FiatAmountMinor:  created.Intent.FiatAmountMinor,
	})
	require.NoError(t, err)
	require.True(t, res.OK, res.Message)
	return res.Intent, paymentID
}

func (f *fixture) buy(intent *models.PaymentIntent, paymentID string) BuyRequest {
	return BuyRequest{
		OrderID:          intent.OrderID,
		RequestedAmount:  intent.RequestedAmount,
		BuyerAddress:     buyerAddress,
		GatewayPaymentID: paymentID,
	}
}

func (f *fixture) available(t *testing.T) decimal.Decimal {
	t.Helper()
	o, err := f.store.GetOrder(context.Background(), f.order.OrderID)
	require.NoError(t, err)
	return o.Available
}

// insertIntent writes an intent straight into the store in the given state.
func (f *fixture) insertIntent(t *testing.T, state models.SettlementState, amount string, fiatMinor int64, paymentID string) *models.PaymentIntent {
	t.Helper()
	now := time.Now().UTC()
	intent := &models.PaymentIntent{
		IntentID:         uuid.NewString(),
		OrderID:          f.order.OrderID,
		BuyerID:          buyerID,
		RequestedAmount:  decimal.RequireFromString(amount),
		FiatAmountMinor:  fiatMinor,
		State:            state,
		GatewayOrderID:   "order_" + paymentID,
		GatewayPaymentID: &paymentID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, f.store.CreateIntent(context.Background(), intent))
	return intent
}

func checkoutSignature(orderID, paymentID string) string {
	return payments.SignHex([]byte(orderID+"|"+paymentID), []byte(testSecret))
}
