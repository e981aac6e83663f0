package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"p2pex/internal/models"
	"p2pex/internal/payments"
	"p2pex/internal/pricing"
	"p2pex/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const currencyINR = "INR"

// PaymentService opens gateway orders for buys and accepts the gateway's signed checkout confirmation.
type PaymentService struct {
	Store          IntentStore
	Gateway        Gateway
	Pricing        pricing.Service
	Chains         ChainClients
	CheckoutSecret []byte
	Logger         *zap.Logger
	Now            func() time.Time
}

type CreateIntentInput struct {
	OrderID         string
	RequestedAmount decimal.Decimal
	BuyerContact    string
}

type IntentCreated struct {
	Intent   *models.PaymentIntent
	Currency string
	KeyID    string
}

type VerifyInput struct {
	GatewayOrderID   string
	GatewayPaymentID string
	GatewaySignature string
	FiatAmountMinor  int64
	BuyerContact     string
}

type VerifyResult struct {
	OK      bool
	Message string
	Intent  *models.PaymentIntent
}

func (s *PaymentService) CreateIntent(ctx context.Context, buyerID string, in CreateIntentInput) (*IntentCreated, error) {
	if buyerID == "" {
		return nil, ErrMissingUserID
	}
	if _, err := uuid.Parse(in.OrderID); err != nil {
		return nil, fmt.Errorf("%w: orderId must be a uuid", ErrInvalidInput)
	}
	if !in.RequestedAmount.IsPositive() {
		return nil, fmt.Errorf("%w: requestedAmount must be positive", ErrInvalidInput)
	}

	order, err := s.Store.GetOrder(ctx, in.OrderID)
	if err != nil {
		return nil, err
	}
	if order.SellerID == buyerID {
		return nil, fmt.Errorf("%w: cannot buy from own order", ErrInvalidInput)
	}
	if in.RequestedAmount.GreaterThan(order.Available) {
		return nil, fmt.Errorf("%w: requested %s, available %s", store.ErrInsufficientAvailable, in.RequestedAmount, order.Available)
	}
	if err := checkPrecision(ctx, s.Chains, order.Asset, in.RequestedAmount, "requestedAmount"); err != nil {
		return nil, err
	}
	quote, err := s.Pricing.Quote(order, in.RequestedAmount)
	if err != nil {
		return nil, err
	}

	intentID := uuid.NewString()
	gwOrder, err := s.Gateway.CreateOrder(ctx, payments.CreateOrderRequest{
		AmountMinor: quote.FiatMinor,
		Receipt:     intentID,
		Notes: map[string]string{
			"order_id": order.OrderID,
			"buyer_id": buyerID,
			"asset":    string(order.Asset),
			"amount":   in.RequestedAmount.String(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create gateway order: %w", err)
	}
	if gwOrder.Amount != 0 && gwOrder.Amount != quote.FiatMinor {
		return nil, fmt.Errorf("gateway order amount %d differs from quote %d", gwOrder.Amount, quote.FiatMinor)
	}

	now := clock(s.Now).now()
	intent := &models.PaymentIntent{
		IntentID:        intentID,
		OrderID:         order.OrderID,
		BuyerID:         buyerID,
		BuyerContact:    in.BuyerContact,
		RequestedAmount: in.RequestedAmount,
		FiatAmountMinor: quote.FiatMinor,
		State:           models.StateCreated,
		GatewayOrderID:  gwOrder.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.Store.CreateIntent(ctx, intent); err != nil {
		return nil, err
	}

	s.logger().Info("payment intent created",
		zap.String("intent_id", intent.IntentID),
		zap.String("order_id", intent.OrderID),
		zap.String("gateway_order_id", intent.GatewayOrderID),
		zap.Int64("fiat_minor", intent.FiatAmountMinor))

	return &IntentCreated{Intent: intent, Currency: currencyINR, KeyID: s.Gateway.KeyID()}, nil
}

// Verify moves a CREATED intent to VERIFIED. A bad signature never mutates
// state; a signed confirmation for the wrong amount fails the intent.
func (s *PaymentService) Verify(ctx context.Context, in VerifyInput) (*VerifyResult, error) {
	if in.GatewayOrderID == "" || in.GatewayPaymentID == "" || in.GatewaySignature == "" {
		return nil, fmt.Errorf("%w: gatewayOrderId, gatewayPaymentId and gatewaySignature are required", ErrInvalidInput)
	}
	if in.FiatAmountMinor <= 0 {
		return nil, fmt.Errorf("%w: fiatAmountMinorUnits must be positive", ErrInvalidInput)
	}
	if len(s.CheckoutSecret) == 0 {
		return nil, ErrSecretNotConfigured
	}

	if !payments.VerifyCheckout(in.GatewayOrderID, in.GatewayPaymentID, in.GatewaySignature, s.CheckoutSecret) {
		s.logger().Warn("checkout signature rejected",
			zap.String("gateway_order_id", in.GatewayOrderID),
			zap.String("gateway_payment_id", in.GatewayPaymentID))
		return nil, ErrInvalidSignature
	}

	intent, err := s.Store.GetIntentByGatewayOrder(ctx, in.GatewayOrderID)
	if err != nil {
		return nil, err
	}

	switch intent.State {
	case models.StateCreated:
	case models.StateVerifyFailed:
		return &VerifyResult{OK: false, Message: deref(intent.FailureReason), Intent: intent}, nil
	default:
		if intent.GatewayPaymentID != nil && *intent.GatewayPaymentID == in.GatewayPaymentID {
			return &VerifyResult{OK: true, Message: "payment already verified", Intent: intent}, nil
		}
		return nil, fmt.Errorf("%w: intent already verified with another payment", store.ErrDuplicatePayment)
	}

	if in.FiatAmountMinor != intent.FiatAmountMinor {
		reason := fmt.Sprintf("fiat amount mismatch: paid %d, expected %d", in.FiatAmountMinor, intent.FiatAmountMinor)
		if err := s.Store.FailVerification(ctx, intent.IntentID, reason); err != nil {
			if errors.Is(err, store.ErrStateConflict) {
				return s.Verify(ctx, in)
			}
			return nil, err
		}
		s.logger().Warn("payment verification failed",
			zap.String("intent_id", intent.IntentID),
			zap.String("reason", reason))
		intent.State = models.StateVerifyFailed
		intent.FailureReason = &reason
		return &VerifyResult{OK: false, Message: reason, Intent: intent}, nil
	}

	if err := s.Store.VerifyIntent(ctx, intent.IntentID, in.GatewayPaymentID); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			return s.Verify(ctx, in)
		}
		return nil, err
	}
	intent.State = models.StateVerified
	intent.GatewayPaymentID = &in.GatewayPaymentID

	s.logger().Info("payment verified",
		zap.String("intent_id", intent.IntentID),
		zap.String("gateway_payment_id", in.GatewayPaymentID))
	return &VerifyResult{OK: true, Message: "payment verified", Intent: intent}, nil
}

func (s *PaymentService) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
