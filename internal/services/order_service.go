package services

import (
	"context"
	"fmt"
	"time"

	"p2pex/internal/models"
	"p2pex/internal/pricing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const orderPageSize = 50

type OrderService struct {
	Store  OrderStore
	Chains ChainClients
	Now    func() time.Time
}

type CreateOrderInput struct {
	Asset          models.Asset
	UnitPrice      decimal.Decimal
	TotalAmount    decimal.Decimal
	PaymentMethods []models.PaymentMethod
	MinLimit       decimal.Decimal
	MaxLimit       decimal.Decimal
}

func (s *OrderService) ListOrders(ctx context.Context, f models.OrderFilter) ([]*models.Order, error) {
	if f.Side == "" {
		f.Side = models.SideBuy
	}
	if f.Side != models.SideBuy && f.Side != models.SideSell {
		return nil, fmt.Errorf("%w: side %q", ErrInvalidInput, f.Side)
	}
	if !f.Asset.Valid() {
		return nil, fmt.Errorf("%w: asset %q", ErrInvalidInput, f.Asset)
	}
	if f.PaymentMethod != "" && !f.PaymentMethod.Valid() {
		return nil, fmt.Errorf("%w: payment method %q", ErrInvalidInput, f.PaymentMethod)
	}
	switch f.Sort {
	case "", models.SortPrice, models.SortAmount:
	default:
		return nil, fmt.Errorf("%w: sort %q", ErrInvalidInput, f.Sort)
	}
	f.Limit = orderPageSize
	return s.Store.ListOrders(ctx, f)
}

func (s *OrderService) CreateOrder(ctx context.Context, sellerID string, in CreateOrderInput) (*models.Order, error) {
	if sellerID == "" {
		return nil, ErrMissingUserID
	}
	if !in.Asset.Valid() {
		return nil, fmt.Errorf("%w: asset %q", ErrInvalidInput, in.Asset)
	}
	if !in.UnitPrice.IsPositive() {
		return nil, fmt.Errorf("%w: price must be positive", ErrInvalidInput)
	}
	if !in.TotalAmount.IsPositive() {
		return nil, fmt.Errorf("%w: total amount must be positive", ErrInvalidInput)
	}
	if in.MinLimit.IsNegative() || in.MaxLimit.IsNegative() {
		return nil, fmt.Errorf("%w: limits must not be negative", ErrInvalidInput)
	}
	if in.MinLimit.IsPositive() && in.MaxLimit.IsPositive() && in.MinLimit.GreaterThan(in.MaxLimit) {
		return nil, fmt.Errorf("%w: min limit above max limit", ErrInvalidInput)
	}
	// The full book must still price into int64 paise.
	if _, err := pricing.FiatMinor(in.UnitPrice, in.TotalAmount); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if err := checkPrecision(ctx, s.Chains, in.Asset, in.TotalAmount, "totalAmount"); err != nil {
		return nil, err
	}

	methods := make([]models.PaymentMethod, 0, len(in.PaymentMethods))
	seen := map[models.PaymentMethod]bool{}
	for _, m := range in.PaymentMethods {
		if !m.Valid() {
			return nil, fmt.Errorf("%w: payment method %q", ErrInvalidInput, m)
		}
		if !seen[m] {
			seen[m] = true
			methods = append(methods, m)
		}
	}
	if len(methods) == 0 {
		methods = []models.PaymentMethod{models.PaymentUPI}
	}

	now := clock(s.Now).now()
	order := &models.Order{
		OrderID:        uuid.NewString(),
		SellerID:       sellerID,
		Asset:          in.Asset,
		UnitPrice:      in.UnitPrice,
		TotalQuantity:  in.TotalAmount,
		Available:      in.TotalAmount,
		MinLimit:       in.MinLimit,
		MaxLimit:       in.MaxLimit,
		PaymentMethods: methods,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.Store.CreateOrder(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	if _, err := uuid.Parse(orderID); err != nil {
		return nil, fmt.Errorf("%w: order id must be a uuid", ErrInvalidInput)
	}
	return s.Store.GetOrder(ctx, orderID)
}
