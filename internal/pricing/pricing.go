package pricing

import (
	"errors"
	"fmt"
	"math"

	"p2pex/internal/models"

	"github.com/shopspring/decimal"
)

var (
	ErrBelowMinimum  = errors.New("fiat amount below minimum")
	ErrOutsideLimits = errors.New("fiat amount outside order limits")
	ErrFiatMismatch  = errors.New("fiat amount does not match order price")
	ErrFiatOverflow  = errors.New("fiat amount too large")
)

var (
	hundred      = decimal.NewFromInt(100)
	maxFiatMinor = decimal.NewFromInt(math.MaxInt64)
)

// Service prices buys against an order's quoted INR unit price.
type Service struct {
	MinFiatMinor   int64
	ToleranceMinor int64
}

type Quote struct {
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Amount     decimal.Decimal `json:"amount"`
	FiatMinor  int64           `json:"fiat_minor"`
	FiatRupees decimal.Decimal `json:"fiat_rupees"`
}

// FiatMinor is round(unitPrice * amount * 100) in paise. Values that do not fit in int64 are rejected.
func FiatMinor(unitPrice, amount decimal.Decimal) (int64, error) {
	v := unitPrice.Mul(amount).Mul(hundred).Round(0)
	if v.IsNegative() || v.GreaterThan(maxFiatMinor) {
		return 0, fmt.Errorf("%w: %s paise", ErrFiatOverflow, v)
	}
	return v.IntPart(), nil
}

// Quote computes the fiat owed for amount of the order's asset and checks it against the minimum and the order limits.
func (s Service) Quote(order *models.Order, amount decimal.Decimal) (Quote, error) {
	fiat, err := FiatMinor(order.UnitPrice, amount)
	if err != nil {
		return Quote{}, err
	}
	q := Quote{
		UnitPrice:  order.UnitPrice,
		Amount:     amount,
		FiatMinor:  fiat,
		FiatRupees: order.UnitPrice.Mul(amount),
	}
	if q.FiatMinor < s.MinFiatMinor {
		return q, fmt.Errorf("%w: %d < %d paise", ErrBelowMinimum, q.FiatMinor, s.MinFiatMinor)
	}
	if order.MinLimit.IsPositive() && q.FiatRupees.LessThan(order.MinLimit) {
		return q, fmt.Errorf("%w: %s below %s INR", ErrOutsideLimits, q.FiatRupees, order.MinLimit)
	}
	if order.MaxLimit.IsPositive() && q.FiatRupees.GreaterThan(order.MaxLimit) {
		return q, fmt.Errorf("%w: %s above %s INR", ErrOutsideLimits, q.FiatRupees, order.MaxLimit)
	}
	return q, nil
}

// Matches reports whether paid is within the tolerance of the fiat owed for amount at unitPrice.
func (s Service) Matches(unitPrice, amount decimal.Decimal, paidMinor int64) error {
	want, err := FiatMinor(unitPrice, amount)
	if err != nil {
		return err
	}
	diff := want - paidMinor
	if diff < 0 {
		diff = -diff
	}
	if diff > s.ToleranceMinor {
		return fmt.Errorf("%w: paid %d, expected %d paise", ErrFiatMismatch, paidMinor, want)
	}
	return nil
}
