package pricing

import (
	"testing"

	"p2pex/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestFiatMinor(t *testing.T) {
	cases := []struct {
		price, amount string
		want          int64
	}{
		{"90", "10", 90000},
		{"88.50", "0.5", 4425},
		{"91.005", "1", 9101},
		{"83.333", "0.01", 83},
		{"0.1", "0.1", 1},
	}
	for _, tc := range cases {
		got, err := FiatMinor(d(tc.price), d(tc.amount))
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%s x %s", tc.price, tc.amount)
	}
}

func TestFiatMinorRejectsInt64Overflow(t *testing.T) {
	// 2^64 + 5000 paise would wrap to 5000 if truncated to int64.
	_, err := FiatMinor(d("1"), d("184467440737096016.16"))
	require.ErrorIs(t, err, ErrFiatOverflow)

	_, err = FiatMinor(d("1"), d("92233720368547758.08"))
	require.ErrorIs(t, err, ErrFiatOverflow)

	got, err := FiatMinor(d("1"), d("92233720368547758.07"))
	require.NoError(t, err)
	assert.Equal(t, int64(9223372036854775807), got)

	s := Service{MinFiatMinor: 500, ToleranceMinor: 1}
	_, err = s.Quote(&models.Order{UnitPrice: d("1")}, d("184467440737096016.16"))
	require.ErrorIs(t, err, ErrFiatOverflow)
	require.ErrorIs(t, s.Matches(d("1"), d("184467440737096016.16"), 50000), ErrFiatOverflow)
}

func TestQuoteEnforcesMinimumAndLimits(t *testing.T) {
	s := Service{MinFiatMinor: 500, ToleranceMinor: 1}
	order := &models.Order{UnitPrice: d("90"), MinLimit: d("100"), MaxLimit: d("5000")}

	q, err := s.Quote(order, d("10"))
	require.NoError(t, err)
	assert.Equal(t, int64(90000), q.FiatMinor)
	assert.True(t, q.FiatRupees.Equal(d("900")))

	_, err = s.Quote(order, d("0.05"))
	require.ErrorIs(t, err, ErrBelowMinimum)

	_, err = s.Quote(order, d("1"))
	require.ErrorIs(t, err, ErrOutsideLimits)

	_, err = s.Quote(order, d("100"))
	require.ErrorIs(t, err, ErrOutsideLimits)

	unlimited := &models.Order{UnitPrice: d("90")}
	_, err = s.Quote(unlimited, d("1000"))
	require.NoError(t, err)
}

func TestMatchesTolerance(t *testing.T) {
	s := Service{MinFiatMinor: 500, ToleranceMinor: 1}
	require.NoError(t, s.Matches(d("90"), d("10"), 90000))
	require.NoError(t, s.Matches(d("90"), d("10"), 89999))
	require.NoError(t, s.Matches(d("90"), d("10"), 90001))
	require.ErrorIs(t, s.Matches(d("90"), d("10"), 89998), ErrFiatMismatch)
	require.ErrorIs(t, s.Matches(d("90"), d("11"), 90000), ErrFiatMismatch)
}
