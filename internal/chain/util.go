package chain

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultWSEndpoint derives the websocket URL most EVM providers serve next to their HTTP RPC.
func DefaultWSEndpoint(rpc string) string {
	if strings.HasPrefix(rpc, "ws://") || strings.HasPrefix(rpc, "wss://") {
		return rpc
	}
	if strings.HasPrefix(rpc, "https://") {
		return "wss://" + strings.TrimPrefix(rpc, "https://")
	}
	if strings.HasPrefix(rpc, "http://") {
		return "ws://" + strings.TrimPrefix(rpc, "http://")
	}
	return ""
}

func fromBaseUnits(v *big.Int, decimals uint8) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -int32(decimals))
}

// toBaseUnits rejects amounts finer than the token's smallest unit.
func toBaseUnits(amount decimal.Decimal, decimals uint8) (*big.Int, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	scaled := amount.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, ErrInvalidAmount
	}
	return scaled.BigInt(), nil
}

// ValidateAmount reports ErrInvalidAmount for amounts that are not positive
// or that a transfer with the given decimals could not represent exactly.
func ValidateAmount(amount decimal.Decimal, decimals uint8) error {
	_, err := toBaseUnits(amount, decimals)
	return err
}
