package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"p2pex/internal/chain"
	"p2pex/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestBalancesIsolateFailingNetwork(t *testing.T) {
	usdc := newFakeClient(models.AssetUSDC, "Polygon Amoy", "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582")
	usdc.balance = decimal.RequireFromString("12.5")
	mon := newFakeClient(models.AssetMON, "Monad Testnet", "")
	mon.balanceErr = errors.New("dial tcp: connection refused")

	svc := &BalanceService{
		Chains:      chain.NewRegistry(usdc, mon),
		ReadTimeout: time.Second,
		Logger:      zaptest.NewLogger(t),
	}
	got, err := svc.Balances(context.Background(), buyerAddress)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "12.5", got[models.AssetUSDC].Amount)
	assert.Equal(t, "Polygon Amoy", got[models.AssetUSDC].Network)
	assert.Equal(t, Unavailable, got[models.AssetMON].Amount)
	assert.Equal(t, "Monad Testnet", got[models.AssetMON].Network)
}

func TestBalancesRejectInvalidAddress(t *testing.T) {
	svc := &BalanceService{Chains: chain.NewRegistry(newFakeClient(models.AssetMON, "Monad Testnet", ""))}
	for _, addr := range []string{"", "0x123", "0x0000000000000000000000000000000000000000"} {
		_, err := svc.Balances(context.Background(), addr)
		require.ErrorIs(t, err, chain.ErrInvalidAddress, addr)
	}
}
