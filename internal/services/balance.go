package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"p2pex/internal/chain"
	"p2pex/internal/models"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Unavailable replaces the amount of an asset whose network could not be read.
const Unavailable = "unavailable"

type AssetBalance struct {
	Amount   string
	Network  string
	Contract string
}

// BalanceService reads every asset independently; one failing network never fails the others.
type BalanceService struct {
	Chains      ChainClients
	ReadTimeout time.Duration
	Logger      *zap.Logger
}

func (s *BalanceService) Balances(ctx context.Context, address string) (map[models.Asset]AssetBalance, error) {
	if _, err := chain.ValidateAddress(address); err != nil {
		return nil, fmt.Errorf("address: %w", err)
	}

	var (
		g   errgroup.Group
		mu  sync.Mutex
		out = make(map[models.Asset]AssetBalance)
	)
	for _, asset := range s.Chains.Assets() {
		client, err := s.Chains.For(asset)
		if err != nil {
			continue
		}
		g.Go(func() error {
			bal := AssetBalance{Amount: Unavailable, Network: client.NetworkName(), Contract: client.Contract()}
			amount, err := s.read(ctx, client, address)
			if err != nil {
				s.logger().Warn("balance read failed",
					zap.String("asset", string(asset)),
					zap.String("network", client.NetworkName()),
					zap.Error(err))
			} else {
				bal.Amount = amount
			}
			mu.Lock()
			out[asset] = bal
			mu.Unlock()
			return nil
		})
	}
	// Workers never return an error: a failed read marks only that asset unavailable.
	_ = g.Wait()
	return out, nil
}

func (s *BalanceService) read(ctx context.Context, client chain.AssetClient, address string) (string, error) {
	if s.ReadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.ReadTimeout)
		defer cancel()
	}
	amount, err := client.Balance(ctx, address)
	if err != nil {
		return "", err
	}
	return amount.String(), nil
}

func (s *BalanceService) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}
