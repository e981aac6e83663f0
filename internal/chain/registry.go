package chain

import (
	"context"
	"fmt"
	"time"

	"p2pex/internal/config"
	"p2pex/internal/models"

	"go.uber.org/zap"
)

// Registry maps each supported asset to the client that moves it.
type Registry struct {
	clients  map[models.Asset]AssetClient
	order    []models.Asset
	networks []*Network
}

func NewRegistry(clients ...AssetClient) *Registry {
	r := &Registry{clients: make(map[models.Asset]AssetClient, len(clients))}
	for _, c := range clients {
		if _, ok := r.clients[c.Asset()]; !ok {
			r.order = append(r.order, c.Asset())
		}
		r.clients[c.Asset()] = c
	}
	return r
}

func (r *Registry) For(asset models.Asset) (AssetClient, error) {
	c, ok := r.clients[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset)
	}
	return c, nil
}

// Assets lists the registered assets in registration order.
func (r *Registry) Assets() []models.Asset {
	return append([]models.Asset(nil), r.order...)
}

func (r *Registry) Networks() []*Network {
	return append([]*Network(nil), r.networks...)
}

// Build dials both configured networks and registers one client per asset.
func Build(ctx context.Context, erc20, native config.NetworkConfig, logger *zap.Logger) (*Registry, error) {
	tokenNet, err := dialNetwork(ctx, erc20, logger)
	if err != nil {
		return nil, err
	}
	nativeNet, err := dialNetwork(ctx, native, logger)
	if err != nil {
		return nil, err
	}

	var clients []AssetClient
	for _, a := range erc20.Assets {
		asset := models.Asset(a.Symbol)
		if !asset.Valid() {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedAsset, a.Symbol)
		}
		tc, err := NewTokenClient(tokenNet, asset, a.Contract, erc20.GasLimit)
		if err != nil {
			return nil, err
		}
		clients = append(clients, tc)
	}
	nativeSymbol := models.AssetMON
	if len(native.Assets) > 0 && native.Assets[0].Symbol != "" {
		nativeSymbol = models.Asset(native.Assets[0].Symbol)
	}
	clients = append(clients, NewNativeClient(nativeNet, nativeSymbol, native.GasLimit))

	r := NewRegistry(clients...)
	r.networks = []*Network{tokenNet, nativeNet}
	return r, nil
}

func dialNetwork(ctx context.Context, nc config.NetworkConfig, logger *zap.Logger) (*Network, error) {
	rpc, err := DialMultiRPC(ctx, nc.RPCEndpoints, nc.RPCFailoverThreshold)
	if err != nil {
		return nil, fmt.Errorf("network %s: %w", nc.Name, err)
	}
	return NewNetwork(ctx, rpc, NetworkOptions{
		Name:            nc.Name,
		ChainID:         nc.ChainID,
		SenderKey:       nc.SenderKey,
		MaxGasPriceGwei: nc.MaxGasPriceGwei,
		ConfirmTimeout:  time.Duration(nc.ConfirmTimeoutSecond) * time.Second,
	}, logger)
}
