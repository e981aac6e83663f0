package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"p2pex/internal/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const erc20ABIJSON = `[
	{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"}
]`

var erc20ABI = mustParseABI(erc20ABIJSON)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

const nativeDecimals uint8 = 18

// TokenClient transfers an ERC20 token. Decimals are read from the contract once.
type TokenClient struct {
	net      *Network
	asset    models.Asset
	contract common.Address
	gasLimit uint64

	mu          sync.Mutex
	decimals    uint8
	decimalsSet bool
}

func NewTokenClient(net *Network, asset models.Asset, contract string, gasLimit uint64) (*TokenClient, error) {
	addr, err := ValidateAddress(contract)
	if err != nil {
		return nil, fmt.Errorf("token %s contract: %w", asset, err)
	}
	return &TokenClient{net: net, asset: asset, contract: addr, gasLimit: gasLimit}, nil
}

func (c *TokenClient) Asset() models.Asset { return c.asset }
func (c *TokenClient) NetworkName() string { return c.net.Name() }
func (c *TokenClient) Contract() string    { return c.contract.Hex() }

func (c *TokenClient) Decimals(ctx context.Context) (uint8, error) { return c.tokenDecimals(ctx) }

func (c *TokenClient) Balance(ctx context.Context, address string) (decimal.Decimal, error) {
	owner, err := ValidateAddress(address)
	if err != nil {
		return decimal.Zero, err
	}
	dec, err := c.tokenDecimals(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	data, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return decimal.Zero, fmt.Errorf("pack balanceOf: %w", err)
	}
	out, err := c.callContract(ctx, data)
	if err != nil {
		return decimal.Zero, err
	}
	// An empty result means the owner never touched the token.
	if len(out) == 0 {
		return decimal.Zero, nil
	}
	var bal *big.Int
	if err := erc20ABI.UnpackIntoInterface(&bal, "balanceOf", out); err != nil {
		return decimal.Zero, fmt.Errorf("unpack balanceOf: %w", err)
	}
	return fromBaseUnits(bal, dec), nil
}

func (c *TokenClient) Send(ctx context.Context, to string, amount decimal.Decimal) (*Submission, error) {
	recipient, err := ValidateAddress(to)
	if err != nil {
		return nil, err
	}
	dec, err := c.tokenDecimals(ctx)
	if err != nil {
		return nil, err
	}
	value, err := toBaseUnits(amount, dec)
	if err != nil {
		return nil, err
	}
	data, err := erc20ABI.Pack("transfer", recipient, value)
	if err != nil {
		return nil, fmt.Errorf("pack transfer: %w", err)
	}
	sub, err := c.net.send(ctx, c.contract, big.NewInt(0), data, c.gasLimit)
	if sub != nil {
		// The on-chain recipient is the contract; report the token receiver instead.
		sub.To = recipient.Hex()
	}
	return sub, err
}

func (c *TokenClient) Wait(ctx context.Context, txHash string) (*Confirmation, error) {
	return c.net.waitMined(ctx, txHash)
}

func (c *TokenClient) Lookup(ctx context.Context, txHash string) (*Confirmation, error) {
	return c.net.lookup(ctx, txHash)
}

func (c *TokenClient) tokenDecimals(ctx context.Context) (uint8, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.decimalsSet {
		return c.decimals, nil
	}
	data, err := erc20ABI.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("pack decimals: %w", err)
	}
	out, err := c.callContract(ctx, data)
	if err != nil {
		return 0, err
	}
	var dec uint8
	if err := erc20ABI.UnpackIntoInterface(&dec, "decimals", out); err != nil {
		return 0, fmt.Errorf("unpack decimals: %w", err)
	}
	c.decimals = dec
	c.decimalsSet = true
	return dec, nil
}

func (c *TokenClient) callContract(ctx context.Context, data []byte) ([]byte, error) {
	to := c.contract
	out, err := c.net.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: call %s: %w", ErrChainUnavailable, c.asset, err)
	}
	return out, nil
}

// NativeClient transfers the network's gas token.
type NativeClient struct {
	net      *Network
	asset    models.Asset
	gasLimit uint64
}

func NewNativeClient(net *Network, asset models.Asset, gasLimit uint64) *NativeClient {
	return &NativeClient{net: net, asset: asset, gasLimit: gasLimit}
}

func (c *NativeClient) Asset() models.Asset { return c.asset }
func (c *NativeClient) NetworkName() string { return c.net.Name() }
func (c *NativeClient) Contract() string    { return "" }

func (c *NativeClient) Decimals(context.Context) (uint8, error) { return nativeDecimals, nil }

func (c *NativeClient) Balance(ctx context.Context, address string) (decimal.Decimal, error) {
	owner, err := ValidateAddress(address)
	if err != nil {
		return decimal.Zero, err
	}
	bal, err := c.net.backend.BalanceAt(ctx, owner, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: balance %s: %w", ErrChainUnavailable, c.asset, err)
	}
	return fromBaseUnits(bal, nativeDecimals), nil
}

func (c *NativeClient) Send(ctx context.Context, to string, amount decimal.Decimal) (*Submission, error) {
	recipient, err := ValidateAddress(to)
	if err != nil {
		return nil, err
	}
	value, err := toBaseUnits(amount, nativeDecimals)
	if err != nil {
		return nil, err
	}
	return c.net.send(ctx, recipient, value, nil, c.gasLimit)
}

func (c *NativeClient) Wait(ctx context.Context, txHash string) (*Confirmation, error) {
	return c.net.waitMined(ctx, txHash)
}

func (c *NativeClient) Lookup(ctx context.Context, txHash string) (*Confirmation, error) {
	return c.net.lookup(ctx, txHash)
}
