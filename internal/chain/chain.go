package chain

import (
	"context"
	"errors"
	"math/big"

	"p2pex/internal/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAddress      = errors.New("invalid address")
	ErrInvalidAmount       = errors.New("invalid transfer amount")
	ErrChainUnavailable    = errors.New("chain unavailable")
	ErrSenderNotConfigured = errors.New("sender key not configured")
	ErrUnsupportedAsset    = errors.New("unsupported asset")
)

// Backend is the subset of the go-ethereum client API the transfer path needs.
// *ethclient.Client and the simulated backend client both satisfy it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Submission is a signed transaction accepted by the node. TxHash is set even
// when the send failed, so an ambiguous send can still be looked up later.
type Submission struct {
	TxHash string
	From   string
	To     string
}

type Confirmation struct {
	TxHash      string
	Outcome     models.TransferOutcome
	BlockNumber uint64
	GasUsed     uint64
}

// AssetClient moves one asset on one network.
type AssetClient interface {
	Asset() models.Asset
	NetworkName() string
	Contract() string
	Decimals(ctx context.Context) (uint8, error)
	Balance(ctx context.Context, address string) (decimal.Decimal, error)
	Send(ctx context.Context, to string, amount decimal.Decimal) (*Submission, error)
	Wait(ctx context.Context, txHash string) (*Confirmation, error)
	Lookup(ctx context.Context, txHash string) (*Confirmation, error)
}

// ValidateAddress accepts 0x-prefixed 20-byte hex addresses other than the zero address.
func ValidateAddress(addr string) (common.Address, error) {
	if !common.IsHexAddress(addr) {
		return common.Address{}, ErrInvalidAddress
	}
	a := common.HexToAddress(addr)
	if a == (common.Address{}) {
		return common.Address{}, ErrInvalidAddress
	}
	return a, nil
}
