package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"p2pex/internal/models"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

type NetworkOptions struct {
	Name            string
	ChainID         int64
	SenderKey       string
	MaxGasPriceGwei int64
	ConfirmTimeout  time.Duration
	PollInterval    time.Duration
}

// Network signs and submits transactions for one chain. Nonce assignment,
// signing and submission are serialized; confirmation waits are not.
type Network struct {
	name           string
	chainID        *big.Int
	backend        Backend
	key            *ecdsa.PrivateKey
	from           common.Address
	maxGasPrice    *big.Int
	confirmTimeout time.Duration
	pollInterval   time.Duration
	logger         *zap.Logger

	mu         sync.Mutex
	nonce      uint64
	nonceKnown bool
}

func NewNetwork(ctx context.Context, backend Backend, opts NetworkOptions, logger *zap.Logger) (*Network, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Network{
		name:           opts.Name,
		backend:        backend,
		confirmTimeout: opts.ConfirmTimeout,
		pollInterval:   opts.PollInterval,
		logger:         logger.With(zap.String("network", opts.Name)),
	}
	if n.confirmTimeout <= 0 {
		n.confirmTimeout = 2 * time.Minute
	}
	if n.pollInterval <= 0 {
		n.pollInterval = time.Second
	}
	if opts.MaxGasPriceGwei > 0 {
		n.maxGasPrice = new(big.Int).Mul(big.NewInt(opts.MaxGasPriceGwei), big.NewInt(1e9))
	}

	if opts.ChainID > 0 {
		n.chainID = big.NewInt(opts.ChainID)
	} else {
		id, err := backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: chain id: %w", ErrChainUnavailable, err)
		}
		n.chainID = id
	}

	if opts.SenderKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(opts.SenderKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid sender key for %s: %w", opts.Name, err)
		}
		n.key = key
		n.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return n, nil
}

func (n *Network) Name() string { return n.name }

func (n *Network) ChainID() *big.Int { return new(big.Int).Set(n.chainID) }

// Sender is the hot wallet address, empty when the network is read-only.
func (n *Network) Sender() string {
	if n.key == nil {
		return ""
	}
	return n.from.Hex()
}

func (n *Network) Backend() Backend { return n.backend }

func (n *Network) send(ctx context.Context, to common.Address, value *big.Int, data []byte, gasLimit uint64) (*Submission, error) {
	if n.key == nil {
		return nil, ErrSenderNotConfigured
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.nonceKnown {
		nonce, err := n.backend.PendingNonceAt(ctx, n.from)
		if err != nil {
			return nil, fmt.Errorf("%w: pending nonce: %w", ErrChainUnavailable, err)
		}
		n.nonce = nonce
		n.nonceKnown = true
	}

	gasPrice, err := n.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: gas price: %w", ErrChainUnavailable, err)
	}
	if n.maxGasPrice != nil && gasPrice.Cmp(n.maxGasPrice) > 0 {
		gasPrice = new(big.Int).Set(n.maxGasPrice)
	}

	tx := types.NewTransaction(n.nonce, to, value, gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(n.chainID), n.key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}

	sub := &Submission{TxHash: signed.Hash().Hex(), From: n.from.Hex(), To: to.Hex()}
	if err := n.backend.SendTransaction(ctx, signed); err != nil {
		// The node may or may not hold the tx; re-read the nonce next time.
		n.nonceKnown = false
		n.logger.Warn("send transaction failed",
			zap.Uint64("nonce", tx.Nonce()),
			zap.String("tx_hash", sub.TxHash),
			zap.Error(err))
		return sub, fmt.Errorf("%w: send transaction: %w", ErrChainUnavailable, err)
	}
	n.nonce++

	n.logger.Info("transaction sent",
		zap.Uint64("nonce", tx.Nonce()),
		zap.String("tx_hash", sub.TxHash),
		zap.String("to", sub.To),
		zap.String("gas_price", gasPrice.String()))
	return sub, nil
}

// waitMined polls for the receipt with exponential backoff until confirmTimeout.
// Running out of time is reported as TIMED_OUT, not as an error.
func (n *Network) waitMined(ctx context.Context, txHash string) (*Confirmation, error) {
	hash := common.HexToHash(txHash)
	waitCtx, cancel := context.WithTimeout(ctx, n.confirmTimeout)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = n.pollInterval
	policy.MaxInterval = n.pollInterval * 10

	receipt, err := backoff.Retry(waitCtx, func() (*types.Receipt, error) {
		return n.backend.TransactionReceipt(waitCtx, hash)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(n.confirmTimeout))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		n.logger.Warn("receipt wait timed out",
			zap.String("tx_hash", txHash),
			zap.Duration("timeout", n.confirmTimeout),
			zap.Error(err))
		return &Confirmation{TxHash: txHash, Outcome: models.TransferTimedOut}, nil
	}
	return confirmationFromReceipt(txHash, receipt), nil
}

// lookup reads the receipt once; a missing receipt is reported as PENDING.
func (n *Network) lookup(ctx context.Context, txHash string) (*Confirmation, error) {
	receipt, err := n.backend.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return &Confirmation{TxHash: txHash, Outcome: models.TransferPending}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: receipt: %w", ErrChainUnavailable, err)
	}
	return confirmationFromReceipt(txHash, receipt), nil
}

func confirmationFromReceipt(txHash string, r *types.Receipt) *Confirmation {
	c := &Confirmation{TxHash: txHash, GasUsed: r.GasUsed, Outcome: models.TransferConfirmed}
	if r.BlockNumber != nil {
		c.BlockNumber = r.BlockNumber.Uint64()
	}
	if r.Status != types.ReceiptStatusSuccessful {
		c.Outcome = models.TransferReverted
	}
	return c
}
