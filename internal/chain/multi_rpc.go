package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// MultiRPC spreads calls over several endpoints of the same network. The
// current endpoint is kept until it fails failThreshold times in a row.
type MultiRPC struct {
	backends      []Backend
	names         []string
	index         int
	failCount     int
	failThreshold int
	mu            sync.Mutex
}

func DialMultiRPC(ctx context.Context, endpoints []string, failThreshold int) (*MultiRPC, error) {
	list := sanitizeEndpoints(endpoints)
	if len(list) == 0 {
		return nil, errors.New("rpc endpoints is empty")
	}
	backends := make([]Backend, 0, len(list))
	for _, ep := range list {
		c, err := ethclient.DialContext(ctx, ep)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", ep, err)
		}
		backends = append(backends, c)
	}
	return NewMultiRPC(backends, list, failThreshold), nil
}

func NewMultiRPC(backends []Backend, names []string, failThreshold int) *MultiRPC {
	if failThreshold <= 0 {
		failThreshold = 3
	}
	return &MultiRPC{
		backends:      backends,
		names:         names,
		failThreshold: failThreshold,
	}
}

// Endpoint names the endpoint calls currently start from.
func (m *MultiRPC) Endpoint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index < len(m.names) {
		return m.names[m.index]
	}
	return ""
}

func (m *MultiRPC) ChainID(ctx context.Context) (*big.Int, error) {
	return call(ctx, m, func(b Backend) (*big.Int, error) { return b.ChainID(ctx) })
}

func (m *MultiRPC) BlockNumber(ctx context.Context) (uint64, error) {
	return call(ctx, m, func(b Backend) (uint64, error) { return b.BlockNumber(ctx) })
}

func (m *MultiRPC) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return call(ctx, m, func(b Backend) (*big.Int, error) { return b.BalanceAt(ctx, account, blockNumber) })
}

func (m *MultiRPC) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return call(ctx, m, func(b Backend) ([]byte, error) { return b.CallContract(ctx, msg, blockNumber) })
}

func (m *MultiRPC) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return call(ctx, m, func(b Backend) (uint64, error) { return b.PendingNonceAt(ctx, account) })
}

func (m *MultiRPC) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return call(ctx, m, func(b Backend) (*big.Int, error) { return b.SuggestGasPrice(ctx) })
}

func (m *MultiRPC) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return call(ctx, m, func(b Backend) (*types.Receipt, error) { return b.TransactionReceipt(ctx, txHash) })
}

// SendTransaction goes to the current endpoint only. Replaying a send that may
// already have been accepted elsewhere would make the outcome ambiguous.
func (m *MultiRPC) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	client, idx := m.currentClient()
	if err := client.SendTransaction(ctx, tx); err != nil {
		m.noteFailure(idx)
		return err
	}
	m.resetFailures(idx)
	return nil
}

func call[T any](ctx context.Context, m *MultiRPC, fn func(Backend) (T, error)) (T, error) {
	var zero T
	_, start := m.currentClient()
	var lastErr error
	for attempt := 0; attempt < len(m.backends); attempt++ {
		idx := (start + attempt) % len(m.backends)
		out, err := fn(m.backends[idx])
		if err == nil || errors.Is(err, ethereum.NotFound) {
			m.resetFailures(idx)
			return out, err
		}
		lastErr = err
		m.noteFailure(idx)
		if ctx.Err() != nil {
			break
		}
	}
	return zero, lastErr
}

func (m *MultiRPC) currentClient() (Backend, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backends[m.index], m.index
}

func (m *MultiRPC) resetFailures(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount = 0
	}
}

func (m *MultiRPC) noteFailure(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index != idx {
		return
	}
	m.failCount++
	if m.failCount >= m.failThreshold {
		m.index = (m.index + 1) % len(m.backends)
		m.failCount = 0
	}
}

func sanitizeEndpoints(endpoints []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		ep = strings.TrimSpace(ep)
		if ep == "" {
			continue
		}
		ep = strings.TrimRight(ep, "/")
		if _, ok := seen[ep]; ok {
			continue
		}
		seen[ep] = struct{}{}
		out = append(out, ep)
	}
	return out
}
