package chain

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeBackend is an in-process node good enough for nonce, signing and receipt tests.
type fakeBackend struct {
	mu sync.Mutex

	err        error
	nonce      uint64
	nonceCalls int
	gasPrice   *big.Int
	sendErrs   []error
	sent       []*types.Transaction
	balances   map[common.Address]*big.Int
	callFn     func(msg ethereum.CallMsg) ([]byte, error)
	calls      int
	receipts   map[common.Hash]*types.Receipt
	notFoundN  int
	receiptReq map[common.Hash]int
	block      uint64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		gasPrice:   big.NewInt(2_000_000_000),
		balances:   map[common.Address]*big.Int{},
		receipts:   map[common.Hash]*types.Receipt{},
		receiptReq: map[common.Hash]int{},
	}
}

func (f *fakeBackend) ChainID(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return big.NewInt(80002), nil
}

func (f *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.block, nil
}

func (f *fakeBackend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if b, ok := f.balances[account]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (f *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	err, fn := f.err, f.callFn
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, nil
	}
	return fn(msg)
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.nonceCalls++
	if f.err != nil {
		return 0, f.err
	}
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return new(big.Int).Set(f.gasPrice), nil
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	f.receiptReq[txHash]++
	r, ok := f.receipts[txHash]
	if !ok || f.receiptReq[txHash] <= f.notFoundN {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeBackend) setReceipt(hash string, status uint64, block int64, gas uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[common.HexToHash(hash)] = &types.Receipt{Status: status, BlockNumber: big.NewInt(block), GasUsed: gas}
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeBackend) sentTxs() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

var errNodeDown = errors.New("node down")

func testKey(t *testing.T) (string, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return hex.EncodeToString(crypto.FromECDSA(key)), crypto.PubkeyToAddress(key.PublicKey)
}

func newTestNetwork(t *testing.T, b Backend, senderKey string) *Network {
	t.Helper()
	n, err := NewNetwork(context.Background(), b, NetworkOptions{
		Name:            "test",
		ChainID:         80002,
		SenderKey:       senderKey,
		MaxGasPriceGwei: 100,
		ConfirmTimeout:  200 * time.Millisecond,
		PollInterval:    time.Millisecond,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return n
}
