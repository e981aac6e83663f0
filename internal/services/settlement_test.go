package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"p2pex/internal/chain"
	"p2pex/internal/models"
	"p2pex/internal/pricing"
	"p2pex/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettleEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	intent, paymentID := f.paidIntent(t, "10")
	assert.Equal(t, int64(90000), intent.FiatAmountMinor)
	require.Len(t, f.gateway.orders, 1)
	assert.Equal(t, int64(90000), f.gateway.orders[0].AmountMinor)

	res, err := f.settle.Settle(ctx, buyerID, f.buy(intent, paymentID))
	require.NoError(t, err)
	require.True(t, res.Settled())
	assert.False(t, res.Duplicate)
	assert.Equal(t, "ERC20", res.TransferType)
	require.NotNil(t, res.Transfer)
	assert.Equal(t, models.TransferConfirmed, res.Transfer.Outcome)
	assert.Equal(t, uint64(1234), *res.Transfer.BlockNumber)
	assert.Equal(t, buyerAddress, res.Transfer.ToAddress)

	assert.True(t, f.available(t).Equal(decimal.NewFromInt(90)), "available %s", f.available(t))

	entries, err := f.store.ListEntries(ctx, buyerID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.EntrySuccess, entries[0].Status)
	assert.Equal(t, models.EntryBuy, entries[0].Type)
	assert.Equal(t, int64(90000), entries[0].FiatAmount)
	assert.Equal(t, sellerID, entries[0].CounterpartyID)
	assert.Equal(t, res.Transfer.TxHash, entries[0].TxHash)
}

func TestSettleDuplicateReturnsRecordedOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent, paymentID := f.paidIntent(t, "10")

	first, err := f.settle.Settle(ctx, buyerID, f.buy(intent, paymentID))
	require.NoError(t, err)
	second, err := f.settle.Settle(ctx, buyerID, f.buy(intent, paymentID))
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.True(t, second.Settled())
	assert.Equal(t, *first.Transfer.TxHash, *second.Transfer.TxHash)
	assert.Equal(t, 1, f.usdc.sendCount())
	assert.True(t, f.available(t).Equal(decimal.NewFromInt(90)))

	entries, err := f.store.ListEntries(ctx, buyerID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSettleConcurrentDuplicatesTransferOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent, paymentID := f.paidIntent(t, "10")

	const callers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		settled int
		start   = make(chan struct{})
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := f.settle.Settle(ctx, buyerID, f.buy(intent, paymentID))
			if errors.Is(err, ErrSettlementInProgress) {
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if res.Settled() {
				mu.Lock()
				settled++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.GreaterOrEqual(t, settled, 1)
	assert.Equal(t, 1, f.usdc.sendCount())
	assert.True(t, f.available(t).Equal(decimal.NewFromInt(90)))

	entries, err := f.store.ListEntries(ctx, buyerID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	_, err = f.store.GetTransfer(ctx, intent.IntentID)
	require.NoError(t, err)
}

func TestSettleStalledTransferReleasesReservation(t *testing.T) {
	f := newFixture(t)
	f.usdc.stall = true
	f.settle.TransferTimeout = 50 * time.Millisecond
	ctx := context.Background()
	intent, paymentID := f.paidIntent(t, "10")

	res, err := f.settle.Settle(ctx, buyerID, f.buy(intent, paymentID))
	require.ErrorIs(t, err, ErrTransferFailed)
	require.NotNil(t, res)
	assert.Equal(t, models.StateTransferFailed, res.Intent.State)
	assert.Equal(t, models.IntentFailed, res.Intent.Status())
	require.NotNil(t, res.Transfer)
	assert.Equal(t, models.TransferTimedOut, res.Transfer.Outcome)
	assert.NotNil(t, res.Transfer.TxHash)

	assert.True(t, f.available(t).Equal(decimal.NewFromInt(100)), "available %s", f.available(t))

	entries, err := f.store.ListEntries(ctx, buyerID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.EntryFailed, entries[0].Status)

	again, err := f.settle.Settle(ctx, buyerID, f.buy(intent, paymentID))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.False(t, again.Settled())
	assert.Equal(t, 1, f.usdc.sendCount())
}

func TestSettleRevertedTransfer(t *testing.T) {
	f := newFixture(t)
	f.usdc.outcome = models.TransferReverted
	intent, paymentID := f.paidIntent(t, "5")

	res, err := f.settle.Settle(context.Background(), buyerID, f.buy(intent, paymentID))
	require.ErrorIs(t, err, ErrTransferFailed)
	assert.Equal(t, models.TransferReverted, res.Transfer.Outcome)
	assert.True(t, f.available(t).Equal(decimal.NewFromInt(100)))
}

func TestSettleSendFailureKeepsAmbiguousHash(t *testing.T) {
	f := newFixture(t)
	f.usdc.sendErr = chain.ErrChainUnavailable
	f.usdc.submitted = true
	intent, paymentID := f.paidIntent(t, "5")

	res, err := f.settle.Settle(context.Background(), buyerID, f.buy(intent, paymentID))
	require.ErrorIs(t, err, ErrTransferFailed)
	require.ErrorIs(t, err, chain.ErrChainUnavailable)
	assert.Equal(t, models.TransferFailed, res.Transfer.Outcome)
	require.NotNil(t, res.Transfer.TxHash)
	assert.True(t, f.available(t).Equal(decimal.NewFromInt(100)))

	unreconciled, err := f.store.ListUnreconciledTransfers(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, unreconciled, 1)
}

func TestSettleInsufficientAvailableFailsReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent, paymentID := f.paidIntent(t, "10")

	// Another buyer drains the order between payment and settlement.
	require.NoError(t, f.store.Reserve(ctx, f.order.OrderID, decimal.NewFromInt(95)))

	res, err := f.settle.Settle(ctx, buyerID, f.buy(intent, paymentID))
	require.ErrorIs(t, err, ErrReserveFailed)
	require.ErrorIs(t, err, store.ErrInsufficientAvailable)
	assert.Equal(t, models.StateReserveFailed, res.Intent.State)
	assert.Nil(t, res.Transfer)
	assert.Zero(t, f.usdc.sendCount())
	assert.True(t, f.available(t).Equal(decimal.NewFromInt(5)))

	entries, err := f.store.ListEntries(ctx, buyerID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.EntryFailed, entries[0].Status)
}

func TestSettleFiatMismatchFailsReservation(t *testing.T) {
	f := newFixture(t)
	f.settle.Pricing = pricing.Service{MinFiatMinor: 500, ToleranceMinor: 0}
	// Paid for 9.5 tokens but the intent claims 10.
	intent := f.insertIntent(t, models.StateVerified, "10", 85500, "pay_short")

	_, err := f.settle.Settle(context.Background(), buyerID, f.buy(intent, "pay_short"))
	require.ErrorIs(t, err, ErrReserveFailed)
	require.ErrorIs(t, err, pricing.ErrFiatMismatch)
	assert.True(t, f.available(t).Equal(decimal.NewFromInt(100)))
	assert.Zero(t, f.usdc.sendCount())
}

func TestSettleSubUnitAmountFailsReservation(t *testing.T) {
	f := newFixture(t)
	// 10.0000001 USDC at 90 INR prices to 90000 paise but USDC has 6 decimals.
	intent := f.insertIntent(t, models.StateVerified, "10.0000001", 90000, "pay_dust")

	_, err := f.settle.Settle(context.Background(), buyerID, f.buy(intent, "pay_dust"))
	require.ErrorIs(t, err, ErrReserveFailed)
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.True(t, f.available(t).Equal(decimal.NewFromInt(100)))
	assert.Zero(t, f.usdc.sendCount())

	got, err := f.store.GetIntent(context.Background(), intent.IntentID)
	require.NoError(t, err)
	assert.Equal(t, models.StateReserveFailed, got.State)
}

func TestSettleRejectsBadInputWithoutMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent, paymentID := f.paidIntent(t, "10")

	cases := map[string]struct {
		buyer string
		req   BuyRequest
		want  error
	}{
		"no user":         {"", f.buy(intent, paymentID), ErrMissingUserID},
		"bad address":     {buyerID, BuyRequest{OrderID: intent.OrderID, RequestedAmount: intent.RequestedAmount, BuyerAddress: "0x12", GatewayPaymentID: paymentID}, chain.ErrInvalidAddress},
		"zero amount":     {buyerID, BuyRequest{OrderID: intent.OrderID, RequestedAmount: decimal.Zero, BuyerAddress: buyerAddress, GatewayPaymentID: paymentID}, ErrInvalidInput},
		"other amount":    {buyerID, BuyRequest{OrderID: intent.OrderID, RequestedAmount: decimal.NewFromInt(11), BuyerAddress: buyerAddress, GatewayPaymentID: paymentID}, ErrInvalidInput},
		"other buyer":     {"buyer-2", f.buy(intent, paymentID), ErrInvalidInput},
		"unknown payment": {buyerID, f.buy(intent, "pay_unknown"), store.ErrIntentNotFound},
		"bad order id":    {buyerID, BuyRequest{OrderID: "nope", RequestedAmount: intent.RequestedAmount, BuyerAddress: buyerAddress, GatewayPaymentID: paymentID}, ErrInvalidInput},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.settle.Settle(ctx, tc.buyer, tc.req)
			require.ErrorIs(t, err, tc.want)
		})
	}

	got, err := f.store.GetIntent(ctx, intent.IntentID)
	require.NoError(t, err)
	assert.Equal(t, models.StateVerified, got.State)
	assert.True(t, f.available(t).Equal(decimal.NewFromInt(100)))
}

func TestSettleRequiresVerifiedPayment(t *testing.T) {
	f := newFixture(t)
	intent := f.insertIntent(t, models.StateCreated, "1", 9000, "pay_unverified")

	_, err := f.settle.Settle(context.Background(), buyerID, f.buy(intent, "pay_unverified"))
	require.ErrorIs(t, err, ErrPaymentNotVerified)
}

func TestSettleInFlightIntentIsBusy(t *testing.T) {
	f := newFixture(t)
	intent := f.insertIntent(t, models.StateTransferring, "1", 9000, "pay_busy")

	_, err := f.settle.Settle(context.Background(), buyerID, f.buy(intent, "pay_busy"))
	require.ErrorIs(t, err, ErrSettlementInProgress)
}
