package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"p2pex/internal/chain"
	"p2pex/internal/models"
	"p2pex/internal/pricing"
	"p2pex/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SettlementService drives a verified payment through reservation, transfer and journaling.
//
// States: verified -> reserved -> transferring -> settled, with the failure
// exits reserve_failed and transfer_failed. Every failure after the
// reservation releases it and journals a FAILED entry in the same commit.
type SettlementService struct {
	Store           SettlementStore
	Chains          ChainClients
	Pricing         pricing.Service
	TransferTimeout time.Duration
	Logger          *zap.Logger
	Now             func() time.Time
}

type BuyRequest struct {
	OrderID          string
	RequestedAmount  decimal.Decimal
	BuyerAddress     string
	GatewayPaymentID string
}

// SettlementResult is the recorded outcome of an intent. Duplicate is set
// when the intent had already reached a terminal state before this call.
type SettlementResult struct {
	Intent       *models.PaymentIntent
	Transfer     *models.TransferRecord
	TransferType string
	Duplicate    bool
}

func (r *SettlementResult) Settled() bool {
	return r.Intent != nil && r.Intent.State == models.StateSettled
}

func (s *SettlementService) Settle(ctx context.Context, buyerID string, req BuyRequest) (*SettlementResult, error) {
	if buyerID == "" {
		return nil, ErrMissingUserID
	}
	if _, err := uuid.Parse(req.OrderID); err != nil {
		return nil, fmt.Errorf("%w: orderId must be a uuid", ErrInvalidInput)
	}
	if req.GatewayPaymentID == "" {
		return nil, fmt.Errorf("%w: gatewayPaymentId is required", ErrInvalidInput)
	}
	if !req.RequestedAmount.IsPositive() {
		return nil, fmt.Errorf("%w: requestedAmount must be positive", ErrInvalidInput)
	}
	if _, err := chain.ValidateAddress(req.BuyerAddress); err != nil {
		return nil, fmt.Errorf("buyerAddress: %w", err)
	}

	intent, err := s.Store.GetIntentByGatewayPayment(ctx, req.GatewayPaymentID)
	if err != nil {
		return nil, err
	}
	if intent.BuyerID != buyerID {
		return nil, fmt.Errorf("%w: payment belongs to another buyer", ErrInvalidInput)
	}
	if intent.OrderID != req.OrderID || !intent.RequestedAmount.Equal(req.RequestedAmount) {
		return nil, fmt.Errorf("%w: buy request does not match the paid intent", ErrInvalidInput)
	}

	switch {
	case intent.State.Terminal():
		return s.recorded(ctx, intent)
	case intent.State == models.StateReserved || intent.State == models.StateTransferring:
		return nil, ErrSettlementInProgress
	case intent.State != models.StateVerified:
		return nil, ErrPaymentNotVerified
	}

	log := s.logger().With(
		zap.String("intent_id", intent.IntentID),
		zap.String("order_id", intent.OrderID),
		zap.String("gateway_payment_id", req.GatewayPaymentID))

	order, client, err := s.precheck(ctx, intent)
	if err != nil {
		return s.failReservation(ctx, log, intent, order, err)
	}
	// An unreadable decimals() leaves the intent verified so the buy can be retried.
	decimals, err := client.Decimals(ctx)
	if err != nil {
		return nil, err
	}
	if err := chain.ValidateAmount(intent.RequestedAmount, decimals); err != nil {
		return s.failReservation(ctx, log, intent, order,
			fmt.Errorf("%w: requestedAmount %s exceeds %d decimal places", ErrInvalidInput, intent.RequestedAmount, decimals))
	}

	if err := s.Store.ReserveIntent(ctx, intent.IntentID, order.OrderID, intent.RequestedAmount); err != nil {
		switch {
		case errors.Is(err, store.ErrStateConflict):
			return s.reread(ctx, intent.IntentID)
		case errors.Is(err, store.ErrInsufficientAvailable), errors.Is(err, store.ErrOrderNotFound):
			return s.failReservation(ctx, log, intent, order, err)
		default:
			return nil, fmt.Errorf("reserve: %w", err)
		}
	}
	log.Info("quantity reserved", zap.String("amount", intent.RequestedAmount.String()))

	// The claim is durable; from here on the outcome must be recorded even if the caller goes away.
	return s.transfer(context.WithoutCancel(ctx), log, intent, order, client, req.BuyerAddress)
}

func (s *SettlementService) precheck(ctx context.Context, intent *models.PaymentIntent) (*models.Order, chain.AssetClient, error) {
	order, err := s.Store.GetOrder(ctx, intent.OrderID)
	if err != nil {
		return nil, nil, err
	}
	client, err := s.Chains.For(order.Asset)
	if err != nil {
		return order, nil, err
	}
	if intent.RequestedAmount.GreaterThan(order.Available) {
		return order, nil, fmt.Errorf("%w: requested %s, available %s", store.ErrInsufficientAvailable, intent.RequestedAmount, order.Available)
	}
	if err := s.Pricing.Matches(order.UnitPrice, intent.RequestedAmount, intent.FiatAmountMinor); err != nil {
		return order, nil, err
	}
	return order, client, nil
}

func (s *SettlementService) failReservation(ctx context.Context, log *zap.Logger, intent *models.PaymentIntent, order *models.Order, cause error) (*SettlementResult, error) {
	asset := models.Asset("")
	counterparty := ""
	if order != nil {
		asset = order.Asset
		counterparty = order.SellerID
	}
	err := s.Store.FailSettlement(ctx, store.Failure{
		IntentID: intent.IntentID,
		From:     []models.SettlementState{models.StateVerified},
		To:       models.StateReserveFailed,
		Reason:   cause.Error(),
		Entry:    s.entry(intent, asset, counterparty, models.EntryFailed, nil),
	})
	if err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			return s.reread(ctx, intent.IntentID)
		}
		return nil, fmt.Errorf("record reservation failure: %w", err)
	}
	log.Warn("reservation failed", zap.Error(cause))

	res, err := s.reread(ctx, intent.IntentID)
	if err != nil {
		return nil, err
	}
	res.Duplicate = false
	return res, fmt.Errorf("%w: %w", ErrReserveFailed, cause)
}

func (s *SettlementService) transfer(ctx context.Context, log *zap.Logger, intent *models.PaymentIntent, order *models.Order, client chain.AssetClient, to string) (*SettlementResult, error) {
	chainCtx := ctx
	if s.TransferTimeout > 0 {
		var cancel context.CancelFunc
		chainCtx, cancel = context.WithTimeout(ctx, s.TransferTimeout)
		defer cancel()
	}

	rec := &models.TransferRecord{
		IntentID:  intent.IntentID,
		Network:   client.NetworkName(),
		Asset:     order.Asset,
		ToAddress: to,
		Amount:    intent.RequestedAmount,
		Outcome:   models.TransferPending,
	}
	if err := s.Store.BeginTransfer(ctx, rec); err != nil {
		// Nothing was broadcast; the stale-intent sweep releases the reservation.
		return nil, fmt.Errorf("begin transfer: %w", err)
	}

	sub, err := client.Send(chainCtx, to, intent.RequestedAmount)
	if sub != nil {
		rec.TxHash = &sub.TxHash
		rec.FromAddress = sub.From
	}
	if err != nil {
		rec.Outcome = models.TransferFailed
		return s.failTransfer(ctx, log, intent, order, rec, err)
	}
	if err := s.Store.UpdateTransfer(ctx, rec); err != nil {
		log.Error("persist tx hash failed", zap.String("tx_hash", sub.TxHash), zap.Error(err))
	}
	log.Info("transfer submitted", zap.String("tx_hash", sub.TxHash), zap.String("network", rec.Network))

	conf, err := client.Wait(chainCtx, sub.TxHash)
	if err != nil {
		conf = &chain.Confirmation{TxHash: sub.TxHash, Outcome: models.TransferTimedOut}
	}

	switch conf.Outcome {
	case models.TransferConfirmed:
		now := clock(s.Now).now()
		rec.Outcome = models.TransferConfirmed
		rec.BlockNumber = &conf.BlockNumber
		rec.GasUsed = &conf.GasUsed
		rec.ConfirmedAt = &now
		entry := s.entry(intent, order.Asset, order.SellerID, models.EntrySuccess, rec.TxHash)
		if err := s.Store.CompleteSettlement(ctx, rec, entry); err != nil {
			// The worker finishes intents left in transferring with a confirmed receipt.
			log.Error("record settlement failed", zap.String("tx_hash", sub.TxHash), zap.Error(err))
			return nil, fmt.Errorf("complete settlement: %w", err)
		}
		log.Info("settled",
			zap.String("tx_hash", sub.TxHash),
			zap.Uint64("block", conf.BlockNumber),
			zap.Uint64("gas_used", conf.GasUsed))
		res, err := s.reread(ctx, intent.IntentID)
		if err != nil {
			return nil, err
		}
		res.Duplicate = false
		return res, nil
	default:
		rec.Outcome = conf.Outcome
		if conf.BlockNumber > 0 {
			rec.BlockNumber = &conf.BlockNumber
			rec.GasUsed = &conf.GasUsed
		}
		return s.failTransfer(ctx, log, intent, order, rec, fmt.Errorf("transfer %s", conf.Outcome))
	}
}

func (s *SettlementService) failTransfer(ctx context.Context, log *zap.Logger, intent *models.PaymentIntent, order *models.Order, rec *models.TransferRecord, cause error) (*SettlementResult, error) {
	err := s.Store.FailSettlement(ctx, store.Failure{
		IntentID: intent.IntentID,
		From:     []models.SettlementState{models.StateReserved, models.StateTransferring},
		To:       models.StateTransferFailed,
		Reason:   cause.Error(),
		Release:  &store.Release{OrderID: order.OrderID, Amount: intent.RequestedAmount},
		Transfer: rec,
		Entry:    s.entry(intent, order.Asset, order.SellerID, models.EntryFailed, rec.TxHash),
	})
	if err != nil {
		log.Error("record transfer failure failed", zap.Error(err))
		return nil, fmt.Errorf("record transfer failure: %w", err)
	}
	log.Warn("transfer failed, reservation released",
		zap.String("outcome", string(rec.Outcome)),
		zap.Error(cause))

	res, err := s.reread(ctx, intent.IntentID)
	if err != nil {
		return nil, err
	}
	res.Duplicate = false
	return res, fmt.Errorf("%w: %w", ErrTransferFailed, cause)
}

// reread returns whatever was recorded for the intent, or ErrSettlementInProgress if it is still moving.
func (s *SettlementService) reread(ctx context.Context, intentID string) (*SettlementResult, error) {
	intent, err := s.Store.GetIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if !intent.State.Terminal() {
		return nil, ErrSettlementInProgress
	}
	return s.recorded(ctx, intent)
}

func (s *SettlementService) recorded(ctx context.Context, intent *models.PaymentIntent) (*SettlementResult, error) {
	res := &SettlementResult{Intent: intent, Duplicate: true}
	rec, err := s.Store.GetTransfer(ctx, intent.IntentID)
	switch {
	case err == nil:
		res.Transfer = rec
		res.TransferType = s.transferType(rec.Asset)
	case errors.Is(err, store.ErrTransferNotFound):
	default:
		return nil, err
	}
	return res, nil
}

func (s *SettlementService) transferType(asset models.Asset) string {
	client, err := s.Chains.For(asset)
	if err != nil {
		return ""
	}
	if client.Contract() != "" {
		return "ERC20"
	}
	return "NATIVE"
}

func (s *SettlementService) entry(intent *models.PaymentIntent, asset models.Asset, counterparty string, status models.EntryStatus, txHash *string) *models.LedgerEntry {
	return &models.LedgerEntry{
		EntryID:        uuid.NewString(),
		UserID:         intent.BuyerID,
		IntentID:       intent.IntentID,
		Type:           models.EntryBuy,
		Asset:          asset,
		Amount:         intent.RequestedAmount,
		FiatAmount:     intent.FiatAmountMinor,
		Status:         status,
		TxHash:         txHash,
		CounterpartyID: counterparty,
		CreatedAt:      clock(s.Now).now(),
	}
}

func (s *SettlementService) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}
