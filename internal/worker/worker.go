package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"p2pex/internal/chain"
	"p2pex/internal/models"
	"p2pex/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Store interface {
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	GetTransfer(ctx context.Context, intentID string) (*models.TransferRecord, error)
	ListStaleIntents(ctx context.Context, before time.Time, limit int) ([]*models.PaymentIntent, error)
	ListUnreconciledTransfers(ctx context.Context, limit int) ([]*models.TransferRecord, error)
	SetReconciledOutcome(ctx context.Context, intentID string, outcome models.TransferOutcome) error
	CompleteSettlement(ctx context.Context, rec *models.TransferRecord, entry *models.LedgerEntry) error
	FailSettlement(ctx context.Context, f store.Failure) error
}

type Chains interface {
	For(asset models.Asset) (chain.AssetClient, error)
}

// Reconciler re-checks transfers whose outcome was not final and finishes intents that
// stopped moving. It never refunds and never sends a second transfer.
type Reconciler struct {
	Store               Store
	Chains              Chains
	Interval            time.Duration
	StaleAfter          time.Duration
	BatchSize           int
	WSEndpoints         []string
	WSFailoverThreshold int
	Logger              *zap.Logger
	Now                 func() time.Time

	kick chan struct{}
}

func (w *Reconciler) Run(ctx context.Context) {
	w.kick = make(chan struct{}, 1)
	go w.RunWS(ctx)

	interval := w.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := w.ReconcileOnce(ctx); err != nil {
			w.logger().Error("reconcile failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.kick:
		}
	}
}

// trigger asks the loop for an extra pass; it never blocks.
func (w *Reconciler) trigger() {
	if w.kick == nil {
		return
	}
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *Reconciler) ReconcileOnce(ctx context.Context) error {
	if err := w.reconcileTransfers(ctx); err != nil {
		return fmt.Errorf("transfers: %w", err)
	}
	if err := w.finishStale(ctx); err != nil {
		return fmt.Errorf("stale intents: %w", err)
	}
	return nil
}

func (w *Reconciler) reconcileTransfers(ctx context.Context) error {
	recs, err := w.Store.ListUnreconciledTransfers(ctx, w.batch())
	if err != nil {
		return err
	}
	for _, rec := range recs {
		log := w.logger().With(zap.String("intent_id", rec.IntentID), zap.String("tx_hash", *rec.TxHash))
		client, err := w.Chains.For(rec.Asset)
		if err != nil {
			log.Warn("no client for transfer", zap.Error(err))
			continue
		}
		conf, err := client.Lookup(ctx, *rec.TxHash)
		if err != nil {
			log.Warn("receipt lookup failed", zap.Error(err))
			continue
		}
		outcome := conf.Outcome
		if outcome == models.TransferPending {
			if rec.CreatedAt.After(w.staleBefore()) {
				continue
			}
			// Never mined within the stale window; treat as dropped.
			outcome = models.TransferFailed
		}
		if err := w.Store.SetReconciledOutcome(ctx, rec.IntentID, outcome); err != nil {
			if errors.Is(err, store.ErrTransferNotFound) {
				continue
			}
			return err
		}
		if outcome == models.TransferConfirmed {
			log.Error("transfer confirmed after the intent failed; needs manual review",
				zap.String("recorded_outcome", string(rec.Outcome)),
				zap.Uint64("block", conf.BlockNumber))
			continue
		}
		log.Info("transfer reconciled", zap.String("outcome", string(outcome)))
	}
	return nil
}

func (w *Reconciler) finishStale(ctx context.Context) error {
	intents, err := w.Store.ListStaleIntents(ctx, w.staleBefore(), w.batch())
	if err != nil {
		return err
	}
	for _, intent := range intents {
		if err := w.finish(ctx, intent); err != nil {
			if errors.Is(err, store.ErrStateConflict) {
				continue
			}
			w.logger().Error("finish stale intent failed", zap.String("intent_id", intent.IntentID), zap.Error(err))
		}
	}
	return nil
}

func (w *Reconciler) finish(ctx context.Context, intent *models.PaymentIntent) error {
	order, err := w.Store.GetOrder(ctx, intent.OrderID)
	if err != nil {
		return err
	}
	client, err := w.Chains.For(order.Asset)
	if err != nil {
		return err
	}
	log := w.logger().With(zap.String("intent_id", intent.IntentID), zap.String("state", string(intent.State)))

	rec, err := w.Store.GetTransfer(ctx, intent.IntentID)
	switch {
	case errors.Is(err, store.ErrTransferNotFound):
		rec = nil
	case err != nil:
		return err
	}

	reason := "settlement stalled in " + string(intent.State)
	if rec != nil {
		outcome := models.TransferFailed
		if rec.TxHash != nil {
			outcome = models.TransferTimedOut
			conf, err := client.Lookup(ctx, *rec.TxHash)
			if err != nil {
				// Retry on the next pass rather than fail a transfer that may have landed.
				return fmt.Errorf("lookup %s: %w", *rec.TxHash, err)
			}
			switch conf.Outcome {
			case models.TransferConfirmed:
				now := clockNow(w.Now)
				rec.Outcome = models.TransferConfirmed
				rec.BlockNumber = &conf.BlockNumber
				rec.GasUsed = &conf.GasUsed
				rec.ConfirmedAt = &now
				if err := w.Store.CompleteSettlement(ctx, rec, w.entry(intent, order, models.EntrySuccess, rec.TxHash)); err != nil {
					return err
				}
				log.Info("stalled intent settled from receipt", zap.String("tx_hash", *rec.TxHash))
				return nil
			case models.TransferReverted:
				outcome = models.TransferReverted
				rec.BlockNumber = &conf.BlockNumber
				rec.GasUsed = &conf.GasUsed
			}
		}
		rec.Outcome = outcome
		reason = fmt.Sprintf("transfer %s after stall", outcome)
	}

	err = w.Store.FailSettlement(ctx, store.Failure{
		IntentID: intent.IntentID,
		From:     []models.SettlementState{models.StateReserved, models.StateTransferring},
		To:       models.StateTransferFailed,
		Reason:   reason,
		Release:  &store.Release{OrderID: order.OrderID, Amount: intent.RequestedAmount},
		Transfer: rec,
		Entry:    w.entry(intent, order, models.EntryFailed, txHashOf(rec)),
	})
	if err != nil {
		return err
	}
	log.Warn("stalled intent failed, reservation released", zap.String("reason", reason))
	return nil
}

func (w *Reconciler) entry(intent *models.PaymentIntent, order *models.Order, status models.EntryStatus, txHash *string) *models.LedgerEntry {
	return &models.LedgerEntry{
		EntryID:        uuid.NewString(),
		UserID:         intent.BuyerID,
		IntentID:       intent.IntentID,
		Type:           models.EntryBuy,
		Asset:          order.Asset,
		Amount:         intent.RequestedAmount,
		FiatAmount:     intent.FiatAmountMinor,
		Status:         status,
		TxHash:         txHash,
		CounterpartyID: order.SellerID,
		CreatedAt:      clockNow(w.Now),
	}
}

func (w *Reconciler) staleBefore() time.Time {
	stale := w.StaleAfter
	if stale <= 0 {
		stale = 15 * time.Minute
	}
	return clockNow(w.Now).Add(-stale)
}

func (w *Reconciler) batch() int {
	if w.BatchSize <= 0 {
		return 50
	}
	return w.BatchSize
}

func (w *Reconciler) logger() *zap.Logger {
	if w.Logger == nil {
		return zap.NewNop()
	}
	return w.Logger
}

func txHashOf(rec *models.TransferRecord) *string {
	if rec == nil {
		return nil
	}
	return rec.TxHash
}

func clockNow(now func() time.Time) time.Time {
	if now == nil {
		return time.Now().UTC()
	}
	return now().UTC()
}
