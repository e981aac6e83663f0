package services

import (
	"context"
	"fmt"
	"time"

	"p2pex/internal/chain"
	"p2pex/internal/models"
	"p2pex/internal/payments"
	"p2pex/internal/store"

	"github.com/shopspring/decimal"
)

// The interfaces below are satisfied by both *store.Store and *store.Memory.

type OrderStore interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	ListOrders(ctx context.Context, f models.OrderFilter) ([]*models.Order, error)
}

type IntentStore interface {
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	CreateIntent(ctx context.Context, intent *models.PaymentIntent) error
	GetIntentByGatewayOrder(ctx context.Context, gatewayOrderID string) (*models.PaymentIntent, error)
	VerifyIntent(ctx context.Context, intentID, gatewayPaymentID string) error
	FailVerification(ctx context.Context, intentID, reason string) error
}

type SettlementStore interface {
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	GetIntent(ctx context.Context, intentID string) (*models.PaymentIntent, error)
	GetIntentByGatewayPayment(ctx context.Context, gatewayPaymentID string) (*models.PaymentIntent, error)
	ReserveIntent(ctx context.Context, intentID, orderID string, amount decimal.Decimal) error
	BeginTransfer(ctx context.Context, rec *models.TransferRecord) error
	UpdateTransfer(ctx context.Context, rec *models.TransferRecord) error
	CompleteSettlement(ctx context.Context, rec *models.TransferRecord, entry *models.LedgerEntry) error
	FailSettlement(ctx context.Context, f store.Failure) error
	GetTransfer(ctx context.Context, intentID string) (*models.TransferRecord, error)
}

type JournalStore interface {
	ListEntries(ctx context.Context, userID string) ([]*models.LedgerEntry, error)
}

type WebhookStore interface {
	InsertWebhookEvent(ctx context.Context, ev *models.WebhookEvent) (bool, error)
}

// ChainClients resolves the client that moves a given asset.
type ChainClients interface {
	For(asset models.Asset) (chain.AssetClient, error)
	Assets() []models.Asset
}

// checkPrecision rejects amounts finer than the smallest unit the asset's
// client can transfer. A nil registry skips the check.
func checkPrecision(ctx context.Context, chains ChainClients, asset models.Asset, amount decimal.Decimal, field string) error {
	if chains == nil {
		return nil
	}
	client, err := chains.For(asset)
	if err != nil {
		return err
	}
	decimals, err := client.Decimals(ctx)
	if err != nil {
		return err
	}
	if err := chain.ValidateAmount(amount, decimals); err != nil {
		return fmt.Errorf("%w: %s %s exceeds %d decimal places for %s", ErrInvalidInput, field, amount, decimals, asset)
	}
	return nil
}

type Gateway interface {
	KeyID() string
	CreateOrder(ctx context.Context, req payments.CreateOrderRequest) (*payments.GatewayOrder, error)
}

type clock func() time.Time

func (c clock) now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c().UTC()
}
