package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Asset string

const (
	AssetUSDC Asset = "USDC" // ERC20 stable A
	AssetUSDT Asset = "USDT" // ERC20 stable B
	AssetMON  Asset = "MON"  // native token
)

func (a Asset) Valid() bool {
	switch a {
	case AssetUSDC, AssetUSDT, AssetMON:
		return true
	}
	return false
}

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type PaymentMethod string

const (
	PaymentUPI          PaymentMethod = "UPI"
	PaymentIMPS         PaymentMethod = "IMPS"
	PaymentBankTransfer PaymentMethod = "BANK_TRANSFER"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentUPI, PaymentIMPS, PaymentBankTransfer:
		return true
	}
	return false
}

type SortKey string

const (
	SortPrice  SortKey = "Price"
	SortAmount SortKey = "Amount"
)

// Order is a seller's standing offer. Available only shrinks through settlement.
type Order struct {
	OrderID        string
	SellerID       string
	Asset          Asset
	UnitPrice      decimal.Decimal
	TotalQuantity  decimal.Decimal
	Available      decimal.Decimal
	MinLimit       decimal.Decimal
	MaxLimit       decimal.Decimal
	PaymentMethods []PaymentMethod
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (o *Order) Accepts(m PaymentMethod) bool {
	for _, pm := range o.PaymentMethods {
		if pm == m {
			return true
		}
	}
	return false
}

type OrderFilter struct {
	Side          Side
	Asset         Asset
	PaymentMethod PaymentMethod
	Sort          SortKey
	Limit         int
}

// SettlementState is the orchestrator state stored on a payment intent.
type SettlementState string

const (
	StateCreated        SettlementState = "created"
	StateVerified       SettlementState = "verified"
	StateReserved       SettlementState = "reserved"
	StateTransferring   SettlementState = "transferring"
	StateSettled        SettlementState = "settled"
	StateVerifyFailed   SettlementState = "verify_failed"
	StateReserveFailed  SettlementState = "reserve_failed"
	StateTransferFailed SettlementState = "transfer_failed"
)

func (s SettlementState) Terminal() bool {
	switch s {
	case StateSettled, StateVerifyFailed, StateReserveFailed, StateTransferFailed:
		return true
	}
	return false
}

type IntentStatus string

const (
	IntentCreated  IntentStatus = "CREATED"
	IntentVerified IntentStatus = "VERIFIED"
	IntentSettled  IntentStatus = "SETTLED"
	IntentFailed   IntentStatus = "FAILED"
)

type PaymentIntent struct {
	IntentID         string
	OrderID          string
	BuyerID          string
	BuyerContact     string
	RequestedAmount  decimal.Decimal
	FiatAmountMinor  int64
	State            SettlementState
	GatewayOrderID   string
	GatewayPaymentID *string
	FailureReason    *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (p *PaymentIntent) Status() IntentStatus {
	switch p.State {
	case StateCreated:
		return IntentCreated
	case StateSettled:
		return IntentSettled
	case StateVerifyFailed, StateReserveFailed, StateTransferFailed:
		return IntentFailed
	default:
		return IntentVerified
	}
}

type TransferOutcome string

const (
	TransferPending   TransferOutcome = "PENDING"
	TransferConfirmed TransferOutcome = "CONFIRMED"
	TransferReverted  TransferOutcome = "REVERTED"
	TransferTimedOut  TransferOutcome = "TIMED_OUT"
	TransferFailed    TransferOutcome = "FAILED"
)

type TransferRecord struct {
	IntentID          string
	Network           string
	Asset             Asset
	TxHash            *string
	FromAddress       string
	ToAddress         string
	Amount            decimal.Decimal
	BlockNumber       *uint64
	GasUsed           *uint64
	ConfirmedAt       *time.Time
	Outcome           TransferOutcome
	ReconciledOutcome *TransferOutcome
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type EntryType string

const (
	EntryBuy  EntryType = "BUY"
	EntrySell EntryType = "SELL"
)

type EntryStatus string

const (
	EntrySuccess EntryStatus = "SUCCESS"
	EntryFailed  EntryStatus = "FAILED"
)

// LedgerEntry is an immutable journal row.
type LedgerEntry struct {
	EntryID        string
	UserID         string
	IntentID       string
	Type           EntryType
	Asset          Asset
	Amount         decimal.Decimal
	FiatAmount     int64
	Status         EntryStatus
	TxHash         *string
	CounterpartyID string
	CreatedAt      time.Time
}

type WebhookEvent struct {
	EventID    string
	Event      string
	Payload    []byte
	ReceivedAt time.Time
}
