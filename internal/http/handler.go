package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"p2pex/internal/chain"
	"p2pex/internal/models"
	"p2pex/internal/pricing"
	"p2pex/internal/services"
	"p2pex/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	userIDHeader           = "X-User-Id"
	eventIDHeader          = "X-Razorpay-Event-Id"
	defaultSignatureHeader = "X-Razorpay-Signature"
	maxBodyBytes           = 1 << 20
)

type Handler struct {
	Orders     *services.OrderService
	Payments   *services.PaymentService
	Settlement *services.SettlementService
	Balances   *services.BalanceService
	Portfolios *services.PortfolioService
	Webhooks   *services.WebhookService

	SignatureHeader string
	Logger          *zap.Logger
}

type createOrderRequest struct {
	Asset          models.Asset           `json:"asset"`
	Price          decimal.Decimal        `json:"price"`
	TotalAmount    decimal.Decimal        `json:"totalAmount"`
	PaymentMethods []models.PaymentMethod `json:"paymentMethods"`
	MinLimit       decimal.Decimal        `json:"minLimit"`
	MaxLimit       decimal.Decimal        `json:"maxLimit"`
}

type orderResponse struct {
	OrderID           string                 `json:"orderId"`
	SellerID          string                 `json:"sellerId"`
	Asset             models.Asset           `json:"asset"`
	Price             decimal.Decimal        `json:"price"`
	TotalQuantity     decimal.Decimal        `json:"totalQuantity"`
	AvailableQuantity decimal.Decimal        `json:"availableQuantity"`
	MinLimit          decimal.Decimal        `json:"minLimit"`
	MaxLimit          decimal.Decimal        `json:"maxLimit"`
	PaymentMethods    []models.PaymentMethod `json:"paymentMethods"`
	CreatedAt         string                 `json:"createdAt"`
}

type createIntentRequest struct {
	OrderID         string          `json:"orderId"`
	RequestedAmount decimal.Decimal `json:"requestedAmount"`
	BuyerContact    string          `json:"buyerContact"`
}

type createIntentResponse struct {
	IntentID             string `json:"intentId"`
	GatewayOrderID       string `json:"gatewayOrderId"`
	FiatAmountMinorUnits int64  `json:"fiatAmountMinorUnits"`
	Currency             string `json:"currency"`
	KeyID                string `json:"keyId"`
}

type verifyRequest struct {
	GatewayOrderID       string `json:"gatewayOrderId"`
	GatewayPaymentID     string `json:"gatewayPaymentId"`
	GatewaySignature     string `json:"gatewaySignature"`
	FiatAmountMinorUnits int64  `json:"fiatAmountMinorUnits"`
	BuyerContact         string `json:"buyerContact"`
}

type verifyResponse struct {
	IsOK    bool   `json:"isOk"`
	Message string `json:"message,omitempty"`
}

type buyRequest struct {
	OrderID          string          `json:"orderId"`
	RequestedAmount  decimal.Decimal `json:"requestedAmount"`
	BuyerAddress     string          `json:"buyerAddress"`
	GatewayPaymentID string          `json:"gatewayPaymentId"`
}

type transferResponse struct {
	TxHash      string  `json:"txHash,omitempty"`
	Type        string  `json:"type"`
	Receiver    string  `json:"receiver"`
	GasUsed     *uint64 `json:"gasUsed,omitempty"`
	BlockNumber *uint64 `json:"blockNumber,omitempty"`
	Outcome     string  `json:"outcome"`
}

type buyResponse struct {
	Success   bool              `json:"success"`
	Duplicate bool              `json:"duplicate,omitempty"`
	Transfer  *transferResponse `json:"transfer,omitempty"`
	Error     string            `json:"error,omitempty"`
}

type balanceEntry struct {
	Amount   string `json:"amount"`
	Network  string `json:"network"`
	Contract string `json:"contract,omitempty"`
}

type balanceResponse struct {
	Success  bool                          `json:"success"`
	Address  string                        `json:"address"`
	Balances map[models.Asset]balanceEntry `json:"balances"`
}

type entryResponse struct {
	EntryID        string             `json:"id"`
	IntentID       string             `json:"paymentIntentId"`
	Type           models.EntryType   `json:"type"`
	Asset          models.Asset       `json:"asset"`
	Amount         decimal.Decimal    `json:"amount"`
	FiatAmount     int64              `json:"fiatAmount"`
	Status         models.EntryStatus `json:"status"`
	TxHash         string             `json:"txHash,omitempty"`
	CounterpartyID string             `json:"counterpartyId,omitempty"`
	CreatedAt      string             `json:"createdAt"`
}

type portfolioResponse struct {
	Success        bool                             `json:"success"`
	Transactions   []entryResponse                  `json:"transactions"`
	Holdings       map[models.Asset]decimal.Decimal `json:"holdings"`
	TotalFiatSpent int64                            `json:"totalFiatSpent"`
}

type webhookResponse struct {
	Received  bool `json:"received"`
	Verified  bool `json:"verified"`
	Duplicate bool `json:"duplicate,omitempty"`
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	orders, err := h.Orders.ListOrders(r.Context(), models.OrderFilter{
		Side:          models.Side(q.Get("side")),
		Asset:         models.Asset(q.Get("asset")),
		PaymentMethod: models.PaymentMethod(q.Get("paymentMethod")),
		Sort:          models.SortKey(q.Get("sort")),
	})
	if err != nil {
		h.fail(w, r, err, "list orders failed")
		return
	}
	out := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrderResponse(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "orders": out})
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if !h.decode(w, r, &req) {
		return
	}
	order, err := h.Orders.CreateOrder(r.Context(), r.Header.Get(userIDHeader), services.CreateOrderInput{
		Asset:          req.Asset,
		UnitPrice:      req.Price,
		TotalAmount:    req.TotalAmount,
		PaymentMethods: req.PaymentMethods,
		MinLimit:       req.MinLimit,
		MaxLimit:       req.MaxLimit,
	})
	if err != nil {
		h.fail(w, r, err, "create order failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "order": toOrderResponse(order)})
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.Orders.GetOrder(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		h.fail(w, r, err, "get order failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "order": toOrderResponse(order)})
}

func (h *Handler) CreateIntent(w http.ResponseWriter, r *http.Request) {
	var req createIntentRequest
	if !h.decode(w, r, &req) {
		return
	}
	created, err := h.Payments.CreateIntent(r.Context(), r.Header.Get(userIDHeader), services.CreateIntentInput{
		OrderID:         req.OrderID,
		RequestedAmount: req.RequestedAmount,
		BuyerContact:    req.BuyerContact,
	})
	if err != nil {
		h.fail(w, r, err, "create payment intent failed")
		return
	}
	writeJSON(w, http.StatusOK, createIntentResponse{
		IntentID:             created.Intent.IntentID,
		GatewayOrderID:       created.Intent.GatewayOrderID,
		FiatAmountMinorUnits: created.Intent.FiatAmountMinor,
		Currency:             created.Currency,
		KeyID:                created.KeyID,
	})
}

func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Payments.Verify(r.Context(), services.VerifyInput{
		GatewayOrderID:   req.GatewayOrderID,
		GatewayPaymentID: req.GatewayPaymentID,
		GatewaySignature: req.GatewaySignature,
		FiatAmountMinor:  req.FiatAmountMinorUnits,
		BuyerContact:     req.BuyerContact,
	})
	if err != nil {
		h.fail(w, r, err, "verify payment failed")
		return
	}
	status := http.StatusOK
	if !res.OK {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, verifyResponse{IsOK: res.OK, Message: res.Message})
}

func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	var req buyRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Settlement.Settle(r.Context(), r.Header.Get(userIDHeader), services.BuyRequest{
		OrderID:          req.OrderID,
		RequestedAmount:  req.RequestedAmount,
		BuyerAddress:     req.BuyerAddress,
		GatewayPaymentID: req.GatewayPaymentID,
	})
	if res == nil {
		h.fail(w, r, err, "buy failed")
		return
	}

	resp := buyResponse{Success: res.Settled(), Duplicate: res.Duplicate}
	if res.Transfer != nil {
		resp.Transfer = toTransferResponse(res)
	}
	if !resp.Success {
		resp.Error = failureMessage(res.Intent, err)
	}

	status := http.StatusOK
	if err != nil {
		status, _ = statusFor(err)
		h.logger().Warn("buy failed",
			zap.String("intent_id", res.Intent.IntentID),
			zap.String("state", string(res.Intent.State)),
			zap.Error(err))
	}
	writeJSON(w, status, resp)
}

func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	balances, err := h.Balances.Balances(r.Context(), address)
	if err != nil {
		h.fail(w, r, err, "balance read failed")
		return
	}
	out := make(map[models.Asset]balanceEntry, len(balances))
	for asset, b := range balances {
		out[asset] = balanceEntry{Amount: b.Amount, Network: b.Network, Contract: b.Contract}
	}
	writeJSON(w, http.StatusOK, balanceResponse{Success: true, Address: address, Balances: out})
}

func (h *Handler) Portfolio(w http.ResponseWriter, r *http.Request) {
	p, err := h.Portfolios.Portfolio(r.Context(), r.Header.Get(userIDHeader))
	if err != nil {
		h.fail(w, r, err, "portfolio failed")
		return
	}
	txs := make([]entryResponse, 0, len(p.Transactions))
	for _, e := range p.Transactions {
		er := entryResponse{
			EntryID:        e.EntryID,
			IntentID:       e.IntentID,
			Type:           e.Type,
			Asset:          e.Asset,
			Amount:         e.Amount,
			FiatAmount:     e.FiatAmount,
			Status:         e.Status,
			CounterpartyID: e.CounterpartyID,
			CreatedAt:      e.CreatedAt.Format(time.RFC3339),
		}
		if e.TxHash != nil {
			er.TxHash = *e.TxHash
		}
		txs = append(txs, er)
	}
	writeJSON(w, http.StatusOK, portfolioResponse{
		Success:        true,
		Transactions:   txs,
		Holdings:       p.Holdings,
		TotalFiatSpent: p.TotalFiatSpent,
	})
}

// Webhook must see the body exactly as sent; it is read raw and never re-encoded before verification.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	res, err := h.Webhooks.Handle(r.Context(), raw, r.Header.Get(h.signatureHeader()), r.Header.Get(eventIDHeader))
	if err != nil {
		h.fail(w, r, err, "webhook failed")
		return
	}
	writeJSON(w, http.StatusOK, webhookResponse{Received: res.Received, Verified: res.Verified, Duplicate: res.Duplicate})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json body: %v", err))
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger().Error(fallback, zap.String("path", r.URL.Path), zap.Error(err))
		if msg == "" {
			msg = fallback
		}
	}
	writeError(w, status, msg)
}

// statusFor maps service errors to an HTTP status and a client-safe message. An empty message means
// the error text is internal.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, services.ErrMissingUserID):
		return http.StatusUnauthorized, "missing user id"
	case errors.Is(err, services.ErrInvalidSignature):
		return http.StatusUnauthorized, "invalid signature"
	case errors.Is(err, services.ErrSecretNotConfigured):
		return http.StatusInternalServerError, "signing secret not configured"
	case errors.Is(err, services.ErrTransferFailed):
		return http.StatusBadGateway, err.Error()
	case errors.Is(err, services.ErrReserveFailed):
		if errors.Is(err, store.ErrInsufficientAvailable) {
			return http.StatusConflict, err.Error()
		}
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, services.ErrMissingSignature),
		errors.Is(err, services.ErrInvalidInput),
		errors.Is(err, chain.ErrInvalidAddress),
		errors.Is(err, pricing.ErrBelowMinimum),
		errors.Is(err, pricing.ErrOutsideLimits),
		errors.Is(err, pricing.ErrFiatMismatch),
		errors.Is(err, pricing.ErrFiatOverflow):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, store.ErrOrderNotFound),
		errors.Is(err, store.ErrIntentNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, store.ErrInsufficientAvailable),
		errors.Is(err, store.ErrDuplicatePayment),
		errors.Is(err, services.ErrSettlementInProgress),
		errors.Is(err, services.ErrPaymentNotVerified):
		return http.StatusConflict, err.Error()
	case errors.Is(err, chain.ErrChainUnavailable):
		return http.StatusBadGateway, ""
	default:
		return http.StatusInternalServerError, ""
	}
}

func failureMessage(intent *models.PaymentIntent, err error) string {
	if intent != nil && intent.FailureReason != nil {
		return *intent.FailureReason
	}
	if err != nil {
		return err.Error()
	}
	return "settlement failed"
}

func toOrderResponse(o *models.Order) orderResponse {
	return orderResponse{
		OrderID:           o.OrderID,
		SellerID:          o.SellerID,
		Asset:             o.Asset,
		Price:             o.UnitPrice,
		TotalQuantity:     o.TotalQuantity,
		AvailableQuantity: o.Available,
		MinLimit:          o.MinLimit,
		MaxLimit:          o.MaxLimit,
		PaymentMethods:    o.PaymentMethods,
		CreatedAt:         o.CreatedAt.Format(time.RFC3339),
	}
}

func toTransferResponse(res *services.SettlementResult) *transferResponse {
	t := res.Transfer
	out := &transferResponse{
		Type:        res.TransferType,
		Receiver:    t.ToAddress,
		GasUsed:     t.GasUsed,
		BlockNumber: t.BlockNumber,
		Outcome:     string(t.Outcome),
	}
	if t.TxHash != nil {
		out.TxHash = *t.TxHash
	}
	return out
}

func (h *Handler) signatureHeader() string {
	if h.SignatureHeader == "" {
		return defaultSignatureHeader
	}
	return h.SignatureHeader
}

func (h *Handler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}
