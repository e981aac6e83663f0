package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"p2pex/internal/models"

	"github.com/shopspring/decimal"
)

// Memory is a process-local store with the same semantics as Store. Every method runs under one
// mutex, which gives the conditional updates the same atomicity the SQL statements have.
type Memory struct {
	mu        sync.Mutex
	orders    map[string]*models.Order
	intents   map[string]*models.PaymentIntent
	transfers map[string]*models.TransferRecord
	entries   []*models.LedgerEntry
	webhooks  map[string]*models.WebhookEvent
	now       func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		orders:    map[string]*models.Order{},
		intents:   map[string]*models.PaymentIntent{},
		transfers: map[string]*models.TransferRecord{},
		webhooks:  map[string]*models.WebhookEvent{},
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) CreateOrder(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *order
	cp.PaymentMethods = slices.Clone(order.PaymentMethods)
	m.orders[order.OrderID] = &cp
	return nil
}

func (m *Memory) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *Memory) ListOrders(ctx context.Context, f models.OrderFilter) ([]*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Order
	for _, o := range m.orders {
		if o.Asset != f.Asset || !o.Available.IsPositive() {
			continue
		}
		if f.PaymentMethod != "" && !o.Accepts(f.PaymentMethod) {
			continue
		}
		cp := *o
		out = append(out, &cp)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		var c int
		switch {
		case f.Sort == models.SortAmount:
			c = b.Available.Cmp(a.Available)
		case f.Side == models.SideSell:
			c = b.UnitPrice.Cmp(a.UnitPrice)
		default:
			c = a.UnitPrice.Cmp(b.UnitPrice)
		}
		if c != 0 {
			return c < 0
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	limit := f.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Reserve(ctx context.Context, orderID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserveLocked(orderID, amount)
}

func (m *Memory) Release(ctx context.Context, orderID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(orderID, amount)
}

func (m *Memory) reserveLocked(orderID string, amount decimal.Decimal) error {
	o, ok := m.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.Available.LessThan(amount) {
		return ErrInsufficientAvailable
	}
	o.Available = o.Available.Sub(amount)
	o.UpdatedAt = m.now()
	return nil
}

func (m *Memory) releaseLocked(orderID string, amount decimal.Decimal) error {
	o, ok := m.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	o.Available = decimal.Min(o.Available.Add(amount), o.TotalQuantity)
	o.UpdatedAt = m.now()
	return nil
}

func (m *Memory) CreateIntent(ctx context.Context, intent *models.PaymentIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.intents {
		if p.GatewayOrderID == intent.GatewayOrderID {
			return ErrStateConflict
		}
	}
	cp := *intent
	m.intents[intent.IntentID] = &cp
	return nil
}

func (m *Memory) GetIntent(ctx context.Context, intentID string) (*models.PaymentIntent, error) {
	return m.findIntent(func(p *models.PaymentIntent) bool { return p.IntentID == intentID })
}

func (m *Memory) GetIntentByGatewayOrder(ctx context.Context, gatewayOrderID string) (*models.PaymentIntent, error) {
	return m.findIntent(func(p *models.PaymentIntent) bool { return p.GatewayOrderID == gatewayOrderID })
}

func (m *Memory) GetIntentByGatewayPayment(ctx context.Context, gatewayPaymentID string) (*models.PaymentIntent, error) {
	return m.findIntent(func(p *models.PaymentIntent) bool {
		return p.GatewayPaymentID != nil && *p.GatewayPaymentID == gatewayPaymentID
	})
}

func (m *Memory) findIntent(match func(*models.PaymentIntent) bool) (*models.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.intents {
		if match(p) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrIntentNotFound
}

func (m *Memory) VerifyIntent(ctx context.Context, intentID, gatewayPaymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.intents {
		if p.IntentID != intentID && p.GatewayPaymentID != nil && *p.GatewayPaymentID == gatewayPaymentID {
			return ErrDuplicatePayment
		}
	}
	p, err := m.transitionLocked(intentID, models.StateVerified, models.StateCreated)
	if err != nil {
		return err
	}
	p.GatewayPaymentID = &gatewayPaymentID
	return nil
}

func (m *Memory) FailVerification(ctx context.Context, intentID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.transitionLocked(intentID, models.StateVerifyFailed, models.StateCreated)
	if err != nil {
		return err
	}
	p.FailureReason = &reason
	return nil
}

func (m *Memory) ReserveIntent(ctx context.Context, intentID, orderID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.intents[intentID]
	if !ok || p.State != models.StateVerified {
		return ErrStateConflict
	}
	if err := m.reserveLocked(orderID, amount); err != nil {
		return err
	}
	p.State = models.StateReserved
	p.UpdatedAt = m.now()
	return nil
}

func (m *Memory) BeginTransfer(ctx context.Context, rec *models.TransferRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.transitionLocked(rec.IntentID, models.StateTransferring, models.StateReserved); err != nil {
		return err
	}
	m.upsertTransferLocked(rec)
	return nil
}

func (m *Memory) UpdateTransfer(ctx context.Context, rec *models.TransferRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertTransferLocked(rec)
	return nil
}

func (m *Memory) CompleteSettlement(ctx context.Context, rec *models.TransferRecord, entry *models.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkEntryLocked(entry); err != nil {
		return err
	}
	if _, err := m.transitionLocked(rec.IntentID, models.StateSettled, models.StateTransferring); err != nil {
		return err
	}
	m.upsertTransferLocked(rec)
	m.appendEntryLocked(entry)
	return nil
}

func (m *Memory) FailSettlement(ctx context.Context, f Failure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.intents[f.IntentID]
	if !ok || !slices.Contains(f.From, p.State) {
		return ErrStateConflict
	}
	if f.Entry != nil {
		if err := m.checkEntryLocked(f.Entry); err != nil {
			return err
		}
	}
	if f.Release != nil {
		if _, ok := m.orders[f.Release.OrderID]; !ok {
			return ErrOrderNotFound
		}
		_ = m.releaseLocked(f.Release.OrderID, f.Release.Amount)
	}
	p.State = f.To
	reason := f.Reason
	p.FailureReason = &reason
	p.UpdatedAt = m.now()
	if f.Transfer != nil {
		m.upsertTransferLocked(f.Transfer)
	}
	if f.Entry != nil {
		m.appendEntryLocked(f.Entry)
	}
	return nil
}

func (m *Memory) ListStaleIntents(ctx context.Context, before time.Time, limit int) ([]*models.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.PaymentIntent
	for _, p := range m.intents {
		if (p.State == models.StateReserved || p.State == models.StateTransferring) && p.UpdatedAt.Before(before) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) GetTransfer(ctx context.Context, intentID string) (*models.TransferRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.transfers[intentID]
	if !ok {
		return nil, ErrTransferNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *Memory) ListUnreconciledTransfers(ctx context.Context, limit int) ([]*models.TransferRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.TransferRecord
	for _, rec := range m.transfers {
		if (rec.Outcome == models.TransferTimedOut || rec.Outcome == models.TransferFailed) && rec.TxHash != nil && rec.ReconciledOutcome == nil {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) SetReconciledOutcome(ctx context.Context, intentID string, outcome models.TransferOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.transfers[intentID]
	if !ok || rec.ReconciledOutcome != nil {
		return ErrTransferNotFound
	}
	rec.ReconciledOutcome = &outcome
	rec.UpdatedAt = m.now()
	return nil
}

func (m *Memory) ListEntries(ctx context.Context, userID string) ([]*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.LedgerEntry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].UserID == userID {
			cp := *m.entries[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) InsertWebhookEvent(ctx context.Context, ev *models.WebhookEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.webhooks[ev.EventID]; ok {
		return false, nil
	}
	cp := *ev
	m.webhooks[ev.EventID] = &cp
	return true, nil
}

func (m *Memory) transitionLocked(intentID string, to models.SettlementState, from ...models.SettlementState) (*models.PaymentIntent, error) {
	p, ok := m.intents[intentID]
	if !ok || !slices.Contains(from, p.State) {
		return nil, ErrStateConflict
	}
	p.State = to
	p.UpdatedAt = m.now()
	return p, nil
}

func (m *Memory) upsertTransferLocked(rec *models.TransferRecord) {
	now := m.now()
	cp := *rec
	if prev, ok := m.transfers[rec.IntentID]; ok {
		cp.CreatedAt = prev.CreatedAt
		cp.ReconciledOutcome = prev.ReconciledOutcome
		if cp.TxHash == nil {
			cp.TxHash = prev.TxHash
		}
	} else {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.transfers[rec.IntentID] = &cp
}

// checkEntryLocked mirrors the unique constraint on ledger_entries.intent_id.
func (m *Memory) checkEntryLocked(e *models.LedgerEntry) error {
	for _, existing := range m.entries {
		if existing.IntentID == e.IntentID {
			return ErrStateConflict
		}
	}
	return nil
}

func (m *Memory) appendEntryLocked(e *models.LedgerEntry) {
	cp := *e
	m.entries = append(m.entries, &cp)
}
