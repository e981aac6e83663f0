package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"p2pex/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrOrderNotFound         = errors.New("order not found")
	ErrIntentNotFound        = errors.New("payment intent not found")
	ErrTransferNotFound      = errors.New("transfer record not found")
	ErrInsufficientAvailable = errors.New("insufficient available quantity")
	ErrStateConflict         = errors.New("payment intent state conflict")
	ErrDuplicatePayment      = errors.New("gateway payment id already used")
	ErrInvalidAmount         = errors.New("amount must be positive")
)

const defaultPageSize = 50

type Store struct {
	Pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

// Release is a compensating re-credit of a prior reservation.
type Release struct {
	OrderID string
	Amount  decimal.Decimal
}

// Failure moves an intent into a failure state together with its compensation and journal row.
type Failure struct {
	IntentID string
	From     []models.SettlementState
	To       models.SettlementState
	Reason   string
	Release  *Release
	Transfer *models.TransferRecord
	Entry    *models.LedgerEntry
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const orderColumns = `
	order_id, seller_id, asset, unit_price::text, total_quantity::text,
	available::text, min_limit::text, max_limit::text, payment_methods,
	created_at, updated_at`

func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO orders (
			order_id, seller_id, asset, unit_price, total_quantity,
			available, min_limit, max_limit, payment_methods, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`,
		order.OrderID,
		order.SellerID,
		order.Asset,
		order.UnitPrice.String(),
		order.TotalQuantity.String(),
		order.Available.String(),
		order.MinLimit.String(),
		order.MaxLimit.String(),
		paymentMethodStrings(order.PaymentMethods),
		order.CreatedAt,
		order.UpdatedAt,
	)
	return err
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id=$1`, orderID)
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return order, err
}

func (s *Store) ListOrders(ctx context.Context, f models.OrderFilter) ([]*models.Order, error) {
	order := "unit_price ASC"
	if f.Side == models.SideSell {
		order = "unit_price DESC"
	}
	if f.Sort == models.SortAmount {
		order = "available DESC"
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}

	rows, err := s.Pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE asset=$1 AND available > 0
			AND ($2 = '' OR $2 = ANY(payment_methods))
		ORDER BY `+order+`, created_at ASC
		LIMIT $3
	`, f.Asset, string(f.PaymentMethod), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// Reserve decrements available in one conditional update so concurrent buyers cannot oversell.
func (s *Store) Reserve(ctx context.Context, orderID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return reserve(ctx, s.Pool, orderID, amount)
}

func (s *Store) Release(ctx context.Context, orderID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return release(ctx, s.Pool, orderID, amount)
}

func reserve(ctx context.Context, q querier, orderID string, amount decimal.Decimal) error {
	res, err := q.Exec(ctx, `
		UPDATE orders
		SET available = available - $2, updated_at=now()
		WHERE order_id=$1 AND available >= $2
	`, orderID, amount.String())
	if err != nil {
		return err
	}
	if res.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE order_id=$1)`, orderID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrOrderNotFound
	}
	return ErrInsufficientAvailable
}

func release(ctx context.Context, q querier, orderID string, amount decimal.Decimal) error {
	res, err := q.Exec(ctx, `
		UPDATE orders
		SET available = LEAST(available + $2, total_quantity), updated_at=now()
		WHERE order_id=$1
	`, orderID, amount.String())
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

const intentColumns = `
	intent_id, order_id, buyer_id, buyer_contact, requested_amount::text,
	fiat_amount_minor, state, gateway_order_id, gateway_payment_id,
	failure_reason, created_at, updated_at`

func (s *Store) CreateIntent(ctx context.Context, intent *models.PaymentIntent) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO payment_intents (
			intent_id, order_id, buyer_id, buyer_contact, requested_amount,
			fiat_amount_minor, state, gateway_order_id, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`,
		intent.IntentID,
		intent.OrderID,
		intent.BuyerID,
		intent.BuyerContact,
		intent.RequestedAmount.String(),
		intent.FiatAmountMinor,
		intent.State,
		intent.GatewayOrderID,
		intent.CreatedAt,
		intent.UpdatedAt,
	)
	return err
}

func (s *Store) GetIntent(ctx context.Context, intentID string) (*models.PaymentIntent, error) {
	return s.getIntentWhere(ctx, "intent_id=$1", intentID)
}

func (s *Store) GetIntentByGatewayOrder(ctx context.Context, gatewayOrderID string) (*models.PaymentIntent, error) {
	return s.getIntentWhere(ctx, "gateway_order_id=$1", gatewayOrderID)
}

func (s *Store) GetIntentByGatewayPayment(ctx context.Context, gatewayPaymentID string) (*models.PaymentIntent, error) {
	return s.getIntentWhere(ctx, "gateway_payment_id=$1", gatewayPaymentID)
}

func (s *Store) getIntentWhere(ctx context.Context, where string, arg any) (*models.PaymentIntent, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE `+where, arg)
	intent, err := scanIntent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrIntentNotFound
	}
	return intent, err
}

func (s *Store) VerifyIntent(ctx context.Context, intentID, gatewayPaymentID string) error {
	res, err := s.Pool.Exec(ctx, `
		UPDATE payment_intents
		SET state='verified', gateway_payment_id=$2, updated_at=now()
		WHERE intent_id=$1 AND state='created'
	`, intentID, gatewayPaymentID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicatePayment
		}
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrStateConflict
	}
	return nil
}

func (s *Store) FailVerification(ctx context.Context, intentID, reason string) error {
	res, err := s.Pool.Exec(ctx, `
		UPDATE payment_intents
		SET state='verify_failed', failure_reason=$2, updated_at=now()
		WHERE intent_id=$1 AND state='created'
	`, intentID, reason)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrStateConflict
	}
	return nil
}

// ReserveIntent claims a verified intent and decrements the order in one transaction.
// Either both commit or neither does.
func (s *Store) ReserveIntent(ctx context.Context, intentID, orderID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		res, err := tx.Exec(ctx, `
			UPDATE payment_intents
			SET state='reserved', updated_at=now()
			WHERE intent_id=$1 AND state='verified'
		`, intentID)
		if err != nil {
			return err
		}
		if res.RowsAffected() == 0 {
			return ErrStateConflict
		}
		return reserve(ctx, tx, orderID, amount)
	})
}

func (s *Store) BeginTransfer(ctx context.Context, rec *models.TransferRecord) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		res, err := tx.Exec(ctx, `
			UPDATE payment_intents
			SET state='transferring', updated_at=now()
			WHERE intent_id=$1 AND state='reserved'
		`, rec.IntentID)
		if err != nil {
			return err
		}
		if res.RowsAffected() == 0 {
			return ErrStateConflict
		}
		return upsertTransfer(ctx, tx, rec)
	})
}

func (s *Store) UpdateTransfer(ctx context.Context, rec *models.TransferRecord) error {
	return upsertTransfer(ctx, s.Pool, rec)
}

func (s *Store) CompleteSettlement(ctx context.Context, rec *models.TransferRecord, entry *models.LedgerEntry) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		res, err := tx.Exec(ctx, `
			UPDATE payment_intents
			SET state='settled', updated_at=now()
			WHERE intent_id=$1 AND state='transferring'
		`, rec.IntentID)
		if err != nil {
			return err
		}
		if res.RowsAffected() == 0 {
			return ErrStateConflict
		}
		if err := upsertTransfer(ctx, tx, rec); err != nil {
			return err
		}
		return insertEntry(ctx, tx, entry)
	})
}

func (s *Store) FailSettlement(ctx context.Context, f Failure) error {
	from := make([]string, 0, len(f.From))
	for _, st := range f.From {
		from = append(from, string(st))
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		res, err := tx.Exec(ctx, `
			UPDATE payment_intents
			SET state=$2, failure_reason=$3, updated_at=now()
			WHERE intent_id=$1 AND state = ANY($4)
		`, f.IntentID, f.To, f.Reason, from)
		if err != nil {
			return err
		}
		if res.RowsAffected() == 0 {
			return ErrStateConflict
		}
		if f.Release != nil {
			if err := release(ctx, tx, f.Release.OrderID, f.Release.Amount); err != nil {
				return fmt.Errorf("release reservation: %w", err)
			}
		}
		if f.Transfer != nil {
			if err := upsertTransfer(ctx, tx, f.Transfer); err != nil {
				return err
			}
		}
		if f.Entry != nil {
			return insertEntry(ctx, tx, f.Entry)
		}
		return nil
	})
}

func (s *Store) ListStaleIntents(ctx context.Context, before time.Time, limit int) ([]*models.PaymentIntent, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+intentColumns+`
		FROM payment_intents
		WHERE state IN ('reserved','transferring') AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.PaymentIntent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, intent)
	}
	return out, rows.Err()
}

const transferColumns = `
	intent_id, network, asset, tx_hash, from_address, to_address, amount::text,
	block_number, gas_used, confirmed_at, outcome, reconciled_outcome,
	created_at, updated_at`

func (s *Store) GetTransfer(ctx context.Context, intentID string) (*models.TransferRecord, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfer_records WHERE intent_id=$1`, intentID)
	rec, err := scanTransfer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTransferNotFound
	}
	return rec, err
}

func (s *Store) ListUnreconciledTransfers(ctx context.Context, limit int) ([]*models.TransferRecord, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+transferColumns+`
		FROM transfer_records
		WHERE outcome IN ('TIMED_OUT','FAILED') AND tx_hash IS NOT NULL AND reconciled_outcome IS NULL
		ORDER BY updated_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.TransferRecord
	for rows.Next() {
		rec, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) SetReconciledOutcome(ctx context.Context, intentID string, outcome models.TransferOutcome) error {
	res, err := s.Pool.Exec(ctx, `
		UPDATE transfer_records
		SET reconciled_outcome=$2, updated_at=now()
		WHERE intent_id=$1 AND reconciled_outcome IS NULL
	`, intentID, outcome)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

func (s *Store) ListEntries(ctx context.Context, userID string) ([]*models.LedgerEntry, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT entry_id, user_id, intent_id, entry_type, asset, amount::text,
			fiat_amount_minor, status, tx_hash, counterparty_id, created_at
		FROM ledger_entries
		WHERE user_id=$1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		var amount string
		if err := rows.Scan(
			&e.EntryID,
			&e.UserID,
			&e.IntentID,
			&e.Type,
			&e.Asset,
			&amount,
			&e.FiatAmount,
			&e.Status,
			&e.TxHash,
			&e.CounterpartyID,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse entry amount: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// InsertWebhookEvent reports false when the event id was already stored.
func (s *Store) InsertWebhookEvent(ctx context.Context, ev *models.WebhookEvent) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		INSERT INTO webhook_events (event_id, event, payload, received_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (event_id) DO NOTHING
	`, ev.EventID, ev.Event, ev.Payload, ev.ReceivedAt)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func upsertTransfer(ctx context.Context, q querier, rec *models.TransferRecord) error {
	_, err := q.Exec(ctx, `
		INSERT INTO transfer_records (
			intent_id, network, asset, tx_hash, from_address, to_address, amount,
			block_number, gas_used, confirmed_at, outcome
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (intent_id) DO UPDATE SET
			tx_hash=COALESCE(EXCLUDED.tx_hash, transfer_records.tx_hash),
			from_address=EXCLUDED.from_address,
			block_number=EXCLUDED.block_number,
			gas_used=EXCLUDED.gas_used,
			confirmed_at=EXCLUDED.confirmed_at,
			outcome=EXCLUDED.outcome,
			updated_at=now()
	`,
		rec.IntentID,
		rec.Network,
		rec.Asset,
		rec.TxHash,
		rec.FromAddress,
		rec.ToAddress,
		rec.Amount.String(),
		uint64PtrToInt64(rec.BlockNumber),
		uint64PtrToInt64(rec.GasUsed),
		rec.ConfirmedAt,
		rec.Outcome,
	)
	return err
}

func insertEntry(ctx context.Context, q querier, e *models.LedgerEntry) error {
	_, err := q.Exec(ctx, `
		INSERT INTO ledger_entries (
			entry_id, user_id, intent_id, entry_type, asset, amount,
			fiat_amount_minor, status, tx_hash, counterparty_id, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`,
		e.EntryID,
		e.UserID,
		e.IntentID,
		e.Type,
		e.Asset,
		e.Amount.String(),
		e.FiatAmount,
		e.Status,
		e.TxHash,
		e.CounterpartyID,
		e.CreatedAt,
	)
	return err
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	var o models.Order
	var price, total, available, minLimit, maxLimit string
	var methods []string
	if err := row.Scan(
		&o.OrderID,
		&o.SellerID,
		&o.Asset,
		&price,
		&total,
		&available,
		&minLimit,
		&maxLimit,
		&methods,
		&o.CreatedAt,
		&o.UpdatedAt,
	); err != nil {
		return nil, err
	}
	var err error
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&o.UnitPrice, price},
		{&o.TotalQuantity, total},
		{&o.Available, available},
		{&o.MinLimit, minLimit},
		{&o.MaxLimit, maxLimit},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return nil, fmt.Errorf("parse order %s decimal: %w", o.OrderID, err)
		}
	}
	for _, m := range methods {
		o.PaymentMethods = append(o.PaymentMethods, models.PaymentMethod(m))
	}
	return &o, nil
}

func scanIntent(row pgx.Row) (*models.PaymentIntent, error) {
	var p models.PaymentIntent
	var amount string
	if err := row.Scan(
		&p.IntentID,
		&p.OrderID,
		&p.BuyerID,
		&p.BuyerContact,
		&amount,
		&p.FiatAmountMinor,
		&p.State,
		&p.GatewayOrderID,
		&p.GatewayPaymentID,
		&p.FailureReason,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	var err error
	if p.RequestedAmount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse intent amount: %w", err)
	}
	return &p, nil
}

func scanTransfer(row pgx.Row) (*models.TransferRecord, error) {
	var r models.TransferRecord
	var amount string
	var blockNumber, gasUsed *int64
	var reconciled *string
	if err := row.Scan(
		&r.IntentID,
		&r.Network,
		&r.Asset,
		&r.TxHash,
		&r.FromAddress,
		&r.ToAddress,
		&amount,
		&blockNumber,
		&gasUsed,
		&r.ConfirmedAt,
		&r.Outcome,
		&reconciled,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	var err error
	if r.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse transfer amount: %w", err)
	}
	r.BlockNumber = int64PtrToUint64(blockNumber)
	r.GasUsed = int64PtrToUint64(gasUsed)
	if reconciled != nil {
		o := models.TransferOutcome(*reconciled)
		r.ReconciledOutcome = &o
	}
	return &r, nil
}

func paymentMethodStrings(methods []models.PaymentMethod) []string {
	out := make([]string, 0, len(methods))
	for _, m := range methods {
		out = append(out, string(m))
	}
	return out
}

func uint64PtrToInt64(v *uint64) *int64 {
	if v == nil {
		return nil
	}
	i := int64(*v)
	return &i
}

func int64PtrToUint64(v *int64) *uint64 {
	if v == nil {
		return nil
	}
	u := uint64(*v)
	return &u
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
