/*
recorder.go - The single writer of ledger history

PURPOSE:
  Validates and appends domain transactions. Every stock movement in the
  system goes through Record; count variances go through
  PostCountVariance. No other code path writes transactions or balances.

ATOMICITY:
  Each recording runs inside Store.WithTx: the transaction row, the
  balance update, and the sync-queue entry all commit together or not at
  all. On validation failure nothing is written.

COUNT VARIANCE SEMANTICS:
  Given a counted quantity and the current balance, delta = counted -
  current. Zero delta is a distinguishable no-op, not an error. Otherwise
  one adjustment transaction of magnitude |delta| is appended as the
  audit record of the correction's SIZE, and the balance is set directly
  to the counted value - a reset, not a fold. The observed count wins
  over incremental folding for that tuple at that instant.

PROVISIONAL ITEMS:
  A movement against an item id the catalog does not know yet is accepted
  provisionally. On a disconnected device the catalog may simply not have
  synced; losing the movement would be worse than recording it against a
  not-yet-known id.
*/
package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// RECORDER
// =============================================================================

// Recorder validates and appends transactions, keeping the balance
// projection and the sync outbox in step.
type Recorder struct {
	Store     TxStore
	Projector *Projector

	// Now is injectable for tests; defaults to time.Now (UTC).
	Now func() time.Time
}

func NewRecorder(store TxStore) *Recorder {
	return &Recorder{
		Store:     store,
		Projector: &Projector{},
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// TransactionInput is the caller-supplied shape of a movement. TxnAt is a
// string so that date validation lives here, not in every caller: it
// accepts RFC 3339 or plain YYYY-MM-DD, and defaults to today when empty
// (consumption capture records against "today" unless told otherwise).
type TransactionInput struct {
	Type       TxnType
	FacilityID FacilityID
	StoreRoom  string
	ItemID     ItemID
	BatchID    BatchID

	// Receipts may introduce a new lot instead of referencing a batch id.
	LotCode      string
	ExpiryDate   time.Time
	Manufacturer string

	Quantity decimal.Decimal
	Unit     string

	Reason      string
	Source      string
	Destination string
	DocumentRef string

	TxnAt      string
	RecordedBy string

	FEFOOverride       bool
	FEFOOverrideReason string

	// Optional; a fresh UUID is assigned when empty.
	IdempotencyKey string
}

// RecordResult is what a successful Record returns: the immutable
// transaction, the updated balance, and a clamp warning when the
// movement would have driven the balance negative.
type RecordResult struct {
	Transaction Transaction
	Balance     StockBalance
	Warning     *NegativeBalanceWarning
}

// Record validates the input, appends the transaction, updates the
// affected balance, and enqueues the outbox entry - atomically.
func (r *Recorder) Record(ctx context.Context, input TransactionInput) (*RecordResult, error) {
	txnAt, err := r.validate(input)
	if err != nil {
		return nil, err
	}

	// Reject replays before touching batches or balances. The append
	// itself enforces the same uniqueness as a backstop.
	if input.IdempotencyKey != "" {
		seen, err := r.Store.HasIdempotencyKey(ctx, input.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if seen {
			return nil, ErrDuplicateIdempotencyKey
		}
	}

	result := &RecordResult{}
	err = r.Store.WithTx(ctx, func(s Store) error {
		batchID, err := r.resolveBatch(ctx, s, input)
		if err != nil {
			return err
		}

		txn := Transaction{
			ID:                 TransactionID(uuid.NewString()),
			Type:               input.Type,
			FacilityID:         input.FacilityID,
			StoreRoom:          input.StoreRoom,
			ItemID:             input.ItemID,
			BatchID:            batchID,
			Quantity:           input.Quantity,
			Unit:               input.Unit,
			Reason:             input.Reason,
			Source:             input.Source,
			Destination:        input.Destination,
			DocumentRef:        input.DocumentRef,
			TxnAt:              txnAt,
			RecordedBy:         input.RecordedBy,
			FEFOOverride:       input.FEFOOverride,
			FEFOOverrideReason: input.FEFOOverrideReason,
			IdempotencyKey:     input.IdempotencyKey,
			CreatedAt:          r.Now(),
		}
		if txn.IdempotencyKey == "" {
			txn.IdempotencyKey = uuid.NewString()
		}

		if err := s.AppendTransaction(ctx, txn); err != nil {
			return err
		}

		balance, warning, err := r.Projector.ApplyIncrement(ctx, s, txn)
		if err != nil {
			return err
		}

		if err := EnqueueTransaction(ctx, s, txn); err != nil {
			return err
		}

		result.Transaction = txn
		result.Balance = balance
		result.Warning = warning
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *Recorder) validate(input TransactionInput) (time.Time, error) {
	if !input.Type.Valid() {
		return time.Time{}, &ValidationError{Field: "type", Message: "unknown transaction type " + string(input.Type)}
	}
	if !input.Quantity.IsPositive() {
		return time.Time{}, &ValidationError{Field: "quantity", Message: "must be greater than zero"}
	}
	if input.ItemID == "" {
		return time.Time{}, &ValidationError{Field: "item_id", Message: "required"}
	}
	if input.FacilityID == "" {
		return time.Time{}, &ValidationError{Field: "facility_id", Message: "required"}
	}
	return r.parseTxnAt(input.TxnAt)
}

func (r *Recorder) parseTxnAt(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return r.Now(), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Time{}, &ValidationError{Field: "txn_dt", Message: "unparseable timestamp " + s}
}

// resolveBatch returns the batch id the transaction should carry: the
// referenced id (which must exist), an existing lot's id, or a freshly
// created batch when a receipt introduces a new lot.
func (r *Recorder) resolveBatch(ctx context.Context, s Store, input TransactionInput) (BatchID, error) {
	if input.BatchID != 0 {
		if _, err := s.GetBatch(ctx, input.BatchID); err != nil {
			return 0, err
		}
		return input.BatchID, nil
	}
	if input.LotCode == "" {
		return 0, nil
	}

	existing, err := s.BatchByLot(ctx, input.ItemID, input.LotCode)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return existing.ID, nil
	}
	if input.Type != TxnReceipt {
		// Only receipts introduce lots; anything else must reference one.
		return 0, &NotFoundError{Collection: "batches", Key: input.LotCode}
	}

	batch := &Batch{
		ItemID:       input.ItemID,
		LotCode:      input.LotCode,
		ExpiryDate:   input.ExpiryDate,
		Manufacturer: input.Manufacturer,
		UpdatedAt:    r.Now(),
	}
	if err := s.PutBatch(ctx, batch); err != nil {
		return 0, err
	}
	return batch.ID, nil
}

// =============================================================================
// COUNT VARIANCE
// =============================================================================

// CountInput is a user-entered physical count for a tuple.
type CountInput struct {
	FacilityID FacilityID
	StoreRoom  string
	ItemID     ItemID
	BatchID    BatchID

	Counted   decimal.Decimal
	Unit      string
	CountedBy string
	CountDate string // same formats as TransactionInput.TxnAt
}

// VarianceOutcome tags the result of a count posting.
type VarianceOutcome string

const (
	// VarianceNoOp: the count matched the balance; nothing was written.
	VarianceNoOp VarianceOutcome = "no_op"
	// VarianceAdjusted: one adjustment transaction was recorded and the
	// balance was reset to the counted value.
	VarianceAdjusted VarianceOutcome = "adjusted"
)

// VarianceResult reports what a count posting did. A no-op is a distinct,
// successful outcome - not an error.
type VarianceResult struct {
	Outcome     VarianceOutcome
	Delta       decimal.Decimal
	Transaction *Transaction // nil on no-op
	Balance     StockBalance
}

const countVarianceReason = "stock count variance"

// PostCountVariance compares a physical count against the current balance
// and, when they differ, records one adjustment transaction sized to the
// difference and sets the balance directly to the counted value.
func (r *Recorder) PostCountVariance(ctx context.Context, input CountInput) (*VarianceResult, error) {
	if input.Counted.IsNegative() {
		return nil, &ValidationError{Field: "counted", Message: "cannot be negative"}
	}
	if input.ItemID == "" {
		return nil, &ValidationError{Field: "item_id", Message: "required"}
	}
	if input.FacilityID == "" {
		return nil, &ValidationError{Field: "facility_id", Message: "required"}
	}
	countAt, err := r.parseTxnAt(input.CountDate)
	if err != nil {
		return nil, err
	}

	key := BalanceKey{
		FacilityID: input.FacilityID,
		StoreRoom:  input.StoreRoom,
		ItemID:     input.ItemID,
		BatchID:    input.BatchID,
	}

	result := &VarianceResult{}
	err = r.Store.WithTx(ctx, func(s Store) error {
		current := decimal.Zero
		var balanceID int64
		if row, err := s.BalanceFor(ctx, key); err != nil {
			return err
		} else if row != nil {
			current = row.OnHand
			balanceID = row.ID
		}

		delta := input.Counted.Sub(current)
		result.Delta = delta

		if delta.IsZero() {
			result.Outcome = VarianceNoOp
			result.Balance = StockBalance{ID: balanceID, Key: key, OnHand: current}
			return nil
		}

		txnType := TxnAdjustIncrease
		if delta.IsNegative() {
			txnType = TxnAdjustDecrease
		}

		txn := Transaction{
			ID:             TransactionID(uuid.NewString()),
			Type:           txnType,
			FacilityID:     input.FacilityID,
			StoreRoom:      input.StoreRoom,
			ItemID:         input.ItemID,
			BatchID:        input.BatchID,
			Quantity:       delta.Abs(),
			Unit:           input.Unit,
			Reason:         countVarianceReason,
			TxnAt:          countAt,
			RecordedBy:     input.CountedBy,
			IdempotencyKey: uuid.NewString(),
			CreatedAt:      r.Now(),
		}

		if err := s.AppendTransaction(ctx, txn); err != nil {
			return err
		}

		// Direct set: the observed count is authoritative, the adjustment
		// transaction is the audit record of the correction's size.
		balance := StockBalance{ID: balanceID, Key: key, OnHand: input.Counted, LastTxnAt: countAt}
		if err := s.SetBalance(ctx, balance); err != nil {
			return err
		}

		if err := EnqueueTransaction(ctx, s, txn); err != nil {
			return err
		}

		result.Outcome = VarianceAdjusted
		result.Transaction = &txn
		result.Balance = balance
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
