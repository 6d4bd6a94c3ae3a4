package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medsupply/stock-engine/ledger"
	memstore "github.com/medsupply/stock-engine/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestRecorder(t *testing.T) (*ledger.Recorder, *memstore.TxMemory) {
	t.Helper()
	store := memstore.NewTxMemory()
	rec := ledger.NewRecorder(store)
	rec.Now = func() time.Time {
		return time.Date(2026, time.August, 15, 12, 0, 0, 0, time.UTC)
	}
	return rec, store
}

func receiptInput(qty int64) ledger.TransactionInput {
	return ledger.TransactionInput{
		Type:       ledger.TxnReceipt,
		FacilityID: "fac-1",
		ItemID:     "item-amox",
		Quantity:   ledger.Qty(qty),
		Unit:       "tablet",
	}
}

// =============================================================================
// VALIDATION TESTS - Failures must write nothing
// =============================================================================

func TestRecorder_RejectsUnknownType(t *testing.T) {
	// GIVEN: An input with a transaction type outside the closed set
	// WHEN: Recording
	// THEN: A validation error names the field, and nothing was written

	rec, store := newTestRecorder(t)
	ctx := context.Background()

	input := receiptInput(10)
	input.Type = "borrow"

	_, err := rec.Record(ctx, input)

	require.Error(t, err)
	assert.True(t, ledger.IsValidation(err))
	var vErr *ledger.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "type", vErr.Field)

	assertLedgerEmpty(t, store)
}

func TestRecorder_RejectsNonPositiveQuantity(t *testing.T) {
	// GIVEN: Inputs with zero and negative quantities
	// WHEN: Recording
	// THEN: Both are rejected; quantity sign lives in the type, not the number

	rec, store := newTestRecorder(t)
	ctx := context.Background()

	for _, qty := range []int64{0, -5} {
		input := receiptInput(qty)
		_, err := rec.Record(ctx, input)
		require.Error(t, err, "quantity %d should be rejected", qty)
		assert.True(t, ledger.IsValidation(err))
	}

	assertLedgerEmpty(t, store)
}

func TestRecorder_RejectsUnparseableDate(t *testing.T) {
	// GIVEN: An input with a garbage timestamp
	// WHEN: Recording
	// THEN: Validation fails before anything is written

	rec, store := newTestRecorder(t)
	ctx := context.Background()

	input := receiptInput(10)
	input.TxnAt = "not-a-date"

	_, err := rec.Record(ctx, input)

	require.Error(t, err)
	assert.True(t, ledger.IsValidation(err))
	assertLedgerEmpty(t, store)
}

func assertLedgerEmpty(t *testing.T, store *memstore.TxMemory) {
	t.Helper()
	ctx := context.Background()
	txns, err := store.TransactionsForTuple(ctx, ledger.BalanceKey{FacilityID: "fac-1", ItemID: "item-amox"})
	require.NoError(t, err)
	assert.Empty(t, txns, "no transaction should have been written")
	pending, err := store.PendingSync(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending, "no outbox entry should have been written")
}

// =============================================================================
// RECORDING TESTS
// =============================================================================

func TestRecorder_RecordReceipt_UpdatesBalanceAndOutbox(t *testing.T) {
	// GIVEN: An empty ledger
	// WHEN: Recording a receipt of 100
	// THEN: One transaction, a balance of 100, and one outbox entry exist,
	//       and the transaction carries a generated idempotency key

	rec, store := newTestRecorder(t)
	ctx := context.Background()

	result, err := rec.Record(ctx, receiptInput(100))
	require.NoError(t, err)

	assert.True(t, ledger.Qty(100).Equal(result.Balance.OnHand))
	assert.Nil(t, result.Warning)
	assert.NotEmpty(t, result.Transaction.IdempotencyKey)

	pending, err := store.PendingSync(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ledger.SyncKindTransaction, pending[0].Kind)
}

func TestRecorder_TxnAtDefaultsToToday(t *testing.T) {
	// GIVEN: An input with an empty txn_at
	// WHEN: Recording
	// THEN: The transaction is stamped with the recorder's current time

	rec, _ := newTestRecorder(t)
	ctx := context.Background()

	result, err := rec.Record(ctx, receiptInput(10))
	require.NoError(t, err)

	assert.Equal(t, rec.Now(), result.Transaction.TxnAt)
}

func TestRecorder_DuplicateIdempotencyKey_Rejected(t *testing.T) {
	// GIVEN: A recorded transaction with an explicit idempotency key
	// WHEN: Recording again with the same key
	// THEN: The duplicate is rejected and the balance is unchanged

	rec, store := newTestRecorder(t)
	ctx := context.Background()

	input := receiptInput(100)
	input.IdempotencyKey = "client-key-1"

	_, err := rec.Record(ctx, input)
	require.NoError(t, err)

	_, err = rec.Record(ctx, input)
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)

	balance, err := store.BalanceFor(ctx, ledger.BalanceKey{FacilityID: "fac-1", ItemID: "item-amox"})
	require.NoError(t, err)
	require.NotNil(t, balance)
	assert.True(t, ledger.Qty(100).Equal(balance.OnHand), "retry must not double-apply")
}

func TestRecorder_DuplicateKey_LeavesNoSideEffects(t *testing.T) {
	// GIVEN: A recorded receipt with an explicit idempotency key
	// WHEN: Replaying it with a new lot code
	// THEN: The replay is rejected before it can create a batch or
	//       enqueue a second outbox entry

	rec, store := newTestRecorder(t)
	ctx := context.Background()

	input := receiptInput(100)
	input.IdempotencyKey = "client-key-1"
	_, err := rec.Record(ctx, input)
	require.NoError(t, err)

	replay := input
	replay.LotCode = "LOT-REPLAY"
	_, err = rec.Record(ctx, replay)
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)

	batch, err := store.BatchByLot(ctx, "item-amox", "LOT-REPLAY")
	require.NoError(t, err)
	assert.Nil(t, batch, "rejected replay must not introduce a lot")

	pending, err := store.PendingSync(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "only the original enqueue survives")

	seen, err := store.HasIdempotencyKey(ctx, "client-key-1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestRecorder_IssueBeyondStock_ClampsWithWarning(t *testing.T) {
	// GIVEN: 30 on hand
	// WHEN: Issuing 50
	// THEN: The write succeeds, the balance clamps to zero, and a warning
	//       is returned alongside the result

	rec, _ := newTestRecorder(t)
	ctx := context.Background()

	_, err := rec.Record(ctx, receiptInput(30))
	require.NoError(t, err)

	issue := receiptInput(50)
	issue.Type = ledger.TxnIssue

	result, err := rec.Record(ctx, issue)
	require.NoError(t, err, "clamp is a warning, not a failure")
	assert.True(t, result.Balance.OnHand.IsZero())
	require.NotNil(t, result.Warning)
	assert.True(t, ledger.Qty(-20).Equal(result.Warning.Attempted))
}

func TestRecorder_ReceiptIntroducesLot(t *testing.T) {
	// GIVEN: A receipt naming a lot code the system has not seen
	// WHEN: Recording
	// THEN: A batch is created and the transaction references it; a second
	//       receipt of the same lot reuses the batch

	rec, store := newTestRecorder(t)
	ctx := context.Background()

	input := receiptInput(100)
	input.LotCode = "LOT-2026-01"
	input.ExpiryDate = time.Date(2027, time.March, 1, 0, 0, 0, 0, time.UTC)

	first, err := rec.Record(ctx, input)
	require.NoError(t, err)
	require.NotZero(t, first.Transaction.BatchID)

	batch, err := store.GetBatch(ctx, first.Transaction.BatchID)
	require.NoError(t, err)
	assert.Equal(t, "LOT-2026-01", batch.LotCode)

	second, err := rec.Record(ctx, input)
	require.NoError(t, err)
	assert.Equal(t, first.Transaction.BatchID, second.Transaction.BatchID)
}

func TestRecorder_NonReceiptCannotIntroduceLot(t *testing.T) {
	// GIVEN: An issue naming a lot code that does not exist
	// WHEN: Recording
	// THEN: The movement is rejected as not found; only receipts create lots

	rec, _ := newTestRecorder(t)
	ctx := context.Background()

	input := receiptInput(10)
	input.Type = ledger.TxnIssue
	input.LotCode = "LOT-UNKNOWN"

	_, err := rec.Record(ctx, input)

	require.Error(t, err)
	assert.True(t, ledger.IsNotFound(err))
}

func TestRecorder_UnknownItemAcceptedProvisionally(t *testing.T) {
	// GIVEN: An item id the catalog has never seen
	// WHEN: Recording a movement against it
	// THEN: The movement is accepted; the catalog may simply not have synced

	rec, _ := newTestRecorder(t)
	ctx := context.Background()

	input := receiptInput(5)
	input.ItemID = "item-not-in-catalog"

	_, err := rec.Record(ctx, input)
	assert.NoError(t, err)
}

// =============================================================================
// IMMUTABILITY
// =============================================================================

func TestRecorder_HistoryIsAppendOnly(t *testing.T) {
	// GIVEN: Two recorded movements
	// WHEN: Posting a correcting count
	// THEN: The original transactions are still present and unchanged;
	//       the correction is a third entry

	rec, store := newTestRecorder(t)
	ctx := context.Background()

	_, err := rec.Record(ctx, receiptInput(100))
	require.NoError(t, err)
	issue := receiptInput(20)
	issue.Type = ledger.TxnIssue
	_, err = rec.Record(ctx, issue)
	require.NoError(t, err)

	_, err = rec.PostCountVariance(ctx, ledger.CountInput{
		FacilityID: "fac-1",
		ItemID:     "item-amox",
		Counted:    ledger.Qty(90),
	})
	require.NoError(t, err)

	txns, err := store.TransactionsForTuple(ctx, ledger.BalanceKey{FacilityID: "fac-1", ItemID: "item-amox"})
	require.NoError(t, err)
	require.Len(t, txns, 3)
	assert.Equal(t, ledger.TxnReceipt, txns[0].Type)
	assert.True(t, ledger.Qty(100).Equal(txns[0].Quantity), "original entry must be untouched")
}

// =============================================================================
// COUNT VARIANCE
// =============================================================================

func TestCountVariance_MatchingCountIsNoOp(t *testing.T) {
	// GIVEN: 100 on hand
	// WHEN: Counting exactly 100
	// THEN: The outcome is a tagged no-op; no transaction is appended

	rec, store := newTestRecorder(t)
	ctx := context.Background()

	_, err := rec.Record(ctx, receiptInput(100))
	require.NoError(t, err)

	result, err := rec.PostCountVariance(ctx, ledger.CountInput{
		FacilityID: "fac-1",
		ItemID:     "item-amox",
		Counted:    ledger.Qty(100),
	})

	require.NoError(t, err)
	assert.Equal(t, ledger.VarianceNoOp, result.Outcome)
	assert.Nil(t, result.Transaction)
	assert.True(t, result.Delta.IsZero())

	txns, err := store.TransactionsForTuple(ctx, ledger.BalanceKey{FacilityID: "fac-1", ItemID: "item-amox"})
	require.NoError(t, err)
	assert.Len(t, txns, 1, "no adjustment should have been written")
}

func TestCountVariance_SurplusRecordsOneAdjustment(t *testing.T) {
	// GIVEN: A balance of 120
	// WHEN: Counting 150
	// THEN: Exactly one adjustment_increase of 30 is recorded and the
	//       balance reads 150

	rec, store := newTestRecorder(t)
	ctx := context.Background()

	_, err := rec.Record(ctx, receiptInput(120))
	require.NoError(t, err)

	result, err := rec.PostCountVariance(ctx, ledger.CountInput{
		FacilityID: "fac-1",
		ItemID:     "item-amox",
		Counted:    ledger.Qty(150),
		CountedBy:  "storekeeper",
	})

	require.NoError(t, err)
	assert.Equal(t, ledger.VarianceAdjusted, result.Outcome)
	assert.True(t, ledger.Qty(30).Equal(result.Delta))
	require.NotNil(t, result.Transaction)
	assert.Equal(t, ledger.TxnAdjustIncrease, result.Transaction.Type)
	assert.True(t, ledger.Qty(30).Equal(result.Transaction.Quantity))
	assert.True(t, ledger.Qty(150).Equal(result.Balance.OnHand))

	balance, err := store.BalanceFor(ctx, ledger.BalanceKey{FacilityID: "fac-1", ItemID: "item-amox"})
	require.NoError(t, err)
	assert.True(t, ledger.Qty(150).Equal(balance.OnHand))
}

func TestCountVariance_ShortfallRecordsDecrease(t *testing.T) {
	// GIVEN: A balance of 100
	// WHEN: Counting 80
	// THEN: One adjustment_decrease of 20 and the balance reads 80

	rec, _ := newTestRecorder(t)
	ctx := context.Background()

	_, err := rec.Record(ctx, receiptInput(100))
	require.NoError(t, err)

	result, err := rec.PostCountVariance(ctx, ledger.CountInput{
		FacilityID: "fac-1",
		ItemID:     "item-amox",
		Counted:    ledger.Qty(80),
	})

	require.NoError(t, err)
	assert.Equal(t, ledger.TxnAdjustDecrease, result.Transaction.Type)
	assert.True(t, ledger.Qty(20).Equal(result.Transaction.Quantity))
	assert.True(t, ledger.Qty(80).Equal(result.Balance.OnHand))
}

func TestCountVariance_CountStaysFoldConsistent(t *testing.T) {
	// GIVEN: A count that reset the balance to 150
	// WHEN: Rebuilding the tuple from full history
	// THEN: The fold reproduces 150; the adjustment entry keeps the
	//       history consistent with the reset balance

	rec, store := newTestRecorder(t)
	ctx := context.Background()

	_, err := rec.Record(ctx, receiptInput(120))
	require.NoError(t, err)
	_, err = rec.PostCountVariance(ctx, ledger.CountInput{
		FacilityID: "fac-1",
		ItemID:     "item-amox",
		Counted:    ledger.Qty(150),
	})
	require.NoError(t, err)

	projector := &ledger.Projector{}
	rebuilt, _, err := projector.Rebuild(ctx, store, ledger.BalanceKey{FacilityID: "fac-1", ItemID: "item-amox"})
	require.NoError(t, err)
	assert.True(t, ledger.Qty(150).Equal(rebuilt.OnHand))
}

func TestCountVariance_NegativeCountRejected(t *testing.T) {
	// GIVEN: A physical count cannot observe a negative quantity
	// WHEN: Posting counted = -1
	// THEN: Validation fails

	rec, _ := newTestRecorder(t)
	ctx := context.Background()

	_, err := rec.PostCountVariance(ctx, ledger.CountInput{
		FacilityID: "fac-1",
		ItemID:     "item-amox",
		Counted:    ledger.Qty(-1),
	})

	require.Error(t, err)
	assert.True(t, ledger.IsValidation(err))
}
