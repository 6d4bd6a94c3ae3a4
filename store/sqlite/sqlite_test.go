package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medsupply/stock-engine/ledger"
	"github.com/medsupply/stock-engine/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func stockKey() ledger.BalanceKey {
	return ledger.BalanceKey{
		FacilityID: "fac-1",
		StoreRoom:  "main",
		ItemID:     "item-amox",
	}
}

func receiptTxn(id string, qty int64, at time.Time) ledger.Transaction {
	return ledger.Transaction{
		ID:         ledger.TransactionID(id),
		Type:       ledger.TxnReceipt,
		FacilityID: "fac-1",
		StoreRoom:  "main",
		ItemID:     "item-amox",
		Quantity:   ledger.Qty(qty),
		Unit:       "tablet",
		TxnAt:      at,
		RecordedBy: "pharm-1",
		CreatedAt:  at,
	}
}

// =============================================================================
// ITEMS AND BATCHES
// =============================================================================

func TestSQLite_ItemUpsertAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item := ledger.Item{
		ID:     "item-amox",
		Code:   "AMOX-250",
		Name:   "Amoxicillin 250mg",
		Unit:   "tablet",
		Tracer: true,
		Active: true,
	}
	require.NoError(t, store.UpsertItem(ctx, item))

	// Upsert with the same id replaces, not duplicates.
	item.Name = "Amoxicillin 250mg caps"
	item.Active = false
	require.NoError(t, store.UpsertItem(ctx, item))

	got, err := store.GetItem(ctx, "item-amox")
	require.NoError(t, err)
	assert.Equal(t, "Amoxicillin 250mg caps", got.Name)
	assert.False(t, got.Active)

	all, err := store.ListItems(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	active, err := store.ListItems(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active, "deactivated items are filtered")
}

func TestSQLite_GetItemNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetItem(context.Background(), "nope")
	assert.True(t, ledger.IsNotFound(err))
}

func TestSQLite_BatchByLotNilWhenAbsent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	got, err := store.BatchByLot(ctx, "item-amox", "LOT-1")
	require.NoError(t, err)
	assert.Nil(t, got, "absent lot is nil, not an error")

	batch := &ledger.Batch{
		ItemID:     "item-amox",
		LotCode:    "LOT-1",
		ExpiryDate: time.Date(2027, time.January, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.PutBatch(ctx, batch))
	require.NotZero(t, batch.ID, "insert assigns the local id")

	got, err = store.BatchByLot(ctx, "item-amox", "LOT-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, batch.ID, got.ID)
	assert.True(t, got.ExpiryDate.Equal(batch.ExpiryDate))
}

// =============================================================================
// BALANCES AND TRANSACTIONS
// =============================================================================

func TestSQLite_BalanceForNilMeansZero(t *testing.T) {
	store := newTestStore(t)

	got, err := store.BalanceFor(context.Background(), stockKey())
	require.NoError(t, err)
	assert.Nil(t, got, "a tuple never written has no row")
}

func TestSQLite_SetBalanceUpsertsOnTuple(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, time.August, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.SetBalance(ctx, ledger.StockBalance{
		Key: stockKey(), OnHand: ledger.Qty(100), LastTxnAt: at,
	}))
	require.NoError(t, store.SetBalance(ctx, ledger.StockBalance{
		Key: stockKey(), OnHand: ledger.Qty(70), LastTxnAt: at.Add(time.Hour),
	}))

	got, err := store.BalanceFor(ctx, stockKey())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "70", got.OnHand.String())

	all, err := store.BalancesByItem(ctx, "item-amox")
	require.NoError(t, err)
	assert.Len(t, all, 1, "one row per tuple")
}

func TestSQLite_TransactionsComeBackInTimeOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.AppendTransaction(ctx, receiptTxn("tx-2", 50, base.Add(48*time.Hour))))
	require.NoError(t, store.AppendTransaction(ctx, receiptTxn("tx-1", 100, base)))

	txns, err := store.TransactionsForTuple(ctx, stockKey())
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, ledger.TransactionID("tx-1"), txns[0].ID)
	assert.Equal(t, ledger.TransactionID("tx-2"), txns[1].ID)
}

func TestSQLite_TimeOrderSurvivesMixedPrecision(t *testing.T) {
	// GIVEN: A whole-second receipt and a later sub-second issue
	// WHEN: Reading the tuple history back
	// THEN: The receipt still comes first, so a fold never sees the issue
	//       against an empty balance

	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, time.August, 1, 10, 0, 0, 0, time.UTC)

	issue := receiptTxn("tx-issue", 40, at.Add(500*time.Millisecond))
	issue.Type = ledger.TxnIssue
	require.NoError(t, store.AppendTransaction(ctx, issue))
	require.NoError(t, store.AppendTransaction(ctx, receiptTxn("tx-receipt", 100, at)))

	txns, err := store.TransactionsForTuple(ctx, stockKey())
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, ledger.TransactionID("tx-receipt"), txns[0].ID)
	assert.Equal(t, ledger.TransactionID("tx-issue"), txns[1].ID)

	balance, _, err := (&ledger.Projector{}).Rebuild(ctx, store, stockKey())
	require.NoError(t, err)
	assert.Equal(t, "60", balance.OnHand.String())
}

func TestSQLite_RangeIncludesSubSecondAtWindowStart(t *testing.T) {
	// A transaction 300ms into the first second of the window must not
	// fall outside a whole-second lower bound.

	store := newTestStore(t)
	ctx := context.Background()
	windowStart := time.Date(2026, time.May, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.AppendTransaction(ctx,
		receiptTxn("tx-sub", 10, windowStart.Add(300*time.Millisecond))))

	txns, err := store.TransactionsByItemInRange(ctx, "item-amox",
		windowStart, windowStart.AddDate(0, 1, 0))
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, ledger.TransactionID("tx-sub"), txns[0].ID)
	assert.True(t, txns[0].TxnAt.Equal(windowStart.Add(300*time.Millisecond)),
		"sub-second precision survives the round trip")
}

func TestSQLite_TransactionsByItemInRange(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, time.June, 15, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.AppendTransaction(ctx, receiptTxn("tx-jun", 10, base)))
	require.NoError(t, store.AppendTransaction(ctx, receiptTxn("tx-jul", 20, base.AddDate(0, 1, 0))))

	from := time.Date(2026, time.July, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, time.July, 31, 23, 59, 59, 0, time.UTC)
	txns, err := store.TransactionsByItemInRange(ctx, "item-amox", from, to)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, ledger.TransactionID("tx-jul"), txns[0].ID)
}

func TestSQLite_DuplicateIdempotencyKeyRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)

	first := receiptTxn("tx-1", 100, at)
	first.IdempotencyKey = "key-1"
	require.NoError(t, store.AppendTransaction(ctx, first))

	second := receiptTxn("tx-2", 100, at)
	second.IdempotencyKey = "key-1"
	err := store.AppendTransaction(ctx, second)
	assert.True(t, errors.Is(err, ledger.ErrDuplicateIdempotencyKey))

	has, err := store.HasIdempotencyKey(ctx, "key-1")
	require.NoError(t, err)
	assert.True(t, has)
}

// =============================================================================
// TRANSACTIONAL BOUNDARY
// =============================================================================

func TestSQLite_WithTxRollsBackOnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(s ledger.Store) error {
		if err := s.AppendTransaction(ctx, receiptTxn("tx-1", 100, at)); err != nil {
			return err
		}
		if err := s.SetBalance(ctx, ledger.StockBalance{Key: stockKey(), OnHand: ledger.Qty(100), LastTxnAt: at}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	txns, err := store.TransactionsForTuple(ctx, stockKey())
	require.NoError(t, err)
	assert.Empty(t, txns, "rolled back append must leave no rows")

	balance, err := store.BalanceFor(ctx, stockKey())
	require.NoError(t, err)
	assert.Nil(t, balance)
}

func TestSQLite_WithTxCommitsOnSuccess(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	recorder := ledger.NewRecorder(store)
	recorder.Now = func() time.Time { return time.Date(2026, time.August, 15, 12, 0, 0, 0, time.UTC) }

	result, err := recorder.Record(ctx, ledger.TransactionInput{
		Type:       ledger.TxnReceipt,
		FacilityID: "fac-1",
		StoreRoom:  "main",
		ItemID:     "item-amox",
		LotCode:    "LOT-1",
		ExpiryDate: time.Date(2027, time.January, 1, 0, 0, 0, 0, time.UTC),
		Quantity:   ledger.Qty(100),
		Unit:       "tablet",
		RecordedBy: "pharm-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "100", result.Balance.OnHand.String())

	// The full write set landed: batch, transaction, balance, outbox entry.
	batch, err := store.BatchByLot(ctx, "item-amox", "LOT-1")
	require.NoError(t, err)
	require.NotNil(t, batch)

	txns, err := store.TransactionsForTuple(ctx, ledger.BalanceKey{
		FacilityID: "fac-1", StoreRoom: "main", ItemID: "item-amox", BatchID: batch.ID,
	})
	require.NoError(t, err)
	assert.Len(t, txns, 1)

	pending, err := store.PendingSync(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ledger.SyncKindTransaction, pending[0].Kind)
}

// =============================================================================
// RRF PERSISTENCE
// =============================================================================

func TestSQLite_RrfRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, time.August, 15, 12, 0, 0, 0, time.UTC)

	header := &ledger.RrfHeader{
		FacilityID: "fac-1",
		ProgramID:  "essential-medicines",
		Period:     "2026-08",
		Status:     ledger.RrfDraft,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, store.PutRrfHeader(ctx, header))
	require.NotZero(t, header.LocalID)

	line := &ledger.RrfLine{
		RrfLocalID: header.LocalID,
		ItemID:     "item-amox",
		SOH:        ledger.Qty(300),
		AMC:        ledger.Qty(100),
		Suggested:  ledger.Qty(300),
		Final:      ledger.Qty(300),
	}
	require.NoError(t, store.PutRrfLine(ctx, line))
	require.NotZero(t, line.LocalID)

	got, err := store.GetRrfHeader(ctx, header.LocalID)
	require.NoError(t, err)
	assert.Equal(t, ledger.RrfDraft, got.Status)
	assert.Equal(t, "2026-08", got.Period)

	// Status update goes through the same upsert.
	got.Status = ledger.RrfValidated
	require.NoError(t, store.PutRrfHeader(ctx, got))

	validated, err := store.RrfHeadersByStatus(ctx, ledger.RrfValidated)
	require.NoError(t, err)
	require.Len(t, validated, 1)
	assert.Equal(t, header.LocalID, validated[0].LocalID)

	lines, err := store.RrfLines(ctx, header.LocalID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "300", lines[0].Suggested.String())
}

func TestSQLite_GetRrfHeaderNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetRrfHeader(context.Background(), 999)
	assert.True(t, ledger.IsNotFound(err))
}

// =============================================================================
// SYNC QUEUE
// =============================================================================

func TestSQLite_SyncQueueAckAndBump(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := &ledger.SyncQueueItem{Kind: ledger.SyncKindTransaction, Payload: []byte(`{"a":1}`)}
	second := &ledger.SyncQueueItem{Kind: ledger.SyncKindRrf, Payload: []byte(`{"b":2}`)}
	require.NoError(t, store.Enqueue(ctx, first))
	require.NoError(t, store.Enqueue(ctx, second))
	require.NotZero(t, first.ID)

	require.NoError(t, store.BumpRetry(ctx, second.ID))
	require.NoError(t, store.Ack(ctx, first.ID))

	pending, err := store.PendingSync(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)
	assert.Equal(t, 1, pending[0].Retries)
	assert.JSONEq(t, `{"b":2}`, string(pending[0].Payload))
}

// =============================================================================
// RESET
// =============================================================================

func TestSQLite_ResetClearsEverything(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.UpsertItem(ctx, ledger.Item{ID: "item-amox", Code: "AMOX-250", Name: "Amoxicillin", Active: true}))
	require.NoError(t, store.AppendTransaction(ctx, receiptTxn("tx-1", 100, at)))
	require.NoError(t, store.SetBalance(ctx, ledger.StockBalance{Key: stockKey(), OnHand: ledger.Qty(100), LastTxnAt: at}))
	require.NoError(t, store.Enqueue(ctx, &ledger.SyncQueueItem{Kind: ledger.SyncKindTransaction, Payload: []byte("{}")}))

	require.NoError(t, store.Reset(ctx))

	items, err := store.ListItems(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, items)

	txns, err := store.TransactionsForTuple(ctx, stockKey())
	require.NoError(t, err)
	assert.Empty(t, txns)

	pending, err := store.PendingSync(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
