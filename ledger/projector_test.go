package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medsupply/stock-engine/ledger"
	memstore "github.com/medsupply/stock-engine/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func testKey() ledger.BalanceKey {
	return ledger.BalanceKey{FacilityID: "fac-1", ItemID: "item-amox", BatchID: 0}
}

func movement(txnType ledger.TxnType, qty int64, at time.Time) ledger.Transaction {
	return ledger.Transaction{
		ID:         ledger.TransactionID("tx-" + string(txnType) + at.Format("20060102150405")),
		Type:       txnType,
		FacilityID: "fac-1",
		ItemID:     "item-amox",
		Quantity:   ledger.Qty(qty),
		TxnAt:      at,
		CreatedAt:  at,
	}
}

// =============================================================================
// FOLD TESTS
// =============================================================================

func TestFold_SignConvention(t *testing.T) {
	// GIVEN: A receipt of 100, an issue of 30, and a return of 5
	// WHEN: Folding from zero
	// THEN: The balance is 100 - 30 + 5 = 75

	base := time.Date(2026, time.May, 1, 0, 0, 0, 0, time.UTC)
	txns := []ledger.Transaction{
		movement(ledger.TxnReceipt, 100, base),
		movement(ledger.TxnIssue, 30, base.Add(time.Hour)),
		movement(ledger.TxnReturn, 5, base.Add(2*time.Hour)),
	}

	balance, clampedBy := ledger.Fold(decimal.Zero, txns)

	assert.True(t, ledger.Qty(75).Equal(balance), "expected 75, got %s", balance)
	assert.Nil(t, clampedBy, "no clamp should have occurred")
}

func TestFold_ClampsAtZero(t *testing.T) {
	// GIVEN: An issue larger than the balance on hand
	// WHEN: Folding
	// THEN: The balance clamps to zero and the clamping transaction is reported

	base := time.Date(2026, time.May, 1, 0, 0, 0, 0, time.UTC)
	receipt := movement(ledger.TxnReceipt, 10, base)
	bigIssue := movement(ledger.TxnIssue, 25, base.Add(time.Hour))

	balance, clampedBy := ledger.Fold(decimal.Zero, []ledger.Transaction{receipt, bigIssue})

	assert.True(t, balance.IsZero(), "balance should clamp to zero, got %s", balance)
	require.NotNil(t, clampedBy)
	assert.Equal(t, bigIssue.ID, clampedBy.ID)
}

func TestFold_ContinuesAfterClamp(t *testing.T) {
	// GIVEN: A clamping issue followed by another receipt
	// WHEN: Folding
	// THEN: Later movements apply on top of the clamped zero

	base := time.Date(2026, time.May, 1, 0, 0, 0, 0, time.UTC)
	txns := []ledger.Transaction{
		movement(ledger.TxnIssue, 40, base),
		movement(ledger.TxnReceipt, 60, base.Add(time.Hour)),
	}

	balance, clampedBy := ledger.Fold(decimal.Zero, txns)

	assert.True(t, ledger.Qty(60).Equal(balance))
	assert.NotNil(t, clampedBy)
}

// =============================================================================
// INCREMENTAL / REBUILD AGREEMENT
// =============================================================================

func TestProjector_RoundTrip_IncrementalEqualsRebuild(t *testing.T) {
	// GIVEN: A sequence of movements applied incrementally
	// WHEN: Rebuilding the same tuple from full history
	// THEN: The rebuilt balance equals the incrementally maintained one

	store := memstore.NewTxMemory()
	projector := &ledger.Projector{}
	ctx := context.Background()

	base := time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC)
	txns := []ledger.Transaction{
		movement(ledger.TxnReceipt, 200, base),
		movement(ledger.TxnIssue, 45, base.AddDate(0, 0, 3)),
		movement(ledger.TxnTransfer, 20, base.AddDate(0, 0, 7)),
		movement(ledger.TxnReturn, 5, base.AddDate(0, 0, 10)),
		movement(ledger.TxnLoss, 2, base.AddDate(0, 0, 12)),
	}

	var incremental ledger.StockBalance
	for _, txn := range txns {
		require.NoError(t, store.AppendTransaction(ctx, txn))
		b, warning, err := projector.ApplyIncrement(ctx, store, txn)
		require.NoError(t, err)
		assert.Nil(t, warning)
		incremental = b
	}

	rebuilt, warning, err := projector.Rebuild(ctx, store, testKey())
	require.NoError(t, err)
	assert.Nil(t, warning)

	assert.True(t, incremental.OnHand.Equal(rebuilt.OnHand),
		"incremental %s != rebuilt %s", incremental.OnHand, rebuilt.OnHand)
	assert.True(t, ledger.Qty(138).Equal(rebuilt.OnHand))
}

func TestProjector_ApplyIncrement_WarnsOnClamp(t *testing.T) {
	// GIVEN: An empty tuple
	// WHEN: Applying an issue of 10
	// THEN: The balance is zero and a NegativeBalanceWarning is returned
	//       alongside the successful write

	store := memstore.NewTxMemory()
	projector := &ledger.Projector{}
	ctx := context.Background()

	issue := movement(ledger.TxnIssue, 10, time.Date(2026, time.May, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, store.AppendTransaction(ctx, issue))

	balance, warning, err := projector.ApplyIncrement(ctx, store, issue)

	require.NoError(t, err, "clamping is a warning, not an error")
	assert.True(t, balance.OnHand.IsZero())
	require.NotNil(t, warning)
	assert.Equal(t, issue.ID, warning.TxnID)
	assert.True(t, ledger.Qty(-10).Equal(warning.Attempted))
}

func TestProjector_Rebuild_PreservesRowIdentity(t *testing.T) {
	// GIVEN: An existing balance row for the tuple
	// WHEN: Rebuilding
	// THEN: The row keeps its id; no second row is created

	store := memstore.NewTxMemory()
	projector := &ledger.Projector{}
	ctx := context.Background()

	receipt := movement(ledger.TxnReceipt, 50, time.Date(2026, time.May, 3, 0, 0, 0, 0, time.UTC))
	require.NoError(t, store.AppendTransaction(ctx, receipt))
	first, _, err := projector.ApplyIncrement(ctx, store, receipt)
	require.NoError(t, err)

	rebuilt, _, err := projector.Rebuild(ctx, store, testKey())
	require.NoError(t, err)

	assert.Equal(t, first.ID, rebuilt.ID)
	balances, err := store.BalancesByItem(ctx, "item-amox")
	require.NoError(t, err)
	assert.Len(t, balances, 1)
}
