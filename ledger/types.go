/*
Package ledger is the core stock-ledger engine.

PURPOSE:
  This package contains the domain types and algorithms for a local-first
  pharmaceutical stock ledger: an append-only transaction log, the stock
  balance projection derived from it, and the supply-planning metrics
  (AMC, MOS, alerts) computed on top.

KEY CONCEPTS IN THIS FILE (types.go):
  - TxnType: closed set of movement kinds with a sign convention table
  - Transaction: an immutable ledger entry recording a stock movement
  - Item / Batch: catalog reference data (items synced from upstream,
    batches created on receipt)
  - StockBalance: current quantity on hand for a (facility, store, item,
    batch) tuple, derived from transactions
  - BalanceKey: the tuple identity a balance row is keyed by

DESIGN PRINCIPLES:
  1. Immutability: transactions are never modified; corrections are new
     transactions (a count variance posts an adjustment, never an edit)
  2. Precision: quantities use decimal.Decimal, never float64
  3. One sign table: the effect of a movement on balance lives in txnSign,
     not in scattered branches

SEE ALSO:
  - recorder.go: the single writer of ledger history
  - projector.go: balance derivation (incremental and full rebuild)
  - metrics.go: AMC/MOS/alert computation
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	ItemID        string // origin-assigned stable catalog key
	FacilityID    string
	BatchID       int64 // local auto key, 0 = no batch
	TransactionID string
)

// =============================================================================
// TRANSACTION TYPES - Closed set with sign convention
// =============================================================================

type TxnType string

const (
	TxnReceipt        TxnType = "receipt"
	TxnIssue          TxnType = "issue"
	TxnReturn         TxnType = "return"
	TxnTransfer       TxnType = "transfer" // outbound from the recording facility
	TxnAdjustIncrease TxnType = "adjustment_increase"
	TxnAdjustDecrease TxnType = "adjustment_decrease"
	TxnLoss           TxnType = "loss"
	TxnDiscard        TxnType = "discard"
)

// txnSign encodes the effect of each movement kind on stock on hand.
// Adding a type is a one-place change here, not a hunt through call sites.
var txnSign = map[TxnType]int{
	TxnReceipt:        +1,
	TxnReturn:         +1,
	TxnAdjustIncrease: +1,
	TxnIssue:          -1,
	TxnTransfer:       -1,
	TxnAdjustDecrease: -1,
	TxnLoss:           -1,
	TxnDiscard:        -1,
}

// Valid reports whether t is one of the enumerated movement kinds.
func (t TxnType) Valid() bool {
	_, ok := txnSign[t]
	return ok
}

// Sign returns +1 or -1 for the effect on balance. Panics on unknown types;
// callers validate with Valid() first (the recorder always does).
func (t TxnType) Sign() int {
	s, ok := txnSign[t]
	if !ok {
		panic("ledger: sign of unknown transaction type " + string(t))
	}
	return s
}

// SignedQuantity returns the quantity with the type's sign applied.
func (t TxnType) SignedQuantity(qty decimal.Decimal) decimal.Decimal {
	if t.Sign() < 0 {
		return qty.Neg()
	}
	return qty
}

// =============================================================================
// TRANSACTION - Immutable ledger entry
// =============================================================================

// Transaction is an immutable, timestamped stock movement.
//
// INVARIANTS:
//   - Quantity > 0 for all types; the sign of the effect is implied by Type
//   - Once written, never updated or deleted; corrections are new transactions
type Transaction struct {
	ID       TransactionID
	RemoteID string // populated after upload to the system of record

	Type       TxnType
	FacilityID FacilityID
	StoreRoom  string // optional store subdivision within the facility
	ItemID     ItemID
	BatchID    BatchID // 0 when the movement is not lot-specific

	Quantity decimal.Decimal // positive magnitude
	Unit     string

	Reason      string
	Source      string // transfers: where stock came from
	Destination string // transfers: where stock went
	DocumentRef string // external document reference (GRN, voucher, ...)

	TxnAt      time.Time // when the movement happened
	RecordedBy string

	FEFOOverride       bool
	FEFOOverrideReason string

	IdempotencyKey string
	CreatedAt      time.Time
}

// Tuple returns the balance tuple this transaction affects.
func (t Transaction) Tuple() BalanceKey {
	return BalanceKey{
		FacilityID: t.FacilityID,
		StoreRoom:  t.StoreRoom,
		ItemID:     t.ItemID,
		BatchID:    t.BatchID,
	}
}

// =============================================================================
// ITEM - Catalog entry, read-only from the ledger's perspective
// =============================================================================

// Item is a trackable product from the upstream catalog. Items are created
// and updated only by catalog sync; they are never hard-deleted, only
// soft-deactivated via Active=false.
type Item struct {
	ID            ItemID
	Code          string
	Name          string
	Strength      string
	Form          string
	PackSize      string
	Unit          string
	Program       string
	Tracer        bool
	GTIN          string
	Active        bool
	EffectiveFrom time.Time
	EffectiveTo   time.Time // zero = open-ended
	UpdatedAt     time.Time
}

// =============================================================================
// BATCH - A specific lot with an expiry date
// =============================================================================

// Batch is created when a receipt introduces a new lot. Subsequent
// transactions reference it, never mutate it.
type Batch struct {
	ID           BatchID
	ItemID       ItemID
	LotCode      string
	ExpiryDate   time.Time
	Manufacturer string
	UpdatedAt    time.Time
}

// ExpiresWithin reports whether the batch is not yet expired but will be
// within the window: now <= expiry <= now+days.
func (b Batch) ExpiresWithin(now time.Time, days int) bool {
	if b.ExpiryDate.IsZero() {
		return false
	}
	return !b.ExpiryDate.Before(now) && !b.ExpiryDate.After(now.AddDate(0, 0, days))
}

// Expired reports whether the batch's expiry date has passed.
func (b Batch) Expired(now time.Time) bool {
	return !b.ExpiryDate.IsZero() && b.ExpiryDate.Before(now)
}

// =============================================================================
// STOCK BALANCE - Derived quantity on hand per tuple
// =============================================================================

// BalanceKey identifies the tuple a StockBalance row is keyed by.
// At most one balance row exists per distinct key.
type BalanceKey struct {
	FacilityID FacilityID
	StoreRoom  string
	ItemID     ItemID
	BatchID    BatchID
}

// StockBalance is the current quantity on hand for a tuple. It is derived
// state: OnHand equals the signed sum of all transactions for the tuple
// since the last count reset. Only the projector (or an explicit count
// reset) writes it.
type StockBalance struct {
	ID        int64
	Key       BalanceKey
	OnHand    decimal.Decimal
	LastTxnAt time.Time
}

// =============================================================================
// QUANTITY HELPERS
// =============================================================================

func Qty(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// MustQty parses "12.5"-style strings in tests and fixtures.
func MustQty(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic("ledger: bad quantity literal " + s)
	}
	return d
}
