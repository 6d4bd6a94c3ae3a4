/*
metrics.go - AMC, MOS, and alert classification

PURPOSE:
  Computes supply-planning metrics from transaction history and balances.

AMC (Average Monthly Consumption):
  Over a window of the N most recently COMPLETED calendar months (the
  current partial month is excluded): sum issue quantities per month,
  zero-filling months with no issues. The denominator is the count of
  non-zero months; when every sampled month is zero it falls back to N,
  so an all-zero window yields AMC = 0 rather than undefined. AMC is
  undefined only when N itself is zero. The non-zero-month denominator
  avoids diluting AMC by months with no recorded activity; the source
  data cannot distinguish "no data" from "confirmed zero", so both are
  zero-filled identically.

MOS (Months of Stock):
  SOH / AMC when AMC is positive. Otherwise UNDEFINED - its own case,
  distinct from MOS = 0 and from infinity. Callers must check Defined.

ALERTS:
  Evaluated independently per item; an item may trigger several at once.
  Thresholds come from Thresholds, never from literals at call sites.
  The expiry alert covers batches expiring within the window but not yet
  expired; already-expired batches raise the separate, more severe
  "expired" alert.
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// THRESHOLDS - Externally configurable, never hard-coded at call sites
// =============================================================================

type Thresholds struct {
	MinMOS           decimal.Decimal // below this (and above 0): understock
	MaxMOS           decimal.Decimal // above this: overstock
	ExpiryWindowDays int             // expiry alert horizon
	AMCWindowMonths  int             // completed months sampled for AMC
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MinMOS:           decimal.NewFromInt(1),
		MaxMOS:           decimal.NewFromInt(6),
		ExpiryWindowDays: 90,
		AMCWindowMonths:  3,
	}
}

// =============================================================================
// METRIC VALUES - "Undefined" is a first-class case
// =============================================================================

// Metric is a decimal value that may be undefined. Undefined is not zero
// and not infinite; callers branch on Defined.
type Metric struct {
	Value   decimal.Decimal
	Defined bool
}

func DefinedMetric(v decimal.Decimal) Metric { return Metric{Value: v, Defined: true} }
func UndefinedMetric() Metric                { return Metric{} }

// =============================================================================
// ALERTS
// =============================================================================

type AlertKind string

const (
	AlertStockout   AlertKind = "stockout"
	AlertUnderstock AlertKind = "understock"
	AlertOverstock  AlertKind = "overstock"
	AlertExpiry     AlertKind = "expiry"  // expiring within the window, not yet expired
	AlertExpired    AlertKind = "expired" // expiry date already passed
)

type Alert struct {
	Kind   AlertKind
	ItemID ItemID
	SOH    decimal.Decimal
	MOS    Metric
	Batch  *Batch // set for expiry/expired alerts
}

// =============================================================================
// METRIC ENGINE
// =============================================================================

// Engine computes AMC, MOS, and alert classifications. Read-only: it
// never writes to the store.
type Engine struct {
	Store      Store
	Thresholds Thresholds

	// Now is injectable for tests; defaults to time.Now (UTC).
	Now func() time.Time
}

func NewEngine(store Store, t Thresholds) *Engine {
	return &Engine{
		Store:      store,
		Thresholds: t,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

// AMC computes average monthly consumption for an item over the months
// most recently completed calendar months. Undefined only when months
// is zero or negative.
func (e *Engine) AMC(ctx context.Context, itemID ItemID, months int) (Metric, error) {
	if months <= 0 {
		return UndefinedMetric(), nil
	}

	now := e.Now()
	from, to := MonthWindow(now, months)

	txns, err := e.Store.TransactionsByItemInRange(ctx, itemID, from, to)
	if err != nil {
		return UndefinedMetric(), err
	}

	// Zero-fill every sampled month, then bucket issue quantities.
	sums := make(map[MonthKey]decimal.Decimal, months)
	keys := CompletedMonths(now, months)
	for _, k := range keys {
		sums[k] = decimal.Zero
	}
	for _, txn := range txns {
		if txn.Type != TxnIssue {
			continue
		}
		k := MonthKeyOf(txn.TxnAt)
		if _, ok := sums[k]; !ok {
			continue
		}
		sums[k] = sums[k].Add(txn.Quantity)
	}

	total := decimal.Zero
	nonZero := 0
	for _, k := range keys {
		total = total.Add(sums[k])
		if sums[k].IsPositive() {
			nonZero++
		}
	}

	denominator := nonZero
	if denominator == 0 {
		denominator = months // all-zero window yields 0/N = 0, not undefined
	}
	return DefinedMetric(total.Div(decimal.NewFromInt(int64(denominator)))), nil
}

// SOH sums an item's balance rows across all tuples. Absent rows mean
// zero on hand, not an error.
func (e *Engine) SOH(ctx context.Context, itemID ItemID) (decimal.Decimal, error) {
	balances, err := e.Store.BalancesByItem(ctx, itemID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, b := range balances {
		total = total.Add(b.OnHand)
	}
	return total, nil
}

// MOS computes months of stock: SOH / AMC, defined only when AMC is a
// positive number.
func (e *Engine) MOS(ctx context.Context, itemID ItemID) (Metric, error) {
	amc, err := e.AMC(ctx, itemID, e.Thresholds.AMCWindowMonths)
	if err != nil {
		return UndefinedMetric(), err
	}
	if !amc.Defined || !amc.Value.IsPositive() {
		return UndefinedMetric(), nil
	}
	soh, err := e.SOH(ctx, itemID)
	if err != nil {
		return UndefinedMetric(), err
	}
	return DefinedMetric(soh.Div(amc.Value)), nil
}

// AlertsForItem classifies one item. Alerts are independent; several may
// fire at once.
func (e *Engine) AlertsForItem(ctx context.Context, itemID ItemID) ([]Alert, error) {
	soh, err := e.SOH(ctx, itemID)
	if err != nil {
		return nil, err
	}
	mos, err := e.MOS(ctx, itemID)
	if err != nil {
		return nil, err
	}

	var alerts []Alert

	if soh.IsZero() || (mos.Defined && !mos.Value.IsPositive()) {
		alerts = append(alerts, Alert{Kind: AlertStockout, ItemID: itemID, SOH: soh, MOS: mos})
	}
	if mos.Defined && mos.Value.IsPositive() && mos.Value.LessThan(e.Thresholds.MinMOS) {
		alerts = append(alerts, Alert{Kind: AlertUnderstock, ItemID: itemID, SOH: soh, MOS: mos})
	}
	if mos.Defined && mos.Value.GreaterThan(e.Thresholds.MaxMOS) {
		alerts = append(alerts, Alert{Kind: AlertOverstock, ItemID: itemID, SOH: soh, MOS: mos})
	}

	now := e.Now()
	batches, err := e.Store.BatchesByItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	for i := range batches {
		b := batches[i]
		switch {
		case b.Expired(now):
			alerts = append(alerts, Alert{Kind: AlertExpired, ItemID: itemID, SOH: soh, MOS: mos, Batch: &b})
		case b.ExpiresWithin(now, e.Thresholds.ExpiryWindowDays):
			alerts = append(alerts, Alert{Kind: AlertExpiry, ItemID: itemID, SOH: soh, MOS: mos, Batch: &b})
		}
	}

	return alerts, nil
}

// ListAlerts classifies every active catalog item.
func (e *Engine) ListAlerts(ctx context.Context) ([]Alert, error) {
	items, err := e.Store.ListItems(ctx, true)
	if err != nil {
		return nil, err
	}
	var all []Alert
	for _, item := range items {
		alerts, err := e.AlertsForItem(ctx, item.ID)
		if err != nil {
			return nil, err
		}
		all = append(all, alerts...)
	}
	return all, nil
}
