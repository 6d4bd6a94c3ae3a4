/*
projector.go - Stock balance derivation

PURPOSE:
  Keeps StockBalance rows consistent with transaction history. Two modes:

  Incremental (ApplyIncrement): fold one newly recorded transaction into
  the tuple's current balance. Hot path, invoked by the recorder.

  Full rebuild (Rebuild): re-derive a balance by folding the tuple's
  entire date-ordered history from zero. Recovery and audit.

ROUND-TRIP GUARANTEE:
  Both modes run through the same Fold function, parameterized only by
  the seed balance (current value for increment, zero for rebuild). Given
  a complete history, rebuild therefore produces the same balance as
  applying each transaction incrementally in order - by construction, not
  by coincidence.

CLAMPING:
  A fold step that would take the balance below zero clamps it to zero
  and reports a NegativeBalanceWarning. The write still succeeds; the
  warning indicates a data-entry or sequencing problem for the caller to
  surface. The sign convention and clamping rule are identical in both
  modes.
*/
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// Projector derives StockBalance rows from transaction history.
type Projector struct{}

// Fold applies transactions to a seed balance using the type sign table,
// clamping at zero. It returns the resulting balance and the transaction
// that first triggered a clamp, if any.
func Fold(seed decimal.Decimal, txns []Transaction) (decimal.Decimal, *Transaction) {
	balance := seed
	var clampedBy *Transaction
	for i := range txns {
		next := balance.Add(txns[i].Type.SignedQuantity(txns[i].Quantity))
		if next.IsNegative() {
			if clampedBy == nil {
				clampedBy = &txns[i]
			}
			next = decimal.Zero
		}
		balance = next
	}
	return balance, clampedBy
}

// ApplyIncrement folds a newly recorded transaction into the balance row
// for its tuple, creating the row if absent. Returns the updated balance
// and a non-nil warning when clamping occurred.
func (p *Projector) ApplyIncrement(ctx context.Context, s Store, txn Transaction) (StockBalance, *NegativeBalanceWarning, error) {
	key := txn.Tuple()

	current, err := s.BalanceFor(ctx, key)
	if err != nil {
		return StockBalance{}, nil, err
	}

	seed := decimal.Zero
	var id int64
	if current != nil {
		seed = current.OnHand
		id = current.ID
	}

	onHand, clampedBy := Fold(seed, []Transaction{txn})

	var warning *NegativeBalanceWarning
	if clampedBy != nil {
		warning = &NegativeBalanceWarning{
			Key:       key,
			Attempted: seed.Add(txn.Type.SignedQuantity(txn.Quantity)),
			TxnID:     txn.ID,
			At:        txn.TxnAt,
		}
	}

	balance := StockBalance{ID: id, Key: key, OnHand: onHand, LastTxnAt: txn.TxnAt}
	if err := s.SetBalance(ctx, balance); err != nil {
		return StockBalance{}, nil, err
	}
	return balance, warning, nil
}

// Rebuild re-derives a tuple's balance by folding its full history from
// zero, then persists the result. Produces the same value as incremental
// application when the history is complete.
func (p *Projector) Rebuild(ctx context.Context, s Store, key BalanceKey) (StockBalance, *NegativeBalanceWarning, error) {
	txns, err := s.TransactionsForTuple(ctx, key)
	if err != nil {
		return StockBalance{}, nil, err
	}

	onHand, clampedBy := Fold(decimal.Zero, txns)

	var warning *NegativeBalanceWarning
	if clampedBy != nil {
		warning = &NegativeBalanceWarning{
			Key:   key,
			TxnID: clampedBy.ID,
			At:    clampedBy.TxnAt,
		}
	}

	balance := StockBalance{Key: key, OnHand: onHand}
	if len(txns) > 0 {
		balance.LastTxnAt = txns[len(txns)-1].TxnAt
	}
	if current, err := s.BalanceFor(ctx, key); err == nil && current != nil {
		balance.ID = current.ID
	}
	if err := s.SetBalance(ctx, balance); err != nil {
		return StockBalance{}, nil, err
	}
	return balance, warning, nil
}
