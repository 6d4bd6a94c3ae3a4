/*
errors.go - Centralized error types for the stock-ledger engine

PURPOSE:
  All error types in one place. Callers match with errors.Is/errors.As;
  the API layer maps these onto HTTP statuses.

ERROR CATEGORIES:
  1. Validation errors - malformed input to the recorder
  2. Not-found errors  - missing items/batches/balances
  3. Storage errors    - persistence-level failures
  4. Workflow errors   - RRF status machine violations

NOTE ON WARNINGS:
  NegativeBalanceWarning is NOT an error. Incremental projection clamps a
  would-be-negative balance to zero and returns the warning alongside the
  successful result, so callers can surface it without failing the write.
*/
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the base class for malformed recorder input
	// (quantity <= 0, unknown type, unparseable date).
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a referenced record is absent. Balance
	// lookups treat absence as zero, not as this error.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateIdempotencyKey is returned when a transaction with the
	// same idempotency key already exists. Expected behavior for retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrStorageFailure wraps persistence-level write rejections (quota,
	// corruption). The recorder guarantees no partial state was committed.
	ErrStorageFailure = errors.New("storage failure")

	// ErrInvalidStatusTransition is returned when an RRF status change
	// does not follow the linear draft -> validated -> approved -> submitted
	// progression.
	ErrInvalidStatusTransition = errors.New("invalid status transition")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes which field of a recorder input was rejected.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError names the missing record.
type NotFoundError struct {
	Collection string
	Key        string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Collection, e.Key)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// StorageError wraps an underlying persistence failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return ErrStorageFailure }

// =============================================================================
// NEGATIVE BALANCE WARNING - Surfaced, never thrown
// =============================================================================

// NegativeBalanceWarning reports that applying a transaction would have
// driven a balance below zero. The balance was clamped to zero; the write
// succeeded. This indicates a data-entry or sequencing problem upstream.
type NegativeBalanceWarning struct {
	Key       BalanceKey
	Attempted decimal.Decimal // the balance that would have resulted
	TxnID     TransactionID
	At        time.Time
}

func (w *NegativeBalanceWarning) String() string {
	return fmt.Sprintf("balance for item %s clamped to zero (would have been %s, txn %s)",
		w.Key.ItemID, w.Attempted.String(), w.TxnID)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
func IsNotFound(err error) bool   { return errors.Is(err, ErrNotFound) }

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrInvalidStatusTransition)
}
