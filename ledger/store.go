/*
store.go - Persistence interface for the ledger collections

PURPOSE:
  Defines the interface between the engine and durable local storage.
  Different implementations can use SQLite or in-memory maps; the engine
  never touches a database directly.

COLLECTIONS:
  items, batches, stockBalances, transactions, rrfHeaders, rrfLines,
  syncQueue. Each has keyed put/get plus the indexed queries the engine
  needs; all mutations are durable before the call returns.

APPEND-ONLY CONTRACT:
  Transactions have AppendTransaction and read methods only. No update,
  no delete. Corrections are new transactions. The sole delete-shaped
  operation in the whole interface is Reset, an administrative wipe used
  by tests and the dev reset endpoint.

ATOMICITY:
  TxStore.WithTx runs a function against a transactional view: either
  every write inside commits, or none do. The recorder uses this so a
  movement's transaction row, balance update, and outbox entry land
  together.

IMPLEMENTATIONS:
  - ledger/store/memory.go: in-memory, for tests and dev
  - store/sqlite/sqlite.go: production SQLite (WAL)
*/
package ledger

import (
	"context"
	"time"
)

// Store is durable, indexed local persistence for the ledger collections.
// It carries no business logic.
type Store interface {
	// --- items (catalog, upserted by sync, read-only otherwise) ---

	// UpsertItem inserts or replaces an item by its stable id.
	UpsertItem(ctx context.Context, item Item) error
	// GetItem returns the item or a NotFoundError.
	GetItem(ctx context.Context, id ItemID) (*Item, error)
	// ListItems returns catalog items, optionally only active ones.
	ListItems(ctx context.Context, activeOnly bool) ([]Item, error)

	// --- batches ---

	// PutBatch stores a batch, assigning a local id when absent.
	PutBatch(ctx context.Context, b *Batch) error
	// GetBatch returns the batch or a NotFoundError.
	GetBatch(ctx context.Context, id BatchID) (*Batch, error)
	// BatchByLot finds an item's batch by lot code; nil when absent.
	BatchByLot(ctx context.Context, itemID ItemID, lot string) (*Batch, error)
	// BatchesByItem returns all batches for an item.
	BatchesByItem(ctx context.Context, itemID ItemID) ([]Batch, error)

	// --- stock balances (written only by the projector / count reset) ---

	// BalanceFor returns the balance row for a tuple; nil when absent
	// (absence means zero on hand, not an error).
	BalanceFor(ctx context.Context, key BalanceKey) (*StockBalance, error)
	// SetBalance upserts the single balance row for a tuple.
	SetBalance(ctx context.Context, b StockBalance) error
	// BalancesByItem returns all balance rows for an item across tuples.
	BalancesByItem(ctx context.Context, itemID ItemID) ([]StockBalance, error)

	// --- transactions (append-only ledger) ---

	// AppendTransaction persists a transaction. Returns
	// ErrDuplicateIdempotencyKey if the idempotency key exists.
	// This is the ONLY write operation on the transaction collection.
	AppendTransaction(ctx context.Context, txn Transaction) error
	// TransactionsForTuple returns a tuple's full history ordered by
	// TxnAt then CreatedAt.
	TransactionsForTuple(ctx context.Context, key BalanceKey) ([]Transaction, error)
	// TransactionsByItemInRange returns an item's transactions with
	// TxnAt in [from, to], ordered by TxnAt.
	TransactionsByItemInRange(ctx context.Context, itemID ItemID, from, to time.Time) ([]Transaction, error)
	// HasIdempotencyKey checks whether a key has been used.
	HasIdempotencyKey(ctx context.Context, key string) (bool, error)

	// --- RRF drafts ---

	// PutRrfHeader stores a header, assigning a local id when absent.
	PutRrfHeader(ctx context.Context, h *RrfHeader) error
	// GetRrfHeader returns the header or a NotFoundError.
	GetRrfHeader(ctx context.Context, localID int64) (*RrfHeader, error)
	// RrfHeadersByStatus lists headers in a given status; empty status
	// lists all.
	RrfHeadersByStatus(ctx context.Context, status RrfStatus) ([]RrfHeader, error)
	// PutRrfLine stores a line, assigning a local id when absent.
	PutRrfLine(ctx context.Context, l *RrfLine) error
	// RrfLines returns a header's lines.
	RrfLines(ctx context.Context, rrfLocalID int64) ([]RrfLine, error)

	// --- sync queue (outbox) ---

	// Enqueue appends an outbox entry, assigning a local id.
	Enqueue(ctx context.Context, item *SyncQueueItem) error
	// PendingSync returns up to limit entries, oldest first.
	PendingSync(ctx context.Context, limit int) ([]SyncQueueItem, error)
	// Ack removes an entry acknowledged by the system of record.
	Ack(ctx context.Context, id int64) error
	// BumpRetry increments an entry's retry counter.
	BumpRetry(ctx context.Context, id int64) error

	// --- administration ---

	// Reset wipes every collection. Tests and the dev reset endpoint
	// only; normal domain flow never deletes.
	Reset(ctx context.Context) error
}

// TxStore wraps Store with transaction support. The recorder requires it:
// a movement's ledger append, balance update, and outbox entry must land
// atomically or not at all.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction. If fn returns an error the
	// transaction is rolled back, otherwise committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
