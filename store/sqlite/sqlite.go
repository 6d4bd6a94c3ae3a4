/*
Package sqlite provides the SQLite-backed implementation of the ledger
storage interfaces.

PURPOSE:
  Implements ledger.Store and ledger.TxStore over database/sql with the
  mattn/go-sqlite3 driver. This is the durable local persistence for the
  offline-capable inventory module; the in-memory variant in
  ledger/store is for tests.

APPEND-ONLY ENFORCEMENT:
  The transactions table has INSERT and SELECT paths only. No UPDATE, no
  DELETE. Corrections are new transactions; the lone destructive
  operation is Reset, the administrative wipe.

KEY TABLES:
  items           Catalog entries, upserted by catalog sync
  batches         Lots with expiry dates, created on receipt
  stock_balances  One derived row per (facility, store, item, batch)
  transactions    The immutable ledger
  rrf_headers /   Local resupply-form drafts
  rrf_lines
  sync_queue      Outbox for the remote system of record

WAL MODE:
  The database opens with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

CONCURRENCY:
  Uses sync.RWMutex for thread-safety on top of SQLite's own locking.
  WithTx holds the write lock for the whole database transaction.

USAGE:
  store, err := sqlite.New("./data/stock.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  recorder := &ledger.Recorder{Store: store}

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory equivalent for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/medsupply/stock-engine/ledger"
)

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a SQLite store at the given path. Use ":memory:" for an
// in-memory database in tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Catalog items (upserted by catalog sync, soft-deactivated only)
	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL,
		name TEXT NOT NULL,
		strength TEXT,
		form TEXT,
		pack_size TEXT,
		unit TEXT,
		program TEXT,
		tracer BOOLEAN DEFAULT FALSE,
		gtin TEXT,
		active BOOLEAN DEFAULT TRUE,
		effective_from TEXT,
		effective_to TEXT,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_items_code ON items(code);
	CREATE INDEX IF NOT EXISTS idx_items_name ON items(name);
	CREATE INDEX IF NOT EXISTS idx_items_gtin ON items(gtin);
	CREATE INDEX IF NOT EXISTS idx_items_program ON items(program);
	CREATE INDEX IF NOT EXISTS idx_items_active ON items(active);

	-- Batches (lots), created on receipt
	CREATE TABLE IF NOT EXISTS batches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id TEXT NOT NULL,
		lot TEXT NOT NULL,
		expiry_date TEXT,
		manufacturer TEXT,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_batches_item ON batches(item_id);
	CREATE INDEX IF NOT EXISTS idx_batches_expiry ON batches(expiry_date);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_batches_item_lot ON batches(item_id, lot);

	-- Derived stock balances: exactly one row per tuple
	CREATE TABLE IF NOT EXISTS stock_balances (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		facility_id TEXT NOT NULL,
		store_room TEXT NOT NULL DEFAULT '',
		item_id TEXT NOT NULL,
		batch_id INTEGER NOT NULL DEFAULT 0,
		on_hand TEXT NOT NULL,
		last_txn_at TEXT,
		UNIQUE(facility_id, store_room, item_id, batch_id)
	);
	CREATE INDEX IF NOT EXISTS idx_balances_facility ON stock_balances(facility_id);
	CREATE INDEX IF NOT EXISTS idx_balances_item ON stock_balances(item_id);
	CREATE INDEX IF NOT EXISTS idx_balances_batch ON stock_balances(batch_id);

	-- Transactions: the append-only ledger
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		remote_id TEXT,
		txn_type TEXT NOT NULL,
		facility_id TEXT NOT NULL,
		store_room TEXT NOT NULL DEFAULT '',
		item_id TEXT NOT NULL,
		batch_id INTEGER NOT NULL DEFAULT 0,
		quantity TEXT NOT NULL,
		unit TEXT,
		reason TEXT,
		source TEXT,
		destination TEXT,
		document_ref TEXT,
		txn_at TEXT NOT NULL,
		recorded_by TEXT,
		fefo_override BOOLEAN DEFAULT FALSE,
		fefo_override_reason TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_txn_at ON transactions(txn_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_item ON transactions(item_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_type ON transactions(txn_type);
	CREATE INDEX IF NOT EXISTS idx_transactions_tuple
		ON transactions(facility_id, store_room, item_id, batch_id, txn_at);

	-- RRF drafts
	CREATE TABLE IF NOT EXISTS rrf_headers (
		local_id INTEGER PRIMARY KEY AUTOINCREMENT,
		remote_id TEXT,
		facility_id TEXT NOT NULL,
		program_id TEXT,
		period TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'draft',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rrf_headers_period ON rrf_headers(period);
	CREATE INDEX IF NOT EXISTS idx_rrf_headers_program ON rrf_headers(program_id);
	CREATE INDEX IF NOT EXISTS idx_rrf_headers_facility ON rrf_headers(facility_id);
	CREATE INDEX IF NOT EXISTS idx_rrf_headers_status ON rrf_headers(status);

	CREATE TABLE IF NOT EXISTS rrf_lines (
		local_id INTEGER PRIMARY KEY AUTOINCREMENT,
		rrf_local_id INTEGER NOT NULL,
		item_id TEXT NOT NULL,
		soh TEXT NOT NULL,
		amc TEXT NOT NULL,
		pipeline TEXT NOT NULL,
		suggested TEXT NOT NULL,
		final_qty TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rrf_lines_header ON rrf_lines(rrf_local_id);
	CREATE INDEX IF NOT EXISTS idx_rrf_lines_item ON rrf_lines(item_id);

	-- Sync queue (outbox)
	CREATE TABLE IF NOT EXISTS sync_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		payload BLOB NOT NULL,
		created_at TEXT NOT NULL,
		retries INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sync_queue_kind ON sync_queue(kind);
	CREATE INDEX IF NOT EXISTS idx_sync_queue_created ON sync_queue(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// dbtx is the subset of *sql.DB / *sql.Tx the internal helpers need, so
// every operation works both standalone and inside WithTx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// ITEMS
// =============================================================================

func (s *Store) UpsertItem(ctx context.Context, item ledger.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertItem(ctx, s.db, item)
}

func (s *Store) upsertItem(ctx context.Context, db dbtx, item ledger.Item) error {
	query := `
		INSERT INTO items (id, code, name, strength, form, pack_size, unit, program,
			tracer, gtin, active, effective_from, effective_to, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			name = excluded.name,
			strength = excluded.strength,
			form = excluded.form,
			pack_size = excluded.pack_size,
			unit = excluded.unit,
			program = excluded.program,
			tracer = excluded.tracer,
			gtin = excluded.gtin,
			active = excluded.active,
			effective_from = excluded.effective_from,
			effective_to = excluded.effective_to,
			updated_at = excluded.updated_at
	`
	_, err := db.ExecContext(ctx, query,
		item.ID, item.Code, item.Name, item.Strength, item.Form, item.PackSize,
		item.Unit, item.Program, item.Tracer, item.GTIN, item.Active,
		timeStr(item.EffectiveFrom), timeStr(item.EffectiveTo), timeStr(item.UpdatedAt),
	)
	if err != nil {
		return &ledger.StorageError{Op: "upsert item", Err: err}
	}
	return nil
}

func (s *Store) GetItem(ctx context.Context, id ledger.ItemID) (*ledger.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getItem(ctx, s.db, id)
}

func (s *Store) getItem(ctx context.Context, db dbtx, id ledger.ItemID) (*ledger.Item, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, code, name, strength, form, pack_size, unit, program,
			tracer, gtin, active, effective_from, effective_to, updated_at
		FROM items WHERE id = ?`, id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, &ledger.NotFoundError{Collection: "items", Key: string(id)}
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (s *Store) ListItems(ctx context.Context, activeOnly bool) ([]ledger.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listItems(ctx, s.db, activeOnly)
}

func (s *Store) listItems(ctx context.Context, db dbtx, activeOnly bool) ([]ledger.Item, error) {
	query := `
		SELECT id, code, name, strength, form, pack_size, unit, program,
			tracer, gtin, active, effective_from, effective_to, updated_at
		FROM items`
	if activeOnly {
		query += ` WHERE active = TRUE`
	}
	query += ` ORDER BY id`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []ledger.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*ledger.Item, error) {
	var (
		item                                          ledger.Item
		strength, form, packSize, unit, program, gtin sql.NullString
		effFrom, effTo                                sql.NullString
		updatedAt                                     string
	)
	err := row.Scan(&item.ID, &item.Code, &item.Name, &strength, &form, &packSize,
		&unit, &program, &item.Tracer, &gtin, &item.Active, &effFrom, &effTo, &updatedAt)
	if err != nil {
		return nil, err
	}
	item.Strength = strength.String
	item.Form = form.String
	item.PackSize = packSize.String
	item.Unit = unit.String
	item.Program = program.String
	item.GTIN = gtin.String
	item.EffectiveFrom = parseTime(effFrom.String)
	item.EffectiveTo = parseTime(effTo.String)
	item.UpdatedAt = parseTime(updatedAt)
	return &item, nil
}

// =============================================================================
// BATCHES
// =============================================================================

func (s *Store) PutBatch(ctx context.Context, b *ledger.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putBatch(ctx, s.db, b)
}

func (s *Store) putBatch(ctx context.Context, db dbtx, b *ledger.Batch) error {
	if b.ID != 0 {
		_, err := db.ExecContext(ctx, `
			INSERT INTO batches (id, item_id, lot, expiry_date, manufacturer, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				expiry_date = excluded.expiry_date,
				manufacturer = excluded.manufacturer,
				updated_at = excluded.updated_at`,
			b.ID, b.ItemID, b.LotCode, timeStr(b.ExpiryDate), b.Manufacturer, timeStr(b.UpdatedAt))
		if err != nil {
			return &ledger.StorageError{Op: "put batch", Err: err}
		}
		return nil
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO batches (item_id, lot, expiry_date, manufacturer, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		b.ItemID, b.LotCode, timeStr(b.ExpiryDate), b.Manufacturer, timeStr(b.UpdatedAt))
	if err != nil {
		return &ledger.StorageError{Op: "put batch", Err: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return &ledger.StorageError{Op: "put batch", Err: err}
	}
	b.ID = ledger.BatchID(id)
	return nil
}

func (s *Store) GetBatch(ctx context.Context, id ledger.BatchID) (*ledger.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getBatch(ctx, s.db, id)
}

func (s *Store) getBatch(ctx context.Context, db dbtx, id ledger.BatchID) (*ledger.Batch, error) {
	row := db.QueryRowContext(ctx,
		`SELECT id, item_id, lot, expiry_date, manufacturer, updated_at FROM batches WHERE id = ?`, id)
	b, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, &ledger.NotFoundError{Collection: "batches", Key: strconv.FormatInt(int64(id), 10)}
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Store) BatchByLot(ctx context.Context, itemID ledger.ItemID, lot string) (*ledger.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.batchByLot(ctx, s.db, itemID, lot)
}

func (s *Store) batchByLot(ctx context.Context, db dbtx, itemID ledger.ItemID, lot string) (*ledger.Batch, error) {
	row := db.QueryRowContext(ctx,
		`SELECT id, item_id, lot, expiry_date, manufacturer, updated_at
		 FROM batches WHERE item_id = ? AND lot = ?`, itemID, lot)
	b, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Store) BatchesByItem(ctx context.Context, itemID ledger.ItemID) ([]ledger.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.batchesByItem(ctx, s.db, itemID)
}

func (s *Store) batchesByItem(ctx context.Context, db dbtx, itemID ledger.ItemID) ([]ledger.Batch, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, item_id, lot, expiry_date, manufacturer, updated_at
		 FROM batches WHERE item_id = ? ORDER BY expiry_date, id`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []ledger.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, *b)
	}
	return batches, rows.Err()
}

func scanBatch(row rowScanner) (*ledger.Batch, error) {
	var (
		b                    ledger.Batch
		expiry, manufacturer sql.NullString
		updatedAt            string
	)
	if err := row.Scan(&b.ID, &b.ItemID, &b.LotCode, &expiry, &manufacturer, &updatedAt); err != nil {
		return nil, err
	}
	b.ExpiryDate = parseTime(expiry.String)
	b.Manufacturer = manufacturer.String
	b.UpdatedAt = parseTime(updatedAt)
	return &b, nil
}

// =============================================================================
// STOCK BALANCES
// =============================================================================

func (s *Store) BalanceFor(ctx context.Context, key ledger.BalanceKey) (*ledger.StockBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balanceFor(ctx, s.db, key)
}

func (s *Store) balanceFor(ctx context.Context, db dbtx, key ledger.BalanceKey) (*ledger.StockBalance, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, facility_id, store_room, item_id, batch_id, on_hand, last_txn_at
		FROM stock_balances
		WHERE facility_id = ? AND store_room = ? AND item_id = ? AND batch_id = ?`,
		key.FacilityID, key.StoreRoom, key.ItemID, key.BatchID)
	b, err := scanBalance(row)
	if err == sql.ErrNoRows {
		return nil, nil // absence means zero, not an error
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Store) SetBalance(ctx context.Context, b ledger.StockBalance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setBalance(ctx, s.db, b)
}

func (s *Store) setBalance(ctx context.Context, db dbtx, b ledger.StockBalance) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO stock_balances (facility_id, store_room, item_id, batch_id, on_hand, last_txn_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(facility_id, store_room, item_id, batch_id) DO UPDATE SET
			on_hand = excluded.on_hand,
			last_txn_at = excluded.last_txn_at`,
		b.Key.FacilityID, b.Key.StoreRoom, b.Key.ItemID, b.Key.BatchID,
		b.OnHand.String(), timeStr(b.LastTxnAt))
	if err != nil {
		return &ledger.StorageError{Op: "set balance", Err: err}
	}
	return nil
}

func (s *Store) BalancesByItem(ctx context.Context, itemID ledger.ItemID) ([]ledger.StockBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balancesByItem(ctx, s.db, itemID)
}

func (s *Store) balancesByItem(ctx context.Context, db dbtx, itemID ledger.ItemID) ([]ledger.StockBalance, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, facility_id, store_room, item_id, batch_id, on_hand, last_txn_at
		FROM stock_balances WHERE item_id = ? ORDER BY id`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []ledger.StockBalance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		balances = append(balances, *b)
	}
	return balances, rows.Err()
}

func scanBalance(row rowScanner) (*ledger.StockBalance, error) {
	var (
		b         ledger.StockBalance
		onHand    string
		lastTxnAt sql.NullString
	)
	err := row.Scan(&b.ID, &b.Key.FacilityID, &b.Key.StoreRoom, &b.Key.ItemID,
		&b.Key.BatchID, &onHand, &lastTxnAt)
	if err != nil {
		return nil, err
	}
	b.OnHand = parseDecimal(onHand)
	b.LastTxnAt = parseTime(lastTxnAt.String)
	return &b, nil
}

// =============================================================================
// TRANSACTIONS (append-only)
// =============================================================================

func (s *Store) AppendTransaction(ctx context.Context, txn ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendTransaction(ctx, s.db, txn)
}

func (s *Store) appendTransaction(ctx context.Context, db dbtx, txn ledger.Transaction) error {
	query := `
		INSERT INTO transactions
		(id, remote_id, txn_type, facility_id, store_room, item_id, batch_id,
		 quantity, unit, reason, source, destination, document_ref, txn_at,
		 recorded_by, fefo_override, fefo_override_reason, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		txn.ID, nullString(txn.RemoteID), txn.Type, txn.FacilityID, txn.StoreRoom,
		txn.ItemID, txn.BatchID, txn.Quantity.String(), txn.Unit, txn.Reason,
		txn.Source, txn.Destination, txn.DocumentRef, timeStr(txn.TxnAt),
		txn.RecordedBy, txn.FEFOOverride, txn.FEFOOverrideReason,
		nullString(txn.IdempotencyKey), timeStr(txn.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return &ledger.StorageError{Op: "append transaction", Err: err}
	}
	return nil
}

func (s *Store) TransactionsForTuple(ctx context.Context, key ledger.BalanceKey) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transactionsForTuple(ctx, s.db, key)
}

func (s *Store) transactionsForTuple(ctx context.Context, db dbtx, key ledger.BalanceKey) ([]ledger.Transaction, error) {
	query := transactionSelect + `
		WHERE facility_id = ? AND store_room = ? AND item_id = ? AND batch_id = ?
		ORDER BY txn_at ASC, created_at ASC`
	return queryTransactions(ctx, db, query, key.FacilityID, key.StoreRoom, key.ItemID, key.BatchID)
}

func (s *Store) TransactionsByItemInRange(ctx context.Context, itemID ledger.ItemID, from, to time.Time) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transactionsByItemInRange(ctx, s.db, itemID, from, to)
}

func (s *Store) transactionsByItemInRange(ctx context.Context, db dbtx, itemID ledger.ItemID, from, to time.Time) ([]ledger.Transaction, error) {
	query := transactionSelect + `
		WHERE item_id = ? AND txn_at >= ? AND txn_at <= ?
		ORDER BY txn_at ASC, created_at ASC`
	return queryTransactions(ctx, db, query, itemID, timeStr(from), timeStr(to))
}

func (s *Store) HasIdempotencyKey(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM transactions WHERE idempotency_key = ?", key).Scan(&count)
	return count > 0, err
}

const transactionSelect = `
	SELECT id, remote_id, txn_type, facility_id, store_room, item_id, batch_id,
	       quantity, unit, reason, source, destination, document_ref, txn_at,
	       recorded_by, fefo_override, fefo_override_reason, idempotency_key, created_at
	FROM transactions`

func queryTransactions(ctx context.Context, db dbtx, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txns []ledger.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}

func scanTransaction(rows *sql.Rows) (ledger.Transaction, error) {
	var (
		txn                            ledger.Transaction
		remoteID                       sql.NullString
		quantity                       string
		unit, reason, source, dest     sql.NullString
		docRef, recordedBy, fefoReason sql.NullString
		idempotencyKey                 sql.NullString
		txnAt, createdAt               string
	)
	err := rows.Scan(
		&txn.ID, &remoteID, &txn.Type, &txn.FacilityID, &txn.StoreRoom,
		&txn.ItemID, &txn.BatchID, &quantity, &unit, &reason, &source, &dest,
		&docRef, &txnAt, &recordedBy, &txn.FEFOOverride, &fefoReason,
		&idempotencyKey, &createdAt,
	)
	if err != nil {
		return txn, fmt.Errorf("failed to scan transaction: %w", err)
	}
	txn.RemoteID = remoteID.String
	txn.Quantity = parseDecimal(quantity)
	txn.Unit = unit.String
	txn.Reason = reason.String
	txn.Source = source.String
	txn.Destination = dest.String
	txn.DocumentRef = docRef.String
	txn.RecordedBy = recordedBy.String
	txn.FEFOOverrideReason = fefoReason.String
	txn.IdempotencyKey = idempotencyKey.String
	txn.TxnAt = parseTime(txnAt)
	txn.CreatedAt = parseTime(createdAt)
	return txn, nil
}

// =============================================================================
// RRF DRAFTS
// =============================================================================

func (s *Store) PutRrfHeader(ctx context.Context, h *ledger.RrfHeader) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putRrfHeader(ctx, s.db, h)
}

func (s *Store) putRrfHeader(ctx context.Context, db dbtx, h *ledger.RrfHeader) error {
	if h.LocalID != 0 {
		_, err := db.ExecContext(ctx, `
			UPDATE rrf_headers SET remote_id = ?, facility_id = ?, program_id = ?,
				period = ?, status = ?, updated_at = ?
			WHERE local_id = ?`,
			nullString(h.RemoteID), h.FacilityID, h.ProgramID, h.Period, h.Status,
			timeStr(h.UpdatedAt), h.LocalID)
		if err != nil {
			return &ledger.StorageError{Op: "put rrf header", Err: err}
		}
		return nil
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO rrf_headers (remote_id, facility_id, program_id, period, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		nullString(h.RemoteID), h.FacilityID, h.ProgramID, h.Period, h.Status,
		timeStr(h.CreatedAt), timeStr(h.UpdatedAt))
	if err != nil {
		return &ledger.StorageError{Op: "put rrf header", Err: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return &ledger.StorageError{Op: "put rrf header", Err: err}
	}
	h.LocalID = id
	return nil
}

func (s *Store) GetRrfHeader(ctx context.Context, localID int64) (*ledger.RrfHeader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getRrfHeader(ctx, s.db, localID)
}

func (s *Store) getRrfHeader(ctx context.Context, db dbtx, localID int64) (*ledger.RrfHeader, error) {
	row := db.QueryRowContext(ctx, `
		SELECT local_id, remote_id, facility_id, program_id, period, status, created_at, updated_at
		FROM rrf_headers WHERE local_id = ?`, localID)
	h, err := scanRrfHeader(row)
	if err == sql.ErrNoRows {
		return nil, &ledger.NotFoundError{Collection: "rrfHeaders", Key: strconv.FormatInt(localID, 10)}
	}
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (s *Store) RrfHeadersByStatus(ctx context.Context, status ledger.RrfStatus) ([]ledger.RrfHeader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rrfHeadersByStatus(ctx, s.db, status)
}

func (s *Store) rrfHeadersByStatus(ctx context.Context, db dbtx, status ledger.RrfStatus) ([]ledger.RrfHeader, error) {
	query := `
		SELECT local_id, remote_id, facility_id, program_id, period, status, created_at, updated_at
		FROM rrf_headers`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY local_id`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var headers []ledger.RrfHeader
	for rows.Next() {
		h, err := scanRrfHeader(rows)
		if err != nil {
			return nil, err
		}
		headers = append(headers, *h)
	}
	return headers, rows.Err()
}

func scanRrfHeader(row rowScanner) (*ledger.RrfHeader, error) {
	var (
		h                    ledger.RrfHeader
		remoteID, programID  sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&h.LocalID, &remoteID, &h.FacilityID, &programID, &h.Period,
		&h.Status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	h.RemoteID = remoteID.String
	h.ProgramID = programID.String
	h.CreatedAt = parseTime(createdAt)
	h.UpdatedAt = parseTime(updatedAt)
	return &h, nil
}

func (s *Store) PutRrfLine(ctx context.Context, l *ledger.RrfLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putRrfLine(ctx, s.db, l)
}

func (s *Store) putRrfLine(ctx context.Context, db dbtx, l *ledger.RrfLine) error {
	if l.LocalID != 0 {
		_, err := db.ExecContext(ctx, `
			UPDATE rrf_lines SET rrf_local_id = ?, item_id = ?, soh = ?, amc = ?,
				pipeline = ?, suggested = ?, final_qty = ?
			WHERE local_id = ?`,
			l.RrfLocalID, l.ItemID, l.SOH.String(), l.AMC.String(),
			l.Pipeline.String(), l.Suggested.String(), l.Final.String(), l.LocalID)
		if err != nil {
			return &ledger.StorageError{Op: "put rrf line", Err: err}
		}
		return nil
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO rrf_lines (rrf_local_id, item_id, soh, amc, pipeline, suggested, final_qty)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.RrfLocalID, l.ItemID, l.SOH.String(), l.AMC.String(),
		l.Pipeline.String(), l.Suggested.String(), l.Final.String())
	if err != nil {
		return &ledger.StorageError{Op: "put rrf line", Err: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return &ledger.StorageError{Op: "put rrf line", Err: err}
	}
	l.LocalID = id
	return nil
}

func (s *Store) RrfLines(ctx context.Context, rrfLocalID int64) ([]ledger.RrfLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rrfLines(ctx, s.db, rrfLocalID)
}

func (s *Store) rrfLines(ctx context.Context, db dbtx, rrfLocalID int64) ([]ledger.RrfLine, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT local_id, rrf_local_id, item_id, soh, amc, pipeline, suggested, final_qty
		FROM rrf_lines WHERE rrf_local_id = ? ORDER BY local_id`, rrfLocalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []ledger.RrfLine
	for rows.Next() {
		var (
			l                                  ledger.RrfLine
			soh, amc, pipeline, suggested, fin string
		)
		if err := rows.Scan(&l.LocalID, &l.RrfLocalID, &l.ItemID, &soh, &amc,
			&pipeline, &suggested, &fin); err != nil {
			return nil, err
		}
		l.SOH = parseDecimal(soh)
		l.AMC = parseDecimal(amc)
		l.Pipeline = parseDecimal(pipeline)
		l.Suggested = parseDecimal(suggested)
		l.Final = parseDecimal(fin)
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// =============================================================================
// SYNC QUEUE
// =============================================================================

func (s *Store) Enqueue(ctx context.Context, item *ledger.SyncQueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueue(ctx, s.db, item)
}

func (s *Store) enqueue(ctx context.Context, db dbtx, item *ledger.SyncQueueItem) error {
	res, err := db.ExecContext(ctx, `
		INSERT INTO sync_queue (kind, payload, created_at, retries)
		VALUES (?, ?, ?, ?)`,
		item.Kind, item.Payload, timeStr(item.CreatedAt), item.Retries)
	if err != nil {
		return &ledger.StorageError{Op: "enqueue", Err: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return &ledger.StorageError{Op: "enqueue", Err: err}
	}
	item.ID = id
	return nil
}

func (s *Store) PendingSync(ctx context.Context, limit int) ([]ledger.SyncQueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, kind, payload, created_at, retries FROM sync_queue ORDER BY id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []ledger.SyncQueueItem
	for rows.Next() {
		var (
			item      ledger.SyncQueueItem
			createdAt string
		)
		if err := rows.Scan(&item.ID, &item.Kind, &item.Payload, &createdAt, &item.Retries); err != nil {
			return nil, err
		}
		item.CreatedAt = parseTime(createdAt)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) Ack(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	return err
}

func (s *Store) BumpRetry(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE sync_queue SET retries = retries + 1 WHERE id = ?`, id)
	return err
}

// =============================================================================
// ADMINISTRATION
// =============================================================================

// Reset wipes every collection. Dev/test only.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{
		"items", "batches", "stock_balances", "transactions",
		"rrf_headers", "rrf_lines", "sync_queue",
	} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return &ledger.StorageError{Op: "reset " + table, Err: err}
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore)
// =============================================================================

// WithTx executes fn within a single database transaction. Either every
// write fn makes commits, or none do.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &ledger.StorageError{Op: "begin transaction", Err: err}
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx, parent: s}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return &ledger.StorageError{Op: "commit transaction", Err: err}
	}
	return nil
}

// txStore routes every Store method through the open *sql.Tx. The write
// lock is already held by WithTx, so no method re-locks.
type txStore struct {
	tx     *sql.Tx
	parent *Store
}

func (ts *txStore) UpsertItem(ctx context.Context, item ledger.Item) error {
	return ts.parent.upsertItem(ctx, ts.tx, item)
}
func (ts *txStore) GetItem(ctx context.Context, id ledger.ItemID) (*ledger.Item, error) {
	return ts.parent.getItem(ctx, ts.tx, id)
}
func (ts *txStore) ListItems(ctx context.Context, activeOnly bool) ([]ledger.Item, error) {
	return ts.parent.listItems(ctx, ts.tx, activeOnly)
}
func (ts *txStore) PutBatch(ctx context.Context, b *ledger.Batch) error {
	return ts.parent.putBatch(ctx, ts.tx, b)
}
func (ts *txStore) GetBatch(ctx context.Context, id ledger.BatchID) (*ledger.Batch, error) {
	return ts.parent.getBatch(ctx, ts.tx, id)
}
func (ts *txStore) BatchByLot(ctx context.Context, itemID ledger.ItemID, lot string) (*ledger.Batch, error) {
	return ts.parent.batchByLot(ctx, ts.tx, itemID, lot)
}
func (ts *txStore) BatchesByItem(ctx context.Context, itemID ledger.ItemID) ([]ledger.Batch, error) {
	return ts.parent.batchesByItem(ctx, ts.tx, itemID)
}
func (ts *txStore) BalanceFor(ctx context.Context, key ledger.BalanceKey) (*ledger.StockBalance, error) {
	return ts.parent.balanceFor(ctx, ts.tx, key)
}
func (ts *txStore) SetBalance(ctx context.Context, b ledger.StockBalance) error {
	return ts.parent.setBalance(ctx, ts.tx, b)
}
func (ts *txStore) BalancesByItem(ctx context.Context, itemID ledger.ItemID) ([]ledger.StockBalance, error) {
	return ts.parent.balancesByItem(ctx, ts.tx, itemID)
}
func (ts *txStore) AppendTransaction(ctx context.Context, txn ledger.Transaction) error {
	return ts.parent.appendTransaction(ctx, ts.tx, txn)
}
func (ts *txStore) TransactionsForTuple(ctx context.Context, key ledger.BalanceKey) ([]ledger.Transaction, error) {
	return ts.parent.transactionsForTuple(ctx, ts.tx, key)
}
func (ts *txStore) TransactionsByItemInRange(ctx context.Context, itemID ledger.ItemID, from, to time.Time) ([]ledger.Transaction, error) {
	return ts.parent.transactionsByItemInRange(ctx, ts.tx, itemID, from, to)
}
func (ts *txStore) HasIdempotencyKey(ctx context.Context, key string) (bool, error) {
	var count int
	err := ts.tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM transactions WHERE idempotency_key = ?", key).Scan(&count)
	return count > 0, err
}
func (ts *txStore) PutRrfHeader(ctx context.Context, h *ledger.RrfHeader) error {
	return ts.parent.putRrfHeader(ctx, ts.tx, h)
}
func (ts *txStore) GetRrfHeader(ctx context.Context, localID int64) (*ledger.RrfHeader, error) {
	return ts.parent.getRrfHeader(ctx, ts.tx, localID)
}
func (ts *txStore) RrfHeadersByStatus(ctx context.Context, status ledger.RrfStatus) ([]ledger.RrfHeader, error) {
	return ts.parent.rrfHeadersByStatus(ctx, ts.tx, status)
}
func (ts *txStore) PutRrfLine(ctx context.Context, l *ledger.RrfLine) error {
	return ts.parent.putRrfLine(ctx, ts.tx, l)
}
func (ts *txStore) RrfLines(ctx context.Context, rrfLocalID int64) ([]ledger.RrfLine, error) {
	return ts.parent.rrfLines(ctx, ts.tx, rrfLocalID)
}
func (ts *txStore) Enqueue(ctx context.Context, item *ledger.SyncQueueItem) error {
	return ts.parent.enqueue(ctx, ts.tx, item)
}
func (ts *txStore) PendingSync(ctx context.Context, limit int) ([]ledger.SyncQueueItem, error) {
	rows, err := ts.tx.QueryContext(ctx,
		`SELECT id, kind, payload, created_at, retries FROM sync_queue ORDER BY id LIMIT ?`,
		limitOrMax(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []ledger.SyncQueueItem
	for rows.Next() {
		var (
			item      ledger.SyncQueueItem
			createdAt string
		)
		if err := rows.Scan(&item.ID, &item.Kind, &item.Payload, &createdAt, &item.Retries); err != nil {
			return nil, err
		}
		item.CreatedAt = parseTime(createdAt)
		items = append(items, item)
	}
	return items, rows.Err()
}
func (ts *txStore) Ack(ctx context.Context, id int64) error {
	_, err := ts.tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	return err
}
func (ts *txStore) BumpRetry(ctx context.Context, id int64) error {
	_, err := ts.tx.ExecContext(ctx, `UPDATE sync_queue SET retries = retries + 1 WHERE id = ?`, id)
	return err
}
func (ts *txStore) Reset(ctx context.Context) error {
	return fmt.Errorf("reset is not supported inside a transaction")
}

// =============================================================================
// HELPERS
// =============================================================================

// timeLayout is fixed-width so stored timestamps compare lexicographically
// the same way the times themselves order. RFC3339Nano trims trailing
// zeros, which would sort "10:00:00Z" after "10:00:00.5Z" and break the
// ORDER BY / range comparisons on txn_at.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func timeStr(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func limitOrMax(limit int) int {
	if limit <= 0 {
		return 1 << 30
	}
	return limit
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
