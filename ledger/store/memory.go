// Package store provides the in-memory Store implementation used by
// tests and development. The SQLite-backed implementation lives in
// store/sqlite.
package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/medsupply/stock-engine/ledger"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Memory keeps every collection in maps guarded by one RWMutex. WithTx
// is simulated with a deep snapshot restored on error, which is enough
// for the engine's single-process, cooperative concurrency model.
type Memory struct {
	mu sync.RWMutex

	items        map[ledger.ItemID]ledger.Item
	batches      map[ledger.BatchID]ledger.Batch
	balances     map[ledger.BalanceKey]ledger.StockBalance
	transactions []ledger.Transaction
	idempotency  map[string]bool
	rrfHeaders   map[int64]ledger.RrfHeader
	rrfLines     map[int64]ledger.RrfLine
	syncQueue    map[int64]ledger.SyncQueueItem

	nextBatchID   int64
	nextBalanceID int64
	nextRrfID     int64
	nextLineID    int64
	nextSyncID    int64
}

func NewMemory() *Memory {
	return &Memory{
		items:       make(map[ledger.ItemID]ledger.Item),
		batches:     make(map[ledger.BatchID]ledger.Batch),
		balances:    make(map[ledger.BalanceKey]ledger.StockBalance),
		idempotency: make(map[string]bool),
		rrfHeaders:  make(map[int64]ledger.RrfHeader),
		rrfLines:    make(map[int64]ledger.RrfLine),
		syncQueue:   make(map[int64]ledger.SyncQueueItem),
	}
}

// --- items ---

func (m *Memory) UpsertItem(_ context.Context, item ledger.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.ID] = item
	return nil
}

func (m *Memory) GetItem(_ context.Context, id ledger.ItemID) (*ledger.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[id]
	if !ok {
		return nil, &ledger.NotFoundError{Collection: "items", Key: string(id)}
	}
	return &item, nil
}

func (m *Memory) ListItems(_ context.Context, activeOnly bool) ([]ledger.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var items []ledger.Item
	for _, item := range m.items {
		if activeOnly && !item.Active {
			continue
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

// --- batches ---

func (m *Memory) PutBatch(_ context.Context, b *ledger.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.ID == 0 {
		m.nextBatchID++
		b.ID = ledger.BatchID(m.nextBatchID)
	}
	m.batches[b.ID] = *b
	return nil
}

func (m *Memory) GetBatch(_ context.Context, id ledger.BatchID) (*ledger.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, &ledger.NotFoundError{Collection: "batches", Key: strconv.FormatInt(int64(id), 10)}
	}
	return &b, nil
}

func (m *Memory) BatchByLot(_ context.Context, itemID ledger.ItemID, lot string) (*ledger.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.batches {
		if b.ItemID == itemID && b.LotCode == lot {
			b := b
			return &b, nil
		}
	}
	return nil, nil
}

func (m *Memory) BatchesByItem(_ context.Context, itemID ledger.ItemID) ([]ledger.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var batches []ledger.Batch
	for _, b := range m.batches {
		if b.ItemID == itemID {
			batches = append(batches, b)
		}
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i].ID < batches[j].ID })
	return batches, nil
}

// --- balances ---

func (m *Memory) BalanceFor(_ context.Context, key ledger.BalanceKey) (*ledger.StockBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.balances[key]
	if !ok {
		return nil, nil // absence means zero, not an error
	}
	return &b, nil
}

func (m *Memory) SetBalance(_ context.Context, b ledger.StockBalance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.ID == 0 {
		if existing, ok := m.balances[b.Key]; ok {
			b.ID = existing.ID
		} else {
			m.nextBalanceID++
			b.ID = m.nextBalanceID
		}
	}
	m.balances[b.Key] = b
	return nil
}

func (m *Memory) BalancesByItem(_ context.Context, itemID ledger.ItemID) ([]ledger.StockBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var balances []ledger.StockBalance
	for _, b := range m.balances {
		if b.Key.ItemID == itemID {
			balances = append(balances, b)
		}
	}
	sort.Slice(balances, func(i, j int) bool { return balances[i].ID < balances[j].ID })
	return balances, nil
}

// --- transactions (append-only) ---

func (m *Memory) AppendTransaction(_ context.Context, txn ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if txn.IdempotencyKey != "" && m.idempotency[txn.IdempotencyKey] {
		return ledger.ErrDuplicateIdempotencyKey
	}

	// Sorted insert by TxnAt (then CreatedAt) so reads come back in
	// ledger order without re-sorting.
	i := sort.Search(len(m.transactions), func(i int) bool {
		t := m.transactions[i]
		if t.TxnAt.Equal(txn.TxnAt) {
			return t.CreatedAt.After(txn.CreatedAt)
		}
		return t.TxnAt.After(txn.TxnAt)
	})
	m.transactions = append(m.transactions, ledger.Transaction{})
	copy(m.transactions[i+1:], m.transactions[i:])
	m.transactions[i] = txn

	if txn.IdempotencyKey != "" {
		m.idempotency[txn.IdempotencyKey] = true
	}
	return nil
}

func (m *Memory) TransactionsForTuple(_ context.Context, key ledger.BalanceKey) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var txns []ledger.Transaction
	for _, txn := range m.transactions {
		if txn.Tuple() == key {
			txns = append(txns, txn)
		}
	}
	return txns, nil
}

func (m *Memory) TransactionsByItemInRange(_ context.Context, itemID ledger.ItemID, from, to time.Time) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var txns []ledger.Transaction
	for _, txn := range m.transactions {
		if txn.ItemID != itemID {
			continue
		}
		if txn.TxnAt.Before(from) || txn.TxnAt.After(to) {
			continue
		}
		txns = append(txns, txn)
	}
	return txns, nil
}

func (m *Memory) HasIdempotencyKey(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idempotency[key], nil
}

// --- RRF ---

func (m *Memory) PutRrfHeader(_ context.Context, h *ledger.RrfHeader) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h.LocalID == 0 {
		m.nextRrfID++
		h.LocalID = m.nextRrfID
	}
	m.rrfHeaders[h.LocalID] = *h
	return nil
}

func (m *Memory) GetRrfHeader(_ context.Context, localID int64) (*ledger.RrfHeader, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.rrfHeaders[localID]
	if !ok {
		return nil, &ledger.NotFoundError{Collection: "rrfHeaders", Key: strconv.FormatInt(localID, 10)}
	}
	return &h, nil
}

func (m *Memory) RrfHeadersByStatus(_ context.Context, status ledger.RrfStatus) ([]ledger.RrfHeader, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var headers []ledger.RrfHeader
	for _, h := range m.rrfHeaders {
		if status == "" || h.Status == status {
			headers = append(headers, h)
		}
	}
	sort.Slice(headers, func(i, j int) bool { return headers[i].LocalID < headers[j].LocalID })
	return headers, nil
}

func (m *Memory) PutRrfLine(_ context.Context, l *ledger.RrfLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.LocalID == 0 {
		m.nextLineID++
		l.LocalID = m.nextLineID
	}
	m.rrfLines[l.LocalID] = *l
	return nil
}

func (m *Memory) RrfLines(_ context.Context, rrfLocalID int64) ([]ledger.RrfLine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var lines []ledger.RrfLine
	for _, l := range m.rrfLines {
		if l.RrfLocalID == rrfLocalID {
			lines = append(lines, l)
		}
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].LocalID < lines[j].LocalID })
	return lines, nil
}

// --- sync queue ---

func (m *Memory) Enqueue(_ context.Context, item *ledger.SyncQueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item.ID == 0 {
		m.nextSyncID++
		item.ID = m.nextSyncID
	}
	m.syncQueue[item.ID] = *item
	return nil
}

func (m *Memory) PendingSync(_ context.Context, limit int) ([]ledger.SyncQueueItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var items []ledger.SyncQueueItem
	for _, item := range m.syncQueue {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m *Memory) Ack(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.syncQueue, id)
	return nil
}

func (m *Memory) BumpRetry(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.syncQueue[id]
	if !ok {
		return &ledger.NotFoundError{Collection: "syncQueue", Key: strconv.FormatInt(id, 10)}
	}
	item.Retries++
	m.syncQueue[id] = item
	return nil
}

// --- administration ---

func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[ledger.ItemID]ledger.Item)
	m.batches = make(map[ledger.BatchID]ledger.Batch)
	m.balances = make(map[ledger.BalanceKey]ledger.StockBalance)
	m.transactions = nil
	m.idempotency = make(map[string]bool)
	m.rrfHeaders = make(map[int64]ledger.RrfHeader)
	m.rrfLines = make(map[int64]ledger.RrfLine)
	m.syncQueue = make(map[int64]ledger.SyncQueueItem)
	m.nextBatchID, m.nextBalanceID, m.nextRrfID, m.nextLineID, m.nextSyncID = 0, 0, 0, 0, 0
	return nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with snapshot/rollback transactions. The engine
// runs single-process cooperative concurrency, so snapshot-restore is an
// adequate stand-in for real storage transactions.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx snapshots the store, runs fn against it, and restores the
// snapshot when fn fails.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	snapshot := tm.snapshot()
	if err := fn(tm.Memory); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	items        map[ledger.ItemID]ledger.Item
	batches      map[ledger.BatchID]ledger.Batch
	balances     map[ledger.BalanceKey]ledger.StockBalance
	transactions []ledger.Transaction
	idempotency  map[string]bool
	rrfHeaders   map[int64]ledger.RrfHeader
	rrfLines     map[int64]ledger.RrfLine
	syncQueue    map[int64]ledger.SyncQueueItem

	nextBatchID, nextBalanceID, nextRrfID, nextLineID, nextSyncID int64
}

func (tm *TxMemory) snapshot() memorySnapshot {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	s := memorySnapshot{
		items:         make(map[ledger.ItemID]ledger.Item, len(tm.items)),
		batches:       make(map[ledger.BatchID]ledger.Batch, len(tm.batches)),
		balances:      make(map[ledger.BalanceKey]ledger.StockBalance, len(tm.balances)),
		transactions:  append([]ledger.Transaction{}, tm.transactions...),
		idempotency:   make(map[string]bool, len(tm.idempotency)),
		rrfHeaders:    make(map[int64]ledger.RrfHeader, len(tm.rrfHeaders)),
		rrfLines:      make(map[int64]ledger.RrfLine, len(tm.rrfLines)),
		syncQueue:     make(map[int64]ledger.SyncQueueItem, len(tm.syncQueue)),
		nextBatchID:   tm.nextBatchID,
		nextBalanceID: tm.nextBalanceID,
		nextRrfID:     tm.nextRrfID,
		nextLineID:    tm.nextLineID,
		nextSyncID:    tm.nextSyncID,
	}
	for k, v := range tm.items {
		s.items[k] = v
	}
	for k, v := range tm.batches {
		s.batches[k] = v
	}
	for k, v := range tm.balances {
		s.balances[k] = v
	}
	for k, v := range tm.idempotency {
		s.idempotency[k] = v
	}
	for k, v := range tm.rrfHeaders {
		s.rrfHeaders[k] = v
	}
	for k, v := range tm.rrfLines {
		s.rrfLines[k] = v
	}
	for k, v := range tm.syncQueue {
		s.syncQueue[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.items = s.items
	tm.batches = s.batches
	tm.balances = s.balances
	tm.transactions = s.transactions
	tm.idempotency = s.idempotency
	tm.rrfHeaders = s.rrfHeaders
	tm.rrfLines = s.rrfLines
	tm.syncQueue = s.syncQueue
	tm.nextBatchID = s.nextBatchID
	tm.nextBalanceID = s.nextBalanceID
	tm.nextRrfID = s.nextRrfID
	tm.nextLineID = s.nextLineID
	tm.nextSyncID = s.nextSyncID
}
