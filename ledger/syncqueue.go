/*
syncqueue.go - Outbox of pending mutations for the remote system of record

PURPOSE:
  Every local mutation that must eventually propagate upstream lands in
  the sync queue when it is recorded. The reconciliation protocol itself
  is a stub: Uploader is the pluggable seam, and the default deployment
  runs without one. Entries are removed only when acknowledged; failures
  bump the retry counter and back off exponentially.
*/
package ledger

import (
	"context"
	"encoding/json"
	"math"
	"time"
)

// =============================================================================
// OUTBOX ENTRIES
// =============================================================================

type SyncKind string

const (
	SyncKindTransaction SyncKind = "transaction"
	SyncKindRrf         SyncKind = "rrf"
	SyncKindMasterData  SyncKind = "master_data"
)

// SyncQueueItem is an outbox entry: an opaque payload plus bookkeeping.
type SyncQueueItem struct {
	ID        int64
	Kind      SyncKind
	Payload   []byte // JSON, opaque to the queue
	CreatedAt time.Time
	Retries   int
}

// EnqueueTransaction appends a transaction's outbox entry. Called by the
// recorder inside the same storage transaction as the ledger append.
func EnqueueTransaction(ctx context.Context, s Store, txn Transaction) error {
	payload, err := json.Marshal(txn)
	if err != nil {
		return err
	}
	return s.Enqueue(ctx, &SyncQueueItem{
		Kind:      SyncKindTransaction,
		Payload:   payload,
		CreatedAt: txn.CreatedAt,
	})
}

// EnqueueRrf appends an RRF draft's outbox entry.
func EnqueueRrf(ctx context.Context, s Store, header RrfHeader, lines []RrfLine) error {
	payload, err := json.Marshal(struct {
		Header RrfHeader `json:"header"`
		Lines  []RrfLine `json:"lines"`
	}{header, lines})
	if err != nil {
		return err
	}
	return s.Enqueue(ctx, &SyncQueueItem{
		Kind:      SyncKindRrf,
		Payload:   payload,
		CreatedAt: header.CreatedAt,
	})
}

// =============================================================================
// UPLOADER - The (stubbed) remote seam
// =============================================================================

// UploadResult is the per-entry outcome returned by the remote endpoint.
type UploadResult struct {
	ID       int64
	OK       bool
	RemoteID string
	Error    string
}

// Uploader drains a batch of outbox entries to the system of record and
// reports per-entry success so the queue can ack or retry. The real
// protocol is out of scope; implementations are injected.
type Uploader interface {
	Upload(ctx context.Context, items []SyncQueueItem) ([]UploadResult, error)
}

// =============================================================================
// DRAINER
// =============================================================================

// Drainer moves pending outbox entries through an Uploader, acking
// successes and bumping retry counters on failures.
type Drainer struct {
	Store     TxStore
	Uploader  Uploader
	BatchSize int
}

func NewDrainer(store TxStore, uploader Uploader) *Drainer {
	return &Drainer{Store: store, Uploader: uploader, BatchSize: 50}
}

// DrainOnce processes at most one batch. Returns how many entries were
// acknowledged and how many were marked for retry.
func (d *Drainer) DrainOnce(ctx context.Context) (acked, retried int, err error) {
	if d.Uploader == nil {
		return 0, 0, nil // no remote configured; entries wait
	}

	pending, err := d.Store.PendingSync(ctx, d.BatchSize)
	if err != nil {
		return 0, 0, err
	}
	if len(pending) == 0 {
		return 0, 0, nil
	}

	results, err := d.Uploader.Upload(ctx, pending)
	if err != nil {
		// Whole-batch failure: bump every entry, nothing acked.
		for _, item := range pending {
			if bumpErr := d.Store.BumpRetry(ctx, item.ID); bumpErr != nil {
				return acked, retried, bumpErr
			}
			retried++
		}
		return acked, retried, nil
	}

	for _, res := range results {
		if res.OK {
			if ackErr := d.Store.Ack(ctx, res.ID); ackErr != nil {
				return acked, retried, ackErr
			}
			acked++
		} else {
			if bumpErr := d.Store.BumpRetry(ctx, res.ID); bumpErr != nil {
				return acked, retried, bumpErr
			}
			retried++
		}
	}
	return acked, retried, nil
}

// Backoff returns the delay before an entry's next attempt:
// base * 2^(retries-1), capped at max.
func Backoff(retries int, base, max time.Duration) time.Duration {
	if retries <= 0 {
		return base
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(retries-1)))
	if delay > max || delay < 0 {
		return max
	}
	return delay
}
