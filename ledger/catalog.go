package ledger

import (
	"context"
	"time"
)

// =============================================================================
// CATALOG SYNC - Idempotent item upsert from the system of record
// =============================================================================

// CatalogSync applies catalog pulls. Items are keyed by their stable
// origin-assigned id: re-applying the same pull is a no-op, and removals
// upstream arrive as Active=false, never as deletes.
type CatalogSync struct {
	Store TxStore
	Now   func() time.Time
}

func NewCatalogSync(store TxStore) *CatalogSync {
	return &CatalogSync{Store: store, Now: func() time.Time { return time.Now().UTC() }}
}

// Apply upserts a batch of catalog items atomically and returns how many
// were written.
func (c *CatalogSync) Apply(ctx context.Context, items []Item) (int, error) {
	count := 0
	err := c.Store.WithTx(ctx, func(s Store) error {
		now := c.Now()
		for _, item := range items {
			if item.ID == "" {
				return &ValidationError{Field: "id", Message: "catalog item id required"}
			}
			if item.UpdatedAt.IsZero() {
				item.UpdatedAt = now
			}
			if err := s.UpsertItem(ctx, item); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
