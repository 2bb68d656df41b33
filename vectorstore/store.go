// Package vectorstore implements the vector index engine: a JSON file
// backend, reciprocal-rank fusion, a per-store manager, and the
// embedding-aware service operations built on top.
package vectorstore

import (
	"context"
	"fmt"

	"github.com/zoeflow/zoeflow/errs"
	"github.com/zoeflow/zoeflow/schema"
)

// ErrDimensionMismatch is wrapped into every embedding dimension
// conflict so callers can test with errors.Is.
var ErrDimensionMismatch = errs.New(errs.KindConflict, "embedding dimension mismatch")

func dimensionMismatch(got, want int) error {
	return errs.Wrap(errs.KindConflict,
		fmt.Sprintf("embedding dimension mismatch: got %d, store has %d", got, want),
		ErrDimensionMismatch)
}

// Store is one vector index. A store's dimension is fixed by the first
// inserted item; later inserts and queries must match it.
type Store interface {
	// Load opens the backing storage and returns the store dimension,
	// 0 when the store is empty.
	Load(ctx context.Context) (int, error)

	// Upsert inserts or replaces items by id and reports how many of
	// each. Items must carry non-empty text and embedding.
	Upsert(ctx context.Context, items []schema.VectorStoreItem) (inserted, updated int, err error)

	// Query returns the topK most similar items, descending score,
	// insertion order on ties.
	Query(ctx context.Context, embedding []float32, topK int) ([]schema.QueryResult, error)

	// Delete removes the given ids and returns how many existed.
	Delete(ctx context.Context, ids []string) (int, error)

	// List returns all items in insertion order.
	List(ctx context.Context) ([]schema.VectorStoreItem, error)
}

func validateItems(items []schema.VectorStoreItem) error {
	for i := range items {
		if items[i].Text == "" {
			return errs.Errorf(errs.KindValidation, "item %q has empty text", items[i].ID)
		}
		if len(items[i].Embedding) == 0 {
			return errs.Errorf(errs.KindValidation, "item %q has empty embedding", items[i].ID)
		}
	}
	return nil
}
