// Package catalog owns the offline metadata index and the handles that
// make stored content playable.
package catalog

import (
	"context"
	"errors"

	"vod-engine/pkg/types"
)

var (
	ErrNotFound = errors.New("offline asset not found")
	ErrNoOwner  = errors.New("playable handle needs an owner session")
)

// Index is the persisted, ordered list of offline assets.
//
// Every mutation re-reads the current state before merging, so two writers
// never drop each other's entries.
type Index interface {
	// Load returns all records in insertion order.
	Load(ctx context.Context) ([]types.OfflineAsset, error)
	// Put inserts a record, or replaces the one with the same id and moves
	// it to the end.
	Put(ctx context.Context, a types.OfflineAsset) error
	// Delete removes the record for id. A missing id is not an error.
	Delete(ctx context.Context, id string) error
	Close() error
}
