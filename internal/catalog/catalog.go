package catalog

import (
	"context"
	"errors"
	"fmt"
	"log"

	"vod-engine/internal/content"
	"vod-engine/pkg/types"
)

// BlobPrefix is the URL path under which handles are served.
const BlobPrefix = "/offline/blob/"

// Catalog joins the metadata index and the content store by item id.
type Catalog struct {
	index   Index
	store   content.Store
	handles *Handles
}

func New(index Index, store content.Store) *Catalog {
	return &Catalog{index: index, store: store, handles: NewHandles(BlobPrefix)}
}

func (c *Catalog) Handles() *Handles    { return c.handles }
func (c *Catalog) Store() content.Store { return c.store }

// List returns the assets in insertion order. An unreadable index yields
// an empty list.
func (c *Catalog) List(ctx context.Context) []types.OfflineAsset {
	list, err := c.index.Load(ctx)
	if err != nil {
		log.Printf("[offline] list: %v", err)
		return nil
	}
	return list
}

func (c *Catalog) Get(ctx context.Context, id string) (types.OfflineAsset, bool) {
	for _, a := range c.List(ctx) {
		if a.ID == id {
			return a, true
		}
	}
	return types.OfflineAsset{}, false
}

// Register records a downloaded asset. Its content must already be committed.
func (c *Catalog) Register(ctx context.Context, a types.OfflineAsset) error {
	if a.ID == "" {
		return fmt.Errorf("register: %w", content.ErrInvalidID)
	}
	if err := c.index.Put(ctx, a); err != nil {
		return fmt.Errorf("register %s: %w", a.ID, err)
	}
	log.Printf("[offline] registered %s (%q, %s)", a.ID, a.Title, a.Size)
	return nil
}

// Remove deletes the content entry, revokes handles, then drops the metadata
// record. Content errors are logged and do not stop the metadata removal;
// the janitor sweeps whatever content is left behind.
func (c *Catalog) Remove(ctx context.Context, id string) error {
	if err := c.store.Delete(id); err != nil && !errors.Is(err, content.ErrNotFound) {
		log.Printf("[offline] remove %s: content delete failed: %v", id, err)
	}
	if n := c.handles.RevokeID(id); n > 0 {
		log.Printf("[offline] remove %s: revoked %d handle(s)", id, n)
	}
	if err := c.index.Delete(ctx, id); err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	log.Printf("[offline] removed %s", id)
	return nil
}

// Resolve issues a playable handle for id owned by the given session.
// It returns ErrNotFound when either the record or the content is absent,
// and ErrNoOwner without an owner.
func (c *Catalog) Resolve(ctx context.Context, id, owner string) (Handle, error) {
	if owner == "" {
		return Handle{}, ErrNoOwner
	}
	if _, ok := c.Get(ctx, id); !ok {
		return Handle{}, ErrNotFound
	}
	b, err := c.store.Open(id)
	if err != nil {
		if errors.Is(err, content.ErrNotFound) {
			log.Printf("[offline] resolve %s: metadata without content", id)
			return Handle{}, ErrNotFound
		}
		return Handle{}, err
	}
	_ = b.Close()
	return c.handles.issue(id, owner), nil
}

// OpenHandle opens the content behind a live token.
func (c *Catalog) OpenHandle(token string) (content.Blob, error) {
	id, ok := c.handles.Lookup(token)
	if !ok {
		return nil, ErrNotFound
	}
	return c.store.Open(id)
}

// Reconcile deletes content entries that have no metadata record. Each
// candidate is first claimed so no download can commit or register it
// while it is checked; ids whose claim fails are skipped. A nil claim
// checks without reserving.
func (c *Catalog) Reconcile(ctx context.Context, claim func(id string) (release func(), ok bool)) ([]string, error) {
	ids, err := c.store.List()
	if err != nil {
		return nil, fmt.Errorf("list content: %w", err)
	}
	list, err := c.index.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load index: %w", err)
	}
	known := make(map[string]bool, len(list))
	for _, a := range list {
		known[a.ID] = true
	}
	var removed []string
	for _, id := range ids {
		if known[id] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if c.removeOrphan(ctx, id, claim) {
			removed = append(removed, id)
		}
	}
	return removed, nil
}

// removeOrphan deletes id's content if, once claimed, it is still absent
// from a freshly loaded index.
func (c *Catalog) removeOrphan(ctx context.Context, id string, claim func(string) (func(), bool)) bool {
	if claim != nil {
		release, ok := claim(id)
		if !ok {
			return false
		}
		defer release()
	}
	list, err := c.index.Load(ctx)
	if err != nil {
		log.Printf("[janitor] orphan %s: recheck failed: %v", id, err)
		return false
	}
	for _, a := range list {
		if a.ID == id {
			return false
		}
	}
	if err := c.store.Delete(id); err != nil && !errors.Is(err, content.ErrNotFound) {
		log.Printf("[janitor] orphan %s: delete failed: %v", id, err)
		return false
	}
	return true
}

func (c *Catalog) Close() error {
	return errors.Join(c.index.Close(), c.store.Close())
}
