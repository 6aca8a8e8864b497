// Package store implements PersistentStore: the interchangeable
// room-state persistence backends. A room's saved state is always a
// whole-state replacement — partial writes are never exposed — and
// save is never invoked for updates that originated from storage
// itself, to avoid a save-load-save loop.
package store

import "context"

// PersistentStore is satisfied by both on-disk backends. Save replaces
// the entire persisted state for docName; Load returns nil, false, nil
// when no state has ever been saved for docName.
type PersistentStore interface {
	Init(ctx context.Context) error
	Load(ctx context.Context, docName string) ([]byte, bool, error)
	Save(ctx context.Context, docName string, state []byte) error
	Close() error
}
