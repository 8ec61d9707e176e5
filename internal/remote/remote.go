package remote

import "context"

// Patch maps slash-delimited field paths to new values. A nil value deletes
// the subtree at that path.
type Patch map[string]any

// Store is a generic partial-update key-tree client, in the shape of a
// realtime-database SDK. Paths are slash-delimited and rooted at a
// collection, e.g. "games/ABC123/players/p1/score".
//
// The store is a best-effort durable mirror: callers keep serving from their
// own cache when it is unavailable.
type Store interface {
	// Get returns the value stored at path: a decoded scalar or array for a
	// leaf, a nested map[string]any for an interior node, or nil when nothing
	// is stored there. A missing node is not an error.
	Get(ctx context.Context, path string) (any, error)

	// Set replaces the whole subtree at path with value. A nil value deletes
	// the subtree.
	Set(ctx context.Context, path string, value any) error

	// Update applies every entry of patch relative to path in one shot,
	// leaving unrelated siblings untouched.
	Update(ctx context.Context, path string, patch Patch) error

	// Transaction applies fn to the current value at path with
	// compare-and-retry semantics: fn may run more than once when the node is
	// concurrently modified, and the final write only commits against the
	// value fn last observed.
	Transaction(ctx context.Context, path string, fn func(current any) (any, error)) error
}
