// Package batch groups the add/remove keys an update_keys call carries,
// so callers can build up a request incrementally before submitting it
// as one collective.
package batch

import "distkeyindex/pkg/keytype"

// UpdateBatch groups the keys a single update_keys collective will add
// and remove. It is not itself thread-safe; build one per goroutine and
// pass its AddKeys and RemoveKeys to Index.UpdateKeys.
type UpdateBatch struct {
	add    []keytype.Key
	remove []keytype.Key
}

// Add stages key for insertion under the caller's own rank.
func (b *UpdateBatch) Add(key keytype.Key) {
	b.add = append(b.add, key)
}

// Remove stages key for removal under the caller's own rank.
func (b *UpdateBatch) Remove(key keytype.Key) {
	b.remove = append(b.remove, key)
}

// Clear empties the batch, allowing it to be reused.
func (b *UpdateBatch) Clear() {
	b.add = b.add[:0]
	b.remove = b.remove[:0]
}

// Count returns the total number of staged operations.
func (b *UpdateBatch) Count() int {
	return len(b.add) + len(b.remove)
}

// AddKeys returns the staged additions.
func (b *UpdateBatch) AddKeys() []keytype.Key {
	return b.add
}

// RemoveKeys returns the staged removals.
func (b *UpdateBatch) RemoveKeys() []keytype.Key {
	return b.remove
}
