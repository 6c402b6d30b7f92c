package blobstore

import "github.com/vncache/vncache/internal/apperrors"

// Table routes keys to buckets by hash and has no cross-bucket lock of
// its own: callers that need two buckets at once (cross-bucket rename)
// acquire them directly, always in ascending bucket-index order, so two
// concurrent renames can never deadlock on each other.
type Table struct {
	buckets []*Bucket
}

// NewTable creates a table of bucketCount buckets, each bounded to
// maxPerBucket entries.
func NewTable(bucketCount, maxPerBucket int) *Table {
	t := &Table{buckets: make([]*Bucket, bucketCount)}
	for i := range t.buckets {
		t.buckets[i] = NewBucket(maxPerBucket)
	}
	return t
}

// BucketCount returns the fixed number of buckets in the table.
func (t *Table) BucketCount() int {
	return len(t.buckets)
}

// indexOf returns the bucket index a key routes to.
func (t *Table) indexOf(key string) int {
	return bucketIndex(key, len(t.buckets))
}

// Bucket returns the bucket a key routes to.
func (t *Table) Bucket(key string) *Bucket {
	return t.buckets[t.indexOf(key)]
}

// Buckets returns every bucket in fixed index order, used to install
// the backing store's miss and eviction hooks on every bucket, and by
// tests.
func (t *Table) Buckets() []*Bucket {
	return t.buckets
}

// Get reads key from its routed bucket.
func (t *Table) Get(key string) ([]byte, bool) {
	return t.Bucket(key).Get(key)
}

// Upsert writes key to its routed bucket.
func (t *Table) Upsert(key string, value []byte) {
	t.Bucket(key).Upsert(key, value)
}

// Remove deletes key from its routed bucket.
func (t *Table) Remove(key string) bool {
	return t.Bucket(key).Remove(key)
}

// Rename moves oldKey to newKey, possibly across buckets. When both
// keys route to the same bucket this delegates directly to
// Bucket.Rename (or RenameOverwrite, when a body accompanies the
// rename). When they route to different buckets, both bucket mutexes
// are held for the span of the operation, acquired in ascending index
// order to avoid deadlock against a concurrent rename in the opposite
// direction.
func (t *Table) Rename(oldKey, newKey string, overwriteWith []byte, hasBody bool) error {
	oldIdx, newIdx := t.indexOf(oldKey), t.indexOf(newKey)

	if oldIdx == newIdx {
		if hasBody {
			return t.buckets[oldIdx].RenameOverwrite(oldKey, newKey, overwriteWith)
		}
		return t.buckets[oldIdx].Rename(oldKey, newKey)
	}

	first, second := oldIdx, newIdx
	if first > second {
		first, second = second, first
	}
	t.buckets[first].Lock()
	defer t.buckets[first].Unlock()
	t.buckets[second].Lock()
	defer t.buckets[second].Unlock()

	oldBucket, newBucket := t.buckets[oldIdx], t.buckets[newIdx]

	value, haveOld := oldBucket.GetLocked(oldKey)
	if !haveOld {
		if !hasBody {
			return apperrors.NotFound("key not found: " + oldKey)
		}
		// Source absent: insert directly at destination.
		newBucket.UpsertLocked(newKey, overwriteWith)
		return nil
	}
	if newBucket.HasLocked(newKey) {
		return apperrors.Conflict("rename target already exists: " + newKey)
	}

	oldBucket.RemoveLocked(oldKey)
	if hasBody {
		value = overwriteWith
	}
	newBucket.UpsertLocked(newKey, value)
	return nil
}
