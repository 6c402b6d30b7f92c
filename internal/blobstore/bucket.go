// Package blobstore implements the in-memory blob store: per-bucket
// LRU maps (this file) fronted by a routing table (table.go).
//
// The design mirrors the hand-rolled generic LRU in go-ethereum's
// common/lru package (map + intrusive doubly-linked recency list)
// rather than reaching for a third-party cache library, because the
// bucket needs operations no generic cache exposes: an atomic
// rename that reinserts a node under a new key at the tail, and
// eviction/miss hooks that hand the evicted bytes to a pluggable
// backing store (see internal/backingstore).
package blobstore

import (
	"container/list"
	"sync"

	"github.com/vncache/vncache/internal/apperrors"
)

// MissHandler is consulted by Get when a key is absent, allowing an
// optional second-tier store to fill the miss. The default bucket runs
// with a nil handler and never calls out.
type MissHandler interface {
	OnCacheMiss(key string) (blob []byte, ok bool)
}

// EvictionHandler is notified whenever a bucket evicts or removes an
// entry, allowing an optional write-behind tier to observe it.
type EvictionHandler interface {
	OnEntryEvicted(key string, blob []byte)
}

// BufferAllocator lets an optional backing store reserve its own
// per-bucket resources (e.g. connection pool shards) up front, sized to
// the same per-bucket capacity the in-memory tier uses, rather than
// discovering the number of buckets lazily on first miss.
type BufferAllocator interface {
	AllocateBucketBuffers(maxPerBucket int) error
}

type entry struct {
	key  string
	blob []byte
}

// Bucket is an LRU-ordered key→blob map. All exported methods are
// mutually exclusive: a single mutex serializes every operation, held
// only for the operation's minimal span. An installed EvictionHandler
// is called while that mutex is held; the MissHandler is called
// without it.
type Bucket struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element // key -> list node
	order    *list.List               // front = LRU, back = MRU

	onMiss   MissHandler
	onEvict  EvictionHandler
}

// NewBucket creates a bucket bounded to capacity entries (maxPerBucket).
func NewBucket(capacity int) *Bucket {
	return &Bucket{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// SetMissHandler installs the optional backing-store miss hook.
func (b *Bucket) SetMissHandler(h MissHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onMiss = h
}

// SetEvictionHandler installs the optional backing-store eviction hook.
func (b *Bucket) SetEvictionHandler(h EvictionHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onEvict = h
}

// Get returns a copy of the blob stored at key, moving it to the tail
// (most-recently-used) on a hit. The returned slice is a fresh copy;
// callers may retain it freely.
func (b *Bucket) Get(key string) ([]byte, bool) {
	b.mu.Lock()
	if el, ok := b.items[key]; ok {
		b.order.MoveToBack(el)
		out := make([]byte, len(el.Value.(*entry).blob))
		copy(out, el.Value.(*entry).blob)
		b.mu.Unlock()
		return out, true
	}
	miss := b.onMiss
	b.mu.Unlock()

	if miss == nil {
		return nil, false
	}
	blob, ok := miss.OnCacheMiss(key)
	if !ok {
		return nil, false
	}
	// Populate the bucket with the filled value so subsequent gets are local.
	b.Upsert(key, blob)
	out := make([]byte, len(blob))
	copy(out, blob)
	return out, true
}

// Upsert inserts or overwrites key with bytes, moving it to the tail.
// If the bucket exceeds capacity as a result, the head (LRU) entry is
// evicted — exactly one entry is dropped per insertion that overflows.
func (b *Bucket) Upsert(key string, value []byte) {
	stored := make([]byte, len(value))
	copy(stored, value)

	b.mu.Lock()
	defer b.mu.Unlock()

	if el, ok := b.items[key]; ok {
		el.Value.(*entry).blob = stored
		b.order.MoveToBack(el)
		return
	}

	el := b.order.PushBack(&entry{key: key, blob: stored})
	b.items[key] = el

	if b.order.Len() > b.capacity {
		b.evictLocked()
	}
}

// evictLocked removes the head (least-recently-used) entry. Caller must
// hold b.mu.
func (b *Bucket) evictLocked() {
	front := b.order.Front()
	if front == nil {
		return
	}
	e := front.Value.(*entry)
	b.order.Remove(front)
	delete(b.items, e.key)
	if b.onEvict != nil {
		b.onEvict.OnEntryEvicted(e.key, e.blob)
	}
}

// Rename moves the value at oldKey to newKey, moving it to the tail.
// If newKey already holds a value at the same time oldKey does, Rename
// fails with a Conflict error and changes nothing (§9 Open Question:
// this package always rejects such collisions rather than silently
// overwriting). If oldKey is absent, Rename reports NotFound.
func (b *Bucket) Rename(oldKey, newKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldEl, haveOld := b.items[oldKey]
	if !haveOld {
		return apperrors.NotFound("key not found: " + oldKey)
	}
	if _, haveNew := b.items[newKey]; haveNew {
		return apperrors.Conflict("rename target already exists: " + newKey)
	}

	e := oldEl.Value.(*entry)
	delete(b.items, oldKey)
	e.key = newKey
	b.items[newKey] = oldEl
	b.order.MoveToBack(oldEl)
	return nil
}

// RenameOverwrite renames oldKey to newKey and replaces its contents
// with value in one atomic step, used by the UPSERT-with-NewObjectId
// action. If oldKey is absent, it falls back to a plain Upsert at
// newKey. A same-time collision with an existing newKey (while oldKey
// is also present) still fails with Conflict.
func (b *Bucket) RenameOverwrite(oldKey, newKey string, value []byte) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	b.mu.Lock()
	defer b.mu.Unlock()

	oldEl, haveOld := b.items[oldKey]
	if !haveOld {
		b.upsertLocked(newKey, stored)
		return nil
	}

	if existingEl, haveNew := b.items[newKey]; haveNew && existingEl != oldEl {
		return apperrors.Conflict("rename target already exists: " + newKey)
	}

	e := oldEl.Value.(*entry)
	delete(b.items, oldKey)
	e.key = newKey
	e.blob = stored
	b.items[newKey] = oldEl
	b.order.MoveToBack(oldEl)
	return nil
}

func (b *Bucket) upsertLocked(key string, stored []byte) {
	if el, ok := b.items[key]; ok {
		el.Value.(*entry).blob = stored
		b.order.MoveToBack(el)
		return
	}
	el := b.order.PushBack(&entry{key: key, blob: stored})
	b.items[key] = el
	if b.order.Len() > b.capacity {
		b.evictLocked()
	}
}

// Remove deletes key, returning whether it was present.
func (b *Bucket) Remove(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	el, ok := b.items[key]
	if !ok {
		return false
	}
	e := el.Value.(*entry)
	b.order.Remove(el)
	delete(b.items, key)
	if b.onEvict != nil {
		b.onEvict.OnEntryEvicted(e.key, e.blob)
	}
	return true
}

// Clear releases every entry.
func (b *Bucket) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = make(map[string]*list.Element)
	b.order.Init()
}

// Len returns the number of entries currently stored.
func (b *Bucket) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.order.Len()
}

// Has reports whether key is present, without affecting recency order.
// The table's cross-bucket rename uses HasLocked, its lock-free
// counterpart, for the same collision probe.
func (b *Bucket) Has(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.items[key]
	return ok
}

// Lock and Unlock expose the bucket mutex directly for callers (the
// table's cross-bucket rename) that must hold two bucket locks at once
// in a fixed index order to stay deadlock-free.
func (b *Bucket) Lock()   { b.mu.Lock() }
func (b *Bucket) Unlock() { b.mu.Unlock() }

// GetLocked/UpsertLocked/HasLocked/RemoveLocked are the
// lock-free counterparts of the exported operations, for use only while
// the caller already holds b.mu (via Lock) — the cross-bucket rename
// path in table.go.
func (b *Bucket) GetLocked(key string) ([]byte, bool) {
	el, ok := b.items[key]
	if !ok {
		return nil, false
	}
	b.order.MoveToBack(el)
	e := el.Value.(*entry)
	out := make([]byte, len(e.blob))
	copy(out, e.blob)
	return out, true
}

func (b *Bucket) UpsertLocked(key string, value []byte) {
	stored := make([]byte, len(value))
	copy(stored, value)
	b.upsertLocked(key, stored)
}

func (b *Bucket) HasLocked(key string) bool {
	_, ok := b.items[key]
	return ok
}

func (b *Bucket) RemoveLocked(key string) ([]byte, bool) {
	el, ok := b.items[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	b.order.Remove(el)
	delete(b.items, key)
	if b.onEvict != nil {
		b.onEvict.OnEntryEvicted(e.key, e.blob)
	}
	return e.blob, true
}
