package blobstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketBasicRoundTrip(t *testing.T) {
	b := NewBucket(10)
	b.Upsert("user:1", []byte("alpha"))

	got, ok := b.Get("user:1")
	require.True(t, ok)
	assert.Equal(t, []byte("alpha"), got)

	assert.True(t, b.Remove("user:1"))
	_, ok = b.Get("user:1")
	assert.False(t, ok)
}

func TestBucketRenamePreservesValue(t *testing.T) {
	b := NewBucket(10)
	b.Upsert("x", []byte("v1"))

	require.NoError(t, b.Rename("x", "y"))

	_, ok := b.Get("x")
	assert.False(t, ok)

	got, ok := b.Get("y")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), got)
}

func TestBucketRenameConflict(t *testing.T) {
	b := NewBucket(10)
	b.Upsert("a", []byte("A"))
	b.Upsert("b", []byte("B"))

	err := b.Rename("a", "b")
	require.Error(t, err)

	// Nothing should have changed.
	got, ok := b.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("A"), got)
	got, ok = b.Get("b")
	require.True(t, ok)
	assert.Equal(t, []byte("B"), got)
}

func TestBucketRenameMissingSource(t *testing.T) {
	b := NewBucket(10)
	err := b.Rename("nope", "also-nope")
	assert.Error(t, err)
}

func TestBucketLRUEviction(t *testing.T) {
	b := NewBucket(2)
	b.Upsert("a", []byte("A"))
	b.Upsert("b", []byte("B"))
	_, _ = b.Get("a") // touch a, making b the LRU entry
	b.Upsert("c", []byte("C"))

	_, ok := b.Get("b")
	assert.False(t, ok, "b should have been evicted")

	got, ok := b.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("A"), got)

	got, ok = b.Get("c")
	require.True(t, ok)
	assert.Equal(t, []byte("C"), got)

	assert.Equal(t, 2, b.Len())
}

func TestBucketUpsertIdempotent(t *testing.T) {
	b := NewBucket(10)
	b.Upsert("k", []byte("v"))
	b.Upsert("k", []byte("v"))
	assert.Equal(t, 1, b.Len())

	got, ok := b.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)
}

func TestBucketDeleteIdempotence(t *testing.T) {
	b := NewBucket(10)
	b.Upsert("k", []byte("v"))

	assert.True(t, b.Remove("k"))
	assert.False(t, b.Remove("k"))
}

func TestBucketClear(t *testing.T) {
	b := NewBucket(10)
	b.Upsert("a", []byte("A"))
	b.Upsert("b", []byte("B"))
	b.Clear()
	assert.Equal(t, 0, b.Len())
	_, ok := b.Get("a")
	assert.False(t, ok)
}

func TestBucketGetReturnsCopy(t *testing.T) {
	b := NewBucket(10)
	b.Upsert("k", []byte("v"))
	got, _ := b.Get("k")
	got[0] = 'X'

	got2, _ := b.Get("k")
	assert.Equal(t, []byte("v"), got2, "mutating the returned slice must not affect the stored blob")
}

type fakeMiss struct {
	key  string
	blob []byte
	ok   bool
}

func (f *fakeMiss) OnCacheMiss(key string) ([]byte, bool) {
	if key == f.key {
		return f.blob, f.ok
	}
	return nil, false
}

func TestBucketMissHandlerFillsAndCaches(t *testing.T) {
	b := NewBucket(10)
	b.SetMissHandler(&fakeMiss{key: "k", blob: []byte("from-tier-2"), ok: true})

	got, ok := b.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("from-tier-2"), got)
	assert.Equal(t, 1, b.Len(), "miss-filled value should now live in the bucket")
}

type fakeEvict struct {
	evicted []string
}

func (f *fakeEvict) OnEntryEvicted(key string, blob []byte) {
	f.evicted = append(f.evicted, key)
}

func TestBucketEvictionHandlerNotifiedOnOverflowAndRemove(t *testing.T) {
	f := &fakeEvict{}
	b := NewBucket(1)
	b.SetEvictionHandler(f)

	b.Upsert("a", []byte("A"))
	b.Upsert("b", []byte("B")) // evicts a
	require.Equal(t, []string{"a"}, f.evicted)

	b.Remove("b")
	assert.Equal(t, []string{"a", "b"}, f.evicted)
}
