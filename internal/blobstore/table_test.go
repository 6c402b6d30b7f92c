package blobstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableRoutesDeterministically(t *testing.T) {
	tbl := NewTable(8, 100)
	b1 := tbl.Bucket("some-key")
	b2 := tbl.Bucket("some-key")
	assert.Same(t, b1, b2)
}

func TestTableCrossBucketRename(t *testing.T) {
	// A tiny table makes it likely two keys land in different buckets;
	// try a handful of pairs and use whichever pair actually crosses.
	tbl := NewTable(4, 100)
	var oldKey, newKey string
	for _, candidate := range [][2]string{{"alpha", "beta"}, {"k1", "k2"}, {"foo", "bar"}, {"aaaa", "zzzz"}} {
		if tbl.indexOf(candidate[0]) != tbl.indexOf(candidate[1]) {
			oldKey, newKey = candidate[0], candidate[1]
			break
		}
	}
	require.NotEmpty(t, oldKey, "need at least one cross-bucket pair among candidates")

	tbl.Upsert(oldKey, []byte("v1"))
	require.NoError(t, tbl.Rename(oldKey, newKey, nil, false))

	_, ok := tbl.Get(oldKey)
	assert.False(t, ok)

	got, ok := tbl.Get(newKey)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), got)
}

func TestTableRenameWithBodyOverwritesDestination(t *testing.T) {
	tbl := NewTable(4, 100)
	tbl.Upsert("x", []byte("v1"))

	require.NoError(t, tbl.Rename("x", "y", []byte("v2"), true))

	_, ok := tbl.Get("x")
	assert.False(t, ok)
	got, ok := tbl.Get("y")
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), got)
}

func TestTableRenameMissingSourceInsertsAtDestination(t *testing.T) {
	tbl := NewTable(4, 100)
	require.NoError(t, tbl.Rename("missing", "dest", []byte("v"), true))

	got, ok := tbl.Get("dest")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)
}

func TestTableBuckets(t *testing.T) {
	tbl := NewTable(4, 100)
	assert.Len(t, tbl.Buckets(), 4)
	assert.Equal(t, 4, tbl.BucketCount())
}
