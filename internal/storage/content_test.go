package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"persistentfs/internal/common"
)

func noHashing() Features {
	f := DefaultFeatures()
	f.ContentHashing = false
	return f
}

func TestContentDeduplication(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	a := createFile(t, s, NullID, "a", FileAttributes{})
	b := createFile(t, s, NullID, "b", FileAttributes{})
	c := createFile(t, s, NullID, "c", FileAttributes{})

	shared := []byte("same bytes in two files")
	require.NoError(t, s.WriteContent(ctx, a, shared, false))
	require.NoError(t, s.WriteContent(ctx, b, shared, true))
	require.NoError(t, s.WriteContent(ctx, c, []byte("different"), false))

	idA, _ := s.ContentID(a)
	idB, _ := s.ContentID(b)
	idC, _ := s.ContentID(c)
	assert.Equal(t, idA, idB)
	assert.NotEqual(t, idA, idC)

	refs, err := s.ContentRefCount(idA)
	require.NoError(t, err)
	assert.Equal(t, int32(2), refs)

	// Moving a to new bytes releases its reference on the shared block.
	require.NoError(t, s.WriteContent(ctx, a, []byte("changed"), false))
	refs, err = s.ContentRefCount(idB)
	require.NoError(t, err)
	assert.Equal(t, int32(1), refs)

	got, ok, err := s.ReadContent(ctx, b)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, shared, got)

	st, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, int32(3), st.ContentBlocks)
	assert.Equal(t, s.hashes.MaxID(), st.ContentBlocks)
}

func TestContentWithoutHashing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t, t.TempDir(), withFeatures(noHashing()))
	defer s.Close()

	a := createFile(t, s, NullID, "a", FileAttributes{})
	b := createFile(t, s, NullID, "b", FileAttributes{})
	data := []byte("payload")

	require.NoError(t, s.WriteContent(ctx, a, data, false))
	require.NoError(t, s.WriteContent(ctx, b, data, false))
	idA, _ := s.ContentID(a)
	idB, _ := s.ContentID(b)
	assert.NotEqual(t, idA, idB, "every write gets its own block")

	// An unshared, writable block is rewritten in place.
	require.NoError(t, s.WriteContent(ctx, a, []byte("payload v2"), false))
	again, _ := s.ContentID(a)
	assert.Equal(t, idA, again)
	got, _, err := s.ReadContent(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "payload v2", string(got))

	// A shared block is never rewritten under the other holder.
	acquired, err := s.AcquireContent(b)
	require.NoError(t, err)
	assert.Equal(t, idB, acquired)
	require.NoError(t, s.WriteContent(ctx, b, []byte("b v2"), false))
	moved, _ := s.ContentID(b)
	assert.NotEqual(t, idB, moved)
	held, err := s.ReadContentByID(idB)
	require.NoError(t, err)
	assert.Equal(t, data, held)
	require.NoError(t, s.ReleaseContent(idB))
	refs, err := s.ContentRefCount(idB)
	require.NoError(t, err)
	assert.Zero(t, refs)
}

func TestContentCompression(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	s := openTestStore(t, dir)

	id := createFile(t, s, NullID, "big.txt", FileAttributes{})
	compressible := bytes.Repeat([]byte("persistent record store "), 512)
	require.NoError(t, s.WriteContent(ctx, id, compressible, true))

	st, err := s.Stats()
	require.NoError(t, err)
	assert.Less(t, st.ContentBytes, int64(len(compressible)), "compressible content is stored compressed")
	require.NoError(t, s.Close())

	s = openTestStore(t, dir)
	defer s.Close()
	got, ok, err := s.ReadContent(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, compressible, got)
}

func TestStoreUnlinkedContent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	contentID, err := s.StoreUnlinkedContent(ctx, []byte("detached"))
	require.NoError(t, err)
	refs, err := s.ContentRefCount(contentID)
	require.NoError(t, err)
	assert.Equal(t, int32(1), refs)

	id := createFile(t, s, NullID, "late", FileAttributes{})
	require.NoError(t, s.WriteContent(ctx, id, []byte("detached"), false))
	linked, _ := s.ContentID(id)
	assert.Equal(t, contentID, linked)
	refs, err = s.ContentRefCount(contentID)
	require.NoError(t, err)
	assert.Equal(t, int32(2), refs)
}

func TestContentHashIndexMismatchIsCorruption(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	blobs := openTestBlobs(t, filepath.Join(dir, "content.dat"))
	defer blobs.close()
	hashes, err := openEnumerator(ctx, filepath.Join(dir, "hashes.dat"), "content hashes", 1, 0)
	require.NoError(t, err)
	defer hashes.Close()

	_, err = hashes.Enumerate(ctx, "orphan hash")
	require.NoError(t, err)

	_, err = openContentStore(blobs, hashes, DefaultFeatures(), nil)
	assert.True(t, common.IsCorruption(err))
}

func TestMissingContentFileRebuilds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	s := openTestStore(t, dir)
	id := createFile(t, s, NullID, "f", FileAttributes{})
	require.NoError(t, s.WriteContent(ctx, id, []byte("will be lost"), false))
	require.NoError(t, s.Close())

	// Losing content.dat leaves the hash index ahead of the content storage.
	require.NoError(t, os.Remove(filepath.Join(dir, contentFile+DefaultExtension)))

	s = openTestStore(t, dir)
	defer s.Close()
	assert.True(t, s.Rebuilt())
}
