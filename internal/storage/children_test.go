package storage

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"persistentfs/internal/common"
)

func ids(l ListResult) []int32 { return l.IDs() }

func TestListResultTransforms(t *testing.T) {
	t.Parallel()
	base := NewListResult(ChildInfo{ID: 9}, ChildInfo{ID: 3}, ChildInfo{ID: 5}, ChildInfo{ID: 3, NameID: 7})

	assert.Equal(t, []int32{3, 5, 9}, ids(base))
	assert.Equal(t, int32(7), base.Children[0].NameID, "last duplicate wins")

	assert.Equal(t, []int32{3, 4, 5, 9}, ids(base.Insert(ChildInfo{ID: 4})))
	assert.Equal(t, []int32{3, 9}, ids(base.Remove(5)))
	assert.Equal(t, []int32{3, 5, 9}, ids(base.Remove(6)))
	assert.Equal(t, []int32{2, 3, 5, 9, 10}, ids(base.Merge(NewListResult(ChildInfo{ID: 10}, ChildInfo{ID: 2}, ChildInfo{ID: 5}))))
	assert.Equal(t, []int32{9}, ids(base.Subtract(NewListResult(ChildInfo{ID: 3}, ChildInfo{ID: 5}))))
	assert.True(t, base.Contains(5))
	assert.False(t, base.Contains(4))

	assert.Equal(t, []int32{3, 5, 9}, ids(base), "transforms never modify the receiver")
}

func TestChildIDEncoding(t *testing.T) {
	t.Parallel()

	// Children may have smaller ids than the parent.
	for _, tc := range []struct {
		parent int32
		ids    []int32
	}{
		{parent: 2, ids: nil},
		{parent: 2, ids: []int32{3, 4, 5, 6}},
		{parent: 500, ids: []int32{2, 17, 499, 501, 1 << 30}},
	} {
		data := encodeChildIDs(tc.parent, tc.ids)
		got, err := decodeChildIDs(tc.parent, data)
		require.NoError(t, err)
		assert.Equal(t, len(tc.ids), len(got))
		for i := range tc.ids {
			assert.Equal(t, tc.ids[i], got[i])
		}
	}

	sequential := encodeChildIDs(2, []int32{3, 4, 5, 6, 7, 8, 9, 10})
	assert.Len(t, sequential, 9, "sequential ids cost one byte each")

	for name, data := range map[string][]byte{
		"unordered": encodeChildIDs(2, []int32{5, 4}),
		"duplicate": encodeChildIDs(2, []int32{5, 5}),
		"self":      encodeChildIDs(5, []int32{5}),
		"truncated": encodeChildIDs(2, []int32{3, 4})[:2],
		"trailing":  append(encodeChildIDs(2, []int32{3}), 0),
	} {
		_, err := decodeChildIDs(name2parent(name), data)
		assert.True(t, common.IsCorruption(err), name)
	}
}

func name2parent(name string) int32 {
	if name == "self" {
		return 5
	}
	return 2
}

func TestRootRegistryEncoding(t *testing.T) {
	t.Parallel()
	roots := []rootEntry{{URLID: 4, ID: 2}, {URLID: 1, ID: 10}, {URLID: 9, ID: 11}}
	got, err := decodeRoots(encodeRoots(roots))
	require.NoError(t, err)
	assert.Equal(t, roots, got)

	_, err = decodeRoots([]byte{1, 0, 1})
	assert.True(t, common.IsCorruption(err), "url id 0 is invalid")
}

func TestChildrenMatchSetModel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	parent := createFile(t, s, NullID, "dir", dirAttrs())
	var pool []int32
	for i := 0; i < 40; i++ {
		pool = append(pool, createFile(t, s, parent, fmt.Sprintf("f%02d", i), FileAttributes{}))
	}
	require.NoError(t, s.SaveChildren(ctx, parent, ListResult{}))

	rng := rand.New(rand.NewSource(42))
	model := map[int32]bool{}
	for step := 0; step < 300; step++ {
		id := pool[rng.Intn(len(pool))]
		var op func(ListResult) (ListResult, error)
		switch rng.Intn(3) {
		case 0:
			model[id] = true
			op = func(l ListResult) (ListResult, error) { return l.Insert(ChildInfo{ID: id}), nil }
		case 1:
			delete(model, id)
			op = func(l ListResult) (ListResult, error) { return l.Remove(id), nil }
		default:
			other := pool[rng.Intn(len(pool))]
			model[id], model[other] = true, true
			op = func(l ListResult) (ListResult, error) {
				return l.Merge(NewListResult(ChildInfo{ID: other}, ChildInfo{ID: id})), nil
			}
		}
		_, err := s.UpdateChildren(ctx, parent, op)
		require.NoError(t, err)
	}

	var want []int32
	for id := range model {
		want = append(want, id)
	}
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })

	got, err := s.ListIDs(ctx, parent)
	require.NoError(t, err)
	for i := 1; i < len(got); i++ {
		require.Less(t, got[i-1], got[i], "strictly increasing")
	}
	assert.Equal(t, want, got)
}

func TestUpdateChildrenReappliesAfterConcurrentChange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	parent := createFile(t, s, NullID, "dir", dirAttrs())
	first := createFile(t, s, parent, "first", FileAttributes{})
	intruder := createFile(t, s, NullID, "intruder", FileAttributes{})
	require.NoError(t, s.SetParent(intruder, parent))
	mine := createFile(t, s, NullID, "mine", FileAttributes{})
	require.NoError(t, s.SetParent(mine, parent))

	var calls atomic.Int32
	var injected atomic.Bool
	s.beforeChildrenCommit = func() {
		if injected.CompareAndSwap(false, true) {
			_, err := s.UpdateChildren(ctx, parent, func(l ListResult) (ListResult, error) {
				return l.Insert(ChildInfo{ID: intruder}), nil
			})
			require.NoError(t, err)
		}
	}

	result, err := s.UpdateChildren(ctx, parent, func(l ListResult) (ListResult, error) {
		calls.Add(1)
		return l.Insert(ChildInfo{ID: mine}), nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "the transform is re-applied to the fresh list")
	assert.Equal(t, []int32{first, intruder, mine}, result.IDs())

	got, err := s.ListIDs(ctx, parent)
	require.NoError(t, err)
	assert.Equal(t, []int32{first, intruder, mine}, got, "the concurrent insert is not lost")
}

func TestUpdateChildrenWithoutContention(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	parent := createFile(t, s, NullID, "dir", dirAttrs())
	child := createFile(t, s, NullID, "c", FileAttributes{})

	calls := 0
	_, err := s.UpdateChildren(ctx, parent, func(l ListResult) (ListResult, error) {
		calls++
		return l.Insert(ChildInfo{ID: child}), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	flags, err := s.Flags(parent)
	require.NoError(t, err)
	assert.NotZero(t, flags&FlagChildrenCached)

	_, err = s.UpdateChildren(ctx, parent, func(l ListResult) (ListResult, error) {
		return l, fmt.Errorf("refused")
	})
	assert.EqualError(t, err, "refused")
	assert.False(t, s.IsCorrupted())
}

func TestMoveChildren(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	from := createFile(t, s, NullID, "from", dirAttrs())
	to := createFile(t, s, NullID, "to", dirAttrs())
	a := createFile(t, s, from, "a", FileAttributes{})
	b := createFile(t, s, from, "b", FileAttributes{})
	c := createFile(t, s, to, "c", FileAttributes{})

	require.NoError(t, s.MoveChildren(ctx, from, to))

	got, err := s.ListIDs(ctx, to)
	require.NoError(t, err)
	assert.Equal(t, []int32{a, b, c}, got)
	got, err = s.ListIDs(ctx, from)
	require.NoError(t, err)
	assert.Empty(t, got)
	for _, id := range []int32{a, b} {
		parent, err := s.Parent(id)
		require.NoError(t, err)
		assert.Equal(t, to, parent)
	}

	may, err := s.MayHaveChildren(ctx, from)
	require.NoError(t, err)
	assert.False(t, may)
	may, err = s.MayHaveChildren(ctx, to)
	require.NoError(t, err)
	assert.True(t, may)
	may, err = s.MayHaveChildren(ctx, a)
	require.NoError(t, err)
	assert.False(t, may, "files have no children")
}

func TestFindChildByName(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	dir := createFile(t, s, NullID, "dir", dirAttrs())
	readme := createFile(t, s, dir, "README.md", FileAttributes{})

	id, ok, err := s.FindChildByName(ctx, dir, "README.md")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, readme, id)

	_, ok, err = s.FindChildByName(ctx, dir, "readme.md")
	require.NoError(t, err)
	assert.False(t, ok, "case-sensitive by default")

	flags, err := s.Flags(dir)
	require.NoError(t, err)
	require.NoError(t, s.SetFlags(dir, flags|FlagChildrenCaseSensitivityCached))
	id, ok, err = s.FindChildByName(ctx, dir, "readme.md")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, readme, id)
}

func TestRoots(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	s := openTestStore(t, dir)

	a, err := s.FindOrCreateRoot(ctx, "file:///a")
	require.NoError(t, err)
	again, err := s.FindOrCreateRoot(ctx, "file:///a")
	require.NoError(t, err)
	assert.Equal(t, a, again)
	b, err := s.FindOrCreateRoot(ctx, "jar:///lib.jar!/")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	_, ok, err := s.FindRootRecord(ctx, "file:///missing")
	require.NoError(t, err)
	assert.False(t, ok)

	flags, err := s.Flags(a)
	require.NoError(t, err)
	assert.NotZero(t, flags&FlagDirectory)
	require.NoError(t, s.Close())

	s = openTestStore(t, dir)
	defer s.Close()
	found, ok, err := s.FindRootRecord(ctx, "jar:///lib.jar!/")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, b, found)

	child := createFile(t, s, a, "child", FileAttributes{})
	require.ErrorIs(t, s.DeleteRoot(ctx, child), common.ErrInvalidArg)
	require.NoError(t, s.DeleteRoot(ctx, a))
	roots, err := s.ListRoots(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Root{{URL: "jar:///lib.jar!/", ID: b}}, roots)
	assert.True(t, s.IsFree(a))
	assert.True(t, s.IsFree(child))
}
