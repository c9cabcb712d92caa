package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"persistentfs/internal/common"
)

// openTestStore opens a headless store without background flushing.
func openTestStore(t *testing.T, dir string, tweak ...func(*Options)) *Store {
	t.Helper()
	opts := Options{Headless: true}
	for _, f := range tweak {
		f(&opts)
	}
	s, err := Open(context.Background(), dir, opts)
	require.NoError(t, err)
	return s
}

func withFeatures(f Features) func(*Options) {
	return func(o *Options) { o.Features = &f }
}

// featureMatrix covers both records strategies and both byte orders.
func featureMatrix() map[string]Features {
	lockFree := DefaultFeatures()

	synchronized := DefaultFeatures()
	synchronized.LockFreeRecords = false

	bigEndian := DefaultFeatures()
	bigEndian.BigEndian = true

	// Every toggle off: synchronized records, no hashing, no compression.
	plain := Features{}

	return map[string]Features{
		"lock-free":    lockFree,
		"synchronized": synchronized,
		"big-endian":   bigEndian,
		"plain":        plain,
	}
}

// createFile creates a named record below parent and links it into the
// parent's children list.
func createFile(t *testing.T, s *Store, parent int32, name string, attrs FileAttributes) int32 {
	t.Helper()
	ctx := context.Background()
	id, err := s.CreateRecord(ctx)
	require.NoError(t, err)
	require.NoError(t, s.WriteAttributesToRecord(ctx, id, parent, attrs, name))
	if parent != NullID {
		_, err = s.UpdateChildren(ctx, parent, func(l ListResult) (ListResult, error) {
			return l.Insert(ChildInfo{ID: id}), nil
		})
		require.NoError(t, err)
	}
	return id
}

func dirAttrs() FileAttributes {
	return FileAttributes{Flags: FlagDirectory, Length: -1, Timestamp: 1700000000000}
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()
	for name, features := range featureMatrix() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			dir := t.TempDir()

			s := openTestStore(t, dir, withFeatures(features))
			root, err := s.FindOrCreateRoot(ctx, "file:///project")
			require.NoError(t, err)
			src := createFile(t, s, root, "src", dirAttrs())
			main := createFile(t, s, src, "Main.java", FileAttributes{
				Flags:     FlagReadOnly | FlagHidden,
				Length:    120,
				Timestamp: -5,
			})
			require.NoError(t, s.Close())

			s = openTestStore(t, dir, withFeatures(features))
			defer s.Close()
			assert.False(t, s.Rebuilt())

			got, err := s.Record(main)
			require.NoError(t, err)
			assert.Equal(t, src, got.ParentID)
			assert.Equal(t, FlagReadOnly|FlagHidden, got.Flags)
			assert.Equal(t, int64(120), got.Length)
			assert.Equal(t, int64(-5), got.Timestamp)

			name, err := s.Name(ctx, main)
			require.NoError(t, err)
			assert.Equal(t, "Main.java", name)

			children, err := s.ListChildren(ctx, src)
			require.NoError(t, err)
			assert.Equal(t, []int32{main}, children.IDs())

			roots, err := s.ListRoots(ctx)
			require.NoError(t, err)
			assert.Equal(t, []Root{{URL: "file:///project", ID: root}}, roots)
		})
	}
}

func TestConcreteScenario(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	src, err := s.CreateRecord(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(2), src)
	require.NoError(t, s.WriteAttributesToRecord(ctx, src, RootID, dirAttrs(), "src"))

	main := createFile(t, s, src, "Main.java", FileAttributes{Length: 120})
	require.Equal(t, int32(3), main)

	ids, err := s.ListIDs(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, []int32{3}, ids)

	data := []byte("class Main { public static void main(String[] args) {} }")
	require.NoError(t, s.WriteContent(ctx, main, data, false))
	before, err := s.Stats()
	require.NoError(t, err)

	// Writing the same bytes for the same file again adds a reference to the
	// existing block instead of a second copy.
	require.NoError(t, s.WriteContent(ctx, main, data, false))

	contentID, err := s.ContentID(main)
	require.NoError(t, err)
	refs, err := s.ContentRefCount(contentID)
	require.NoError(t, err)
	assert.Equal(t, int32(2), refs)

	after, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, before.ContentBlocks, after.ContentBlocks)
	assert.Equal(t, before.ContentBytes, after.ContentBytes)

	require.NoError(t, s.DeleteRecordRecursively(ctx, src))

	list, err := s.ListChildren(ctx, src)
	require.NoError(t, err)
	assert.Zero(t, list.Len())
	for _, id := range []int32{src, main} {
		parent, err := s.Parent(id)
		require.NoError(t, err)
		assert.Zero(t, parent)
		nameID, err := s.NameID(id)
		require.NoError(t, err)
		assert.Zero(t, nameID)
		_, ok, err := s.ReadContent(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	assert.Subset(t, s.FreeRecords(), []int32{src, main})

	// Deleting the file drops the reference it owned; the extra one stays.
	refs, err = s.ContentRefCount(contentID)
	require.NoError(t, err)
	assert.Equal(t, int32(1), refs)
}

func TestFreedRecordsAreNotReusedBeforeRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	s := openTestStore(t, dir)

	id := createFile(t, s, NullID, "temp", FileAttributes{Length: 3})
	require.NoError(t, s.WriteAttribute(ctx, id, FileAttribute{ID: "note"}, []byte("secret")))
	require.NoError(t, s.WriteContent(ctx, id, []byte("abc"), false))
	require.NoError(t, s.DeleteRecordRecursively(ctx, id))
	assert.True(t, s.IsFree(id))

	next, err := s.CreateRecord(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, id, next, "a record freed in this session must not be recycled")
	require.NoError(t, s.Close())

	s = openTestStore(t, dir)
	defer s.Close()
	assert.True(t, s.IsFree(id))

	recycled, err := s.CreateRecord(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, recycled)
	assert.False(t, s.IsFree(id))

	_, ok, err := s.ReadAttribute(ctx, recycled, FileAttribute{ID: "note"})
	require.NoError(t, err)
	assert.False(t, ok, "attributes of the previous owner must be gone")
	_, ok, err = s.ReadContent(ctx, recycled)
	require.NoError(t, err)
	assert.False(t, ok, "content of the previous owner must be gone")
	rec, err := s.Record(recycled)
	require.NoError(t, err)
	assert.Zero(t, rec.Flags)
	assert.Zero(t, rec.Length)
}

func TestCrashBeforeForceRebuilds(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s := openTestStore(t, dir)
	stable := createFile(t, s, NullID, "stable", FileAttributes{Length: 1})
	require.NoError(t, s.Force())
	require.NoError(t, s.SetLength(stable, 2))
	s.crash()

	s = openTestStore(t, dir)
	defer s.Close()
	assert.True(t, s.Rebuilt(), "a store that was not closed safely is rebuilt")

	st, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, firstID, st.Records, "no record survives in a partial state")
}

func TestCrashAfterForceKeepsData(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, recordsFile+DefaultExtension)

	s := openTestStore(t, dir)
	id := createFile(t, s, NullID, "kept", FileAttributes{Length: 7})
	require.NoError(t, s.WriteContent(ctx, id, []byte("payload"), false))

	h, _, err := readHeaderOnly(path)
	require.NoError(t, err)
	assert.Equal(t, ConnectedMagic, h.status, "a write arms CONNECTED on disk before it lands")

	require.NoError(t, s.Force())
	h, _, err = readHeaderOnly(path)
	require.NoError(t, err)
	assert.Equal(t, SafelyClosedMagic, h.status)
	s.crash()

	s = openTestStore(t, dir)
	defer s.Close()
	assert.False(t, s.Rebuilt(), "a flushed store survives a crash")
	name, err := s.Name(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "kept", name)
	data, ok, err := s.ReadContent(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), data)
}

func TestCorruptedStatusRebuilds(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s := openTestStore(t, dir)
	createFile(t, s, NullID, "a", FileAttributes{})
	require.NoError(t, s.Close())

	path := filepath.Join(dir, recordsFile+DefaultExtension)
	require.NoError(t, writeHeaderStatus(path, 0x0badf00d))

	s = openTestStore(t, dir)
	defer s.Close()
	assert.True(t, s.Rebuilt())
	st, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, firstID, st.Records)
}

func TestFeatureChangeRebuilds(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s := openTestStore(t, dir)
	createFile(t, s, NullID, "a", FileAttributes{})
	require.NoError(t, s.Close())

	changed := DefaultFeatures()
	changed.ContentHashing = false
	s = openTestStore(t, dir, withFeatures(changed))
	defer s.Close()
	assert.True(t, s.Rebuilt())
	assert.Equal(t, changed.FormatVersion(), s.records.Version())
}

func TestLostNamesFileRebuilds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	s := openTestStore(t, dir)
	createFile(t, s, NullID, "Main.java", FileAttributes{Length: 1})
	require.NoError(t, s.Close())
	require.NoError(t, removeSQLiteFiles(filepath.Join(dir, namesFile+DefaultExtension)))

	s = openTestStore(t, dir)
	defer s.Close()
	assert.True(t, s.Rebuilt(), "records naming unknown name ids are not trusted")
	assert.Empty(t, collectNamed(t, s, "Main.java"))
	report, err := s.CheckSanity(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK(), "problems: %v", report.Problems)
}

func TestAllOffFeaturesAreKept(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s := openTestStore(t, dir, withFeatures(Features{}))
	assert.Equal(t, Features{}, s.Features())
	assert.NotEqual(t, DefaultFeatures().FormatVersion(), s.records.Version())
	createFile(t, s, NullID, "a", FileAttributes{Length: 4})
	require.NoError(t, s.Close())

	s = openTestStore(t, dir, withFeatures(Features{}))
	assert.False(t, s.Rebuilt(), "the same all-off features reopen without a rebuild")
	require.NoError(t, s.Close())

	s = openTestStore(t, dir)
	defer s.Close()
	assert.True(t, s.Rebuilt(), "nil features select the defaults")
	assert.Equal(t, DefaultFeatures(), s.Features())
}

func TestMarkCorruptedRebuildsOnNextOpen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	var notified []error
	s := openTestStore(t, dir, func(o *Options) {
		o.Headless = false
		o.Notifier = func(err error) { notified = append(notified, err) }
	})
	id := createFile(t, s, NullID, "a", FileAttributes{})
	require.NoError(t, s.MarkCorrupted("manual invalidation"))
	assert.True(t, s.IsCorrupted())
	require.Len(t, notified, 1)

	err := s.SetLength(id, 4)
	assert.ErrorIs(t, err, common.ErrCorrupted, "writes are refused once corrupted")
	_, err = s.Length(id)
	assert.NoError(t, err, "reads keep working")

	marker, err := ReadCorruptionMarker(dir)
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, "manual invalidation", marker.Reason)
	assert.NotEmpty(t, marker.Incident)
	require.NoError(t, s.Close())

	h, ok, err := readHeaderOnly(filepath.Join(dir, recordsFile+DefaultExtension))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, CorruptedMagic, h.status)

	s = openTestStore(t, dir)
	defer s.Close()
	assert.True(t, s.Rebuilt())
	marker, err = ReadCorruptionMarker(dir)
	require.NoError(t, err)
	assert.Nil(t, marker)
	_, err = s.Name(ctx, RootID)
	require.NoError(t, err)
}

func TestCorruptionEscalatesFromOperations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	s := openTestStore(t, dir)
	defer s.Close()

	id := createFile(t, s, NullID, "a", FileAttributes{})
	require.NoError(t, s.WriteAttribute(ctx, id, FileAttribute{ID: "x"}, []byte("v")))
	// Point the record at a directory record that does not exist.
	s.records.SetAttributeRecordID(id, 1<<20)

	_, _, err := s.ReadAttribute(ctx, id, FileAttribute{ID: "x"})
	require.Error(t, err)
	assert.True(t, common.IsCorruption(err))
	assert.True(t, s.IsCorrupted())
	_, err = os.Stat(filepath.Join(dir, CorruptionMarkerFile))
	assert.NoError(t, err)
}

func TestOpenTwiceFails(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s := openTestStore(t, dir)
	defer s.Close()

	_, err := Open(context.Background(), dir, Options{Headless: true})
	assert.ErrorIs(t, err, common.ErrAlreadyOpen)
}

func TestClosedStoreRejectsCalls(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, t.TempDir())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.CreateRecord(context.Background())
	assert.ErrorIs(t, err, common.ErrClosed)
	_, err = s.Flags(RootID)
	assert.ErrorIs(t, err, common.ErrClosed)
}

func TestInvalidArguments(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	s := openTestStore(t, dir)

	id, err := s.CreateRecord(ctx)
	require.NoError(t, err)
	file := createFile(t, s, NullID, "plain.txt", FileAttributes{Length: 1})

	tests := []struct {
		name string
		err  error
		call func() error
	}{
		{"out of range id", common.ErrInvalidID, func() error { _, err := s.Flags(999); return err }},
		{"null id", common.ErrInvalidID, func() error { _, err := s.Length(NullID); return err }},
		{"self parent", common.ErrInvalidArg, func() error { return s.SetParent(id, id) }},
		{"file as parent", common.ErrNotDir, func() error { return s.SetParent(id, file) }},
		{"file as parent on write", common.ErrNotDir, func() error {
			return s.WriteAttributesToRecord(ctx, id, file, FileAttributes{}, "nested")
		}},
		{"release unknown content", common.ErrNotFound, func() error { return s.ReleaseContent(999) }},
		{"read negative content", common.ErrNotFound, func() error { _, err := s.ReadContentByID(-3); return err }},
		{"ref count of null content", common.ErrNotFound, func() error { _, err := s.ContentRefCount(NullID); return err }},
		{"free flag", common.ErrInvalidArg, func() error { return s.SetFlags(id, FlagFreeRecord) }},
		{"negative file length", common.ErrInvalidArg, func() error { return s.SetLength(id, -1) }},
		{"empty name", common.ErrInvalidArg, func() error {
			return s.WriteAttributesToRecord(ctx, id, NullID, FileAttributes{}, "")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call(), tt.err)
		})
	}
	assert.False(t, s.IsCorrupted(), "argument errors are not corruption")

	require.NoError(t, s.Close())
	s = openTestStore(t, dir)
	defer s.Close()
	assert.False(t, s.Rebuilt(), "argument errors don't force a rebuild")
}

func TestFreedRecordRejectsWrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	id := createFile(t, s, NullID, "gone", FileAttributes{})
	require.NoError(t, s.DeleteRecordRecursively(ctx, id))

	assert.ErrorIs(t, s.SetTimestamp(id, 1), common.ErrRecordFreed)
	assert.ErrorIs(t, s.WriteContent(ctx, id, []byte("x"), false), common.ErrRecordFreed)
	flags, err := s.Flags(id)
	require.NoError(t, err)
	assert.Zero(t, flags)
}

func TestModCounts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	id := createFile(t, s, NullID, "f", FileAttributes{})
	before, err := s.ModCount(id)
	require.NoError(t, err)
	global := s.GlobalModCount()

	require.NoError(t, s.SetTimestamp(id, 42))
	after, err := s.ModCount(id)
	require.NoError(t, err)
	assert.Greater(t, after, before)
	assert.Greater(t, s.GlobalModCount(), global)

	require.NoError(t, s.WriteAttribute(ctx, id, FileAttribute{ID: "a"}, []byte{1}))
	bumped, err := s.ModCount(id)
	require.NoError(t, err)
	assert.Greater(t, bumped, after)
}

func TestCancelledReadDoesNotCorrupt(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	for i := 0; i < 10; i++ {
		createFile(t, s, NullID, fmt.Sprintf("f%d", i), FileAttributes{})
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.CheckSanity(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	err = s.ForEachAttribute(ctx, func(AttributeValue) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, s.IsCorrupted())

	// The lock was released: writes still go through.
	_, err = s.CreateRecord(context.Background())
	assert.NoError(t, err)
}

func TestContentReaderWriter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	id := createFile(t, s, NullID, "stream", FileAttributes{})
	w := s.ContentWriter(ctx, id, false)
	_, err := w.Write([]byte("hello, "))
	require.NoError(t, err)
	_, err = w.Write([]byte("world"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, ok, err := s.ContentReader(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	buf := make([]byte, 64)
	n, _ := r.Read(buf)
	assert.Equal(t, "hello, world", string(buf[:n]))
}

type recordingListener struct {
	events []string
}

func (l *recordingListener) Connected(s *Store)     { l.events = append(l.events, "connected") }
func (l *recordingListener) Disconnecting(s *Store) { l.events = append(l.events, "disconnecting") }

func TestConnectionListeners(t *testing.T) {
	t.Parallel()
	l := &recordingListener{}
	s := openTestStore(t, t.TempDir(), func(o *Options) {
		o.Listeners = []ConnectionListener{l}
	})
	assert.Equal(t, []string{"connected"}, l.events)
	require.NoError(t, s.Close())
	assert.Equal(t, []string{"connected", "disconnecting"}, l.events)
}

func TestConcurrentWriters(t *testing.T) {
	t.Parallel()
	const writers, perWriter = 8, 30
	for name, features := range recordStrategies() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := openTestStore(t, t.TempDir(), withFeatures(features))
			defer s.Close()

			dir := createFile(t, s, NullID, "shared", dirAttrs())

			var g errgroup.Group
			for w := 0; w < writers; w++ {
				g.Go(func() error {
					for i := 0; i < perWriter; i++ {
						id, err := s.CreateRecord(ctx)
						if err != nil {
							return err
						}
						fileName := fmt.Sprintf("w%d-%02d.txt", w, i)
						if err := s.WriteAttributesToRecord(ctx, id, dir, FileAttributes{Length: int64(i)}, fileName); err != nil {
							return err
						}
						if _, err := s.UpdateChildren(ctx, dir, func(l ListResult) (ListResult, error) {
							return l.Insert(ChildInfo{ID: id}), nil
						}); err != nil {
							return err
						}
						if err := s.WriteContent(ctx, id, []byte(fmt.Sprintf("body %d", i%4)), false); err != nil {
							return err
						}
						var found []int32
						if _, err := s.ProcessFilesWithNames(ctx, []string{fileName}, func(got int32) bool {
							found = append(found, got)
							return true
						}); err != nil {
							return err
						}
						if len(found) != 1 || found[0] != id {
							return fmt.Errorf("%s: found %v, want [%d]", fileName, found, id)
						}
						if i%10 == 9 {
							if err := s.Force(); err != nil {
								return err
							}
						}
					}
					return nil
				})
			}
			require.NoError(t, g.Wait())

			children, err := s.ListChildren(ctx, dir)
			require.NoError(t, err)
			assert.Equal(t, writers*perWriter, children.Len())
			assert.False(t, s.IsCorrupted())

			report, err := s.CheckSanity(ctx)
			require.NoError(t, err)
			assert.True(t, report.OK(), "problems: %v", report.Problems)
			assert.Equal(t, writers*perWriter+2, report.RecordsChecked)
		})
	}
}
