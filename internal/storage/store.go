// Copyright 2024 PersistentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"persistentfs/internal/cache"
	"persistentfs/internal/common"
)

// Store is an open persistent record store. All methods are safe for
// concurrent use.
//
// Locking: one RWMutex guards every record, attribute, content and tree
// operation. Reads take the read lock, structural changes the write lock.
// Exported methods lock; unexported *Locked helpers expect the caller to
// hold the lock, so nested calls never re-acquire it.
type Store struct {
	dir      string
	opts     Options
	features Features
	lock     *flock.Flock

	mu sync.RWMutex

	records      RecordsStorage
	names        *Enumerator
	attrEnum     *Enumerator
	hashes       *Enumerator
	attrBlobs    *blobStorage
	contentBlobs *blobStorage
	attrs        *attributeStore
	content      *contentStore
	accessor     *recordAccessor
	index        *nameIndex
	flusher      *flusher
	metrics      *storeMetrics

	closed    atomic.Bool
	corrupted atomic.Bool
	heavyOps  atomic.Int32
	rebuilt   bool

	// beforeChildrenCommit runs between the optimistic read and the commit
	// of UpdateChildren.
	beforeChildrenCommit func()
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// Features returns the format features of the store.
func (s *Store) Features() Features { return s.features }

// Rebuilt reports whether Open had to recreate the store from scratch.
func (s *Store) Rebuilt() bool { return s.rebuilt }

func (s *Store) read(op string, fn func() error) error {
	if s.closed.Load() {
		return common.ErrClosed
	}
	s.mu.RLock()
	err := fn()
	s.mu.RUnlock()
	err = s.handleError(err, false)
	s.metrics.operation(op, err)
	return err
}

func (s *Store) write(op string, fn func() error) error {
	if s.closed.Load() {
		return common.ErrClosed
	}
	if s.corrupted.Load() {
		return common.ErrCorrupted
	}
	s.mu.Lock()
	err := s.markConnected()
	if err == nil {
		err = fn()
	}
	s.mu.Unlock()
	err = s.handleError(err, true)
	s.metrics.operation(op, err)
	return err
}

func (s *Store) checkID(id int32) error {
	return checkRecordID(id, s.records.RecordCount())
}

// checkLive rejects invalid and freed ids.
func (s *Store) checkLive(id int32) error {
	if err := s.checkID(id); err != nil {
		return err
	}
	if s.records.Flags(id)&FlagFreeRecord != 0 {
		return fmt.Errorf("%w: %d", common.ErrRecordFreed, id)
	}
	return nil
}

// StartHeavyOperation suspends background flushing until the returned
// function is called.
func (s *Store) StartHeavyOperation() (release func()) {
	s.heavyOps.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { s.heavyOps.Add(-1) })
	}
}

// CreateRecord allocates a zeroed record.
func (s *Store) CreateRecord(ctx context.Context) (int32, error) {
	var id int32
	err := s.write("create_record", func() error {
		var err error
		id, _, err = s.accessor.allocate()
		s.metrics.recordCount(s.records.RecordCount())
		return err
	})
	return id, err
}

// WriteAttributesToRecord (re)initializes a record: parent, name and the
// flags, length and timestamp in attrs are written in one step.
func (s *Store) WriteAttributesToRecord(ctx context.Context, id, parentID int32, attrs FileAttributes, name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name for record %d", common.ErrInvalidArg, id)
	}
	if attrs.Flags&^PublicFlagsMask != 0 {
		return fmt.Errorf("%w: flags %#x", common.ErrInvalidArg, attrs.Flags)
	}
	if attrs.Length < 0 && !attrs.IsDirectory() {
		return fmt.Errorf("%w: length %d of non-directory %d", common.ErrInvalidArg, attrs.Length, id)
	}
	return s.write("write_attributes", func() error {
		if err := s.checkLive(id); err != nil {
			return err
		}
		if err := s.checkParent(id, parentID); err != nil {
			return err
		}
		nameID, err := s.names.Enumerate(ctx, name)
		if err != nil {
			return err
		}
		old := s.records.NameID(id)
		s.records.SetAttributesAndBump(id, parentID, nameID, attrs, false)
		s.index.rename(id, old, nameID)
		return nil
	})
}

func (s *Store) checkParent(id, parentID int32) error {
	if parentID == NullID {
		return nil
	}
	if parentID == id {
		return fmt.Errorf("%w: record %d can't be its own parent", common.ErrInvalidArg, id)
	}
	if err := s.checkLive(parentID); err != nil {
		return err
	}
	if s.records.Flags(parentID)&FlagDirectory == 0 {
		return fmt.Errorf("%w: parent %d of record %d", common.ErrNotDir, parentID, id)
	}
	return nil
}

// DeleteRecordRecursively frees id and its whole subtree, and removes id
// from its parent's children list (or from the root registry).
func (s *Store) DeleteRecordRecursively(ctx context.Context, id int32) error {
	return s.write("delete_record", func() error {
		if err := s.checkLive(id); err != nil {
			return err
		}
		// Collect first: cancellation must not leave a half-deleted tree.
		subtree, err := s.collectSubtreeLocked(ctx, id)
		if err != nil {
			return err
		}

		parentID := s.records.ParentID(id)
		if parentID != NullID {
			children, err := s.listChildrenLocked(ctx, parentID)
			if err != nil {
				return err
			}
			if children.Contains(id) {
				if err := s.saveChildrenLocked(ctx, parentID, children.Remove(id)); err != nil {
					return err
				}
			}
		} else if err := s.unregisterRootLocked(ctx, id); err != nil {
			return err
		}

		for i := len(subtree) - 1; i >= 0; i-- {
			if err := s.freeRecordLocked(subtree[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// collectSubtreeLocked returns id and its descendants, parents first.
func (s *Store) collectSubtreeLocked(ctx context.Context, id int32) ([]int32, error) {
	out := []int32{id}
	seen := map[int32]bool{id: true}
	for i := 0; i < len(out); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ids, err := s.listIDsLocked(ctx, out[i])
		if err != nil {
			return nil, err
		}
		for _, child := range ids {
			if seen[child] {
				return nil, common.Corruptf("record %d is reachable twice below %d", child, id)
			}
			seen[child] = true
			out = append(out, child)
		}
	}
	return out, nil
}

func (s *Store) freeRecordLocked(id int32) error {
	rec := s.records.Read(id)
	if rec.IsFree() {
		return nil
	}
	if rec.ContentID != NullID {
		if err := s.content.release(rec.ContentID); err != nil {
			return err
		}
	}
	if err := s.attrs.deleteAll(id, rec.AttributeID); err != nil {
		return err
	}
	if err := s.records.CleanRecord(id); err != nil {
		return err
	}
	s.accessor.markFree(id)
	s.index.rename(id, rec.NameID, NullID)
	return nil
}

// Record returns a snapshot of a record. Free records read as zeros apart
// from their free flag.
func (s *Store) Record(id int32) (FileRecord, error) {
	var rec FileRecord
	err := s.read("get_record", func() error {
		if err := s.checkID(id); err != nil {
			return err
		}
		rec = s.records.Read(id)
		return nil
	})
	return rec, err
}

func (s *Store) getInt32(op string, id int32, get func(int32) int32) (int32, error) {
	var v int32
	err := s.read(op, func() error {
		if err := s.checkID(id); err != nil {
			return err
		}
		v = get(id)
		return nil
	})
	return v, err
}

func (s *Store) getInt64(op string, id int32, get func(int32) int64) (int64, error) {
	var v int64
	err := s.read(op, func() error {
		if err := s.checkID(id); err != nil {
			return err
		}
		v = get(id)
		return nil
	})
	return v, err
}

func (s *Store) Parent(id int32) (int32, error) {
	return s.getInt32("get_parent", id, s.records.ParentID)
}

// SetParent re-parents id. Children lists are not touched.
func (s *Store) SetParent(id, parentID int32) error {
	return s.write("set_parent", func() error {
		if err := s.checkLive(id); err != nil {
			return err
		}
		if err := s.checkParent(id, parentID); err != nil {
			return err
		}
		count := s.records.RecordCount()
		for p, steps := parentID, int32(0); p != NullID; p, steps = s.records.ParentID(p), steps+1 {
			if p == id {
				return fmt.Errorf("%w: %d is an ancestor of %d", common.ErrInvalidArg, id, parentID)
			}
			if steps > count || checkRecordID(p, count) != nil {
				return common.Corruptf("parent chain of %d does not terminate", parentID)
			}
		}
		s.records.SetParentID(id, parentID)
		return nil
	})
}

func (s *Store) NameID(id int32) (int32, error) {
	return s.getInt32("get_name_id", id, s.records.NameID)
}

// Name returns the file name of id, "" for unnamed records.
func (s *Store) Name(ctx context.Context, id int32) (string, error) {
	var name string
	err := s.read("get_name", func() error {
		if err := s.checkID(id); err != nil {
			return err
		}
		var err error
		name, err = s.names.ValueOf(ctx, s.records.NameID(id))
		return err
	})
	return name, err
}

func (s *Store) SetName(ctx context.Context, id int32, name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name for record %d", common.ErrInvalidArg, id)
	}
	return s.write("set_name", func() error {
		if err := s.checkLive(id); err != nil {
			return err
		}
		nameID, err := s.names.Enumerate(ctx, name)
		if err != nil {
			return err
		}
		old := s.records.NameID(id)
		s.records.SetNameID(id, nameID)
		s.index.rename(id, old, nameID)
		return nil
	})
}

// Flags returns the public flags of id; a free record has none.
func (s *Store) Flags(id int32) (uint32, error) {
	var flags uint32
	err := s.read("get_flags", func() error {
		if err := s.checkID(id); err != nil {
			return err
		}
		flags = s.records.Flags(id) & PublicFlagsMask
		return nil
	})
	return flags, err
}

// SetFlags replaces the public flags of id.
func (s *Store) SetFlags(id int32, flags uint32) error {
	if flags&^PublicFlagsMask != 0 {
		return fmt.Errorf("%w: flags %#x", common.ErrInvalidArg, flags)
	}
	return s.write("set_flags", func() error {
		if err := s.checkLive(id); err != nil {
			return err
		}
		s.records.SetFlags(id, flags)
		return nil
	})
}

func (s *Store) Length(id int32) (int64, error) {
	return s.getInt64("get_length", id, s.records.Length)
}

func (s *Store) SetLength(id int32, length int64) error {
	return s.write("set_length", func() error {
		if err := s.checkLive(id); err != nil {
			return err
		}
		if length < 0 && s.records.Flags(id)&FlagDirectory == 0 {
			return fmt.Errorf("%w: length %d of non-directory %d", common.ErrInvalidArg, length, id)
		}
		s.records.SetLength(id, length)
		return nil
	})
}

func (s *Store) Timestamp(id int32) (int64, error) {
	return s.getInt64("get_timestamp", id, s.records.Timestamp)
}

func (s *Store) SetTimestamp(id int32, ts int64) error {
	return s.write("set_timestamp", func() error {
		if err := s.checkLive(id); err != nil {
			return err
		}
		s.records.SetTimestamp(id, ts)
		return nil
	})
}

// ModCount returns the per-record modification counter.
func (s *Store) ModCount(id int32) (int32, error) {
	return s.getInt32("get_mod_count", id, s.records.ModCount)
}

// GlobalModCount is bumped by every record change.
func (s *Store) GlobalModCount() int32 {
	return s.records.GlobalModCount()
}

// IsFree reports whether id is on the free list.
func (s *Store) IsFree(id int32) bool {
	return s.accessor.isFree(id)
}

// FreeRecords returns the free list.
func (s *Store) FreeRecords() []int32 {
	return s.accessor.freeRecords()
}

// ReadAttribute returns the value of attr for id; ok is false when absent.
func (s *Store) ReadAttribute(ctx context.Context, id int32, attr FileAttribute) (value []byte, ok bool, err error) {
	err = s.read("read_attribute", func() error {
		if err := s.checkID(id); err != nil {
			return err
		}
		value, ok, err = s.attrs.read(ctx, id, s.records.AttributeRecordID(id), attr)
		return err
	})
	return value, ok, err
}

// HasAttribute reports whether id has a value for attr.
func (s *Store) HasAttribute(ctx context.Context, id int32, attr FileAttribute) (bool, error) {
	var ok bool
	err := s.read("has_attribute", func() error {
		if err := s.checkID(id); err != nil {
			return err
		}
		var err error
		ok, err = s.attrs.has(ctx, id, s.records.AttributeRecordID(id), attr)
		return err
	})
	return ok, err
}

// WriteAttribute stores value as attr of id.
func (s *Store) WriteAttribute(ctx context.Context, id int32, attr FileAttribute, value []byte) error {
	if attr.ID == "" {
		return fmt.Errorf("%w: empty attribute id", common.ErrInvalidArg)
	}
	return s.write("write_attribute", func() error {
		if err := s.checkLive(id); err != nil {
			return err
		}
		return s.writeAttributeLocked(ctx, id, attr, value)
	})
}

func (s *Store) readAttributeLocked(ctx context.Context, id int32, attr FileAttribute) ([]byte, bool, error) {
	return s.attrs.read(ctx, id, s.records.AttributeRecordID(id), attr)
}

func (s *Store) writeAttributeLocked(ctx context.Context, id int32, attr FileAttribute, value []byte) error {
	ref := s.records.AttributeRecordID(id)
	newRef, err := s.attrs.write(ctx, id, ref, attr, value)
	if err != nil {
		return err
	}
	if newRef != ref {
		s.records.SetAttributeRecordID(id, newRef)
	} else {
		s.records.MarkModified(id)
	}
	return nil
}

// AttributeValue is one attribute visited by ForEachAttribute.
type AttributeValue struct {
	FileID    int32
	Attribute FileAttribute
	Value     []byte
}

// ForEachAttribute visits every attribute of every live record. fn runs
// under the store read lock and must not call back into the Store.
func (s *Store) ForEachAttribute(ctx context.Context, fn func(AttributeValue) error) error {
	return s.read("for_each_attribute", func() error {
		count := s.records.RecordCount()
		for id := RootID; id < count; id++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			ref := s.records.AttributeRecordID(id)
			if ref == NullID || s.records.Flags(id)&FlagFreeRecord != 0 {
				continue
			}
			err := s.attrs.forEach(id, ref, func(attrID int32, stored []byte) error {
				name, err := s.attrEnum.ValueOf(ctx, attrID)
				if err != nil {
					return err
				}
				version, value, err := storedVersion(stored)
				if err != nil {
					return err
				}
				return fn(AttributeValue{
					FileID:    id,
					Attribute: FileAttribute{ID: name, Version: version},
					Value:     bytes.Clone(value),
				})
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// ContentID returns the content block referenced by id (0 = none).
func (s *Store) ContentID(id int32) (int32, error) {
	return s.getInt32("get_content_id", id, s.records.ContentRecordID)
}

// ReadContent returns the content of id; ok is false when it has none.
func (s *Store) ReadContent(ctx context.Context, id int32) (data []byte, ok bool, err error) {
	err = s.read("read_content", func() error {
		if err := s.checkID(id); err != nil {
			return err
		}
		contentID := s.records.ContentRecordID(id)
		if contentID == NullID {
			return nil
		}
		data, err = s.content.read(contentID)
		ok = err == nil
		return err
	})
	return data, ok, err
}

// ContentReader returns a reader over the content of id.
func (s *Store) ContentReader(ctx context.Context, id int32) (io.Reader, bool, error) {
	data, ok, err := s.ReadContent(ctx, id)
	if err != nil || !ok {
		return nil, ok, err
	}
	return bytes.NewReader(data), true, nil
}

// ReadContentByID returns the bytes of a content block.
func (s *Store) ReadContentByID(contentID int32) ([]byte, error) {
	var data []byte
	err := s.read("read_content", func() error {
		var err error
		if err := s.checkContentID(contentID); err != nil {
			return err
		}
		data, err = s.content.read(contentID)
		return err
	})
	return data, err
}

// WriteContent replaces the content of id. With hashing on, identical bytes
// share one block. readOnly content is stored without spare capacity.
func (s *Store) WriteContent(ctx context.Context, id int32, data []byte, readOnly bool) error {
	return s.write("write_content", func() error {
		if err := s.checkLive(id); err != nil {
			return err
		}
		current := s.records.ContentRecordID(id)
		contentID, err := s.content.write(ctx, current, data, readOnly)
		if err != nil {
			return err
		}
		if contentID != current {
			s.records.SetContentRecordID(id, contentID)
		} else {
			s.records.MarkModified(id)
		}
		return nil
	})
}

// ContentWriter returns a writer whose Close stores everything written as
// the content of id.
func (s *Store) ContentWriter(ctx context.Context, id int32, readOnly bool) io.WriteCloser {
	return &contentWriter{commit: func(data []byte) error {
		return s.WriteContent(ctx, id, data, readOnly)
	}}
}

// AcquireContent adds a reference to the content of id and returns its
// content id, 0 if id has no content.
func (s *Store) AcquireContent(id int32) (int32, error) {
	var contentID int32
	err := s.write("acquire_content", func() error {
		if err := s.checkLive(id); err != nil {
			return err
		}
		contentID = s.records.ContentRecordID(id)
		if contentID == NullID {
			return nil
		}
		return s.content.acquire(contentID)
	})
	return contentID, err
}

// ReleaseContent drops a reference taken by AcquireContent or
// StoreUnlinkedContent.
func (s *Store) ReleaseContent(contentID int32) error {
	return s.write("release_content", func() error {
		if err := s.checkContentID(contentID); err != nil {
			return err
		}
		return s.content.release(contentID)
	})
}

// StoreUnlinkedContent stores data not yet referenced by any record. The
// returned content id carries one reference.
func (s *Store) StoreUnlinkedContent(ctx context.Context, data []byte) (int32, error) {
	var contentID int32
	err := s.write("store_unlinked_content", func() error {
		var err error
		contentID, err = s.content.storeUnlinked(ctx, data, true)
		return err
	})
	return contentID, err
}

// ContentRefCount returns the reference count of a content block.
func (s *Store) ContentRefCount(contentID int32) (int32, error) {
	var refs int32
	err := s.read("content_ref_count", func() error {
		var err error
		if err := s.checkContentID(contentID); err != nil {
			return err
		}
		refs, err = s.content.refCount(contentID)
		return err
	})
	return refs, err
}

// checkContentID rejects caller-supplied content ids that name no block.
// Out-of-range ids found inside the store stay corruption.
func (s *Store) checkContentID(contentID int32) error {
	if contentID <= NullID || contentID > s.content.count() {
		return fmt.Errorf("%w: content %d (blocks: %d)", common.ErrNotFound, contentID, s.content.count())
	}
	return nil
}

// ProcessFilesWithNames calls fn for every live record named one of names,
// until fn returns false. It returns false if fn stopped the iteration.
// fn runs without any store lock held.
func (s *Store) ProcessFilesWithNames(ctx context.Context, names []string, fn func(id int32) bool) (bool, error) {
	var ids []int32
	err := s.read("process_files_with_names", func() error {
		var nameIDs []int32
		for _, name := range names {
			nameID, ok, err := s.names.TryEnumerate(ctx, name)
			if err != nil {
				return err
			}
			if ok {
				nameIDs = append(nameIDs, nameID)
			}
		}
		if len(nameIDs) == 0 {
			return nil
		}
		err := s.index.ensure(ctx, s.scanNamesLocked, s.metrics.nameIndexRebuilt)
		if err != nil {
			return err
		}
		ids = s.index.lookup(nameIDs)
		return nil
	})
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if !fn(id) {
			return false, nil
		}
	}
	return true, nil
}

func (s *Store) scanNamesLocked(fn func(id, nameID int32) error) error {
	return s.records.ProcessAllNames(func(id, nameID int32, flags uint32) error {
		if flags&FlagFreeRecord != 0 {
			return nil
		}
		return fn(id, nameID)
	})
}

// InvalidateCaches drops the enumerator caches and the name index.
func (s *Store) InvalidateCaches() {
	caches := []cache.Invalidator{s.names, s.attrEnum, s.index}
	if s.hashes != nil {
		caches = append(caches, s.hashes)
	}
	for _, c := range caches {
		c.Invalidate()
	}
}

// Stats summarizes the store.
type Stats struct {
	Records        int32
	FreeRecords    int
	Names          int32
	AttributeBytes int64
	ContentBlocks  int32
	ContentBytes   int64
	GlobalModCount int32
	Version        int32
	Created        time.Time
	Rebuilt        bool
}

func (s *Store) Stats() (Stats, error) {
	var st Stats
	err := s.read("stats", func() error {
		cs := s.content.stats()
		st = Stats{
			Records:        s.records.RecordCount(),
			FreeRecords:    s.accessor.freeCount(),
			Names:          s.names.MaxID(),
			AttributeBytes: s.attrBlobs.size(),
			ContentBlocks:  cs.blocks,
			ContentBytes:   cs.bytes,
			GlobalModCount: s.records.GlobalModCount(),
			Version:        s.records.Version(),
			Created:        time.Unix(0, s.records.CreationTimestamp()),
			Rebuilt:        s.rebuilt,
		}
		return nil
	})
	return st, err
}
