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
	"context"
	"fmt"
	"slices"
	"strings"

	"persistentfs/internal/common"
)

func (s *Store) listIDsLocked(ctx context.Context, parentID int32) ([]int32, error) {
	data, ok, err := s.readAttributeLocked(ctx, parentID, childrenAttr)
	if err != nil || !ok {
		return nil, err
	}
	return decodeChildIDs(parentID, data)
}

func (s *Store) listChildrenLocked(ctx context.Context, parentID int32) (ListResult, error) {
	ids, err := s.listIDsLocked(ctx, parentID)
	if err != nil {
		return ListResult{}, err
	}
	children := make([]ChildInfo, len(ids))
	for i, id := range ids {
		if err := checkRecordID(id, s.records.RecordCount()); err != nil {
			return ListResult{}, common.Corruptf("children of %d: %v", parentID, err)
		}
		children[i] = ChildInfo{ID: id, NameID: s.records.NameID(id)}
	}
	return ListResult{Children: children}, nil
}

// saveChildrenLocked persists list as the children of parentID and marks
// the parent's children as cached.
func (s *Store) saveChildrenLocked(ctx context.Context, parentID int32, list ListResult) error {
	list = NewListResult(list.Children...)
	ids := list.IDs()
	for _, id := range ids {
		if id == parentID {
			return fmt.Errorf("%w: %d listed as its own child", common.ErrInvalidArg, id)
		}
		if err := s.checkLive(id); err != nil {
			return err
		}
	}
	if err := s.writeAttributeLocked(ctx, parentID, childrenAttr, encodeChildIDs(parentID, ids)); err != nil {
		return err
	}
	s.records.SetFlags(parentID, s.records.Flags(parentID)|FlagChildrenCached)
	return nil
}

// ListChildren returns the children of parentID in id order.
func (s *Store) ListChildren(ctx context.Context, parentID int32) (ListResult, error) {
	var list ListResult
	err := s.read("list_children", func() error {
		if err := s.checkID(parentID); err != nil {
			return err
		}
		var err error
		list, err = s.listChildrenLocked(ctx, parentID)
		return err
	})
	return list, err
}

// ListIDs returns the child ids of parentID without resolving names.
func (s *Store) ListIDs(ctx context.Context, parentID int32) ([]int32, error) {
	var ids []int32
	err := s.read("list_ids", func() error {
		if err := s.checkID(parentID); err != nil {
			return err
		}
		var err error
		ids, err = s.listIDsLocked(ctx, parentID)
		return err
	})
	return ids, err
}

// SaveChildren replaces the children list of parentID.
func (s *Store) SaveChildren(ctx context.Context, parentID int32, list ListResult) error {
	return s.write("save_children", func() error {
		if err := s.checkLive(parentID); err != nil {
			return err
		}
		return s.saveChildrenLocked(ctx, parentID, list)
	})
}

// MayHaveChildren is false only for records known to have no children:
// non-directories and directories with a cached, empty list.
func (s *Store) MayHaveChildren(ctx context.Context, id int32) (bool, error) {
	var may bool
	err := s.read("may_have_children", func() error {
		if err := s.checkID(id); err != nil {
			return err
		}
		flags := s.records.Flags(id)
		if flags&FlagDirectory == 0 || flags&FlagFreeRecord != 0 {
			return nil
		}
		if flags&FlagChildrenCached == 0 {
			may = true
			return nil
		}
		ids, err := s.listIDsLocked(ctx, id)
		may = len(ids) > 0
		return err
	})
	return may, err
}

// UpdateChildren applies transform to the children of parentID and saves
// the result. The list is read and transformed without the write lock; at
// commit the list is read again and, if it changed meanwhile, transform is
// re-applied to the fresh list. transform must be pure: it may run twice,
// the second time under the write lock.
func (s *Store) UpdateChildren(ctx context.Context, parentID int32, transform func(ListResult) (ListResult, error)) (ListResult, error) {
	var before, result ListResult
	err := s.read("update_children_read", func() error {
		if err := s.checkLive(parentID); err != nil {
			return err
		}
		var err error
		before, err = s.listChildrenLocked(ctx, parentID)
		return err
	})
	if err != nil {
		return ListResult{}, err
	}
	result, err = transform(before)
	if err != nil {
		return ListResult{}, err
	}
	if s.beforeChildrenCommit != nil {
		s.beforeChildrenCommit()
	}

	err = s.write("update_children", func() error {
		if err := s.checkLive(parentID); err != nil {
			return err
		}
		current, err := s.listChildrenLocked(ctx, parentID)
		if err != nil {
			return err
		}
		if !current.Equal(before) {
			s.metrics.childrenRetried()
			if result, err = transform(current); err != nil {
				return err
			}
		}
		return s.saveChildrenLocked(ctx, parentID, result)
	})
	if err != nil {
		return ListResult{}, err
	}
	return NewListResult(result.Children...), nil
}

// MoveChildren re-parents every child of fromID to toID and merges them
// into toID's list, leaving fromID with an empty list.
func (s *Store) MoveChildren(ctx context.Context, fromID, toID int32) error {
	return s.write("move_children", func() error {
		if err := s.checkLive(fromID); err != nil {
			return err
		}
		if err := s.checkLive(toID); err != nil {
			return err
		}
		if fromID == toID {
			return nil
		}
		moving, err := s.listChildrenLocked(ctx, fromID)
		if err != nil {
			return err
		}
		if moving.Contains(toID) {
			return fmt.Errorf("%w: %d is a child of %d", common.ErrInvalidArg, toID, fromID)
		}
		target, err := s.listChildrenLocked(ctx, toID)
		if err != nil {
			return err
		}
		for _, c := range moving.Children {
			s.records.SetParentID(c.ID, toID)
		}
		if err := s.saveChildrenLocked(ctx, toID, target.Merge(moving)); err != nil {
			return err
		}
		return s.saveChildrenLocked(ctx, fromID, ListResult{})
	})
}

// FindChildByName looks up a child of parentID by name, honoring the
// parent's case sensitivity.
func (s *Store) FindChildByName(ctx context.Context, parentID int32, name string) (int32, bool, error) {
	var found int32
	err := s.read("find_child", func() error {
		if err := s.checkID(parentID); err != nil {
			return err
		}
		list, err := s.listChildrenLocked(ctx, parentID)
		if err != nil {
			return err
		}
		flags := s.records.Flags(parentID)
		caseSensitive := flags&FlagChildrenCaseSensitivityCached == 0 || flags&FlagChildrenCaseSensitive != 0
		if caseSensitive {
			nameID, ok, err := s.names.TryEnumerate(ctx, name)
			if err != nil || !ok {
				return err
			}
			for _, c := range list.Children {
				if c.NameID == nameID {
					found = c.ID
					return nil
				}
			}
			return nil
		}
		for _, c := range list.Children {
			childName, err := s.names.ValueOf(ctx, c.NameID)
			if err != nil {
				return err
			}
			if strings.EqualFold(childName, name) {
				found = c.ID
				return nil
			}
		}
		return nil
	})
	return found, found != NullID, err
}

// Root is an entry of the root registry.
type Root struct {
	URL string
	ID  int32
}

func (s *Store) rootsLocked(ctx context.Context) ([]rootEntry, error) {
	data, ok, err := s.readAttributeLocked(ctx, RootID, rootsAttr)
	if err != nil || !ok {
		return nil, err
	}
	return decodeRoots(data)
}

func (s *Store) saveRootsLocked(ctx context.Context, roots []rootEntry) error {
	slices.SortFunc(roots, func(a, b rootEntry) int { return int(a.ID) - int(b.ID) })
	return s.writeAttributeLocked(ctx, RootID, rootsAttr, encodeRoots(roots))
}

// FindOrCreateRoot returns the root record for url, creating a directory
// record for it on first use.
func (s *Store) FindOrCreateRoot(ctx context.Context, url string) (int32, error) {
	if url == "" {
		return NullID, fmt.Errorf("%w: empty root url", common.ErrInvalidArg)
	}
	if id, ok, err := s.FindRootRecord(ctx, url); err != nil || ok {
		return id, err
	}

	var id int32
	err := s.write("create_root", func() error {
		urlID, err := s.names.Enumerate(ctx, url)
		if err != nil {
			return err
		}
		roots, err := s.rootsLocked(ctx)
		if err != nil {
			return err
		}
		for _, r := range roots {
			if r.URLID == urlID {
				id = r.ID
				return nil
			}
		}
		if id, _, err = s.accessor.allocate(); err != nil {
			return err
		}
		s.records.SetAttributesAndBump(id, NullID, urlID, FileAttributes{Flags: FlagDirectory, Length: -1}, true)
		s.index.rename(id, NullID, urlID)
		return s.saveRootsLocked(ctx, append(roots, rootEntry{URLID: urlID, ID: id}))
	})
	return id, err
}

// FindRootRecord returns the root record for url without creating it.
func (s *Store) FindRootRecord(ctx context.Context, url string) (int32, bool, error) {
	var id int32
	err := s.read("find_root", func() error {
		urlID, ok, err := s.names.TryEnumerate(ctx, url)
		if err != nil || !ok {
			return err
		}
		roots, err := s.rootsLocked(ctx)
		if err != nil {
			return err
		}
		for _, r := range roots {
			if r.URLID == urlID {
				id = r.ID
				return nil
			}
		}
		return nil
	})
	return id, id != NullID, err
}

// ListRoots returns the registered roots in id order.
func (s *Store) ListRoots(ctx context.Context) ([]Root, error) {
	var out []Root
	err := s.read("list_roots", func() error {
		roots, err := s.rootsLocked(ctx)
		if err != nil {
			return err
		}
		for _, r := range roots {
			url, err := s.names.ValueOf(ctx, r.URLID)
			if err != nil {
				return err
			}
			out = append(out, Root{URL: url, ID: r.ID})
		}
		return nil
	})
	return out, err
}

// DeleteRoot unregisters a root and frees its whole tree.
func (s *Store) DeleteRoot(ctx context.Context, id int32) error {
	parentID, err := s.Parent(id)
	if err != nil {
		return err
	}
	if parentID != NullID {
		return fmt.Errorf("%w: %d is not a root", common.ErrInvalidArg, id)
	}
	return s.DeleteRecordRecursively(ctx, id)
}

// unregisterRootLocked drops id from the root registry, if present.
func (s *Store) unregisterRootLocked(ctx context.Context, id int32) error {
	roots, err := s.rootsLocked(ctx)
	if err != nil {
		return err
	}
	kept := slices.DeleteFunc(roots, func(r rootEntry) bool { return r.ID == id })
	if len(kept) == len(roots) {
		return nil
	}
	return s.saveRootsLocked(ctx, kept)
}
