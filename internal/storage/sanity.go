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
	"sort"

	"golang.org/x/sync/errgroup"
)

// SanityReport is the result of CheckSanity.
type SanityReport struct {
	RecordsChecked int
	FreeRecords    int
	ContentBlocks  int
	Problems       []string
}

// OK reports whether no problem was found.
func (r *SanityReport) OK() bool { return len(r.Problems) == 0 }

const sanityCancelCheckEvery = 1024

// CheckSanity walks every record and validates flags, free-list
// consistency, parent links, attribute directories, children lists and
// content blocks. Problems are reported, not repaired.
func (s *Store) CheckSanity(ctx context.Context) (*SanityReport, error) {
	report := &SanityReport{}
	err := s.read("check_sanity", func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		count := s.records.RecordCount()
		recs := make([]FileRecord, count)
		for id := RootID; id < count; id++ {
			recs[id] = s.records.Read(id)
		}
		report.RecordsChecked = int(count - RootID)
		report.FreeRecords = s.accessor.freeCount()
		report.ContentBlocks = int(s.content.count())

		var structure, attributes, content []string
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			structure, err = s.checkStructure(gctx, recs)
			return err
		})
		g.Go(func() error {
			var err error
			attributes, err = s.checkAttributes(gctx, recs)
			return err
		})
		g.Go(func() error {
			var err error
			content, err = s.checkContent(gctx, recs)
			return err
		})
		if err := g.Wait(); err != nil {
			return err
		}
		report.Problems = append(append(structure, attributes...), content...)
		sort.Strings(report.Problems)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

func cancelled(ctx context.Context, i int32) error {
	if i%sanityCancelCheckEvery == 0 {
		return ctx.Err()
	}
	return nil
}

func (s *Store) checkStructure(ctx context.Context, recs []FileRecord) ([]string, error) {
	var problems []string
	report := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	count := int32(len(recs))
	valid := func(id int32) bool { return id >= RootID && id < count }

	// acyclic[id] is set once the parent chain of id is known to end.
	acyclic := make([]bool, count)
	for id := firstID; id < count; id++ {
		if err := cancelled(ctx, id); err != nil {
			return nil, err
		}
		rec := recs[id]
		free := rec.IsFree()
		if rec.Flags&^allFlagsMask != 0 {
			report("record %d: illegal flags %#x", id, rec.Flags)
		}
		if free != s.accessor.isFree(id) {
			report("record %d: free flag %v disagrees with free list", id, free)
		}
		if free {
			if rec.ParentID != NullID || rec.NameID != NullID || rec.AttributeID != NullID || rec.ContentID != NullID {
				report("record %d: free record is not clean", id)
			}
			continue
		}
		if rec.Length < 0 && !rec.IsDirectory() {
			report("record %d: negative length %d on a non-directory", id, rec.Length)
		}
		if rec.ParentID == NullID {
			continue
		}
		if rec.NameID == NullID {
			report("record %d: attached to %d without a name", id, rec.ParentID)
		}
		switch {
		case rec.ParentID == id:
			report("record %d: is its own parent", id)
		case !valid(rec.ParentID):
			report("record %d: parent %d out of range", id, rec.ParentID)
		case recs[rec.ParentID].IsFree():
			report("record %d: parent %d is free", id, rec.ParentID)
		case !recs[rec.ParentID].IsDirectory():
			report("record %d: parent %d is not a directory", id, rec.ParentID)
		}

		// Walk up until a known-good ancestor, a root or a revisit.
		path := map[int32]bool{}
		for p := id; p != NullID && valid(p) && !acyclic[p]; p = recs[p].ParentID {
			if path[p] {
				report("record %d: parent chain cycles through %d", id, p)
				break
			}
			path[p] = true
		}
		for p := range path {
			acyclic[p] = true
		}
	}
	return problems, nil
}

func (s *Store) checkAttributes(ctx context.Context, recs []FileRecord) ([]string, error) {
	var problems []string
	for id := RootID; id < int32(len(recs)); id++ {
		if err := cancelled(ctx, id); err != nil {
			return nil, err
		}
		rec := recs[id]
		if rec.IsFree() || rec.AttributeID == NullID {
			continue
		}
		if err := s.attrs.check(id, rec.AttributeID); err != nil {
			problems = append(problems, fmt.Sprintf("record %d: %v", id, err))
			continue
		}
		if id == RootID {
			if _, err := s.rootsLocked(ctx); err != nil {
				problems = append(problems, fmt.Sprintf("root registry: %v", err))
			}
			continue
		}
		ids, err := s.listIDsLocked(ctx, id)
		if err != nil {
			problems = append(problems, fmt.Sprintf("record %d: %v", id, err))
			continue
		}
		if len(ids) > 0 && !rec.IsDirectory() {
			problems = append(problems, fmt.Sprintf("record %d: has children but is not a directory", id))
		}
		for _, child := range ids {
			switch {
			case child >= int32(len(recs)):
				problems = append(problems, fmt.Sprintf("record %d: child %d out of range", id, child))
			case recs[child].IsFree():
				problems = append(problems, fmt.Sprintf("record %d: child %d is free", id, child))
			case recs[child].ParentID != id:
				problems = append(problems, fmt.Sprintf("record %d: child %d has parent %d", id, child, recs[child].ParentID))
			}
		}
	}
	return problems, nil
}

func (s *Store) checkContent(ctx context.Context, recs []FileRecord) ([]string, error) {
	var problems []string
	refs := map[int32]int32{}
	for id := firstID; id < int32(len(recs)); id++ {
		if err := cancelled(ctx, id); err != nil {
			return nil, err
		}
		rec := recs[id]
		if rec.IsFree() || rec.ContentID == NullID {
			continue
		}
		if rec.ContentID > s.content.count() {
			problems = append(problems, fmt.Sprintf("record %d: content %d out of range", id, rec.ContentID))
			continue
		}
		refs[rec.ContentID]++
	}
	for contentID := int32(1); contentID <= s.content.count(); contentID++ {
		if err := cancelled(ctx, contentID); err != nil {
			return nil, err
		}
		if err := s.content.check(contentID); err != nil {
			problems = append(problems, fmt.Sprintf("content %d: %v", contentID, err))
			continue
		}
		stored, err := s.content.refCount(contentID)
		if err != nil {
			problems = append(problems, fmt.Sprintf("content %d: %v", contentID, err))
			continue
		}
		if stored < refs[contentID] {
			problems = append(problems, fmt.Sprintf("content %d: %d references but ref count %d", contentID, refs[contentID], stored))
		}
	}
	return problems, nil
}
