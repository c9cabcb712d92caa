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
	"encoding/binary"
	"math"
	"slices"
	"sort"

	"persistentfs/internal/common"
)

// Synthetic attributes holding the tree structure.
var (
	childrenAttr = FileAttribute{ID: "persistentfs.children", Version: 1}
	rootsAttr    = FileAttribute{ID: "persistentfs.roots", Version: 1}
)

// ChildInfo is one entry of a children list.
type ChildInfo struct {
	ID     int32
	NameID int32
}

// ListResult is the children list of one directory, sorted by id without
// duplicates. Transform helpers return new values and never modify the
// receiver, so they are safe inside UpdateChildren.
type ListResult struct {
	Children []ChildInfo
}

// IDs returns the child ids in order.
func (l ListResult) IDs() []int32 {
	ids := make([]int32, len(l.Children))
	for i, c := range l.Children {
		ids[i] = c.ID
	}
	return ids
}

func (l ListResult) Len() int { return len(l.Children) }

func (l ListResult) find(id int32) (int, bool) {
	return slices.BinarySearchFunc(l.Children, id, func(c ChildInfo, id int32) int {
		switch {
		case c.ID < id:
			return -1
		case c.ID > id:
			return 1
		}
		return 0
	})
}

// Contains reports whether id is a child.
func (l ListResult) Contains(id int32) bool {
	_, ok := l.find(id)
	return ok
}

// Insert returns l with child added, replacing an entry with the same id.
func (l ListResult) Insert(child ChildInfo) ListResult {
	i, ok := l.find(child.ID)
	out := slices.Clone(l.Children)
	if ok {
		out[i] = child
		return ListResult{Children: out}
	}
	return ListResult{Children: slices.Insert(out, i, child)}
}

// Remove returns l without id.
func (l ListResult) Remove(id int32) ListResult {
	i, ok := l.find(id)
	if !ok {
		return l
	}
	return ListResult{Children: slices.Delete(slices.Clone(l.Children), i, i+1)}
}

// Merge returns the union of l and other; entries of other win on equal ids.
func (l ListResult) Merge(other ListResult) ListResult {
	out := make([]ChildInfo, 0, len(l.Children)+len(other.Children))
	i, j := 0, 0
	for i < len(l.Children) && j < len(other.Children) {
		a, b := l.Children[i], other.Children[j]
		switch {
		case a.ID < b.ID:
			out = append(out, a)
			i++
		case a.ID > b.ID:
			out = append(out, b)
			j++
		default:
			out = append(out, b)
			i++
			j++
		}
	}
	out = append(out, l.Children[i:]...)
	out = append(out, other.Children[j:]...)
	return ListResult{Children: out}
}

// Subtract returns l without the ids present in other.
func (l ListResult) Subtract(other ListResult) ListResult {
	out := make([]ChildInfo, 0, len(l.Children))
	for _, c := range l.Children {
		if !other.Contains(c.ID) {
			out = append(out, c)
		}
	}
	return ListResult{Children: out}
}

// Equal compares ids and name ids.
func (l ListResult) Equal(other ListResult) bool {
	return slices.Equal(l.Children, other.Children)
}

// NewListResult builds a sorted, deduplicated list from children in any
// order. On duplicate ids the last entry wins.
func NewListResult(children ...ChildInfo) ListResult {
	out := make([]ChildInfo, len(children))
	copy(out, children)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	dedup := out[:0]
	for _, c := range out {
		if n := len(dedup); n > 0 && dedup[n-1].ID == c.ID {
			dedup[n-1] = c
			continue
		}
		dedup = append(dedup, c)
	}
	return ListResult{Children: dedup}
}

// encodeChildIDs writes (count, delta...) with the first delta relative to
// the parent id. Deltas are zigzag varints since children may have smaller
// ids than their parent.
func encodeChildIDs(parentID int32, ids []int32) []byte {
	buf := binary.AppendUvarint(nil, uint64(len(ids)))
	prev := parentID
	for _, id := range ids {
		buf = binary.AppendVarint(buf, int64(id)-int64(prev))
		prev = id
	}
	return buf
}

func decodeChildIDs(parentID int32, data []byte) ([]int32, error) {
	count, n := binary.Uvarint(data)
	if n <= 0 || count > uint64(len(data)) {
		return nil, common.Corruptf("children of %d: bad count", parentID)
	}
	pos := n
	ids := make([]int32, 0, count)
	prev := int64(parentID)
	for i := uint64(0); i < count; i++ {
		delta, m := binary.Varint(data[pos:])
		if m <= 0 {
			return nil, common.Corruptf("children of %d: truncated at entry %d", parentID, i)
		}
		pos += m
		id := prev + delta
		if id <= int64(RootID) || id > math.MaxInt32 || (i > 0 && id <= prev) || id == int64(parentID) {
			return nil, common.Corruptf("children of %d: invalid or unordered id %d", parentID, id)
		}
		ids = append(ids, int32(id))
		prev = id
	}
	if pos != len(data) {
		return nil, common.Corruptf("children of %d: %d trailing bytes", parentID, len(data)-pos)
	}
	return ids, nil
}

// rootEntry is one entry of the root registry: the interned root url and
// the root record id.
type rootEntry struct {
	URLID int32
	ID    int32
}

// encodeRoots writes (count, {urlId, idDelta}...) sorted by id.
func encodeRoots(roots []rootEntry) []byte {
	buf := binary.AppendUvarint(nil, uint64(len(roots)))
	prev := int32(0)
	for _, r := range roots {
		buf = binary.AppendUvarint(buf, uint64(r.URLID))
		buf = binary.AppendUvarint(buf, uint64(r.ID-prev))
		prev = r.ID
	}
	return buf
}

func decodeRoots(data []byte) ([]rootEntry, error) {
	count, n := binary.Uvarint(data)
	if n <= 0 || count > uint64(len(data)) {
		return nil, common.Corruptf("root registry: bad count")
	}
	pos := n
	roots := make([]rootEntry, 0, count)
	prev := int64(0)
	for i := uint64(0); i < count; i++ {
		urlID, m := binary.Uvarint(data[pos:])
		if m <= 0 || urlID == 0 || urlID > math.MaxInt32 {
			return nil, common.Corruptf("root registry: bad url id at entry %d", i)
		}
		pos += m
		delta, k := binary.Uvarint(data[pos:])
		if k <= 0 || delta == 0 {
			return nil, common.Corruptf("root registry: bad id delta at entry %d", i)
		}
		pos += k
		id := prev + int64(delta)
		if id > math.MaxInt32 {
			return nil, common.Corruptf("root registry: id overflow at entry %d", i)
		}
		roots = append(roots, rootEntry{URLID: int32(urlID), ID: int32(id)})
		prev = id
	}
	return roots, nil
}
