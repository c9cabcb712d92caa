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
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

// recordAccessor manages record allocation and the free list.
//
// freed holds every free record. reusable holds the records that were
// already free when the store was opened: only those are handed out again,
// so an id freed in this session is never reused before a restart.
type recordAccessor struct {
	records RecordsStorage

	mu       sync.Mutex
	freed    *roaring.Bitmap
	reusable *roaring.Bitmap
}

func newRecordAccessor(records RecordsStorage) (*recordAccessor, error) {
	a := &recordAccessor{
		records:  records,
		freed:    roaring.New(),
		reusable: roaring.New(),
	}
	err := records.ProcessAllNames(func(id, _ int32, flags uint32) error {
		if flags&FlagFreeRecord != 0 {
			a.freed.Add(uint32(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.reusable.Or(a.freed)
	return a, nil
}

// allocate returns a zeroed record id, recycling a reusable free record when
// one exists. recycled reports which path was taken.
func (a *recordAccessor) allocate() (id int32, recycled bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.reusable.IsEmpty() {
		id = int32(a.reusable.Minimum())
		a.reusable.Remove(uint32(id))
		a.freed.Remove(uint32(id))
		if err := a.records.CleanRecord(id); err != nil {
			return NullID, false, err
		}
		a.records.MarkModified(id)
		return id, true, nil
	}
	id = a.records.AllocateRecord()
	a.records.MarkModified(id)
	return id, false, nil
}

// markFree flags a cleaned record as free and adds it to the free list.
func (a *recordAccessor) markFree(id int32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records.SetFlags(id, FlagFreeRecord)
	a.freed.Add(uint32(id))
}

func (a *recordAccessor) isFree(id int32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freed.Contains(uint32(id))
}

// freeRecords returns the free list in id order.
func (a *recordAccessor) freeRecords() []int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]int32, 0, a.freed.GetCardinality())
	it := a.freed.Iterator()
	for it.HasNext() {
		ids = append(ids, int32(it.Next()))
	}
	return ids
}

func (a *recordAccessor) freeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.freed.GetCardinality())
}
