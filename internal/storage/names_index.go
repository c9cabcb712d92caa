package storage

import (
	"context"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

// nameIndex maps a name id to the live records carrying it. Most names
// belong to one file, so single holders are kept inline and only shared
// names get a bitmap.
//
// The index is maintained incrementally by record writes. Invalidate drops
// it; the next query rebuilds it from the record table under mu, blocking
// other queries only for the rebuild.
type nameIndex struct {
	mu     sync.RWMutex
	valid  bool
	single map[int32]int32
	multi  map[int32]*roaring.Bitmap
}

func newNameIndex() *nameIndex {
	return &nameIndex{}
}

func (x *nameIndex) reset() {
	x.single = make(map[int32]int32)
	x.multi = make(map[int32]*roaring.Bitmap)
}

func (x *nameIndex) addLocked(nameID, id int32) {
	if bm, ok := x.multi[nameID]; ok {
		bm.Add(uint32(id))
		return
	}
	if prev, ok := x.single[nameID]; ok {
		if prev == id {
			return
		}
		delete(x.single, nameID)
		x.multi[nameID] = roaring.BitmapOf(uint32(prev), uint32(id))
		return
	}
	x.single[nameID] = id
}

func (x *nameIndex) removeLocked(nameID, id int32) {
	if bm, ok := x.multi[nameID]; ok {
		bm.Remove(uint32(id))
		switch bm.GetCardinality() {
		case 0:
			delete(x.multi, nameID)
		case 1:
			delete(x.multi, nameID)
			x.single[nameID] = int32(bm.Minimum())
		}
		return
	}
	if prev, ok := x.single[nameID]; ok && prev == id {
		delete(x.single, nameID)
	}
}

// rename moves id from oldName to newName. Zero name ids are not indexed.
func (x *nameIndex) rename(id, oldName, newName int32) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.valid {
		return
	}
	if oldName != NullID {
		x.removeLocked(oldName, id)
	}
	if newName != NullID {
		x.addLocked(newName, id)
	}
}

// Invalidate forces a full rebuild on the next query.
func (x *nameIndex) Invalidate() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.valid = false
	x.single, x.multi = nil, nil
}

// ensure rebuilds the index if needed. scan must stream every live record.
func (x *nameIndex) ensure(ctx context.Context, scan func(fn func(id, nameID int32) error) error, onRebuild func()) error {
	x.mu.RLock()
	valid := x.valid
	x.mu.RUnlock()
	if valid {
		return nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.valid {
		return nil
	}
	x.reset()
	var n int
	err := scan(func(id, nameID int32) error {
		if n++; n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if nameID != NullID {
			x.addLocked(nameID, id)
		}
		return nil
	})
	if err != nil {
		x.single, x.multi = nil, nil
		return err
	}
	x.valid = true
	if onRebuild != nil {
		onRebuild()
	}
	return nil
}

// lookup returns a snapshot of the ids for each name id.
func (x *nameIndex) lookup(nameIDs []int32) []int32 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var ids []int32
	for _, nameID := range nameIDs {
		if id, ok := x.single[nameID]; ok {
			ids = append(ids, id)
			continue
		}
		if bm, ok := x.multi[nameID]; ok {
			it := bm.Iterator()
			for it.HasNext() {
				ids = append(ids, int32(it.Next()))
			}
		}
	}
	return ids
}
