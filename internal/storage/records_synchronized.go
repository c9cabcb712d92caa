package storage

import (
	"encoding/binary"
	"sync"

	"persistentfs/internal/common"
)

// synchronizedRecords keeps the records file image in one byte slice guarded
// by a RWMutex. Dirty bytes are tracked as a single [dirtyFrom, dirtyTo) range.
type synchronizedRecords struct {
	mu    sync.RWMutex
	img   *recordsImage
	order binary.ByteOrder

	buf       []byte
	hdr       header
	hdrDirty  bool
	dirtyFrom int
	dirtyTo   int
}

func newSynchronizedRecords(img *recordsImage, order binary.ByteOrder) *synchronizedRecords {
	r := &synchronizedRecords{
		img:   img,
		order: order,
		buf:   img.data,
		hdr:   img.header,
	}
	img.data = nil
	if img.fresh {
		r.hdrDirty = true
		r.touch(RootID)
	}
	return r
}

// touch extends the dirty range to cover slot id. Callers hold mu.
func (r *synchronizedRecords) touch(id int32) {
	from, to := int(id)*RecordSize, int(id+1)*RecordSize
	if r.dirtyTo == 0 {
		r.dirtyFrom, r.dirtyTo = from, to
		return
	}
	r.dirtyFrom = min(r.dirtyFrom, from)
	r.dirtyTo = max(r.dirtyTo, to)
}

func (r *synchronizedRecords) at(id int32) []byte {
	return r.buf[int(id)*RecordSize : int(id+1)*RecordSize]
}

func (r *synchronizedRecords) getInt32(id int32, off int) int32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int32(r.order.Uint32(r.at(id)[off:]))
}

func (r *synchronizedRecords) getInt64(id int32, off int) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(r.order.Uint64(r.at(id)[off:]))
}

// bumpLocked assigns the next global mod count to slot id. Callers hold mu.
func (r *synchronizedRecords) bumpLocked(id int32) {
	r.hdr.globalMod++
	r.order.PutUint32(r.at(id)[modCountOffset:], uint32(r.hdr.globalMod))
	r.hdrDirty = true
	r.touch(id)
}

func (r *synchronizedRecords) setInt32(id int32, off int, v int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order.PutUint32(r.at(id)[off:], uint32(v))
	r.bumpLocked(id)
}

func (r *synchronizedRecords) setInt64(id int32, off int, v int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order.PutUint64(r.at(id)[off:], uint64(v))
	r.bumpLocked(id)
}

func (r *synchronizedRecords) Version() int32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hdr.version
}

func (r *synchronizedRecords) SetVersion(v int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hdr.version = v
	r.hdrDirty = true
}

func (r *synchronizedRecords) ConnectionStatus() int32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hdr.status
}

func (r *synchronizedRecords) SetConnectionStatus(magic int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hdr.status = magic
	r.hdrDirty = true
}

func (r *synchronizedRecords) GlobalModCount() int32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hdr.globalMod
}

func (r *synchronizedRecords) CreationTimestamp() int64 { return r.hdr.created }

func (r *synchronizedRecords) RecordCount() int32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hdr.recordCount
}

func (r *synchronizedRecords) AllocateRecord() int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.growLocked()
}

func (r *synchronizedRecords) growLocked() int32 {
	id := r.hdr.recordCount
	r.buf = append(r.buf, make([]byte, RecordSize)...)
	r.hdr.recordCount++
	r.hdrDirty = true
	r.touch(id)
	return id
}

func (r *synchronizedRecords) CleanRecord(id int32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == r.hdr.recordCount {
		r.growLocked()
		return nil
	}
	if err := checkRecordID(id, r.hdr.recordCount); err != nil {
		return err
	}
	clear(r.at(id))
	r.touch(id)
	return nil
}

func (r *synchronizedRecords) ParentID(id int32) int32 { return r.getInt32(id, parentOffset) }

func (r *synchronizedRecords) SetParentID(id, parentID int32) { r.setInt32(id, parentOffset, parentID) }

func (r *synchronizedRecords) NameID(id int32) int32 { return r.getInt32(id, nameOffset) }

func (r *synchronizedRecords) SetNameID(id, nameID int32) { r.setInt32(id, nameOffset, nameID) }

func (r *synchronizedRecords) Flags(id int32) uint32 { return uint32(r.getInt32(id, flagsOffset)) }

func (r *synchronizedRecords) SetFlags(id int32, flags uint32) {
	r.setInt32(id, flagsOffset, int32(flags))
}

func (r *synchronizedRecords) AttributeRecordID(id int32) int32 {
	return r.getInt32(id, attrRefOffset)
}

func (r *synchronizedRecords) SetAttributeRecordID(id, attrID int32) {
	r.setInt32(id, attrRefOffset, attrID)
}

func (r *synchronizedRecords) ContentRecordID(id int32) int32 {
	return r.getInt32(id, contentOffset)
}

func (r *synchronizedRecords) SetContentRecordID(id, contentID int32) {
	r.setInt32(id, contentOffset, contentID)
}

func (r *synchronizedRecords) Timestamp(id int32) int64 { return r.getInt64(id, timestampOffset) }

func (r *synchronizedRecords) SetTimestamp(id int32, ts int64) { r.setInt64(id, timestampOffset, ts) }

func (r *synchronizedRecords) Length(id int32) int64 { return r.getInt64(id, lengthOffset) }

func (r *synchronizedRecords) SetLength(id int32, length int64) { r.setInt64(id, lengthOffset, length) }

func (r *synchronizedRecords) ModCount(id int32) int32 { return r.getInt32(id, modCountOffset) }

func (r *synchronizedRecords) MarkModified(id int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bumpLocked(id)
}

func (r *synchronizedRecords) SetAttributesAndBump(id, parentID, nameID int32, attrs FileAttributes, overwriteAttrRef bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.at(id)
	r.order.PutUint32(b[parentOffset:], uint32(parentID))
	r.order.PutUint32(b[nameOffset:], uint32(nameID))
	r.order.PutUint32(b[flagsOffset:], attrs.Flags)
	r.order.PutUint64(b[timestampOffset:], uint64(attrs.Timestamp))
	r.order.PutUint64(b[lengthOffset:], uint64(attrs.Length))
	if overwriteAttrRef {
		r.order.PutUint32(b[attrRefOffset:], uint32(NullID))
	}
	r.bumpLocked(id)
}

func (r *synchronizedRecords) Read(id int32) FileRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec := decodeRecord(r.at(id), r.order)
	rec.ID = id
	return rec
}

func (r *synchronizedRecords) ProcessAllNames(fn func(id, nameID int32, flags uint32) error) error {
	count := r.RecordCount()
	for id := RootID; id < count; id++ {
		r.mu.RLock()
		b := r.at(id)
		nameID, flags := int32(r.order.Uint32(b[nameOffset:])), r.order.Uint32(b[flagsOffset:])
		r.mu.RUnlock()
		if err := fn(id, nameID, flags); err != nil {
			return err
		}
	}
	return nil
}

func (r *synchronizedRecords) IsDirty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hdrDirty || r.dirtyTo > 0
}

func (r *synchronizedRecords) Force() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dirtyTo > 0 {
		from := max(r.dirtyFrom, RecordSize)
		if from < r.dirtyTo {
			if _, err := r.img.file.WriteAt(r.buf[from:r.dirtyTo], int64(from)); err != nil {
				return common.NewIOError("write records", err)
			}
		}
		r.dirtyFrom, r.dirtyTo = 0, 0
	}
	if r.hdrDirty {
		h := make([]byte, RecordSize)
		encodeHeader(h, r.hdr)
		if _, err := r.img.file.WriteAt(h, 0); err != nil {
			return common.NewIOError("write records header", err)
		}
		r.hdrDirty = false
	}
	if err := r.img.file.Sync(); err != nil {
		return common.NewIOError("sync records", err)
	}
	return nil
}

func (r *synchronizedRecords) Close() error {
	if err := r.Force(); err != nil {
		r.img.file.Close()
		return err
	}
	return r.img.file.Close()
}

func (r *synchronizedRecords) Discard() error { return r.img.file.Close() }
