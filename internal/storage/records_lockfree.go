package storage

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"persistentfs/internal/common"
)

const recordsPerPage = 1024

type atomicRecord struct {
	parent    atomic.Int32
	name      atomic.Int32
	flags     atomic.Uint32
	attr      atomic.Int32
	content   atomic.Int32
	timestamp atomic.Int64
	modCount  atomic.Int32
	length    atomic.Int64
}

type recordPage struct {
	records [recordsPerPage]atomicRecord
	dirty   atomic.Bool
}

// lockFreeRecords keeps every record in memory as atomics. Pages are never
// moved once allocated, so readers index them without locking; only growth
// takes growMu.
type lockFreeRecords struct {
	img   *recordsImage
	order binary.ByteOrder

	pages  atomic.Pointer[[]*recordPage]
	growMu sync.Mutex
	count  atomic.Int32

	version     atomic.Int32
	status      atomic.Int32
	globalMod   atomic.Int32
	created     int64
	headerDirty atomic.Bool

	forceMu sync.Mutex
}

func newLockFreeRecords(img *recordsImage, order binary.ByteOrder) *lockFreeRecords {
	r := &lockFreeRecords{img: img, order: order, created: img.header.created}
	r.version.Store(img.header.version)
	r.status.Store(img.header.status)
	r.globalMod.Store(img.header.globalMod)

	count := img.header.recordCount
	pages := make([]*recordPage, 0, int(count)/recordsPerPage+1)
	for len(pages)*recordsPerPage < int(count) {
		pages = append(pages, &recordPage{})
	}
	r.pages.Store(&pages)
	for id := RootID; id < count; id++ {
		rec := decodeRecord(img.data[int(id)*RecordSize:], order)
		r.store(id, rec)
	}
	r.count.Store(count)
	// The decoded image is now owned by the pages.
	img.data = nil
	if img.fresh {
		r.headerDirty.Store(true)
		for _, p := range pages {
			p.dirty.Store(true)
		}
	}
	return r
}

func (r *lockFreeRecords) slot(id int32) *atomicRecord {
	pages := *r.pages.Load()
	return &pages[int(id)/recordsPerPage].records[int(id)%recordsPerPage]
}

func (r *lockFreeRecords) markDirty(id int32) {
	pages := *r.pages.Load()
	pages[int(id)/recordsPerPage].dirty.Store(true)
}

func (r *lockFreeRecords) store(id int32, rec FileRecord) {
	s := r.slot(id)
	s.parent.Store(rec.ParentID)
	s.name.Store(rec.NameID)
	s.flags.Store(rec.Flags)
	s.attr.Store(rec.AttributeID)
	s.content.Store(rec.ContentID)
	s.timestamp.Store(rec.Timestamp)
	s.modCount.Store(rec.ModCount)
	s.length.Store(rec.Length)
}

func (r *lockFreeRecords) Version() int32 { return r.version.Load() }

func (r *lockFreeRecords) SetVersion(v int32) {
	r.version.Store(v)
	r.headerDirty.Store(true)
}

func (r *lockFreeRecords) ConnectionStatus() int32 { return r.status.Load() }

func (r *lockFreeRecords) SetConnectionStatus(magic int32) {
	r.status.Store(magic)
	r.headerDirty.Store(true)
}

func (r *lockFreeRecords) GlobalModCount() int32 { return r.globalMod.Load() }

func (r *lockFreeRecords) CreationTimestamp() int64 { return r.created }

func (r *lockFreeRecords) RecordCount() int32 { return r.count.Load() }

func (r *lockFreeRecords) AllocateRecord() int32 {
	r.growMu.Lock()
	defer r.growMu.Unlock()

	id := r.count.Load()
	pages := *r.pages.Load()
	if int(id) >= len(pages)*recordsPerPage {
		grown := make([]*recordPage, len(pages), len(pages)+1)
		copy(grown, pages)
		grown = append(grown, &recordPage{})
		r.pages.Store(&grown)
	}
	r.store(id, FileRecord{})
	r.markDirty(id)
	r.count.Store(id + 1)
	r.headerDirty.Store(true)
	return id
}

func (r *lockFreeRecords) CleanRecord(id int32) error {
	count := r.count.Load()
	if id == count {
		r.AllocateRecord()
		return nil
	}
	if err := checkRecordID(id, count); err != nil {
		return err
	}
	r.store(id, FileRecord{})
	r.markDirty(id)
	return nil
}

func (r *lockFreeRecords) bump(id int32) {
	r.slot(id).modCount.Store(r.globalMod.Add(1))
	r.markDirty(id)
	r.headerDirty.Store(true)
}

func (r *lockFreeRecords) ParentID(id int32) int32 { return r.slot(id).parent.Load() }

func (r *lockFreeRecords) SetParentID(id, parentID int32) {
	r.slot(id).parent.Store(parentID)
	r.bump(id)
}

func (r *lockFreeRecords) NameID(id int32) int32 { return r.slot(id).name.Load() }

func (r *lockFreeRecords) SetNameID(id, nameID int32) {
	r.slot(id).name.Store(nameID)
	r.bump(id)
}

func (r *lockFreeRecords) Flags(id int32) uint32 { return r.slot(id).flags.Load() }

func (r *lockFreeRecords) SetFlags(id int32, flags uint32) {
	r.slot(id).flags.Store(flags)
	r.bump(id)
}

func (r *lockFreeRecords) AttributeRecordID(id int32) int32 { return r.slot(id).attr.Load() }

func (r *lockFreeRecords) SetAttributeRecordID(id, attrID int32) {
	r.slot(id).attr.Store(attrID)
	r.bump(id)
}

func (r *lockFreeRecords) ContentRecordID(id int32) int32 { return r.slot(id).content.Load() }

func (r *lockFreeRecords) SetContentRecordID(id, contentID int32) {
	r.slot(id).content.Store(contentID)
	r.bump(id)
}

func (r *lockFreeRecords) Timestamp(id int32) int64 { return r.slot(id).timestamp.Load() }

func (r *lockFreeRecords) SetTimestamp(id int32, ts int64) {
	r.slot(id).timestamp.Store(ts)
	r.bump(id)
}

func (r *lockFreeRecords) Length(id int32) int64 { return r.slot(id).length.Load() }

func (r *lockFreeRecords) SetLength(id int32, length int64) {
	r.slot(id).length.Store(length)
	r.bump(id)
}

func (r *lockFreeRecords) ModCount(id int32) int32 { return r.slot(id).modCount.Load() }

func (r *lockFreeRecords) MarkModified(id int32) { r.bump(id) }

func (r *lockFreeRecords) SetAttributesAndBump(id, parentID, nameID int32, attrs FileAttributes, overwriteAttrRef bool) {
	s := r.slot(id)
	s.parent.Store(parentID)
	s.name.Store(nameID)
	s.flags.Store(attrs.Flags)
	s.timestamp.Store(attrs.Timestamp)
	s.length.Store(attrs.Length)
	if overwriteAttrRef {
		s.attr.Store(NullID)
	}
	r.bump(id)
}

func (r *lockFreeRecords) Read(id int32) FileRecord {
	s := r.slot(id)
	return FileRecord{
		ID:          id,
		ParentID:    s.parent.Load(),
		NameID:      s.name.Load(),
		Flags:       s.flags.Load(),
		AttributeID: s.attr.Load(),
		ContentID:   s.content.Load(),
		Timestamp:   s.timestamp.Load(),
		ModCount:    s.modCount.Load(),
		Length:      s.length.Load(),
	}
}

func (r *lockFreeRecords) ProcessAllNames(fn func(id, nameID int32, flags uint32) error) error {
	count := r.count.Load()
	for id := RootID; id < count; id++ {
		s := r.slot(id)
		if err := fn(id, s.name.Load(), s.flags.Load()); err != nil {
			return err
		}
	}
	return nil
}

func (r *lockFreeRecords) IsDirty() bool {
	if r.headerDirty.Load() {
		return true
	}
	for _, p := range *r.pages.Load() {
		if p.dirty.Load() {
			return true
		}
	}
	return false
}

// Force writes dirty pages and the header, then syncs the file. A page's
// dirty bit is cleared before it is encoded, so a concurrent update re-marks
// it for the next Force.
func (r *lockFreeRecords) Force() error {
	r.forceMu.Lock()
	defer r.forceMu.Unlock()

	count := r.count.Load()
	pages := *r.pages.Load()
	buf := make([]byte, recordsPerPage*RecordSize)
	for pi, p := range pages {
		if !p.dirty.CompareAndSwap(true, false) {
			continue
		}
		first := int32(pi * recordsPerPage)
		last := min(first+recordsPerPage, count)
		if last <= first {
			continue
		}
		clear(buf)
		for id := max(first, RootID); id < last; id++ {
			encodeRecord(buf[int(id-first)*RecordSize:], r.Read(id), r.order)
		}
		from, to := 0, int(last-first)*RecordSize
		if first == 0 {
			// slot 0 is the header and written below
			from = RecordSize
		}
		if _, err := r.img.file.WriteAt(buf[from:to], int64(first)*RecordSize+int64(from)); err != nil {
			p.dirty.Store(true)
			return common.NewIOError("write records", err)
		}
	}

	if r.headerDirty.CompareAndSwap(true, false) {
		h := make([]byte, RecordSize)
		encodeHeader(h, header{
			version:     r.version.Load(),
			globalMod:   r.globalMod.Load(),
			status:      r.status.Load(),
			created:     r.created,
			recordCount: count,
		})
		if _, err := r.img.file.WriteAt(h, 0); err != nil {
			r.headerDirty.Store(true)
			return common.NewIOError("write records header", err)
		}
	}
	if err := r.img.file.Sync(); err != nil {
		return common.NewIOError("sync records", err)
	}
	return nil
}

func (r *lockFreeRecords) Close() error {
	if err := r.Force(); err != nil {
		r.img.file.Close()
		return err
	}
	return r.img.file.Close()
}

func (r *lockFreeRecords) Discard() error { return r.img.file.Close() }
