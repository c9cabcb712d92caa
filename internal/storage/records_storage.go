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
	"fmt"
	"io"
	"os"

	"persistentfs/internal/common"
)

// RecordsStorage is the fixed-width Record Table. Ids are validated by the
// caller (see recordAccessor.checkID); accessors are individually atomic but
// give no cross-field atomicity, so multi-field updates need the store write
// lock. Every setter bumps the record's mod count.
//
// Two strategies exist: lockFreeRecords (atomics over in-memory pages) and
// synchronizedRecords (a byte image guarded by a RWMutex). The strategy is
// chosen once at open from Features.LockFreeRecords.
type RecordsStorage interface {
	Version() int32
	SetVersion(v int32)
	ConnectionStatus() int32
	SetConnectionStatus(magic int32)
	GlobalModCount() int32
	CreationTimestamp() int64

	// RecordCount is the number of slots, including the header and root slots.
	RecordCount() int32
	// AllocateRecord appends a zeroed slot and returns its id.
	AllocateRecord() int32
	// CleanRecord zero-fills slot id. id may equal RecordCount, which grows
	// the table by one slot; larger ids are rejected.
	CleanRecord(id int32) error

	ParentID(id int32) int32
	SetParentID(id, parentID int32)
	NameID(id int32) int32
	SetNameID(id, nameID int32)
	Flags(id int32) uint32
	SetFlags(id int32, flags uint32)
	AttributeRecordID(id int32) int32
	SetAttributeRecordID(id, attrID int32)
	ContentRecordID(id int32) int32
	SetContentRecordID(id, contentID int32)
	Timestamp(id int32) int64
	SetTimestamp(id int32, ts int64)
	Length(id int32) int64
	SetLength(id int32, length int64)
	ModCount(id int32) int32
	MarkModified(id int32)

	// SetAttributesAndBump writes every (re)creation field at once.
	SetAttributesAndBump(id, parentID, nameID int32, attrs FileAttributes, overwriteAttrRef bool)
	// Read returns a snapshot of one record.
	Read(id int32) FileRecord
	// ProcessAllNames streams (id, nameID, flags) for every non-header slot.
	ProcessAllNames(fn func(id, nameID int32, flags uint32) error) error

	IsDirty() bool
	Force() error
	Close() error
	// Discard closes the file without writing unflushed state.
	Discard() error
}

// header is the decoded record 0. The header is always little-endian so it
// can be read before the features (and thus the byte order) are known.
type header struct {
	version     int32
	globalMod   int32
	status      int32
	created     int64
	recordCount int32
}

func decodeHeader(b []byte) header {
	le := binary.LittleEndian
	return header{
		version:     int32(le.Uint32(b[headerVersionOffset:])),
		globalMod:   int32(le.Uint32(b[headerGlobalModOffset:])),
		status:      int32(le.Uint32(b[headerStatusOffset:])),
		created:     int64(le.Uint64(b[headerCreatedOffset:])),
		recordCount: int32(le.Uint32(b[headerRecordCountOffset:])),
	}
}

func encodeHeader(b []byte, h header) {
	le := binary.LittleEndian
	le.PutUint32(b[headerVersionOffset:], uint32(h.version))
	le.PutUint32(b[headerGlobalModOffset:], uint32(h.globalMod))
	le.PutUint32(b[headerStatusOffset:], uint32(h.status))
	le.PutUint64(b[headerCreatedOffset:], uint64(h.created))
	le.PutUint32(b[headerRecordCountOffset:], uint32(h.recordCount))
}

func decodeRecord(b []byte, order binary.ByteOrder) FileRecord {
	return FileRecord{
		ParentID:    int32(order.Uint32(b[parentOffset:])),
		NameID:      int32(order.Uint32(b[nameOffset:])),
		Flags:       order.Uint32(b[flagsOffset:]),
		AttributeID: int32(order.Uint32(b[attrRefOffset:])),
		ContentID:   int32(order.Uint32(b[contentOffset:])),
		Timestamp:   int64(order.Uint64(b[timestampOffset:])),
		ModCount:    int32(order.Uint32(b[modCountOffset:])),
		Length:      int64(order.Uint64(b[lengthOffset:])),
	}
}

func encodeRecord(b []byte, r FileRecord, order binary.ByteOrder) {
	order.PutUint32(b[parentOffset:], uint32(r.ParentID))
	order.PutUint32(b[nameOffset:], uint32(r.NameID))
	order.PutUint32(b[flagsOffset:], r.Flags)
	order.PutUint32(b[attrRefOffset:], uint32(r.AttributeID))
	order.PutUint32(b[contentOffset:], uint32(r.ContentID))
	order.PutUint64(b[timestampOffset:], uint64(r.Timestamp))
	order.PutUint32(b[modCountOffset:], uint32(r.ModCount))
	order.PutUint64(b[lengthOffset:], uint64(r.Length))
}

// recordsImage is the raw content of records.<ext> as loaded at open.
type recordsImage struct {
	file   *os.File
	header header
	// data holds slots 0..recordCount-1; slot 0 is the header.
	data []byte
	// fresh is set when the file was created by this open.
	fresh bool
}

// loadRecordsImage reads (or initializes) the records file. A new file gets
// a header carrying version and created, with the header and root slots.
func loadRecordsImage(path string, version int32, created int64) (*recordsImage, bool, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, false, common.NewIOError("open records", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, false, common.NewIOError("stat records", err)
	}

	if info.Size() == 0 {
		img := &recordsImage{
			file: f,
			header: header{
				version:     version,
				created:     created,
				recordCount: firstID,
			},
			data:  make([]byte, int(firstID)*RecordSize),
			fresh: true,
		}
		encodeHeader(img.data, img.header)
		return img, true, nil
	}

	if info.Size() < RecordSize || info.Size()%RecordSize != 0 {
		f.Close()
		return nil, false, common.Corruptf("records file size %d is not a multiple of %d", info.Size(), RecordSize)
	}
	data := make([]byte, info.Size())
	if _, err := io.ReadFull(io.NewSectionReader(f, 0, info.Size()), data); err != nil {
		f.Close()
		return nil, false, common.NewIOError("read records", err)
	}
	h := decodeHeader(data)
	if h.recordCount < firstID || int64(h.recordCount)*RecordSize > info.Size() {
		f.Close()
		return nil, false, common.Corruptf("records header count %d does not match file size %d", h.recordCount, info.Size())
	}
	return &recordsImage{file: f, header: h, data: data[:int(h.recordCount)*RecordSize]}, false, nil
}

// openRecordsStorage selects the records strategy for features.
func openRecordsStorage(path string, features Features, created int64) (RecordsStorage, bool, error) {
	img, fresh, err := loadRecordsImage(path, features.FormatVersion(), created)
	if err != nil {
		return nil, false, err
	}
	if features.LockFreeRecords {
		return newLockFreeRecords(img, features.byteOrder()), fresh, nil
	}
	return newSynchronizedRecords(img, features.byteOrder()), fresh, nil
}

// readHeaderOnly decodes the header of an existing records file without
// opening the storage. Returns false if the file is missing or empty.
func readHeaderOnly(path string) (header, bool, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return header{}, false, nil
	}
	if err != nil {
		return header{}, false, common.NewIOError("open records", err)
	}
	defer f.Close()

	b := make([]byte, headerSize)
	n, err := f.ReadAt(b, 0)
	if n == 0 && err == io.EOF {
		return header{}, false, nil
	}
	if n < headerSize {
		return header{}, true, common.Corruptf("records header truncated (%d bytes)", n)
	}
	return decodeHeader(b), true, nil
}

// writeHeaderStatus patches the connection status of a records file in place.
func writeHeaderStatus(path string, magic int32) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(magic))
	if _, err := f.WriteAt(b[:], headerStatusOffset); err != nil {
		return err
	}
	return f.Sync()
}

func checkRecordID(id, count int32) error {
	if id < RootID || id >= count {
		return fmt.Errorf("%w: %d (records: %d)", common.ErrInvalidID, id, count)
	}
	return nil
}
