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
	"sync"

	"persistentfs/internal/common"
)

// blobStorage is an append-mostly file of variable-length records, used by
// the attribute and content stores. A record id is its byte offset divided
// by blobAlign, so ids stay stable until the record is relocated.
//
// File layout:
//
//	[magic uint32][version uint32][reserved 8 bytes]
//	record: [capacity uint32][length int32][payload, padded to blobAlign]
//
// A deleted record keeps its capacity and has length blobDeleted.
type blobStorage struct {
	path string
	kind string
	file *os.File

	mu    sync.RWMutex
	tail  int64
	live  int
	dirty bool
}

const (
	blobMagic       uint32 = 0x50465342 // "PFSB"
	blobVersion     uint32 = 1
	blobFileHeader         = 16
	blobAlign              = 8
	blobRecordHead         = 8
	blobDeleted     int32  = -1
	maxBlobCapacity        = 1<<31 - 1
)

func alignBlob(n int) int {
	return (n + blobAlign - 1) &^ (blobAlign - 1)
}

// openBlobStorage opens or creates a blob file and counts its live records.
func openBlobStorage(path, kind string) (*blobStorage, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, common.NewIOError("open "+kind, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, common.NewIOError("stat "+kind, err)
	}
	b := &blobStorage{path: path, kind: kind, file: f}

	if info.Size() == 0 {
		var hdr [blobFileHeader]byte
		binary.LittleEndian.PutUint32(hdr[0:], blobMagic)
		binary.LittleEndian.PutUint32(hdr[4:], blobVersion)
		if _, err := f.WriteAt(hdr[:], 0); err != nil {
			f.Close()
			return nil, common.NewIOError("init "+kind, err)
		}
		b.tail = blobFileHeader
		b.dirty = true
		return b, nil
	}

	var hdr [blobFileHeader]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		f.Close()
		return nil, common.Corruptf("%s header unreadable: %v", kind, err)
	}
	if binary.LittleEndian.Uint32(hdr[0:]) != blobMagic || binary.LittleEndian.Uint32(hdr[4:]) != blobVersion {
		f.Close()
		return nil, common.Corruptf("%s has a foreign header", kind)
	}
	if info.Size()%blobAlign != 0 {
		f.Close()
		return nil, common.Corruptf("%s size %d is not aligned", kind, info.Size())
	}
	b.tail = info.Size()

	err = b.forEach(func(int32, []byte) error {
		b.live++
		return nil
	})
	if err != nil {
		f.Close()
		return nil, err
	}
	return b, nil
}

func (b *blobStorage) offsetOf(id int32) int64 {
	return int64(id) * blobAlign
}

// readHead returns capacity and length of the record at id.
func (b *blobStorage) readHead(id int32) (int, int32, error) {
	off := b.offsetOf(id)
	if id <= 0 || off < blobFileHeader || off+blobRecordHead > b.tail {
		return 0, 0, common.Corruptf("%s record %d out of bounds", b.kind, id)
	}
	var head [blobRecordHead]byte
	if _, err := b.file.ReadAt(head[:], off); err != nil {
		return 0, 0, common.NewIOError("read "+b.kind, err)
	}
	capacity := int(binary.LittleEndian.Uint32(head[0:]))
	length := int32(binary.LittleEndian.Uint32(head[4:]))
	if off+blobRecordHead+int64(capacity) > b.tail || int(length) > capacity || length < blobDeleted {
		return 0, 0, common.Corruptf("%s record %d has a malformed header (capacity %d, length %d)", b.kind, id, capacity, length)
	}
	return capacity, length, nil
}

// read returns the payload of a live record.
func (b *blobStorage) read(id int32) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.readLocked(id)
}

func (b *blobStorage) readLocked(id int32) ([]byte, error) {
	_, length, err := b.readHead(id)
	if err != nil {
		return nil, err
	}
	if length == blobDeleted {
		return nil, common.Corruptf("%s record %d is deleted", b.kind, id)
	}
	payload := make([]byte, length)
	if _, err := b.file.ReadAt(payload, b.offsetOf(id)+blobRecordHead); err != nil {
		return nil, common.NewIOError("read "+b.kind, err)
	}
	return payload, nil
}

// capacity returns the payload capacity of a record.
func (b *blobStorage) capacity(id int32) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	capacity, _, err := b.readHead(id)
	return capacity, err
}

// writeNew appends a record holding payload with at least reserve bytes of
// capacity and returns its id.
func (b *blobStorage) writeNew(payload []byte, reserve int) (int32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeNewLocked(payload, reserve)
}

func (b *blobStorage) writeNewLocked(payload []byte, reserve int) (int32, error) {
	capacity := alignBlob(max(len(payload), reserve))
	if capacity > maxBlobCapacity {
		return 0, fmt.Errorf("%s record of %d bytes is too large", b.kind, len(payload))
	}
	off := b.tail
	if off/blobAlign > int64(^uint32(0)>>1) {
		return 0, common.NewIOError("write "+b.kind, fmt.Errorf("file is full"))
	}

	buf := make([]byte, blobRecordHead+capacity)
	binary.LittleEndian.PutUint32(buf[0:], uint32(capacity))
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(payload)))
	copy(buf[blobRecordHead:], payload)
	if _, err := b.file.WriteAt(buf, off); err != nil {
		return 0, common.NewIOError("write "+b.kind, err)
	}
	b.tail += int64(len(buf))
	b.live++
	b.dirty = true
	return int32(off / blobAlign), nil
}

// write replaces the payload of id. The record is rewritten in place when
// payload fits its capacity, otherwise it is relocated and the old record
// deleted. Returns the (possibly new) id.
func (b *blobStorage) write(id int32, payload []byte, reserve int) (int32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	capacity, length, err := b.readHead(id)
	if err != nil {
		return 0, err
	}
	if length == blobDeleted {
		return 0, common.Corruptf("%s record %d is deleted", b.kind, id)
	}
	if len(payload) <= capacity {
		buf := make([]byte, 4+len(payload))
		binary.LittleEndian.PutUint32(buf[0:], uint32(len(payload)))
		copy(buf[4:], payload)
		if _, err := b.file.WriteAt(buf, b.offsetOf(id)+4); err != nil {
			return 0, common.NewIOError("write "+b.kind, err)
		}
		b.dirty = true
		return id, nil
	}

	newID, err := b.writeNewLocked(payload, reserve)
	if err != nil {
		return 0, err
	}
	if err := b.deleteLocked(id); err != nil {
		return 0, err
	}
	return newID, nil
}

// patch overwrites bytes of a live record's payload at off.
func (b *blobStorage) patch(id int32, off int, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, length, err := b.readHead(id)
	if err != nil {
		return err
	}
	if off < 0 || off+len(data) > int(length) {
		return common.Corruptf("%s record %d: patch [%d,%d) beyond length %d", b.kind, id, off, off+len(data), length)
	}
	if _, err := b.file.WriteAt(data, b.offsetOf(id)+blobRecordHead+int64(off)); err != nil {
		return common.NewIOError("write "+b.kind, err)
	}
	b.dirty = true
	return nil
}

// delete marks a record deleted. Its space is not reused.
func (b *blobStorage) delete(id int32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deleteLocked(id)
}

func (b *blobStorage) deleteLocked(id int32) error {
	_, length, err := b.readHead(id)
	if err != nil {
		return err
	}
	if length == blobDeleted {
		return nil
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], ^uint32(0))
	if _, err := b.file.WriteAt(buf[:], b.offsetOf(id)+4); err != nil {
		return common.NewIOError("delete "+b.kind, err)
	}
	b.live--
	b.dirty = true
	return nil
}

// forEach streams every live record in file order.
func (b *blobStorage) forEach(fn func(id int32, payload []byte) error) error {
	r := io.NewSectionReader(b.file, 0, b.tail)
	off := int64(blobFileHeader)
	var head [blobRecordHead]byte
	for off < b.tail {
		if _, err := r.ReadAt(head[:], off); err != nil {
			return common.Corruptf("%s truncated at %d: %v", b.kind, off, err)
		}
		capacity := int64(binary.LittleEndian.Uint32(head[0:]))
		length := int32(binary.LittleEndian.Uint32(head[4:]))
		if capacity%blobAlign != 0 || off+blobRecordHead+capacity > b.tail || int64(length) > capacity || length < blobDeleted {
			return common.Corruptf("%s record at %d has a malformed header", b.kind, off)
		}
		if length != blobDeleted {
			payload := make([]byte, length)
			if _, err := r.ReadAt(payload, off+blobRecordHead); err != nil {
				return common.NewIOError("read "+b.kind, err)
			}
			if err := fn(int32(off/blobAlign), payload); err != nil {
				return err
			}
		}
		off += blobRecordHead + capacity
	}
	return nil
}

// scan is forEach under the read lock.
func (b *blobStorage) scan(fn func(id int32, payload []byte) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.forEach(fn)
}

func (b *blobStorage) liveRecordsCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.live
}

// size returns the file size in bytes.
func (b *blobStorage) size() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tail
}

func (b *blobStorage) isDirty() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dirty
}

func (b *blobStorage) force() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.dirty {
		return nil
	}
	if err := b.file.Sync(); err != nil {
		return common.NewIOError("sync "+b.kind, err)
	}
	b.dirty = false
	return nil
}

func (b *blobStorage) close() error {
	if err := b.force(); err != nil {
		b.file.Close()
		return err
	}
	return b.file.Close()
}
