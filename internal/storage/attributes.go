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
	"encoding/binary"
	"fmt"
	"math"

	"persistentfs/internal/common"
)

// FileAttribute identifies a kind of per-file attribute. Values written
// under one Version read as absent under another, so bumping the version
// invalidates everything stored with an older layout.
type FileAttribute struct {
	ID      string
	Version int32
	// FixedSize attributes always have values of the same size; their paged
	// records are allocated without spare capacity.
	FixedSize bool
}

func (a FileAttribute) String() string {
	return fmt.Sprintf("%s@%d", a.ID, a.Version)
}

// attributeStore keeps attribute values in attrib.<ext>. Each file owns at
// most one directory record listing (attrId, sizeOrRef) pairs:
//
//	[uvarint fileId]            only with AttributeRecordHeaders
//	{uvarint attrId, uvarint sizeOrRef, inline bytes?}*
//
// sizeOrRef <= inlineLimit is the size of an inline value that follows;
// larger values reference a paged record id (sizeOrRef - inlineLimit - 1).
// Paged records optionally start with [varint -fileId][uvarint attrId].
//
// The store owns the directory record id (the record's attribute ref); the
// methods here take it and return the new one.
type attributeStore struct {
	blobs   *blobStorage
	enum    *Enumerator
	limit   int
	headers bool
}

func newAttributeStore(blobs *blobStorage, enum *Enumerator, features Features) *attributeStore {
	return &attributeStore{
		blobs:   blobs,
		enum:    enum,
		limit:   features.inlineLimit(),
		headers: features.AttributeRecordHeaders,
	}
}

type dirEntry struct {
	attrID int32
	inline []byte
	// inlineAt is the offset of inline within the directory payload.
	inlineAt int
	ref      int32
}

func (e dirEntry) isInline() bool { return e.ref == 0 }

func (s *attributeStore) parseDirectory(fileID, dirID int32, data []byte) ([]dirEntry, error) {
	malformed := func(what string) error {
		return common.Corruptf("attribute directory %d of file %d: %s", dirID, fileID, what)
	}

	pos := 0
	if s.headers {
		owner, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, malformed("truncated owner")
		}
		if owner != uint64(fileID) {
			return nil, malformed(fmt.Sprintf("owned by %d", owner))
		}
		pos = n
	}

	var entries []dirEntry
	for pos < len(data) {
		attrID, n := binary.Uvarint(data[pos:])
		if n <= 0 || attrID == 0 || attrID > math.MaxInt32 {
			return nil, malformed("bad attribute id")
		}
		pos += n
		v, n := binary.Uvarint(data[pos:])
		if n <= 0 {
			return nil, malformed("truncated size")
		}
		pos += n

		e := dirEntry{attrID: int32(attrID)}
		if v <= uint64(s.limit) {
			if pos+int(v) > len(data) {
				return nil, malformed(fmt.Sprintf("inline value of %d bytes overruns record", v))
			}
			e.inline = data[pos : pos+int(v)]
			e.inlineAt = pos
			pos += int(v)
		} else {
			ref := v - uint64(s.limit) - 1
			if ref == 0 || ref > math.MaxInt32 {
				return nil, malformed(fmt.Sprintf("bad paged reference %d", ref))
			}
			e.ref = int32(ref)
		}
		for _, prev := range entries {
			if prev.attrID == e.attrID {
				return nil, malformed(fmt.Sprintf("duplicate attribute %d", e.attrID))
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *attributeStore) encodeDirectory(fileID int32, entries []dirEntry) []byte {
	var buf []byte
	if s.headers {
		buf = binary.AppendUvarint(buf, uint64(fileID))
	}
	for _, e := range entries {
		buf = binary.AppendUvarint(buf, uint64(e.attrID))
		if e.isInline() {
			buf = binary.AppendUvarint(buf, uint64(len(e.inline)))
			buf = append(buf, e.inline...)
		} else {
			buf = binary.AppendUvarint(buf, uint64(e.ref)+uint64(s.limit)+1)
		}
	}
	return buf
}

func (s *attributeStore) loadDirectory(fileID, dirID int32) ([]dirEntry, error) {
	if dirID == NullID {
		return nil, nil
	}
	data, err := s.blobs.read(dirID)
	if err != nil {
		return nil, err
	}
	return s.parseDirectory(fileID, dirID, data)
}

func (s *attributeStore) pagedPayload(fileID, attrID int32, value []byte) []byte {
	var buf []byte
	if s.headers {
		buf = binary.AppendVarint(buf, -int64(fileID))
		buf = binary.AppendUvarint(buf, uint64(attrID))
	}
	return append(buf, value...)
}

func (s *attributeStore) readPaged(fileID int32, e dirEntry) ([]byte, error) {
	data, err := s.blobs.read(e.ref)
	if err != nil {
		return nil, err
	}
	if !s.headers {
		return data, nil
	}
	owner, n := binary.Varint(data)
	if n <= 0 || owner != -int64(fileID) {
		return nil, common.Corruptf("attribute record %d: owner tag %d, expected file %d", e.ref, -owner, fileID)
	}
	attrID, m := binary.Uvarint(data[n:])
	if m <= 0 || attrID != uint64(e.attrID) {
		return nil, common.Corruptf("attribute record %d: attribute tag %d, expected %d", e.ref, attrID, e.attrID)
	}
	return data[n+m:], nil
}

// value returns the stored (versioned) payload of e.
func (s *attributeStore) value(fileID int32, e dirEntry) ([]byte, error) {
	if e.isInline() {
		return e.inline, nil
	}
	return s.readPaged(fileID, e)
}

func versioned(attr FileAttribute, data []byte) []byte {
	buf := binary.AppendUvarint(make([]byte, 0, len(data)+binary.MaxVarintLen32), uint64(uint32(attr.Version)))
	return append(buf, data...)
}

// unversion strips the version prefix; ok is false for a stale version.
func unversion(attr FileAttribute, stored []byte) ([]byte, bool, error) {
	v, n := binary.Uvarint(stored)
	if n <= 0 {
		return nil, false, common.Corruptf("attribute %s: missing version prefix", attr.ID)
	}
	if v != uint64(uint32(attr.Version)) {
		return nil, false, nil
	}
	return stored[n:], true, nil
}

func findEntry(entries []dirEntry, attrID int32) int {
	for i, e := range entries {
		if e.attrID == attrID {
			return i
		}
	}
	return -1
}

// read returns the value of attr for fileID, or ok=false if absent.
func (s *attributeStore) read(ctx context.Context, fileID, dirID int32, attr FileAttribute) ([]byte, bool, error) {
	if dirID == NullID {
		return nil, false, nil
	}
	attrID, known, err := s.enum.TryEnumerate(ctx, attr.ID)
	if err != nil || !known {
		return nil, false, err
	}
	entries, err := s.loadDirectory(fileID, dirID)
	if err != nil {
		return nil, false, err
	}
	i := findEntry(entries, attrID)
	if i < 0 {
		return nil, false, nil
	}
	stored, err := s.value(fileID, entries[i])
	if err != nil {
		return nil, false, err
	}
	data, ok, err := unversion(attr, stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return bytes.Clone(data), true, nil
}

// has reports whether fileID has an entry for attr, without reading the value.
func (s *attributeStore) has(ctx context.Context, fileID, dirID int32, attr FileAttribute) (bool, error) {
	if dirID == NullID {
		return false, nil
	}
	attrID, known, err := s.enum.TryEnumerate(ctx, attr.ID)
	if err != nil || !known {
		return false, err
	}
	entries, err := s.loadDirectory(fileID, dirID)
	if err != nil {
		return false, err
	}
	return findEntry(entries, attrID) >= 0, nil
}

// write stores value for attr and returns the new directory record id.
func (s *attributeStore) write(ctx context.Context, fileID, dirID int32, attr FileAttribute, value []byte) (int32, error) {
	attrID, err := s.enum.Enumerate(ctx, attr.ID)
	if err != nil {
		return dirID, err
	}
	entries, err := s.loadDirectory(fileID, dirID)
	if err != nil {
		return dirID, err
	}
	payload := versioned(attr, value)

	i := findEntry(entries, attrID)
	if i < 0 {
		entries = append(entries, dirEntry{attrID: attrID})
		i = len(entries) - 1
	}
	e := entries[i]

	if len(payload) <= s.limit {
		if e.isInline() && e.inline != nil && len(e.inline) == len(payload) {
			// Same-size inline rewrite: patch the directory record.
			return dirID, s.blobs.patch(dirID, e.inlineAt, payload)
		}
		if !e.isInline() {
			if err := s.blobs.delete(e.ref); err != nil {
				return dirID, err
			}
		}
		entries[i] = dirEntry{attrID: attrID, inline: payload}
		return s.saveDirectory(fileID, dirID, entries)
	}

	paged := s.pagedPayload(fileID, attrID, payload)
	reserve := len(paged)
	if !attr.FixedSize {
		reserve += len(paged) / 4
	}
	if !e.isInline() {
		ref, err := s.blobs.write(e.ref, paged, reserve)
		if err != nil {
			return dirID, err
		}
		if ref == e.ref {
			return dirID, nil
		}
		entries[i] = dirEntry{attrID: attrID, ref: ref}
		return s.saveDirectory(fileID, dirID, entries)
	}
	ref, err := s.blobs.writeNew(paged, reserve)
	if err != nil {
		return dirID, err
	}
	entries[i] = dirEntry{attrID: attrID, ref: ref}
	return s.saveDirectory(fileID, dirID, entries)
}

func (s *attributeStore) saveDirectory(fileID, dirID int32, entries []dirEntry) (int32, error) {
	data := s.encodeDirectory(fileID, entries)
	if dirID == NullID {
		return s.blobs.writeNew(data, len(data)+len(data)/2)
	}
	return s.blobs.write(dirID, data, len(data)+len(data)/2)
}

// deleteAll removes every attribute of fileID together with its directory.
func (s *attributeStore) deleteAll(fileID, dirID int32) error {
	if dirID == NullID {
		return nil
	}
	entries, err := s.loadDirectory(fileID, dirID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.isInline() {
			if err := s.blobs.delete(e.ref); err != nil {
				return err
			}
		}
	}
	return s.blobs.delete(dirID)
}

// forEach streams every attribute of fileID as (attrId, stored payload).
// Stored payloads still carry their version prefix.
func (s *attributeStore) forEach(fileID, dirID int32, fn func(attrID int32, stored []byte) error) error {
	entries, err := s.loadDirectory(fileID, dirID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		stored, err := s.value(fileID, e)
		if err != nil {
			return err
		}
		if err := fn(e.attrID, stored); err != nil {
			return err
		}
	}
	return nil
}

// check validates the directory of fileID and every paged record it references.
func (s *attributeStore) check(fileID, dirID int32) error {
	return s.forEach(fileID, dirID, func(int32, []byte) error { return nil })
}

// storedVersion decodes the version prefix of a stored payload.
func storedVersion(stored []byte) (int32, []byte, error) {
	v, n := binary.Uvarint(stored)
	if n <= 0 || v > math.MaxUint32 {
		return 0, nil, common.Corruptf("attribute value without version prefix")
	}
	return int32(uint32(v)), stored[n:], nil
}
