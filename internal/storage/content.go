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
	"encoding/hex"
	"io"
	"sync"

	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"

	"persistentfs/internal/common"
)

// Content block payload layout inside content.<ext>:
//
//	[contentId uint32][refCount int32][rawLength uint32][flags uint32][data]
const (
	contentHeadSize   = 16
	contentRefOffset  = 4
	contentCompressed = 1 << 0
)

// contentStore keeps reference-counted content blocks. Content ids are
// dense (1..N) and stable; the blob record backing an id may move when an
// unshared block is rewritten. With hashing on, blocks are deduplicated
// through the contentHashes enumerator, whose ids equal content ids.
type contentStore struct {
	blobs    *blobStorage
	hashes   *Enumerator
	compress bool
	reserve  bool
	metrics  *storeMetrics

	mu sync.RWMutex
	// blobIDs[contentId] is the blob record of a content block; index 0 unused.
	blobIDs []int32
}

type contentBlock struct {
	id       int32
	refCount int32
	rawLen   int
	flags    uint32
	data     []byte
}

func decodeContentBlock(blobID int32, payload []byte) (contentBlock, error) {
	if len(payload) < contentHeadSize {
		return contentBlock{}, common.Corruptf("content record %d truncated", blobID)
	}
	b := contentBlock{
		id:       int32(binary.LittleEndian.Uint32(payload[0:])),
		refCount: int32(binary.LittleEndian.Uint32(payload[4:])),
		rawLen:   int(binary.LittleEndian.Uint32(payload[8:])),
		flags:    binary.LittleEndian.Uint32(payload[12:]),
		data:     payload[contentHeadSize:],
	}
	if b.id <= 0 || b.refCount < 0 || b.flags&^contentCompressed != 0 {
		return contentBlock{}, common.Corruptf("content record %d has a malformed header", blobID)
	}
	if b.flags&contentCompressed == 0 && b.rawLen != len(b.data) {
		return contentBlock{}, common.Corruptf("content %d: length %d, stored %d", b.id, b.rawLen, len(b.data))
	}
	return b, nil
}

func encodeContentBlock(b contentBlock) []byte {
	buf := make([]byte, contentHeadSize+len(b.data))
	binary.LittleEndian.PutUint32(buf[0:], uint32(b.id))
	binary.LittleEndian.PutUint32(buf[4:], uint32(b.refCount))
	binary.LittleEndian.PutUint32(buf[8:], uint32(b.rawLen))
	binary.LittleEndian.PutUint32(buf[12:], b.flags)
	copy(buf[contentHeadSize:], b.data)
	return buf
}

// openContentStore indexes every block of blobs. hashes may be nil when
// content hashing is disabled.
func openContentStore(blobs *blobStorage, hashes *Enumerator, features Features, metrics *storeMetrics) (*contentStore, error) {
	s := &contentStore{
		blobs:    blobs,
		hashes:   hashes,
		compress: features.CompressContent,
		reserve:  features.ContentReserve,
		metrics:  metrics,
		blobIDs:  []int32{NullID},
	}
	located := map[int32]int32{}
	err := blobs.scan(func(blobID int32, payload []byte) error {
		b, err := decodeContentBlock(blobID, payload)
		if err != nil {
			return err
		}
		if _, dup := located[b.id]; dup {
			return common.Corruptf("content %d stored twice", b.id)
		}
		located[b.id] = blobID
		return nil
	})
	if err != nil {
		return nil, err
	}
	for id := int32(1); id <= int32(len(located)); id++ {
		blobID, ok := located[id]
		if !ok {
			return nil, common.Corruptf("content ids are not dense: %d missing of %d", id, len(located))
		}
		s.blobIDs = append(s.blobIDs, blobID)
	}
	if hashes != nil && hashes.MaxID() != s.count() {
		return nil, common.Corruptf("content hash index has %d entries, content storage %d", hashes.MaxID(), s.count())
	}
	return s, nil
}

// count is the number of content blocks ever created.
func (s *contentStore) count() int32 {
	return int32(len(s.blobIDs) - 1)
}

func (s *contentStore) blobOf(contentID int32) (int32, error) {
	if contentID <= 0 || int(contentID) >= len(s.blobIDs) {
		return 0, common.Corruptf("content id %d out of range (%d blocks)", contentID, s.count())
	}
	return s.blobIDs[contentID], nil
}

func (s *contentStore) load(contentID int32) (contentBlock, error) {
	blobID, err := s.blobOf(contentID)
	if err != nil {
		return contentBlock{}, err
	}
	payload, err := s.blobs.read(blobID)
	if err != nil {
		return contentBlock{}, err
	}
	b, err := decodeContentBlock(blobID, payload)
	if err != nil {
		return contentBlock{}, err
	}
	if b.id != contentID {
		return contentBlock{}, common.Corruptf("content record %d holds content %d, expected %d", blobID, b.id, contentID)
	}
	return b, nil
}

// read returns the uncompressed bytes of a content block.
func (s *contentStore) read(contentID int32) ([]byte, error) {
	s.mu.RLock()
	b, err := s.load(contentID)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if b.flags&contentCompressed == 0 {
		return b.data, nil
	}
	raw := make([]byte, b.rawLen)
	n, err := lz4.UncompressBlock(b.data, raw)
	if err != nil || n != b.rawLen {
		return nil, common.Corruptf("content %d does not decompress: %v", contentID, err)
	}
	return raw, nil
}

// refCount returns the reference count of a content block.
func (s *contentStore) refCount(contentID int32) (int32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, err := s.load(contentID)
	return b.refCount, err
}

func (s *contentStore) setRefCount(contentID, refs int32) error {
	blobID, err := s.blobOf(contentID)
	if err != nil {
		return err
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(refs))
	return s.blobs.patch(blobID, contentRefOffset, buf[:])
}

// encode builds the stored form of raw, compressed when that is smaller.
func (s *contentStore) encode(id, refs int32, raw []byte) []byte {
	b := contentBlock{id: id, refCount: refs, rawLen: len(raw), data: raw}
	if s.compress && len(raw) > 0 {
		dst := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, dst, nil)
		if err == nil && n > 0 && n < len(raw) {
			b.data = dst[:n]
			b.flags = contentCompressed
		}
	}
	return encodeContentBlock(b)
}

func (s *contentStore) capacityFor(payload []byte, readOnly bool) int {
	if readOnly || !s.reserve {
		return len(payload)
	}
	return len(payload) + len(payload)/2
}

func hashContent(raw []byte) string {
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// appendBlock creates content block id count+1 with refs references.
func (s *contentStore) appendBlock(raw []byte, refs int32, readOnly bool) (int32, error) {
	id := s.count() + 1
	payload := s.encode(id, refs, raw)
	blobID, err := s.blobs.writeNew(payload, s.capacityFor(payload, readOnly))
	if err != nil {
		return NullID, err
	}
	s.blobIDs = append(s.blobIDs, blobID)
	s.metrics.contentBlockCreated(len(payload))
	return id, nil
}

// store returns a content id holding raw with one more reference: an
// existing block with the same hash, or a new block.
func (s *contentStore) store(ctx context.Context, raw []byte, readOnly bool) (int32, error) {
	if s.hashes == nil {
		return s.appendBlock(raw, 1, readOnly)
	}
	hash := hashContent(raw)
	id, known, err := s.hashes.TryEnumerate(ctx, hash)
	if err != nil {
		return NullID, err
	}
	if known {
		b, err := s.load(id)
		if err != nil {
			return NullID, err
		}
		if err := s.setRefCount(id, b.refCount+1); err != nil {
			return NullID, err
		}
		s.metrics.contentDeduplicated()
		return id, nil
	}

	id, err = s.appendBlock(raw, 1, readOnly)
	if err != nil {
		return NullID, err
	}
	hashID, err := s.hashes.Enumerate(ctx, hash)
	if err != nil {
		return NullID, err
	}
	if hashID != id {
		return NullID, common.Corruptf("content hash index assigned %d to content %d", hashID, id)
	}
	return id, nil
}

// write replaces the content referenced by current (0 = none) with raw and
// returns the content id the file should reference from now on.
func (s *contentStore) write(ctx context.Context, current int32, raw []byte, readOnly bool) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current != NullID && s.hashes == nil && !readOnly {
		b, err := s.load(current)
		if err != nil {
			return NullID, err
		}
		if b.refCount == 1 {
			return current, s.rewriteLocked(current, raw)
		}
	}

	id, err := s.store(ctx, raw, readOnly)
	if err != nil {
		return NullID, err
	}
	if current != NullID && id != current {
		// An identical rewrite lands on the same block and keeps the new reference.
		if err := s.releaseLocked(current); err != nil {
			return NullID, err
		}
	}
	return id, nil
}

func (s *contentStore) rewriteLocked(id int32, raw []byte) error {
	blobID, err := s.blobOf(id)
	if err != nil {
		return err
	}
	payload := s.encode(id, 1, raw)
	newBlobID, err := s.blobs.write(blobID, payload, s.capacityFor(payload, false))
	if err != nil {
		return err
	}
	s.blobIDs[id] = newBlobID
	return nil
}

// storeUnlinked stores raw without tying it to a file record.
func (s *contentStore) storeUnlinked(ctx context.Context, raw []byte, readOnly bool) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store(ctx, raw, readOnly)
}

// acquire adds a reference to contentID.
func (s *contentStore) acquire(contentID int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.load(contentID)
	if err != nil {
		return err
	}
	return s.setRefCount(contentID, b.refCount+1)
}

// release drops a reference to contentID. Blocks are never reclaimed; a
// block at zero references stays addressable by its hash.
func (s *contentStore) release(contentID int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseLocked(contentID)
}

func (s *contentStore) releaseLocked(contentID int32) error {
	b, err := s.load(contentID)
	if err != nil {
		return err
	}
	if b.refCount == 0 {
		return nil
	}
	return s.setRefCount(contentID, b.refCount-1)
}

// check validates a content block, including decompression.
func (s *contentStore) check(contentID int32) error {
	_, err := s.read(contentID)
	return err
}

type contentStats struct {
	blocks int32
	bytes  int64
}

func (s *contentStore) stats() contentStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return contentStats{blocks: s.count(), bytes: s.blobs.size()}
}

// contentWriter buffers a content write and commits it on Close.
type contentWriter struct {
	buf    bytes.Buffer
	commit func([]byte) error
	closed bool
}

func (w *contentWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	return w.buf.Write(p)
}

func (w *contentWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.commit(w.buf.Bytes())
}
