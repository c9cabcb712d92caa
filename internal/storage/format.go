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

import "encoding/binary"

// On-disk file names, relative to the store directory. The extension is
// configurable (Options.Extension).
const (
	namesFile         = "names"
	recordsFile       = "records"
	attributesFile    = "attrib"
	contentFile       = "content"
	contentHashesFile = "contentHashes"
	attrEnumFile      = "enum_attrib"

	// CorruptionMarkerFile is the sentinel written when the store is found
	// corrupted. Its presence forces a rebuild on the next open.
	CorruptionMarkerFile = "corruption.marker"

	lockFile = ".lock"

	DefaultExtension = ".dat"
)

// Connection-status magics stored in the records header.
const (
	ConnectedMagic    int32 = 0x12ad34e
	SafelyClosedMagic int32 = 0x1f2f3f4f
	CorruptedMagic    int32 = 0xabcf7f7
)

// Reserved file ids.
const (
	NullID  int32 = 0
	RootID  int32 = 1
	firstID int32 = 2
)

// Record byte layout. Every record, including the header record 0, occupies
// RecordSize bytes of records.<ext>.
const (
	parentOffset    = 0
	nameOffset      = parentOffset + 4
	flagsOffset     = nameOffset + 4
	attrRefOffset   = flagsOffset + 4
	contentOffset   = attrRefOffset + 4
	timestampOffset = contentOffset + 4
	modCountOffset  = timestampOffset + 8
	lengthOffset    = modCountOffset + 4

	RecordSize = lengthOffset + 8
)

// Header (record 0) layout.
const (
	headerVersionOffset     = 0
	headerGlobalModOffset   = headerVersionOffset + 4
	headerStatusOffset      = headerGlobalModOffset + 4
	headerCreatedOffset     = headerStatusOffset + 4
	headerRecordCountOffset = headerCreatedOffset + 8
	headerSize              = headerRecordCountOffset + 4
)

// baseFormatVersion is bumped on any change of the binary layout.
const baseFormatVersion = 3

// Features are the format toggles of a store. They are packed into the
// format version: opening a store with different features than it was
// created with rebuilds it from scratch.
type Features struct {
	// ContentHashing deduplicates content blocks by hash.
	ContentHashing bool `yaml:"content_hashing"`
	// InlineAttributes stores small attribute values inside the directory record.
	InlineAttributes bool `yaml:"inline_attributes"`
	// InlineAttributeMaxSize is the largest value stored inline (at most 255).
	InlineAttributeMaxSize int `yaml:"inline_attribute_max_size"`
	// LockFreeRecords selects the atomic records storage instead of the
	// mutex-guarded one.
	LockFreeRecords bool `yaml:"lock_free_records"`
	// BigEndian selects the byte order of records.<ext>.
	BigEndian bool `yaml:"big_endian"`
	// AttributeRecordHeaders prefixes each attribute record with its owner,
	// so attribute pages can be validated without their directory record.
	AttributeRecordHeaders bool `yaml:"attribute_record_headers"`
	// CompressContent stores content blocks lz4-compressed when that is smaller.
	CompressContent bool `yaml:"compress_content"`
	// ContentReserve allocates spare capacity for writable content.
	ContentReserve bool `yaml:"content_reserve"`
}

// DefaultFeatures returns the features new stores are created with.
func DefaultFeatures() Features {
	return Features{
		ContentHashing:         true,
		InlineAttributes:       true,
		InlineAttributeMaxSize: 64,
		LockFreeRecords:        true,
		AttributeRecordHeaders: true,
		CompressContent:        true,
		ContentReserve:         true,
	}
}

// inlineLimit returns the largest attribute value size stored inline.
func (f Features) inlineLimit() int {
	if !f.InlineAttributes {
		return 0
	}
	return min(max(f.InlineAttributeMaxSize, 0), 0xff)
}

// byteOrder returns the byte order of the records file.
func (f Features) byteOrder() binary.ByteOrder {
	if f.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// FormatVersion packs the features into the on-disk format version.
func (f Features) FormatVersion() int32 {
	v := int32(baseFormatVersion) << 24
	v |= int32(f.inlineLimit()) << 16
	bits := []bool{
		f.ContentHashing,
		f.InlineAttributes,
		f.LockFreeRecords,
		f.BigEndian,
		f.AttributeRecordHeaders,
		f.CompressContent,
		f.ContentReserve,
	}
	for i, on := range bits {
		if on {
			v |= 1 << i
		}
	}
	return v
}
