package storage

// Record flags. The low bits are the public flag space; FlagFreeRecord is
// reserved for the store and never accepted from callers.
const (
	FlagDirectory uint32 = 1 << iota
	FlagReadOnly
	FlagSymlink
	FlagSpecial
	FlagHidden
	FlagMustReloadContent
	FlagMustReloadLength
	FlagChildrenCached
	FlagChildrenCaseSensitive
	FlagChildrenCaseSensitivityCached

	// PublicFlagsMask covers every flag callers may set.
	PublicFlagsMask uint32 = FlagDirectory | FlagReadOnly | FlagSymlink | FlagSpecial | FlagHidden |
		FlagMustReloadContent | FlagMustReloadLength | FlagChildrenCached |
		FlagChildrenCaseSensitive | FlagChildrenCaseSensitivityCached

	// FlagFreeRecord marks a slot on the free list.
	FlagFreeRecord uint32 = 1 << 31

	allFlagsMask = PublicFlagsMask | FlagFreeRecord
)

// FileRecord is the metadata of one file id.
type FileRecord struct {
	ID          int32
	ParentID    int32
	NameID      int32
	Flags       uint32
	AttributeID int32
	ContentID   int32
	Timestamp   int64
	ModCount    int32
	Length      int64
}

// IsDirectory returns true if the record is a directory
func (r *FileRecord) IsDirectory() bool {
	return r.Flags&FlagDirectory != 0
}

// IsSymlink returns true if the record is a symbolic link
func (r *FileRecord) IsSymlink() bool {
	return r.Flags&FlagSymlink != 0
}

// IsFree returns true if the record is on the free list
func (r *FileRecord) IsFree() bool {
	return r.Flags&FlagFreeRecord != 0
}

// FileAttributes are the fields written together when a record is (re)created.
type FileAttributes struct {
	Flags     uint32
	Length    int64
	Timestamp int64
}

// IsDirectory returns true if the attributes describe a directory
func (a FileAttributes) IsDirectory() bool {
	return a.Flags&FlagDirectory != 0
}
