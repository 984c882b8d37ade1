package mkdos

import "errors"

// Volume errors. I/O failures from the underlying image file are wrapped
// and surfaced as-is; they are never retried here, since retrying against
// a possibly corrupt catalog only spreads the damage.
var (
	// ErrNotFound indicates a missing entry or a dead slot.
	ErrNotFound = errors.New("entry not found")

	// ErrNoSpace indicates no contiguous run of free blocks is large
	// enough for the requested allocation.
	ErrNoSpace = errors.New("no space left on volume")

	// ErrCatalogFull indicates the catalog region has no free slot,
	// or no free directory number remains.
	ErrCatalogFull = errors.New("catalog is full")

	// ErrNameConflict indicates a live entry with the same name
	// already exists in the target directory.
	ErrNameConflict = errors.New("name already exists")

	// ErrInvalidName indicates a name the catalog cannot store.
	ErrInvalidName = errors.New("invalid name")

	// ErrNameTooLong indicates a name beyond the fixed field width.
	ErrNameTooLong = errors.New("name too long")

	// ErrNotEmpty indicates a directory that still has live entries.
	ErrNotEmpty = errors.New("directory not empty")

	// ErrIsDirectory and ErrNotDirectory indicate an operation applied
	// to the wrong kind of entry.
	ErrIsDirectory  = errors.New("entry is a directory")
	ErrNotDirectory = errors.New("entry is not a directory")

	// ErrCorrupt indicates the image does not carry a valid MK-DOS
	// catalog, or its accounting contradicts itself.
	ErrCorrupt = errors.New("corrupt volume")

	// ErrReadOnly indicates a mutation on a read-only volume.
	ErrReadOnly = errors.New("volume is read-only")

	// ErrUnknownSize indicates an offset volume opened without an
	// explicit size; the image file size says nothing about a
	// partition in the middle of it.
	ErrUnknownSize = errors.New("volume size required when offset is set")
)
