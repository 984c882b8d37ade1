// Package fs exposes an MK-DOS volume through FUSE.
//
// This file contains error types and error handling utilities.
package fs

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"mkdosfuse/internal/logging"
	"mkdosfuse/internal/mkdos"
)

var (
	errLogger = logging.GetLogger().WithPrefix("error")

	// ErrStaleHandle indicates an inode whose catalog entry is gone
	ErrStaleHandle = errors.New("stale file handle")

	// ErrReadOnly indicates attempt to modify a read-only volume
	ErrReadOnly = errors.New("volume is read-only")

	// ErrBusy indicates a file that already has an open writer
	ErrBusy = errors.New("file is open for writing")

	// ErrIsDirectory indicates a file operation aimed at a directory
	ErrIsDirectory = errors.New("is a directory")

	// ErrCrossDirectory indicates a move that would detach a directory
	// from the volume's single-level tree
	ErrCrossDirectory = errors.New("directories cannot be nested")
)

// Error wraps filesystem errors with context about the operation and
// the affected name.
type Error struct {
	Op   string // Operation that failed (e.g., "lookup", "readdir")
	Name string // Affected entry name
	Err  error  // Underlying error
}

// Error implements the error interface, providing a formatted error message
func (e *Error) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("operation %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("operation %s on %s failed: %v", e.Op, e.Name, e.Err)
}

// Unwrap implements error unwrapping for the errors.Is/As functions
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an Error with the given operation, name, and underlying error
func NewError(op string, name string, err error) *Error {
	fsErr := &Error{
		Op:   op,
		Name: name,
		Err:  err,
	}
	errLogger.Debug("Created new error: %v", fsErr)
	return fsErr
}

// ToFuseError translates internal errors into the syscall errors FUSE
// expects. Volume model errors and our own sentinels both map here, so
// node methods can return whatever layer's error they hold.
func ToFuseError(err error) error {
	if err == nil {
		return nil
	}
	errLogger.Trace("Converting to FUSE error: %v", err)

	switch {
	case errors.Is(err, mkdos.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, mkdos.ErrNoSpace), errors.Is(err, mkdos.ErrCatalogFull):
		return syscall.ENOSPC
	case errors.Is(err, mkdos.ErrNameConflict):
		return syscall.EEXIST
	case errors.Is(err, mkdos.ErrInvalidName):
		return syscall.EINVAL
	case errors.Is(err, mkdos.ErrNameTooLong):
		return syscall.ENAMETOOLONG
	case errors.Is(err, mkdos.ErrNotEmpty):
		return syscall.ENOTEMPTY
	case errors.Is(err, mkdos.ErrIsDirectory), errors.Is(err, ErrIsDirectory):
		return syscall.EISDIR
	case errors.Is(err, mkdos.ErrNotDirectory):
		return syscall.ENOTDIR
	case errors.Is(err, mkdos.ErrReadOnly), errors.Is(err, ErrReadOnly):
		return syscall.EROFS
	case errors.Is(err, mkdos.ErrCorrupt):
		return syscall.EIO
	case errors.Is(err, ErrStaleHandle):
		return syscall.ESTALE
	case errors.Is(err, ErrBusy):
		return syscall.EBUSY
	case errors.Is(err, ErrCrossDirectory):
		return syscall.EXDEV
	case errors.Is(err, os.ErrPermission):
		return syscall.EACCES
	default:
		errLogger.Debug("Unknown error type, returning EIO: %v", err)
		return syscall.EIO
	}
}

// Common operation names for consistent logging and error reporting
const (
	OpLookup  = "lookup"  // Looking up a name
	OpReadDir = "readdir" // Reading directory contents
	OpOpen    = "open"    // Opening a file
	OpRead    = "read"    // Reading from a file
	OpWrite   = "write"   // Writing to a file
	OpFlush   = "flush"   // Committing buffered writes
	OpCreate  = "create"  // Creating a new file
	OpMkdir   = "mkdir"   // Creating a new directory
	OpRemove  = "remove"  // Removing a file or directory
	OpRename  = "rename"  // Renaming/moving a file or directory
	OpSetattr = "setattr" // Setting file attributes
	OpGetattr = "getattr" // Getting file attributes
	OpFsync   = "fsync"   // Forcing data to stable storage
)
