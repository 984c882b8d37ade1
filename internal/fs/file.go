package fs

import (
	"context"
	"os"
	"sync"

	"mkdosfuse/internal/logging"
	"mkdosfuse/internal/mkdos"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
)

var (
	fileLogger = logging.GetLogger().WithPrefix("file")
)

// File represents a catalog entry presented as a regular file.
type File struct {
	fs   *MkdosFS
	ino  uint64
	slot int
}

// Attr implements the Node interface, returning the file's attributes.
// While a write handle is open the size reflects its buffer, so readers
// of the attribute see what a flush would produce.
func (f *File) Attr(_ context.Context, a *fuse.Attr) error {
	f.fs.mu.RLock()
	defer f.fs.mu.RUnlock()

	fileLogger.Trace("Getting attributes for inode %d (slot %d)", f.ino, f.slot)

	e, err := f.fs.entryForInode(f.ino)
	if err != nil {
		fileLogger.Warn("Attr on stale inode %d: %v", f.ino, err)
		return ToFuseError(NewError(OpGetattr, "", err))
	}

	size := e.Size()
	if h, ok := f.fs.writers[f.ino]; ok {
		size = int64(len(h.buf))
	}

	a.Inode = f.ino
	a.Mode = 0o644
	if e.Protected() {
		// MK-DOS write protection has no direct POSIX equivalent;
		// the sticky bit at least makes it visible in listings.
		a.Mode |= os.ModeSticky
	}
	a.Nlink = 1
	a.Size = safeInt64ToUint64(size)
	a.Blocks = uint64(e.Blocks)
	a.Uid = f.fs.uid
	a.Gid = f.fs.gid
	a.Mtime = mkdosEpoch
	a.Atime = mkdosEpoch
	a.Ctime = mkdosEpoch
	a.BlockSize = uint32(mkdos.BlockSize)

	fileLogger.Trace("File attributes: size=%d, blocks=%d", a.Size, a.Blocks)
	return nil
}

// Open implements the NodeOpener interface. Read handles go straight to
// the volume; write handles buffer the whole file and commit it as one
// run on flush. Only one write handle per file may exist at a time.
func (f *File) Open(_ context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fusefs.Handle, error) {
	fileLogger.Debug("Opening inode %d with flags %v", f.ino, req.Flags)

	wantsWrite := !req.Flags.IsReadOnly()
	truncate := req.Flags&fuse.OpenTruncate != 0

	if !wantsWrite && truncate {
		fileLogger.Warn("O_TRUNC without write access on inode %d", f.ino)
		return nil, ToFuseError(NewError(OpOpen, "", os.ErrPermission))
	}

	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	e, err := f.fs.entryForInode(f.ino)
	if err != nil {
		return nil, ToFuseError(NewError(OpOpen, "", err))
	}

	if !wantsWrite {
		resp.Flags |= fuse.OpenDirectIO
		return &FileHandle{f: f}, nil
	}

	if f.fs.cfg.ReadOnly {
		return nil, ToFuseError(NewError(OpOpen, e.Name, ErrReadOnly))
	}
	if !e.Live() {
		// Deleted and bad records are exposed read-only.
		return nil, ToFuseError(NewError(OpOpen, e.Name, os.ErrPermission))
	}
	if _, busy := f.fs.writers[f.ino]; busy {
		fileLogger.Warn("Inode %d already has a writer", f.ino)
		return nil, ToFuseError(NewError(OpOpen, e.Name, ErrBusy))
	}
	if e.Blocks == 0 && f.fs.vol.FreeBlocks() == 0 {
		// The file owns nothing to rewrite and the volume has nothing
		// to give, so the writer is doomed before its first byte.
		fileLogger.Warn("No free blocks for a writer on %q", e.Name)
		return nil, ToFuseError(NewError(OpOpen, e.Name, mkdos.ErrNoSpace))
	}

	var buf []byte
	if truncate {
		buf = []byte{}
	} else {
		buf, err = f.fs.vol.ReadRange(f.slot, 0, int(e.Size()))
		if err != nil {
			fileLogger.Error("Failed to load %q for writing: %v", e.Name, err)
			return nil, ToFuseError(NewError(OpOpen, e.Name, err))
		}
		if buf == nil {
			buf = []byte{}
		}
	}

	handle := &FileHandle{f: f, writable: true, buf: buf}
	f.fs.writers[f.ino] = handle

	resp.Flags |= fuse.OpenDirectIO
	fileLogger.Debug("Opened %q for writing, %d bytes buffered", e.Name, len(buf))
	return handle, nil
}

// Setattr implements the NodeSetattrer interface. Size changes are the
// only attribute MK-DOS can store; mode, ownership and times are
// accepted and dropped so tools like cp and tar do not fail.
func (f *File) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	f.fs.mu.Lock()

	if req.Valid.Size() {
		fileLogger.Debug("Truncating inode %d to %d bytes", f.ino, req.Size)

		if f.fs.cfg.ReadOnly {
			f.fs.mu.Unlock()
			return ToFuseError(NewError(OpSetattr, "", ErrReadOnly))
		}
		e, err := f.fs.entryForInode(f.ino)
		if err != nil {
			f.fs.mu.Unlock()
			return ToFuseError(NewError(OpSetattr, "", err))
		}

		if h, ok := f.fs.writers[f.ino]; ok {
			h.resize(int(req.Size))
		} else if int64(req.Size) != e.Size() {
			data, err := f.fs.vol.ReadRange(f.slot, 0, int(e.Size()))
			if err != nil {
				f.fs.mu.Unlock()
				return ToFuseError(NewError(OpSetattr, e.Name, err))
			}
			data = resizeBuffer(data, int(req.Size))
			if err := f.fs.vol.WriteFile(f.slot, data); err != nil {
				f.fs.mu.Unlock()
				return ToFuseError(NewError(OpSetattr, e.Name, err))
			}
		}
	}
	f.fs.mu.Unlock()

	return f.Attr(ctx, &resp.Attr)
}

// Fsync implements the NodeFsyncer interface, committing any buffered
// writes and pushing the image to stable storage.
func (f *File) Fsync(_ context.Context, _ *fuse.FsyncRequest) error {
	fileLogger.Debug("Fsync on inode %d", f.ino)

	f.fs.mu.Lock()
	if h, ok := f.fs.writers[f.ino]; ok {
		if err := h.commitLocked(); err != nil {
			f.fs.mu.Unlock()
			return ToFuseError(NewError(OpFsync, "", err))
		}
	}
	err := f.fs.vol.Sync()
	f.fs.mu.Unlock()

	if err != nil {
		fileLogger.Error("Image sync failed: %v", err)
		return ToFuseError(NewError(OpFsync, "", err))
	}
	return nil
}

// FileHandle is an open handle on a file. Write handles accumulate the
// whole file in memory and write it back as a single contiguous run;
// the volume format leaves no way to update blocks piecemeal without
// risking a torn catalog.
type FileHandle struct {
	f        *File
	writable bool
	buf      []byte // Full file content, write handles only
	dirty    bool
	mu       sync.Mutex
}

// resize adjusts the buffered length, zero-filling growth. Callers hold
// the filesystem lock.
func (fh *FileHandle) resize(n int) {
	fh.buf = resizeBuffer(fh.buf, n)
	fh.dirty = true
}

// Read implements the HandleReader interface.
func (fh *FileHandle) Read(_ context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	fh.mu.Lock()
	defer fh.mu.Unlock()

	fileLogger.Trace("Reading %d bytes at offset %d from inode %d",
		req.Size, req.Offset, fh.f.ino)

	fh.f.fs.mu.RLock()
	defer fh.f.fs.mu.RUnlock()

	if fh.writable {
		// Serve reads from the pending buffer so a reader through the
		// same handle sees its own writes.
		if req.Offset >= int64(len(fh.buf)) {
			resp.Data = nil
			return nil
		}
		end := req.Offset + int64(req.Size)
		if end > int64(len(fh.buf)) {
			end = int64(len(fh.buf))
		}
		resp.Data = append([]byte(nil), fh.buf[req.Offset:end]...)
		return nil
	}

	if _, err := fh.f.fs.entryForInode(fh.f.ino); err != nil {
		return ToFuseError(NewError(OpRead, "", err))
	}
	data, err := fh.f.fs.vol.ReadRange(fh.f.slot, req.Offset, req.Size)
	if err != nil {
		fileLogger.Error("Read failed: %v", err)
		return ToFuseError(NewError(OpRead, "", err))
	}
	resp.Data = data
	return nil
}

// Write implements the HandleWriter interface, growing the buffer as
// needed. Space is checked against the volume up front so a doomed
// write fails here instead of at close time.
func (fh *FileHandle) Write(_ context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	fh.mu.Lock()
	defer fh.mu.Unlock()

	if !fh.writable {
		return ToFuseError(NewError(OpWrite, "", os.ErrPermission))
	}

	fileLogger.Trace("Writing %d bytes at offset %d to inode %d",
		len(req.Data), req.Offset, fh.f.ino)

	fh.f.fs.mu.Lock()
	defer fh.f.fs.mu.Unlock()

	e, err := fh.f.fs.entryForInode(fh.f.ino)
	if err != nil {
		return ToFuseError(NewError(OpWrite, "", err))
	}

	newLen := int64(len(fh.buf))
	if end := req.Offset + int64(len(req.Data)); end > newLen {
		newLen = end
	}
	needed := (newLen + mkdos.BlockSize - 1) / mkdos.BlockSize
	if needed > int64(e.Blocks)+fh.f.fs.vol.FreeBlocks() {
		fileLogger.Warn("Write would need %d blocks, volume cannot hold it", needed)
		return ToFuseError(NewError(OpWrite, e.Name, mkdos.ErrNoSpace))
	}

	fh.buf = resizeBuffer(fh.buf, int(newLen))
	copy(fh.buf[req.Offset:], req.Data)
	fh.dirty = true
	resp.Size = len(req.Data)
	return nil
}

// commitLocked writes the buffer back to the volume. Callers hold the
// filesystem lock for writing.
func (fh *FileHandle) commitLocked() error {
	if !fh.writable || !fh.dirty {
		return nil
	}
	if _, err := fh.f.fs.entryForInode(fh.f.ino); err != nil {
		return err
	}
	if err := fh.f.fs.vol.WriteFile(fh.f.slot, fh.buf); err != nil {
		return err
	}
	fh.dirty = false
	fileLogger.Debug("Committed %d bytes to slot %d", len(fh.buf), fh.f.slot)
	return nil
}

// Flush implements the HandleFlusher interface, committing buffered
// writes when the handle is closed via close(2).
func (fh *FileHandle) Flush(_ context.Context, _ *fuse.FlushRequest) error {
	fh.mu.Lock()
	defer fh.mu.Unlock()

	fh.f.fs.mu.Lock()
	defer fh.f.fs.mu.Unlock()

	if err := fh.commitLocked(); err != nil {
		fileLogger.Error("Flush failed for inode %d: %v", fh.f.ino, err)
		return ToFuseError(NewError(OpFlush, "", err))
	}
	return nil
}

// Release implements the HandleReleaser interface, dropping the writer
// registration. A failed final commit can only be logged here; the
// kernel ignores release errors.
func (fh *FileHandle) Release(_ context.Context, _ *fuse.ReleaseRequest) error {
	fh.mu.Lock()
	defer fh.mu.Unlock()

	if !fh.writable {
		return nil
	}

	fh.f.fs.mu.Lock()
	defer fh.f.fs.mu.Unlock()

	if err := fh.commitLocked(); err != nil {
		fileLogger.Error("Final commit failed for inode %d: %v", fh.f.ino, err)
	}
	delete(fh.f.fs.writers, fh.f.ino)
	fileLogger.Debug("Released write handle for inode %d", fh.f.ino)
	return nil
}
