package fs

import (
	"context"
	"os"
	"syscall"

	"mkdosfuse/internal/logging"
	"mkdosfuse/internal/mkdos"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
)

var (
	dirLogger = logging.GetLogger().WithPrefix("dir")
)

// Dir represents a directory in the mounted volume. The root is slot -1
// with directory number 0; every other directory is a catalog entry
// carrying its own number.
type Dir struct {
	fs    *MkdosFS
	ino   uint64
	slot  int
	dirNo byte
}

func (d *Dir) isRoot() bool { return d.slot < 0 }

// Attr implements the Node interface, returning directory attributes.
func (d *Dir) Attr(_ context.Context, a *fuse.Attr) error {
	dirLogger.Trace("Getting attributes for directory %d", d.dirNo)

	d.fs.mu.RLock()
	defer d.fs.mu.RUnlock()

	if !d.isRoot() {
		if _, err := d.fs.entryForInode(d.ino); err != nil {
			dirLogger.Warn("Directory %d is gone: %v", d.dirNo, err)
			return ToFuseError(NewError(OpGetattr, "", err))
		}
	}

	a.Inode = d.ino
	a.Mode = os.ModeDir | 0o755
	a.Nlink = 2
	a.Uid = d.fs.uid
	a.Gid = d.fs.gid
	a.Mtime = mkdosEpoch
	a.Atime = mkdosEpoch
	a.Ctime = mkdosEpoch
	a.BlockSize = uint32(mkdos.BlockSize)
	return nil
}

// node builds the right node type for a catalog entry, binding it to a
// stable inode. Callers hold d.fs.mu for writing.
func (d *Dir) node(e *mkdos.Entry) fusefs.Node {
	ino := d.fs.inodes.resolve(e.Slot)
	if e.IsDir {
		return &Dir{fs: d.fs, ino: ino, slot: e.Slot, dirNo: e.DirNumber()}
	}
	return &File{fs: d.fs, ino: ino, slot: e.Slot}
}

// Lookup implements the NodeStringLookuper interface, finding a child node.
func (d *Dir) Lookup(_ context.Context, name string) (fusefs.Node, error) {
	dirLogger.Debug("Looking up %q in directory %d", name, d.dirNo)

	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()

	if e, ok := d.fs.vol.Lookup(d.dirNo, name); ok {
		return d.node(&e), nil
	}

	// Deleted and bad records live in the root listing when shown, so
	// they have to be reachable by name too.
	if d.isRoot() && (d.fs.cfg.ShowDeleted || d.fs.cfg.ShowBad) {
		for _, e := range d.fs.vol.EntriesInDir(0) {
			if !e.Live() && d.fs.visible(&e) && mkdos.NamesEqual(e.Name, name) {
				return d.node(&e), nil
			}
		}
	}

	dirLogger.Trace("Name not found: %q", name)
	return nil, syscall.ENOENT
}

// ReadDirAll implements the HandleReadDirAller interface, listing
// directory contents in catalog slot order.
func (d *Dir) ReadDirAll(_ context.Context) ([]fuse.Dirent, error) {
	dirLogger.Debug("Reading directory %d", d.dirNo)

	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()

	if !d.isRoot() {
		if _, err := d.fs.entryForInode(d.ino); err != nil {
			return nil, ToFuseError(NewError(OpReadDir, "", err))
		}
	}

	entries := []fuse.Dirent{
		{Name: ".", Inode: d.ino, Type: fuse.DT_Dir},
		{Name: "..", Type: fuse.DT_Dir},
	}

	for _, e := range d.fs.vol.EntriesInDir(d.dirNo) {
		if !d.fs.visible(&e) {
			continue
		}
		ent := fuse.Dirent{
			Name:  e.Name,
			Inode: d.fs.inodes.resolve(e.Slot),
			Type:  fuse.DT_File,
		}
		if e.IsDir {
			ent.Type = fuse.DT_Dir
		}
		entries = append(entries, ent)
	}

	dirLogger.Debug("Directory %d contains %d entries", d.dirNo, len(entries))
	return entries, nil
}

// Mkdir implements the NodeMkdirer interface. New directories always
// hang off an existing one; the volume assigns the directory number.
func (d *Dir) Mkdir(_ context.Context, req *fuse.MkdirRequest) (fusefs.Node, error) {
	dirLogger.Info("Creating directory %q in directory %d", req.Name, d.dirNo)

	if d.fs.cfg.ReadOnly {
		return nil, ToFuseError(NewError(OpMkdir, req.Name, ErrReadOnly))
	}

	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()

	e, err := d.fs.vol.MakeDir(d.dirNo, req.Name)
	if err != nil {
		dirLogger.Warn("Mkdir %q failed: %v", req.Name, err)
		return nil, ToFuseError(NewError(OpMkdir, req.Name, err))
	}

	// The volume reuses deleted slots. Any inode still bound to the old
	// record must be retired before the new directory gets its own.
	d.fs.inodes.invalidate(e.Slot)

	dirLogger.Info("Created directory %q as number %d", req.Name, e.DirNumber())
	return d.node(&e), nil
}

// Create implements the NodeCreater interface, making a zero-length
// catalog entry and handing back a buffered write handle. The entry has
// no allocation until the first flush.
func (d *Dir) Create(_ context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fusefs.Node, fusefs.Handle, error) {
	dirLogger.Info("Creating file %q in directory %d", req.Name, d.dirNo)

	if d.fs.cfg.ReadOnly {
		return nil, nil, ToFuseError(NewError(OpCreate, req.Name, ErrReadOnly))
	}

	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()

	e, err := d.fs.vol.AllocateEntry(d.dirNo, req.Name)
	if err != nil {
		dirLogger.Warn("Create %q failed: %v", req.Name, err)
		return nil, nil, ToFuseError(NewError(OpCreate, req.Name, err))
	}

	// The volume reuses deleted slots. A deleted record shown under
	// --show-deleted may have an inode bound to this slot already; retire
	// it so the new file never inherits another file's identity.
	d.fs.inodes.invalidate(e.Slot)

	ino := d.fs.inodes.resolve(e.Slot)
	file := &File{fs: d.fs, ino: ino, slot: e.Slot}
	handle := &FileHandle{
		f:        file,
		writable: true,
		buf:      []byte{},
	}
	d.fs.writers[ino] = handle

	resp.Flags |= fuse.OpenDirectIO
	dirLogger.Info("Created %q at slot %d", req.Name, e.Slot)
	return file, handle, nil
}

// Remove implements the NodeRemover interface, removing a file or
// directory. A removed entry's inode is retired for good.
func (d *Dir) Remove(_ context.Context, req *fuse.RemoveRequest) error {
	dirLogger.Info("Removing %q from directory %d (isDir=%v)", req.Name, d.dirNo, req.Dir)

	if d.fs.cfg.ReadOnly {
		return ToFuseError(NewError(OpRemove, req.Name, ErrReadOnly))
	}

	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()

	e, ok := d.fs.vol.Lookup(d.dirNo, req.Name)
	if !ok {
		return syscall.ENOENT
	}

	if req.Dir {
		if !e.IsDir {
			return syscall.ENOTDIR
		}
		if err := d.fs.vol.RemoveDir(e.Slot); err != nil {
			dirLogger.Warn("Rmdir %q failed: %v", req.Name, err)
			return ToFuseError(NewError(OpRemove, req.Name, err))
		}
	} else {
		if e.IsDir {
			return syscall.EISDIR
		}
		if _, busy := d.fs.writers[d.fs.inodes.resolve(e.Slot)]; busy {
			dirLogger.Warn("Cannot remove %q while open for writing", req.Name)
			return ToFuseError(NewError(OpRemove, req.Name, ErrBusy))
		}
		if err := d.fs.vol.RemoveEntry(e.Slot); err != nil {
			dirLogger.Warn("Remove %q failed: %v", req.Name, err)
			return ToFuseError(NewError(OpRemove, req.Name, err))
		}
	}

	d.fs.inodes.invalidate(e.Slot)
	dirLogger.Info("Removed %q", req.Name)
	return nil
}

// Rename implements the NodeRenamer interface. Files move freely
// between directories; directories only rename in place because the
// catalog cannot nest them.
func (d *Dir) Rename(_ context.Context, req *fuse.RenameRequest, newDir fusefs.Node) error {
	dirLogger.Info("Renaming %q to %q", req.OldName, req.NewName)

	if d.fs.cfg.ReadOnly {
		return ToFuseError(NewError(OpRename, req.OldName, ErrReadOnly))
	}

	target, ok := newDir.(*Dir)
	if !ok {
		dirLogger.Error("Rename target is not a directory node")
		return syscall.EINVAL
	}

	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()

	src, ok := d.fs.vol.Lookup(d.dirNo, req.OldName)
	if !ok {
		return syscall.ENOENT
	}
	if src.IsDir && target.dirNo != d.dirNo {
		dirLogger.Warn("Cannot move directory %q out of its parent", req.OldName)
		return ToFuseError(NewError(OpRename, req.OldName, ErrCrossDirectory))
	}

	// An existing plain file at the destination is replaced, matching
	// rename(2). Anything else in the way stops the operation.
	if dst, exists := d.fs.vol.Lookup(target.dirNo, req.NewName); exists && dst.Slot != src.Slot {
		if src.IsDir {
			return syscall.EEXIST
		}
		if dst.IsDir {
			return syscall.EISDIR
		}
		if _, busy := d.fs.writers[d.fs.inodes.resolve(dst.Slot)]; busy {
			return ToFuseError(NewError(OpRename, req.NewName, ErrBusy))
		}
		// One volume call drops the destination and renames the source,
		// so a failure cannot take the destination down on its own.
		if err := d.fs.vol.ReplaceEntry(src.Slot, dst.Slot, target.dirNo, req.NewName); err != nil {
			dirLogger.Warn("Rename %q over %q failed: %v", req.OldName, req.NewName, err)
			return ToFuseError(NewError(OpRename, req.NewName, err))
		}
		d.fs.inodes.invalidate(dst.Slot)
		dirLogger.Info("Renamed %q over %q", req.OldName, req.NewName)
		return nil
	}

	if err := d.fs.vol.RelocateEntry(src.Slot, target.dirNo, req.NewName); err != nil {
		dirLogger.Warn("Rename %q -> %q failed: %v", req.OldName, req.NewName, err)
		return ToFuseError(NewError(OpRename, req.OldName, err))
	}

	dirLogger.Info("Renamed %q to %q", req.OldName, req.NewName)
	return nil
}
