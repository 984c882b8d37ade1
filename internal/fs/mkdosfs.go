package fs

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"mkdosfuse/internal/logging"
	"mkdosfuse/internal/mkdos"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
)

var (
	fsLogger = logging.GetLogger().WithPrefix("fs")
)

// Config controls how the volume is presented.
type Config struct {
	ReadOnly    bool // Reject every write operation with EROFS
	ShowDeleted bool // List deleted catalog entries in the root
	ShowBad     bool // List bad-block entries in the root
	AllowOther  bool // Let other users access the mount
}

// MkdosFS bridges FUSE operations onto an MK-DOS volume. It owns the
// inode table, tracks which files have an open writer, and serializes
// every operation with one coarse lock; MK-DOS volumes are small enough
// that contention is not a concern.
type MkdosFS struct {
	vol     *mkdos.Volume // The open disk image
	cfg     Config
	inodes  *inodeTable            // Slot <-> inode number bindings
	writers map[uint64]*FileHandle // Open write handles, keyed by inode
	conn    *fuse.Conn             // FUSE connection
	uid     uint32                 // User ID presented on all entries
	gid     uint32                 // Group ID presented on all entries
	mu      sync.RWMutex           // Protects volume, inodes and writers
}

// Catalog entries carry no timestamps, so every file reports the moment
// MK-DOS was released.
var mkdosEpoch = time.Unix(286405200, 0)

// NewMkdosFS wraps an open volume in a FUSE filesystem.
func NewMkdosFS(vol *mkdos.Volume, cfg Config) *MkdosFS {
	fsLogger.Info("Creating filesystem over MK-DOS volume")

	// Get UID/GID from environment if set
	uid := safeIntToUint32(os.Getuid())
	gid := safeIntToUint32(os.Getgid())

	if puidStr := os.Getenv("PUID"); puidStr != "" {
		if puid, err := strconv.ParseUint(puidStr, 10, 32); err == nil {
			uid = uint32(puid)
			fsLogger.Debug("Using PUID from environment: %d", uid)
		}
	}
	if pgidStr := os.Getenv("PGID"); pgidStr != "" {
		if pgid, err := strconv.ParseUint(pgidStr, 10, 32); err == nil {
			gid = uint32(pgid)
			fsLogger.Debug("Using PGID from environment: %d", gid)
		}
	}

	if vol.ReadOnly() {
		cfg.ReadOnly = true
	}

	return &MkdosFS{
		vol:     vol,
		cfg:     cfg,
		inodes:  newInodeTable(),
		writers: make(map[uint64]*FileHandle),
		uid:     uid,
		gid:     gid,
	}
}

// Root implements the fusefs.FS interface, returning the root directory node.
func (m *MkdosFS) Root() (fusefs.Node, error) {
	fsLogger.Trace("Getting root directory node")
	return &Dir{
		fs:    m,
		ino:   rootInode,
		slot:  -1,
		dirNo: 0,
	}, nil
}

// Statfs implements the FSStatfser interface, reporting volume capacity
// straight from the meta block.
func (m *MkdosFS) Statfs(_ context.Context, _ *fuse.StatfsRequest, resp *fuse.StatfsResponse) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	resp.Blocks = safeInt64ToUint64(m.vol.DiskBlocks())
	resp.Bfree = safeInt64ToUint64(m.vol.FreeBlocks())
	resp.Bavail = resp.Bfree
	resp.Files = safeInt64ToUint64(m.vol.FileCount())
	resp.Ffree = safeInt64ToUint64(int64(m.vol.FreeSlots()))
	resp.Bsize = uint32(mkdos.BlockSize)
	resp.Frsize = uint32(mkdos.BlockSize)
	resp.Namelen = mkdos.MaxNameLen
	return nil
}

func waitForMount(mountpoint string) error {
	for i := 0; i < 30; i++ {
		info, err := os.Stat(mountpoint)
		if err == nil && info.IsDir() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("mount point not available after 3 seconds")
}

// Mount implements filesystem mounting.
func (m *MkdosFS) Mount(mountPoint string) error {
	fsLogger.Info("Mounting MK-DOS filesystem")
	fsLogger.Debug("Mount point: %s", mountPoint)
	fsLogger.Debug("UID: %d, GID: %d", m.uid, m.gid)

	mountOpts := []fuse.MountOption{
		fuse.FSName("mkdosfuse"),
		fuse.Subtype("mkdos"),
		fuse.DefaultPermissions(),
		fuse.AsyncRead(),
		fuse.AllowNonEmptyMount(),
	}
	if m.cfg.AllowOther {
		mountOpts = append(mountOpts, fuse.AllowOther())
	}
	if m.cfg.ReadOnly {
		mountOpts = append(mountOpts, fuse.ReadOnly())
	}

	fsLogger.Debug("Mounting with options: %+v", mountOpts)

	c, err := fuse.Mount(mountPoint, mountOpts...)
	if err != nil {
		return fmt.Errorf("mount failed: %w", err)
	}
	m.conn = c

	go func() {
		if err := fusefs.Serve(c, m); err != nil {
			fsLogger.Error("FUSE server error: %v", err)
		}
	}()

	// Wait for mount to be ready
	if err := waitForMount(mountPoint); err != nil {
		c.Close()
		fsLogger.Error("Mount point not ready: %v", err)
		return fmt.Errorf("mount point failed to initialize: %w", err)
	}

	fsLogger.Info("Filesystem mounted successfully")
	return nil
}

// Unmount cleanly unmounts the filesystem and syncs the image.
func (m *MkdosFS) Unmount(mountPoint string) error {
	fsLogger.Info("Unmounting filesystem from: %s", mountPoint)
	if m.conn != nil {
		if err := fuse.Unmount(mountPoint); err != nil {
			fsLogger.Error("Unmount failed: %v", err)
			return err
		}
		fsLogger.Info("Unmount completed successfully")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.vol.Sync(); err != nil {
		fsLogger.Error("Final image sync failed: %v", err)
		return err
	}
	return nil
}

// visible reports whether an entry is presented at all under the
// current config. Deleted and bad records only surface when asked for.
func (m *MkdosFS) visible(e *mkdos.Entry) bool {
	switch {
	case e.IsDeleted:
		return m.cfg.ShowDeleted
	case e.IsBad:
		return m.cfg.ShowBad
	default:
		return true
	}
}

// entryForInode fetches the catalog entry currently bound to an inode.
// Callers hold m.mu.
func (m *MkdosFS) entryForInode(ino uint64) (mkdos.Entry, error) {
	slot, ok := m.inodes.slotOf(ino)
	if !ok {
		return mkdos.Entry{}, ErrStaleHandle
	}
	e, ok := m.vol.EntryAt(slot)
	if !ok || !m.visible(&e) {
		return mkdos.Entry{}, ErrStaleHandle
	}
	return e, nil
}
