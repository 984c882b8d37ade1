package fs

import (
	"bytes"
	"context"
	"path/filepath"
	"syscall"
	"testing"

	"mkdosfuse/internal/mkdos"

	"bazil.org/fuse"
)

func setupTestFS(t *testing.T, blocks uint16, cfg Config) (*MkdosFS, *Dir) {
	t.Helper()

	imagePath := filepath.Join(t.TempDir(), "disk.img")
	if err := mkdos.Format(imagePath, blocks); err != nil {
		t.Fatalf("Failed to format image: %v", err)
	}

	vol, err := mkdos.Open(imagePath, mkdos.Options{ReadOnly: cfg.ReadOnly})
	if err != nil {
		t.Fatalf("Failed to open volume: %v", err)
	}
	t.Cleanup(func() { vol.Close() })

	m := NewMkdosFS(vol, cfg)
	rootNode, err := m.Root()
	if err != nil {
		t.Fatalf("Failed to get root: %v", err)
	}
	return m, rootNode.(*Dir)
}

// createFile makes a file with content through the regular node
// operations, closing the handle afterwards.
func createFile(t *testing.T, dir *Dir, name string, data []byte) *File {
	t.Helper()
	ctx := context.Background()

	node, handle, err := dir.Create(ctx, &fuse.CreateRequest{Name: name}, &fuse.CreateResponse{})
	if err != nil {
		t.Fatalf("Failed to create %q: %v", name, err)
	}
	fh := handle.(*FileHandle)

	if len(data) > 0 {
		wresp := &fuse.WriteResponse{}
		if err := fh.Write(ctx, &fuse.WriteRequest{Data: data}, wresp); err != nil {
			t.Fatalf("Failed to write %q: %v", name, err)
		}
		if wresp.Size != len(data) {
			t.Fatalf("Short write: %d of %d bytes", wresp.Size, len(data))
		}
	}
	if err := fh.Release(ctx, &fuse.ReleaseRequest{}); err != nil {
		t.Fatalf("Failed to release %q: %v", name, err)
	}
	return node.(*File)
}

func TestRootAttributes(t *testing.T) {
	_, root := setupTestFS(t, 800, Config{})

	var attr fuse.Attr
	if err := root.Attr(context.Background(), &attr); err != nil {
		t.Fatalf("Root attr failed: %v", err)
	}
	if attr.Inode != rootInode {
		t.Errorf("Root inode = %d, want %d", attr.Inode, rootInode)
	}
	if !attr.Mode.IsDir() {
		t.Errorf("Root mode = %v, want directory", attr.Mode)
	}
}

func TestLookup(t *testing.T) {
	_, root := setupTestFS(t, 800, Config{})
	ctx := context.Background()

	createFile(t, root, "HELLO.TXT", []byte("hi"))

	t.Run("Found", func(t *testing.T) {
		node, err := root.Lookup(ctx, "HELLO.TXT")
		if err != nil {
			t.Fatalf("Lookup failed: %v", err)
		}
		if _, ok := node.(*File); !ok {
			t.Errorf("Lookup returned %T, want *File", node)
		}
	})

	t.Run("CaseInsensitive", func(t *testing.T) {
		if _, err := root.Lookup(ctx, "hello.txt"); err != nil {
			t.Errorf("Case-folded lookup failed: %v", err)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := root.Lookup(ctx, "MISSING")
		if err != syscall.ENOENT {
			t.Errorf("Lookup error = %v, want ENOENT", err)
		}
	})
}

func TestReadDirAll(t *testing.T) {
	_, root := setupTestFS(t, 800, Config{})
	ctx := context.Background()

	createFile(t, root, "ONE", nil)
	createFile(t, root, "TWO", nil)
	if _, err := root.Mkdir(ctx, &fuse.MkdirRequest{Name: "SUB"}); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}

	entries, err := root.ReadDirAll(ctx)
	if err != nil {
		t.Fatalf("ReadDirAll failed: %v", err)
	}

	types := make(map[string]fuse.DirentType)
	for _, e := range entries {
		types[e.Name] = e.Type
	}
	for _, name := range []string{".", ".."} {
		if types[name] != fuse.DT_Dir {
			t.Errorf("Missing %q in listing", name)
		}
	}
	if types["ONE"] != fuse.DT_File || types["TWO"] != fuse.DT_File {
		t.Errorf("File entries missing or mistyped: %v", types)
	}
	if types["SUB"] != fuse.DT_Dir {
		t.Errorf("SUB type = %v, want directory", types["SUB"])
	}
	if len(entries) != 5 {
		t.Errorf("Listing has %d entries, want 5", len(entries))
	}
}

func TestMkdirAndRemove(t *testing.T) {
	_, root := setupTestFS(t, 800, Config{})
	ctx := context.Background()

	node, err := root.Mkdir(ctx, &fuse.MkdirRequest{Name: "GAMES"})
	if err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	sub := node.(*Dir)

	createFile(t, sub, "TETRIS", []byte("data"))

	// A populated directory cannot be removed.
	err = root.Remove(ctx, &fuse.RemoveRequest{Name: "GAMES", Dir: true})
	if err != syscall.ENOTEMPTY {
		t.Errorf("Remove non-empty dir = %v, want ENOTEMPTY", err)
	}

	if err := sub.Remove(ctx, &fuse.RemoveRequest{Name: "TETRIS"}); err != nil {
		t.Fatalf("Remove file failed: %v", err)
	}
	if err := root.Remove(ctx, &fuse.RemoveRequest{Name: "GAMES", Dir: true}); err != nil {
		t.Fatalf("Remove empty dir failed: %v", err)
	}
	if _, err := root.Lookup(ctx, "GAMES"); err != syscall.ENOENT {
		t.Errorf("Lookup after rmdir = %v, want ENOENT", err)
	}
}

func TestRemoveTypeMismatch(t *testing.T) {
	_, root := setupTestFS(t, 800, Config{})
	ctx := context.Background()

	createFile(t, root, "PLAIN", nil)
	if _, err := root.Mkdir(ctx, &fuse.MkdirRequest{Name: "DIR"}); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}

	if err := root.Remove(ctx, &fuse.RemoveRequest{Name: "DIR"}); err != syscall.EISDIR {
		t.Errorf("unlink on dir = %v, want EISDIR", err)
	}
	if err := root.Remove(ctx, &fuse.RemoveRequest{Name: "PLAIN", Dir: true}); err != syscall.ENOTDIR {
		t.Errorf("rmdir on file = %v, want ENOTDIR", err)
	}
}

func TestRename(t *testing.T) {
	_, root := setupTestFS(t, 800, Config{})
	ctx := context.Background()

	t.Run("Simple", func(t *testing.T) {
		createFile(t, root, "OLD", []byte("x"))
		err := root.Rename(ctx, &fuse.RenameRequest{OldName: "OLD", NewName: "NEW"}, root)
		if err != nil {
			t.Fatalf("Rename failed: %v", err)
		}
		if _, err := root.Lookup(ctx, "OLD"); err != syscall.ENOENT {
			t.Errorf("Old name still present: %v", err)
		}
		if _, err := root.Lookup(ctx, "NEW"); err != nil {
			t.Errorf("New name missing: %v", err)
		}
	})

	t.Run("OverwritesFile", func(t *testing.T) {
		m := root.fs
		usedBefore := m.vol.UsedBlocks()

		createFile(t, root, "SRC", []byte("source"))
		createFile(t, root, "DST", []byte("old content"))

		files := m.vol.FileCount()
		err := root.Rename(ctx, &fuse.RenameRequest{OldName: "SRC", NewName: "DST"}, root)
		if err != nil {
			t.Fatalf("Overwriting rename failed: %v", err)
		}
		if got := m.vol.FileCount(); got != files-1 {
			t.Errorf("File count = %d, want %d", got, files-1)
		}
		// The target's old run is released; only the source's survives.
		if got := m.vol.UsedBlocks(); got != usedBefore+1 {
			t.Errorf("Used blocks = %d, want %d", got, usedBefore+1)
		}

		node, err := root.Lookup(ctx, "DST")
		if err != nil {
			t.Fatalf("Lookup after rename failed: %v", err)
		}
		data := readAll(t, node.(*File))
		if !bytes.Equal(data, []byte("source")) {
			t.Errorf("Content after rename = %q, want %q", data, "source")
		}
	})

	t.Run("MoveIntoDirectory", func(t *testing.T) {
		node, err := root.Mkdir(ctx, &fuse.MkdirRequest{Name: "INBOX"})
		if err != nil {
			t.Fatalf("Mkdir failed: %v", err)
		}
		sub := node.(*Dir)
		createFile(t, root, "LETTER", []byte("hi"))

		err = root.Rename(ctx, &fuse.RenameRequest{OldName: "LETTER", NewName: "LETTER"}, sub)
		if err != nil {
			t.Fatalf("Move failed: %v", err)
		}
		if _, err := root.Lookup(ctx, "LETTER"); err != syscall.ENOENT {
			t.Errorf("File still in root: %v", err)
		}
		if _, err := sub.Lookup(ctx, "LETTER"); err != nil {
			t.Errorf("File not in subdirectory: %v", err)
		}
	})

	t.Run("DirectoryCannotMove", func(t *testing.T) {
		if _, err := root.Mkdir(ctx, &fuse.MkdirRequest{Name: "A"}); err != nil {
			t.Fatalf("Mkdir failed: %v", err)
		}
		node, err := root.Mkdir(ctx, &fuse.MkdirRequest{Name: "B"})
		if err != nil {
			t.Fatalf("Mkdir failed: %v", err)
		}
		err = root.Rename(ctx, &fuse.RenameRequest{OldName: "A", NewName: "A"}, node.(*Dir))
		if err != syscall.EXDEV {
			t.Errorf("Directory move = %v, want EXDEV", err)
		}
	})
}

func TestInodeIdentity(t *testing.T) {
	_, root := setupTestFS(t, 800, Config{})
	ctx := context.Background()

	file := createFile(t, root, "STABLE", nil)

	node, err := root.Lookup(ctx, "STABLE")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if got := node.(*File).ino; got != file.ino {
		t.Errorf("Lookup inode = %d, want %d", got, file.ino)
	}

	// Removing and recreating under the same name must mint a fresh
	// inode, never resurrect the retired one.
	if err := root.Remove(ctx, &fuse.RemoveRequest{Name: "STABLE"}); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	again := createFile(t, root, "STABLE", nil)
	if again.ino == file.ino {
		t.Errorf("Recreated file reused inode %d", file.ino)
	}

	// The old node now reports stale.
	var attr fuse.Attr
	if err := file.Attr(ctx, &attr); err != syscall.ESTALE {
		t.Errorf("Stale attr = %v, want ESTALE", err)
	}
}

func TestCreateReadOnlyVolume(t *testing.T) {
	_, root := setupTestFS(t, 800, Config{ReadOnly: true})
	ctx := context.Background()

	_, _, err := root.Create(ctx, &fuse.CreateRequest{Name: "NOPE"}, &fuse.CreateResponse{})
	if err != syscall.EROFS {
		t.Errorf("Create on read-only volume = %v, want EROFS", err)
	}
	if _, err := root.Mkdir(ctx, &fuse.MkdirRequest{Name: "NOPE"}); err != syscall.EROFS {
		t.Errorf("Mkdir on read-only volume = %v, want EROFS", err)
	}
}

// Deleted records shown in the root must read back their old content,
// and a new file reusing the freed catalog slot must get its own inode.
func TestShowDeletedRecovery(t *testing.T) {
	_, root := setupTestFS(t, 800, Config{ShowDeleted: true})
	ctx := context.Background()

	ghost := createFile(t, root, "GHOST", []byte("recover me"))
	if err := root.Remove(ctx, &fuse.RemoveRequest{Name: "GHOST"}); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	node, err := root.Lookup(ctx, "GHOST")
	if err != nil {
		t.Fatalf("Deleted entry not reachable by name: %v", err)
	}
	shown := node.(*File)
	if shown.ino == ghost.ino {
		t.Errorf("Deleted record reused retired inode %d", ghost.ino)
	}
	if got := readAll(t, shown); !bytes.Equal(got, []byte("recover me")) {
		t.Errorf("Deleted entry content = %q, want %q", got, "recover me")
	}

	// Creating a file reuses the freed slot; the new file must not
	// inherit the deleted record's inode.
	fresh := createFile(t, root, "NEWFILE", []byte("new"))
	if fresh.slot != shown.slot {
		t.Fatalf("Expected slot reuse, got slot %d after %d", fresh.slot, shown.slot)
	}
	if fresh.ino == shown.ino {
		t.Errorf("New file inherited inode %d from the deleted record", shown.ino)
	}

	// The node for the overwritten record is stale now.
	var attr fuse.Attr
	if err := shown.Attr(ctx, &attr); err != syscall.ESTALE {
		t.Errorf("Stale node attr error = %v, want ESTALE", err)
	}
}

// A rename over an existing file that the volume rejects must leave the
// destination in place.
func TestRenameOverwriteRejectedKeepsDestination(t *testing.T) {
	m, root := setupTestFS(t, 800, Config{})
	ctx := context.Background()

	createFile(t, root, "SRC", []byte("source"))
	createFile(t, root, "DST", []byte("destination"))

	// Close the image underneath the node layer so the replacement
	// write fails after validation passes.
	m.vol.Close()
	err := root.Rename(ctx, &fuse.RenameRequest{OldName: "SRC", NewName: "DST"}, root)
	if err == nil {
		t.Fatal("Expected rename to fail on a dead image")
	}

	if _, ok := m.vol.Lookup(0, "DST"); !ok {
		t.Error("Destination vanished after a failed rename")
	}
	if _, ok := m.vol.Lookup(0, "SRC"); !ok {
		t.Error("Source vanished after a failed rename")
	}
}
