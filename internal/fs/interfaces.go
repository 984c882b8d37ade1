// internal/fs/interfaces.go

package fs

import (
	fusefs "bazil.org/fuse/fs"
)

// Directory is the method set a directory node provides
type Directory interface {
	fusefs.Node
	fusefs.NodeStringLookuper
	fusefs.HandleReadDirAller
	fusefs.NodeMkdirer
	fusefs.NodeCreater
	fusefs.NodeRemover
	fusefs.NodeRenamer
}

// RegularFile is the method set a file node provides
type RegularFile interface {
	fusefs.Node
	fusefs.NodeOpener
	fusefs.NodeSetattrer
	fusefs.NodeFsyncer
}

// Handle is the method set an open file handle provides
type Handle interface {
	fusefs.Handle
	fusefs.HandleReader
	fusefs.HandleWriter
	fusefs.HandleFlusher
	fusefs.HandleReleaser
}

// Compile-time checks that the concrete types cover their contracts.
var (
	_ Directory         = (*Dir)(nil)
	_ RegularFile       = (*File)(nil)
	_ Handle            = (*FileHandle)(nil)
	_ fusefs.FS         = (*MkdosFS)(nil)
	_ fusefs.FSStatfser = (*MkdosFS)(nil)
)
