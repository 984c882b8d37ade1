package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"mkdosfuse/internal/fs"
	"mkdosfuse/internal/logging"
	"mkdosfuse/internal/mkdos"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
	flag "github.com/spf13/pflag"
)

var (
	logger = logging.GetLogger()
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] IMAGE MOUNTPOINT\n\n", filepath.Base(os.Args[0]))
	fmt.Fprintf(os.Stderr, "Mounts an MK-DOS (BK-0010/0011) disk image as a filesystem.\n\n")
	fmt.Fprintf(os.Stderr, "Flags:\n%s", flag.CommandLine.FlagUsages())
}

func main() {
	readOnly := flag.BoolP("read-only", "r", false, "Mount the image read-only")
	showDeleted := flag.Bool("show-deleted", false, "List deleted catalog entries in the root")
	showBad := flag.Bool("show-bad", false, "List bad-block entries in the root")
	offsetBlocks := flag.Int64("offset-blocks", 0, "Block offset of the volume inside the image (requires --size-blocks)")
	sizeBlocks := flag.Int64("size-blocks", 0, "Volume size in blocks, overriding the image size")
	inverted := flag.Bool("inverted", false, "Image bytes are stored bit-flipped")
	allowOther := flag.Bool("allow-other", false, "Allow other users to access the mount")
	verbose := flag.BoolP("verbose", "v", false, "Enable verbose logging")
	flag.Usage = usage
	flag.Parse()

	if *verbose {
		logger.SetLevel(logging.LevelDebug)
	}

	if flag.NArg() != 2 {
		usage()
		os.Exit(2)
	}
	imagePath := filepath.Clean(flag.Arg(0))
	mountPoint := filepath.Clean(flag.Arg(1))

	logger.Info("Starting mkdosfuse...")
	logger.Debug("Image: %s", imagePath)
	logger.Debug("Mount point: %s", mountPoint)

	vol, err := mkdos.Open(imagePath, mkdos.Options{
		ReadOnly:     *readOnly,
		OffsetBlocks: *offsetBlocks,
		SizeBlocks:   *sizeBlocks,
		Inverted:     *inverted,
	})
	if err != nil {
		logger.Error("Failed to open image: %v", err)
		os.Exit(1)
	}
	defer vol.Close()

	mfs := fs.NewMkdosFS(vol, fs.Config{
		ReadOnly:    *readOnly,
		ShowDeleted: *showDeleted,
		ShowBad:     *showBad,
		AllowOther:  *allowOther,
	})

	logger.Debug("Setting up signal handlers...")
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Mounting filesystem...")
	mountOpts := []fuse.MountOption{
		fuse.FSName("mkdosfuse"),
		fuse.Subtype("mkdos"),
		fuse.DefaultPermissions(),
	}
	if *allowOther {
		mountOpts = append(mountOpts, fuse.AllowOther())
	}
	if *readOnly {
		mountOpts = append(mountOpts, fuse.ReadOnly())
	}

	c, err := fuse.Mount(mountPoint, mountOpts...)
	if err != nil {
		logger.Error("Mount failed: %v", err)
		os.Exit(1)
	}
	defer c.Close()

	var wg sync.WaitGroup
	wg.Add(1)

	logger.Debug("Starting FUSE server...")
	go func() {
		defer wg.Done()
		logger.Info("Serving filesystem...")
		if err := fusefs.Serve(c, mfs); err != nil {
			logger.Error("FUSE server error: %v", err)
		}
		logger.Debug("FUSE server stopped")
	}()

	logger.Info("Filesystem mounted and ready")

	// Wait for signal
	go func() {
		sig := <-sigChan
		logger.Info("Received signal %v", sig)
		if err := fuse.Unmount(mountPoint); err != nil {
			logger.Error("Unmount error: %v", err)
		}
	}()

	wg.Wait()

	if err := vol.Sync(); err != nil {
		logger.Error("Final image sync failed: %v", err)
	}
	logger.Info("Clean shutdown complete")
}
