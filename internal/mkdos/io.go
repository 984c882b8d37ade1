package mkdos

import (
	"fmt"
	"io"
	"os"
)

// imageIO gives positioned access to the volume region inside an image
// file. It folds in the two quirks of BK disk images: a volume may start
// at a block offset inside a larger image (logical disks, HDD
// partitions), and some archived images store every byte bit-inverted.
type imageIO struct {
	f        *os.File
	offset   int64
	inverted bool
}

func (im *imageIO) readAt(p []byte, off int64) error {
	if _, err := im.f.ReadAt(p, im.offset+off); err != nil && err != io.EOF {
		return fmt.Errorf("read at %d: %w", off, err)
	}
	if im.inverted {
		invert(p)
	}
	return nil
}

func (im *imageIO) writeAt(p []byte, off int64) error {
	if im.inverted {
		// Never invert the caller's buffer in place.
		tmp := make([]byte, len(p))
		copy(tmp, p)
		invert(tmp)
		p = tmp
	}
	if _, err := im.f.WriteAt(p, im.offset+off); err != nil {
		return fmt.Errorf("write at %d: %w", off, err)
	}
	return nil
}

func (im *imageIO) sync() error {
	return im.f.Sync()
}

func (im *imageIO) close() error {
	return im.f.Close()
}

func invert(p []byte) {
	for i := range p {
		p[i] = ^p[i]
	}
}
