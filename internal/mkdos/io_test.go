package mkdos

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImageIOInverted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inv.img")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.Truncate(BlockSize))

	img := &imageIO{f: f, inverted: true}
	data := []byte{0x00, 0xFF, 0x12}
	require.NoError(t, img.writeAt(data, 10))

	// The caller's buffer must not be flipped in place.
	assert.Equal(t, []byte{0x00, 0xFF, 0x12}, data)

	// On disk the bytes are stored bit-flipped.
	raw := make([]byte, 3)
	_, err = f.ReadAt(raw, 10)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0x00, 0xED}, raw)

	back := make([]byte, 3)
	require.NoError(t, img.readAt(back, 10))
	assert.Equal(t, data, back)
}

func TestImageIOOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "part.img")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.Truncate(4 * BlockSize))

	img := &imageIO{f: f, offset: 2 * BlockSize}
	require.NoError(t, img.writeAt([]byte{1, 2, 3}, 0))

	raw := make([]byte, 3)
	_, err = f.ReadAt(raw, 2*BlockSize)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, raw)
}

func TestOpenInvertedImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, Format(path, 100))

	// Flip every byte, as BK archives often store images.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	for i := range raw {
		raw[i] = ^raw[i]
	}
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = Open(path, Options{})
	assert.ErrorIs(t, err, ErrCorrupt)

	v, err := Open(path, Options{Inverted: true})
	require.NoError(t, err)
	defer v.Close()
	assert.EqualValues(t, 100, v.DiskBlocks())

	e, err := v.AllocateEntry(0, "FLIP")
	require.NoError(t, err)
	require.NoError(t, v.WriteFile(e.Slot, []byte("payload")))
	got, err := v.ReadRange(e.Slot, 0, 7)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}
