package mkdos

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"mkdosfuse/internal/logging"
)

var volLogger = logging.GetLogger().WithPrefix("mkdos")

// Options configures how an image is opened.
type Options struct {
	// ReadOnly rejects every mutation with ErrReadOnly.
	ReadOnly bool

	// OffsetBlocks is the block offset of the volume inside the image,
	// for logical disks and HDD partition images. When set, SizeBlocks
	// is required.
	OffsetBlocks int64

	// SizeBlocks overrides the volume size. Zero means the image file
	// size.
	SizeBlocks int64

	// Inverted handles BK images archived with every byte bit-flipped.
	Inverted bool
}

// Volume is an open MK-DOS disk image. The catalog is held in memory and
// every mutation is written through to the image immediately, so a
// completed call is durable even if the process dies right after.
//
// Volume performs no locking of its own; the caller serializes access.
type Volume struct {
	path     string
	readOnly bool
	img      *imageIO
	size     int64 // usable byte size of the volume region
	meta     Meta
	entries  []Entry
	maxSlots int
}

// Open opens and parses an MK-DOS image.
func Open(path string, opts Options) (*Volume, error) {
	flags := os.O_RDWR
	if opts.ReadOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("open image %s: %w", path, err)
	}

	v := &Volume{
		path:     path,
		readOnly: opts.ReadOnly,
		img: &imageIO{
			f:        f,
			offset:   opts.OffsetBlocks * BlockSize,
			inverted: opts.Inverted,
		},
	}

	if opts.SizeBlocks > 0 {
		v.size = opts.SizeBlocks * BlockSize
	} else {
		if opts.OffsetBlocks != 0 {
			f.Close()
			return nil, ErrUnknownSize
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("stat image %s: %w", path, err)
		}
		v.size = info.Size()
	}

	if err := v.readMeta(); err != nil {
		f.Close()
		return nil, err
	}
	if err := v.readCatalog(); err != nil {
		f.Close()
		return nil, err
	}
	volLogger.Info("Opened %s: %d files, %d/%d blocks used, %d catalog slots",
		path, v.meta.Files, v.meta.Blocks, v.meta.DiskSize, v.maxSlots)
	return v, nil
}

func (v *Volume) readMeta() error {
	raw := make([]byte, MetaSize)
	if err := v.img.readAt(raw, 0); err != nil {
		return err
	}

	v.meta.Files = binary.LittleEndian.Uint16(raw[offFiles:])
	v.meta.Blocks = binary.LittleEndian.Uint16(raw[offBlocks:])
	if label := binary.LittleEndian.Uint16(raw[offMicroDOS:]); label != MicroDOSLabel {
		return fmt.Errorf("%w: Micro DOS label is %06o", ErrCorrupt, label)
	}
	if label := binary.LittleEndian.Uint16(raw[offMKDOS:]); label != MKDOSLabel {
		return fmt.Errorf("%w: MK-DOS label is %06o", ErrCorrupt, label)
	}
	v.meta.DiskSize = binary.LittleEndian.Uint16(raw[offDiskSize:])
	v.meta.StartBlock = binary.LittleEndian.Uint16(raw[offStartBlock:])

	if v.meta.StartBlock < 20 {
		volLogger.Warn("First data block %d is suspiciously low", v.meta.StartBlock)
	}
	if int64(v.meta.StartBlock)*BlockSize <= catalogStart {
		return fmt.Errorf("%w: no room for a catalog before block %d",
			ErrCorrupt, v.meta.StartBlock)
	}
	if imgBlocks := v.size / BlockSize; imgBlocks < int64(v.meta.DiskSize) {
		volLogger.Warn("Meta says %d blocks but the image holds only %d",
			v.meta.DiskSize, imgBlocks)
	}

	v.maxSlots = (int(v.meta.StartBlock)*BlockSize - catalogStart) / EntrySize
	return nil
}

func (v *Volume) readCatalog() error {
	raw := make([]byte, EntrySize)
	live := 0
	for slot := 0; slot < v.maxSlots; slot++ {
		pos := int64(catalogStart + slot*EntrySize)
		if err := v.img.readAt(raw, pos); err != nil {
			return err
		}
		if raw[entOffName] == 0 {
			break
		}
		e := decodeEntry(slot, raw)

		if !e.IsDir && !knownStatus(e.Status) {
			// Old disks can have trailing garbage after the last
			// record. Keep a plausible entry, stop at nonsense.
			if int(v.meta.Files) <= live ||
				e.StartBlock <= v.meta.StartBlock ||
				e.StartBlock >= v.meta.DiskSize ||
				e.Blocks > v.meta.DiskSize {
				break
			}
			volLogger.Warn("Slot %d has unknown status %03o, keeping it", slot, e.Status)
		}
		if e.Live() {
			live++
		}
		v.entries = append(v.entries, e)
	}

	if live != int(v.meta.Files) {
		volLogger.Warn("Meta counts %d files but the catalog holds %d", v.meta.Files, live)
	}
	return nil
}

func knownStatus(s byte) bool {
	switch s {
	case StatusNormal, StatusProtected, StatusLogical, StatusBad, StatusDeleted:
		return true
	}
	return false
}

// Sync flushes the image file to stable storage.
func (v *Volume) Sync() error {
	return v.img.sync()
}

// Close closes the underlying image file.
func (v *Volume) Close() error {
	return v.img.close()
}

// ReadOnly reports whether the volume rejects mutation.
func (v *Volume) ReadOnly() bool { return v.readOnly }

// DiskBlocks returns the volume size in blocks.
func (v *Volume) DiskBlocks() int64 { return int64(v.meta.DiskSize) }

// UsedBlocks returns the used block count, including the system area.
func (v *Volume) UsedBlocks() int64 { return int64(v.meta.Blocks) }

// FreeBlocks returns how many blocks remain allocatable.
func (v *Volume) FreeBlocks() int64 {
	if v.meta.Blocks > v.meta.DiskSize {
		return 0
	}
	return int64(v.meta.DiskSize - v.meta.Blocks)
}

// FileCount returns the live file count from the meta block.
func (v *Volume) FileCount() int64 { return int64(v.meta.Files) }

// MaxSlots returns the capacity of the catalog region.
func (v *Volume) MaxSlots() int { return v.maxSlots }

// FreeSlots returns how many more entries the catalog can hold. Deleted
// slots count as free because allocation reuses them.
func (v *Volume) FreeSlots() int {
	free := v.maxSlots - len(v.entries)
	for i := range v.entries {
		if v.entries[i].IsDeleted {
			free++
		}
	}
	return free
}

// Entries returns a copy of the parsed catalog in slot order.
func (v *Volume) Entries() []Entry {
	out := make([]Entry, len(v.entries))
	copy(out, v.entries)
	return out
}

// EntryAt returns the entry occupying a slot.
func (v *Volume) EntryAt(slot int) (Entry, bool) {
	if slot < 0 || slot >= len(v.entries) {
		return Entry{}, false
	}
	return v.entries[slot], true
}

// effectiveDirNo is where an entry shows up. Deleted and bad entries
// surface in the root no matter what their parent byte says, the way
// the original MK-DOS tools present them.
func effectiveDirNo(e *Entry) byte {
	if !e.Live() {
		return 0
	}
	return e.DirNo
}

// EntriesInDir returns the entries of one directory in slot order,
// including deleted and bad records (the caller filters).
func (v *Volume) EntriesInDir(dirNo byte) []Entry {
	var out []Entry
	for i := range v.entries {
		if effectiveDirNo(&v.entries[i]) == dirNo {
			out = append(out, v.entries[i])
		}
	}
	return out
}

// Lookup finds a live entry by name within a directory. Matching is
// case-insensitive after KOI8-R normalization.
func (v *Volume) Lookup(dirNo byte, name string) (Entry, bool) {
	for i := range v.entries {
		e := &v.entries[i]
		if e.Live() && e.DirNo == dirNo && NamesEqual(e.Name, name) {
			return *e, true
		}
	}
	return Entry{}, false
}

// DirByNumber finds the live directory entry defining a directory number.
func (v *Volume) DirByNumber(num byte) (Entry, bool) {
	for i := range v.entries {
		e := &v.entries[i]
		if e.Live() && e.IsDir && e.DirNumber() == num {
			return *e, true
		}
	}
	return Entry{}, false
}

// IsDirEmpty reports whether a directory number has no live entries.
func (v *Volume) IsDirEmpty(num byte) bool {
	for i := range v.entries {
		e := &v.entries[i]
		if e.Live() && e.DirNo == num {
			return false
		}
	}
	return true
}

// liveFile fetches a slot and checks it holds a live regular file.
func (v *Volume) liveFile(slot int) (*Entry, error) {
	if slot < 0 || slot >= len(v.entries) {
		return nil, ErrNotFound
	}
	e := &v.entries[slot]
	if !e.Live() {
		return nil, ErrNotFound
	}
	if e.IsDir {
		return nil, ErrIsDirectory
	}
	return e, nil
}

func (v *Volume) liveEntry(slot int) (*Entry, error) {
	if slot < 0 || slot >= len(v.entries) {
		return nil, ErrNotFound
	}
	e := &v.entries[slot]
	if !e.Live() {
		return nil, ErrNotFound
	}
	return e, nil
}

// ReadRange reads up to n bytes of a file starting at off. Short reads
// mean end of file. Deleted and bad records stay readable: deletion
// keeps the run fields in the slot, and reading them back is how data
// gets recovered from old disks.
func (v *Volume) ReadRange(slot int, off int64, n int) ([]byte, error) {
	if slot < 0 || slot >= len(v.entries) {
		return nil, ErrNotFound
	}
	e := &v.entries[slot]
	if e.IsDir {
		return nil, ErrIsDirectory
	}
	size := e.Size()
	if off >= size || n <= 0 {
		return nil, nil
	}
	if rest := size - off; int64(n) > rest {
		n = int(rest)
	}
	buf := make([]byte, n)
	pos := int64(e.StartBlock)*BlockSize + off
	if err := v.img.readAt(buf, pos); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteFile replaces a file's content with data, as one run. The run is
// rewritten in place while it still fits its allocation; otherwise a new
// contiguous run is found first-fit and the old one returns to free
// space. On ErrNoSpace nothing has changed.
func (v *Volume) WriteFile(slot int, data []byte) error {
	if v.readOnly {
		return ErrReadOnly
	}
	e, err := v.liveFile(slot)
	if err != nil {
		return err
	}

	// Reject sizes the 16-bit block counter cannot carry before they
	// wrap in the field conversion.
	if int64(len(data)) > int64(v.meta.DiskSize)*BlockSize {
		return ErrNoSpace
	}

	needed, length := sizeFields(int64(len(data)))
	start := e.StartBlock
	switch {
	case needed == 0:
		start = 0
	case needed <= e.Blocks:
		// Shrinking rewrites in place and frees the tail.
	default:
		s, ok := v.findRun(needed, slot)
		if !ok {
			return ErrNoSpace
		}
		start = s
	}

	// Stage the new record, write everything through, and only then
	// commit: a failed image write must not leave the in-memory catalog
	// ahead of the disk.
	staged := *e
	staged.StartBlock = start
	staged.Blocks = needed
	staged.Length = length
	meta := v.meta
	meta.Blocks = uint16(int(meta.Blocks) + int(needed) - int(e.Blocks))

	if needed > 0 {
		if err := v.img.writeAt(data, int64(start)*BlockSize); err != nil {
			return err
		}
	}
	if err := v.writeEntry(&staged); err != nil {
		return err
	}
	if err := v.writeMeta(meta); err != nil {
		return err
	}
	*e = staged
	v.meta = meta
	return nil
}

// findRun locates the first contiguous gap of at least needed blocks.
// The extent owned by excludeSlot is treated as free so a file can be
// rewritten over or next to its own old run.
func (v *Volume) findRun(needed uint16, excludeSlot int) (uint16, bool) {
	type extent struct{ start, end int64 }
	var used []extent
	for i := range v.entries {
		e := &v.entries[i]
		if i == excludeSlot || e.IsDeleted || e.Blocks == 0 {
			continue
		}
		// Bad-block records pin their area even though they are not
		// visible files.
		used = append(used, extent{
			start: int64(e.StartBlock),
			end:   int64(e.StartBlock) + int64(e.Blocks),
		})
	}
	sort.Slice(used, func(i, j int) bool { return used[i].start < used[j].start })

	limit := int64(v.meta.DiskSize)
	if imgBlocks := v.size / BlockSize; imgBlocks < limit {
		limit = imgBlocks
	}

	cur := int64(v.meta.StartBlock)
	for _, ext := range used {
		if ext.start > cur && ext.start-cur >= int64(needed) {
			return uint16(cur), true
		}
		if ext.end > cur {
			cur = ext.end
		}
	}
	if limit-cur >= int64(needed) {
		return uint16(cur), true
	}
	return 0, false
}

// AllocateEntry creates a zero-length file entry with no allocation.
// Deleted slots are reused; a fresh handle identity is the caller's
// concern, not the slot's.
func (v *Volume) AllocateEntry(dirNo byte, name string) (Entry, error) {
	e := Entry{
		Status:  StatusNormal,
		DirNo:   dirNo,
		Name:    name,
		Address: DefaultAddress,
	}
	return v.insertEntry(e, name, false)
}

// MakeDir creates a directory entry under parent and assigns it the
// lowest free directory number.
func (v *Volume) MakeDir(parent byte, name string) (Entry, error) {
	num, ok := v.freeDirNumber()
	if !ok {
		return Entry{}, ErrCatalogFull
	}
	e := Entry{
		Status: num,
		DirNo:  parent,
		Name:   name,
		IsDir:  true,
	}
	return v.insertEntry(e, name, true)
}

func (v *Volume) insertEntry(e Entry, name string, dir bool) (Entry, error) {
	if v.readOnly {
		return Entry{}, ErrReadOnly
	}
	if err := ValidateName(name, dir); err != nil {
		return Entry{}, err
	}
	if _, exists := v.Lookup(e.DirNo, name); exists {
		return Entry{}, ErrNameConflict
	}

	slot := -1
	for i := range v.entries {
		if v.entries[i].IsDeleted {
			slot = i
			break
		}
	}
	appended := slot < 0
	if appended {
		if len(v.entries) >= v.maxSlots {
			return Entry{}, ErrCatalogFull
		}
		slot = len(v.entries)
	}

	e.Slot = slot
	meta := v.meta
	meta.Files++

	if err := v.writeEntry(&e); err != nil {
		return Entry{}, err
	}
	if appended {
		if err := v.persistTerminator(slot + 1); err != nil {
			return Entry{}, err
		}
	}
	if err := v.writeMeta(meta); err != nil {
		return Entry{}, err
	}

	if appended {
		v.entries = append(v.entries, e)
	} else {
		v.entries[slot] = e
	}
	v.meta = meta
	volLogger.Debug("Created %q in dir %d at slot %d", name, e.DirNo, slot)
	return e, nil
}

func (v *Volume) freeDirNumber() (byte, bool) {
	used := make(map[byte]bool)
	for i := range v.entries {
		e := &v.entries[i]
		if e.Live() && e.IsDir {
			used[e.DirNumber()] = true
		}
	}
	for n := 1; n < 255; n++ {
		if !used[byte(n)] {
			return byte(n), true
		}
	}
	return 0, false
}

// RemoveEntry deletes a regular file: its run returns to free space and
// the slot is marked deleted, keeping the hole on record the way MK-DOS
// does.
func (v *Volume) RemoveEntry(slot int) error {
	if v.readOnly {
		return ErrReadOnly
	}
	e, err := v.liveFile(slot)
	if err != nil {
		return err
	}

	staged := *e
	staged.Status = StatusDeleted
	staged.IsDeleted = true
	meta := v.meta
	meta.Files--
	meta.Blocks = uint16(int(meta.Blocks) - int(e.Blocks))

	if err := v.writeEntry(&staged); err != nil {
		return err
	}
	if err := v.writeMeta(meta); err != nil {
		return err
	}
	*e = staged
	v.meta = meta
	volLogger.Debug("Removed %q at slot %d, %d blocks freed", e.Name, slot, e.Blocks)
	return nil
}

// RemoveDir deletes an empty directory and retires its number.
func (v *Volume) RemoveDir(slot int) error {
	if v.readOnly {
		return ErrReadOnly
	}
	e, err := v.liveEntry(slot)
	if err != nil {
		return err
	}
	if !e.IsDir {
		return ErrNotDirectory
	}
	if !v.IsDirEmpty(e.DirNumber()) {
		return ErrNotEmpty
	}

	staged := *e
	staged.Status = StatusDeleted
	staged.IsDir = false
	staged.IsDeleted = true
	meta := v.meta
	meta.Files--

	if err := v.writeEntry(&staged); err != nil {
		return err
	}
	if err := v.writeMeta(meta); err != nil {
		return err
	}
	*e = staged
	v.meta = meta
	return nil
}

// RelocateEntry renames and reparents an entry in one step. The slot,
// and therefore the caller's handle for it, does not change.
func (v *Volume) RelocateEntry(slot int, newDirNo byte, newName string) error {
	if v.readOnly {
		return ErrReadOnly
	}
	e, err := v.liveEntry(slot)
	if err != nil {
		return err
	}
	if err := ValidateName(newName, e.IsDir); err != nil {
		return err
	}
	if other, exists := v.Lookup(newDirNo, newName); exists && other.Slot != slot {
		return ErrNameConflict
	}

	staged := *e
	staged.DirNo = newDirNo
	staged.Name = newName
	if err := v.writeEntry(&staged); err != nil {
		return err
	}
	*e = staged
	return nil
}

// ReplaceEntry moves src over an existing file dst: dst is deleted and
// src takes the destination name in one operation. Everything fallible
// is validated up front, so any failure short of a raw image write
// leaves both entries untouched.
func (v *Volume) ReplaceEntry(srcSlot, dstSlot int, newDirNo byte, newName string) error {
	if v.readOnly {
		return ErrReadOnly
	}
	if srcSlot == dstSlot {
		return ErrNameConflict
	}
	src, err := v.liveEntry(srcSlot)
	if err != nil {
		return err
	}
	dst, err := v.liveFile(dstSlot)
	if err != nil {
		return err
	}
	if err := ValidateName(newName, src.IsDir); err != nil {
		return err
	}
	if other, exists := v.Lookup(newDirNo, newName); exists &&
		other.Slot != srcSlot && other.Slot != dstSlot {
		return ErrNameConflict
	}

	stagedDst := *dst
	stagedDst.Status = StatusDeleted
	stagedDst.IsDeleted = true
	stagedSrc := *src
	stagedSrc.DirNo = newDirNo
	stagedSrc.Name = newName
	meta := v.meta
	meta.Files--
	meta.Blocks = uint16(int(meta.Blocks) - int(dst.Blocks))

	// Destination first, so a torn sequence never leaves two live
	// entries under the same name.
	if err := v.writeEntry(&stagedDst); err != nil {
		return err
	}
	if err := v.writeEntry(&stagedSrc); err != nil {
		return err
	}
	if err := v.writeMeta(meta); err != nil {
		return err
	}
	*dst = stagedDst
	*src = stagedSrc
	v.meta = meta
	volLogger.Debug("Replaced %q with %q in dir %d, %d blocks freed",
		stagedDst.Name, newName, newDirNo, stagedDst.Blocks)
	return nil
}

// RenameEntry renames an entry within its directory.
func (v *Volume) RenameEntry(slot int, newName string) error {
	if v.readOnly {
		return ErrReadOnly
	}
	e, err := v.liveEntry(slot)
	if err != nil {
		return err
	}
	return v.RelocateEntry(slot, e.DirNo, newName)
}

// MoveEntry reparents an entry to another directory number.
func (v *Volume) MoveEntry(slot int, newDirNo byte) error {
	if v.readOnly {
		return ErrReadOnly
	}
	e, err := v.liveEntry(slot)
	if err != nil {
		return err
	}
	return v.RelocateEntry(slot, newDirNo, e.Name)
}

func (v *Volume) writeEntry(e *Entry) error {
	raw, err := encodeEntry(e)
	if err != nil {
		return err
	}
	return v.img.writeAt(raw[:], int64(catalogStart+e.Slot*EntrySize))
}

func (v *Volume) persistTerminator(slot int) error {
	if slot >= v.maxSlots {
		return nil
	}
	var zero [EntrySize]byte
	return v.img.writeAt(zero[:], int64(catalogStart+slot*EntrySize))
}

func (v *Volume) writeMeta(m Meta) error {
	var raw [4]byte
	binary.LittleEndian.PutUint16(raw[0:], m.Files)
	binary.LittleEndian.PutUint16(raw[2:], m.Blocks)
	return v.img.writeAt(raw[:], offFiles)
}

// Format writes a fresh, empty MK-DOS volume of sizeBlocks blocks to
// path, overwriting whatever was there.
func Format(path string, sizeBlocks uint16) error {
	const startBlock = 20
	if sizeBlocks <= startBlock {
		return fmt.Errorf("%w: %d blocks leave no data area", ErrNoSpace, sizeBlocks)
	}

	img := make([]byte, int64(sizeBlocks)*BlockSize)
	binary.LittleEndian.PutUint16(img[offFiles:], 0)
	binary.LittleEndian.PutUint16(img[offBlocks:], startBlock)
	binary.LittleEndian.PutUint16(img[offMicroDOS:], MicroDOSLabel)
	binary.LittleEndian.PutUint16(img[offMKDOS:], MKDOSLabel)
	binary.LittleEndian.PutUint16(img[offDiskSize:], sizeBlocks)
	binary.LittleEndian.PutUint16(img[offStartBlock:], startBlock)

	if err := os.WriteFile(path, img, 0o644); err != nil {
		return fmt.Errorf("format %s: %w", path, err)
	}
	return nil
}
