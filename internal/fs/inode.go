package fs

// inodeTable hands out stable inode numbers for catalog slots. Inode 1
// is always the root. A slot gets a fresh number the first time it is
// seen and keeps it until the entry is removed; removed numbers are
// retired, never reissued, so a lingering kernel reference can only go
// stale, not silently land on an unrelated file.
//
// The table has no lock of its own. The owning MkdosFS serializes
// access under its filesystem lock.
type inodeTable struct {
	next   uint64
	bySlot map[int]uint64
	slots  map[uint64]int
}

const rootInode = 1

func newInodeTable() *inodeTable {
	return &inodeTable{
		next:   rootInode + 1,
		bySlot: make(map[int]uint64),
		slots:  make(map[uint64]int),
	}
}

// resolve returns the inode number for a slot, minting one on first use.
func (t *inodeTable) resolve(slot int) uint64 {
	if ino, ok := t.bySlot[slot]; ok {
		return ino
	}
	ino := t.next
	t.next++
	t.bySlot[slot] = ino
	t.slots[ino] = slot
	return ino
}

// slotOf maps an inode number back to its slot. ok is false once the
// inode has been invalidated.
func (t *inodeTable) slotOf(ino uint64) (int, bool) {
	slot, ok := t.slots[ino]
	return slot, ok
}

// invalidate retires the inode bound to a slot. The slot can be minted
// a new number later; the old number stays dead.
func (t *inodeTable) invalidate(slot int) {
	if ino, ok := t.bySlot[slot]; ok {
		delete(t.bySlot, slot)
		delete(t.slots, ino)
	}
}
