// Package inode implements TFS's in-core inode extension: the in-memory
// twin of an on-disk inode record kept live while a file or directory is
// referenced, its block-map resolver (direct + single-indirect, backed by
// a two-slot seqlock cache), and its table I/O. Grounded on the teacher's
// drivers/unixv1/inode.go (RawInode <-> Inode conversion, InodeManager) and
// on original_source/inode.c (the shift/block/offset addressing scheme) and
// original_source/driver/alloc.c (the split allocate-on-create behavior
// consumed here via the alloc package).
package inode

import (
	"sync"
	"sync/atomic"

	"github.com/shoily/tfs/alloc"
	"github.com/shoily/tfs/blockdev"
	"github.com/shoily/tfs/errors"
	"github.com/shoily/tfs/ondisk"
)

// Number is an inode number. Inode 0 is never allocated; the root
// directory is always inode ondisk.RootIno.
type Number uint32

const (
	group      = 4 // GRP: cache slot granularity, logical blocks per slot
	cacheSlots = 2 // S: number of cache slots per inode
)

// sentinelLogical marks an unpopulated cache slot. It is chosen so it can
// never equal a real rounded logical block index (which always starts at
// ondisk.DirectBlocksPerInode or above in the indirect region), avoiding any
// collision with logical block 0.
const sentinelLogical = ^uint64(0)

type cacheSlot struct {
	seq          atomic.Uint64
	firstLogical uint64
	blocks       [group]uint32
}

// Extension is the in-core state for one inode: the fields mirrored from
// its on-disk record, a per-inode mutex modeling the host inode cache's
// per-inode mutex (lock order position 1), and the two-slot indirect-block
// cache with its own writer mutex (lock order position 3) and per-slot
// seqlocks (lock order position 4).
type Extension struct {
	Mu sync.Mutex

	Number        Number
	Mode          uint32
	UID           uint32
	GID           uint32
	CTime         uint32
	MTime         uint32
	ATime         uint32
	HardLinkCount uint32
	SizeBytes     uint64
	BlockCount    uint32
	DirectBlocks  [ondisk.DirectBlocksPerInode]uint32
	RootIndirect  uint32

	dirty bool

	cacheWriterMu sync.Mutex
	cacheNextSlot int
	cache         [cacheSlots]cacheSlot
}

// New returns a freshly initialized Extension for the given inode number,
// with an empty (sentinel-tagged) indirect cache.
func New(number Number) *Extension {
	ext := &Extension{Number: number}
	for i := range ext.cache {
		ext.cache[i].firstLogical = sentinelLogical
	}
	return ext
}

// MarkDirty flags the inode's fields as modified since the last Table.Write.
func (ext *Extension) MarkDirty() { ext.dirty = true }

// Dirty reports whether the inode has unwritten in-memory changes.
func (ext *Extension) Dirty() bool { return ext.dirty }

// ClearDirty resets the dirty flag, e.g. after a failed write is undone.
func (ext *Extension) ClearDirty() { ext.dirty = false }

// IsDir reports whether the inode is a directory.
func (ext *Extension) IsDir() bool { return ext.Mode&ondisk.ModeTypeMask == ondisk.ModeDir }

// lastBlockInFile returns the highest valid logical block index for the
// inode's current size, or -1 if the file is empty.
func (ext *Extension) lastBlockInFile() int64 {
	if ext.SizeBytes == 0 {
		return -1
	}
	return int64((ext.SizeBytes - 1) / ondisk.BlockSize)
}

// GetBlocks resolves the physical block backing logical block `logical`,
// optionally allocating it (and any indirect-table block it depends on) if
// create is true and it does not yet exist. On success it returns the
// first physical block and how many contiguous bytes starting there are
// mapped (up to maxBytes), letting a single call satisfy a multi-block
// request when the underlying blocks happen to be contiguous.
//
// The caller must hold ext.Mu (lock order position 1); GetBlocks takes no
// inode mutex itself. The indirect region's cache is consulted lock-free
// first; a cache miss falls through to the slow path, which takes the
// allocator mutex and then the cache writer mutex.
func (ext *Extension) GetBlocks(dev *blockdev.Device, dataAlloc *alloc.Bitmap, logical uint64, maxBytes uint32, create bool) (uint32, uint32, error) {
	l := int64(logical)
	maxBlocksInBuf := int64(maxBytes) / ondisk.BlockSize
	if maxBlocksInBuf <= 0 {
		maxBlocksInBuf = 1
	}

	if l >= ondisk.DirectBlocksPerInode {
		if phys, mapped, ok := ext.tryIndirectCache(l, maxBlocksInBuf); ok {
			return phys, mapped, nil
		}
	}

	if l < ondisk.DirectBlocksPerInode {
		return ext.getBlocksDirect(dataAlloc, l, maxBlocksInBuf, create)
	}
	return ext.getBlocksIndirectSlow(dev, dataAlloc, l, maxBlocksInBuf, create)
}

func (ext *Extension) getBlocksDirect(dataAlloc *alloc.Bitmap, l int64, maxBlocksInBuf int64, create bool) (uint32, uint32, error) {
	if !create && l > ext.lastBlockInFile() {
		return 0, 0, errors.ErrInvalidArgument
	}

	count := int64(0)
	for l+count < ondisk.DirectBlocksPerInode && count < maxBlocksInBuf {
		slot := ext.DirectBlocks[l+count]
		if slot == 0 {
			break
		}
		if count > 0 && slot != ext.DirectBlocks[l+count-1]+1 {
			break
		}
		count++
	}

	if count > 0 {
		return ext.DirectBlocks[l], uint32(count) * ondisk.BlockSize, nil
	}

	if !create {
		return 0, 0, errors.ErrInvalidArgument
	}

	reservation, err := dataAlloc.Allocate()
	if err != nil {
		return 0, 0, err
	}
	ext.DirectBlocks[l] = reservation.Number()
	ext.BlockCount++
	ext.dirty = true
	return reservation.Number(), ondisk.BlockSize, nil
}

// getBlocksIndirectSlow resolves a logical block in the indirect region,
// allocating the root indirect block and/or the target data slot as
// needed, then refreshes the cache group the resolved entry falls in.
// It always maps exactly one block; coalescing of contiguous runs happens
// on subsequent cache hits (tryIndirectCache), matching the source driver's
// "read/allocate the data slot; map one block" slow path. Both allocator
// calls happen before cacheWriterMu is taken, matching the lock order:
// inode mutex (held by GetBlocks' caller), then the allocator mutex,
// then the cache writer mutex, then the per-slot seqlock. If the data-slot
// allocation fails after this call allocated the root indirect block, the
// root block is rolled back so the inode is left unchanged.
func (ext *Extension) getBlocksIndirectSlow(dev *blockdev.Device, dataAlloc *alloc.Bitmap, l int64, maxBlocksInBuf int64, create bool) (uint32, uint32, error) {
	relative := l - ondisk.DirectBlocksPerInode
	indirectIndex := relative / ondisk.IndirectPointersPerBlock
	blockIndex := relative % ondisk.IndirectPointersPerBlock

	// The single root indirect block holds IndirectPointersPerBlock entries,
	// so only indirectIndex 0 is addressable.
	if indirectIndex > 0 {
		return 0, 0, errors.ErrInvalidArgument
	}

	var rootReservation *alloc.Reservation
	if ext.RootIndirect == 0 {
		if !create {
			return 0, 0, errors.ErrInvalidArgument
		}
		reservation, err := dataAlloc.Allocate()
		if err != nil {
			return 0, 0, err
		}
		handle, err := dev.ZeroBlock(reservation.Number())
		if err != nil {
			reservation.Rollback()
			return 0, 0, errors.ErrIO.WrapError(err)
		}
		handle.MarkDirty()
		ext.RootIndirect = reservation.Number()
		ext.BlockCount++
		ext.dirty = true
		rootReservation = reservation
	}

	handle, err := dev.GetBlock(ext.RootIndirect)
	if err != nil {
		return 0, 0, errors.ErrIO.WrapError(err)
	}

	phys := readIndirectEntry(handle.Data, blockIndex)
	if phys == 0 {
		if !create {
			return 0, 0, errors.ErrInvalidArgument
		}
		reservation, err := dataAlloc.Allocate()
		if err != nil {
			if rootReservation != nil {
				rootReservation.Rollback()
				ext.RootIndirect = 0
				ext.BlockCount--
			}
			return 0, 0, err
		}
		phys = reservation.Number()
		writeIndirectEntry(handle.Data, blockIndex, phys)
		handle.MarkDirty()
		ext.BlockCount++
		ext.dirty = true
	}

	ext.cacheWriterMu.Lock()
	defer ext.cacheWriterMu.Unlock()

	roundedRelative := relative - (relative % group)
	roundedLogical := l - (l % group)
	var entries [group]uint32
	for i := int64(0); i < group; i++ {
		entries[i] = readIndirectEntry(handle.Data, roundedRelative+i)
	}
	ext.updateCacheLocked(roundedLogical, entries)

	_ = maxBlocksInBuf // slow path always maps exactly one block
	return phys, ondisk.BlockSize, nil
}

// tryIndirectCache attempts to resolve logical block l from the cache
// without taking any lock: each slot is read via a seqlock-protected
// snapshot (read the sequence counter, copy the payload, re-read the
// counter; retry if either the counter was odd or the two reads disagree).
// It reports ok=false on a miss, letting the caller fall through to the
// mutex-guarded slow path.
func (ext *Extension) tryIndirectCache(l int64, maxBlocksInBuf int64) (uint32, uint32, bool) {
	relative := l - ondisk.DirectBlocksPerInode
	roundedRelative := relative - (relative % group)
	roundedLogical := l - (l % group)
	offsetInGroup := int(relative - roundedRelative)

	for i := range ext.cache {
		slot := &ext.cache[i]
		for {
			seq1 := slot.seq.Load()
			if seq1%2 == 1 {
				continue
			}
			firstLogical := slot.firstLogical
			blocks := slot.blocks
			seq2 := slot.seq.Load()
			if seq1 != seq2 {
				continue
			}
			if firstLogical != uint64(roundedLogical) {
				break
			}
			if blocks[offsetInGroup] == 0 {
				break
			}

			count := int64(1)
			for offsetInGroup+int(count) < group && count < maxBlocksInBuf {
				next := blocks[offsetInGroup+int(count)]
				prev := blocks[offsetInGroup+int(count)-1]
				if next == 0 || next != prev+1 {
					break
				}
				count++
			}
			return blocks[offsetInGroup], uint32(count) * ondisk.BlockSize, true
		}
	}
	return 0, 0, false
}

// updateCacheLocked installs entries as the cache contents for the GRP
// group starting at roundedLogical, reusing an existing slot for that group
// if one exists, otherwise evicting round-robin. Caller must hold
// cacheWriterMu.
func (ext *Extension) updateCacheLocked(roundedLogical int64, entries [group]uint32) {
	slotIdx := -1
	for i := range ext.cache {
		if ext.cache[i].firstLogical == uint64(roundedLogical) {
			slotIdx = i
			break
		}
	}
	if slotIdx == -1 {
		slotIdx = ext.cacheNextSlot
		ext.cacheNextSlot = (ext.cacheNextSlot + 1) % cacheSlots
	}

	slot := &ext.cache[slotIdx]
	slot.seq.Add(1)
	slot.firstLogical = uint64(roundedLogical)
	slot.blocks = entries
	slot.seq.Add(1)
}

// invalidateCache clears every cache slot, forcing subsequent GetBlocks
// calls back to the slow path rather than serving stale entries. Truncate
// calls this after freeing indirect-region blocks, since the cache would
// otherwise keep handing back block numbers that have just been returned
// to the data bitmap.
func (ext *Extension) invalidateCache() {
	ext.cacheWriterMu.Lock()
	defer ext.cacheWriterMu.Unlock()
	for i := range ext.cache {
		slot := &ext.cache[i]
		slot.seq.Add(1)
		slot.firstLogical = sentinelLogical
		slot.blocks = [group]uint32{}
		slot.seq.Add(1)
	}
}

// Truncate resizes ext to newSize. Growing only extends the recorded
// size: no block is allocated for the newly visible range, a non-create
// GetBlocks (and so a page read) of a page there that no write has
// allocated fails with ErrInvalidArgument, and a later
// GetBlocks(create=true) allocates it, the same laziness an ordinary write
// past the old end of file already gets. Shrinking frees every data block (and,
// once the indirect region is entirely emptied, the indirect pointer block
// itself) strictly beyond the new last block, and zeroes the tail of the
// new last block past newSize's offset within it. This goes further than
// original_source/driver/file.c's tfs_truncate, which calls
// block_truncate_page to zero only the partial page and never frees the
// blocks a shrink leaves unreachable; original_source/driver/alloc.c's
// Free-side counterpart (clearing a bitmap bit) is what this reuses via
// alloc.Bitmap.Free. Caller must hold ext.Mu.
func (ext *Extension) Truncate(dev *blockdev.Device, dataAlloc *alloc.Bitmap, newSize uint64) error {
	if newSize >= ext.SizeBytes {
		ext.SizeBytes = newSize
		ext.dirty = true
		return nil
	}

	oldLast := ext.lastBlockInFile()
	var newLast int64 = -1
	if newSize > 0 {
		newLast = int64((newSize - 1) / ondisk.BlockSize)
	}

	freedIndirect := false
	for l := oldLast; l > newLast; l-- {
		touchedIndirect, err := ext.freeLogicalBlock(dev, dataAlloc, l)
		if err != nil {
			return err
		}
		freedIndirect = freedIndirect || touchedIndirect
	}
	if freedIndirect {
		ext.invalidateCache()
	}

	if newLast >= 0 {
		if err := ext.zeroBlockTail(dev, newLast, newSize); err != nil {
			return err
		}
	}

	ext.SizeBytes = newSize
	ext.dirty = true
	return nil
}

// freeLogicalBlock releases the data block (if any) backing logical block
// l, and, if l is the first indirect-region block, the now-empty indirect
// pointer block itself. It reports whether it touched the indirect region,
// so Truncate knows whether the cache needs invalidating.
func (ext *Extension) freeLogicalBlock(dev *blockdev.Device, dataAlloc *alloc.Bitmap, l int64) (bool, error) {
	if l < ondisk.DirectBlocksPerInode {
		phys := ext.DirectBlocks[l]
		if phys == 0 {
			return false, nil
		}
		if err := dataAlloc.Free(phys); err != nil {
			return false, err
		}
		ext.DirectBlocks[l] = 0
		ext.BlockCount--
		return false, nil
	}

	if ext.RootIndirect == 0 {
		return false, nil
	}

	relative := l - ondisk.DirectBlocksPerInode
	handle, err := dev.GetBlock(ext.RootIndirect)
	if err != nil {
		return false, errors.ErrIO.WrapError(err)
	}

	phys := readIndirectEntry(handle.Data, relative)
	if phys != 0 {
		if err := dataAlloc.Free(phys); err != nil {
			return false, err
		}
		writeIndirectEntry(handle.Data, relative, 0)
		handle.MarkDirty()
		ext.BlockCount--
	}

	if relative == 0 {
		// The indirect region's first slot is being freed, meaning every
		// slot after it has already been freed by earlier iterations: the
		// pointer block itself is now unreferenced.
		if err := dataAlloc.Free(ext.RootIndirect); err != nil {
			return true, err
		}
		ext.RootIndirect = 0
		ext.BlockCount--
	}

	return true, nil
}

// zeroBlockTail zeroes the portion of logical block newLast beyond
// newSize's offset within it, so a subsequent read of the shrunk file
// never exposes bytes that used to belong to data past the new end of
// file.
func (ext *Extension) zeroBlockTail(dev *blockdev.Device, newLast int64, newSize uint64) error {
	offset := int(newSize % ondisk.BlockSize)
	if offset == 0 {
		return nil
	}

	var phys uint32
	if newLast < ondisk.DirectBlocksPerInode {
		phys = ext.DirectBlocks[newLast]
	} else if ext.RootIndirect != 0 {
		handle, err := dev.GetBlock(ext.RootIndirect)
		if err != nil {
			return errors.ErrIO.WrapError(err)
		}
		phys = readIndirectEntry(handle.Data, newLast-ondisk.DirectBlocksPerInode)
	}
	if phys == 0 {
		return nil
	}

	handle, err := dev.GetBlock(phys)
	if err != nil {
		return errors.ErrIO.WrapError(err)
	}
	for i := offset; i < len(handle.Data); i++ {
		handle.Data[i] = 0
	}
	handle.MarkDirty()
	return nil
}
