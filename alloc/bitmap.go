// Package alloc implements the first-fit bitmap allocator TFS uses for both
// its inode bitmap and its data-block bitmap, grounded on the teacher's
// drivers/common/allocatormap.go Allocator type and, for the scan and
// rollback discipline, on original_source/driver/alloc.c's
// alloc_inode_bitmap/alloc_datablock_bitmap/tfs_error_inode_info.
package alloc

import (
	"sync"

	"github.com/boljen/go-bitmap"

	"github.com/shoily/tfs/blockdev"
	"github.com/shoily/tfs/errors"
)

// Bitmap is a mutex-serialized first-fit allocator over a region of bitmap
// blocks. Bit numbering is scan-order: block 0 of the region first, then
// byte, then bit within byte (LSB-first, which is exactly go-bitmap's own
// convention, so the library's Get/Set double as TFS's on-disk bit
// ordering).
type Bitmap struct {
	mu         sync.Mutex
	dev        *blockdev.Device
	startBlock uint32
	blockCount uint32
	totalBits  uint32
	base       uint32
}

// New creates an allocator over blockCount bitmap blocks starting at
// startBlock, covering totalBits allocatable bits. base is added to a bit's
// index to produce the allocation's caller-visible number: 0 for the inode
// bitmap (bit N is inode N), or the data region's starting block number for
// the data bitmap (bit N is block base+N).
func New(dev *blockdev.Device, startBlock, blockCount, totalBits, base uint32) *Bitmap {
	return &Bitmap{dev: dev, startBlock: startBlock, blockCount: blockCount, totalBits: totalBits, base: base}
}

// Reservation is a pending allocation: the bit has been set in the resident
// bitmap block (and the block marked dirty) but the caller has not yet
// committed the rest of the operation. Reservation supports exactly the
// RAII-style rollback original_source/driver/alloc.c's
// tfs_error_inode_info performs: clear the bit, leaving the block dirty so
// the corrected bitmap eventually reaches storage.
type Reservation struct {
	handle          *blockdev.BufferHandle
	bitIndexInBlock int
	number          uint32
}

// Number returns the allocated bit's caller-visible number (an inode
// number, or a data block number).
func (r *Reservation) Number() uint32 {
	return r.number
}

// Rollback clears the reserved bit, undoing the allocation. Used by
// orchestrators (tfs.Create, tfs.Mkdir) when a later step in a multi-step
// operation fails and the whole operation must not leave a dangling
// allocated-but-unused inode or block behind.
func (r *Reservation) Rollback() {
	bm := bitmap.Bitmap(r.handle.Data)
	bm.Set(r.bitIndexInBlock, false)
	r.handle.MarkDirty()
}

// Allocate scans the region in (block, byte, bit) order for the first clear
// bit, sets it, marks the containing block dirty, and returns a Reservation
// for it. Returns errors.ErrNoSpace if the region is fully allocated.
func (b *Bitmap) Allocate() (*Reservation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bitsPerBlock := int(b.dev.BytesPerBlock) * 8

	for blk := uint32(0); blk < b.blockCount; blk++ {
		handle, err := b.dev.GetBlock(b.startBlock + blk)
		if err != nil {
			return nil, err
		}

		limit := bitsPerBlock
		if remaining := int(b.totalBits) - int(blk)*bitsPerBlock; remaining < limit {
			limit = remaining
		}
		if limit <= 0 {
			break
		}

		bm := bitmap.Bitmap(handle.Data)
		for bit := 0; bit < limit; bit++ {
			if bm.Get(bit) {
				continue
			}
			bm.Set(bit, true)
			handle.MarkDirty()
			number := b.base + blk*uint32(bitsPerBlock) + uint32(bit)
			return &Reservation{handle: handle, bitIndexInBlock: bit, number: number}, nil
		}
	}
	return nil, errors.ErrNoSpace
}

// Free clears the bit corresponding to number, returning it to the pool for
// a future Allocate. Unlike Reservation.Rollback, which undoes an
// allocation still in flight within the same operation, Free releases a
// bit that was committed and used by a prior, already-finished allocation
// — the primitive Truncate needs to give blocks back once a file shrinks,
// following original_source/driver/alloc.c's bitmap-clearing half of
// tfs_error_inode_info, here used outside of error recovery.
func (b *Bitmap) Free(number uint32) error {
	if number < b.base {
		return errors.ErrInvalidArgument
	}
	bit := number - b.base
	if bit >= b.totalBits {
		return errors.ErrInvalidArgument
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	bitsPerBlock := uint32(b.dev.BytesPerBlock) * 8
	blk := bit / bitsPerBlock
	offset := int(bit % bitsPerBlock)

	handle, err := b.dev.GetBlock(b.startBlock + blk)
	if err != nil {
		return err
	}
	bitmap.Bitmap(handle.Data).Set(offset, false)
	handle.MarkDirty()
	return nil
}

// IsAllocated reports whether the bit corresponding to number is set. Used
// by tfs.Filesystem.FSStat to count free inodes and data blocks.
func (b *Bitmap) IsAllocated(number uint32) (bool, error) {
	if number < b.base {
		return false, errors.ErrInvalidArgument
	}
	bit := number - b.base
	if bit >= b.totalBits {
		return false, errors.ErrInvalidArgument
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	bitsPerBlock := uint32(b.dev.BytesPerBlock) * 8
	blk := bit / bitsPerBlock
	offset := int(bit % bitsPerBlock)

	handle, err := b.dev.GetBlock(b.startBlock + blk)
	if err != nil {
		return false, err
	}
	return bitmap.Bitmap(handle.Data).Get(offset), nil
}

// TotalBits returns the number of allocatable bits in this region.
func (b *Bitmap) TotalBits() uint32 { return b.totalBits }

// Base returns the offset added to a bit index to produce its caller-visible
// number.
func (b *Bitmap) Base() uint32 { return b.base }
