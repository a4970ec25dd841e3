package tfs

import (
	"encoding/binary"
	"fmt"

	bitmap "github.com/boljen/go-bitmap"
	"github.com/noxer/bytewriter"

	"github.com/shoily/tfs/dirent"
	"github.com/shoily/tfs/errors"
	"github.com/shoily/tfs/ondisk"
)

// FormatOptions describes the geometry of a freshly formatted TFS image,
// following the block budgeting original_source/tfs's mkfs tool and
// file_systems/unixv1/format.go both perform before writing out a
// superblock.
type FormatOptions struct {
	// TotalBlocks is the image's total block count, including block 0
	// (reserved for boot code) and the superblock block.
	TotalBlocks uint32
	// InodeCount is how many inode-table slots to provision.
	InodeCount uint32
}

func ceilDiv(a, b uint32) uint32 {
	return (a + b - 1) / b
}

// Format lays out a complete TFS image per opts and returns its raw bytes,
// ready to be wrapped in an io.ReadWriteSeeker (e.g. via
// bytesextra.NewReadWriteSeeker) and passed to Mount. It writes the image
// sequentially block by block using bytewriter, following
// file_systems/unixv1/format.go's Format function.
func Format(opts FormatOptions) ([]byte, error) {
	const bitsPerBlock = ondisk.BlockSize * 8

	inodeBitmapBlocks := ceilDiv(opts.InodeCount, bitsPerBlock)
	if inodeBitmapBlocks == 0 {
		inodeBitmapBlocks = 1
	}
	dataBitmapBlocks := ceilDiv(opts.TotalBlocks, bitsPerBlock)
	if dataBitmapBlocks == 0 {
		dataBitmapBlocks = 1
	}
	inodeTableBlocks := ceilDiv(opts.InodeCount*ondisk.InodeSize, ondisk.BlockSize)
	if inodeTableBlocks == 0 {
		inodeTableBlocks = 1
	}

	inodeBitmapStart := uint32(2)
	dataBitmapStart := inodeBitmapStart + inodeBitmapBlocks
	inodeTableStart := dataBitmapStart + dataBitmapBlocks
	rootDirStart := inodeTableStart + inodeTableBlocks
	tmpDirStart := rootDirStart + 1
	reserveStart := tmpDirStart + 1
	dataBlockStart := reserveStart

	if dataBlockStart >= opts.TotalBlocks {
		return nil, errors.ErrNoSpace.WithMessage(
			fmt.Sprintf("image of %d blocks too small for %d inodes", opts.TotalBlocks, opts.InodeCount))
	}

	super := ondisk.Superblock{
		Magic:                 ondisk.Magic,
		InodeBitmapBlocks:     inodeBitmapBlocks,
		DataBitmapBlocks:      dataBitmapBlocks,
		InodeTableEntries:     opts.InodeCount,
		InodeTableBlocks:      inodeTableBlocks,
		DataBlocksPerInode:    ondisk.DirectBlocksPerInode,
		Size:                  opts.TotalBlocks,
		MountCount:            0,
		MaxMountCount:         ondisk.MaxMountCount,
		InodeBitmapBlockStart: inodeBitmapStart,
		DataBitmapBlockStart:  dataBitmapStart,
		InodeTableBlockStart:  inodeTableStart,
		RootDirDataBlockStart: rootDirStart,
		TmpDirDataBlockStart:  tmpDirStart,
		ReserveDataBlockStart: reserveStart,
		DataBlockStart:        dataBlockStart,
	}
	if err := super.Validate(); err != nil {
		return nil, err
	}

	out := make([]byte, uint64(opts.TotalBlocks)*ondisk.BlockSize)
	writer := bytewriter.New(out)

	writeBlock := func(content []byte) error {
		block := make([]byte, ondisk.BlockSize)
		copy(block, content)
		return binary.Write(writer, binary.LittleEndian, block)
	}

	// Block 0: reserved for boot code, left zero.
	if err := writeBlock(nil); err != nil {
		return nil, errors.ErrIO.WrapError(err)
	}

	// Block 1: superblock.
	superBytes, err := super.MarshalBinary()
	if err != nil {
		return nil, errors.ErrIO.WrapError(err)
	}
	if err := writeBlock(superBytes); err != nil {
		return nil, errors.ErrIO.WrapError(err)
	}

	// Inode bitmap: inode 0 is never allocated, and the root directory
	// occupies inode ondisk.RootIno.
	inodeBitmap := make([]byte, inodeBitmapBlocks*ondisk.BlockSize)
	bm := bitmap.Bitmap(inodeBitmap)
	bm.Set(0, true)
	bm.Set(ondisk.RootIno, true)
	for i := uint32(0); i < inodeBitmapBlocks; i++ {
		start := i * ondisk.BlockSize
		if err := writeBlock(inodeBitmap[start : start+ondisk.BlockSize]); err != nil {
			return nil, errors.ErrIO.WrapError(err)
		}
	}

	// Data bitmap: nothing preallocated; the root directory's block lives
	// below DataBlockStart and is never tracked by this bitmap.
	for i := uint32(0); i < dataBitmapBlocks; i++ {
		if err := writeBlock(nil); err != nil {
			return nil, errors.ErrIO.WrapError(err)
		}
	}

	// Inode table: only the root directory's entry is populated.
	rootRaw := ondisk.RawInode{
		Mode:          ondisk.ModeDir | 0o755,
		HardLinkCount: 2,
		Size:          ondisk.BlockSize,
		Blocks:        1,
	}
	rootRaw.DataBlocks[0] = rootDirStart
	now := ondisk.Now()
	rootRaw.CTime, rootRaw.MTime, rootRaw.ATime = now, now, now

	inodeTable := make([]byte, inodeTableBlocks*ondisk.BlockSize)
	rootBytes, err := rootRaw.MarshalBinary()
	if err != nil {
		return nil, errors.ErrIO.WrapError(err)
	}
	rootShift := uint64(ondisk.RootIno) << ondisk.InodeSizeShift
	copy(inodeTable[rootShift:rootShift+ondisk.InodeSize], rootBytes)
	for i := uint32(0); i < inodeTableBlocks; i++ {
		start := i * ondisk.BlockSize
		if err := writeBlock(inodeTable[start : start+ondisk.BlockSize]); err != nil {
			return nil, errors.ErrIO.WrapError(err)
		}
	}

	// Root directory data block: "." and ".." both point at the root inode.
	rootDirPage := make([]byte, ondisk.BlockSize)
	dot := ondisk.RawDentry{Type: dirent.TypeDirectory, Inode: ondisk.RootIno, Len: 1}
	copy(dot.Name[:], ".")
	dotBytes, err := dot.MarshalBinary()
	if err != nil {
		return nil, errors.ErrIO.WrapError(err)
	}
	copy(rootDirPage[0:ondisk.DentrySize], dotBytes)

	dotdot := ondisk.RawDentry{Type: dirent.TypeDirectory, Inode: ondisk.RootIno, Len: 2}
	copy(dotdot.Name[:], "..")
	dotdotBytes, err := dotdot.MarshalBinary()
	if err != nil {
		return nil, errors.ErrIO.WrapError(err)
	}
	copy(rootDirPage[ondisk.DentrySize:2*ondisk.DentrySize], dotdotBytes)

	if err := writeBlock(rootDirPage); err != nil {
		return nil, errors.ErrIO.WrapError(err)
	}

	// Remaining blocks (tmp dir, reserve region, data pool) are left zero;
	// the sequential writer has already advanced past them since `out` was
	// allocated at full size.
	return out, nil
}
