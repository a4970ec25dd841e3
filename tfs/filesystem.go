// Package tfs implements the top-level filesystem lifecycle (Mount,
// Unmount, FSStat) and the inode-lifecycle orchestrators (Create, Mkdir,
// Link) that tie together blockdev, alloc, inode, pagecache, and dirent.
// Grounded on file_systems/unixv1/driver.go (Mount/Unmount/FSStat shape)
// and original_source/driver/alloc.c's tfs_new_inode (split allocation and
// rollback-on-failure orchestration).
package tfs

import (
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/shoily/tfs/alloc"
	"github.com/shoily/tfs/blockdev"
	"github.com/shoily/tfs/errors"
	"github.com/shoily/tfs/inode"
	"github.com/shoily/tfs/ondisk"
)

// MaxFileSize is the largest size a TFS inode can represent: 4 direct
// blocks plus one indirect block's worth of pointers.
const MaxFileSize = int64(ondisk.BlockSize) * (ondisk.DirectBlocksPerInode + ondisk.IndirectPointersPerBlock)

// Filesystem is a mounted TFS image: the superblock, the two bitmap
// allocators, the inode table, and an in-memory cache of live inode
// extensions (the host-provided inode cache the spec's lock order assumes).
type Filesystem struct {
	dev        *blockdev.Device
	super      ondisk.Superblock
	InodeAlloc *alloc.Bitmap
	DataAlloc  *alloc.Bitmap
	Table      *inode.Table

	cacheMu sync.Mutex
	cache   map[inode.Number]*inode.Extension

	root *inode.Extension
}

// Mount reads and validates the superblock at block 1 of stream (block 0 is
// reserved for boot code), bumps its mount count, and loads the root
// directory's inode, returning a ready-to-use Filesystem. totalBlocks must
// be at least large enough to cover the superblock's recorded Size.
func Mount(stream io.ReadWriteSeeker, totalBlocks uint32) (*Filesystem, error) {
	dev := blockdev.New(stream, ondisk.BlockSize, totalBlocks)

	handle, err := dev.GetBlock(1)
	if err != nil {
		return nil, errors.ErrIO.WrapError(err)
	}

	var super ondisk.Superblock
	if err := super.UnmarshalBinary(handle.Data); err != nil {
		return nil, errors.ErrIO.WrapError(err)
	}
	if err := super.Validate(); err != nil {
		return nil, err
	}
	if super.Size > totalBlocks {
		return nil, errors.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("superblock claims %d blocks, device only has %d", super.Size, totalBlocks))
	}

	super.MountCount++
	encoded, err := super.MarshalBinary()
	if err != nil {
		return nil, errors.ErrIO.WrapError(err)
	}
	copy(handle.Data, encoded)
	handle.MarkDirty()
	if err := handle.Sync(); err != nil {
		return nil, errors.ErrIO.WrapError(err)
	}

	fs := &Filesystem{
		dev:   dev,
		super: super,
		InodeAlloc: alloc.New(dev, super.InodeBitmapBlockStart, super.InodeBitmapBlocks,
			super.InodeTableEntries, 0),
		DataAlloc: alloc.New(dev, super.DataBitmapBlockStart, super.DataBitmapBlocks,
			super.Size-super.DataBlockStart, super.DataBlockStart),
		Table: inode.NewTable(dev, super.InodeTableBlockStart),
		cache: make(map[inode.Number]*inode.Extension),
	}

	root, err := fs.GetInode(inode.Number(ondisk.RootIno))
	if err != nil {
		return nil, err
	}
	fs.root = root
	return fs, nil
}

// RootDir returns the filesystem's root directory inode.
func (fs *Filesystem) RootDir() *inode.Extension { return fs.root }

// GetInode returns the live Extension for inode n, loading it from the
// inode table on first reference and caching it for subsequent callers
// (the in-memory inode cache the spec's lock order assumes exists).
func (fs *Filesystem) GetInode(n inode.Number) (*inode.Extension, error) {
	fs.cacheMu.Lock()
	defer fs.cacheMu.Unlock()

	if ext, ok := fs.cache[n]; ok {
		return ext, nil
	}
	ext, err := fs.Table.Read(n)
	if err != nil {
		return nil, err
	}
	fs.cache[n] = ext
	return ext, nil
}

// Unmount flushes every dirty cached inode to the inode table and then
// flushes every dirty device block, aggregating any failures. The
// Filesystem must not be used after Unmount returns.
func (fs *Filesystem) Unmount() error {
	fs.cacheMu.Lock()
	dirty := make([]*inode.Extension, 0, len(fs.cache))
	for _, ext := range fs.cache {
		if ext.Dirty() {
			dirty = append(dirty, ext)
		}
	}
	fs.cacheMu.Unlock()

	var result *multierror.Error
	for _, ext := range dirty {
		ext.Mu.Lock()
		err := fs.Table.Write(ext, false)
		ext.Mu.Unlock()
		if err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := fs.dev.FlushAll(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// FSStat reports aggregate space and inode usage, in the spirit of
// file_systems/unixv1/driver.go's FSStat.
type FSStat struct {
	BlockSize     uint32
	TotalBlocks   uint32
	FreeBlocks    uint32
	TotalInodes   uint32
	FreeInodes    uint32
	MaxNameLength uint32
}

// FSStat scans both bitmaps to report free space and inode counts.
func (fs *Filesystem) FSStat() (FSStat, error) {
	freeBlocks := uint32(0)
	totalDataBlocks := fs.DataAlloc.TotalBits()
	for i := uint32(0); i < totalDataBlocks; i++ {
		allocated, err := fs.DataAlloc.IsAllocated(fs.DataAlloc.Base() + i)
		if err != nil {
			return FSStat{}, err
		}
		if !allocated {
			freeBlocks++
		}
	}

	freeInodes := uint32(0)
	totalInodes := fs.InodeAlloc.TotalBits()
	for i := uint32(1); i < totalInodes; i++ { // inode 0 is never allocated
		allocated, err := fs.InodeAlloc.IsAllocated(i)
		if err != nil {
			return FSStat{}, err
		}
		if !allocated {
			freeInodes++
		}
	}

	return FSStat{
		BlockSize:     ondisk.BlockSize,
		TotalBlocks:   fs.super.Size,
		FreeBlocks:    freeBlocks,
		TotalInodes:   totalInodes,
		FreeInodes:    freeInodes,
		MaxNameLength: ondisk.DentryNameLen,
	}, nil
}

// ShowOptions renders the mount-relevant superblock fields the way a
// /proc/mounts line would, following file_systems/unixv1/driver.go's
// struct-literal reporting style.
func (fs *Filesystem) ShowOptions() string {
	return fmt.Sprintf("inode_bitmap_blocks=%d,data_bitmap_blocks=%d,mount_count=%d",
		fs.super.InodeBitmapBlocks, fs.super.DataBitmapBlocks, fs.super.MountCount)
}
