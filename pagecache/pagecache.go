// Package pagecache adapts an inode's block-map resolver into the
// page-at-a-time read/write interface the directory engine (and, in a
// fuller driver, a regular-file read/write path) is built on: ReadPage,
// WriteBegin/CommitWrite, and WriteEnd, following the write_begin/
// commit_write shape used by original_source/driver/dir.c's
// __tfs_write_begin/tfs_commit_write and generalizing the teacher's
// file_systems/common/basicstream.BasicStream block-translation approach
// (convertLinearAddr) to TFS's fixed block-is-a-page geometry.
package pagecache

import (
	"github.com/shoily/tfs/alloc"
	"github.com/shoily/tfs/blockdev"
	"github.com/shoily/tfs/errors"
	"github.com/shoily/tfs/inode"
	"github.com/shoily/tfs/ondisk"
)

// Pager reads and writes the data pages of one inode. A TFS page is exactly
// one BlockSize-sized block, so page index == logical block index.
type Pager struct {
	dev       *blockdev.Device
	dataAlloc *alloc.Bitmap
	ext       *inode.Extension
}

// New builds a Pager over ext's data, using dataAlloc for any block
// allocation a write triggers.
func New(dev *blockdev.Device, dataAlloc *alloc.Bitmap, ext *inode.Extension) *Pager {
	return &Pager{dev: dev, dataAlloc: dataAlloc, ext: ext}
}

// ReadPage returns a copy of page `index` of the inode's data. It fails
// with ErrInvalidArgument for a page with no block allocated, and for a
// direct-region page beyond the inode's recorded size even if allocated.
func (p *Pager) ReadPage(index int64) ([]byte, error) {
	phys, _, err := p.ext.GetBlocks(p.dev, p.dataAlloc, uint64(index), ondisk.BlockSize, false)
	if err != nil {
		return nil, err
	}
	handle, err := p.dev.GetBlock(phys)
	if err != nil {
		return nil, errors.ErrIO.WrapError(err)
	}
	page := make([]byte, ondisk.BlockSize)
	copy(page, handle.Data)
	return page, nil
}

// WriteBegin resolves (allocating if necessary) the physical block backing
// page `index` and returns a handle the caller may mutate directly. Pair
// with CommitWrite.
func (p *Pager) WriteBegin(index int64) (*blockdev.BufferHandle, error) {
	phys, _, err := p.ext.GetBlocks(p.dev, p.dataAlloc, uint64(index), ondisk.BlockSize, true)
	if err != nil {
		return nil, err
	}
	return p.dev.GetBlock(phys)
}

// CommitWrite finalizes a page mutation begun with WriteBegin: marks the
// block dirty and, if sync is requested, flushes it to the backing stream
// immediately. Directory mutations always pass sync=true, matching
// original_source/driver/dir.c's tfs_commit_write, which marks the buffer
// dirty and calls sync_dirty_buffer unconditionally.
func (p *Pager) CommitWrite(handle *blockdev.BufferHandle, sync bool) error {
	handle.MarkDirty()
	if sync {
		if err := handle.Sync(); err != nil {
			return errors.ErrIO.WrapError(err)
		}
	}
	return nil
}

// WriteEnd extends the inode's recorded size to cover the just-written
// range if necessary, and marks the inode dirty so a subsequent Fsync or
// inode-table write picks up the new size.
func (p *Pager) WriteEnd(pos int64, copied int) {
	newSize := uint64(pos + int64(copied))
	if newSize > p.ext.SizeBytes {
		p.ext.SizeBytes = newSize
	}
	p.ext.MarkDirty()
}

// WritePage flushes page `index`'s already-resident content to the backing
// stream. This is the writeback entry point — original_source/driver/
// inode.c's tfs_writepage, invoked by the host VFS to clean a dirty page
// during pageout/fsync — as distinct from the buffered-write entry point
// WriteBegin/CommitWrite/WriteEnd (__tfs_write_begin/tfs_write_end), which
// stages new data into a page the caller is actively writing. It resolves
// (allocating if necessary, since a page can be dirtied by something other
// than this package's own write path) and forces a synchronous flush
// without copying any new data in.
func (p *Pager) WritePage(index int64) error {
	handle, err := p.WriteBegin(index)
	if err != nil {
		return err
	}
	return p.CommitWrite(handle, true)
}

// Bmap resolves logical block `logical` to its physical block number
// without allocating, for callers that only need to inspect existing
// mappings.
func (p *Pager) Bmap(logical uint64) (uint32, error) {
	phys, _, err := p.ext.GetBlocks(p.dev, p.dataAlloc, logical, ondisk.BlockSize, false)
	return phys, err
}

// convertLinearAddr splits a byte offset into a page index and an in-page
// offset, following BasicStream.convertLinearAddr's split but over TFS's
// fixed page-equals-block geometry.
func convertLinearAddr(offset int64) (page int64, inPage int) {
	return offset / ondisk.BlockSize, int(offset % ondisk.BlockSize)
}

// ReadPages reads len(buffer) bytes starting at byte offset pos, spanning
// as many pages as needed, following BasicStream.ReadAt's clamp-then-copy
// shape generalized from a single GetSlice call to one ReadPage per page
// (TFS has no multi-block GetSlice equivalent here, so each page is read,
// and then released, independently). It is the host-facing counterpart to
// spec.md's readpages operation. Reading a page that ReadPage rejects
// surfaces GetBlocks' ErrInvalidArgument unchanged.
func (p *Pager) ReadPages(pos int64, buffer []byte) (int, error) {
	total := 0
	for total < len(buffer) {
		page, inPage := convertLinearAddr(pos + int64(total))
		data, err := p.ReadPage(page)
		if err != nil {
			return total, err
		}
		n := copy(buffer[total:], data[inPage:])
		total += n
	}
	return total, nil
}

// WritePages writes data starting at byte offset pos, spanning as many
// pages as needed, allocating pages on demand via WriteBegin, following
// original_source/driver/dir.c's write_begin/commit_write pairing but
// generalized to an arbitrary byte range instead of a single dentry-sized
// write. It does not update the inode's size; callers needing that call
// WriteEnd afterward (mirroring the host VFS's own write_begin/write_end
// pairing, where size bookkeeping is the caller's responsibility). This is
// the host-facing counterpart to spec.md's writepages operation.
func (p *Pager) WritePages(pos int64, data []byte) (int, error) {
	total := 0
	for total < len(data) {
		page, inPage := convertLinearAddr(pos + int64(total))
		handle, err := p.WriteBegin(page)
		if err != nil {
			return total, err
		}
		n := copy(handle.Data[inPage:], data[total:])
		if err := p.CommitWrite(handle, false); err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
