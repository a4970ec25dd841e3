// Package blockdev provides the block-addressable device abstraction TFS
// is built on: a fixed-size array of blocks, held resident in memory with
// per-block dirty tracking, backed by an io.ReadWriteSeeker. It generalizes
// the teacher's drivers/common/blockdevice.go and
// file_systems/common/blockcache/blockcache.go (loaded/dirty bitmaps plus
// fetch/flush) into a single type that owns its own stream instead of
// delegating to fetch/flush callbacks, since TFS always addresses a single
// contiguous image.
package blockdev

import (
	"io"
	"sync"

	"github.com/boljen/go-bitmap"
	"github.com/hashicorp/go-multierror"

	"github.com/shoily/tfs/errors"
)

// Device is a block-addressable store of BytesPerBlock-sized blocks backed
// by a stream. Every block, once touched, is kept resident; writes go
// through to the in-memory copy immediately and are flushed to the backing
// stream explicitly via Sync/SyncBlock/FlushAll, mirroring the wait=0/
// wait=1 distinction TFS's write_inode and directory writers rely on.
type Device struct {
	mu            sync.Mutex
	stream        io.ReadWriteSeeker
	BytesPerBlock uint32
	TotalBlocks   uint32
	loaded        bitmap.Bitmap
	dirty         bitmap.Bitmap
	data          []byte
}

// New wraps stream as a Device of totalBlocks blocks of bytesPerBlock bytes
// each. The stream must already contain at least that many bytes; blocks
// are lazily read from it on first access.
func New(stream io.ReadWriteSeeker, bytesPerBlock, totalBlocks uint32) *Device {
	return &Device{
		stream:        stream,
		BytesPerBlock: bytesPerBlock,
		TotalBlocks:   totalBlocks,
		loaded:        bitmap.NewSlice(int(totalBlocks)),
		dirty:         bitmap.NewSlice(int(totalBlocks)),
		data:          make([]byte, uint64(bytesPerBlock)*uint64(totalBlocks)),
	}
}

func (d *Device) checkBlock(block uint32) error {
	if block >= d.TotalBlocks {
		return errors.ErrIO.WithMessage("block index out of range")
	}
	return nil
}

func (d *Device) blockSlice(block uint32) []byte {
	start := uint64(block) * uint64(d.BytesPerBlock)
	return d.data[start : start+uint64(d.BytesPerBlock)]
}

func (d *Device) ensureLoadedLocked(block uint32) error {
	if d.loaded.Get(int(block)) {
		return nil
	}
	start := int64(block) * int64(d.BytesPerBlock)
	if _, err := d.stream.Seek(start, io.SeekStart); err != nil {
		return errors.ErrIO.WrapError(err)
	}
	if _, err := io.ReadFull(d.stream, d.blockSlice(block)); err != nil {
		return errors.ErrIO.WrapError(err)
	}
	d.loaded.Set(int(block), true)
	return nil
}

// GetBlock pins a handle to block, loading it from the backing stream on
// first access. The handle's Data is a direct view into the device's
// resident copy: mutations through it are visible to every other holder of
// a handle to the same block.
func (d *Device) GetBlock(block uint32) (*BufferHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkBlock(block); err != nil {
		return nil, err
	}
	if err := d.ensureLoadedLocked(block); err != nil {
		return nil, err
	}
	return &BufferHandle{dev: d, Block: block, Data: d.blockSlice(block)}, nil
}

// ZeroBlock pins a handle to block as all-zero, without reading its prior
// contents from the stream. Used for blocks that were just allocated, where
// whatever garbage the stream holds at that offset is irrelevant.
func (d *Device) ZeroBlock(block uint32) (*BufferHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkBlock(block); err != nil {
		return nil, err
	}
	buf := d.blockSlice(block)
	for i := range buf {
		buf[i] = 0
	}
	d.loaded.Set(int(block), true)
	d.dirty.Set(int(block), true)
	return &BufferHandle{dev: d, Block: block, Data: buf, dirty: true}, nil
}

// SyncBlock flushes block to the backing stream if it is dirty.
func (d *Device) SyncBlock(block uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.syncBlockLocked(block)
}

func (d *Device) syncBlockLocked(block uint32) error {
	if !d.dirty.Get(int(block)) {
		return nil
	}
	start := int64(block) * int64(d.BytesPerBlock)
	if _, err := d.stream.Seek(start, io.SeekStart); err != nil {
		return errors.ErrIO.WrapError(err)
	}
	if _, err := d.stream.Write(d.blockSlice(block)); err != nil {
		return errors.ErrIO.WrapError(err)
	}
	d.dirty.Set(int(block), false)
	return nil
}

// FlushAll synchronously writes every dirty block to the backing stream,
// aggregating any failures. Called at Unmount.
func (d *Device) FlushAll() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var result *multierror.Error
	for i := 0; i < int(d.TotalBlocks); i++ {
		if d.dirty.Get(i) {
			if err := d.syncBlockLocked(uint32(i)); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}

// BufferHandle is a pinned view of a single resident block, analogous to a
// kernel buffer_head / the teacher's BlockCache slice views.
type BufferHandle struct {
	dev   *Device
	Block uint32
	Data  []byte
	dirty bool
}

// MarkDirty records that Data has been mutated and must eventually be
// flushed to the backing stream.
func (h *BufferHandle) MarkDirty() {
	h.dirty = true
	h.dev.mu.Lock()
	h.dev.dirty.Set(int(h.Block), true)
	h.dev.mu.Unlock()
}

// Sync flushes this block to the backing stream immediately, if dirty.
func (h *BufferHandle) Sync() error {
	return h.dev.SyncBlock(h.Block)
}

// Release unpins the handle. Because Data is a direct view into the
// device's resident block array rather than a private copy, Release has no
// work to do beyond documenting the end of the caller's interest in the
// block; it does not implicitly flush (see Sync/FlushAll for that).
func (h *BufferHandle) Release() error {
	return nil
}
