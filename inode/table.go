package inode

import (
	"github.com/shoily/tfs/blockdev"
	"github.com/shoily/tfs/errors"
	"github.com/shoily/tfs/ondisk"
)

// Table is the on-disk flat inode table: InodeTableEntries fixed-size
// records packed InodeSize bytes apart starting at tableBlockStart,
// addressed by the shift/block/offset scheme from
// original_source/inode.c's tfs_inode_get.
type Table struct {
	dev             *blockdev.Device
	tableBlockStart uint32
}

// NewTable wraps dev's inode-table region, which begins at tableBlockStart.
func NewTable(dev *blockdev.Device, tableBlockStart uint32) *Table {
	return &Table{dev: dev, tableBlockStart: tableBlockStart}
}

func (t *Table) locate(n Number) (block uint32, offset uint32) {
	shift := uint64(n) << ondisk.InodeSizeShift
	block = t.tableBlockStart + uint32(shift/ondisk.BlockSize)
	offset = uint32(shift % ondisk.BlockSize)
	return
}

// Read loads inode n's on-disk record and returns its in-core Extension.
func (t *Table) Read(n Number) (*Extension, error) {
	block, offset := t.locate(n)
	handle, err := t.dev.GetBlock(block)
	if err != nil {
		return nil, errors.ErrIO.WrapError(err)
	}

	var raw ondisk.RawInode
	if err := raw.UnmarshalBinary(handle.Data[offset : offset+ondisk.InodeSize]); err != nil {
		return nil, errors.ErrIO.WrapError(err)
	}
	return fromRaw(n, &raw), nil
}

func fromRaw(n Number, raw *ondisk.RawInode) *Extension {
	ext := New(n)
	ext.Mode = raw.Mode
	ext.UID = raw.UID
	ext.GID = raw.GID
	ext.CTime = raw.CTime
	ext.MTime = raw.MTime
	ext.ATime = raw.ATime
	ext.HardLinkCount = raw.HardLinkCount
	ext.SizeBytes = uint64(raw.Size)
	ext.BlockCount = raw.Blocks
	ext.DirectBlocks = raw.DataBlocks
	ext.RootIndirect = raw.RootIndirect
	return ext
}

func (ext *Extension) toRaw() *ondisk.RawInode {
	return &ondisk.RawInode{
		Mode:          ext.Mode,
		UID:           ext.UID,
		GID:           ext.GID,
		CTime:         ext.CTime,
		MTime:         ext.MTime,
		ATime:         ext.ATime,
		HardLinkCount: ext.HardLinkCount,
		Size:          uint32(ext.SizeBytes),
		Blocks:        ext.BlockCount,
		DataBlocks:    ext.DirectBlocks,
		RootIndirect:  ext.RootIndirect,
	}
}

// Write serializes ext's current in-memory fields into its on-disk record.
// When wait is true, the containing block is flushed to the backing stream
// before Write returns (write_inode(wait=1)); otherwise the block is left
// dirty for a later explicit Sync/FlushAll (write_inode(wait=0)), mirroring
// the host's asynchronous writeback path.
func (t *Table) Write(ext *Extension, wait bool) error {
	block, offset := t.locate(ext.Number)
	handle, err := t.dev.GetBlock(block)
	if err != nil {
		return errors.ErrIO.WrapError(err)
	}

	raw := ext.toRaw()
	encoded, err := raw.MarshalBinary()
	if err != nil {
		return errors.ErrIO.WrapError(err)
	}
	copy(handle.Data[offset:offset+ondisk.InodeSize], encoded)
	handle.MarkDirty()
	ext.dirty = false

	if wait {
		if err := handle.Sync(); err != nil {
			return errors.ErrIO.WrapError(err)
		}
	}
	return nil
}
