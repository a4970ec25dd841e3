package ondisk_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shoily/tfs/ondisk"
)

func TestRawInodeRoundTrip(t *testing.T) {
	raw := ondisk.RawInode{
		Mode:          ondisk.ModeRegular | 0o644,
		UID:           1000,
		GID:           1000,
		CTime:         1700000000,
		MTime:         1700000001,
		ATime:         1700000002,
		HardLinkCount: 1,
		Size:          4096,
		Blocks:        4,
		RootIndirect:  77,
	}
	raw.DataBlocks = [ondisk.DirectBlocksPerInode]uint32{10, 11, 12, 13}

	encoded, err := raw.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, encoded, ondisk.InodeSize)

	var decoded ondisk.RawInode
	require.NoError(t, decoded.UnmarshalBinary(encoded))
	assert.Equal(t, raw, decoded)
}

func TestRawDentryRoundTrip(t *testing.T) {
	raw := ondisk.RawDentry{Type: 2, Inode: 42, Len: 5}
	copy(raw.Name[:], "hello")

	encoded, err := raw.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, encoded, ondisk.DentrySize)

	var decoded ondisk.RawDentry
	require.NoError(t, decoded.UnmarshalBinary(encoded))
	assert.Equal(t, raw, decoded)
}

func TestSuperblockRoundTrip(t *testing.T) {
	super := ondisk.Superblock{
		Magic:                 ondisk.Magic,
		InodeBitmapBlocks:     1,
		DataBitmapBlocks:      1,
		InodeTableEntries:     64,
		InodeTableBlocks:      4,
		DataBlocksPerInode:    ondisk.DirectBlocksPerInode,
		Size:                  256,
		MaxMountCount:         ondisk.MaxMountCount,
		InodeBitmapBlockStart: 2,
		DataBitmapBlockStart:  3,
		InodeTableBlockStart:  4,
		RootDirDataBlockStart: 8,
		TmpDirDataBlockStart:  9,
		ReserveDataBlockStart: 10,
		DataBlockStart:        10,
	}

	encoded, err := super.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, encoded, ondisk.BlockSize)

	var decoded ondisk.Superblock
	require.NoError(t, decoded.UnmarshalBinary(encoded))
	assert.Equal(t, super, decoded)
	assert.NoError(t, decoded.Validate())
}

func TestSuperblockValidateRejectsBadMagic(t *testing.T) {
	super := ondisk.Superblock{Magic: 0xdead}
	assert.Error(t, super.Validate())
}

func TestSuperblockValidateRejectsOverlappingRegions(t *testing.T) {
	super := ondisk.Superblock{
		Magic:                 ondisk.Magic,
		MaxMountCount:         ondisk.MaxMountCount,
		InodeBitmapBlockStart: 2,
		InodeBitmapBlocks:     4,
		DataBitmapBlockStart:  3, // overlaps the inode bitmap region
		InodeTableBlockStart:  10,
		RootDirDataBlockStart: 20,
		TmpDirDataBlockStart:  21,
		ReserveDataBlockStart: 22,
		DataBlockStart:        22,
		Size:                  100,
	}
	assert.Error(t, super.Validate())
}
