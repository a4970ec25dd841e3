package inode_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"

	"github.com/shoily/tfs/blockdev"
	"github.com/shoily/tfs/inode"
	"github.com/shoily/tfs/ondisk"
)

func TestTableWriteThenReadRoundTrips(t *testing.T) {
	raw := make([]byte, 4*ondisk.BlockSize)
	stream := bytesextra.NewReadWriteSeeker(raw)
	dev := blockdev.New(stream, ondisk.BlockSize, 4)
	table := inode.NewTable(dev, 2)

	ext := inode.New(5)
	ext.Mode = ondisk.ModeRegular | 0o644
	ext.HardLinkCount = 1
	ext.SizeBytes = 1024
	ext.BlockCount = 1
	ext.DirectBlocks[0] = 77

	require.NoError(t, table.Write(ext, true))

	reread, err := table.Read(5)
	require.NoError(t, err)
	assert.Equal(t, ext.Mode, reread.Mode)
	assert.Equal(t, ext.HardLinkCount, reread.HardLinkCount)
	assert.Equal(t, ext.SizeBytes, reread.SizeBytes)
	assert.Equal(t, ext.DirectBlocks, reread.DirectBlocks)
	assert.False(t, reread.Dirty())
}

func TestTableLocatesDistinctInodesAtDistinctOffsets(t *testing.T) {
	raw := make([]byte, 4*ondisk.BlockSize)
	stream := bytesextra.NewReadWriteSeeker(raw)
	dev := blockdev.New(stream, ondisk.BlockSize, 4)
	table := inode.NewTable(dev, 2)

	a := inode.New(1)
	a.HardLinkCount = 1
	a.Mode = ondisk.ModeRegular

	b := inode.New(2)
	b.HardLinkCount = 2
	b.Mode = ondisk.ModeDir

	require.NoError(t, table.Write(a, true))
	require.NoError(t, table.Write(b, true))

	rereadA, err := table.Read(1)
	require.NoError(t, err)
	rereadB, err := table.Read(2)
	require.NoError(t, err)

	assert.Equal(t, uint32(1), rereadA.HardLinkCount)
	assert.Equal(t, uint32(2), rereadB.HardLinkCount)
}
