package pagecache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"

	"github.com/shoily/tfs/alloc"
	"github.com/shoily/tfs/blockdev"
	"github.com/shoily/tfs/inode"
	"github.com/shoily/tfs/ondisk"
	"github.com/shoily/tfs/pagecache"
)

func newFixture(t *testing.T) (*blockdev.Device, *alloc.Bitmap, *inode.Extension) {
	t.Helper()
	totalBlocks := uint32(300)
	raw := make([]byte, uint64(totalBlocks)*ondisk.BlockSize)
	stream := bytesextra.NewReadWriteSeeker(raw)
	dev := blockdev.New(stream, ondisk.BlockSize, totalBlocks)
	dataAlloc := alloc.New(dev, 0, 1, 290, 10)
	ext := inode.New(1)
	return dev, dataAlloc, ext
}

func TestWriteBeginCommitThenReadPageRoundTrips(t *testing.T) {
	dev, dataAlloc, ext := newFixture(t)
	pager := pagecache.New(dev, dataAlloc, ext)

	handle, err := pager.WriteBegin(0)
	require.NoError(t, err)
	copy(handle.Data, []byte("hello directory page"))
	require.NoError(t, pager.CommitWrite(handle, true))
	pager.WriteEnd(0, len("hello directory page"))

	page, err := pager.ReadPage(0)
	require.NoError(t, err)
	assert.Equal(t, "hello directory page", string(page[:len("hello directory page")]))
}

func TestWriteEndExtendsSize(t *testing.T) {
	dev, dataAlloc, ext := newFixture(t)
	pager := pagecache.New(dev, dataAlloc, ext)

	_, err := pager.WriteBegin(0)
	require.NoError(t, err)
	pager.WriteEnd(0, 500)

	assert.EqualValues(t, 500, ext.SizeBytes)
	assert.True(t, ext.Dirty())

	pager.WriteEnd(0, 100) // shrinking never moves size backward
	assert.EqualValues(t, 500, ext.SizeBytes)
}

func TestWritePageFlushesResidentDataWithoutCopyingAnythingIn(t *testing.T) {
	dev, dataAlloc, ext := newFixture(t)
	pager := pagecache.New(dev, dataAlloc, ext)

	handle, err := pager.WriteBegin(0)
	require.NoError(t, err)
	copy(handle.Data, []byte("dirty page content"))
	pager.WriteEnd(0, len("dirty page content"))

	require.NoError(t, pager.WritePage(0))

	page, err := pager.ReadPage(0)
	require.NoError(t, err)
	assert.Equal(t, "dirty page content", string(page[:len("dirty page content")]))
}

func TestBmapResolvesWithoutAllocating(t *testing.T) {
	dev, dataAlloc, ext := newFixture(t)
	pager := pagecache.New(dev, dataAlloc, ext)

	_, err := pager.Bmap(0)
	assert.Error(t, err) // nothing allocated yet, create=false

	_, err = pager.WriteBegin(0)
	require.NoError(t, err)
	pager.WriteEnd(0, ondisk.BlockSize)

	phys, err := pager.Bmap(0)
	require.NoError(t, err)
	assert.Equal(t, ext.DirectBlocks[0], phys)
}
