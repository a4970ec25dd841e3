package dirent_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"

	"github.com/shoily/tfs/alloc"
	"github.com/shoily/tfs/blockdev"
	"github.com/shoily/tfs/dirent"
	"github.com/shoily/tfs/errors"
	"github.com/shoily/tfs/inode"
	"github.com/shoily/tfs/ondisk"
	"github.com/shoily/tfs/pagecache"
)

func newDirFixture(t *testing.T) (*pagecache.Pager, *inode.Extension) {
	t.Helper()
	totalBlocks := uint32(8)
	raw := make([]byte, uint64(totalBlocks)*ondisk.BlockSize)
	stream := bytesextra.NewReadWriteSeeker(raw)
	dev := blockdev.New(stream, ondisk.BlockSize, totalBlocks)
	dataAlloc := alloc.New(dev, 0, 1, 4, 4)

	dir := inode.New(1)
	dir.Mode = ondisk.ModeDir | 0o755
	dir.SizeBytes = ondisk.BlockSize

	pager := pagecache.New(dev, dataAlloc, dir)
	// Allocate and zero the directory's first page before any dentry op.
	handle, err := pager.WriteBegin(0)
	require.NoError(t, err)
	for i := range handle.Data {
		handle.Data[i] = 0
	}
	require.NoError(t, pager.CommitWrite(handle, true))

	return pager, dir
}

func TestNewDefaultDentriesWritesDotAndDotDot(t *testing.T) {
	pager, dir := newDirFixture(t)
	require.NoError(t, dirent.NewDefaultDentries(pager, dir.Mode, 2, 1))

	ino, ok, err := dirent.Lookup(pager, dir.SizeBytes, ".")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, inode.Number(2), ino)

	ino, ok, err = dirent.Lookup(pager, dir.SizeBytes, "..")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, inode.Number(1), ino)
}

func TestFindSlotReportsFirstEmptyThenExists(t *testing.T) {
	pager, dir := newDirFixture(t)
	require.NoError(t, dirent.NewDefaultDentries(pager, dir.Mode, 1, 1))

	slot, outcome, err := dirent.FindSlot(pager, dir.SizeBytes, "a")
	require.NoError(t, err)
	assert.Equal(t, dirent.SlotFound, outcome)
	assert.Equal(t, int64(0), slot.Page)
	assert.Equal(t, 2*ondisk.DentrySize, slot.Offset)

	require.NoError(t, dirent.SetLink(pager, dir, slot, ondisk.ModeRegular, 3, "a"))

	_, outcome, err = dirent.FindSlot(pager, dir.SizeBytes, "a")
	require.NoError(t, err)
	assert.Equal(t, dirent.SlotExists, outcome)
}

func TestFindSlotRejectsNameTooLong(t *testing.T) {
	pager, dir := newDirFixture(t)
	_, _, err := dirent.FindSlot(pager, dir.SizeBytes, "012345678901234567890")
	assert.ErrorIs(t, err, errors.ErrNameTooLong)
}

func TestReadDirSkipsUnknownAndStopsAtSize(t *testing.T) {
	pager, dir := newDirFixture(t)
	require.NoError(t, dirent.NewDefaultDentries(pager, dir.Mode, 1, 1))

	var names []string
	pos, err := dirent.ReadDir(pager, dir.SizeBytes, 0, func(e dirent.Entry) bool {
		names = append(names, e.Name)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, dir.SizeBytes, pos)
	assert.Equal(t, []string{".", ".."}, names)
}

func TestReadDirStopsEarlyWhenYieldReturnsFalse(t *testing.T) {
	pager, dir := newDirFixture(t)
	require.NoError(t, dirent.NewDefaultDentries(pager, dir.Mode, 1, 1))

	var names []string
	_, err := dirent.ReadDir(pager, dir.SizeBytes, 0, func(e dirent.Entry) bool {
		names = append(names, e.Name)
		return false
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"."}, names)
}
