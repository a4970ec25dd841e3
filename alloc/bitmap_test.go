package alloc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"

	"github.com/shoily/tfs/alloc"
	"github.com/shoily/tfs/blockdev"
	"github.com/shoily/tfs/errors"
	"github.com/shoily/tfs/ondisk"
)

func newDevice(t *testing.T, blocks uint32) *blockdev.Device {
	t.Helper()
	buf := make([]byte, uint64(blocks)*ondisk.BlockSize)
	stream := bytesextra.NewReadWriteSeeker(buf)
	return blockdev.New(stream, ondisk.BlockSize, blocks)
}

func TestAllocateFirstFit(t *testing.T) {
	dev := newDevice(t, 4)
	bm := alloc.New(dev, 0, 1, 16, 100)

	r1, err := bm.Allocate()
	require.NoError(t, err)
	assert.Equal(t, uint32(100), r1.Number())

	r2, err := bm.Allocate()
	require.NoError(t, err)
	assert.Equal(t, uint32(101), r2.Number())
}

func TestAllocateExhaustion(t *testing.T) {
	dev := newDevice(t, 4)
	bm := alloc.New(dev, 0, 1, 2, 0)

	_, err := bm.Allocate()
	require.NoError(t, err)
	_, err = bm.Allocate()
	require.NoError(t, err)

	_, err = bm.Allocate()
	assert.ErrorIs(t, err, errors.ErrNoSpace)
}

func TestRollbackFreesTheBit(t *testing.T) {
	dev := newDevice(t, 4)
	bm := alloc.New(dev, 0, 1, 4, 0)

	r1, err := bm.Allocate()
	require.NoError(t, err)
	r1.Rollback()

	allocated, err := bm.IsAllocated(r1.Number())
	require.NoError(t, err)
	assert.False(t, allocated)

	// The freed bit is first-fit again.
	r2, err := bm.Allocate()
	require.NoError(t, err)
	assert.Equal(t, r1.Number(), r2.Number())
}

func TestIsAllocatedRejectsOutOfRange(t *testing.T) {
	dev := newDevice(t, 4)
	bm := alloc.New(dev, 0, 1, 4, 10)

	_, err := bm.IsAllocated(9)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)

	_, err = bm.IsAllocated(14)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestFreeClearsAnAlreadyCommittedBit(t *testing.T) {
	dev := newDevice(t, 4)
	bm := alloc.New(dev, 0, 1, 4, 0)

	r1, err := bm.Allocate()
	require.NoError(t, err)
	r2, err := bm.Allocate()
	require.NoError(t, err)

	require.NoError(t, bm.Free(r1.Number()))

	allocated, err := bm.IsAllocated(r1.Number())
	require.NoError(t, err)
	assert.False(t, allocated)

	allocated, err = bm.IsAllocated(r2.Number())
	require.NoError(t, err)
	assert.True(t, allocated)

	// The freed bit is first-fit again.
	r3, err := bm.Allocate()
	require.NoError(t, err)
	assert.Equal(t, r1.Number(), r3.Number())
}

func TestFreeRejectsOutOfRange(t *testing.T) {
	dev := newDevice(t, 4)
	bm := alloc.New(dev, 0, 1, 4, 10)

	assert.ErrorIs(t, bm.Free(9), errors.ErrInvalidArgument)
	assert.ErrorIs(t, bm.Free(14), errors.ErrInvalidArgument)
}
