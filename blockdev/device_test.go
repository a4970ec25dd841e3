package blockdev_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"

	"github.com/shoily/tfs/blockdev"
	"github.com/shoily/tfs/errors"
)

func TestGetBlockLoadsFromStream(t *testing.T) {
	raw := make([]byte, 4*1024)
	raw[1024] = 0xAB
	stream := bytesextra.NewReadWriteSeeker(raw)
	dev := blockdev.New(stream, 1024, 4)

	handle, err := dev.GetBlock(1)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), handle.Data[0])
}

func TestWriteThenSyncReachesStream(t *testing.T) {
	raw := make([]byte, 2*1024)
	stream := bytesextra.NewReadWriteSeeker(raw)
	dev := blockdev.New(stream, 1024, 2)

	handle, err := dev.GetBlock(0)
	require.NoError(t, err)
	handle.Data[5] = 0x42
	handle.MarkDirty()

	require.NoError(t, handle.Sync())
	assert.Equal(t, byte(0x42), raw[5])
}

func TestFlushAllWritesEveryDirtyBlock(t *testing.T) {
	raw := make([]byte, 3*1024)
	stream := bytesextra.NewReadWriteSeeker(raw)
	dev := blockdev.New(stream, 1024, 3)

	h0, err := dev.GetBlock(0)
	require.NoError(t, err)
	h0.Data[0] = 1
	h0.MarkDirty()

	h2, err := dev.GetBlock(2)
	require.NoError(t, err)
	h2.Data[0] = 2
	h2.MarkDirty()

	require.NoError(t, dev.FlushAll())
	assert.Equal(t, byte(1), raw[0])
	assert.Equal(t, byte(2), raw[2*1024])
}

func TestZeroBlockDoesNotReadStream(t *testing.T) {
	raw := make([]byte, 1024)
	raw[0] = 0xFF
	stream := bytesextra.NewReadWriteSeeker(raw)
	dev := blockdev.New(stream, 1024, 1)

	handle, err := dev.ZeroBlock(0)
	require.NoError(t, err)
	assert.Equal(t, byte(0), handle.Data[0])
}

func TestGetBlockOutOfRangeIsIOError(t *testing.T) {
	raw := make([]byte, 1024)
	stream := bytesextra.NewReadWriteSeeker(raw)
	dev := blockdev.New(stream, 1024, 1)

	_, err := dev.GetBlock(5)
	assert.ErrorIs(t, err, errors.ErrIO)
}
