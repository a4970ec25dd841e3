// Package ondisk defines TFS's on-disk structures: the superblock, the
// fixed-size inode record, and the fixed-size directory entry, along with
// their little-endian marshaling, following the same binary.Write/Read over
// byte buffers style the teacher uses in file_systems/unixv1/format.go and
// drivers/unixv1/inode.go.
package ondisk

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	tfserrors "github.com/shoily/tfs/errors"
)

// Fundamental geometry constants, fixed for every TFS image.
const (
	BlockSize               = 1024
	InodeSize               = 64
	InodeSizeShift           = 6 // log2(InodeSize)
	DirectBlocksPerInode    = 4
	DentryNameLen           = 20
	DentrySize              = 32
	IndirectPointersPerBlock = BlockSize / 4 // 256
	Magic                   = 0x1234
	RootIno                 = 1
	MaxMountCount           = 100
	pageShift               = 10 // log2(BlockSize), directory cookie encoding
)

// PageShift exposes the directory page-cookie shift used by the dirent
// package to build (page<<PageShift)|offset cookies.
const PageShift = pageShift

// Inode mode type bits, POSIX-flavored, matching the vocabulary the teacher
// uses in flags.go (S_IFDIR et al.) but scoped to what TFS actually needs.
const (
	ModeFIFO     = 0o010000
	ModeChar     = 0o020000
	ModeDir      = 0o040000
	ModeBlock    = 0o060000
	ModeRegular  = 0o100000
	ModeLink     = 0o120000
	ModeSocket   = 0o140000
	ModeTypeMask = 0o170000
	ModePermMask = 0o007777
)

// Now returns the current time encoded the way inode timestamps are stored:
// seconds since the Unix epoch, truncated to 32 bits.
func Now() uint32 {
	return uint32(time.Now().Unix())
}

// Superblock is the first metadata block of a TFS image (block 0 is unused/reserved
// for a boot sector; the superblock occupies block 1, mirroring the
// teacher's convention of a dedicated superblock block separate from boot
// code). All fields are little-endian uint32.
type Superblock struct {
	Magic                 uint32
	InodeBitmapBlocks     uint32
	DataBitmapBlocks      uint32
	InodeTableEntries     uint32
	InodeTableBlocks      uint32
	DataBlocksPerInode    uint32
	Size                  uint32 // total blocks in the image
	MountCount            uint32
	MaxMountCount         uint32
	InodeBitmapBlockStart uint32
	DataBitmapBlockStart  uint32
	InodeTableBlockStart  uint32
	RootDirDataBlockStart uint32
	TmpDirDataBlockStart  uint32
	ReserveDataBlockStart uint32
	DataBlockStart        uint32
}

// MarshalBinary serializes the superblock into a BlockSize-sized, zero
// padded buffer.
func (s *Superblock) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	fields := s.fields()
	for _, f := range fields {
		if err := binary.Write(buf, binary.LittleEndian, f); err != nil {
			return nil, err
		}
	}
	out := make([]byte, BlockSize)
	copy(out, buf.Bytes())
	return out, nil
}

// UnmarshalBinary reads a superblock from a BlockSize-sized buffer.
func (s *Superblock) UnmarshalBinary(data []byte) error {
	reader := bytes.NewReader(data)
	for _, f := range s.fields() {
		if err := binary.Read(reader, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	return nil
}

func (s *Superblock) fields() []*uint32 {
	return []*uint32{
		&s.Magic,
		&s.InodeBitmapBlocks,
		&s.DataBitmapBlocks,
		&s.InodeTableEntries,
		&s.InodeTableBlocks,
		&s.DataBlocksPerInode,
		&s.Size,
		&s.MountCount,
		&s.MaxMountCount,
		&s.InodeBitmapBlockStart,
		&s.DataBitmapBlockStart,
		&s.InodeTableBlockStart,
		&s.RootDirDataBlockStart,
		&s.TmpDirDataBlockStart,
		&s.ReserveDataBlockStart,
		&s.DataBlockStart,
	}
}

// Validate checks the superblock's magic and region layout: every region
// must be non-overlapping and laid out in the order bitmap, bitmap, table,
// then the three reserved data-block markers, then the general data pool,
// all within the image's total block count.
func (s *Superblock) Validate() error {
	if s.Magic != Magic {
		return corruptedf("bad magic: got 0x%x, want 0x%x", s.Magic, uint32(Magic))
	}
	if s.MaxMountCount != MaxMountCount {
		return corruptedf("bad max_mount_count: got %d, want %d", s.MaxMountCount, uint32(MaxMountCount))
	}

	inodeBitmapEnd := s.InodeBitmapBlockStart + s.InodeBitmapBlocks
	if inodeBitmapEnd > s.DataBitmapBlockStart {
		return corruptedf("inode bitmap region overlaps data bitmap region")
	}
	dataBitmapEnd := s.DataBitmapBlockStart + s.DataBitmapBlocks
	if dataBitmapEnd > s.InodeTableBlockStart {
		return corruptedf("data bitmap region overlaps inode table region")
	}
	inodeTableEnd := s.InodeTableBlockStart + s.InodeTableBlocks
	if inodeTableEnd > s.RootDirDataBlockStart {
		return corruptedf("inode table region overlaps root directory region")
	}
	if s.RootDirDataBlockStart > s.TmpDirDataBlockStart {
		return corruptedf("root dir block start after tmp dir block start")
	}
	if s.TmpDirDataBlockStart > s.ReserveDataBlockStart {
		return corruptedf("tmp dir block start after reserve block start")
	}
	if s.ReserveDataBlockStart > s.DataBlockStart {
		return corruptedf("reserve block start after data block start")
	}
	if s.DataBlockStart > s.Size {
		return corruptedf("data block start beyond device size")
	}
	expectedEntries := s.InodeTableBlocks * (BlockSize / InodeSize)
	if s.InodeTableEntries > expectedEntries {
		return corruptedf("inode table entries %d exceed capacity %d of %d blocks", s.InodeTableEntries, expectedEntries, s.InodeTableBlocks)
	}
	return nil
}

func corruptedf(format string, args ...any) error {
	return tfserrors.ErrFileSystemCorrupted.WithMessage(fmt.Sprintf(format, args...))
}

// RawInode is the fixed 64-byte on-disk inode record: mode, ownership,
// timestamps, link count, size, block count, up to 4 direct block pointers,
// one single-indirect block pointer, and 8 bytes of padding, matching
// drivers/unixv1/inode.go's RawInode layout generalized to TFS's field set.
type RawInode struct {
	Mode          uint32
	UID           uint32
	GID           uint32
	CTime         uint32
	MTime         uint32
	ATime         uint32
	HardLinkCount uint32
	Size          uint32
	Blocks        uint32
	DataBlocks    [DirectBlocksPerInode]uint32
	RootIndirect  uint32
	Pad           [8]byte
}

// MarshalBinary serializes the inode to exactly InodeSize bytes.
func (r *RawInode) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary reads an inode record from an InodeSize-length slice.
func (r *RawInode) UnmarshalBinary(data []byte) error {
	return binary.Read(bytes.NewReader(data), binary.LittleEndian, r)
}

// RawDentry is the fixed 32-byte directory entry: a file-type tag, the
// inode number, the name length, and a 20-byte name field, following
// drivers/unixv1/dirents.go's RawDirent layout generalized to TFS's fixed
// name length.
type RawDentry struct {
	Type  uint32
	Inode uint32
	Len   uint32
	Name  [DentryNameLen]byte
}

// MarshalBinary serializes the dentry to exactly DentrySize bytes.
func (d *RawDentry) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, d); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary reads a dentry record from a DentrySize-length slice.
func (d *RawDentry) UnmarshalBinary(data []byte) error {
	return binary.Read(bytes.NewReader(data), binary.LittleEndian, d)
}
