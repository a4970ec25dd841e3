// Package dirent implements TFS's directory engine: linear-scan lookup,
// free-slot discovery, link installation, default "."/".." population, and
// cookie-based readdir streaming, grounded on original_source/driver/dir.c
// (tfs_lookup, tfs_find_dentry, tfs_new_default_dentry, tfs_readdir) and on
// the teacher's drivers/unixv1/dirents.go for the fixed-width RawDentry
// marshaling idiom.
package dirent

import (
	"github.com/shoily/tfs/errors"
	"github.com/shoily/tfs/inode"
	"github.com/shoily/tfs/ondisk"
	"github.com/shoily/tfs/pagecache"
)

// Directory entry type tags, stored in RawDentry.Type. TypeUnknown marks a
// free slot; readdir skips it.
const (
	TypeUnknown = iota
	TypeRegular
	TypeDirectory
	TypeLink
	TypeFIFO
	TypeChar
	TypeBlock
	TypeSocket
)

// TypeFromMode derives a dentry type tag from an inode mode's type bits.
func TypeFromMode(mode uint32) uint32 {
	switch mode & ondisk.ModeTypeMask {
	case ondisk.ModeRegular:
		return TypeRegular
	case ondisk.ModeDir:
		return TypeDirectory
	case ondisk.ModeLink:
		return TypeLink
	case ondisk.ModeFIFO:
		return TypeFIFO
	case ondisk.ModeChar:
		return TypeChar
	case ondisk.ModeBlock:
		return TypeBlock
	case ondisk.ModeSocket:
		return TypeSocket
	default:
		return TypeUnknown
	}
}

func pageCountForSize(size uint64) int64 {
	return int64((size + ondisk.BlockSize - 1) / ondisk.BlockSize)
}

// Slot identifies one directory-entry-sized position within a directory's
// data: a page index and a byte offset within that page.
type Slot struct {
	Page   int64
	Offset int
}

// Lookup scans dirSize bytes of directory data for a dentry named `name`,
// returning its inode number. The second return is false (not an error) if
// no entry matches, matching the source driver's tfs_lookup semantics: a
// miss is not a failure, it's an empty result to hand back up to the
// caller's own inode-cache resolution step.
func Lookup(pager *pagecache.Pager, dirSize uint64, name string) (inode.Number, bool, error) {
	if len(name) > ondisk.DentryNameLen {
		return 0, false, errors.ErrNameTooLong
	}

	pageCount := pageCountForSize(dirSize)
	for p := int64(0); p < pageCount; p++ {
		page, err := pager.ReadPage(p)
		if err != nil {
			return 0, false, err
		}
		for off := 0; off+ondisk.DentrySize <= len(page); off += ondisk.DentrySize {
			var raw ondisk.RawDentry
			if err := raw.UnmarshalBinary(page[off : off+ondisk.DentrySize]); err != nil {
				return 0, false, errors.ErrIO.WrapError(err)
			}
			if raw.Inode == 0 {
				continue
			}
			if int(raw.Len) == len(name) && string(raw.Name[:raw.Len]) == name {
				return inode.Number(raw.Inode), true, nil
			}
		}
	}
	return 0, false, nil
}

// SlotOutcome reports what FindSlot discovered.
type SlotOutcome int

const (
	// SlotFound means Slot is a free position usable for a new entry.
	SlotFound SlotOutcome = iota
	// SlotExists means an entry already named `name` was found at Slot.
	SlotExists
	// SlotNoSpace means every existing page is full and no entry matched.
	SlotNoSpace
)

// FindSlot scans dirSize bytes of directory data for a dentry named `name`.
// It records the first empty slot it sees; if no later page holds a match,
// that empty slot is returned with SlotFound. If a match is found first, its
// slot is returned with SlotExists (callers treat this as a conflict, not a
// location to write to). If neither a match nor an empty slot exists,
// SlotNoSpace is returned: the directory's current pages are full and
// growing it is the caller's responsibility.
func FindSlot(pager *pagecache.Pager, dirSize uint64, name string) (Slot, SlotOutcome, error) {
	if len(name) > ondisk.DentryNameLen {
		return Slot{}, 0, errors.ErrNameTooLong
	}

	pageCount := pageCountForSize(dirSize)
	var firstEmpty Slot
	haveEmpty := false

	for p := int64(0); p < pageCount; p++ {
		page, err := pager.ReadPage(p)
		if err != nil {
			return Slot{}, 0, err
		}
		for off := 0; off+ondisk.DentrySize <= len(page); off += ondisk.DentrySize {
			var raw ondisk.RawDentry
			if err := raw.UnmarshalBinary(page[off : off+ondisk.DentrySize]); err != nil {
				return Slot{}, 0, errors.ErrIO.WrapError(err)
			}
			if raw.Inode == 0 {
				if !haveEmpty {
					firstEmpty = Slot{Page: p, Offset: off}
					haveEmpty = true
				}
				continue
			}
			if int(raw.Len) == len(name) && string(raw.Name[:raw.Len]) == name {
				return Slot{Page: p, Offset: off}, SlotExists, nil
			}
		}
	}

	if haveEmpty {
		return firstEmpty, SlotFound, nil
	}
	return Slot{}, SlotNoSpace, nil
}

// SetLink writes a dentry naming childIno at slot within dir's data,
// synchronously, and bumps dir's ctime/mtime. It does not grow dir's
// recorded size; callers extending a directory onto a fresh page are
// expected to have done so (or to do so) via the pager's WriteEnd.
func SetLink(pager *pagecache.Pager, dir *inode.Extension, slot Slot, childMode uint32, childIno inode.Number, name string) error {
	if len(name) > ondisk.DentryNameLen {
		return errors.ErrNameTooLong
	}

	handle, err := pager.WriteBegin(slot.Page)
	if err != nil {
		return err
	}

	raw := ondisk.RawDentry{
		Type:  TypeFromMode(childMode),
		Inode: uint32(childIno),
		Len:   uint32(len(name)),
	}
	copy(raw.Name[:], name)
	encoded, err := raw.MarshalBinary()
	if err != nil {
		return errors.ErrIO.WrapError(err)
	}
	copy(handle.Data[slot.Offset:slot.Offset+ondisk.DentrySize], encoded)

	if err := pager.CommitWrite(handle, true); err != nil {
		return err
	}

	now := ondisk.Now()
	dir.CTime = now
	dir.MTime = now
	dir.MarkDirty()
	return nil
}

// NewDefaultDentries zeroes page 0 of a freshly created directory's data
// and writes its "." and ".." entries, pointing at child and parent
// respectively, following original_source/driver/dir.c's
// tfs_new_default_dentry.
func NewDefaultDentries(pager *pagecache.Pager, childMode uint32, child, parent inode.Number) error {
	handle, err := pager.WriteBegin(0)
	if err != nil {
		return err
	}
	for i := range handle.Data {
		handle.Data[i] = 0
	}

	dot := ondisk.RawDentry{Type: TypeFromMode(childMode), Inode: uint32(child), Len: 1}
	copy(dot.Name[:], ".")
	dotBytes, err := dot.MarshalBinary()
	if err != nil {
		return errors.ErrIO.WrapError(err)
	}
	copy(handle.Data[0:ondisk.DentrySize], dotBytes)

	dotdot := ondisk.RawDentry{Type: TypeDirectory, Inode: uint32(parent), Len: 2}
	copy(dotdot.Name[:], "..")
	dotdotBytes, err := dotdot.MarshalBinary()
	if err != nil {
		return errors.ErrIO.WrapError(err)
	}
	copy(handle.Data[ondisk.DentrySize:2*ondisk.DentrySize], dotdotBytes)

	return pager.CommitWrite(handle, true)
}

// Entry is one directory entry surfaced by ReadDir.
type Entry struct {
	Name   string
	Inode  inode.Number
	Type   uint32
	Cookie uint64
}

// ReadDir streams directory entries starting at byte offset pos (typically
// a cookie returned by a previous call), invoking yield for each non-
// TypeUnknown entry. yield returns false to stop early (e.g. the caller's
// result buffer is full). ReadDir returns the position to resume from on
// the next call, encoded the same way original_source/driver/dir.c encodes
// f_pos: entries advance by exactly DentrySize bytes regardless of type, so
// a resumed scan never re-visits or skips a slot.
func ReadDir(pager *pagecache.Pager, dirSize uint64, pos uint64, yield func(Entry) bool) (uint64, error) {
	for pos < dirSize {
		pageIndex := int64(pos / ondisk.BlockSize)
		offset := int(pos % ondisk.BlockSize)

		page, err := pager.ReadPage(pageIndex)
		if err != nil {
			return pos, err
		}

		for offset+ondisk.DentrySize <= len(page) && pos < dirSize {
			var raw ondisk.RawDentry
			if err := raw.UnmarshalBinary(page[offset : offset+ondisk.DentrySize]); err != nil {
				return pos, errors.ErrIO.WrapError(err)
			}

			cookie := (uint64(pageIndex) << ondisk.PageShift) | uint64(offset)
			pos += ondisk.DentrySize
			offset += ondisk.DentrySize

			if raw.Type == TypeUnknown {
				continue
			}

			entry := Entry{
				Name:   string(raw.Name[:raw.Len]),
				Inode:  inode.Number(raw.Inode),
				Type:   raw.Type,
				Cookie: cookie,
			}
			if !yield(entry) {
				return pos, nil
			}
		}
	}
	return pos, nil
}
