package inode

import "encoding/binary"

// readIndirectEntry and writeIndirectEntry access the index'th u32 pointer
// within an indirect block's raw bytes, little-endian, avoiding an unsafe
// slice-of-uint32 cast over the buffer.
func readIndirectEntry(data []byte, index int64) uint32 {
	return binary.LittleEndian.Uint32(data[index*4 : index*4+4])
}

func writeIndirectEntry(data []byte, index int64, value uint32) {
	binary.LittleEndian.PutUint32(data[index*4:index*4+4], value)
}
