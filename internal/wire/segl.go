// File: internal/wire/segl.go
//
// Segment-list page layout. A segment-list page is a
// header followed by packed (addr, length) elements filling the rest of
// the page:
//
//	{u32 element_count, [4 reserved], u64 data_size, u64 next_segl_addr, u64 next_segl_length}
//	then packed {u64 addr, u64 length} elements
//
// The header is padded to 32 bytes so the element array that follows stays
// 8-byte aligned regardless of page size.

package wire

import "encoding/binary"

// SeglHeaderSize is the encoded size of a segment-list page header.
const SeglHeaderSize = 32

// SeglElementSize is the encoded size of one (addr, length) element.
const SeglElementSize = 16

// SeglHeader is the decoded form of a segment-list page header.
type SeglHeader struct {
	ElementCount   uint32
	DataSize       uint64
	NextSeglAddr   uint64
	NextSeglLength uint64
}

// PutSeglHeader encodes h into buf[:SeglHeaderSize].
func PutSeglHeader(buf []byte, h SeglHeader) {
	_ = buf[SeglHeaderSize-1]
	binary.LittleEndian.PutUint32(buf[0:4], h.ElementCount)
	binary.LittleEndian.PutUint32(buf[4:8], 0) // reserved
	binary.LittleEndian.PutUint64(buf[8:16], h.DataSize)
	binary.LittleEndian.PutUint64(buf[16:24], h.NextSeglAddr)
	binary.LittleEndian.PutUint64(buf[24:32], h.NextSeglLength)
}

// GetSeglHeader decodes buf[:SeglHeaderSize].
func GetSeglHeader(buf []byte) SeglHeader {
	_ = buf[SeglHeaderSize-1]
	return SeglHeader{
		ElementCount:   binary.LittleEndian.Uint32(buf[0:4]),
		DataSize:       binary.LittleEndian.Uint64(buf[8:16]),
		NextSeglAddr:   binary.LittleEndian.Uint64(buf[16:24]),
		NextSeglLength: binary.LittleEndian.Uint64(buf[24:32]),
	}
}

// PutSeglElement encodes one (addr, length) pair at element index i within
// a page (i.e. at byte offset SeglHeaderSize + i*SeglElementSize).
func PutSeglElement(buf []byte, i int, addr, length uint64) {
	PutSeglElementRaw(buf, SeglHeaderSize+i*SeglElementSize, addr, length)
}

// PutSeglElementRaw encodes one (addr, length) pair at an explicit byte
// offset, with no implicit header offset. Used when writing into a page
// that extends a previous page's header via continuity folding rather
// than carrying a header of its own.
func PutSeglElementRaw(buf []byte, off int, addr, length uint64) {
	_ = buf[off+SeglElementSize-1]
	binary.LittleEndian.PutUint64(buf[off:off+8], addr)
	binary.LittleEndian.PutUint64(buf[off+8:off+16], length)
}

// GetSeglElement decodes the (addr, length) pair at element index i.
func GetSeglElement(buf []byte, i int) (addr, length uint64) {
	return GetSeglElementRaw(buf, SeglHeaderSize+i*SeglElementSize)
}

// GetSeglElementRaw decodes the (addr, length) pair at an explicit byte
// offset, the counterpart to PutSeglElementRaw for header-less
// continuation pages.
func GetSeglElementRaw(buf []byte, off int) (addr, length uint64) {
	_ = buf[off+SeglElementSize-1]
	addr = binary.LittleEndian.Uint64(buf[off : off+8])
	length = binary.LittleEndian.Uint64(buf[off+8 : off+16])
	return
}

// SeglElementsPerPage returns how many (addr, length) elements fit in a
// page of the given size after the header.
func SeglElementsPerPage(pageSize int) int {
	return (pageSize - SeglHeaderSize) / SeglElementSize
}
