// File: internal/wire/memcfg.go
//
// The memory-queue registration descriptor: a device-readable struct
// published at registration time so the device learns a ring's DMA
// location and shape. Wire layout:
//
//	{u16 qid, u16 el_count, u16 vector_or_cq, u16 pad, u64 addr, u64 length}
//
// All multi-byte fields are little-endian; the device's PCIe link is
// little-endian-native.

package wire

import "encoding/binary"

// MemcfgSize is the encoded size of a memory-queue registration descriptor.
const MemcfgSize = 24

// Memcfg is the decoded form of the registration descriptor.
type Memcfg struct {
	QID        uint16
	ElCount    uint16
	VectorOrCQ uint16
	Addr       uint64
	Length     uint64
}

// PutMemcfg encodes m into buf[:MemcfgSize]. Panics if buf is too short,
// matching the package's "caller owns the backing DMA memory" convention.
func PutMemcfg(buf []byte, m Memcfg) {
	_ = buf[MemcfgSize-1]
	binary.LittleEndian.PutUint16(buf[0:2], m.QID)
	binary.LittleEndian.PutUint16(buf[2:4], m.ElCount)
	binary.LittleEndian.PutUint16(buf[4:6], m.VectorOrCQ)
	binary.LittleEndian.PutUint16(buf[6:8], 0) // pad
	binary.LittleEndian.PutUint64(buf[8:16], m.Addr)
	binary.LittleEndian.PutUint64(buf[16:24], m.Length)
}

// GetMemcfg decodes buf[:MemcfgSize] into a Memcfg value.
func GetMemcfg(buf []byte) Memcfg {
	_ = buf[MemcfgSize-1]
	return Memcfg{
		QID:        binary.LittleEndian.Uint16(buf[0:2]),
		ElCount:    binary.LittleEndian.Uint16(buf[2:4]),
		VectorOrCQ: binary.LittleEndian.Uint16(buf[4:6]),
		Addr:       binary.LittleEndian.Uint64(buf[8:16]),
		Length:     binary.LittleEndian.Uint64(buf[16:24]),
	}
}
