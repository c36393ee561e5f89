// File: internal/wire/completion.go
//
// The completion-entry layout a CQ ring holds:
//
//	{u64 data_size, u64 result, u16 qid, u16 completion_index, u16 status, u16 flags}
//
// flags high bit (0x8000) is the pending marker a consumer polls before
// touching the rest of the entry.

package wire

import "encoding/binary"

// CompletionEntrySize is the encoded size of one completion entry.
const CompletionEntrySize = 24

// CompletionPendingFlag is the high bit of the flags field.
const CompletionPendingFlag uint16 = 0x8000

// CompletionEntry is the decoded form of a completion entry.
type CompletionEntry struct {
	DataSize        uint64
	Result          uint64
	QID             uint16
	CompletionIndex uint16
	Status          uint16
	Flags           uint16
}

// Pending reports whether the pending flag is set.
func (c CompletionEntry) Pending() bool {
	return c.Flags&CompletionPendingFlag != 0
}

// GetCompletionEntry decodes buf[:CompletionEntrySize].
func GetCompletionEntry(buf []byte) CompletionEntry {
	_ = buf[CompletionEntrySize-1]
	return CompletionEntry{
		DataSize:        binary.LittleEndian.Uint64(buf[0:8]),
		Result:          binary.LittleEndian.Uint64(buf[8:16]),
		QID:             binary.LittleEndian.Uint16(buf[16:18]),
		CompletionIndex: binary.LittleEndian.Uint16(buf[18:20]),
		Status:          binary.LittleEndian.Uint16(buf[20:22]),
		Flags:           binary.LittleEndian.Uint16(buf[22:24]),
	}
}

// PutCompletionEntry encodes c into buf[:CompletionEntrySize]. Used only by
// the simulated platform adapter / test harness — the real device writes
// this layout, the host never does.
func PutCompletionEntry(buf []byte, c CompletionEntry) {
	_ = buf[CompletionEntrySize-1]
	binary.LittleEndian.PutUint64(buf[0:8], c.DataSize)
	binary.LittleEndian.PutUint64(buf[8:16], c.Result)
	binary.LittleEndian.PutUint16(buf[16:18], c.QID)
	binary.LittleEndian.PutUint16(buf[18:20], c.CompletionIndex)
	binary.LittleEndian.PutUint16(buf[20:22], c.Status)
	binary.LittleEndian.PutUint16(buf[22:24], c.Flags)
}

// PutCompletionFlags writes only the flags field — used by the drain path
// to zero flags after consuming an entry without
// re-encoding the rest.
func PutCompletionFlags(buf []byte, flags uint16) {
	_ = buf[CompletionEntrySize-1]
	binary.LittleEndian.PutUint16(buf[22:24], flags)
}
