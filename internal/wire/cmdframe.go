// File: internal/wire/cmdframe.go
//
// The 64-byte command-queue admin frame:
//
//	{u16 cmd, u16 flags, u16 qid, u16 el_count, u16 vector_or_cq, u16 name_len,
//	 char name[32], u64 addr, u64 length, ...reserved to 64 bytes}

package wire

import "encoding/binary"

// CmdFrameSize is the encoded size of one command frame.
const CmdFrameSize = 64

// MaxCmdNameLen is the capacity of the embedded name field.
const MaxCmdNameLen = 32

// Command identifies the admin operation a frame requests.
type Command uint16

const (
	CommandRegisterMemoryQueue Command = iota + 1
	CommandUnregisterMemoryQueue
	CommandFlushMemoryQueue
)

// CmdFrame is the decoded form of a command frame.
type CmdFrame struct {
	Cmd        Command
	Flags      uint16
	QID        uint16
	ElCount    uint16
	VectorOrCQ uint16
	Name       string
	Addr       uint64
	Length     uint64
}

// PutCmdFrame encodes f into buf[:CmdFrameSize]. Name is truncated to
// MaxCmdNameLen bytes if longer.
func PutCmdFrame(buf []byte, f CmdFrame) {
	_ = buf[CmdFrameSize-1]
	for i := range buf[:CmdFrameSize] {
		buf[i] = 0
	}
	name := f.Name
	if len(name) > MaxCmdNameLen {
		name = name[:MaxCmdNameLen]
	}
	binary.LittleEndian.PutUint16(buf[0:2], uint16(f.Cmd))
	binary.LittleEndian.PutUint16(buf[2:4], f.Flags)
	binary.LittleEndian.PutUint16(buf[4:6], f.QID)
	binary.LittleEndian.PutUint16(buf[6:8], f.ElCount)
	binary.LittleEndian.PutUint16(buf[8:10], f.VectorOrCQ)
	binary.LittleEndian.PutUint16(buf[10:12], uint16(len(name)))
	copy(buf[12:12+MaxCmdNameLen], name)
	binary.LittleEndian.PutUint64(buf[44:52], f.Addr)
	binary.LittleEndian.PutUint64(buf[52:60], f.Length)
}

// GetCmdFrame decodes buf[:CmdFrameSize].
func GetCmdFrame(buf []byte) CmdFrame {
	_ = buf[CmdFrameSize-1]
	nameLen := binary.LittleEndian.Uint16(buf[10:12])
	if int(nameLen) > MaxCmdNameLen {
		nameLen = MaxCmdNameLen
	}
	return CmdFrame{
		Cmd:        Command(binary.LittleEndian.Uint16(buf[0:2])),
		Flags:      binary.LittleEndian.Uint16(buf[2:4]),
		QID:        binary.LittleEndian.Uint16(buf[4:6]),
		ElCount:    binary.LittleEndian.Uint16(buf[6:8]),
		VectorOrCQ: binary.LittleEndian.Uint16(buf[8:10]),
		Name:       string(buf[12 : 12+int(nameLen)]),
		Addr:       binary.LittleEndian.Uint64(buf[44:52]),
		Length:     binary.LittleEndian.Uint64(buf[52:60]),
	}
}
