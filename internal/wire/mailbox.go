// File: internal/wire/mailbox.go
//
// Bit-packed mailbox payload encode/decode. Dedicated functions with
// explicit width constants rather than overloaded arithmetic operators
// that would hide the bit layout.

package wire

// MailboxType is the 6-bit message type carried in the high bits of a
// mailbox payload.
type MailboxType uint8

const (
	MailboxRegisterCommandSQ    MailboxType = 0x7 // to-device
	MailboxRegisterCommandCQ    MailboxType = 0x8 // to-device
	MailboxRegisterQueueReply   MailboxType = 0xA // to-host
	MailboxSetFWProtocolVersion MailboxType = 0xC // both directions
)

const (
	mailboxTypeShift = 58
	mailboxValueMask = (uint64(1) << mailboxTypeShift) - 1
)

// EncodeMailboxMessage packs a (type, value) pair into the 64-bit mailbox
// payload: type in bits [63:58], value in bits [57:0].
func EncodeMailboxMessage(typ MailboxType, value uint64) uint64 {
	return (uint64(typ) << mailboxTypeShift) | (value & mailboxValueMask)
}

// DecodeMailboxMessage splits a 64-bit mailbox payload back into its type
// and value.
func DecodeMailboxMessage(msg uint64) (typ MailboxType, value uint64) {
	return MailboxType(msg >> mailboxTypeShift), msg & mailboxValueMask
}
