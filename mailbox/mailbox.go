// File: mailbox/mailbox.go
// Package mailbox implements the single-flight bring-up handshake
// channel: four 32-bit registers at a send offset and a symmetrical
// reply offset with a reply counter, used once at startup to negotiate a
// firmware protocol version and to register the primary command queue pair.
package mailbox

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/mcmrarm/bce-transport/api"
	"github.com/mcmrarm/bce-transport/internal/wire"
)

// Register offsets within the mailbox register window: four consecutive
// 32-bit registers at the send offset, four more at the reply offset,
// and a reply counter. Exported so a simulated platform adapter
// (platform.SimDevice) can observe the same offsets the real device
// would.
const (
	SendRegOffset    = 0x208 * 4
	ReplyRegOffset   = 0x204 * 4
	ReplyCountOffset = 0x42 * 4
)

// Mailbox is a single-flight request/reply channel. At most one caller
// holds the slot at any time; the interrupt path writes the reply then
// signals completion, never the reverse.
type Mailbox struct {
	regs api.RegisterWindow

	taken atomic.Bool

	mu      sync.Mutex
	replyCh chan uint64 // in-flight reply channel; nil when no send is outstanding
}

// New constructs a Mailbox bound to the given register window. The caller
// (device bring-up) is responsible for routing the mailbox reply interrupt
// to OnInterrupt.
func New(regs api.RegisterWindow) *Mailbox {
	return &Mailbox{regs: regs}
}

// Send performs the single-flight handshake:
//  1. CAS the slot-taken flag 0->1, failing fast with Busy if held.
//  2. Arm a fresh one-shot completion channel.
//  3. Write the 64-bit message, low half first, then high half, then two
//     zero words.
//  4. Block on completion, respecting ctx's deadline/cancellation.
//  5. Return the reply and release the slot.
func (mb *Mailbox) Send(ctx context.Context, typ wire.MailboxType, value uint64) (uint64, error) {
	if !mb.taken.CompareAndSwap(false, true) {
		return 0, api.ErrBusy("mailbox slot already held")
	}
	defer mb.taken.Store(false)

	ch := make(chan uint64, 1)
	mb.mu.Lock()
	mb.replyCh = ch
	mb.mu.Unlock()
	defer func() {
		mb.mu.Lock()
		mb.replyCh = nil
		mb.mu.Unlock()
	}()

	msg := wire.EncodeMailboxMessage(typ, value)
	mb.regs.WriteReg32(SendRegOffset, uint32(msg))
	mb.regs.WriteReg32(SendRegOffset+4, uint32(msg>>32))
	mb.regs.WriteReg32(SendRegOffset+8, 0)
	mb.regs.WriteReg32(SendRegOffset+12, 0)

	select {
	case recv := <-ch:
		return recv, nil
	case <-ctx.Done():
		return 0, translateCtxErr(ctx)
	}
}

func translateCtxErr(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return api.ErrTimeout("mailbox send timed out")
	}
	return api.ErrAborted("mailbox send canceled")
}

// OnInterrupt is the mailbox reply IRQ callback the platform adapter MUST
// route to. It reads the reply counter, drains that many replies, and
// delivers the last one to whichever Send call is currently parked.
// Spurious interrupts (counter==0) are a no-op. Never blocks, as required
// of IRQ-context code.
func (mb *Mailbox) OnInterrupt() {
	count := mb.regs.ReadReg32(ReplyCountOffset)
	if count == 0 {
		return
	}
	var last uint64
	for i := uint32(0); i < count; i++ {
		lo := mb.regs.ReadReg32(ReplyRegOffset)
		hi := mb.regs.ReadReg32(ReplyRegOffset + 4)
		mb.regs.ReadReg32(ReplyRegOffset + 8)
		mb.regs.ReadReg32(ReplyRegOffset + 12)
		last = (uint64(hi) << 32) | uint64(lo)
	}

	mb.mu.Lock()
	ch := mb.replyCh
	mb.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- last:
	default:
	}
}

// SendAndExpectType performs Send and additionally validates that the
// reply's decoded type equals the request's. The firmware answers every
// bring-up message with a matching type; anything else is a fatal
// protocol desync.
func (mb *Mailbox) SendAndExpectType(ctx context.Context, typ wire.MailboxType, value uint64) (uint64, error) {
	recv, err := mb.Send(ctx, typ, value)
	if err != nil {
		return 0, err
	}
	gotType, gotValue := wire.DecodeMailboxMessage(recv)
	if gotType != typ {
		return 0, api.ErrProtocolDesync("mailbox reply type mismatch").
			WithContext("sent_type", typ).
			WithContext("got_type", gotType)
	}
	return gotValue, nil
}
