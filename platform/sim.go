// File: platform/sim.go
//
// SimDevice plays the co-processor's role against a pair of
// SimRegisterWindows: it answers mailbox sends and turns SQ doorbell
// writes into completion entries, in FIFO submission order, exactly as
// the real device's ordering guarantee requires. It backs SimPlatform,
// the reference api.Platform used by tests, cmd/bcectl, and nothing
// production-shaped — a real platform adapter talks to actual silicon
// instead.
package platform

import (
	"sync"

	"github.com/mcmrarm/bce-transport/api"
	"github.com/mcmrarm/bce-transport/fabric"
	"github.com/mcmrarm/bce-transport/internal/wire"
	"github.com/mcmrarm/bce-transport/mailbox"
)

// SimDevice simulates both halves of the external interface a Platform
// must provide: the mailbox register protocol and the DMA completion
// protocol.
type SimDevice struct {
	mailboxRegs *SimRegisterWindow
	dmaRegs     *SimRegisterWindow

	mailboxSink func() // routed to mailbox.Mailbox.OnInterrupt
	dmaSink     func() // routed to fabric.Fabric.OnCompletionInterrupt

	mu            sync.Mutex
	replyType     wire.MailboxType // type the device echoes back; 0 means "echo request type"
	forceReplyTyp bool

	bindings map[api.QID]*simBinding
}

type simBinding struct {
	cq       *fabric.CQ
	elCount  uint32
	lastTail uint32
	nextIdx  uint32
}

// NewSimDevice wires a SimDevice to a pair of fresh register windows. The
// caller must route MailboxRegs()/DMARegs() into mailbox.New/fabric.New
// and hand the mailbox and completion interrupt callbacks to
// SetInterruptSinks; observing mailbox and doorbell writes is already
// wired internally (onMailboxWrite, onDMAWrite).
func NewSimDevice() *SimDevice {
	d := &SimDevice{
		mailboxRegs: NewSimRegisterWindow(),
		dmaRegs:     NewSimRegisterWindow(),
		bindings:    make(map[api.QID]*simBinding),
	}
	d.mailboxRegs.OnWrite(d.onMailboxWrite)
	d.dmaRegs.OnWrite(d.onDMAWrite)
	return d
}

// MailboxRegs returns the simulated mailbox register window.
func (d *SimDevice) MailboxRegs() *SimRegisterWindow { return d.mailboxRegs }

// DMARegs returns the simulated DMA register window.
func (d *SimDevice) DMARegs() *SimRegisterWindow { return d.dmaRegs }

// SetInterruptSinks tells the device which callbacks to invoke after
// producing a mailbox reply or a completion entry, standing in for the
// platform adapter's IRQ routing.
func (d *SimDevice) SetInterruptSinks(mailboxInterrupt, completionInterrupt func()) {
	d.mu.Lock()
	d.mailboxSink = mailboxInterrupt
	d.dmaSink = completionInterrupt
	d.mu.Unlock()
}

// ForceMailboxReplyType makes every mailbox reply carry typ regardless of
// the request's type, for exercising a handshake type
// mismatch. Call with 0 to go back to echoing the request type.
func (d *SimDevice) ForceMailboxReplyType(typ wire.MailboxType) {
	d.mu.Lock()
	d.replyType = typ
	d.forceReplyTyp = typ != 0
	d.mu.Unlock()
}

func (d *SimDevice) onMailboxWrite(offset uintptr, _ uint32) {
	// Send writes four words, low half first; answer only once the last
	// one lands so both halves of the message are in place.
	if offset != mailbox.SendRegOffset+12 {
		return
	}
	lo := d.mailboxRegs.ReadReg32(mailbox.SendRegOffset)
	hi := d.mailboxRegs.ReadReg32(mailbox.SendRegOffset + 4)
	msg := (uint64(hi) << 32) | uint64(lo)
	reqType, value := wire.DecodeMailboxMessage(msg)

	d.mu.Lock()
	replyType := reqType
	if d.forceReplyTyp {
		replyType = d.replyType
	}
	sink := d.mailboxSink
	d.mu.Unlock()

	reply := wire.EncodeMailboxMessage(replyType, value)
	d.mailboxRegs.WriteReg32(mailbox.ReplyRegOffset, uint32(reply))
	d.mailboxRegs.WriteReg32(mailbox.ReplyRegOffset+4, uint32(reply>>32))
	d.mailboxRegs.WriteReg32(mailbox.ReplyCountOffset, 1)
	if sink != nil {
		sink()
	}
}

// BindQueue registers the CQ paired with sqQID so doorbell writes for
// sqQID turn into completion entries on cq, matching the device's FIFO
// completion guarantee. elCount is the SQ's ring size.
func (d *SimDevice) BindQueue(sqQID api.QID, cq *fabric.CQ, elCount int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bindings[sqQID] = &simBinding{cq: cq, elCount: uint32(elCount)}
}

func (d *SimDevice) onDMAWrite(offset uintptr, value uint32) {
	if offset < api.DoorbellBaseOffset {
		return
	}
	qid := api.QID((offset - api.DoorbellBaseOffset) / 4)

	d.mu.Lock()
	b, ok := d.bindings[qid]
	if !ok {
		d.mu.Unlock()
		return
	}
	var entries []wire.CompletionEntry
	for b.lastTail != value {
		entries = append(entries, wire.CompletionEntry{
			QID:             uint16(qid),
			CompletionIndex: uint16(b.nextIdx),
			Status:          uint16(api.CompletionSuccess),
			Flags:           wire.CompletionPendingFlag,
		})
		b.nextIdx = (b.nextIdx + 1) % b.elCount
		b.lastTail = (b.lastTail + 1) % b.elCount
	}
	cq := b.cq
	sink := d.dmaSink
	d.mu.Unlock()

	for _, entry := range entries {
		cq.WriteEntry(cq.Index(), entry)
		if sink != nil {
			sink()
		}
	}
}
