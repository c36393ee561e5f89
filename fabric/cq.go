// File: fabric/cq.go
// Package fabric implements the paired submission/completion queue
// fabric: queue lifecycle, ring arithmetic, doorbell
// discipline, completion routing, reservation, and backpressure.
package fabric

import (
	"github.com/mcmrarm/bce-transport/api"
	"github.com/mcmrarm/bce-transport/internal/wire"
)

// CQ is a device-to-host completion ring, possibly shared by several SQs.
// A CQ is single-consumer: only the completion-drain path (Fabric's
// interrupt handler) ever touches index or reads its entries.
type CQ struct {
	qid     api.QID
	elCount int
	handle  api.DMAHandle
	index   int
}

func newCQ(qid api.QID, elCount int, handle api.DMAHandle) *CQ {
	for i := 0; i < elCount; i++ {
		off := i * wire.CompletionEntrySize
		for j := 0; j < wire.CompletionEntrySize; j++ {
			handle.Virt[off+j] = 0
		}
	}
	return &CQ{qid: qid, elCount: elCount, handle: handle}
}

// QID returns the completion queue's identifier.
func (cq *CQ) QID() api.QID { return cq.qid }

// ElCount returns the ring's element capacity.
func (cq *CQ) ElCount() int { return cq.elCount }

// entry returns the raw byte slice backing completion entry i.
func (cq *CQ) entry(i int) []byte {
	off := i * wire.CompletionEntrySize
	return cq.handle.Virt[off : off+wire.CompletionEntrySize]
}

// Memcfg returns the registration descriptor to publish this CQ to the
// device (travels over the mailbox for the bootstrap pair, or the command
// dispatcher for later ones).
func (cq *CQ) Memcfg() wire.Memcfg {
	return wire.Memcfg{
		QID:     uint16(cq.qid),
		ElCount: uint16(cq.elCount),
		Addr:    cq.handle.Addr,
		Length:  uint64(cq.elCount * wire.CompletionEntrySize),
	}
}

// ringDoorbell publishes the new CQ head to the device's per-queue
// doorbell register.
func (cq *CQ) ringDoorbell(regs api.RegisterWindow, doorbell uintptr) {
	regs.WriteReg32(doorbell+uintptr(cq.qid)*4, uint32(cq.index))
}

// Index reports the CQ's current drain cursor. Exposed for the simulated
// platform adapter (platform.SimDevice), which plays the device's role in
// tests and needs to know where to write the next completion entry; the
// real device has no use for this method.
func (cq *CQ) Index() int { return cq.index }

// WriteEntry writes a completion entry at ring position i. Exposed for
// the simulated platform adapter: on real hardware the device itself
// writes completion entries via DMA, the host never does.
func (cq *CQ) WriteEntry(i int, entry wire.CompletionEntry) {
	wire.PutCompletionEntry(cq.entry(i), entry)
}
