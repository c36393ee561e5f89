// File: fabric/fabric.go
package fabric

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mcmrarm/bce-transport/api"
	"github.com/mcmrarm/bce-transport/internal/wire"
)

// DefaultMaxQueues is the QID bound New applies when Config.MaxQueues is
// 0; a completion entry's target QID is validated against the bound
// before it is looked up. control.DefaultConfig passes its own MaxQueues
// (256), so a Device does not use this default.
const DefaultMaxQueues = 64

// Fabric owns every CQ and SQ the runtime has created and is the single
// place the completion interrupt is routed to. It walks every CQ it owns
// on each interrupt and dispatches entries to their target SQ.
type Fabric struct {
	regs       api.RegisterWindow
	alloc      api.CoherentAllocator
	maxQueues  int
	doorbell   uintptr
	resTimeout time.Duration
	log        *log.Logger

	mu  sync.RWMutex
	cqs map[api.QID]*CQ
	sqs map[api.QID]*SQ
}

// Config groups Fabric construction parameters.
type Config struct {
	Regs      api.RegisterWindow
	Alloc     api.CoherentAllocator
	MaxQueues int // 0 means DefaultMaxQueues

	// DoorbellOffset overrides the doorbell register array base within
	// the DMA register window; 0 means api.DoorbellBaseOffset.
	DoorbellOffset uintptr

	// ReservationTimeout is applied to ReserveSubmission calls whose ctx
	// carries no deadline of its own; 0 means no default is applied.
	ReservationTimeout time.Duration

	Log *log.Logger
}

// New constructs an empty Fabric bound to a DMA register window and a
// coherent allocator. The caller (device bring-up) is responsible for
// routing the completion interrupt to OnCompletionInterrupt.
func New(cfg Config) *Fabric {
	max := cfg.MaxQueues
	if max == 0 {
		max = DefaultMaxQueues
	}
	l := cfg.Log
	if l == nil {
		l = log.Default()
	}
	doorbell := cfg.DoorbellOffset
	if doorbell == 0 {
		doorbell = api.DoorbellBaseOffset
	}
	return &Fabric{
		regs:       cfg.Regs,
		alloc:      cfg.Alloc,
		maxQueues:  max,
		doorbell:   doorbell,
		resTimeout: cfg.ReservationTimeout,
		log:        l,
		cqs:        make(map[api.QID]*CQ),
		sqs:        make(map[api.QID]*SQ),
	}
}

// CreateCQ allocates a DMA-coherent completion ring and registers it with
// the fabric. It is NOT yet visible to the device until its Memcfg is
// published (over the mailbox for the bootstrap pair, or the command
// dispatcher for any other).
func (f *Fabric) CreateCQ(qid api.QID, elCount int) (*CQ, error) {
	handle, err := f.alloc.AllocCoherent(elCount * wire.CompletionEntrySize)
	if err != nil {
		return nil, api.ErrMappingFailed("cq coherent allocation failed").WithContext("qid", qid)
	}
	cq := newCQ(qid, elCount, handle)

	f.mu.Lock()
	f.cqs[qid] = cq
	f.mu.Unlock()
	return cq, nil
}

// CreateSQ allocates a DMA-coherent descriptor ring, constructs an SQ
// paired with cfg.CQ, and registers it with the fabric.
func (f *Fabric) CreateSQ(cfg SQConfig) (*SQ, error) {
	handle, err := f.alloc.AllocCoherent(cfg.ElSize * cfg.ElCount)
	if err != nil {
		return nil, api.ErrMappingFailed("sq coherent allocation failed").WithContext("qid", cfg.QID)
	}
	sq := newSQ(cfg, handle, f.regs, f.doorbell, f.resTimeout)

	f.mu.Lock()
	f.sqs[cfg.QID] = sq
	f.mu.Unlock()
	return sq, nil
}

// DestroySQ prevents new reservations, waits (up to ctx) until the ring
// has fully drained, then frees its coherent DMA backing. Destroying a
// queue with in-flight submissions still outstanding past ctx's deadline
// is a programming error signaled as Timeout.
func (f *Fabric) DestroySQ(ctx context.Context, sq *SQ) error {
	sq.beginDrain()
	sq.mu.Lock()
	for sq.head != sq.tail || sq.reserved != 0 {
		if ctx.Err() != nil {
			sq.mu.Unlock()
			return api.ErrTimeout("destroy_sq: queue did not quiesce in time").WithContext("qid", sq.qid)
		}
		stop := sq.armCtxWatcher(ctx)
		sq.spaceCond.Wait()
		stop()
	}
	sq.mu.Unlock()

	f.mu.Lock()
	delete(f.sqs, sq.qid)
	f.mu.Unlock()

	f.alloc.FreeCoherent(sq.handle)
	return nil
}

// DestroyCQ frees a CQ's DMA backing. Callers must ensure no SQ still
// references it as its paired completion queue.
func (f *Fabric) DestroyCQ(cq *CQ) {
	f.mu.Lock()
	delete(f.cqs, cq.qid)
	f.mu.Unlock()
	f.alloc.FreeCoherent(cq.handle)
}

// SQByQID looks up a live SQ by queue id.
func (f *Fabric) SQByQID(qid api.QID) (*SQ, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	sq, ok := f.sqs[qid]
	return sq, ok
}

// OnCompletionInterrupt is the DMA completion IRQ callback the platform
// adapter MUST route to. It iterates every CQ the fabric owns and drains
// pending entries from each.
func (f *Fabric) OnCompletionInterrupt() {
	f.mu.RLock()
	cqs := make([]*CQ, 0, len(f.cqs))
	for _, cq := range f.cqs {
		cqs = append(cqs, cq)
	}
	f.mu.RUnlock()

	for _, cq := range cqs {
		f.drainCQ(cq)
	}
}

// drainCQ scans cq's entries starting at its current index while the
// pending flag is set, routing each to its target SQ.
func (f *Fabric) drainCQ(cq *CQ) {
	drained := false
	for {
		buf := cq.entry(cq.index)
		entry := wire.GetCompletionEntry(buf) // decoded whole; used only if its pending flag is set (no explicit memory barrier)
		if !entry.Pending() {
			break
		}

		f.routeEntry(cq, entry)

		wire.PutCompletionFlags(buf, 0) // cleared only after the entry has been routed (no explicit memory barrier)
		cq.index = (cq.index + 1) % cq.elCount
		drained = true
	}
	if drained {
		cq.ringDoorbell(f.regs, f.doorbell)
	}
}

// routeEntry validates and dispatches a single completion entry to its
// target SQ.
func (f *Fabric) routeEntry(cq *CQ, entry wire.CompletionEntry) {
	qid := api.QID(entry.QID)
	if int(qid) >= f.maxQueues {
		f.log.Error("completion entry targets out-of-range qid, dropping",
			"cq_qid", cq.qid, "target_qid", qid, "max_queues", f.maxQueues)
		return
	}

	sq, ok := f.SQByQID(qid)
	if !ok {
		f.log.Error("completion entry targets unknown sq, dropping",
			"cq_qid", cq.qid, "target_qid", qid)
		return
	}

	sq.mu.Lock()
	if sq.desynced {
		sq.mu.Unlock()
		return
	}
	if uint32(entry.CompletionIndex) != sq.expected {
		expected := sq.expected
		err := api.ErrProtocolDesync("completion index mismatch").
			WithContext("qid", qid).
			WithContext("expected", expected).
			WithContext("got", entry.CompletionIndex)
		sq.mu.Unlock()
		f.log.Error("completion index mismatch, marking queue desynced",
			"qid", qid, "expected", expected, "got", entry.CompletionIndex)
		sq.markDesynced(err)
		return
	}
	hook := sq.slotHooks[entry.CompletionIndex]
	delete(sq.slotHooks, entry.CompletionIndex)
	cb := sq.callback
	sq.mu.Unlock()

	data := api.CompletionData{
		Status:   api.CompletionStatus(entry.Status),
		DataSize: entry.DataSize,
		Result:   entry.Result,
	}
	if hook != nil {
		hook(data)
	}
	if cb != nil {
		cb(sq, entry.CompletionIndex, data)
	}
}
