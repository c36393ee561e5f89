// File: fabric/sq.go
package fabric

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/mcmrarm/bce-transport/api"
	"github.com/mcmrarm/bce-transport/internal/wire"
)

// CompletionCallback is the per-queue callback invoked (from the
// completion-drain path) once per completion entry routed to this SQ. It
// MUST NOT block: it may only inspect data and signal condition
// variables/channels. It is expected to call SQ.NotifySubmissionComplete
// once per entry it has logically consumed.
type CompletionCallback func(sq *SQ, completionIndex uint16, data api.CompletionData)

// SlotHook is an optional, one-shot callback registered against a specific
// submission slot (by completion index), invoked in addition to the
// queue-wide CompletionCallback and cleared immediately after firing. It
// gives clients (e.g. the command dispatcher) a way to correlate a reply
// with the exact caller that posted it without maintaining a parallel
// array outside the queue.
type SlotHook func(data api.CompletionData)

// SQ is a host-to-device descriptor ring paired with exactly one CQ. The
// ring never fills completely: (tail+1) mod elCount == head means full.
type SQ struct {
	qid     api.QID
	cq      *CQ
	elSize  int
	elCount int
	handle  api.DMAHandle

	regs api.RegisterWindow

	doorbell   uintptr
	resTimeout time.Duration

	mu         sync.Mutex
	head, tail int
	reserved   int // outstanding reservations not yet submitted or canceled
	expected   uint32
	desynced   bool
	desyncErr  *api.Error
	draining   bool
	spaceCond  *sync.Cond

	callback  CompletionCallback
	slotHooks map[uint16]SlotHook
}

// SQConfig groups SQ construction parameters.
type SQConfig struct {
	QID      api.QID
	CQ       *CQ
	ElSize   int
	ElCount  int
	Callback CompletionCallback
}

func newSQ(cfg SQConfig, handle api.DMAHandle, regs api.RegisterWindow, doorbell uintptr, resTimeout time.Duration) *SQ {
	for i := range handle.Virt {
		handle.Virt[i] = 0
	}
	sq := &SQ{
		qid:        cfg.QID,
		cq:         cfg.CQ,
		elSize:     cfg.ElSize,
		elCount:    cfg.ElCount,
		handle:     handle,
		regs:       regs,
		doorbell:   doorbell,
		resTimeout: resTimeout,
		callback:   cfg.Callback,
		slotHooks:  make(map[uint16]SlotHook),
	}
	sq.spaceCond = sync.NewCond(&sq.mu)
	return sq
}

// QID returns the submission queue's identifier.
func (sq *SQ) QID() api.QID { return sq.qid }

// CQ returns the paired completion queue.
func (sq *SQ) CQ() *CQ { return sq.cq }

// ElCount returns the ring's element capacity.
func (sq *SQ) ElCount() int { return sq.elCount }

// Memcfg returns the registration descriptor to publish this SQ to the
// device, paired with its CQ's QID as VectorOrCQ.
func (sq *SQ) Memcfg() wire.Memcfg {
	return wire.Memcfg{
		QID:        uint16(sq.qid),
		ElCount:    uint16(sq.elCount),
		VectorOrCQ: uint16(sq.cq.QID()),
		Addr:       sq.handle.Addr,
		Length:     uint64(sq.elCount * sq.elSize),
	}
}

func (sq *SQ) slot(i int) []byte {
	off := i * sq.elSize
	return sq.handle.Virt[off : off+sq.elSize]
}

// fullLocked reports whether the ring has no free slot that is not
// already held by an outstanding reservation, under sq.mu. With no
// reservations outstanding this is (tail+1) mod elCount == head.
func (sq *SQ) fullLocked() bool {
	inflight := (sq.tail - sq.head + sq.elCount) % sq.elCount
	return inflight+sq.reserved >= sq.elCount-1
}

// ReserveSubmission blocks until a slot is available or ctx is done. On
// success the caller holds one outstanding reservation that MUST be
// matched by either Submit (via NextSubmission) or CancelReservation.
// A ctx with no deadline picks up the fabric's default reservation
// timeout, if one was configured.
func (sq *SQ) ReserveSubmission(ctx context.Context) error {
	if sq.resTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, sq.resTimeout)
			defer cancel()
		}
	}
	sq.mu.Lock()
	if sq.desynced {
		err := sq.desyncErr
		sq.mu.Unlock()
		return err
	}
	if sq.draining {
		sq.mu.Unlock()
		return api.ErrBusy("queue is draining")
	}

	for sq.fullLocked() {
		if sq.draining {
			sq.mu.Unlock()
			return api.ErrAborted("queue is draining")
		}
		if ctx.Err() != nil {
			sq.mu.Unlock()
			return translateCtxErrNoSpace(ctx)
		}
		// sync.Cond has no context-aware wait; a watcher goroutine
		// broadcasts spaceCond on ctx cancellation so Wait() returns
		// promptly instead of blocking past the deadline.
		stop := sq.armCtxWatcher(ctx)
		sq.spaceCond.Wait()
		stop()
		if sq.desynced {
			err := sq.desyncErr
			sq.mu.Unlock()
			return err
		}
	}
	sq.reserved++
	sq.mu.Unlock()
	return nil
}

// armCtxWatcher starts a goroutine that broadcasts spaceCond when ctx is
// done, so a blocked ReserveSubmission wakes up to notice the deadline.
// MUST be called with sq.mu held; the returned stop func must be invoked
// after the next Wait() returns, still holding sq.mu is not required.
func (sq *SQ) armCtxWatcher(ctx context.Context) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			sq.mu.Lock()
			sq.spaceCond.Broadcast()
			sq.mu.Unlock()
		case <-done:
		}
	}()
	return func() { close(done) }
}

func translateCtxErrNoSpace(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return api.ErrNoSpace("reserve_submission timed out")
	}
	return api.ErrAborted("reserve_submission canceled")
}

// CancelSubmissionReservation releases a reservation obtained via
// ReserveSubmission without submitting anything.
func (sq *SQ) CancelSubmissionReservation() {
	sq.mu.Lock()
	sq.reserved--
	sq.spaceCond.Signal()
	sq.mu.Unlock()
}

// NextSubmission returns a descriptor handle at the current tail for the
// caller to fill. Must be called with an outstanding reservation.
func (sq *SQ) NextSubmission() []byte {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return sq.slot(sq.tail)
}

// NextSubmissionIndex returns the ring position NextSubmission's slot
// corresponds to. A message or event queue needs this to address a
// parallel, out-of-band record ring sharing the same indexing as this
// descriptor ring.
func (sq *SQ) NextSubmissionIndex() int {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return sq.tail
}

// SetSubmissionSingle is a convenience that writes a single (addr, length)
// descriptor into the slot returned by NextSubmission, for clients whose
// descriptor format is exactly that pair (message and event queues).
func SetSubmissionSingle(desc []byte, addr uint64, length uint64) {
	putAddrLength(desc, addr, length)
}

// SubmitWithHook advances tail, rings the doorbell, and optionally
// registers a one-shot SlotHook for the completion index this submission
// will eventually receive.
func (sq *SQ) SubmitWithHook(hook SlotHook) {
	sq.mu.Lock()
	idx := uint16(sq.tail)
	if hook != nil {
		sq.slotHooks[idx] = hook
	}
	sq.tail = (sq.tail + 1) % sq.elCount
	sq.reserved--
	newTail := sq.tail
	sq.mu.Unlock()

	// The doorbell write must observe the slot contents; the mutex unlock
	// above is the release barrier for the data the caller wrote into the
	// slot before calling Submit.
	sq.regs.WriteReg32(sq.doorbell+uintptr(sq.qid)*4, uint32(newTail))
}

// Submit is SubmitWithHook(nil): it advances tail and rings the doorbell
// without registering a slot hook.
func (sq *SQ) Submit() {
	sq.SubmitWithHook(nil)
}

// NotifySubmissionComplete advances head, bumps the expected completion
// index, and wakes one space-available waiter if any are parked. Must be
// called from within (or after)
// the queue's CompletionCallback, exactly once per completed entry.
func (sq *SQ) NotifySubmissionComplete() {
	sq.mu.Lock()
	sq.head = (sq.head + 1) % sq.elCount
	sq.expected = (sq.expected + 1) % uint32(sq.elCount)
	sq.spaceCond.Signal()
	sq.mu.Unlock()
}

// DiscardInflight reclaims every outstanding submission without waiting
// for completions and drops any registered slot hooks. Only valid once
// the device has been told to stop addressing this queue (unregister or
// flush): entries still in flight will never complete, and the backing
// is about to be freed. Waiters parked on ring space are woken.
func (sq *SQ) DiscardInflight() {
	sq.mu.Lock()
	sq.head = sq.tail
	sq.expected = uint32(sq.tail)
	for idx := range sq.slotHooks {
		delete(sq.slotHooks, idx)
	}
	sq.spaceCond.Broadcast()
	sq.mu.Unlock()
}

// markDesynced marks the queue fatally desynced: subsequent reservations
// fail with the same ProtocolDesync error.
func (sq *SQ) markDesynced(err *api.Error) {
	sq.mu.Lock()
	sq.desynced = true
	sq.desyncErr = err
	sq.spaceCond.Broadcast()
	sq.mu.Unlock()
}

// Desynced reports whether the queue has been marked fatally desynced.
func (sq *SQ) Desynced() (bool, *api.Error) {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return sq.desynced, sq.desyncErr
}

// beginDrain marks the queue as draining: new reservations are rejected.
func (sq *SQ) beginDrain() {
	sq.mu.Lock()
	sq.draining = true
	sq.spaceCond.Broadcast()
	sq.mu.Unlock()
}

func putAddrLength(desc []byte, addr, length uint64) {
	_ = desc[15]
	binary.LittleEndian.PutUint64(desc[0:8], addr)
	binary.LittleEndian.PutUint64(desc[8:16], length)
}
