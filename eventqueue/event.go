// File: eventqueue/event.go
//
// The device-to-host half of the pair. The host pre-posts P
// submissions, each pointing at a free record slot; on each completion
// the callback is invoked with the filled record and the runtime
// re-posts a fresh submission at the ring's current tail, keeping P
// always in flight. An event queue's SQ is backed by a CQ shared among several
// event queues, not a dedicated one.
package eventqueue

import (
	"context"
	"sync"

	"github.com/mcmrarm/bce-transport/api"
	"github.com/mcmrarm/bce-transport/fabric"
)

// EventCallback receives a copy of the filled record. It MUST NOT block
//: the completion-drain path invokes it synchronously.
type EventCallback func(record []byte)

// EventQueue is the device-to-host half of a named client channel.
type EventQueue struct {
	sq         *fabric.SQ
	alloc      api.CoherentAllocator
	records    api.DMAHandle
	recordSize int
	elCount    int
	cb         EventCallback

	mu      sync.Mutex
	closing bool
}

// EventQueueConfig groups EventQueue construction parameters. CQ is a
// completion queue already created and possibly shared by other event
// queues.
type EventQueueConfig struct {
	Fabric     *fabric.Fabric
	Alloc      api.CoherentAllocator
	SQID       api.QID
	CQ         *fabric.CQ
	ElCount    int
	RecordSize int
	PrePost    int
	Callback   EventCallback
}

// NewEventQueue allocates the record ring, creates the SQ, and pre-posts
// cfg.PrePost submissions so the device has somewhere to write as soon
// as the queue is registered.
func NewEventQueue(cfg EventQueueConfig) (*EventQueue, error) {
	records, err := cfg.Alloc.AllocCoherent(cfg.ElCount * cfg.RecordSize)
	if err != nil {
		return nil, api.ErrMappingFailed("event queue record ring allocation failed").WithContext("qid", cfg.SQID)
	}

	eq := &EventQueue{alloc: cfg.Alloc, records: records, recordSize: cfg.RecordSize, elCount: cfg.ElCount, cb: cfg.Callback}
	sq, err := cfg.Fabric.CreateSQ(fabric.SQConfig{
		QID: cfg.SQID, CQ: cfg.CQ, ElSize: 16, ElCount: cfg.ElCount,
		Callback: eq.onCompletion,
	})
	if err != nil {
		cfg.Alloc.FreeCoherent(records)
		return nil, err
	}
	eq.sq = sq

	for i := 0; i < cfg.PrePost; i++ {
		if err := eq.postSlot(context.Background()); err != nil {
			sq.DiscardInflight()
			_ = cfg.Fabric.DestroySQ(context.Background(), sq)
			cfg.Alloc.FreeCoherent(records)
			return nil, err
		}
	}
	return eq, nil
}

// SQ returns the underlying submission queue.
func (eq *EventQueue) SQ() *fabric.SQ { return eq.sq }

func (eq *EventQueue) recordSlot(i int) []byte {
	off := i * eq.recordSize
	return eq.records.Virt[off : off+eq.recordSize]
}

// postSlot reserves the next ring slot and points its submission at the
// record slot with the same ring index, keeping the record ring and the
// descriptor ring in lock-step: the record for a completion at head h is
// always records[h]. Only the constructor (before the queue is
// registered) and the single-consumer completion-drain path call this,
// so the fill window needs no lock of its own.
func (eq *EventQueue) postSlot(ctx context.Context) error {
	if err := eq.sq.ReserveSubmission(ctx); err != nil {
		return err
	}
	idx := eq.sq.NextSubmissionIndex()
	addr := eq.records.Addr + uint64(idx*eq.recordSize)
	desc := eq.sq.NextSubmission()
	fabric.SetSubmissionSingle(desc, addr, uint64(eq.recordSize))
	eq.sq.Submit()
	return nil
}

// onCompletion delivers the filled record at completionIndex to the
// client callback, then immediately re-posts a fresh submission so
// exactly P submissions stay outstanding.
func (eq *EventQueue) onCompletion(sq *fabric.SQ, completionIndex uint16, _ api.CompletionData) {
	record := make([]byte, eq.recordSize)
	copy(record, eq.recordSlot(int(completionIndex)))
	sq.NotifySubmissionComplete()

	if eq.cb != nil {
		eq.cb(record)
	}

	eq.mu.Lock()
	closing := eq.closing
	eq.mu.Unlock()
	if closing {
		return
	}
	// The reservation this grabs was just freed by NotifySubmissionComplete
	// above, so it does not block; a non-blocking context is adequate.
	_ = eq.postSlot(context.Background())
}

// Close stops re-posting completed slots, reclaims the pre-posted
// submissions still outstanding (the device must already have been told
// to stop addressing this queue), then tears down the queue and frees
// the record ring.
func (eq *EventQueue) Close(ctx context.Context, f *fabric.Fabric) error {
	eq.mu.Lock()
	eq.closing = true
	eq.mu.Unlock()

	eq.sq.DiscardInflight()
	if err := f.DestroySQ(ctx, eq.sq); err != nil {
		return err
	}
	eq.alloc.FreeCoherent(eq.records)
	return nil
}
