// File: eventqueue/message.go
//
// Package eventqueue implements the asymmetric event/message queue pair
// and the derived command-over-message-queue. A message queue
// is host-to-device: producing a message picks the current submission
// slot, copies the record into a parallel coherent record ring at that
// same index, and submits a one-descriptor submission pointing at it. The
// completion callback is empty — the slot is reclaimed the moment
// NotifySubmissionComplete bumps head.
package eventqueue

import (
	"context"
	"fmt"
	"sync"

	"github.com/mcmrarm/bce-transport/api"
	"github.com/mcmrarm/bce-transport/fabric"
	"github.com/mcmrarm/bce-transport/internal/wire"
)

// MessageQueue is the host-to-device half of a named client channel. Its
// mutex serializes the copy-record-then-submit window so two producers
// holding reservations cannot write into the same ring slot.
type MessageQueue struct {
	sq         *fabric.SQ
	cq         *fabric.CQ
	alloc      api.CoherentAllocator
	records    api.DMAHandle
	recordSize int
	elCount    int

	mu sync.Mutex
}

// MessageQueueConfig groups MessageQueue construction parameters.
type MessageQueueConfig struct {
	Fabric     *fabric.Fabric
	Alloc      api.CoherentAllocator
	SQID       api.QID
	CQID       api.QID
	ElCount    int
	RecordSize int
}

// NewMessageQueue allocates the message queue's own CQ/SQ pair plus a
// coherent record ring sized elCount*recordSize.
func NewMessageQueue(cfg MessageQueueConfig) (*MessageQueue, error) {
	cq, err := cfg.Fabric.CreateCQ(cfg.CQID, cfg.ElCount)
	if err != nil {
		return nil, err
	}
	records, err := cfg.Alloc.AllocCoherent(cfg.ElCount * cfg.RecordSize)
	if err != nil {
		cfg.Fabric.DestroyCQ(cq)
		return nil, api.ErrMappingFailed("message queue record ring allocation failed").WithContext("qid", cfg.SQID)
	}

	mq := &MessageQueue{cq: cq, alloc: cfg.Alloc, records: records, recordSize: cfg.RecordSize, elCount: cfg.ElCount}
	sq, err := cfg.Fabric.CreateSQ(fabric.SQConfig{
		QID: cfg.SQID, CQ: cq, ElSize: 16, ElCount: cfg.ElCount,
		Callback: mq.onCompletion,
	})
	if err != nil {
		cfg.Alloc.FreeCoherent(records)
		cfg.Fabric.DestroyCQ(cq)
		return nil, err
	}
	mq.sq = sq
	return mq, nil
}

func (mq *MessageQueue) onCompletion(sq *fabric.SQ, _ uint16, _ api.CompletionData) {
	sq.NotifySubmissionComplete()
}

// SQ returns the underlying submission queue, for registering its Memcfg
// with the device via the command dispatcher.
func (mq *MessageQueue) SQ() *fabric.SQ { return mq.sq }

// CQ returns the underlying completion queue.
func (mq *MessageQueue) CQ() *fabric.CQ { return mq.cq }

// Memcfg describes the ring the command dispatcher publishes to the
// device at registration time.
func (mq *MessageQueue) Memcfg() wire.Memcfg {
	return mq.sq.Memcfg()
}

func (mq *MessageQueue) recordSlot(i int) []byte {
	off := i * mq.recordSize
	return mq.records.Virt[off : off+mq.recordSize]
}

// PostMessage blocks until a ring slot is available (or ctx is done),
// copies record into that slot's record-ring entry, and submits a
// descriptor pointing at it.
func (mq *MessageQueue) PostMessage(ctx context.Context, record []byte) error {
	if len(record) != mq.recordSize {
		return fmt.Errorf("eventqueue: record length %d does not match message queue record size %d", len(record), mq.recordSize)
	}
	if err := mq.sq.ReserveSubmission(ctx); err != nil {
		return err
	}
	mq.mu.Lock()
	idx := mq.sq.NextSubmissionIndex()
	copy(mq.recordSlot(idx), record)

	addr := mq.records.Addr + uint64(idx*mq.recordSize)
	desc := mq.sq.NextSubmission()
	fabric.SetSubmissionSingle(desc, addr, uint64(mq.recordSize))
	mq.sq.Submit()
	mq.mu.Unlock()
	return nil
}

// Close reclaims any submissions still in flight (the device must
// already have been told to stop addressing this queue), tears down the
// queue pair, and frees the record ring. The caller's Fabric must be the
// same one the queue was created against.
func (mq *MessageQueue) Close(ctx context.Context, f *fabric.Fabric) error {
	mq.sq.DiscardInflight()
	if err := f.DestroySQ(ctx, mq.sq); err != nil {
		return err
	}
	f.DestroyCQ(mq.cq)
	mq.alloc.FreeCoherent(mq.records)
	return nil
}
