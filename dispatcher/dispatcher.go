// File: dispatcher/dispatcher.go
//
// Package dispatcher implements the synchronous command-queue
// dispatcher: a single SQ/CQ pair dedicated to short, fixed-size admin
// commands, with request/reply correlation by ring slot.
//
// Correlation rides fabric.SQ's optional per-slot completion hook:
// execute registers a one-shot hook at submission time instead of
// maintaining a parallel result array alongside the ring. Liveness of
// the ring itself (advancing head, waking reservation waiters) is
// handled by the queue-wide callback and does not depend on whether any
// caller is still around to receive the result.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mcmrarm/bce-transport/api"
	"github.com/mcmrarm/bce-transport/fabric"
	"github.com/mcmrarm/bce-transport/internal/wire"
)

// Dispatcher wraps one SQ/CQ pair and exposes the three admin operations
// the bootstrap command queue supports. Its mutex serializes the
// fill-slot-then-ring-doorbell window so two callers holding reservations
// cannot write into the same tail slot.
type Dispatcher struct {
	sq      *fabric.SQ
	timeout time.Duration
	log     *log.Logger

	mu sync.Mutex
}

// Config groups dispatcher construction parameters. The dispatcher owns
// the CQ/SQ pair it dispatches over; CQID/SQID are typically
// api.BootstrapCQID/api.BootstrapSQID, but the type does not assume it.
// CommandTimeout bounds commands issued with a deadline-less ctx; 0
// means no default is applied.
type Config struct {
	Fabric         *fabric.Fabric
	CQID           api.QID
	SQID           api.QID
	ElCount        int
	CommandTimeout time.Duration
	Log            *log.Logger
}

// New allocates the dispatcher's CQ/SQ pair and wires the SQ's queue-wide
// completion callback to the dispatcher's own liveness bookkeeping.
func New(cfg Config) (*Dispatcher, error) {
	l := cfg.Log
	if l == nil {
		l = log.Default()
	}
	d := &Dispatcher{timeout: cfg.CommandTimeout, log: l}

	cq, err := cfg.Fabric.CreateCQ(cfg.CQID, cfg.ElCount)
	if err != nil {
		return nil, err
	}
	sq, err := cfg.Fabric.CreateSQ(fabric.SQConfig{
		QID: cfg.SQID, CQ: cq, ElSize: wire.CmdFrameSize, ElCount: cfg.ElCount,
		Callback: d.onCompletion,
	})
	if err != nil {
		return nil, err
	}
	d.sq = sq
	return d, nil
}

// SQ returns the dispatcher's underlying submission queue, for the
// bring-up path that needs its Memcfg to register it with the device.
func (d *Dispatcher) SQ() *fabric.SQ { return d.sq }

// onCompletion is the SQ-wide callback: it unconditionally advances the
// ring. Per-caller result delivery happens via the SlotHook execute
// registers, which the fabric invokes before this runs. A completion
// for a slot no caller is still waiting on (the caller already timed
// out) is simply not observed by anyone.
func (d *Dispatcher) onCompletion(sq *fabric.SQ, _ uint16, _ api.CompletionData) {
	sq.NotifySubmissionComplete()
}

// execute submits frame and blocks until the device replies or ctx is
// done. A non-success device status surfaces as CodeDeviceStatus; the
// transport-level round trip itself having failed to complete in time
// surfaces as CodeTimeout.
func (d *Dispatcher) execute(ctx context.Context, frame wire.CmdFrame) (api.CompletionData, error) {
	if d.timeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.timeout)
			defer cancel()
		}
	}
	if err := d.sq.ReserveSubmission(ctx); err != nil {
		return api.CompletionData{}, err
	}

	resultCh := make(chan api.CompletionData, 1)
	d.mu.Lock()
	wire.PutCmdFrame(d.sq.NextSubmission(), frame)
	d.sq.SubmitWithHook(func(data api.CompletionData) {
		select {
		case resultCh <- data:
		default:
		}
	})
	d.mu.Unlock()

	select {
	case data := <-resultCh:
		if data.Status != api.CompletionSuccess {
			return data, api.ErrDeviceStatus(data.Status).
				WithContext("cmd", frame.Cmd).WithContext("qid", frame.QID)
		}
		return data, nil
	case <-ctx.Done():
		d.log.Error("dispatcher command timed out", "cmd", frame.Cmd, "qid", frame.QID)
		return api.CompletionData{}, api.ErrTimeout("dispatcher command did not complete before deadline").
			WithContext("cmd", frame.Cmd).WithContext("qid", frame.QID)
	}
}

// RegisterMemoryQueue publishes a ring's Memcfg to the device under name,
// with directionIn indicating the queue is device-to-host (an event
// queue) rather than host-to-device.
func (d *Dispatcher) RegisterMemoryQueue(ctx context.Context, cfg wire.Memcfg, name string, directionIn bool) (api.CompletionData, error) {
	var flags uint16
	if directionIn {
		flags = 1
	}
	return d.execute(ctx, wire.CmdFrame{
		Cmd:        wire.CommandRegisterMemoryQueue,
		Flags:      flags,
		QID:        cfg.QID,
		ElCount:    cfg.ElCount,
		VectorOrCQ: cfg.VectorOrCQ,
		Name:       name,
		Addr:       cfg.Addr,
		Length:     cfg.Length,
	})
}

// UnregisterMemoryQueue tells the device to stop addressing qid.
func (d *Dispatcher) UnregisterMemoryQueue(ctx context.Context, qid api.QID) (api.CompletionData, error) {
	return d.execute(ctx, wire.CmdFrame{Cmd: wire.CommandUnregisterMemoryQueue, QID: uint16(qid)})
}

// FlushMemoryQueue asks the device to complete any outstanding work on
// qid synchronously with the reply.
func (d *Dispatcher) FlushMemoryQueue(ctx context.Context, qid api.QID) (api.CompletionData, error) {
	return d.execute(ctx, wire.CmdFrame{Cmd: wire.CommandFlushMemoryQueue, QID: uint16(qid)})
}
