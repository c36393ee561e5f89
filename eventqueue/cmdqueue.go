// File: eventqueue/cmdqueue.go
//
// The derived command queue over a message/event pair: a
// host writes a message, records an in-flight entry with a response
// placeholder in a FIFO list, and waits. The event callback pulls the
// first in-flight entry, copies the event into its placeholder, and
// signals the waiter. Tearing down delivers Aborted to every parked
// waiter.
package eventqueue

import (
	"context"
	"sync"

	"github.com/eapache/queue"

	"github.com/mcmrarm/bce-transport/api"
	"github.com/mcmrarm/bce-transport/fabric"
)

// pendingCmd is one in-flight request/reply correlation. resolve is
// idempotent: whichever of event-delivery, local timeout, or queue
// teardown reaches it first wins; the others become no-ops.
type pendingCmd struct {
	once sync.Once
	done chan struct{}
	resp []byte
	err  error
}

func newPendingCmd() *pendingCmd {
	return &pendingCmd{done: make(chan struct{})}
}

func (p *pendingCmd) resolve(resp []byte, err error) {
	p.once.Do(func() {
		p.resp = resp
		p.err = err
		close(p.done)
	})
}

// CommandQueue implements client-level request/reply over a message
// queue (outbound requests) and an event queue (inbound replies). The
// completion-list spinlock is the CommandQueue's own mutex,
// held only for short, deterministic insert/remove/swap operations.
type CommandQueue struct {
	mq *MessageQueue
	eq *EventQueue

	mu       sync.Mutex
	inflight *queue.Queue
	closed   bool
}

// CommandQueueConfig groups CommandQueue construction parameters. The
// message queue is constructed by the caller (it may be shared with
// plain, non-correlated traffic); the event queue is owned outright.
type CommandQueueConfig struct {
	MessageQueue *MessageQueue
	Fabric       *fabric.Fabric
	Alloc        api.CoherentAllocator
	EventSQID    api.QID
	EventCQ      *fabric.CQ
	ElCount      int
	RecordSize   int
	PrePost      int
}

// NewCommandQueue wires a CommandQueue's event queue to its own
// completion routing.
func NewCommandQueue(cfg CommandQueueConfig) (*CommandQueue, error) {
	cq := &CommandQueue{mq: cfg.MessageQueue, inflight: queue.New()}
	eq, err := NewEventQueue(EventQueueConfig{
		Fabric: cfg.Fabric, Alloc: cfg.Alloc, SQID: cfg.EventSQID, CQ: cfg.EventCQ,
		ElCount: cfg.ElCount, RecordSize: cfg.RecordSize, PrePost: cfg.PrePost,
		Callback: cq.onEvent,
	})
	if err != nil {
		return nil, err
	}
	cq.eq = eq
	return cq, nil
}

// EventQueue returns the underlying event queue, for registering its
// Memcfg with the device at open time.
func (c *CommandQueue) EventQueue() *EventQueue { return c.eq }

// MessageQueue returns the outbound half, for registration bookkeeping.
func (c *CommandQueue) MessageQueue() *MessageQueue { return c.mq }

// onEvent pulls the oldest in-flight entry and delivers record to it. A
// completion with no matching entry (the requester already timed out
// and removed itself) is dropped; there is nothing left to signal.
func (c *CommandQueue) onEvent(record []byte) {
	c.mu.Lock()
	if c.inflight.Length() == 0 {
		c.mu.Unlock()
		return
	}
	p := c.inflight.Remove().(*pendingCmd)
	c.mu.Unlock()

	cp := make([]byte, len(record))
	copy(cp, record)
	p.resolve(cp, nil)
}

// Execute writes request over the message queue, parks a FIFO-correlated
// waiter, and blocks until the matching event arrives or ctx is done.
func (c *CommandQueue) Execute(ctx context.Context, request []byte) ([]byte, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, api.ErrAborted("command queue is closed")
	}
	p := newPendingCmd()
	c.inflight.Add(p)
	c.mu.Unlock()

	if err := c.mq.PostMessage(ctx, request); err != nil {
		c.removePending(p)
		return nil, err
	}

	select {
	case <-p.done:
		return p.resp, p.err
	case <-ctx.Done():
		c.removePending(p)
		p.resolve(nil, api.ErrTimeout("command-over-message-queue execute did not complete before deadline"))
		return p.resp, p.err
	}
}

// removePending drops target from the in-flight list without resolving
// it. Execute calls it when PostMessage fails and when ctx is done before
// a reply arrives (resolving target itself in the second case).
func (c *CommandQueue) removePending(target *pendingCmd) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.inflight.Length()
	for i := 0; i < n; i++ {
		p := c.inflight.Remove().(*pendingCmd)
		if p != target {
			c.inflight.Add(p)
		}
	}
}

// Close delivers Aborted to every parked waiter, then tears down the
// message and event queues.
func (c *CommandQueue) Close(ctx context.Context, f *fabric.Fabric) error {
	c.mu.Lock()
	c.closed = true
	for c.inflight.Length() > 0 {
		p := c.inflight.Remove().(*pendingCmd)
		p.resolve(nil, api.ErrAborted("command queue destroyed with request in flight"))
	}
	c.mu.Unlock()

	if err := c.eq.Close(ctx, f); err != nil {
		return err
	}
	return c.mq.Close(ctx, f)
}
