// File: eventqueue/channel.go
//
// Channel is the orchestration clients ride on: opening a named queue
// pair means allocating a message queue and an event queue, then
// publishing both halves (and the event queue's CQ, the first time it is
// used) to the device through the command-queue dispatcher, each under
// its own name. Closing runs the same sequence in reverse: every ring is
// unregistered before its coherent backing is freed.
package eventqueue

import (
	"context"
	"sync"

	"github.com/mcmrarm/bce-transport/api"
	"github.com/mcmrarm/bce-transport/dispatcher"
	"github.com/mcmrarm/bce-transport/fabric"
)

// Channel is a named client channel: one message queue (host-to-device)
// and one event queue (device-to-host) sharing a dispatcher for
// registration. Constructed by ChannelOpener, not directly.
type Channel struct {
	Name    string
	Message *MessageQueue
	Event   *EventQueue
}

// ChannelOpener allocates QIDs and registers queue pairs with the device
// through a shared dispatcher, the way a client (vhci, audio) opens a
// named channel without hand-rolling QID bookkeeping itself.
type ChannelOpener struct {
	Fabric     *fabric.Fabric
	Dispatcher *dispatcher.Dispatcher
	Alloc      api.CoherentAllocator

	mu     sync.Mutex
	nextID uint16
}

// NewChannelOpener constructs an opener whose QID allocation starts right
// after the two bring-up QIDs (0, 1).
func NewChannelOpener(f *fabric.Fabric, d *dispatcher.Dispatcher, alloc api.CoherentAllocator) *ChannelOpener {
	return &ChannelOpener{Fabric: f, Dispatcher: d, Alloc: alloc, nextID: 2}
}

func (o *ChannelOpener) allocQID() api.QID {
	o.mu.Lock()
	defer o.mu.Unlock()
	qid := api.QID(o.nextID)
	o.nextID++
	return qid
}

// SharedEventCQ allocates a CQ intended to be shared by several event
// queues, backed by a different CQ than their own message queue's
// completions, and registers it with the device.
func (o *ChannelOpener) SharedEventCQ(ctx context.Context, name string, elCount int) (*fabric.CQ, error) {
	qid := o.allocQID()
	cq, err := o.Fabric.CreateCQ(qid, elCount)
	if err != nil {
		return nil, err
	}
	if _, err := o.Dispatcher.RegisterMemoryQueue(ctx, cq.Memcfg(), name+":cq", true); err != nil {
		o.Fabric.DestroyCQ(cq)
		return nil, err
	}
	return cq, nil
}

// openMessageQueue allocates and registers a message queue's CQ and SQ.
func (o *ChannelOpener) openMessageQueue(ctx context.Context, name string, elCount, recordSize int) (*MessageQueue, error) {
	mqSQID, mqCQID := o.allocQID(), o.allocQID()
	mq, err := NewMessageQueue(MessageQueueConfig{
		Fabric: o.Fabric, Alloc: o.Alloc, SQID: mqSQID, CQID: mqCQID,
		ElCount: elCount, RecordSize: recordSize,
	})
	if err != nil {
		return nil, err
	}
	if _, err := o.Dispatcher.RegisterMemoryQueue(ctx, mq.CQ().Memcfg(), name+":mq:cq", true); err != nil {
		_ = mq.Close(ctx, o.Fabric)
		return nil, err
	}
	if _, err := o.Dispatcher.RegisterMemoryQueue(ctx, mq.Memcfg(), name+":mq:sq", false); err != nil {
		_ = mq.Close(ctx, o.Fabric)
		return nil, err
	}
	return mq, nil
}

// Open allocates a message queue and an event queue under name, using
// eventCQ as the event queue's (possibly shared) completion queue, and
// registers every newly-created ring with the device. cb receives each
// inbound event record; it must not block.
func (o *ChannelOpener) Open(ctx context.Context, name string, eventCQ *fabric.CQ, elCount, recordSize, prePost int, cb EventCallback) (*Channel, error) {
	mq, err := o.openMessageQueue(ctx, name, elCount, recordSize)
	if err != nil {
		return nil, err
	}

	eqSQID := o.allocQID()
	eq, err := NewEventQueue(EventQueueConfig{
		Fabric: o.Fabric, Alloc: o.Alloc, SQID: eqSQID, CQ: eventCQ,
		ElCount: elCount, RecordSize: recordSize, PrePost: prePost, Callback: cb,
	})
	if err != nil {
		_ = mq.Close(ctx, o.Fabric)
		return nil, err
	}
	if _, err := o.Dispatcher.RegisterMemoryQueue(ctx, eq.SQ().Memcfg(), name+":eq:sq", true); err != nil {
		_ = eq.Close(ctx, o.Fabric)
		_ = mq.Close(ctx, o.Fabric)
		return nil, err
	}

	return &Channel{Name: name, Message: mq, Event: eq}, nil
}

// OpenCommandQueue is Open's counterpart for the derived request/reply
// pattern: it wires the event queue's callback to pull the
// oldest in-flight request instead of taking a caller-supplied one.
func (o *ChannelOpener) OpenCommandQueue(ctx context.Context, name string, eventCQ *fabric.CQ, elCount, recordSize, prePost int) (*CommandQueue, error) {
	mq, err := o.openMessageQueue(ctx, name, elCount, recordSize)
	if err != nil {
		return nil, err
	}

	eqSQID := o.allocQID()
	cq, err := NewCommandQueue(CommandQueueConfig{
		MessageQueue: mq, Fabric: o.Fabric, Alloc: o.Alloc, EventSQID: eqSQID, EventCQ: eventCQ,
		ElCount: elCount, RecordSize: recordSize, PrePost: prePost,
	})
	if err != nil {
		_ = mq.Close(ctx, o.Fabric)
		return nil, err
	}
	if _, err := o.Dispatcher.RegisterMemoryQueue(ctx, cq.EventQueue().SQ().Memcfg(), name+":eq:sq", true); err != nil {
		_ = cq.Close(ctx, o.Fabric)
		return nil, err
	}
	return cq, nil
}

// Close tears down the event queue then the message queue without
// unregistering anything; CloseChannel is the full teardown path.
func (c *Channel) Close(ctx context.Context, f *fabric.Fabric) error {
	if err := c.Event.Close(ctx, f); err != nil {
		return err
	}
	return c.Message.Close(ctx, f)
}

// CloseChannel unregisters every ring Open published to the device, in
// reverse registration order, then tears the channel down. Unregister
// failures are returned but do not stop the teardown: the backing memory
// is on its way out either way, and leaving the rings live would be
// worse than a stale registration.
func (o *ChannelOpener) CloseChannel(ctx context.Context, ch *Channel) error {
	var firstErr error
	unregister := func(qid api.QID) {
		if _, err := o.Dispatcher.UnregisterMemoryQueue(ctx, qid); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	unregister(ch.Event.SQ().QID())
	unregister(ch.Message.SQ().QID())
	unregister(ch.Message.CQ().QID())

	if err := ch.Close(ctx, o.Fabric); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// CloseCommandQueue is CloseChannel's counterpart for channels opened
// with OpenCommandQueue: it unregisters the rings, then aborts parked
// waiters and frees everything.
func (o *ChannelOpener) CloseCommandQueue(ctx context.Context, c *CommandQueue) error {
	var firstErr error
	unregister := func(qid api.QID) {
		if _, err := o.Dispatcher.UnregisterMemoryQueue(ctx, qid); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	unregister(c.EventQueue().SQ().QID())
	unregister(c.MessageQueue().SQ().QID())
	unregister(c.MessageQueue().CQ().QID())

	if err := c.Close(ctx, o.Fabric); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
