// File: client/vhci/vhci.go
//
// Package vhci is a thin client for the virtual-USB host controller
// channel: it opens a named queue pair and exchanges opaque records over
// the command-over-message-queue request/reply pattern the controller's
// synchronous control requests need. URB state machines and USB
// descriptor parsing live in the virtual host controller proper, not
// here; this package carries only the transport contract it rides on.
package vhci

import (
	"context"

	"github.com/mcmrarm/bce-transport/eventqueue"
	"github.com/mcmrarm/bce-transport/fabric"
)

// ChannelName is the name the firmware registers the vhci control
// channel under.
const ChannelName = "vhci-ctrl"

// ControlRecordSize is the fixed record size vhci's control messages
// use, matching the command-queue dispatcher's own frame size for
// consistency across the admin-shaped channels.
const ControlRecordSize = 64

// DefaultElCount/DefaultPrePost size the channel's rings.
const (
	DefaultElCount = 16
	DefaultPrePost = 8
)

// Controller is a virtual-USB host controller client: a synchronous
// request/reply channel over a dedicated message/event queue pair.
type Controller struct {
	opener *eventqueue.ChannelOpener
	cq     *eventqueue.CommandQueue
}

// Open registers the vhci control channel with the device through
// opener, backed by eventCQ (which may be shared with other client
// channels).
func Open(ctx context.Context, opener *eventqueue.ChannelOpener, eventCQ *fabric.CQ) (*Controller, error) {
	cq, err := opener.OpenCommandQueue(ctx, ChannelName, eventCQ, DefaultElCount, ControlRecordSize, DefaultPrePost)
	if err != nil {
		return nil, err
	}
	return &Controller{opener: opener, cq: cq}, nil
}

// SendControlRequest issues a synchronous control request and blocks
// until the matching reply arrives or ctx is done. request must be
// exactly ControlRecordSize bytes.
func (c *Controller) SendControlRequest(ctx context.Context, request []byte) ([]byte, error) {
	return c.cq.Execute(ctx, request)
}

// Close unregisters the channel's rings from the device, then delivers
// Aborted to any parked request and tears everything down.
func (c *Controller) Close(ctx context.Context) error {
	return c.opener.CloseCommandQueue(ctx, c.cq)
}
