package vhci

import (
	"context"
	"testing"
	"time"

	"github.com/mcmrarm/bce-transport/api"
	"github.com/mcmrarm/bce-transport/dispatcher"
	"github.com/mcmrarm/bce-transport/eventqueue"
	"github.com/mcmrarm/bce-transport/fabric"
	"github.com/mcmrarm/bce-transport/internal/wire"
	"github.com/mcmrarm/bce-transport/platform"
)

func newTestOpener(t *testing.T) (*eventqueue.ChannelOpener, *fabric.Fabric, *fabric.CQ) {
	t.Helper()
	region, err := platform.NewCoherentRegion(1 << 20)
	if err != nil {
		t.Fatalf("NewCoherentRegion: %v", err)
	}
	t.Cleanup(func() { _ = region.Close() })

	dev := platform.NewSimDevice()
	f := fabric.New(fabric.Config{Regs: dev.DMARegs(), Alloc: region})
	dev.SetInterruptSinks(nil, f.OnCompletionInterrupt)

	d, err := dispatcher.New(dispatcher.Config{Fabric: f, CQID: api.BootstrapCQID, SQID: api.BootstrapSQID, ElCount: 8})
	if err != nil {
		t.Fatalf("dispatcher.New: %v", err)
	}
	dev.BindQueue(d.SQ().QID(), d.SQ().CQ(), d.SQ().ElCount())

	opener := eventqueue.NewChannelOpener(f, d, region)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	eventCQ, err := opener.SharedEventCQ(ctx, "test-events", 8)
	if err != nil {
		t.Fatalf("SharedEventCQ: %v", err)
	}
	return opener, f, eventCQ
}

func TestOpenAndClose(t *testing.T) {
	opener, _, eventCQ := newTestOpener(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ctrl, err := Open(ctx, opener, eventCQ)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := ctrl.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestSendControlRequestRoundTrip(t *testing.T) {
	opener, f, eventCQ := newTestOpener(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ctrl, err := Open(ctx, opener, eventCQ)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = ctrl.Close(context.Background()) })

	req := make([]byte, ControlRecordSize)
	copy(req, "probe")

	done := make(chan struct{})
	var resp []byte
	var execErr error
	go func() {
		resp, execErr = ctrl.SendControlRequest(ctx, req)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	eventCQ.WriteEntry(eventCQ.Index(), wire.CompletionEntry{
		QID:             uint16(ctrl.cq.EventQueue().SQ().QID()),
		CompletionIndex: 0,
		Status:          uint16(api.CompletionSuccess),
		Flags:           wire.CompletionPendingFlag,
	})
	f.OnCompletionInterrupt()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SendControlRequest never returned")
	}
	if execErr != nil {
		t.Fatalf("SendControlRequest: %v", execErr)
	}
	if len(resp) != ControlRecordSize {
		t.Fatalf("expected a %d-byte reply, got %d bytes", ControlRecordSize, len(resp))
	}
}
