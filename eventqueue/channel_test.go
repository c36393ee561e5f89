package eventqueue

import (
	"context"
	"testing"
	"time"

	"github.com/mcmrarm/bce-transport/api"
	"github.com/mcmrarm/bce-transport/dispatcher"
	"github.com/mcmrarm/bce-transport/fabric"
	"github.com/mcmrarm/bce-transport/internal/wire"
	"github.com/mcmrarm/bce-transport/platform"
)

// newTestOpener wires a ChannelOpener to a bootstrap dispatcher bound to a
// SimDevice, exactly the shape device.Bringup hands client channels in
// production.
// tHelper is the subset of testing.TB that both *testing.T and *rapid.T
// implement, so newTestOpener can be shared between plain and
// property-based tests.
type tHelper interface {
	Helper()
	Fatalf(format string, args ...any)
	Cleanup(func())
}

func newTestOpener(t tHelper) (*ChannelOpener, *fabric.Fabric, *platform.SimDevice) {
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

	return NewChannelOpener(f, d, region), f, dev
}

// injectEventCompletion simulates the device filling an event queue's
// pre-posted slot: writes a completion entry at cq's current drain index
// for sqQID/completionIndex and fires the completion interrupt, matching
// fabric_test.go's injectCompletion without needing package-internal
// access.
func injectEventCompletion(f *fabric.Fabric, cq *fabric.CQ, sqQID api.QID, completionIndex uint16) {
	cq.WriteEntry(cq.Index(), wire.CompletionEntry{
		QID:             uint16(sqQID),
		CompletionIndex: completionIndex,
		Status:          uint16(api.CompletionSuccess),
		Flags:           wire.CompletionPendingFlag,
	})
	f.OnCompletionInterrupt()
}

func TestChannelOpenRegistersQueues(t *testing.T) {
	opener, f, _ := newTestOpener(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	eventCQ, err := opener.SharedEventCQ(ctx, "test-events", 8)
	if err != nil {
		t.Fatalf("SharedEventCQ: %v", err)
	}

	ch, err := opener.Open(ctx, "test-chan", eventCQ, 4, 32, 2, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if ch.Message == nil || ch.Event == nil {
		t.Fatal("expected both halves of the channel to be constructed")
	}

	if err := ch.Close(ctx, f); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestEventQueueCallbackReceivesPostedRecord(t *testing.T) {
	opener, f, _ := newTestOpener(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	eventCQ, err := opener.SharedEventCQ(ctx, "test-events", 8)
	if err != nil {
		t.Fatalf("SharedEventCQ: %v", err)
	}

	received := make(chan []byte, 1)
	ch, err := opener.Open(ctx, "test-chan", eventCQ, 4, 16, 2, func(record []byte) {
		received <- record
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close(ctx, f) })

	injectEventCompletion(f, eventCQ, ch.Event.SQ().QID(), 0)

	select {
	case record := <-received:
		if len(record) != 16 {
			t.Fatalf("expected a 16-byte record, got %d bytes", len(record))
		}
	case <-time.After(time.Second):
		t.Fatal("callback was never invoked")
	}
}

func TestCommandQueueExecuteRoundTrip(t *testing.T) {
	opener, f, _ := newTestOpener(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	eventCQ, err := opener.SharedEventCQ(ctx, "test-events", 8)
	if err != nil {
		t.Fatalf("SharedEventCQ: %v", err)
	}

	cq, err := opener.OpenCommandQueue(ctx, "test-cmd", eventCQ, 4, 8, 2)
	if err != nil {
		t.Fatalf("OpenCommandQueue: %v", err)
	}
	t.Cleanup(func() { _ = cq.Close(ctx, f) })

	done := make(chan struct{})
	var resp []byte
	var execErr error
	go func() {
		resp, execErr = cq.Execute(ctx, []byte("reqreqre"))
		close(done)
	}()

	// Give Execute a moment to post its request before the simulated
	// device "replies" by filling the event queue's next pre-posted slot.
	time.Sleep(20 * time.Millisecond)
	injectEventCompletion(f, eventCQ, cq.EventQueue().SQ().QID(), 0)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Execute never returned")
	}
	if execErr != nil {
		t.Fatalf("Execute: %v", execErr)
	}
	if len(resp) != 8 {
		t.Fatalf("expected an 8-byte reply, got %d bytes", len(resp))
	}
}

func TestCommandQueueExecuteAbortsOnClose(t *testing.T) {
	opener, f, _ := newTestOpener(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	eventCQ, err := opener.SharedEventCQ(ctx, "test-events", 8)
	if err != nil {
		t.Fatalf("SharedEventCQ: %v", err)
	}
	cq, err := opener.OpenCommandQueue(ctx, "test-cmd-abort", eventCQ, 4, 8, 2)
	if err != nil {
		t.Fatalf("OpenCommandQueue: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := cq.Execute(ctx, []byte("reqreqre"))
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)

	if err := cq.Close(ctx, f); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-done:
		if !api.Is(err, api.CodeAborted) {
			t.Fatalf("expected Aborted, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execute never returned after Close")
	}
}
