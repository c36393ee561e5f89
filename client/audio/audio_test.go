package audio

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

func TestOpenPostStatusAndClose(t *testing.T) {
	opener, f, eventCQ := newTestOpener(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	status := make(chan []byte, 1)
	tr, err := Open(ctx, opener, eventCQ, func(record []byte) { status <- record })
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close(context.Background()) })

	if err := tr.PostControlMessage(ctx, make([]byte, RecordSize)); err != nil {
		t.Fatalf("PostControlMessage: %v", err)
	}

	eventCQ.WriteEntry(eventCQ.Index(), wire.CompletionEntry{
		QID:             uint16(tr.ch.Event.SQ().QID()),
		CompletionIndex: 0,
		Status:          uint16(api.CompletionSuccess),
		Flags:           wire.CompletionPendingFlag,
	})
	f.OnCompletionInterrupt()

	select {
	case record := <-status:
		if len(record) != RecordSize {
			t.Fatalf("expected a %d-byte status record, got %d bytes", RecordSize, len(record))
		}
	case <-time.After(time.Second):
		t.Fatal("status callback was never invoked")
	}
}

func TestPostControlMessageRejectsWrongSize(t *testing.T) {
	opener, _, eventCQ := newTestOpener(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	tr, err := Open(ctx, opener, eventCQ, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close(context.Background()) })

	if err := tr.PostControlMessage(ctx, []byte("too short")); err == nil {
		t.Fatal("expected an error posting a mis-sized record")
	}
}
