package mailbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mcmrarm/bce-transport/api"
	"github.com/mcmrarm/bce-transport/internal/wire"
)

// fakeRegWindow is a minimal in-memory register window used to drive the
// mailbox handshake without real hardware.
type fakeRegWindow struct {
	mu   sync.Mutex
	regs map[uintptr]uint32
}

func newFakeRegWindow() *fakeRegWindow {
	return &fakeRegWindow{regs: make(map[uintptr]uint32)}
}

func (f *fakeRegWindow) ReadReg32(offset uintptr) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regs[offset]
}

func (f *fakeRegWindow) WriteReg32(offset uintptr, value uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs[offset] = value
}

var _ api.RegisterWindow = (*fakeRegWindow)(nil)

// injectReply simulates the device answering a send: it writes the reply
// registers, sets the reply counter, and fires the interrupt.
func injectReply(t *testing.T, regs *fakeRegWindow, mb *Mailbox, typ wire.MailboxType, value uint64) {
	t.Helper()
	msg := wire.EncodeMailboxMessage(typ, value)
	regs.WriteReg32(ReplyRegOffset, uint32(msg))
	regs.WriteReg32(ReplyRegOffset+4, uint32(msg>>32))
	regs.WriteReg32(ReplyCountOffset, 1)
	mb.OnInterrupt()
}

func TestSendReceivesReply(t *testing.T) {
	regs := newFakeRegWindow()
	mb := New(regs)

	done := make(chan struct{})
	var recv uint64
	var sendErr error
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		recv, sendErr = mb.Send(ctx, wire.MailboxSetFWProtocolVersion, 0x20001)
		close(done)
	}()

	// Give the sender a moment to register its reply channel, then inject
	// the reply exactly as the device's interrupt path would.
	time.Sleep(10 * time.Millisecond)
	injectReply(t, regs, mb, wire.MailboxSetFWProtocolVersion, 0x20001)

	<-done
	if sendErr != nil {
		t.Fatalf("unexpected error: %v", sendErr)
	}
	gotType, gotVal := wire.DecodeMailboxMessage(recv)
	if gotType != wire.MailboxSetFWProtocolVersion || gotVal != 0x20001 {
		t.Fatalf("got type=%x val=%x", gotType, gotVal)
	}
}

// TestHandshakeTypeMismatch covers the failure case: a reply with a
// different type than what was sent is a fatal ProtocolDesync.
func TestHandshakeTypeMismatch(t *testing.T) {
	regs := newFakeRegWindow()
	mb := New(regs)

	done := make(chan struct{})
	var err error
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, err = mb.SendAndExpectType(ctx, wire.MailboxSetFWProtocolVersion, 0x20001)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	injectReply(t, regs, mb, 0xD, 0x20001)

	<-done
	if !api.Is(err, api.CodeProtocolDesync) {
		t.Fatalf("expected ProtocolDesync, got %v", err)
	}
}

// TestBusyRejectsConcurrentSend covers two concurrent sends: one holds
// the slot, the other fails fast as Busy without touching registers.
func TestBusyRejectsConcurrentSend(t *testing.T) {
	regs := newFakeRegWindow()
	mb := New(regs)

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		close(started)
		_, _ = mb.Send(ctx, wire.MailboxSetFWProtocolVersion, 1)
		<-release
	}()
	<-started
	time.Sleep(10 * time.Millisecond)

	_, err := mb.Send(context.Background(), wire.MailboxSetFWProtocolVersion, 2)
	if !api.Is(err, api.CodeBusy) {
		t.Fatalf("expected Busy, got %v", err)
	}
	if got := regs.ReadReg32(SendRegOffset); got != 1 {
		t.Fatalf("rejected send touched the send register: got %#x, want 0x1", got)
	}

	injectReply(t, regs, mb, wire.MailboxSetFWProtocolVersion, 1)
	close(release)
}

func TestSendTimesOut(t *testing.T) {
	regs := newFakeRegWindow()
	mb := New(regs)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := mb.Send(ctx, wire.MailboxSetFWProtocolVersion, 0x20001)
	if !api.Is(err, api.CodeTimeout) {
		t.Fatalf("expected Timeout, got %v", err)
	}
}

func TestSpuriousInterruptIsNoOp(t *testing.T) {
	regs := newFakeRegWindow()
	mb := New(regs)
	// No count set (defaults to 0): OnInterrupt must not panic or signal.
	mb.OnInterrupt()
}
