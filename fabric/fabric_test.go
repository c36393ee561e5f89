package fabric

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mcmrarm/bce-transport/api"
	"github.com/mcmrarm/bce-transport/internal/wire"
	"github.com/mcmrarm/bce-transport/platform"
)

// fakeDMARegs is a minimal in-memory register window standing in for the
// DMA doorbell register array.
type fakeDMARegs struct {
	mu   sync.Mutex
	regs map[uintptr]uint32
}

func newFakeDMARegs() *fakeDMARegs {
	return &fakeDMARegs{regs: make(map[uintptr]uint32)}
}

func (f *fakeDMARegs) ReadReg32(offset uintptr) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regs[offset]
}

func (f *fakeDMARegs) WriteReg32(offset uintptr, value uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs[offset] = value
}

var _ api.RegisterWindow = (*fakeDMARegs)(nil)

func newTestFabric(t testing.TB) (*Fabric, *fakeDMARegs, *platform.CoherentRegion) {
	t.Helper()
	region, err := platform.NewCoherentRegion(1 << 20)
	if err != nil {
		t.Fatalf("NewCoherentRegion: %v", err)
	}
	t.Cleanup(func() { _ = region.Close() })
	regs := newFakeDMARegs()
	f := New(Config{Regs: regs, Alloc: region})
	return f, regs, region
}

// injectCompletion simulates the device writing a completion entry at
// cq's current drain index and firing the completion interrupt.
func injectCompletion(t testing.TB, f *Fabric, cq *CQ, qid api.QID, completionIndex uint16, status api.CompletionStatus) {
	t.Helper()
	entry := wire.CompletionEntry{
		QID:             uint16(qid),
		CompletionIndex: completionIndex,
		Status:          uint16(status),
		Flags:           wire.CompletionPendingFlag,
	}
	buf := cq.entry(cq.index)
	wire.PutCompletionEntry(buf, entry)
	f.OnCompletionInterrupt()
}

// TestRingArithmeticWrapsAround checks wraparound: 9 submit/complete cycles
// on a 4-slot ring carry head and tail around the ring twice, and head must
// still have caught up with tail afterwards.
func TestRingArithmeticWrapsAround(t *testing.T) {
	f, _, _ := newTestFabric(t)
	cq, err := f.CreateCQ(api.BootstrapCQID, 4)
	if err != nil {
		t.Fatalf("CreateCQ: %v", err)
	}
	sq, err := f.CreateSQ(SQConfig{QID: api.BootstrapSQID, CQ: cq, ElSize: 16, ElCount: 4,
		Callback: func(sq *SQ, _ uint16, _ api.CompletionData) { sq.NotifySubmissionComplete() }})
	if err != nil {
		t.Fatalf("CreateSQ: %v", err)
	}

	ctx := context.Background()
	for round := 0; round < 3*3; round++ {
		if err := sq.ReserveSubmission(ctx); err != nil {
			t.Fatalf("round %d: ReserveSubmission: %v", round, err)
		}
		SetSubmissionSingle(sq.NextSubmission(), uint64(round), 8)
		idx := uint16(sq.tail)
		sq.Submit()
		injectCompletion(t, f, cq, sq.QID(), idx, api.CompletionSuccess)
	}

	sq.mu.Lock()
	head, tail := sq.head, sq.tail
	sq.mu.Unlock()
	if head != tail {
		t.Fatalf("expected head==tail after draining every submission, got head=%d tail=%d", head, tail)
	}
}

// TestSaturatedSQReservationTimesOut covers an SQ with
// 4 usable slots, all reserved; a fifth reservation blocks and times out as
// NoSpace without moving tail.
func TestSaturatedSQReservationTimesOut(t *testing.T) {
	f, _, _ := newTestFabric(t)
	cq, err := f.CreateCQ(api.BootstrapCQID, 8)
	if err != nil {
		t.Fatalf("CreateCQ: %v", err)
	}
	// elCount=5 gives 4 usable slots ((tail+1)%elCount==head marks full).
	sq, err := f.CreateSQ(SQConfig{QID: api.BootstrapSQID, CQ: cq, ElSize: 16, ElCount: 5})
	if err != nil {
		t.Fatalf("CreateSQ: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := sq.ReserveSubmission(ctx); err != nil {
			t.Fatalf("reservation %d: %v", i, err)
		}
		SetSubmissionSingle(sq.NextSubmission(), uint64(i), 8)
		sq.Submit()
	}

	sq.mu.Lock()
	tailBefore := sq.tail
	sq.mu.Unlock()

	start := time.Now()
	timeoutCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = sq.ReserveSubmission(timeoutCtx)
	elapsed := time.Since(start)

	if !api.Is(err, api.CodeNoSpace) {
		t.Fatalf("expected NoSpace, got %v", err)
	}
	if elapsed < 90*time.Millisecond {
		t.Fatalf("returned too early: %v", elapsed)
	}

	sq.mu.Lock()
	tailAfter := sq.tail
	sq.mu.Unlock()
	if tailAfter != tailBefore {
		t.Fatalf("tail moved while reservation was refused: before=%d after=%d", tailBefore, tailAfter)
	}
}

// TestCompletionIndexDesync covers the case where the device reports a
// completion index that doesn't match what the ring expects next. The SQ
// must be marked fatally desynced and the ring left unadvanced.
func TestCompletionIndexDesync(t *testing.T) {
	f, _, _ := newTestFabric(t)
	cq, err := f.CreateCQ(api.BootstrapCQID, 8)
	if err != nil {
		t.Fatalf("CreateCQ: %v", err)
	}
	sq, err := f.CreateSQ(SQConfig{QID: api.BootstrapSQID, CQ: cq, ElSize: 16, ElCount: 8})
	if err != nil {
		t.Fatalf("CreateSQ: %v", err)
	}

	ctx := context.Background()
	if err := sq.ReserveSubmission(ctx); err != nil {
		t.Fatalf("ReserveSubmission: %v", err)
	}
	SetSubmissionSingle(sq.NextSubmission(), 0xAAAA, 8)
	sq.Submit()

	sq.mu.Lock()
	headBefore := sq.head
	sq.mu.Unlock()

	// Device reports completion_index=7 while the ring expects 0.
	injectCompletion(t, f, cq, sq.QID(), 7, api.CompletionSuccess)

	desynced, desyncErr := sq.Desynced()
	if !desynced {
		t.Fatal("expected queue to be marked desynced")
	}
	if desyncErr == nil || desyncErr.Code != api.CodeProtocolDesync {
		t.Fatalf("expected ProtocolDesync, got %v", desyncErr)
	}

	sq.mu.Lock()
	headAfter := sq.head
	sq.mu.Unlock()
	if headAfter != headBefore {
		t.Fatalf("ring advanced on a desynced completion: before=%d after=%d", headBefore, headAfter)
	}

	if err := sq.ReserveSubmission(context.Background()); !api.Is(err, api.CodeProtocolDesync) {
		t.Fatalf("expected subsequent caller to observe ProtocolDesync, got %v", err)
	}
}

// TestOutOfRangeQIDCompletionIsDropped exercises the case where a
// completion entry whose QID exceeds maxQueues is logged and dropped rather
// than panicking or desyncing any live queue.
func TestOutOfRangeQIDCompletionIsDropped(t *testing.T) {
	f, _, _ := newTestFabric(t)
	cq, err := f.CreateCQ(api.BootstrapCQID, 4)
	if err != nil {
		t.Fatalf("CreateCQ: %v", err)
	}

	entry := wire.CompletionEntry{QID: uint16(DefaultMaxQueues + 1), CompletionIndex: 0, Flags: wire.CompletionPendingFlag}
	buf := cq.entry(cq.index)
	wire.PutCompletionEntry(buf, entry)
	f.OnCompletionInterrupt() // must not panic
}

// TestDestroySQWaitsForDrain covers quiescence: DestroySQ must block while a
// submission is still outstanding and return once it completes.
func TestDestroySQWaitsForDrain(t *testing.T) {
	f, _, _ := newTestFabric(t)
	cq, err := f.CreateCQ(api.BootstrapCQID, 4)
	if err != nil {
		t.Fatalf("CreateCQ: %v", err)
	}
	sq, err := f.CreateSQ(SQConfig{QID: api.BootstrapSQID, CQ: cq, ElSize: 16, ElCount: 4,
		Callback: func(sq *SQ, _ uint16, _ api.CompletionData) { sq.NotifySubmissionComplete() }})
	if err != nil {
		t.Fatalf("CreateSQ: %v", err)
	}

	ctx := context.Background()
	if err := sq.ReserveSubmission(ctx); err != nil {
		t.Fatalf("ReserveSubmission: %v", err)
	}
	SetSubmissionSingle(sq.NextSubmission(), 1, 8)
	idx := uint16(sq.tail)
	sq.Submit()

	destroyDone := make(chan error, 1)
	go func() {
		destroyCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		destroyDone <- f.DestroySQ(destroyCtx, sq)
	}()

	select {
	case <-destroyDone:
		t.Fatal("DestroySQ returned before the queue quiesced")
	case <-time.After(20 * time.Millisecond):
	}

	injectCompletion(t, f, cq, sq.QID(), idx, api.CompletionSuccess)

	select {
	case err := <-destroyDone:
		if err != nil {
			t.Fatalf("DestroySQ: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("DestroySQ did not return after the queue drained")
	}
}
