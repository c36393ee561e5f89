// File: platform/regwindow.go
package platform

import (
	"sync"

	"github.com/mcmrarm/bce-transport/api"
)

// SimRegisterWindow is a minimal in-memory api.RegisterWindow: a map of
// 32-bit registers guarded by a mutex, with an optional observer notified
// of every write. It backs both the simulated mailbox and DMA register
// windows in tests and cmd/bcectl.
type SimRegisterWindow struct {
	mu      sync.Mutex
	regs    map[uintptr]uint32
	onWrite func(offset uintptr, value uint32)
}

// NewSimRegisterWindow constructs an empty register window.
func NewSimRegisterWindow() *SimRegisterWindow {
	return &SimRegisterWindow{regs: make(map[uintptr]uint32)}
}

// OnWrite installs a callback invoked after every WriteReg32, outside the
// window's own lock. Used to let a SimDevice observe doorbell writes.
func (w *SimRegisterWindow) OnWrite(fn func(offset uintptr, value uint32)) {
	w.mu.Lock()
	w.onWrite = fn
	w.mu.Unlock()
}

func (w *SimRegisterWindow) ReadReg32(offset uintptr) uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.regs[offset]
}

func (w *SimRegisterWindow) WriteReg32(offset uintptr, value uint32) {
	w.mu.Lock()
	w.regs[offset] = value
	cb := w.onWrite
	w.mu.Unlock()
	if cb != nil {
		cb(offset, value)
	}
}

var _ api.RegisterWindow = (*SimRegisterWindow)(nil)
