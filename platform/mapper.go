// File: platform/mapper.go
package platform

import (
	"sync"
	"sync/atomic"

	"github.com/mcmrarm/bce-transport/api"
)

// SingleBufferBase is the fake bus-address base the simulator assigns to
// single-buffer mappings, kept distinct from the coherent region's base
// (platform.deviceBaseAddr) so a misrouted handle is easy to spot in logs.
// Exported so callers asserting on mapped addresses (e.g. dma's tests)
// don't have to hardcode it.
const SingleBufferBase = 0x8000_0000

// SimSingleBufferMapper is a reference api.SingleBufferMapper: it assigns
// each mapped buffer a monotonically increasing fake bus address and
// records the mapping so Unmap can be validated. Real hardware consults
// an IOMMU or does a straight virt-to-phys translation; this simulator
// has neither, so it only needs bookkeeping, not translation.
type SimSingleBufferMapper struct {
	next   uint64
	mu     sync.Mutex
	mapped map[uint64][]byte
	failAt int32 // 1-based index of the one MapSingle call that fails; 0 disables
	calls  int32
}

// NewSimSingleBufferMapper constructs an always-succeeding mapper.
func NewSimSingleBufferMapper() *SimSingleBufferMapper {
	return &SimSingleBufferMapper{next: SingleBufferBase, mapped: make(map[uint64][]byte)}
}

// FailMappingAtCall makes the nth call to MapSingle (1-based) return the
// mapping-error sentinel, for exercising the mapper's unwind-on-failure path. Pass 0
// to disable injected failures again.
func (m *SimSingleBufferMapper) FailMappingAtCall(n int) {
	atomic.StoreInt32(&m.failAt, int32(n))
}

func (m *SimSingleBufferMapper) MapSingle(virt []byte, _ api.Direction) (uint64, error) {
	call := atomic.AddInt32(&m.calls, 1)
	if f := atomic.LoadInt32(&m.failAt); f != 0 && call == f {
		return api.ErrMappingSentinel, api.ErrMappingFailed("simulated dma_map_single failure")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	addr := m.next
	size := uint64(len(virt))
	if size == 0 {
		size = 1
	}
	m.next += size
	m.mapped[addr] = virt
	return addr, nil
}

func (m *SimSingleBufferMapper) UnmapSingle(_ []byte, addr uint64, _ api.Direction) {
	m.mu.Lock()
	delete(m.mapped, addr)
	m.mu.Unlock()
}

// MappedCount reports how many mappings are currently outstanding, for
// tests asserting that a failed or unwound mapping leaves nothing behind.
func (m *SimSingleBufferMapper) MappedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mapped)
}

var _ api.SingleBufferMapper = (*SimSingleBufferMapper)(nil)
