// File: api/platform.go
//
// The platform adapter contract: everything the transport core needs from
// whatever hands it a peripheral (character-device registration, bus
// enumeration, and interrupt-vector plumbing are the adapter's problem, not
// this core's). The core only ever sees two register windows,
// a coherent allocator, a single-buffer mapper, and two interrupt callbacks
// it must be given somewhere to call.

package api

// DoorbellBaseOffset is the offset of the doorbell register array within
// the DMA register window, indexed by QID. It is part of the
// external wire contract, not an implementation detail of fabric, so both
// the fabric and any platform adapter simulating a device reference the
// same constant.
const DoorbellBaseOffset uintptr = 0x44000

// RegisterWindow is a byte-addressable MMIO register window. Offsets are
// always in bytes; reads/writes are always 32-bit, matching the mailbox and
// doorbell register widths the reference device exposes.
type RegisterWindow interface {
	ReadReg32(offset uintptr) uint32
	WriteReg32(offset uintptr, value uint32)
}

// DMAHandle is the device-visible address of a coherent or mapped
// allocation, paired with its host-side byte slice.
type DMAHandle struct {
	Virt []byte
	Addr uint64
}

// CoherentAllocator hands out DMA-coherent memory: visible to both host and
// device without explicit flush/invalidate, used for queue rings and
// segment-list pages.
type CoherentAllocator interface {
	// AllocCoherent returns size bytes of coherent memory and its
	// device-visible address.
	AllocCoherent(size int) (DMAHandle, error)
	// FreeCoherent releases memory returned by AllocCoherent.
	FreeCoherent(h DMAHandle)
	// PageSize reports the allocator's native page size; the DMA
	// segment-list mapper treats it as a runtime parameter, not a
	// compile-time constant.
	PageSize() int
}

// ErrMappingSentinel is the sentinel DMAHandle.Addr value a SingleBufferMapper
// returns on mapping failure, mirroring the platform's own mapping-error
// sentinel convention.
const ErrMappingSentinel = ^uint64(0)

// SingleBufferMapper maps/unmaps one host buffer for device DMA in a given
// direction. Returns ErrMappingSentinel as the address on failure.
type SingleBufferMapper interface {
	MapSingle(virt []byte, dir Direction) (addr uint64, err error)
	UnmapSingle(virt []byte, addr uint64, dir Direction)
}

// Platform aggregates everything the transport core requires from its host
// environment. A single instance is threaded explicitly through the
// Device constructor; a process may host several peripherals, each with
// its own Platform.
type Platform interface {
	MailboxRegs() RegisterWindow
	DMARegs() RegisterWindow
	CoherentAllocator
	SingleBufferMapper
}

// InterruptSink is the pair of callbacks a Platform MUST route its two
// interrupt sources to. The platform adapter owns vector plumbing; it only
// ever needs to know which two methods to call.
type InterruptSink interface {
	// MailboxInterrupt is invoked from the mailbox reply IRQ.
	MailboxInterrupt()
	// CompletionInterrupt is invoked from the DMA completion IRQ.
	CompletionInterrupt()
}
