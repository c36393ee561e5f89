// File: platform/coherent.go
// Package platform provides a reference implementation of the api.Platform
// contract: simulated MMIO register windows plus a real DMA-coherent
// allocator backed by an anonymous mmap region. It exists so the transport
// core can be driven end to end in tests and by cmd/bcectl without real
// co-processor hardware; it is not itself part of the transport core, which
// treats bus enumeration and the platform's allocator as an external
// collaborator.
//
// The allocator is a first-fit free-list over a single reserved region:
// the region is mmap'd once, and Alloc/Free walk a container/list of free
// blocks. That shape is what lets two sequential allocations land on
// physically contiguous pages, which the DMA segment-list mapper's
// continuity folding depends on to be exercised at all.
package platform

import (
	"container/list"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/mcmrarm/bce-transport/api"
)

// deviceBaseAddr is the fake device-visible base address the simulated bus
// assigns to the coherent region; it is deliberately distinct from the
// region's host virtual address so tests can't accidentally rely on the
// two being equal.
const deviceBaseAddr = 0x4000_0000

type freeBlock struct {
	offset int
	size   int
}

// CoherentRegion is a real coherent allocator: a single anonymous mmap
// region sub-allocated first-fit, with a fixed bus-address mapping.
type CoherentRegion struct {
	mu sync.Mutex

	region   []byte
	pageSize int

	free *list.List // *freeBlock, ordered by offset
	used map[int]int // offset -> size, for Free's O(1) lookup
}

// NewCoherentRegion reserves a region of regionSize bytes (rounded up to a
// whole number of pages) for coherent sub-allocation.
func NewCoherentRegion(regionSize int) (*CoherentRegion, error) {
	pageSize := unix.Getpagesize()
	regionSize = roundUp(regionSize, pageSize)

	region, err := unix.Mmap(-1, 0, regionSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("platform: mmap coherent region: %w", err)
	}

	r := &CoherentRegion{
		region:   region,
		pageSize: pageSize,
		free:     list.New(),
		used:     make(map[int]int),
	}
	r.free.PushFront(&freeBlock{offset: 0, size: regionSize})
	return r, nil
}

func roundUp(n, align int) int {
	if n%align == 0 {
		return n
	}
	return (n/align + 1) * align
}

// PageSize reports the allocator's native page size, treated as a runtime
// parameter rather than a compile-time constant.
func (r *CoherentRegion) PageSize() int { return r.pageSize }

// AllocCoherent hands out size bytes (rounded up to a whole number of
// pages) from the region, first-fit.
func (r *CoherentRegion) AllocCoherent(size int) (api.DMAHandle, error) {
	size = roundUp(size, r.pageSize)

	r.mu.Lock()
	defer r.mu.Unlock()

	for e := r.free.Front(); e != nil; e = e.Next() {
		b := e.Value.(*freeBlock)
		if b.size < size {
			continue
		}
		offset := b.offset
		if b.size == size {
			r.free.Remove(e)
		} else {
			b.offset += size
			b.size -= size
		}
		r.used[offset] = size
		return api.DMAHandle{
			Virt: r.region[offset : offset+size : offset+size],
			Addr: deviceBaseAddr + uint64(offset),
		}, nil
	}
	return api.DMAHandle{}, fmt.Errorf("platform: coherent region exhausted (requested %d bytes)", size)
}

// FreeCoherent returns memory to the free list, coalescing with
// immediately adjacent free blocks.
func (r *CoherentRegion) FreeCoherent(h api.DMAHandle) {
	offset := int(h.Addr - deviceBaseAddr)

	r.mu.Lock()
	defer r.mu.Unlock()

	size, ok := r.used[offset]
	if !ok {
		return
	}
	delete(r.used, offset)

	for i := range r.region[offset : offset+size] {
		r.region[offset+i] = 0
	}

	inserted := &freeBlock{offset: offset, size: size}
	var at *list.Element
	for e := r.free.Front(); e != nil; e = e.Next() {
		if e.Value.(*freeBlock).offset > offset {
			at = e
			break
		}
	}
	var elem *list.Element
	if at == nil {
		elem = r.free.PushBack(inserted)
	} else {
		elem = r.free.InsertBefore(inserted, at)
	}
	r.coalesce(elem)
}

// coalesce merges elem with its immediate predecessor/successor if they
// describe physically adjacent free ranges.
func (r *CoherentRegion) coalesce(elem *list.Element) {
	b := elem.Value.(*freeBlock)
	if next := elem.Next(); next != nil {
		nb := next.Value.(*freeBlock)
		if b.offset+b.size == nb.offset {
			b.size += nb.size
			r.free.Remove(next)
		}
	}
	if prev := elem.Prev(); prev != nil {
		pb := prev.Value.(*freeBlock)
		if pb.offset+pb.size == b.offset {
			pb.size += b.size
			r.free.Remove(elem)
		}
	}
}

// UsedBytes reports how many bytes are currently allocated out of the
// region, for tests asserting that a failure path leaves nothing leaked.
func (r *CoherentRegion) UsedBytes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, size := range r.used {
		total += size
	}
	return total
}

// Close unmaps the backing region. Not part of api.CoherentAllocator: only
// the owner that created the region via NewCoherentRegion should call it.
func (r *CoherentRegion) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.region == nil {
		return nil
	}
	err := unix.Munmap(r.region)
	r.region = nil
	return err
}

var _ api.CoherentAllocator = (*CoherentRegion)(nil)
