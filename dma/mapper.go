// File: dma/mapper.go
package dma

import (
	"github.com/mcmrarm/bce-transport/api"
	"github.com/mcmrarm/bce-transport/internal/wire"
)

// Mapper builds segment-list chains out of scatter/gather lists. A
// single Mapper is shared by every caller mapping buffers against the
// same platform; it carries no per-buffer state of its own.
type Mapper struct {
	alloc    api.CoherentAllocator
	sbm      api.SingleBufferMapper
	pageSize int
}

// NewMapper constructs a Mapper bound to a coherent allocator (for
// segment-list pages) and a single-buffer mapper (for the underlying
// scatter/gather entries). pageSize is read once from alloc.PageSize().
func NewMapper(alloc api.CoherentAllocator, sbm api.SingleBufferMapper) *Mapper {
	return &Mapper{alloc: alloc, sbm: sbm, pageSize: alloc.PageSize()}
}

// PageSize reports the segment-list page size this mapper uses.
func (mp *Mapper) PageSize() int { return mp.pageSize }

// sgMapping is one scatter/gather entry after it has been mapped for
// device DMA.
type sgMapping struct {
	virt []byte
	addr uint64
}

// seglGroup is a chain of one or more physically contiguous coherent
// pages sharing a single header (the first page's). Pages after the
// first carry no header of their own — continuity folding extends the
// first page's element_count into their space instead of starting a new
// header.
type seglGroup struct {
	handles    []api.DMAHandle
	mappedAddr []uint64
	written    int
	dataSize   uint64
}

// elementsPerPage returns how many elements the group's nth handle can
// hold: the header eats into the first page's capacity, the rest don't
// carry one.
func (mp *Mapper) elementsPerPage(handleIdx int) int {
	if handleIdx == 0 {
		return wire.SeglElementsPerPage(mp.pageSize)
	}
	return mp.pageSize / wire.SeglElementSize
}

func (mp *Mapper) groupCapacity(g *seglGroup) int {
	total := 0
	for i := range g.handles {
		total += mp.elementsPerPage(i)
	}
	return total
}

func (mp *Mapper) writeElement(g *seglGroup, addr, length uint64) {
	idx := g.written
	handleIdx := 0
	for {
		n := mp.elementsPerPage(handleIdx)
		if idx < n {
			break
		}
		idx -= n
		handleIdx++
	}
	if handleIdx == 0 {
		wire.PutSeglElement(g.handles[0].Virt, idx, addr, length)
	} else {
		wire.PutSeglElementRaw(g.handles[handleIdx].Virt, idx*wire.SeglElementSize, addr, length)
	}
	g.written++
	g.dataSize += length
}

// contiguous reports whether h immediately follows g's last page in the
// device's address space — the signal continuity folding keys on.
func (mp *Mapper) contiguous(g *seglGroup, h api.DMAHandle) bool {
	last := g.handles[len(g.handles)-1]
	return h.Addr == last.Addr+uint64(mp.pageSize)
}

// freeGroup unmaps each of the group's pages for to-device DMA before
// freeing the coherent backing, mirroring the allocate-then-map order
// buildSegList built them in, reversed.
func (mp *Mapper) freeGroup(g *seglGroup) {
	for i, h := range g.handles {
		if i < len(g.mappedAddr) {
			mp.sbm.UnmapSingle(h.Virt, g.mappedAddr[i], api.DirectionToDevice)
		}
		mp.alloc.FreeCoherent(h)
	}
}

// mapSegList maps every page of every group for to-device DMA, one
// dma_map_single-style call per page. A failure partway through leaves
// earlier groups' mappedAddr populated; the caller unwinds via freeGroup,
// which tolerates the partial mappedAddr slice on the group still being
// built.
func (mp *Mapper) mapSegList(groups []*seglGroup) error {
	for _, g := range groups {
		for _, h := range g.handles {
			addr, err := mp.sbm.MapSingle(h.Virt, api.DirectionToDevice)
			if err != nil || addr == api.ErrMappingSentinel {
				return api.ErrMappingFailed("segment-list page dma_map_single failed").
					WithContext("page", len(g.mappedAddr))
			}
			g.mappedAddr = append(g.mappedAddr, addr)
		}
	}
	return nil
}

// Buffer is the mapped handle returned to callers: a direction, the
// mapped scatter/gather list, and the segment-list chain built over it.
type Buffer struct {
	Direction api.Direction

	sg     []sgMapping
	groups []*seglGroup
}

// FirstSeglAddr is the device-visible address of the first segment-list
// page, the value a caller publishes to the device alongside the
// transfer request. Zero if buf was empty.
func (b *Buffer) FirstSeglAddr() uint64 {
	if len(b.groups) == 0 {
		return 0
	}
	return b.groups[0].mappedAddr[0]
}

// GroupCount reports how many segment-list headers the mapping produced.
func (b *Buffer) GroupCount() int { return len(b.groups) }

// GroupHeader decodes the ith segment-list header, for tests and
// diagnostics.
func (b *Buffer) GroupHeader(i int) wire.SeglHeader {
	return wire.GetSeglHeader(b.groups[i].handles[0].Virt)
}

// GroupElement decodes the jth element of the ith segment-list group.
func (b *Buffer) GroupElement(i, j int) (addr, length uint64) {
	g := b.groups[i]
	idx := j
	handleIdx := 0
	for {
		n := 0
		if handleIdx == 0 {
			n = wire.SeglElementsPerPage(len(g.handles[0].Virt))
		} else {
			n = len(g.handles[handleIdx].Virt) / wire.SeglElementSize
		}
		if idx < n {
			break
		}
		idx -= n
		handleIdx++
	}
	if handleIdx == 0 {
		return wire.GetSeglElement(g.handles[0].Virt, idx)
	}
	return wire.GetSeglElementRaw(g.handles[handleIdx].Virt, idx*wire.SeglElementSize)
}

// MapBuffer builds a scatter/gather list over a contiguous buffer, maps
// each entry for DMA in dir, folds the mapped addresses into a chain of
// segment-list pages, then maps each segment-list page itself for
// to-device DMA (the direction is always to-device: the segment list is
// something the device reads, regardless of which way the payload
// flows). Any failure unwinds everything mapped or allocated so far
// before returning.
func (mp *Mapper) MapBuffer(buf []byte, dir api.Direction) (*Buffer, error) {
	return mp.mapSG(BuildSGList(buf, mp.pageSize), dir)
}

// MapBufferPages is MapBuffer's counterpart for a virtual range backed
// by pinned pages: each element of pages becomes one scatter/gather
// entry verbatim (the first and last may be partial pages). The caller
// keeps the pages pinned until Unmap.
func (mp *Mapper) MapBufferPages(pages [][]byte, dir api.Direction) (*Buffer, error) {
	sg := make([]SGEntry, 0, len(pages))
	for _, p := range pages {
		if len(p) == 0 {
			continue
		}
		sg = append(sg, SGEntry{Data: p})
	}
	return mp.mapSG(sg, dir)
}

func (mp *Mapper) mapSG(sgList []SGEntry, dir api.Direction) (*Buffer, error) {
	mapped := make([]sgMapping, 0, len(sgList))
	for _, e := range sgList {
		addr, err := mp.sbm.MapSingle(e.Data, dir)
		if err != nil || addr == api.ErrMappingSentinel {
			mp.unwindSG(mapped, dir)
			return nil, api.ErrMappingFailed("dma_map_single failed").WithContext("entry", len(mapped))
		}
		mapped = append(mapped, sgMapping{virt: e.Data, addr: addr})
	}
	if len(mapped) != len(sgList) {
		mp.unwindSG(mapped, dir)
		return nil, api.ErrMappingFailed("mapped entry count does not match nominal s/g count").
			WithContext("nominal", len(sgList)).WithContext("mapped", len(mapped))
	}

	groups, err := mp.buildSegList(mapped)
	if err != nil {
		mp.unwindSG(mapped, dir)
		return nil, err
	}

	return &Buffer{Direction: dir, sg: mapped, groups: groups}, nil
}

func (mp *Mapper) unwindSG(mapped []sgMapping, dir api.Direction) {
	for _, m := range mapped {
		mp.sbm.UnmapSingle(m.virt, m.addr, dir)
	}
}

func (mp *Mapper) buildSegList(entries []sgMapping) (groups []*seglGroup, err error) {
	var cur *seglGroup
	unwind := func() {
		for _, g := range groups {
			mp.freeGroup(g)
		}
		if cur != nil {
			mp.freeGroup(cur)
		}
	}

	for _, e := range entries {
		if cur == nil || cur.written >= mp.groupCapacity(cur) {
			h, aerr := mp.alloc.AllocCoherent(mp.pageSize)
			if aerr != nil {
				unwind()
				return nil, api.ErrMappingFailed("segment-list page allocation failed")
			}
			switch {
			case cur == nil:
				cur = &seglGroup{handles: []api.DMAHandle{h}}
			case mp.contiguous(cur, h):
				cur.handles = append(cur.handles, h)
			default:
				groups = append(groups, cur)
				cur = &seglGroup{handles: []api.DMAHandle{h}}
			}
		}
		mp.writeElement(cur, e.addr, uint64(len(e.virt)))
	}
	if cur != nil {
		groups = append(groups, cur)
		cur = nil
	}

	if err := mp.mapSegList(groups); err != nil {
		unwind()
		return nil, err
	}

	for i, g := range groups {
		var nextAddr, nextLength uint64
		if i+1 < len(groups) {
			nextAddr = groups[i+1].mappedAddr[0]
			nextLength = uint64(mp.pageSize)
		}
		wire.PutSeglHeader(g.handles[0].Virt, wire.SeglHeader{
			ElementCount:   uint32(g.written),
			DataSize:       g.dataSize,
			NextSeglAddr:   nextAddr,
			NextSeglLength: nextLength,
		})
	}
	return groups, nil
}

// Unmap walks the segment-list chain, unmapping each page's to-device
// DMA mapping and freeing its coherent backing, then unmaps the
// underlying scatter/gather list in its original direction, the teardown
// order reversed from construction.
func (mp *Mapper) Unmap(b *Buffer) {
	for _, g := range b.groups {
		mp.freeGroup(g)
	}
	for _, m := range b.sg {
		mp.sbm.UnmapSingle(m.virt, m.addr, b.Direction)
	}
}
