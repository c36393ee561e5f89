// File: platform/sim_platform.go
//
// SimPlatform composes a SimDevice's register windows with a real
// CoherentRegion allocator and a SimSingleBufferMapper into a single
// api.Platform, the shape device.New needs. It is the reference adapter
// used by tests and cmd/bcectl; the real platform adapter is an external
// collaborator this core never implements itself.
package platform

import "github.com/mcmrarm/bce-transport/api"

// SimPlatform is a complete, in-process api.Platform: a simulated device
// on the other end of a pair of SimRegisterWindows, a coherent allocator
// backed by real mmap'd memory, and a bookkeeping-only single-buffer
// mapper.
type SimPlatform struct {
	Device *SimDevice
	Region *CoherentRegion
	SBM    *SimSingleBufferMapper
}

// NewSimPlatform reserves a coherentRegionSize coherent region and wires a
// fresh SimDevice to it. Callers must still call SetInterruptSinks to
// route the device's replies/completions into the core; wiring the two
// callbacks is the platform adapter's responsibility, not the core's.
func NewSimPlatform(coherentRegionSize int) (*SimPlatform, error) {
	region, err := NewCoherentRegion(coherentRegionSize)
	if err != nil {
		return nil, err
	}
	return &SimPlatform{
		Device: NewSimDevice(),
		Region: region,
		SBM:    NewSimSingleBufferMapper(),
	}, nil
}

func (p *SimPlatform) MailboxRegs() api.RegisterWindow { return p.Device.MailboxRegs() }
func (p *SimPlatform) DMARegs() api.RegisterWindow     { return p.Device.DMARegs() }

func (p *SimPlatform) AllocCoherent(size int) (api.DMAHandle, error) { return p.Region.AllocCoherent(size) }
func (p *SimPlatform) FreeCoherent(h api.DMAHandle)                  { p.Region.FreeCoherent(h) }
func (p *SimPlatform) PageSize() int                                 { return p.Region.PageSize() }

func (p *SimPlatform) MapSingle(virt []byte, dir api.Direction) (uint64, error) {
	return p.SBM.MapSingle(virt, dir)
}
func (p *SimPlatform) UnmapSingle(virt []byte, addr uint64, dir api.Direction) {
	p.SBM.UnmapSingle(virt, addr, dir)
}

// Close releases the underlying coherent region's mmap backing.
func (p *SimPlatform) Close() error { return p.Region.Close() }

var _ api.Platform = (*SimPlatform)(nil)
