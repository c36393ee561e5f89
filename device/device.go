// File: device/device.go
//
// Package device performs the bring-up sequence and owns the lifecycle
// of everything built on top of
// it: mailbox handshake, then CQ[0]/SQ[1] creation and registration over
// the mailbox, then the bootstrap command-queue dispatcher. Clients
// (client/vhci, client/audio) and the DMA mapper ride on the resulting
// Device.
package device

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/mcmrarm/bce-transport/api"
	"github.com/mcmrarm/bce-transport/control"
	"github.com/mcmrarm/bce-transport/dispatcher"
	"github.com/mcmrarm/bce-transport/dma"
	"github.com/mcmrarm/bce-transport/fabric"
	"github.com/mcmrarm/bce-transport/internal/wire"
	"github.com/mcmrarm/bce-transport/mailbox"
)

// FWProtocolVersion is the firmware protocol version value the bring-up
// handshake negotiates.
const FWProtocolVersion uint64 = 0x20001

// Device is a fully brought-up runtime bound to one peripheral instance.
// There is no global singleton; a process may construct more than one.
type Device struct {
	Platform   api.Platform
	Mailbox    *mailbox.Mailbox
	Fabric     *fabric.Fabric
	Dispatcher *dispatcher.Dispatcher
	Mapper     *dma.Mapper

	cfg control.Config
	log *log.Logger
}

// Options groups Device construction parameters.
type Options struct {
	Platform api.Platform
	Config   control.Config
	Log      *log.Logger
}

// New constructs a Device bound to plat but performs no I/O: it builds the
// mailbox and fabric so the caller can route the platform's two interrupt
// sources (OnMailboxInterrupt, OnCompletionInterrupt) to it before
// anything is sent. Call Bringup afterward to run the handshake and
// register the bootstrap command queue pair.
func New(opts Options) *Device {
	l := opts.Log
	if l == nil {
		l = control.NewLogger("bce-device")
	}
	cfg := opts.Config

	mb := mailbox.New(opts.Platform.MailboxRegs())
	fab := fabric.New(fabric.Config{
		Regs:               opts.Platform.DMARegs(),
		Alloc:              opts.Platform,
		MaxQueues:          cfg.MaxQueues,
		DoorbellOffset:     cfg.DoorbellBaseOffset,
		ReservationTimeout: cfg.ReservationTimeout,
		Log:                l,
	})

	return &Device{
		Platform: opts.Platform,
		Mailbox:  mb,
		Fabric:   fab,
		Mapper:   dma.NewMapper(opts.Platform, opts.Platform),
		cfg:      cfg,
		log:      l,
	}
}

// Bringup negotiates the firmware protocol version over the mailbox, then
// creates and registers CQ[0]/SQ[1] and the bootstrap command dispatcher
// built on top of them. The mailbox handshake never retries; a failed
// handshake fails bring-up outright and the Device is left unusable.
func (d *Device) Bringup(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, d.cfg.MailboxTimeout)
	defer cancel()
	if _, err := d.Mailbox.SendAndExpectType(hctx, wire.MailboxSetFWProtocolVersion, FWProtocolVersion); err != nil {
		control.LogSite(d.log, "bringup.handshake", err, "version", FWProtocolVersion)
		return err
	}
	d.log.Info("firmware protocol version handshake complete", "version", FWProtocolVersion)

	disp, err := dispatcher.New(dispatcher.Config{
		Fabric: d.Fabric, CQID: api.BootstrapCQID, SQID: api.BootstrapSQID,
		ElCount: d.cfg.BootstrapSQSize, CommandTimeout: d.cfg.CommandTimeout, Log: d.log,
	})
	if err != nil {
		return err
	}
	d.Dispatcher = disp

	rctx, cancel2 := context.WithTimeout(ctx, d.cfg.MailboxTimeout)
	defer cancel2()
	if err := d.registerBootstrapPair(rctx, disp.SQ().CQ()); err != nil {
		return err
	}

	d.log.Info("bootstrap command queue registered", "cq", api.BootstrapCQID, "sq", api.BootstrapSQID)
	return nil
}

// registerBootstrapPair publishes CQ[0] and SQ[1] to the device over the
// mailbox via REGISTER_CQ/REGISTER_SQ.
// Each REGISTER message's value is the DMA address of a one-shot coherent
// descriptor buffer holding the Memcfg the mailbox's 64-bit payload has no
// room to carry directly.
func (d *Device) registerBootstrapPair(ctx context.Context, cq *fabric.CQ) error {
	if err := d.postMemcfg(ctx, wire.MailboxRegisterCommandCQ, cq.Memcfg()); err != nil {
		return fmt.Errorf("device: registering bootstrap cq: %w", err)
	}
	if err := d.postMemcfg(ctx, wire.MailboxRegisterCommandSQ, d.Dispatcher.SQ().Memcfg()); err != nil {
		return fmt.Errorf("device: registering bootstrap sq: %w", err)
	}
	return nil
}

// postMemcfg allocates a one-shot coherent descriptor, writes cfg into it,
// maps it for to-device DMA, and sends its mapped address over the
// mailbox. The descriptor is unmapped and freed before returning in every
// case, success or failure: the device only ever needs it long enough to
// read it in response to the mailbox message.
func (d *Device) postMemcfg(ctx context.Context, typ wire.MailboxType, cfg wire.Memcfg) error {
	h, err := d.Platform.AllocCoherent(wire.MemcfgSize)
	if err != nil {
		return api.ErrMappingFailed("memcfg descriptor allocation failed").WithContext("qid", cfg.QID)
	}
	defer d.Platform.FreeCoherent(h)
	wire.PutMemcfg(h.Virt, cfg)

	addr, err := d.Platform.MapSingle(h.Virt, api.DirectionToDevice)
	if err != nil || addr == api.ErrMappingSentinel {
		return api.ErrMappingFailed("memcfg descriptor dma_map_single failed").WithContext("qid", cfg.QID)
	}
	defer d.Platform.UnmapSingle(h.Virt, addr, api.DirectionToDevice)

	_, err = d.Mailbox.SendAndExpectType(ctx, typ, addr)
	return err
}

// OnMailboxInterrupt routes the platform's mailbox reply IRQ.
func (d *Device) OnMailboxInterrupt() { d.Mailbox.OnInterrupt() }

// OnCompletionInterrupt routes the platform's DMA completion IRQ.
func (d *Device) OnCompletionInterrupt() { d.Fabric.OnCompletionInterrupt() }

// Close drains and tears down the bootstrap command queue pair. Any
// other queue a client opened against this Device (message/event pairs,
// DMA buffers) must be closed by its owner first; destroying the fabric
// out from under live queues is a programming error, not a recoverable
// one: queues must be drained and destroyed before the fabric beneath them.
func (d *Device) Close(ctx context.Context) error {
	if d.Dispatcher == nil {
		return nil
	}
	sq := d.Dispatcher.SQ()
	cq := sq.CQ()
	if err := d.Fabric.DestroySQ(ctx, sq); err != nil {
		return err
	}
	d.Fabric.DestroyCQ(cq)
	return nil
}
