// Command bcectl is a diagnostic CLI that drives bring-up of the
// transport runtime against the in-process simulated platform adapter.
// It exercises the bring-up sequence and, optionally, the named-channel
// open/close path end to end without real co-processor hardware.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/mcmrarm/bce-transport/client/audio"
	"github.com/mcmrarm/bce-transport/client/vhci"
	"github.com/mcmrarm/bce-transport/control"
	"github.com/mcmrarm/bce-transport/device"
	"github.com/mcmrarm/bce-transport/eventqueue"
	"github.com/mcmrarm/bce-transport/platform"
)

func main() {
	var (
		coherentRegionSize = pflag.IntP("coherent-region-size", "c", 1<<20, "size in bytes of the simulated coherent DMA region")
		bootstrapRingSize  = pflag.IntP("bootstrap-ring-size", "r", 0x20, "element count of the bootstrap command queue's SQ/CQ pair")
		timeout            = pflag.DurationP("timeout", "t", 5*time.Second, "deadline for bring-up and channel-open operations")
		openVhci           = pflag.Bool("open-vhci", false, "open and close the vhci control channel after bring-up")
		openAudio          = pflag.Bool("open-audio", false, "open and close the audio control channel after bring-up")
		verbose            = pflag.BoolP("verbose", "v", false, "enable debug-level logging")
		help               = pflag.BoolP("help", "h", false, "display this help text")
	)

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "bcectl - drives bring-up of the transport runtime against a simulated device.\n\n")
		fmt.Fprintf(os.Stderr, "Usage: bcectl [options]\n\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *help {
		pflag.Usage()
		os.Exit(0)
	}

	log := control.NewLogger("bcectl")
	if *verbose {
		log.SetLevel(charmlog.DebugLevel)
	}

	if err := run(runOptions{
		coherentRegionSize: *coherentRegionSize,
		bootstrapRingSize:  *bootstrapRingSize,
		timeout:            *timeout,
		openVhci:           *openVhci,
		openAudio:          *openAudio,
	}, log); err != nil {
		log.Error("bcectl failed", "err", err)
		os.Exit(1)
	}
}

type runOptions struct {
	coherentRegionSize int
	bootstrapRingSize  int
	timeout            time.Duration
	openVhci           bool
	openAudio          bool
}

func run(opts runOptions, log *charmlog.Logger) error {
	plat, err := platform.NewSimPlatform(opts.coherentRegionSize)
	if err != nil {
		return fmt.Errorf("bcectl: constructing simulated platform: %w", err)
	}
	defer plat.Close()

	cfg := control.NewConfig(
		control.WithBootstrapRingSize(opts.bootstrapRingSize),
		control.WithMailboxTimeout(opts.timeout),
	)
	dev := device.New(device.Options{Platform: plat, Config: cfg, Log: log})
	plat.Device.SetInterruptSinks(dev.OnMailboxInterrupt, dev.OnCompletionInterrupt)

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()
	if err := dev.Bringup(ctx); err != nil {
		return fmt.Errorf("bcectl: bring-up: %w", err)
	}
	log.Info("bring-up complete", "firmware_protocol_version", device.FWProtocolVersion)

	// The dispatcher's own SQ doorbell must be bound to its CQ for the
	// simulated device to answer any command the channel opener below
	// issues over it.
	sq := dev.Dispatcher.SQ()
	plat.Device.BindQueue(sq.QID(), sq.CQ(), sq.ElCount())

	if !opts.openVhci && !opts.openAudio {
		return nil
	}

	opener := eventqueue.NewChannelOpener(dev.Fabric, dev.Dispatcher, plat)
	eventCQ, err := opener.SharedEventCQ(ctx, "bcectl-events", opts.bootstrapRingSize)
	if err != nil {
		return fmt.Errorf("bcectl: allocating shared event cq: %w", err)
	}

	if opts.openVhci {
		ctrl, err := vhci.Open(ctx, opener, eventCQ)
		if err != nil {
			return fmt.Errorf("bcectl: opening vhci channel: %w", err)
		}
		log.Info("vhci channel open", "name", vhci.ChannelName)
		if err := ctrl.Close(ctx); err != nil {
			return fmt.Errorf("bcectl: closing vhci channel: %w", err)
		}
		log.Info("vhci channel closed")
	}

	if opts.openAudio {
		transport, err := audio.Open(ctx, opener, eventCQ, func([]byte) {})
		if err != nil {
			return fmt.Errorf("bcectl: opening audio channel: %w", err)
		}
		log.Info("audio channel open", "name", audio.ChannelName)
		if err := transport.Close(ctx); err != nil {
			return fmt.Errorf("bcectl: closing audio channel: %w", err)
		}
		log.Info("audio channel closed")
	}

	return nil
}
