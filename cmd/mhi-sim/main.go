// mhi-sim: host/device round trip over a simulated MHI link
// https://github.com/usbarmory/mhi
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Command mhi-sim wires a Controller against an in-process simdevice.Device
// and a netchan.Client network bridge, the end-to-end demonstration
// tamago/example/usb_ethernet.go plays for a real USB Ethernet gadget: an
// Ethernet frame submitted on the uplink channel is echoed straight back by
// the simulated device onto the downlink channel, and a minimal gvisor
// stack is attached so the bridge can be driven with real network protocol
// traffic instead of raw channel submission.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"golang.org/x/sync/errgroup"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"

	"github.com/usbarmory/mhi/dma"
	"github.com/usbarmory/mhi/mhi"
	"github.com/usbarmory/mhi/netchan"
	"github.com/usbarmory/mhi/regio"
	"github.com/usbarmory/mhi/ring"
	"github.com/usbarmory/mhi/simdevice"
)

const (
	hostMAC   = "1a:55:89:a2:69:42"
	deviceMAC = "1a:55:89:a2:69:41"
	nicAddr   = "10.0.0.2"
	nic       = tcpip.NICID(1)
	mtu       = 1500

	ulChanID = 0
	dlChanID = 1
)

// noopCollab is the PM collaborator for a simulated link: there is no real
// bus to idle or wake, so every hook is a no-op except the lifecycle
// notification, which is logged.
type noopCollab struct {
	log *zap.SugaredLogger
}

func (noopCollab) RuntimeGet()    {}
func (noopCollab) RuntimePut()    {}
func (noopCollab) WakeToggle()    {}
func (noopCollab) TriggerResume() {}

func (c noopCollab) StatusCB(e mhi.ControllerEvent) {
	c.log.Infow("controller event", "event", e)
}

func main() {
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg := zap.NewProductionConfig()
	if *debug {
		cfg = zap.NewDevelopmentConfig()
	}
	zl, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	defer zl.Sync()
	log := zl.Sugar()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, log); err != nil {
		log.Fatalw("mhi-sim exited with error", "error", err)
	}
}

func run(ctx context.Context, log *zap.SugaredLogger) error {
	region := dma.NewRegion(0x80000000, 1<<24)
	dev := simdevice.New(region)
	reg := regio.New(dev)

	cmdMem := make([]byte, 16*mhi.TRESize)
	cmdCtxtWP := new(uint64)
	cmdRing := ring.New(cmdMem, 0x1000, mhi.TRESize, cmdCtxtWP)
	cmd := mhi.NewCommandRing(cmdRing, 0x50)

	ctrl := mhi.New(reg, cmd, noopCollab{log: log}, 2*time.Second, log)

	ctlMem := make([]byte, 32*mhi.TRESize)
	ctlDevWP := new(uint64)
	*ctlDevWP = 0x2000
	ctlRing := ring.New(ctlMem, 0x2000, mhi.TRESize, nil)
	ctl := mhi.NewEventRing(0, ctlRing, ctlDevWP, 0x60, regio.NewDoorbell(regio.BurstDisabled), mhi.PriorityDefaultNoSleep, mhi.KindControl)
	ctrl.AddEventRing(ctl)

	dataMem := make([]byte, 32*mhi.TRESize)
	dataDevWP := new(uint64)
	*dataDevWP = 0x3000
	dataRing := ring.New(dataMem, 0x3000, mhi.TRESize, nil)
	data := mhi.NewEventRing(1, dataRing, dataDevWP, 0x70, regio.NewDoorbell(regio.BurstDisabled), mhi.PriorityDefaultNoSleep, mhi.KindData)
	ctrl.AddEventRing(data)

	dev.RegisterEventRing(0, ctlRing, ctlDevWP)
	dev.RegisterEventRing(1, dataRing, dataDevWP)
	dev.RegisterCommandRing(cmdRing, 0x50, 0)
	dev.OnMSI(func(erIndex int) {
		if err := ctrl.HandleMSI(erIndex); err != nil {
			log.Errorw("HandleMSI failed", "ring", erIndex, "error", err)
		}
	})

	ulMem := make([]byte, 32*mhi.TRESize)
	ulCtxtWP := new(uint64)
	ulRing := ring.New(ulMem, 0x10000, mhi.TRESize, ulCtxtWP)
	ul := mhi.NewChannel(ulChanID, "net-ul", mhi.ToDevice, 0xffffffff, 1, ulRing, dma.NewDirectMapper(region), regio.NewDoorbell(regio.BurstDisabled), 0x80, nil)
	ctrl.AddChannel(ul)

	dlMem := make([]byte, 32*mhi.TRESize)
	dlCtxtWP := new(uint64)
	dlRing := ring.New(dlMem, 0x20000, mhi.TRESize, dlCtxtWP)
	dl := mhi.NewChannel(dlChanID, "net-dl", mhi.FromDevice, 0xffffffff, 1, dlRing, dma.NewDirectMapper(region), regio.NewDoorbell(regio.BurstDisabled), 0x88, nil)
	ctrl.AddChannel(dl)

	// the simulated device's only behavior: echo every uplink frame
	// straight back as a downlink frame, standing in for a real peer on
	// the other end of the link.
	dev.RegisterChannel(ulChanID, ulRing, mhi.ToDevice, 0x80, 1, func(payload []byte) {
		if err := dev.Push(dlChanID, payload); err != nil {
			log.Warnw("device echo dropped frame", "error", err)
		}
	})
	dev.RegisterChannel(dlChanID, dlRing, mhi.FromDevice, 0x88, 1, nil)

	hostMACBytes, err := net.ParseMAC(hostMAC)
	if err != nil {
		return err
	}

	deviceMACBytes, err := net.ParseMAC(deviceMAC)
	if err != nil {
		return err
	}

	client, err := netchan.NewClient(ul, dl, netchan.Option{
		MTU:          mtu,
		QueueDepth:   256,
		PreAllocBufs: 16,
		PreAllocSize: mtu,
		HostMAC:      hostMACBytes,
		DeviceMAC:    deviceMACBytes,
	})
	if err != nil {
		return err
	}

	// ctx carries no deadline of its own (it only ends on SIGINT/SIGTERM);
	// the START/RESET commands PrepareForTransfer issues are still bounded
	// by the controller's own CommandTimeout (2s, set above), enforced
	// inside CommandRing.Send regardless of the caller's context.
	if err := mhi.PrepareForTransfer(ctx, ul, dl); err != nil {
		return err
	}
	defer mhi.UnprepareFromTransfer(context.Background(), ul, dl)

	s := stack.New(stack.Options{
		NetworkProtocols: []stack.NetworkProtocol{
			ipv4.NewProtocol(),
			arp.NewProtocol(),
		},
		TransportProtocols: []stack.TransportProtocol{
			udp.NewProtocol(),
			icmp.NewProtocol4(),
		},
	})

	if err := s.CreateNIC(nic, client.Endpoint()); err != nil {
		return err
	}

	if err := s.AddAddress(nic, arp.ProtocolNumber, arp.ProtocolAddress); err != nil {
		return err
	}

	addr := tcpip.Address(net.ParseIP(nicAddr)).To4()
	if err := s.AddAddress(nic, ipv4.ProtocolNumber, addr); err != nil {
		return err
	}

	subnet, err := tcpip.NewSubnet("\x00\x00\x00\x00", "\x00\x00\x00\x00")
	if err != nil {
		return err
	}

	s.SetRouteTable([]tcpip.Route{{Destination: subnet, NIC: nic}})

	log.Infow("mhi-sim ready", "nic", nic, "addr", nicAddr, "mtu", mtu)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return client.Run(ctx) })

	<-ctx.Done()
	log.Info("mhi-sim shutting down")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}
