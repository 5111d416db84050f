// MHI network-channel bridge, a sample Client collaborator
// https://github.com/usbarmory/mhi
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package netchan bridges an MHI uplink/downlink channel pair to a gvisor
// network stack, exactly the role tamago/example/usb_ethernet.go plays for
// a USB Ethernet gadget: frames arriving on the downlink channel are
// injected into the stack's link endpoint, and frames the stack queues for
// transmission are submitted on the uplink channel. It is the concrete
// demonstration of the "per-client driver bound to channels" collaborator
// the core spec leaves external (§1, §6).
package netchan

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sync/errgroup"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/buffer"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	"github.com/usbarmory/mhi/mhi"
)

// ethHeaderLen is the Ethernet II header size: destination MAC, source MAC,
// EtherType.
const ethHeaderLen = 14

// Client bridges one MHI channel pair to a gvisor stack.LinkEndpoint. ul
// carries host-to-device frames (the stack's transmit path), dl carries
// device-to-host frames (the stack's receive path); dl is always run
// pre-alloc, since the device needs buffers ready to fill before any frame
// arrives.
type Client struct {
	ul, dl *mhi.Channel

	link *channel.Endpoint

	hostMAC   []byte
	deviceMAC []byte
}

// Option configures a Client's link endpoint.
type Option struct {
	MTU          uint32
	QueueDepth   int
	PreAllocBufs int
	PreAllocSize int
	HostMAC      net.HardwareAddr
	DeviceMAC    net.HardwareAddr
}

// NewClient constructs a Client over an already-built channel pair. It binds
// dl's callback to the stack's inbound injection path and marks dl
// pre-alloc with buffers of o.PreAllocSize bytes; Prepare then fills every
// free slot of dl's ring, and o.PreAllocBufs is not consulted. Callers still call
// mhi.PrepareForTransfer(ctx, ul, dl) themselves once the Client is wired,
// matching the core's own ownership boundary between channel lifecycle and
// client callback wiring.
func NewClient(ul, dl *mhi.Channel, o Option) (*Client, error) {
	linkAddr, err := tcpip.ParseMACAddress(o.DeviceMAC.String())
	if err != nil {
		return nil, fmt.Errorf("netchan: parse device MAC: %w", err)
	}

	c := &Client{
		ul:        ul,
		dl:        dl,
		link:      channel.New(o.QueueDepth, o.MTU, linkAddr),
		hostMAC:   []byte(o.HostMAC),
		deviceMAC: []byte(o.DeviceMAC),
	}

	dl.SetPreAlloc(o.PreAllocSize, true)
	dl.SetCallback(c.onInbound)

	return c, nil
}

// Endpoint returns the gvisor link endpoint a tcpip.Stack's CreateNIC call
// attaches this bridge to.
func (c *Client) Endpoint() stack.LinkEndpoint {
	return c.link
}

// Run pumps outbound frames from the stack's link endpoint onto ul until
// ctx is done or the endpoint closes. It is meant to be run under an
// errgroup alongside the rest of a controller's worker lifecycle, the same
// supervision shape sakateka-yanet2's coordinator uses around its own
// server goroutine.
func (c *Client) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case info, ok := <-c.link.C:
				if !ok {
					return nil
				}

				if err := c.sendOutbound(info.Pkt.Header.View(), info.Pkt.Data.ToView(), info.Proto); err != nil {
					return fmt.Errorf("netchan: outbound: %w", err)
				}
			}
		}
	})

	return g.Wait()
}

// sendOutbound builds an Ethernet II frame around a stack-queued packet's
// header and payload views and submits it on the uplink channel. Accepting
// the already-unpacked views (rather than the channel package's own info
// struct type) keeps this method's signature independent of that struct's
// exact field layout across gvisor versions.
func (c *Client) sendOutbound(hdr, payload []byte, proto tcpip.NetworkProtocolNumber) error {
	protoBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(protoBytes, uint16(proto))

	frame := make([]byte, 0, ethHeaderLen+len(hdr)+len(payload))
	frame = append(frame, c.hostMAC...)
	frame = append(frame, c.deviceMAC...)
	frame = append(frame, protoBytes...)
	frame = append(frame, hdr...)
	frame = append(frame, payload...)

	return c.ul.SubmitBuffer(frame, mhi.ToDevice)
}

// onInbound is dl's completion callback: it decodes the Ethernet II header
// off a retired downlink buffer and injects the payload into the stack.
func (c *Client) onInbound(r mhi.XferResult) {
	if r.Status != mhi.StatusOK {
		return
	}

	buf := r.Buf[:r.BytesTransferred]
	if len(buf) < ethHeaderLen {
		return
	}

	hdr := buffer.NewViewFromBytes(buf[0:ethHeaderLen])
	proto := tcpip.NetworkProtocolNumber(binary.BigEndian.Uint16(buf[12:14]))
	payload := buffer.NewViewFromBytes(buf[ethHeaderLen:])

	pkt := tcpip.PacketBuffer{
		LinkHeader: hdr,
		Data:       payload.ToVectorisedView(),
	}

	c.link.InjectInbound(proto, pkt)
}
