// gVisor netstack bridge
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package net

import (
	"encoding/binary"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/buffer"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
)

// GvisorSink delivers guest-transmitted frames into a gVisor netstack
// hosted in the MVM's network namespace (DOMAIN STACK: "the mediated
// virtio-net back end forwards guest frames to a gVisor stack.Stack").
// It is grounded on the teacher's example/usb_ethernet.go ECMRx, which
// performs the same ethernet-header-strip-and-inject against the same
// channel.Endpoint type; there the frame arrives over a USB CDC-ECM
// link, here it arrives from a guest's virtio-net tx queue.
type GvisorSink struct {
	link *channel.Endpoint
}

// NewGvisorSink wraps an already-created channel endpoint (the NIC
// installed into the management stack.Stack by the board bring-up
// code) as a virtio-net Sink.
func NewGvisorSink(link *channel.Endpoint) *GvisorSink {
	return &GvisorSink{link: link}
}

// DeliverFrame implements Sink, injecting an ethernet frame into the
// netstack's inbound path.
func (g *GvisorSink) DeliverFrame(frame []byte) {
	if len(frame) < 14 {
		return
	}

	hdr := buffer.NewViewFromBytes(frame[0:14])
	proto := tcpip.NetworkProtocolNumber(binary.BigEndian.Uint16(frame[12:14]))
	payload := buffer.NewViewFromBytes(frame[14:])

	pkt := tcpip.PacketBuffer{
		LinkHeader: hdr,
		Data:       payload.ToVectorisedView(),
	}

	g.link.InjectInbound(proto, pkt)
}

// ReadOutbound drains one frame the netstack has queued for
// transmission toward the guest, re-assembling the ethernet header the
// way ECMTx does, or returns ok=false if nothing is queued.
func (g *GvisorSink) ReadOutbound(srcMAC, dstMAC [6]byte) (frame []byte, ok bool) {
	select {
	case info := <-g.link.C:
		hdr := info.Pkt.Header.View()
		payload := info.Pkt.Data.ToView()

		proto := make([]byte, 2)
		binary.BigEndian.PutUint16(proto, uint16(info.Proto))

		frame = append(frame, dstMAC[:]...)
		frame = append(frame, srcMAC[:]...)
		frame = append(frame, proto...)
		frame = append(frame, hdr...)
		frame = append(frame, payload...)

		return frame, true
	default:
		return nil, false
	}
}
