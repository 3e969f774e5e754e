// Virtio-net back-end
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package net implements the virtio-net device back-end (§4.I "net:
// cross-VM frame delivery keyed by MAC-match"): an rx/tx queue pair per
// guest, a MAC-keyed Switch relaying frames between guest instances,
// and (gvisor_sink.go) a Sink delivering frames into a gVisor network
// stack for the management-facing side of the system.
package net

import (
	"sync"

	"github.com/usbarmory/hyperv/hvlog"
	"github.com/usbarmory/hyperv/vgic"
	"github.com/usbarmory/hyperv/virtio"
)

// IRQ is the vIRQ raised on rx/tx completion (§6 "NET=0x31").
const IRQ = 0x31

// headerLen is sizeof(virtio_net_hdr) without VIRTIO_NET_F_MRG_RXBUF
// (this back-end negotiates no offload features).
const headerLen = 10

const (
	rxQueue = 0
	txQueue = 1
)

// Sink receives ethernet frames a guest has transmitted, stripped of
// the virtio-net header.
type Sink interface {
	DeliverFrame(frame []byte)
}

// Net is one virtio-net device instance.
type Net struct {
	*virtio.Transport

	rx, tx *virtio.Queue

	vmID uint16
	mac  [6]byte
	hva  virtio.HVACopier

	dist *vgic.Distributor
	pcpu int

	sink Sink
}

// New creates a virtio-net device for guest vmID with the given MAC
// address. sink receives every frame the guest transmits; it is nil-
// safe (transmitted frames are simply dropped when unset, e.g. before
// a Switch.Add has run).
func New(vmID uint16, mac [6]byte, hva virtio.HVACopier, dist *vgic.Distributor, pcpu int, sink Sink) *Net {
	n := &Net{vmID: vmID, mac: mac, hva: hva, dist: dist, pcpu: pcpu, sink: sink}

	n.Transport = virtio.NewTransport(vmID, virtio.DeviceIDNet, 2, 64, hva, 0, n.notify)
	n.rx = n.Transport.Queue(rxQueue)
	n.tx = n.Transport.Queue(txQueue)

	cfg := make([]byte, 6)
	copy(cfg, mac[:])
	n.Transport.SetConfig(cfg)

	return n
}

// MAC returns this device's link-layer address, the Switch lookup key.
func (n *Net) MAC() [6]byte { return n.mac }

// SetSink rewires the destination for transmitted frames, used once a
// Switch has assigned this device a port.
func (n *Net) SetSink(sink Sink) { n.sink = sink }

func (n *Net) notify(queue int) {
	if queue != txQueue {
		return
	}

	for {
		head, ok, err := n.tx.PopAvail()
		if err != nil || !ok {
			return
		}

		n.handleTx(head)
	}
}

func (n *Net) handleTx(head uint16) {
	iovs, err := n.tx.ReadChain(head, 2)
	if err != nil || len(iovs) == 0 {
		hvlog.Warnf("net: vm %d dropped malformed tx chain: %v", n.vmID, err)
		return
	}

	var frame []byte
	for _, iov := range iovs {
		buf := make([]byte, iov.Length)
		n.hva.ReadAt(iov.HVA, buf)
		frame = append(frame, buf...)
	}

	n.tx.PushUsed(head, uint32(len(frame)))
	n.signal()

	if len(frame) <= headerLen {
		return
	}

	if n.sink != nil {
		n.sink.DeliverFrame(frame[headerLen:])
	}
}

// DeliverFrame implements Sink: it posts payload into the next guest-
// supplied rx buffer, prefixed with a zeroed virtio-net header (no
// offload negotiated). A guest with no rx buffer posted drops the
// frame, matching a real NIC under backpressure.
func (n *Net) DeliverFrame(payload []byte) {
	head, ok, err := n.rx.PopAvail()
	if err != nil || !ok {
		return
	}

	iovs, err := n.rx.ReadChain(head, 1)
	if err != nil || len(iovs) == 0 {
		return
	}

	frame := make([]byte, headerLen+len(payload))
	copy(frame[headerLen:], payload)

	if uint32(len(frame)) > iovs[0].Length {
		frame = frame[:iovs[0].Length]
	}

	n.hva.WriteAt(iovs[0].HVA, frame)
	n.rx.PushUsed(head, uint32(len(frame)))
	n.signal()
}

func (n *Net) signal() {
	n.Transport.RaiseUsedIRQ()

	if n.dist != nil {
		n.dist.DeliverSPI(IRQ, n.pcpu, false, false, 0)
	}
}

// Switch relays frames between Net instances keyed by destination MAC
// (§4.I "cross-VM frame delivery keyed by MAC-match"), standing in for
// a real NIC's forwarding table.
type Switch struct {
	mu     sync.Mutex
	ports  map[[6]byte]*Net
	uplink Sink
}

// NewSwitch creates an empty MAC-keyed relay.
func NewSwitch() *Switch {
	return &Switch{ports: make(map[[6]byte]*Net)}
}

// Add registers n's MAC as a switch port and makes the switch n's
// transmit sink.
func (s *Switch) Add(n *Net) {
	s.mu.Lock()
	s.ports[n.MAC()] = n
	s.mu.Unlock()

	n.SetSink(s)
}

// SetUplink wires a fallback sink for frames matching no registered
// guest port, the way a real switch forwards unmatched traffic to its
// uplink. Used to reach the management-facing gVisor netstack
// (DOMAIN STACK: "forwards guest frames to a gVisor stack.Stack").
func (s *Switch) SetUplink(sink Sink) {
	s.mu.Lock()
	s.uplink = sink
	s.mu.Unlock()
}

// DeliverFrame implements Sink: it looks up the frame's destination
// MAC (first 6 bytes of the ethernet header) and forwards to that
// port, falling back to the uplink sink (if any) and otherwise
// dropping the frame (§7 "guest misbehavior ... never crash the
// hypervisor").
func (s *Switch) DeliverFrame(frame []byte) {
	if len(frame) < 6 {
		return
	}

	var dst [6]byte
	copy(dst[:], frame[0:6])

	s.mu.Lock()
	n, ok := s.ports[dst]
	uplink := s.uplink
	s.mu.Unlock()

	if ok {
		n.DeliverFrame(frame)
		return
	}

	if uplink != nil {
		uplink.DeliverFrame(frame)
	}
}
