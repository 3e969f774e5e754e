// Virtio-console back-end
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package console implements the virtio-console device back-end (§4.I
// "console: cross-VM rx/tx pairing"): a four-queue (rx, tx, ctrl-rx,
// ctrl-tx) transport per guest, and a Pair relaying bytes transmitted
// by one guest's console into another's rx queue, standing in for a
// null-modem cable between two serial ports.
package console

import (
	"github.com/usbarmory/hyperv/hvlog"
	"github.com/usbarmory/hyperv/vgic"
	"github.com/usbarmory/hyperv/virtio"
)

// IRQ is the vIRQ raised on rx/tx completion (§6 "CONSOLE=0x32").
const IRQ = 0x32

const (
	rxQueue     = 0
	txQueue     = 1
	ctrlRXQueue = 2
	ctrlTXQueue = 3
)

// numQueues is fixed at four: a single-port device negotiating no
// VIRTIO_CONSOLE_F_MULTIPORT still exposes the control pair (virtio
// spec 5.3.2), which this back-end leaves unanswered since no port
// hot-plug is modeled.
const numQueues = 4

// Sink receives bytes a guest has written to its console.
type Sink interface {
	DeliverBytes(data []byte)
}

// Console is one virtio-console device instance.
type Console struct {
	*virtio.Transport

	rx, tx *virtio.Queue

	vmID uint16
	hva  virtio.HVACopier

	dist *vgic.Distributor
	pcpu int

	sink Sink
}

// New creates a virtio-console device for guest vmID. sink receives
// every byte run the guest transmits; nil-safe, dropping output until
// a Pair wires it up.
func New(vmID uint16, hva virtio.HVACopier, dist *vgic.Distributor, pcpu int, sink Sink) *Console {
	c := &Console{vmID: vmID, hva: hva, dist: dist, pcpu: pcpu, sink: sink}

	c.Transport = virtio.NewTransport(vmID, virtio.DeviceIDConsole, numQueues, 64, hva, 0, c.notify)
	c.rx = c.Transport.Queue(rxQueue)
	c.tx = c.Transport.Queue(txQueue)

	return c
}

// SetSink rewires the destination for transmitted bytes, used once a
// Pair has joined this console to its peer.
func (c *Console) SetSink(sink Sink) { c.sink = sink }

func (c *Console) notify(queue int) {
	switch queue {
	case txQueue:
		c.drainTx()
	case ctrlRXQueue, ctrlTXQueue:
		// no multiport negotiated: control queues stay silent.
	}
}

func (c *Console) drainTx() {
	for {
		head, ok, err := c.tx.PopAvail()
		if err != nil || !ok {
			return
		}

		c.handleTx(head)
	}
}

func (c *Console) handleTx(head uint16) {
	iovs, err := c.tx.ReadChain(head, 8)
	if err != nil {
		hvlog.Warnf("console: vm %d dropped malformed tx chain: %v", c.vmID, err)
		return
	}

	var data []byte
	for _, iov := range iovs {
		buf := make([]byte, iov.Length)
		c.hva.ReadAt(iov.HVA, buf)
		data = append(data, buf...)
	}

	c.tx.PushUsed(head, uint32(len(data)))
	c.signal()

	if len(data) > 0 && c.sink != nil {
		c.sink.DeliverBytes(data)
	}
}

// DeliverBytes implements Sink: it posts data into the next guest-
// supplied rx buffer. A guest with no rx buffer posted drops the data,
// matching a real serial port under backpressure (§7 "guest
// misbehavior ... never crash the hypervisor").
func (c *Console) DeliverBytes(data []byte) {
	for len(data) > 0 {
		head, ok, err := c.rx.PopAvail()
		if err != nil || !ok {
			return
		}

		iovs, err := c.rx.ReadChain(head, 1)
		if err != nil || len(iovs) == 0 {
			return
		}

		chunk := data
		if uint32(len(chunk)) > iovs[0].Length {
			chunk = chunk[:iovs[0].Length]
		}

		c.hva.WriteAt(iovs[0].HVA, chunk)
		c.rx.PushUsed(head, uint32(len(chunk)))
		c.signal()

		data = data[len(chunk):]
	}
}

func (c *Console) signal() {
	c.Transport.RaiseUsedIRQ()

	if c.dist != nil {
		c.dist.DeliverSPI(IRQ, c.pcpu, false, false, 0)
	}
}

// Pair joins two Console instances so that bytes transmitted by one
// arrive as rx data on the other, the console equivalent of net's
// MAC-keyed Switch but restricted to a fixed two-party link (§4.I
// "cross-VM rx/tx pairing").
type Pair struct {
	a, b *Console
}

// NewPair wires a and b together bidirectionally.
func NewPair(a, b *Console) *Pair {
	p := &Pair{a: a, b: b}

	a.SetSink(sinkFunc(func(data []byte) { b.DeliverBytes(data) }))
	b.SetSink(sinkFunc(func(data []byte) { a.DeliverBytes(data) }))

	return p
}

type sinkFunc func(data []byte)

func (f sinkFunc) DeliverBytes(data []byte) { f(data) }
