// Ivc-plane hypercalls
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package hvc

import (
	"github.com/usbarmory/hyperv/arm64"
	"github.com/usbarmory/hyperv/mm"
)

// Ivc events (§4.H "shared-memory message-queue setup and send").
// HVC_IVC_SEND_SHAREMEM_TEST_SPEED from the original ABI is a
// diagnostic throughput probe with no effect on hypervisor state; it is
// not wired here.
const (
	IvcUpdateMQ Event = iota
	IvcSendMsg
	IvcBroadcastMsg
	IvcInitKeepAlive
	IvcKeepAlive
	IvcAck
	IvcGetTime
	IvcShareMem
	IvcSendShareMem
	IvcGetSharedMemIPA Event = 0x11
)

// ivc services the Ivc hypercall type. Message payloads are passed as
// (ipa, length) pairs into the sending VM's own IPA space and copied
// out through mm.Ipa2Hva before being handed to the ivc.Registry, the
// same "guest pointer validation" choke point upload_kernel_image uses.
func (d *Dispatcher) ivc(e Event, args *arm64.GPRFrame) (uint64, bool) {
	if d.Ivc == nil {
		return 0, false
	}

	switch e {
	case IvcUpdateMQ:
		d.Ivc.UpdateQueue(uint16(args.Arg(1)), uint16(args.Arg(2)), int(args.Arg(3)))
		return 0, true

	case IvcSendMsg:
		data, ok := d.readVMBuffer(uint16(args.Arg(1)), args.Arg(3), args.Arg(4))
		if !ok {
			return 0, false
		}
		if err := d.Ivc.Send(uint16(args.Arg(1)), uint16(args.Arg(2)), data); err != nil {
			return 0, false
		}
		return 0, true

	case IvcBroadcastMsg:
		data, ok := d.readVMBuffer(uint16(args.Arg(1)), args.Arg(2), args.Arg(3))
		if !ok {
			return 0, false
		}
		d.Ivc.Broadcast(uint16(args.Arg(1)), d.otherVMIDs(uint16(args.Arg(1))), data)
		return 0, true

	case IvcInitKeepAlive:
		d.Ivc.InitKeepAlive(uint16(args.Arg(1)), uint16(args.Arg(2)))
		return 0, true

	case IvcKeepAlive:
		return d.Ivc.KeepAlive(uint16(args.Arg(1)), uint16(args.Arg(2))), true

	case IvcAck:
		d.Ivc.Ack(uint16(args.Arg(1)), uint16(args.Arg(2)))
		return 0, true

	case IvcGetTime:
		return d.Ivc.GetTime(), true

	case IvcShareMem, IvcSendShareMem:
		d.Ivc.ShareMem(uint16(args.Arg(1)), uint16(args.Arg(2)), args.Arg(3))
		return 0, true

	case IvcGetSharedMemIPA:
		ipa, ok := d.Ivc.SharedIPA(uint16(args.Arg(1)), uint16(args.Arg(2)))
		return ipa, ok

	default:
		return 0, false
	}
}

// readVMBuffer copies length bytes out of vmID's IPA space at ipa.
func (d *Dispatcher) readVMBuffer(vmID uint16, ipa uint64, length uint64) ([]byte, bool) {
	hva, err := mm.Ipa2Hva(vmID, ipa)
	if err != nil || d.HVA == nil {
		return nil, false
	}

	buf := make([]byte, length)
	d.HVA.ReadAt(hva, buf)

	return buf, true
}

// otherVMIDs lists every created VM id other than self, the peer set a
// broadcast with no explicit recipient list reaches.
func (d *Dispatcher) otherVMIDs(self uint16) []uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []uint16

	for id, en := range d.entries {
		if id != self && en.created != nil {
			out = append(out, id)
		}
	}

	return out
}
