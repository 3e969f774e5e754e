// Mediated-device hypercalls
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package hvc

import "github.com/usbarmory/hyperv/arm64"

// Mediated events (§4.H "dev-append, dev-notify, drv-notify").
const (
	MediatedDevAppend Event = iota
	MediatedDevNotify
	MediatedDrvNotify
)

// mediated forwards to the installed async IO executor (package
// mediated), kept behind the MediatedBackend interface to avoid an
// import cycle (mediated's task queue is driven by this dispatcher, not
// the other way around).
func (d *Dispatcher) mediated(e Event, args *arm64.GPRFrame) (uint64, bool) {
	if d.Mediated == nil {
		return 0, false
	}

	switch e {
	case MediatedDevAppend:
		id, ok := d.Mediated.Append(uint16(args.Arg(1)), uint8(args.Arg(2)), args.Arg(3))
		return id, ok
	case MediatedDevNotify:
		return 0, d.Mediated.DevNotify(args.Arg(1), args.Arg(2))
	case MediatedDrvNotify:
		return 0, d.Mediated.DrvNotify(args.Arg(1))
	default:
		return 0, false
	}
}
