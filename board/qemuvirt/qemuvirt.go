// QEMU virt machine support for hyperv/arm64
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package qemuvirt provides the board.Platform description for the
// QEMU "virt" machine (`qemu-system-aarch64 -M virt,gic-version=2`),
// the reference platform every scenario in §8 boots against: GICD at
// 0x08000000, GICC at 0x08010000 (§8 scenario 1 "dtb patched to expose
// GICD@0x8000000/GICC@0x8010000").
//
// This package is only meant to be used with `GOOS=tamago GOARCH=arm64`
// as supported by the TamaGo framework for bare metal Go, see
// https://github.com/usbarmory/tamago.
package qemuvirt

import (
	"github.com/usbarmory/hyperv/board"
)

// Virt is the QEMU virt machine's platform description, grounded on
// QEMU's hw/arm/virt.c memory map for a GICv2 configuration.
var Virt = &board.Platform{
	Name: "qemu-virt",

	DRAMBase: 0x40000000,
	DRAMSize: 0x40000000, // 1 GiB, overridable by -m at invocation

	CPUs: []board.CPU{
		{ID: 0, MPIDR: 0x80000000},
		{ID: 1, MPIDR: 0x80000001},
		{ID: 2, MPIDR: 0x80000002},
		{ID: 3, MPIDR: 0x80000003},
	},

	GICDBase: 0x08000000,
	GICCBase: 0x08010000,
	GICHBase: 0x08030000,
	GICVBase: 0x08040000,

	UARTBase: []uint64{0x09000000}, // PL011 UART0

	Passthrough: []board.DeviceRegion{
		{Name: "uart0", Base: 0x09000000, Length: 0x1000},
		{Name: "rtc", Base: 0x09010000, Length: 0x1000},
	},
}
