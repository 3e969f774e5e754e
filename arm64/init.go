// ARM64 EL2 hypervisor core support
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package arm64

import (
	_ "unsafe"
)

// Init takes care of the lower level initialization triggered before
// runtime setup (pre World start). It only enables floating point —
// the identity/HVA stage-1 tables, HCR_EL2 and VTCR_EL2 are built
// explicitly by the boot sequence in cmd/hyper once the platform
// memory map (package board) is known (§6 "Boot protocol"), rather
// than here, since hwinit0 runs before any board descriptor has been
// parsed.
//
//go:linkname Init runtime/goos.Hwinit0
func Init() {
	fp_enable()
}
