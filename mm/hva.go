// Physical memory manager
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mm

import (
	"fmt"

	"github.com/usbarmory/hyperv/arm64"
)

// ErrInvalidIPA is returned when an IPA falls outside the range
// addressable under arm64.IPABits.
var ErrInvalidIPA = fmt.Errorf("mm: ipa out of range")

// Ipa2Hva derives the hypervisor virtual address aliasing VM vmID's IPA
// ipa, per §4.A: hva(vm,ipa) = (vm.id << IPA_BITS) | ipa. Every cross-VM
// copy (kernel image upload, mediated virtio IOV translation, DTB
// patching) goes through this function rather than computing the alias
// inline, so the VMID-tag invariant is enforced in exactly one place
// (§9 "guest pointer validation").
func Ipa2Hva(vmID uint16, ipa uint64) (uint64, error) {
	if ipa>>arm64.IPABits != 0 {
		return 0, ErrInvalidIPA
	}

	return uint64(vmID)<<arm64.IPABits | ipa, nil
}

// Hva2Ipa splits a hypervisor virtual address produced by Ipa2Hva back
// into its owning VM id and IPA.
func Hva2Ipa(hva uint64) (vmID uint16, ipa uint64) {
	ipa = hva & (uint64(1)<<arm64.IPABits - 1)
	vmID = uint16(hva >> arm64.IPABits)

	return
}
