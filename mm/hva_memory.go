// Physical memory manager
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mm

import "unsafe"

// Memory implements direct access through the hva alias window
// (vm.HVACopier / virtio.HVACopier, structurally): once a VM's IPA
// space is aliased into the hypervisor's own stage-1 mapping at
// hva(vm,ipa), reading or writing it is a plain pointer dereference.
// Grounded on the pack's dma.block.read/write, which does the same
// unsafe.Add+unsafe.Slice dance against a pre-reserved block address
// rather than an aliased one.
type Memory struct{}

func (Memory) ReadAt(hva uint64, buf []byte) {
	var ptr unsafe.Pointer

	ptr = unsafe.Add(ptr, uintptr(hva))
	mem := unsafe.Slice((*byte)(ptr), len(buf))

	copy(buf, mem)
}

func (Memory) WriteAt(hva uint64, buf []byte) {
	var ptr unsafe.Pointer

	ptr = unsafe.Add(ptr, uintptr(hva))
	mem := unsafe.Slice((*byte)(ptr), len(buf))

	copy(mem, buf)
}
