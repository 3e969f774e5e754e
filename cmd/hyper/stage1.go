// Hypervisor stage-1 table builder
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"unsafe"

	"github.com/usbarmory/hyperv/arm64"
	"github.com/usbarmory/hyperv/mm"
)

// Stage-1 descriptor field layout (§D5.3, ARMv8 ARM, 4 kB granule), the
// EL2 regime counterpart of vm.BuildStage2's stage-2 fields: a 1-bit AP
// at EL2 (read/write when clear), AttrIndx selecting a MAIR_EL2 entry
// instead of a stage-2 MemAttr encoding.
const (
	s1Valid    = 0
	s1Table    = 1
	s1AttrIdx  = 2 // bits [4:2]
	s1AP       = 7 // bit 7, EL2 regime: 0 = RW, 1 = RO
	s1SH       = 8
	s1AF       = 10

	s1SHInner = 0b11
)

// Level geometry for the hypervisor's own HypVABits=40 stage-1 range
// (arm64.HypVABits), 4 kB granule: T0SZ=24 puts the starting level at
// level 1, with a concatenated 1024-entry root covering the extra bit
// over the usual 512-entry table (§4.A "hva(vm,ipa) = (vm.id <<
// IPA_BITS) | ipa" needs a VA range wide enough to alias every vm.id).
const (
	hypL1Entries = 1 << (arm64.HypVABits - 30) // 1024
	hypL2Entries = 512

	hypL1BlockSize = 1 << 30
	hypL2BlockSize = 1 << 21
	hypPageSize    = mm.PageSize
)

// tableAlloc is the subset of hvc.Dispatcher's allocator this file
// needs; satisfied by the same dma.Region passed everywhere else as
// vm.TableAllocator.
type tableAlloc interface {
	Alloc(buf []byte, align int) (addr uint)
}

func newHypTable(alloc tableAlloc, entries int) uint64 {
	buf := make([]byte, entries*8)
	return uint64(alloc.Alloc(buf, entries*8))
}

func hypDescAt(table uint64, index uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(uintptr(table + index*8)))
}

func hypL1Index(va uint64) uint64 { return (va >> 30) & uint64(hypL1Entries-1) }
func hypL2Index(va uint64) uint64 { return (va >> 21) & 0x1ff }
func hypL3Index(va uint64) uint64 { return (va >> 12) & 0x1ff }

func hypTableEntry(alloc tableAlloc, table uint64, index uint64) uint64 {
	d := hypDescAt(table, index)

	if *d&(1<<s1Valid) != 0 {
		return *d &^ 0xfff
	}

	next := newHypTable(alloc, hypL2Entries)
	*d = next | 1<<s1Table | 1<<s1Valid

	return next
}

func hypAttrBits(device bool) uint64 {
	attr := uint64(arm64.AttrNormalWBWA)

	if device {
		attr = arm64.AttrDevice_nGnRnE
	}

	return attr<<s1AttrIdx | 0<<s1AP | s1SHInner<<s1SH | 1<<s1AF
}

func hypSetBlockEntry(table uint64, index uint64, pa uint64, device bool) {
	d := hypDescAt(table, index)
	*d = pa | hypAttrBits(device) | 1<<s1Valid
}

func hypSetPageEntry(table uint64, index uint64, pa uint64, device bool) {
	d := hypDescAt(table, index)
	*d = pa | hypAttrBits(device) | 1<<s1Table | 1<<s1Valid
}

// newHypStage1 builds the root level-1 table for the hypervisor's own
// identity mapping: DRAM and every MMIO window a pCPU itself touches
// (GICD/GICC/GICH, UART). It is built once at boot and is the
// `ttbr0` InitMMU enables (arm64.CPU.InitMMU's doc comment: "built once
// at boot and shared read-only across pCPUs").
func newHypStage1(alloc tableAlloc, identity []hypRegion) uint64 {
	l1 := newHypTable(alloc, hypL1Entries)

	for _, r := range identity {
		mapHypRegion(alloc, l1, r)
	}

	return l1
}

// hypRegion is one hypervisor-VA range to map identity (va == pa) or,
// for a guest's HVA alias window, va = mm.Ipa2Hva(vmID, r.PA)'s range.
type hypRegion struct {
	VA     uint64
	PA     uint64
	Length uint64
	Device bool
}

// mapHypRegion extends the shared root table with one more region,
// block-mapping where alignment permits and falling back to page
// granularity at the boundary, mirroring vm.BuildStage2's mapRegion.
// Called once at boot for the identity range, and again synchronously
// from installDevices for each new VM's HVA alias window (§4.G step 6)
// — never concurrently, since VM creation itself is single-threaded
// per call into vm.Registry.Create.
func mapHypRegion(alloc tableAlloc, l1 uint64, r hypRegion) {
	va := r.VA
	pa := r.PA
	remaining := r.Length

	for remaining > 0 {
		switch {
		case remaining >= hypL1BlockSize && va%hypL1BlockSize == 0 && pa%hypL1BlockSize == 0:
			hypSetBlockEntry(l1, hypL1Index(va), pa, r.Device)
			va += hypL1BlockSize
			pa += hypL1BlockSize
			remaining -= hypL1BlockSize

		case remaining >= hypL2BlockSize && va%hypL2BlockSize == 0 && pa%hypL2BlockSize == 0:
			l2 := hypTableEntry(alloc, l1, hypL1Index(va))
			hypSetBlockEntry(l2, hypL2Index(va), pa, r.Device)
			va += hypL2BlockSize
			pa += hypL2BlockSize
			remaining -= hypL2BlockSize

		default:
			l2 := hypTableEntry(alloc, l1, hypL1Index(va))
			l3 := hypTableEntry(alloc, l2, hypL2Index(va))
			hypSetPageEntry(l3, hypL3Index(va), pa, r.Device)
			va += hypPageSize
			pa += hypPageSize
			remaining -= hypPageSize
		}
	}
}
