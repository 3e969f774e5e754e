// Stage-2 page table builder
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package vm

import (
	"fmt"
	"unsafe"

	"github.com/usbarmory/hyperv/mm"
)

// Stage-2 descriptor field layout (§D5.3, ARM Architecture Reference
// Manual ARMv8, 4 kB granule).
const (
	descValid    = 0
	descTable    = 1 // set at non-leaf levels for a table descriptor
	descAttrIdx  = 2 // bits [5:2], MemAttr for a stage-2 block/page
	descS2AP     = 6 // bits [7:6], 0b11 = read/write
	descSH       = 8 // bits [9:8]
	descAF       = 10
	descOutAddrShift = 12
)

const (
	s2AttrDevice = 0x0 // MemAttr encoding matching MAIR_EL2 device index
	s2AttrNormal = 0xf // MemAttr encoding matching MAIR_EL2 normal WBWA

	s2APReadWrite = 0b11
	s2SHInner     = 0b11
)

// Level geometry for a 32-bit IPA space (§4.A IPABits=32) with a 4 kB
// granule and VTCR_EL2.SL0=1 starting level, so translation begins at
// level 1: level 1 entries cover 1 GiB, level 2 cover 2 MiB, level 3
// (leaf only) cover 4 kB.
const (
	level1BlockSize = 1 << 30
	level2BlockSize = 1 << 21
	pageSize        = mm.PageSize

	entriesPerTable = 512
)

// TableAllocator provides zeroed, page-aligned physical memory for
// stage-2 table levels, backed by the hypervisor's own runtime heap
// (§4.B (a) "a buddy heap for runtime structures") rather than
// guest-owned colored memory.
type TableAllocator interface {
	Alloc(buf []byte, align int) (addr uint)
}

// Region describes one IPA range to be mapped into a VM's stage-2
// table (§4.G "build stage-2 table for configured IPA regions,
// block-mapping where alignment permits, else by page").
type Region struct {
	IPA    uint64
	PA     uint64
	Length uint64
	Device bool // MMIO, mapped device-nGnRnE instead of normal WBWA
}

var ErrMisaligned = fmt.Errorf("vm: region length not page aligned")

// BuildStage2 allocates and populates a 3-level stage-2 table for
// regions, returning the physical address of its level-1 root
// (VTTBR_EL2's baddr field). Each region is mapped with the largest
// block size its base address and remaining length both permit,
// falling back to page (4 kB) granularity at the boundary.
func BuildStage2(alloc TableAllocator, regions []Region) (root uint64, err error) {
	l1 := newTable(alloc)

	for _, r := range regions {
		if r.Length%pageSize != 0 {
			return 0, ErrMisaligned
		}

		if err := mapRegion(alloc, l1, r); err != nil {
			return 0, err
		}
	}

	return l1, nil
}

func newTable(alloc TableAllocator) uint64 {
	buf := make([]byte, entriesPerTable*8)
	return uint64(alloc.Alloc(buf, entriesPerTable*8))
}

func mapRegion(alloc TableAllocator, l1 uint64, r Region) error {
	ipa := r.IPA
	pa := r.PA
	remaining := r.Length

	for remaining > 0 {
		switch {
		case remaining >= level1BlockSize && ipa%level1BlockSize == 0 && pa%level1BlockSize == 0:
			setBlockEntry(l1, l1Index(ipa), pa, r.Device)
			ipa += level1BlockSize
			pa += level1BlockSize
			remaining -= level1BlockSize

		case remaining >= level2BlockSize && ipa%level2BlockSize == 0 && pa%level2BlockSize == 0:
			l2 := tableEntry(alloc, l1, l1Index(ipa))
			setBlockEntry(l2, l2Index(ipa), pa, r.Device)
			ipa += level2BlockSize
			pa += level2BlockSize
			remaining -= level2BlockSize

		default:
			l2 := tableEntry(alloc, l1, l1Index(ipa))
			l3 := tableEntry(alloc, l2, l2Index(ipa))
			setPageEntry(l3, l3Index(ipa), pa, r.Device)
			ipa += pageSize
			pa += pageSize
			remaining -= pageSize
		}
	}

	return nil
}

func l1Index(ipa uint64) uint64 { return (ipa >> 30) & 0x1ff }
func l2Index(ipa uint64) uint64 { return (ipa >> 21) & 0x1ff }
func l3Index(ipa uint64) uint64 { return (ipa >> 12) & 0x1ff }

func descAt(table uint64, index uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(uintptr(table + index*8)))
}

// tableEntry returns the physical address of the next-level table
// rooted at table[index], allocating and installing one if absent.
func tableEntry(alloc TableAllocator, table uint64, index uint64) uint64 {
	d := descAt(table, index)

	if *d&(1<<descValid) != 0 {
		return *d &^ 0xfff
	}

	next := newTable(alloc)
	*d = next | 1<<descTable | 1<<descValid

	return next
}

func attrBits(device bool) uint64 {
	attr := uint64(s2AttrNormal)

	if device {
		attr = s2AttrDevice
	}

	return attr<<descAttrIdx | s2APReadWrite<<descS2AP | s2SHInner<<descSH | 1<<descAF
}

func setBlockEntry(table uint64, index uint64, pa uint64, device bool) {
	d := descAt(table, index)
	*d = pa | attrBits(device) | 1<<descValid
}

func setPageEntry(table uint64, index uint64, pa uint64, device bool) {
	d := descAt(table, index)
	*d = pa | attrBits(device) | 1<<descTable | 1<<descValid
}
