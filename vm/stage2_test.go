// Stage-2 page table builder
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package vm

import (
	"testing"
	"unsafe"
)

// fakeTableAllocator hands out real, zeroed, page-aligned Go memory so
// the stage-2 builder's unsafe pointer arithmetic operates on valid
// backing storage in a hosted test, standing in for the physical RAM
// dma.Region.Alloc would otherwise carve out.
type fakeTableAllocator struct {
	bufs [][]byte
}

func (f *fakeTableAllocator) Alloc(buf []byte, align int) uint {
	// over-allocate so we can round the base up to the requested
	// alignment ourselves, since a plain Go slice carries no
	// alignment guarantee.
	raw := make([]byte, len(buf)+align)
	base := uintptr(unsafe.Pointer(&raw[0]))
	pad := (uintptr(align) - base%uintptr(align)) % uintptr(align)

	f.bufs = append(f.bufs, raw)

	return uint(base + pad)
}

func readDesc(addr uint64) uint64 {
	return *(*uint64)(unsafe.Pointer(uintptr(addr)))
}

func TestBuildStage2BlockMapsAlignedGigabyteRegion(t *testing.T) {
	alloc := &fakeTableAllocator{}

	root, err := BuildStage2(alloc, []Region{
		{IPA: 0, PA: 0x40000000, Length: level1BlockSize},
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d := readDesc(root + l1Index(0)*8)

	if d&(1<<descValid) == 0 {
		t.Fatalf("expected level-1 entry valid")
	}

	if d&(1<<descTable) != 0 {
		t.Fatalf("expected a block (not table) descriptor for a 1 GiB aligned region")
	}

	if d&^0xfff != 0x40000000 {
		t.Fatalf("expected output address 0x40000000, got %#x", d&^0xfff)
	}
}

func TestBuildStage2PageMapsSubPageRegion(t *testing.T) {
	alloc := &fakeTableAllocator{}

	root, err := BuildStage2(alloc, []Region{
		{IPA: 0x1000, PA: 0x90001000, Length: pageSize, Device: true},
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	l1d := readDesc(root + l1Index(0x1000)*8)

	if l1d&(1<<descTable) == 0 {
		t.Fatalf("expected level-1 entry to be a table descriptor for a sub-block region")
	}

	l2 := l1d &^ 0xfff
	l2d := readDesc(l2 + l2Index(0x1000)*8)

	if l2d&(1<<descTable) == 0 {
		t.Fatalf("expected level-2 entry to be a table descriptor")
	}

	l3 := l2d &^ 0xfff
	l3d := readDesc(l3 + l3Index(0x1000)*8)

	if l3d&^0xfff != 0x90001000 {
		t.Fatalf("expected leaf output address 0x90001000, got %#x", l3d&^0xfff)
	}

	if l3d&(0xf<<descAttrIdx) != s2AttrDevice<<descAttrIdx {
		t.Fatalf("expected device MemAttr on leaf descriptor, got %#x", l3d)
	}
}

func TestBuildStage2RejectsMisalignedLength(t *testing.T) {
	alloc := &fakeTableAllocator{}

	_, err := BuildStage2(alloc, []Region{
		{IPA: 0, PA: 0, Length: pageSize + 1},
	})

	if err != ErrMisaligned {
		t.Fatalf("expected ErrMisaligned, got %v", err)
	}
}
