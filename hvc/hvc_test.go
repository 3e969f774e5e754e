// Hypercall dispatch and configuration plane
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package hvc

import (
	"testing"
	"unsafe"

	"github.com/usbarmory/hyperv/arm64"
	"github.com/usbarmory/hyperv/ipi"
	"github.com/usbarmory/hyperv/mm"
	"github.com/usbarmory/hyperv/sched"
	"github.com/usbarmory/hyperv/vm"
)

type fakeSender struct{}

func (fakeSender) SendSGI(id int, targetList uint8) {}

// fakeHVA backs vm.HVACopier with a flat byte slice indexed directly by
// the hva value, large enough for every test's IPA range.
type fakeHVA struct {
	mem []byte
}

func newFakeHVA(size int) *fakeHVA {
	return &fakeHVA{mem: make([]byte, size)}
}

func (f *fakeHVA) ReadAt(hva uint64, buf []byte) {
	copy(buf, f.mem[hva:])
}

func (f *fakeHVA) WriteAt(hva uint64, buf []byte) {
	copy(f.mem[hva:], buf)
}

func newTestDispatcher() (*Dispatcher, *fakeHVA) {
	bus := ipi.NewBus(2, fakeSender{})
	pcpus := []*sched.PCPU{sched.NewPCPU(0, nil), sched.NewPCPU(1, nil)}
	mem := mm.NewAllocator(0x80000000, 16*mm.PageSize, 1)
	hva := newFakeHVA(1 << 24)

	d := NewDispatcher(vm.NewRegistry(), pcpus, &fakeTables{}, mem, bus, hva)

	return d, hva
}

// fakeTables hands out real, page-aligned Go memory for each stage-2
// table level, standing in for the physical RAM a dma.Region would
// otherwise carve out (same pattern as vm/stage2_test.go's
// fakeTableAllocator).
type fakeTables struct {
	bufs [][]byte
}

func (f *fakeTables) Alloc(buf []byte, align int) uint {
	raw := make([]byte, len(buf)+align)
	base := uintptr(unsafe.Pointer(&raw[0]))
	pad := (uintptr(align) - base%uintptr(align)) % uintptr(align)

	f.bufs = append(f.bufs, raw)

	return uint(base + pad)
}

func TestPackUnpackFIDRoundTrip(t *testing.T) {
	fid := PackFID(TypeConfig, ConfigAddVM)

	ty, e := UnpackFID(fid)

	if ty != TypeConfig || e != ConfigAddVM {
		t.Fatalf("round trip mismatch: type=%#x event=%#x", ty, e)
	}
}

func TestAddVMThenDeleteVMReturnsIDToFreePool(t *testing.T) {
	d, _ := newTestDispatcher()

	args := &arm64.GPRFrame{}
	args.SetArg(1, 1) // numVCPUs
	args.SetArg(2, 0b01)
	args.SetArg(3, 0)
	args.SetArg(4, 0)
	args.SetArg(5, uint64(KindOS))

	d.Dispatch(PackFID(TypeConfig, ConfigAddVM), args)

	id := args.Arg(0)
	if id == ErrGeneric {
		t.Fatalf("add_vm failed")
	}

	del := &arm64.GPRFrame{}
	del.SetArg(1, id)

	d.Dispatch(PackFID(TypeConfig, ConfigDeleteVM), del)

	if del.Arg(0) != id {
		t.Fatalf("expected delete_vm to echo the freed id, got %#x", del.Arg(0))
	}

	if _, ok := d.lookup(uint16(id)); ok {
		t.Fatalf("expected entry removed after delete_vm")
	}
}

func TestSysRebootRejectsUnknownVM(t *testing.T) {
	d, _ := newTestDispatcher()

	args := &arm64.GPRFrame{}
	args.SetArg(1, 99)

	d.Dispatch(PackFID(TypeSys, SysReboot), args)

	if args.Arg(0) != ErrGeneric {
		t.Fatalf("expected ErrGeneric for an unknown vm id, got %#x", args.Arg(0))
	}
}

func TestListVMReflectsOnlyCreatedVMs(t *testing.T) {
	d, _ := newTestDispatcher()
	d.SeedMVM(&vm.VM{ID: 0})

	args := &arm64.GPRFrame{}
	d.Dispatch(PackFID(TypeVmm, VmmListVM), args)

	if args.Arg(0) != 0b1 {
		t.Fatalf("expected bitmap with only bit 0 set, got %#b", args.Arg(0))
	}
}
