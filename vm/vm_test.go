// VM lifecycle and IPA mapping
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package vm

import (
	"testing"

	"github.com/usbarmory/hyperv/ipi"
	"github.com/usbarmory/hyperv/mm"
	"github.com/usbarmory/hyperv/sched"
)

type fakeSender struct{}

func (fakeSender) SendSGI(id int, targetList uint8) {}

func TestCreateAssignsVCPUsAndReachesPending(t *testing.T) {
	bus := ipi.NewBus(4, fakeSender{})
	pcpus := []*sched.PCPU{sched.NewPCPU(0, nil), sched.NewPCPU(1, nil), sched.NewPCPU(2, nil), sched.NewPCPU(3, nil)}
	mem := mm.NewAllocator(0x80000000, 16*mm.PageSize, 1)
	tables := &fakeTableAllocator{}

	reg := NewRegistry()

	cfg := Config{
		ID:             1,
		AllocateBitmap: 0b0011,
		CPUMaster:      0,
		NumVCPUs:       2,
		Regions:        []Region{{IPA: 0, PA: 0x80000000, Length: mm.PageSize}},
	}

	v, err := reg.Create(cfg, pcpus, tables, mem, bus, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if v.State != Pending {
		t.Fatalf("expected state Pending after create, got %v", v.State)
	}

	if len(v.VCPUs) != 2 {
		t.Fatalf("expected 2 vCPUs, got %d", len(v.VCPUs))
	}

	if got, ok := reg.Get(1); !ok || got != v {
		t.Fatalf("expected VM 1 registered")
	}
}

func TestBootActivatesMasterVCPU(t *testing.T) {
	bus := ipi.NewBus(1, fakeSender{})
	pcpus := []*sched.PCPU{sched.NewPCPU(0, nil)}
	mem := mm.NewAllocator(0x80000000, mm.PageSize, 1)
	tables := &fakeTableAllocator{}

	reg := NewRegistry()
	cfg := Config{ID: 2, AllocateBitmap: 0b1, CPUMaster: 0, NumVCPUs: 1}

	v, err := reg.Create(cfg, pcpus, tables, mem, bus, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	v.Boot(0x40000000, 0x44000000)

	if v.State != Active {
		t.Fatalf("expected Active after boot, got %v", v.State)
	}

	if v.VCPUs[0].Frame.PC() != 0x40000000 {
		t.Fatalf("expected master vCPU PC set to entry, got %#x", v.VCPUs[0].Frame.PC())
	}

	if v.VCPUs[0].Frame.Arg(0) != 0x44000000 {
		t.Fatalf("expected x0 set to DTB IPA, got %#x", v.VCPUs[0].Frame.Arg(0))
	}
}

func TestShutdownFreesMemoryAndRemovesFromRegistry(t *testing.T) {
	bus := ipi.NewBus(1, fakeSender{})
	pcpus := []*sched.PCPU{sched.NewPCPU(0, nil)}
	mem := mm.NewAllocator(0x80000000, 4*mm.PageSize, 1)
	tables := &fakeTableAllocator{}

	reg := NewRegistry()
	cfg := Config{ID: 3, AllocateBitmap: 0b1, CPUMaster: 0, NumVCPUs: 1, NumPages: 2}

	v, err := reg.Create(cfg, pcpus, tables, mem, bus, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reg.Shutdown(v, mem, bus)

	if _, ok := reg.Get(3); ok {
		t.Fatalf("expected VM removed from registry after shutdown")
	}

	back, err := mem.Alloc(0, 4, 0)
	if err != nil || len(back) == 0 {
		t.Fatalf("expected freed pages to be reallocatable, err=%v regions=%v", err, back)
	}
}
