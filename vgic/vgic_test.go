// Virtual Generic Interrupt Controller
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package vgic

import "testing"

// fakeHW models a Hypervisor Interface with a fixed number of List
// Registers, tracking occupancy and EOI status in plain slices instead
// of MMIO.
type fakeHW struct {
	lr       []uint32
	occupied []bool
	eoid     []bool
	sgis     []struct {
		id   int
		mask uint8
	}
}

func newFakeHW(n int) *fakeHW {
	return &fakeHW{lr: make([]uint32, n), occupied: make([]bool, n), eoid: make([]bool, n)}
}

func (f *fakeHW) NumListRegisters() int { return len(f.lr) }

func (f *fakeHW) WriteLR(n int, virtID int, priority uint8, group1 bool, hwLinked bool, hwID int) {
	f.lr[n] = uint32(virtID)
	f.occupied[n] = true
}

func (f *fakeHW) ReadLR(n int) uint32 { return f.lr[n] }

func (f *fakeHW) ClearLR(n int) {
	f.lr[n] = 0
	f.occupied[n] = false
	f.eoid[n] = false
}

func (f *fakeHW) ElrsrMask() uint32 {
	var m uint32

	for n, occ := range f.occupied {
		if !occ {
			m |= 1 << uint(n)
		}
	}

	return m
}

func (f *fakeHW) EisrMask() uint32 {
	var m uint32

	for n, e := range f.eoid {
		if e {
			m |= 1 << uint(n)
		}
	}

	return m
}

func (f *fakeHW) SendSGI(id int, targetList uint8) {
	f.sgis = append(f.sgis, struct {
		id   int
		mask uint8
	}{id, targetList})
}

func TestInjectUsesFreeListRegister(t *testing.T) {
	hw := newFakeHW(4)
	inj := NewInjector(hw)

	inj.Inject(42, 0x80, true, false, 0)

	if !hw.occupied[0] {
		t.Fatalf("expected List Register 0 to be programmed")
	}

	if hw.lr[0] != 42 {
		t.Fatalf("expected virtID 42 in LR0, got %d", hw.lr[0])
	}

	if inj.QueueDepth() != 0 {
		t.Fatalf("expected no queued interrupts")
	}
}

func TestInjectQueuesWhenNoFreeLR(t *testing.T) {
	hw := newFakeHW(1)
	inj := NewInjector(hw)

	inj.Inject(10, 0, false, false, 0)
	inj.Inject(11, 0, false, false, 0)

	if inj.QueueDepth() != 1 {
		t.Fatalf("expected one queued interrupt, got %d", inj.QueueDepth())
	}
}

func TestMaintenanceDrainsQueueOnEOI(t *testing.T) {
	hw := newFakeHW(1)
	inj := NewInjector(hw)

	inj.Inject(10, 0, false, false, 0)
	inj.Inject(11, 0, false, false, 0)

	if inj.QueueDepth() != 1 {
		t.Fatalf("expected 1 queued before EOI, got %d", inj.QueueDepth())
	}

	hw.eoid[0] = true
	inj.Maintenance(false)

	if inj.QueueDepth() != 0 {
		t.Fatalf("expected queue drained after maintenance, got %d", inj.QueueDepth())
	}

	if hw.lr[0] != 11 {
		t.Fatalf("expected queued virtID 11 reprogrammed into LR0, got %d", hw.lr[0])
	}
}
