// EL2 trap dispatcher
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package trap

import (
	"testing"

	"github.com/usbarmory/hyperv/arm64"
	"github.com/usbarmory/hyperv/device"
)

type fakeDevice struct {
	lastRead  device.EmuContext
	lastWrite device.EmuContext
	writeVal  uint64
	readVal   uint64
}

func (d *fakeDevice) Read(ctx device.EmuContext) uint64 {
	d.lastRead = ctx
	return d.readVal
}

func (d *fakeDevice) Write(ctx device.EmuContext, val uint64) {
	d.lastWrite = ctx
	d.writeVal = val
}

func TestDecodeDataAbortWidthAndDirection(t *testing.T) {
	// SAS=2 (4 bytes), SRT=3, WnR=1 (write)
	esr := uint64(2<<issSAS | 3<<issSRT | 1<<issWnR)

	ctx := decodeDataAbort(esr, 0x1000)

	if ctx.Width != 4 {
		t.Fatalf("expected width 4, got %d", ctx.Width)
	}

	if !ctx.Write {
		t.Fatalf("expected write access")
	}

	if ctx.Reg != 3 {
		t.Fatalf("expected reg 3, got %d", ctx.Reg)
	}
}

func TestSignExtend(t *testing.T) {
	got := signExtend(0xff, 1) // byte 0xff sign-extends to -1

	if int64(got) != -1 {
		t.Fatalf("expected -1, got %d", int64(got))
	}

	got = signExtend(0x7f, 1)

	if got != 0x7f {
		t.Fatalf("expected 0x7f unchanged, got %#x", got)
	}
}

func TestDataAbortLookupAndDecode(t *testing.T) {
	var devices device.List
	fd := &fakeDevice{readVal: 0x1234}
	devices.Register(device.Entry{DevID: 1, IPABase: 0x1000, Length: 0x1000, Handler: fd})

	// SAS=2 (4 bytes), SRT=5, WnR=0 (read)
	esr := uint64(2<<issSAS | 5<<issSRT)
	ctx := decodeDataAbort(esr, 0x1500)

	entry, ok := devices.Lookup(ctx.Address)
	if !ok {
		t.Fatalf("expected device lookup to succeed")
	}

	val := entry.Handler.Read(ctx)

	if val != 0x1234 {
		t.Fatalf("expected device read value 0x1234, got %#x", val)
	}

	if fd.lastRead.Reg != 5 {
		t.Fatalf("expected decoded reg 5, got %d", fd.lastRead.Reg)
	}
}

func TestSysregDispatchRead(t *testing.T) {
	var shadow uint64 = 0xdeadbeef

	RegisterSysreg(3, 1, 0, 0, 0, func(write bool, v *uint64) {
		if write {
			shadow = *v
		} else {
			*v = shadow
		}
	})

	gpr := &arm64.GPRFrame{}
	// op0=3, op1=1, CRn=0, CRm=0, op2=0, Rt=2, dir=1 (read/MRS)
	iss := uint64(3<<issOp0 | 1<<issOp1 | 0<<issCRn | 0<<issCRm | 0<<issOp2 | 2<<issRt | 1<<issDir)
	esr := iss // EC bits don't matter for trappedMsr itself

	f := &Frame{CPU: &arm64.CPU{}, GPR: gpr, ESR: esr}

	if !trappedMsr(f) {
		t.Fatalf("expected trappedMsr to find the registered handler")
	}

	if gpr.Arg(2) != 0xdeadbeef {
		t.Fatalf("expected shadow value read into x2, got %#x", gpr.Arg(2))
	}
}

type fakeIRQSource struct {
	next    int
	eoid    []int
}

func (f *fakeIRQSource) GetInterrupt() int { return f.next }
func (f *fakeIRQSource) EOI(id int)        { f.eoid = append(f.eoid, id) }

func TestDispatchIRQInvokesHandlerAndEOIs(t *testing.T) {
	var fired bool

	RegisterIRQ(42, func() { fired = true })

	src := &fakeIRQSource{next: 42}
	DispatchIRQ(src)

	if !fired {
		t.Fatalf("expected handler for INTID 42 to run")
	}

	if len(src.eoid) != 1 || src.eoid[0] != 42 {
		t.Fatalf("expected EOI(42), got %v", src.eoid)
	}
}

func TestDispatchIRQSpuriousSkipsEOI(t *testing.T) {
	src := &fakeIRQSource{next: 1023}
	DispatchIRQ(src)

	if len(src.eoid) != 0 {
		t.Fatalf("expected no EOI for spurious interrupt, got %v", src.eoid)
	}
}
