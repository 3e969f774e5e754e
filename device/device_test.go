// Emulated device framework
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package device

import "testing"

type nopHandler struct{}

func (nopHandler) Read(EmuContext) uint64        { return 0 }
func (nopHandler) Write(EmuContext, uint64) {}

func TestRegisterRejectsOverlap(t *testing.T) {
	var l List

	if err := l.Register(Entry{DevID: 1, IPABase: 0x1000, Length: 0x1000, Handler: nopHandler{}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := l.Register(Entry{DevID: 2, IPABase: 0x1800, Length: 0x1000, Handler: nopHandler{}}); err != ErrOverlap {
		t.Fatalf("expected ErrOverlap, got %v", err)
	}
}

func TestLookupDeterministic(t *testing.T) {
	var l List

	l.Register(Entry{DevID: 1, IPABase: 0x1000, Length: 0x1000, Handler: nopHandler{}})
	l.Register(Entry{DevID: 2, IPABase: 0x2000, Length: 0x1000, Handler: nopHandler{}})

	e, ok := l.Lookup(0x2500)

	if !ok || e.DevID != 2 {
		t.Fatalf("expected device 2 at 0x2500, got %+v ok=%v", e, ok)
	}

	if _, ok := l.Lookup(0x5000); ok {
		t.Fatalf("expected no match outside registered ranges")
	}
}

func TestLookupBoundary(t *testing.T) {
	var l List

	l.Register(Entry{DevID: 1, IPABase: 0x1000, Length: 0x1000, Handler: nopHandler{}})

	// last byte of the block mapping
	if _, ok := l.Lookup(0x1fff); !ok {
		t.Fatalf("expected match at last byte of region")
	}

	if _, ok := l.Lookup(0x2000); ok {
		t.Fatalf("expected no match one byte past the region")
	}
}

func TestRemove(t *testing.T) {
	var l List

	l.Register(Entry{DevID: 1, IPABase: 0x1000, Length: 0x1000, Handler: nopHandler{}})
	l.Remove(1)

	if _, ok := l.Lookup(0x1000); ok {
		t.Fatalf("expected removed device to no longer match")
	}
}
