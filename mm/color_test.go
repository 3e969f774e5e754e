// Physical memory manager
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mm

import (
	"testing"
	"time"
)

func totalPages(regions []ColorMemRegion) int {
	n := 0

	for _, r := range regions {
		n += r.Pages
	}

	return n
}

func TestAllocAnyColor(t *testing.T) {
	a := NewAllocator(0x40000000, 16*PageSize, 4)

	regions, err := a.Alloc(0, 16, 0)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if n := totalPages(regions); n != 16 {
		t.Fatalf("expected 16 pages, got %d", n)
	}

	if len(regions) != 1 {
		t.Fatalf("expected a single maximal region for an unconstrained request, got %d", len(regions))
	}
}

func TestAllocRestrictedColorSet(t *testing.T) {
	a := NewAllocator(0x40000000, 16*PageSize, 4)

	// color set {0} only: under modulo coloring each matching page is
	// isolated, four pages apart from the next instance of color 0.
	regions, err := a.Alloc(0, 4, 1<<0)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if n := totalPages(regions); n != 4 {
		t.Fatalf("expected 4 pages, got %d", n)
	}

	for _, r := range regions {
		if r.Color != 0 {
			t.Fatalf("region has color %d, want 0", r.Color)
		}
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	a := NewAllocator(0x40000000, 64*PageSize, 4)

	regions, err := a.Alloc(0, 20, 0)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a.Free(regions)

	again, err := a.Alloc(0, 64, 0)

	if err != nil {
		t.Fatalf("expected full range reclaimed after Free, got: %v", err)
	}

	if n := totalPages(again); n != 64 {
		t.Fatalf("expected 64 pages after round trip, got %d", n)
	}
}

func TestAllocOutOfMemory(t *testing.T) {
	a := NewAllocator(0x40000000, 4*PageSize, 4)

	if _, err := a.Alloc(0, 5, 0); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}

	// a failed allocation must not leak the pages it provisionally took
	regions, err := a.Alloc(0, 4, 0)

	if err != nil {
		t.Fatalf("unexpected error after failed over-allocation: %v", err)
	}

	if n := totalPages(regions); n != 4 {
		t.Fatalf("expected all 4 pages recoverable, got %d", n)
	}
}

func TestColorBudgetDisabledAtExtremes(t *testing.T) {
	a := NewAllocator(0x40000000, 64*PageSize, 4)

	a.SetColorBudget(0, 10, time.Second)

	if a.budget != nil {
		t.Fatalf("0%% budget must disable the rate limiter")
	}

	a.SetColorBudget(100, 10, time.Second)

	if a.budget != nil {
		t.Fatalf("100%% budget must disable the rate limiter")
	}
}

func TestColorBudgetExemptsMVM(t *testing.T) {
	a := NewAllocator(0x40000000, 64*PageSize, 4)
	a.SetColorBudget(1, 1, time.Hour)

	// exhaust the limiter against a non-MVM vm id
	if _, err := a.Alloc(1, 1, 0); err != nil {
		t.Fatalf("unexpected error on first grant: %v", err)
	}

	if _, err := a.Alloc(1, 1, 0); err != ErrColorBudgetExceeded {
		t.Fatalf("expected ErrColorBudgetExceeded, got %v", err)
	}

	// vmID 0 (MVM) bypasses the limiter entirely
	if _, err := a.Alloc(0, 1, 0); err != nil {
		t.Fatalf("MVM allocation must bypass the color budget: %v", err)
	}
}
