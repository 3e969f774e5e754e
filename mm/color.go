// Physical memory manager
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package mm implements the hypervisor's physical memory manager: a
// page-colored allocator over DRAM (§4.B) plus the HVA aliasing helpers
// that let the hypervisor address any VM's IPA space from its own
// stage-1 mappings.
//
// The runtime-structure heap side of §4.B (a) is the pack's `dma`
// package: its first-fit, coalescing free list already provides exactly
// the allocate/split/free/merge discipline a "buddy heap for runtime
// structures" needs, so it is reused rather than reimplemented, see
// DESIGN.md.
package mm

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/usbarmory/hyperv/arm64"
)

// PageSize is the base unit of allocation, matching the 4 KiB granule
// configured into TCR_EL2/VTCR_EL2 (arm64.granule4K).
const PageSize = 4096

// run is a maximal contiguous range of free pages, kept in address order
// (the same shape as the pack's dma.block, generalized from bytes to
// pages).
type run struct {
	base  uint64
	pages int
}

// ColorMemRegion is a maximal run of physical pages whose cache color
// lies in the color set requested at allocation time (§4.B "the
// allocator returns a list of ColorMemRegions").
type ColorMemRegion struct {
	Base  uint64
	Pages int
	Color int
}

// End returns the exclusive end address of the region.
func (c ColorMemRegion) End() uint64 {
	return c.Base + uint64(c.Pages)*PageSize
}

// Allocator is the page-colored physical frame allocator. color =
// (pa/PageSize) mod NumColors, where NumColors is derived from the
// last-level cache geometry (§4.B "num_colors = L_last.size / (ways *
// PAGE_SIZE)").
type Allocator struct {
	mu sync.Mutex

	base      uint64
	numColors int

	free *list.List // of *run, address-ordered

	// budget rate-limits color grants to non-MVM callers (vmID != 0);
	// nil means unlimited (§8 "Color budget = 0% or 100% disables the
	// rate limiter").
	budget *rate.Limiter
}

// ErrColorBudgetExceeded is returned when a non-MVM caller's color grant
// rate is currently exhausted.
var ErrColorBudgetExceeded = fmt.Errorf("mm: color budget exceeded")

// ErrOutOfMemory is returned when no run of the requested color(s) and
// length can be found.
var ErrOutOfMemory = fmt.Errorf("mm: out of colored memory")

// ColorsFromCache derives num_colors from the last-level cache geometry
// per §4.B: "num_colors = L_last.size / (ways * PAGE_SIZE)". cpu must
// already have completed cache bring-up (arm64.CPU.EnableCache) so
// CCSIDR_EL1 reflects the running configuration.
func ColorsFromCache(cpu *arm64.CPU) int {
	last := cpu.NumCacheLevels() - 1
	if last < 0 {
		return 1
	}

	sets, ways, lineSize := cpu.CacheSets(last)
	llcSize := sets * ways * lineSize

	numColors := llcSize / (ways * PageSize)
	if numColors < 1 {
		numColors = 1
	}

	return numColors
}

// NewAllocator creates a colored allocator over [base, base+size), sized
// to give it numColors distinct color classes (see ColorsFromCache); the
// allocator itself works purely in terms of the already-computed color
// count.
func NewAllocator(base uint64, size uint64, numColors int) *Allocator {
	if numColors < 1 {
		numColors = 1
	}

	a := &Allocator{
		base:      base,
		numColors: numColors,
		free:      list.New(),
	}

	a.free.PushBack(&run{base: base, pages: int(size / PageSize)})

	return a
}

// NumColors returns the number of distinct color classes.
func (a *Allocator) NumColors() int {
	return a.numColors
}

// colorOf returns the cache color of the page at physical address pa.
func (a *Allocator) colorOf(pa uint64) int {
	return int((pa / PageSize) % uint64(a.numColors))
}

// SetColorBudget configures the rate at which non-MVM (vmID != 0)
// callers may be granted colored regions, expressed as a percentage of
// grantsPerEpoch over epoch. A percentage of 0 or 100 disables limiting
// entirely (§8).
func (a *Allocator) SetColorBudget(pct int, grantsPerEpoch int, epoch time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if pct <= 0 || pct >= 100 {
		a.budget = nil
		return
	}

	allowed := grantsPerEpoch * pct / 100
	if allowed < 1 {
		allowed = 1
	}

	r := rate.Every(epoch / time.Duration(allowed))
	a.budget = rate.NewLimiter(r, allowed)
}

// colorMatches reports whether color c is a member of colorSet, a
// bitmask over [0, numColors); a zero colorSet matches every color
// (§4.B "a 0-color-set request means any color").
func colorMatches(colorSet uint64, c int) bool {
	if colorSet == 0 {
		return true
	}

	return colorSet&(1<<uint(c)) != 0
}

// Alloc reserves numPages physical pages whose color lies in colorSet on
// behalf of vmID, returning them as one or more maximal-run
// ColorMemRegions (§4.B). vmID 0 (the MVM) is exempt from the color
// budget.
func (a *Allocator) Alloc(vmID uint16, numPages int, colorSet uint64) ([]ColorMemRegion, error) {
	if numPages <= 0 {
		return nil, nil
	}

	if vmID != 0 && a.budget != nil && !a.budget.Allow() {
		return nil, ErrColorBudgetExceeded
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var out []ColorMemRegion
	remaining := numPages

	e := a.free.Front()
	for e != nil && remaining > 0 {
		r := e.Value.(*run)
		next := e.Next()

		consumed, leftover := a.carve(r, remaining, colorSet)

		for _, cr := range consumed {
			out = append(out, cr)
			remaining -= cr.Pages
		}

		a.free.Remove(e)

		for _, lr := range leftover {
			a.insert(lr)
		}

		e = next
	}

	if remaining > 0 {
		for _, cr := range out {
			a.insert(&run{base: cr.Base, pages: cr.Pages})
		}

		return nil, ErrOutOfMemory
	}

	return out, nil
}

// carve walks r front-to-back classifying every page by color. Maximal
// sub-runs whose pages all have a color in colorSet are consumed (up to
// want pages total) and returned as ColorMemRegions, each recording the
// color of its first page; every other sub-run — whether
// non-matching or matching-but-unconsumed once want is satisfied — is
// returned as a leftover run to be reinserted into the free list, so no
// free page is ever dropped on the floor.
func (a *Allocator) carve(r *run, want int, colorSet uint64) (consumed []ColorMemRegion, leftover []*run) {
	pos := 0

	for pos < r.pages {
		runStart := pos
		runColor := a.colorOf(r.base + uint64(pos)*PageSize)
		match := colorMatches(colorSet, runColor)

		for pos < r.pages && colorMatches(colorSet, a.colorOf(r.base+uint64(pos)*PageSize)) == match {
			pos++
		}

		length := pos - runStart
		segBase := r.base + uint64(runStart)*PageSize

		if match && want > 0 {
			take := length
			if take > want {
				take = want
			}

			consumed = append(consumed, ColorMemRegion{
				Base:  segBase,
				Pages: take,
				Color: runColor,
			})
			want -= take

			if take < length {
				leftover = append(leftover, &run{base: segBase + uint64(take)*PageSize, pages: length - take})
			}
		} else {
			leftover = append(leftover, &run{base: segBase, pages: length})
		}

		// once the request is satisfied the remaining tail, regardless
		// of its internal color structure, goes back as a single run;
		// re-deriving colors one page at a time over the untouched
		// remainder of a large free extent buys nothing.
		if want == 0 && pos < r.pages {
			leftover = append(leftover, &run{base: r.base + uint64(pos)*PageSize, pages: r.pages - pos})
			break
		}
	}

	return consumed, leftover
}

// Free returns previously allocated regions to the free pool, restoring
// exactly the colors they consumed (§4.B invariant). Adjacent regions
// are coalesced the same way the dma package's defrag does.
func (a *Allocator) Free(regions []ColorMemRegion) {
	if len(regions) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, cr := range regions {
		a.insert(&run{base: cr.Base, pages: cr.Pages})
	}
}

func (a *Allocator) insert(nr *run) {
	for e := a.free.Front(); e != nil; e = e.Next() {
		r := e.Value.(*run)

		if r.base > nr.base {
			a.free.InsertBefore(nr, e)
			a.coalesce()
			return
		}
	}

	a.free.PushBack(nr)
	a.coalesce()
}

func (a *Allocator) coalesce() {
	var prev *list.Element

	for e := a.free.Front(); e != nil; {
		r := e.Value.(*run)

		if prev != nil {
			pr := prev.Value.(*run)

			if pr.base+uint64(pr.pages)*PageSize == r.base {
				pr.pages += r.pages
				next := e.Next()
				a.free.Remove(e)
				e = next
				continue
			}
		}

		prev = e
		e = e.Next()
	}
}
