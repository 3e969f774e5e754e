// ARM64 EL2 hypervisor core support
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package arm64

// CacheLineSize is the minimum cache-line granularity cache maintenance
// operates on (§4.A "cache-line granularity (min_line = 64 B)").
const CacheLineSize = 64

// defined in cache.s
func cache_enable()
func cache_disable()
func read_clidr_el1() uint64
func read_ccsidr_el1(level uint64) uint64
func dc_civac(va uint64)
func dc_ivac(va uint64)
func ic_ialluis()

// EnableCache activates the ARM instruction and data caches.
func (cpu *CPU) EnableCache() {
	cache_enable()
}

// DisableCache disables the ARM instruction and data caches.
func (cpu *CPU) DisableCache() {
	cache_disable()
}

// CleanInvalidateRange walks [va, va+len) at CacheLineSize granularity
// issuing DC CIVAC (clean+invalidate) per line, followed by a single
// DSB ISH (no DMB SY is issued). Used whenever the
// hypervisor writes through a guest-memory alias (HVA) that the guest
// itself may subsequently read via its own cacheable stage-1 mapping.
func (cpu *CPU) CleanInvalidateRange(va uint64, length int) {
	start := va &^ (CacheLineSize - 1)
	end := va + uint64(length)

	for line := start; line < end; line += CacheLineSize {
		dc_civac(line)
	}

	dsb_ish()
}

// InvalidateRange walks [va, va+len) issuing DC IVAC (invalidate only,
// no writeback) per line. Used before the hypervisor reads a region a
// DMA-capable device or another core may have just written.
func (cpu *CPU) InvalidateRange(va uint64, length int) {
	start := va &^ (CacheLineSize - 1)
	end := va + uint64(length)

	for line := start; line < end; line += CacheLineSize {
		dc_ivac(line)
	}

	dsb_ish()
}

// NumCacheLevels reports the number of implemented cache levels from
// CLIDR_EL1 (Cache Level ID Register), used by cache maintenance
// "by level" operations (§4.A).
func (cpu *CPU) NumCacheLevels() int {
	clidr := read_clidr_el1()

	for level := 0; level < 7; level++ {
		ctype := (clidr >> uint(level*3)) & 0x7
		if ctype == 0 {
			return level
		}
	}

	return 7
}

// CacheSets returns the number of sets and ways for the indexed data
// cache level, decoded from CCSIDR_EL1, used by the physical page
// coloring allocator (package mm) to derive num_colors.
func (cpu *CPU) CacheSets(level int) (sets int, ways int, lineSize int) {
	ccsidr := read_ccsidr_el1(uint64(level) << 1)

	lineSize = 1 << (uint(ccsidr&0x7) + 4)
	ways = int((ccsidr>>3)&0x3ff) + 1
	sets = int((ccsidr>>13)&0x7fff) + 1

	return
}
