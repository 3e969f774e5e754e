// ARM64 EL2 hypervisor core support
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package arm64

// MAIR_EL2 attribute indices (§4.A), matching the flat-map
// classification (device / normal cacheable / normal non-cacheable)
// but now addressed by index from stage-1 and stage-2 descriptors
// alike.
const (
	AttrDevice_nGnRnE = 0
	AttrNormalWBWA    = 1
	AttrNormalNC      = 2

	mair = 0x00<<(8*AttrDevice_nGnRnE) |
		0xff<<(8*AttrNormalWBWA) |
		0x44<<(8*AttrNormalNC)
)

// TCR_EL2 / VTCR_EL2 shared field positions (D13.2.120/D13.2.169).
const (
	tcrT0SZ   = 0
	tcrIRGN0  = 8
	tcrORGN0  = 10
	tcrSH0    = 12
	tcrTG0    = 14
	vtcrSL0   = 6
	granule4K = 0b00
	innerWBWA = 0b01
	outerWBWA = 0b01
	innerShrd = 0b11
)

// HypVABits is the number of hypervisor VA bits backing the HVA aliasing
// scheme of §4.A: hva(vm,ipa) = (vm.id << IPA_BITS) | ipa.
const HypVABits = 40

// IPABits is the IPA address width used for stage-2 translation and for
// the HVA tag derivation.
const IPABits = 32

// defined in mmu.s
func set_mair_el2(uint64)
func set_tcr_el2(uint64)
func set_ttbr0_el2(uint64)
func set_vtcr_el2(uint64)
func set_vttbr_el2(uint64)
func enable_mmu_el2()
func tlbi_alle2()
func tlbi_ipas2e1(ipa uint64)
func dsb_ish()
func isb()

// InitMMU configures MAIR_EL2/TCR_EL2 and enables the stage-1 EL2 MMU over
// the identity + HVA mapping built by the caller (the hypervisor's own L1/L2
// tables, built once at boot and shared read-only across pCPUs).
//
// T0SZ is derived from HypVABits so the hypervisor's own VA range covers
// both its identity-mapped code/data and the [HYP_VA_BITS:IPA_BITS] HVA
// aliasing window used by vm_ipa2hva (§4.A).
func (cpu *CPU) InitMMU(ttbr0 uint64) {
	tcr := uint64(innerWBWA<<tcrIRGN0 | outerWBWA<<tcrORGN0 | innerShrd<<tcrSH0 |
		granule4K<<tcrTG0 | uint64(64-HypVABits)<<tcrT0SZ)

	set_mair_el2(mair)
	set_tcr_el2(tcr)
	set_ttbr0_el2(ttbr0)
	isb()
	enable_mmu_el2()
	isb()
}

// InitStage2 programs VTCR_EL2 once per pCPU; it is independent of any
// single VM and only constrains the shape (IPA size, starting level,
// granule) that every VM's VTTBR_EL2 root must conform to.
func (cpu *CPU) InitStage2() {
	vtcr := uint64(innerWBWA<<tcrIRGN0 | outerWBWA<<tcrORGN0 | innerShrd<<tcrSH0 |
		granule4K<<tcrTG0 | uint64(64-IPABits)<<tcrT0SZ | 0b01<<vtcrSL0)

	set_vtcr_el2(vtcr)
}

// LoadVTTBR activates the second-stage translation table for the VM
// identified by vmid over the 3-level table rooted at baddr, per
// VTTBR_EL2 = (vmid << 48) | baddr (§3 "Stage-2 page table").
func (cpu *CPU) LoadVTTBR(vmid uint16, baddr uint64) {
	vttbr := uint64(vmid)<<48 | baddr
	set_vttbr_el2(vttbr)
	isb()
}

// FlushGuestTLB invalidates stage-2 TLB entries for a specific guest IPA,
// as opposed to FlushTLBs which invalidates the hypervisor's own
// stage-1 mappings (§4.A "TLB invalidation distinguishes hypervisor-VA
// ... from guest-IPA ... paths").
func (cpu *CPU) FlushGuestTLB(ipa uint64) {
	tlbi_ipas2e1(ipa)
	dsb_ish()
}

// FlushTLBs invalidates all hypervisor-VA (stage-1 EL2) TLB entries.
func (cpu *CPU) FlushTLBs() {
	tlbi_alle2()
	dsb_ish()
}
