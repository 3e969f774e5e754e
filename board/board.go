// Platform configuration
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package board defines the compile-time platform description every
// concrete board package (board/qemuvirt, ...) provides a struct
// literal for (§6 "Platform config"), mirroring the teacher's
// board/pi4.go + board/platform_common.go pattern of one struct
// literal per supported board selected by Go build tags.
package board

// CPU describes one physical core's scheduling identity: its bit
// position in a VM's allocate_bitmap (§4.D "Placement") and its
// MPIDR_EL1 affinity value, used only when the hypervisor itself needs
// to power on an idle physical core via PSCI (arm64.CPU.PSCICPUOn).
type CPU struct {
	ID    int
	MPIDR uint64
}

// DeviceRegion is one MMIO range passed through (or reserved) at the
// physical level: GIC banks, UART, SMMU, or a board-specific
// passthrough device §4.G "pt_region" entries build on top of.
type DeviceRegion struct {
	Name   string
	Base   uint64
	Length uint64
}

// Platform is the compile-time record §6 describes: "base DRAM region
// and sub-regions, number of pCPUs and their MPIDRs with scheduling
// rule, GIC/SMMU base addresses, UART base(s), passthrough device
// regions". A concrete board package exposes exactly one package-level
// *Platform value.
type Platform struct {
	// Name identifies the board for diagnostics.
	Name string

	// DRAMBase/DRAMSize is the base physical DRAM region; sub-regions
	// (MVM image load area, per-guest colored pools) are carved out of
	// it by the memory allocator (§4.B) at runtime, not described here.
	DRAMBase uint64
	DRAMSize uint64

	// CPUs lists every physical core in scheduling order; CPUs[0] is
	// always the boot core.
	CPUs []CPU

	GICDBase uint64
	GICCBase uint64
	GICHBase uint64
	GICVBase uint64

	// SMMUBase is 0 when the platform has no SMMU (§4.G passthrough
	// devices are then mapped 1:1 without IOMMU isolation).
	SMMUBase uint64

	UARTBase []uint64

	// Passthrough is the fixed set of device regions available for
	// pt_region assignment to a guest, independent of anything a guest
	// configures at runtime.
	Passthrough []DeviceRegion
}

// CPUIF returns the GIC CPU Interface register bank a given pCPU ID
// observes. GICv2 bank-selects the CPU Interface by the accessing
// core's identity in hardware, so every pCPU currently shares one
// GICCBase; this indirection exists so a future platform with banked
// per-core CPU Interface apertures (GICv2 "virtual CPU interface"
// aliasing across redistributor-less cores) has somewhere to plug in
// without changing every caller (§6 "Platform operation set exposes
// cpuid↔cpuif mapping").
func (p *Platform) CPUIF(cpuID int) uint64 {
	return p.GICCBase
}

// DeviceRegions returns the platform's fixed passthrough device table.
func (p *Platform) DeviceRegions() []DeviceRegion {
	return p.Passthrough
}

// NumCPUs reports the pCPU count, the width of every VM's
// allocate_bitmap (§4.D).
func (p *Platform) NumCPUs() int {
	return len(p.CPUs)
}
