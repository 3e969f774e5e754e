// Configuration-plane hypercalls
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package hvc

import (
	"bytes"
	"time"

	"github.com/usbarmory/hyperv/arm64"
	"github.com/usbarmory/hyperv/hvlog"
	"github.com/usbarmory/hyperv/mm"
	"github.com/usbarmory/hyperv/vm"
)

// config services the Config hypercall type (§4.H "add-vm, del-vm, cpu,
// mem-region, emu-dev, pt-region, pt-irqs, pt-stream-ids, dtb-dev,
// upload-kernel-image, mem-color-budget"). Every event is a builder
// step against entries[vmID], taken under d.mu; the add-style events
// (mem-region, emu-dev, pt-region, pt-irqs, pt-stream-ids) append, so
// repeating one records a second copy.
func (d *Dispatcher) config(e Event, args *arm64.GPRFrame) (uint64, bool) {
	switch e {
	case ConfigAddVM:
		return d.addVM(args)
	case ConfigDeleteVM:
		return d.deleteVM(uint16(args.Arg(1)))
	case ConfigCPU:
		return d.setCPU(args)
	case ConfigMemRegion:
		return d.addMemRegion(args)
	case ConfigEmuDevice:
		return d.addDevice(args, true)
	case ConfigPtRegion:
		return d.addDevice(args, false)
	case ConfigPtIRQs:
		return d.addPtIRQ(args)
	case ConfigPtStreamIDs:
		return d.addPtStreamID(args)
	case ConfigDTBDevice:
		return d.setDTBDevice(args)
	case ConfigUploadKernelImage:
		return d.uploadKernelImage(args)
	case ConfigMemColorBudget:
		return d.setColorBudget(args)
	default:
		return 0, false
	}
}

func (d *Dispatcher) addVM(args *arm64.GPRFrame) (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// lowest id at or above nextID not currently held, so an id freed by
	// deleteVM is handed out again.
	id := d.nextID
	for d.entries[id] != nil {
		id++
	}

	d.entries[id] = &entry{
		cfg: vm.Config{
			ID:             id,
			NumVCPUs:       int(args.Arg(1)),
			AllocateBitmap: args.Arg(2),
			CPUMaster:      int(args.Arg(3)),
			ColorSet:       args.Arg(4),
		},
		kind: Kind(args.Arg(5)),
	}

	return uint64(id), true
}

// deleteVM returns a not-yet-booted id to the free pool; once a VM has
// been materialized (en.created != nil) deletion goes through
// VmmShutdownVM instead, so this never tears down a running VM.
func (d *Dispatcher) deleteVM(vmID uint16) (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	en, ok := d.entries[vmID]
	if !ok || en.created != nil {
		return 0, false
	}

	delete(d.entries, vmID)

	return uint64(vmID), true
}

func (d *Dispatcher) setCPU(args *arm64.GPRFrame) (uint64, bool) {
	en, ok := d.lookup(uint16(args.Arg(1)))
	if !ok {
		return 0, false
	}

	d.mu.Lock()
	en.cfg.NumVCPUs = int(args.Arg(2))
	en.cfg.AllocateBitmap = args.Arg(3)
	en.cfg.CPUMaster = int(args.Arg(4))
	d.mu.Unlock()

	return uint64(args.Arg(1)), true
}

func (d *Dispatcher) addMemRegion(args *arm64.GPRFrame) (uint64, bool) {
	en, ok := d.lookup(uint16(args.Arg(1)))
	if !ok {
		return 0, false
	}

	r := vm.Region{IPA: args.Arg(2), PA: args.Arg(3), Length: args.Arg(4), Device: args.Arg(5) != 0}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, existing := range en.cfg.Regions {
		if existing == r {
			return uint64(args.Arg(1)), true // idempotent: identical region already recorded
		}
	}

	en.cfg.Regions = append(en.cfg.Regions, r)

	return uint64(args.Arg(1)), true
}

// addDevice appends an emulated or passthrough device region; emulated
// entries go into en.devs for InstallDevices to consume at boot_vm
// time, passthrough entries into en.ptRegs for bookkeeping only (the
// actual passthrough mapping is established by the region already
// present in the stage-2 table via ConfigMemRegion).
func (d *Dispatcher) addDevice(args *arm64.GPRFrame, emulated bool) (uint64, bool) {
	en, ok := d.lookup(uint16(args.Arg(1)))
	if !ok {
		return 0, false
	}

	spec := DeviceSpec{IPA: args.Arg(2), Length: args.Arg(3), Kind: uint8(args.Arg(4))}

	d.mu.Lock()
	defer d.mu.Unlock()

	if emulated {
		en.devs = append(en.devs, spec)
	} else {
		en.ptRegs = append(en.ptRegs, spec)
	}

	return uint64(args.Arg(1)), true
}

func (d *Dispatcher) addPtIRQ(args *arm64.GPRFrame) (uint64, bool) {
	en, ok := d.lookup(uint16(args.Arg(1)))
	if !ok {
		return 0, false
	}

	d.mu.Lock()
	en.ptIRQs = append(en.ptIRQs, int(args.Arg(2)))
	d.mu.Unlock()

	return uint64(args.Arg(1)), true
}

func (d *Dispatcher) addPtStreamID(args *arm64.GPRFrame) (uint64, bool) {
	en, ok := d.lookup(uint16(args.Arg(1)))
	if !ok {
		return 0, false
	}

	d.mu.Lock()
	en.ptSIDs = append(en.ptSIDs, int(args.Arg(2)))
	d.mu.Unlock()

	return uint64(args.Arg(1)), true
}

func (d *Dispatcher) setDTBDevice(args *arm64.GPRFrame) (uint64, bool) {
	en, ok := d.lookup(uint16(args.Arg(1)))
	if !ok {
		return 0, false
	}

	d.mu.Lock()
	en.cfg.DTBLoadIPA = args.Arg(2)
	d.mu.Unlock()

	return uint64(args.Arg(1)), true
}

func (d *Dispatcher) setColorBudget(args *arm64.GPRFrame) (uint64, bool) {
	if d.Mem == nil {
		return 0, false
	}

	pct := int(args.Arg(1))
	grantsPerEpoch := int(args.Arg(2))
	epochMillis := args.Arg(3)

	d.Mem.SetColorBudget(pct, grantsPerEpoch, time.Duration(epochMillis)*time.Millisecond)

	return 0, true
}

// uploadKernelImage verifies a secp256k1 signature over the uploaded
// bytes before copying them into the target VM's IPA space (DOMAIN
// STACK: "upload_kernel_image verifies an secp256k1 signature ... a
// guest image whitelist gate"), and records a blake2b-256 digest so a
// re-upload of identical bytes is a no-op while a re-upload of
// different bytes is rejected once the VM is Pending (§8 round-trip
// property).
//
// Argument layout: x1=vmID, x2=srcIPA (MVM-owned buffer), x3=length,
// x4=loadOffset, x5=sigIPA (DER signature, MVM-owned), x6=pubKeyIPA
// (33-byte compressed secp256k1 key, MVM-owned).
func (d *Dispatcher) uploadKernelImage(args *arm64.GPRFrame) (uint64, bool) {
	en, ok := d.lookup(uint16(args.Arg(1)))
	if !ok || d.HVA == nil {
		return 0, false
	}

	srcIPA := args.Arg(2)
	length := args.Arg(3)
	loadOffset := args.Arg(4)
	sigIPA := args.Arg(5)
	pubKeyIPA := args.Arg(6)

	data, ok := d.readVMBuffer(0, srcIPA, length)
	if !ok {
		return 0, false
	}

	sig, ok := d.readVMBuffer(0, sigIPA, derSignatureMaxLen)
	if !ok {
		return 0, false
	}

	pubKey, ok := d.readVMBuffer(0, pubKeyIPA, compressedPubKeyLen)
	if !ok {
		return 0, false
	}

	digest, verified := verifyImage(data, sig, pubKey)
	if !verified {
		hvlog.Warnf("hvc: vm %d rejected kernel image, bad signature from %s", args.Arg(1), signerID(pubKey))
		return 0, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if en.created != nil && en.created.State >= vm.Pending && en.loaded {
		if !bytes.Equal(digest[:], en.digest[:]) {
			hvlog.Warnf("hvc: vm %d rejected differing re-upload from %s once pending", args.Arg(1), signerID(pubKey))
			return 0, false // different bytes rejected once Pending
		}

		return uint64(args.Arg(1)), true // identical re-upload, no-op
	}

	dstIPA := en.cfg.KernelLoadIPA + loadOffset

	dstHVA, err := mm.Ipa2Hva(uint16(args.Arg(1)), dstIPA)
	if err != nil {
		return 0, false
	}

	d.HVA.WriteAt(dstHVA, data)

	en.digest = digest
	en.pubKey = pubKey
	en.loaded = true

	return uint64(args.Arg(1)), true
}

