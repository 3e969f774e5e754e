// VirtIO-MMIO device-side transport
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package virtio implements the device side of the virtio-mmio v2
// transport (§4.I): the standard MMIO register layout as a
// device.Handler, and the split virtqueue parsing a back-end notifier
// walks on every QueueNotify.
//
// Grounded on the teacher's kvm/virtio/mmio.go and kvm/virtio/virtio.go,
// which implement the same register layout from the driver side; every
// register here inverts that direction (the teacher writes QueueNotify
// and polls Used, we are notified and publish to Used).
package virtio

import (
	"github.com/usbarmory/hyperv/device"
)

// MMIO device register offsets, virtio-mmio v2 (§6 "strictly v2,
// little-endian").
const (
	RegMagic             = 0x000
	RegVersion           = 0x004
	RegDeviceID          = 0x008
	RegVendorID          = 0x00c
	RegDeviceFeatures    = 0x010
	RegDeviceFeaturesSel = 0x014
	RegDriverFeatures    = 0x020
	RegDriverFeaturesSel = 0x024
	RegQueueSel          = 0x030
	RegQueueNumMax       = 0x034
	RegQueueNum          = 0x038
	RegQueueReady        = 0x044
	RegQueueNotify       = 0x050
	RegInterruptStatus   = 0x060
	RegInterruptACK      = 0x064
	RegStatus            = 0x070
	RegQueueDescLow      = 0x080
	RegQueueDescHigh     = 0x084
	RegQueueDriverLow    = 0x090
	RegQueueDriverHigh   = 0x094
	RegQueueDeviceLow    = 0x0a0
	RegQueueDeviceHigh   = 0x0a4
	RegConfigGeneration  = 0x0fc
	RegConfig            = 0x100
)

const (
	Magic   = 0x74726976 // "virt"
	Version = 0x02
)

// Device Status bits.
const (
	Acknowledge      = 1 << 0
	Driver           = 1 << 1
	DriverOk         = 1 << 2
	FeaturesOk       = 1 << 3
	DeviceNeedsReset = 1 << 6
	Failed           = 1 << 7
)

// Subsystem device IDs (virtio spec table 13).
const (
	DeviceIDNet     = 1
	DeviceIDBlock   = 2
	DeviceIDConsole = 3
)

// Interrupt status bits.
const (
	IntUsedRing = 1 << 0
	IntConfig   = 1 << 1
)

// Notifier is invoked on a QueueNotify write; the back-end drains the
// named queue's available ring (§4.I "a QueueNotify write dispatches
// the back-end-registered notifier").
type Notifier func(queue int)

// Transport is one virtio-mmio device instance: register state plus
// the set of split virtqueues a back-end drives. It implements
// device.Handler so it can be placed directly into a VM's device.List
// at the IPA the guest's DTB describes.
type Transport struct {
	VMID     uint16
	DeviceID uint32

	deviceFeatures    uint64
	driverFeatures    uint64
	featuresSel       int
	driverFeaturesSel int

	queueSel int
	queues   []*Queue

	status    uint32
	intStatus uint32
	configGen uint32
	config    []byte

	notify Notifier
}

// NewTransport creates a virtio-mmio device instance exposing numQueue
// queues of the given max size, for guest deviceID. hva backs every
// queue's guest-memory access (§4.A hva alias window).
func NewTransport(vmID uint16, deviceID uint32, numQueue int, maxQueueSize int, hva HVACopier, deviceFeatures uint64, notify Notifier) *Transport {
	t := &Transport{
		VMID:           vmID,
		DeviceID:       deviceID,
		deviceFeatures: deviceFeatures,
		notify:         notify,
	}

	for i := 0; i < numQueue; i++ {
		t.queues = append(t.queues, newQueue(vmID, hva, maxQueueSize))
	}

	return t
}

// SetConfig installs the device-specific configuration block returned
// through the Config register window, bumping ConfigGeneration so a
// guest racing a read observes a consistent generation.
func (t *Transport) SetConfig(config []byte) {
	t.config = config
	t.configGen++
}

// Queue returns the split virtqueue at index, for the back-end
// notifier to parse after a QueueNotify.
func (t *Transport) Queue(index int) *Queue {
	if index < 0 || index >= len(t.queues) {
		return nil
	}

	return t.queues[index]
}

// RaiseUsedIRQ marks the used-ring interrupt cause pending; the caller
// still owns actually injecting the configured vIRQ through vgic, this
// only updates the guest-visible InterruptStatus register.
func (t *Transport) RaiseUsedIRQ() {
	t.intStatus |= IntUsedRing
}

// RaiseConfigIRQ marks the config-change interrupt cause pending.
func (t *Transport) RaiseConfigIRQ() {
	t.intStatus |= IntConfig
}

// Read implements device.Handler.
func (t *Transport) Read(ctx device.EmuContext) uint64 {
	off := ctx.Address

	switch {
	case off == RegMagic:
		return Magic
	case off == RegVersion:
		return Version
	case off == RegDeviceID:
		return uint64(t.DeviceID)
	case off == RegVendorID:
		return 0
	case off == RegDeviceFeatures:
		return uint32AtSel(t.deviceFeatures, t.featuresSel)
	case off == RegQueueNumMax:
		if q := t.Queue(t.queueSel); q != nil {
			return uint64(q.MaxSize())
		}
	case off == RegQueueReady:
		if q := t.Queue(t.queueSel); q != nil && q.Ready() {
			return 1
		}
	case off == RegInterruptStatus:
		return uint64(t.intStatus)
	case off == RegStatus:
		return uint64(t.status)
	case off == RegConfigGeneration:
		return uint64(t.configGen)
	case off >= RegConfig:
		return t.readConfig(off-RegConfig, ctx.Width)
	}

	return 0
}

// Write implements device.Handler.
func (t *Transport) Write(ctx device.EmuContext, val uint64) {
	off := ctx.Address

	switch {
	case off == RegDeviceFeaturesSel:
		t.featuresSel = int(val)
	case off == RegDriverFeatures:
		t.setDriverFeatureWord(val)
	case off == RegDriverFeaturesSel:
		t.driverFeaturesSel = int(val)
	case off == RegQueueSel:
		t.queueSel = int(val)
	case off == RegQueueNum:
		if q := t.Queue(t.queueSel); q != nil {
			q.SetSize(int(val))
		}
	case off == RegQueueReady:
		if q := t.Queue(t.queueSel); q != nil {
			q.SetReady(val != 0)
		}
	case off == RegQueueNotify:
		if t.notify != nil {
			t.notify(int(val))
		}
	case off == RegInterruptACK:
		t.intStatus &^= uint32(val)
	case off == RegStatus:
		t.status = uint32(val)
		if t.status == 0 {
			t.reset()
		}
	case off == RegQueueDescLow:
		setAddrLow(t.queueAddr(descAddr), val)
	case off == RegQueueDescHigh:
		setAddrHigh(t.queueAddr(descAddr), val)
	case off == RegQueueDriverLow:
		setAddrLow(t.queueAddr(availAddr), val)
	case off == RegQueueDriverHigh:
		setAddrHigh(t.queueAddr(availAddr), val)
	case off == RegQueueDeviceLow:
		setAddrLow(t.queueAddr(usedAddr), val)
	case off == RegQueueDeviceHigh:
		setAddrHigh(t.queueAddr(usedAddr), val)
	}
}

// which queue-relative IPA register a QueueDesc/Driver/Device write
// targets.
type queueAddrKind int

const (
	descAddr queueAddrKind = iota
	availAddr
	usedAddr
)

// queueAddr returns a pointer to the currently-selected queue's IPA
// field for kind, or nil if no queue is selected.
func (t *Transport) queueAddr(kind queueAddrKind) *uint64 {
	q := t.Queue(t.queueSel)
	if q == nil {
		return nil
	}

	switch kind {
	case descAddr:
		return &q.descIPA
	case availAddr:
		return &q.availIPA
	default:
		return &q.usedIPA
	}
}

func setAddrLow(addr *uint64, val uint64) {
	if addr == nil {
		return
	}

	*addr = (*addr &^ 0xffffffff) | (val & 0xffffffff)
}

func setAddrHigh(addr *uint64, val uint64) {
	if addr == nil {
		return
	}

	*addr = (*addr & 0xffffffff) | (val << 32)
}

func uint32AtSel(features uint64, sel int) uint64 {
	if sel == 1 {
		return features >> 32
	}

	return features & 0xffffffff
}

func (t *Transport) setDriverFeatureWord(val uint64) {
	if t.driverFeaturesSel == 1 {
		t.driverFeatures = (t.driverFeatures & 0xffffffff) | (val << 32)
	} else {
		t.driverFeatures = (t.driverFeatures &^ 0xffffffff) | (val & 0xffffffff)
	}
}

func (t *Transport) reset() {
	t.driverFeatures = 0

	for _, q := range t.queues {
		q.reset()
	}
}

func (t *Transport) readConfig(off uint64, width int) uint64 {
	if t.config == nil || int(off)+width > len(t.config) {
		return 0
	}

	var v uint64
	for i := 0; i < width; i++ {
		v |= uint64(t.config[int(off)+i]) << (8 * i)
	}

	return v
}
