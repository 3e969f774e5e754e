// Emulated device framework
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package device implements the per-VM emulated device framework
// (§4.I): a list of IPA-ranged handlers consulted on every stage-2 data
// abort, the vGIC distributor being one entry and virtio-mmio
// transports the rest.
package device

import "fmt"

// EmuContext describes a single trapped MMIO access, decoded by the
// trap dispatcher from ESR_EL2/FAR_EL2/HPFAR_EL2 (§4.E "DataAbort").
type EmuContext struct {
	Address  uint64
	Width    int // access width in bytes: 1, 2, 4 or 8
	Write    bool
	SignExt  bool
	Reg      int // guest register index carrying the value
	RegWidth int // 32 or 64
}

// Handler emulates one MMIO region. Read returns the value to place into
// the trapping register; Write receives the register value the guest
// supplied.
type Handler interface {
	Read(ctx EmuContext) uint64
	Write(ctx EmuContext, val uint64)
}

// Entry is one emulated-device registration (§3 "Emulated device entry").
type Entry struct {
	DevID   int
	IPABase uint64
	Length  uint64
	Handler Handler
}

func (e Entry) contains(ipa uint64) bool {
	return ipa >= e.IPABase && ipa < e.IPABase+e.Length
}

// ErrOverlap is returned when registering a device whose IPA range
// overlaps an existing one for the same VM (§3 invariant: "per VM, no
// two entries' IPA ranges overlap").
var ErrOverlap = fmt.Errorf("device: overlapping IPA range")

// List is the ordered set of emulated devices for a single VM.
type List struct {
	entries []Entry
}

// Register adds e to the list, rejecting any overlap with an existing
// entry.
func (l *List) Register(e Entry) error {
	for _, existing := range l.entries {
		if e.IPABase < existing.IPABase+existing.Length && existing.IPABase < e.IPABase+e.Length {
			return ErrOverlap
		}
	}

	l.entries = append(l.entries, e)

	return nil
}

// Lookup finds the device entry owning IPA ipa, if any. Lookup is
// deterministic: entries never overlap, so at most one can match (§3).
func (l *List) Lookup(ipa uint64) (Entry, bool) {
	for _, e := range l.entries {
		if e.contains(ipa) {
			return e, true
		}
	}

	return Entry{}, false
}

// Remove drops the entry with the given device id, used on VM shutdown.
func (l *List) Remove(devID int) {
	out := l.entries[:0]

	for _, e := range l.entries {
		if e.DevID != devID {
			out = append(out, e)
		}
	}

	l.entries = out
}

// All returns every registered entry, used when tearing down a VM.
func (l *List) All() []Entry {
	return l.entries
}
