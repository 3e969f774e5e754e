// Split virtqueue parsing, device side
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/usbarmory/hyperv/mm"
)

// HVACopier reads/writes guest memory through the hva alias window
// (§4.A); satisfied by the same type vm.HVACopier names, restated here
// to keep this package free of a dependency on package vm.
type HVACopier interface {
	ReadAt(hva uint64, buf []byte)
	WriteAt(hva uint64, buf []byte)
}

// Descriptor flags (virtio spec 2.7.5).
const (
	descNext     = 1
	descWrite    = 2
	descIndirect = 4
)

const descSize = 16 // addr(8) + len(4) + flags(2) + next(2)

// maxChainLen bounds descriptor chain walks against a guest that wires
// Next into a cycle (§7 "guest misbehavior ... never crash the
// hypervisor").
const maxChainLen = 64

// Iov is one host-translated scatter/gather segment of a descriptor
// chain, ready for a back-end to read or write directly.
type Iov struct {
	HVA    uint64
	Length uint32
	Write  bool // descWrite set: device writes into this segment
}

var ErrQueueNotReady = fmt.Errorf("virtio: queue not ready")
var ErrChainTooLong = fmt.Errorf("virtio: descriptor chain exceeds limit")
var ErrBadDescriptor = fmt.Errorf("virtio: descriptor outside guest IPA range")

// Queue is one split virtqueue, the device-side counterpart of the
// teacher's kvm/virtio/descriptor.go VirtualQueue: that type is driven
// by a guest pushing descriptors and polling the Used ring we publish
// to; here the hypervisor is the guest's device, so it consumes the
// Available ring and produces the Used ring instead.
//
// Invariant (§8): last_avail_idx <= avail.idx <= last_avail_idx + num.
type Queue struct {
	vmID uint16
	hva  HVACopier

	maxSize int
	size    int
	ready   bool

	descIPA  uint64
	availIPA uint64
	usedIPA  uint64

	lastAvailIdx uint16
	usedIdx      uint16
}

func newQueue(vmID uint16, hva HVACopier, maxSize int) *Queue {
	return &Queue{vmID: vmID, hva: hva, maxSize: maxSize}
}

func (q *Queue) MaxSize() int     { return q.maxSize }
func (q *Queue) Ready() bool      { return q.ready }
func (q *Queue) SetSize(n int)    { q.size = n }
func (q *Queue) SetReady(r bool)  { q.ready = r }

func (q *Queue) reset() {
	q.ready = false
	q.size = 0
	q.descIPA, q.availIPA, q.usedIPA = 0, 0, 0
	q.lastAvailIdx, q.usedIdx = 0, 0
}

func (q *Queue) read(ipa uint64, buf []byte) error {
	hva, err := mm.Ipa2Hva(q.vmID, ipa)
	if err != nil {
		return ErrBadDescriptor
	}

	q.hva.ReadAt(hva, buf)
	return nil
}

func (q *Queue) write(ipa uint64, buf []byte) error {
	hva, err := mm.Ipa2Hva(q.vmID, ipa)
	if err != nil {
		return ErrBadDescriptor
	}

	q.hva.WriteAt(hva, buf)
	return nil
}

func (q *Queue) availIdx() (uint16, error) {
	var buf [2]byte

	if err := q.read(q.availIPA+2, buf[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (q *Queue) availRing(n uint16) (uint16, error) {
	var buf [2]byte
	off := 4 + uint64(n)*2

	if err := q.read(q.availIPA+off, buf[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(buf[:]), nil
}

// PopAvail returns the head descriptor index of the next available
// chain, if the guest has published one since the last Pop.
func (q *Queue) PopAvail() (head uint16, ok bool, err error) {
	if !q.ready {
		return 0, false, ErrQueueNotReady
	}

	idx, err := q.availIdx()
	if err != nil {
		return 0, false, err
	}

	if q.lastAvailIdx == idx {
		return 0, false, nil
	}

	head, err = q.availRing(q.lastAvailIdx % uint16(q.size))
	if err != nil {
		return 0, false, err
	}

	q.lastAvailIdx++

	return head, true, nil
}

func (q *Queue) descAt(idx uint16) (addr uint64, length uint32, flags uint16, next uint16, err error) {
	buf := make([]byte, descSize)

	if err = q.read(q.descIPA+uint64(idx)*descSize, buf); err != nil {
		return
	}

	addr = binary.LittleEndian.Uint64(buf[0:8])
	length = binary.LittleEndian.Uint32(buf[8:12])
	flags = binary.LittleEndian.Uint16(buf[12:14])
	next = binary.LittleEndian.Uint16(buf[14:16])

	return
}

// ReadChain walks the descriptor chain starting at head, translating
// every segment's guest address to its hva alias (§4.I "translates
// guest IPAs to host HVAs via vm_ipa2hva"). maxIov bounds the number of
// segments accepted, e.g. VIRTIO_BLK_F_SEG_MAX=64 (§4.J).
func (q *Queue) ReadChain(head uint16, maxIov int) ([]Iov, error) {
	var iovs []Iov

	idx := head

	for i := 0; i < maxChainLen; i++ {
		addr, length, flags, next, err := q.descAt(idx)
		if err != nil {
			return nil, err
		}

		if flags&descIndirect != 0 {
			return nil, fmt.Errorf("virtio: indirect descriptors not supported")
		}

		hva, err := mm.Ipa2Hva(q.vmID, addr)
		if err != nil {
			return nil, ErrBadDescriptor
		}

		iovs = append(iovs, Iov{HVA: hva, Length: length, Write: flags&descWrite != 0})

		if len(iovs) > maxIov {
			return nil, ErrChainTooLong
		}

		if flags&descNext == 0 {
			return iovs, nil
		}

		idx = next
	}

	return nil, ErrChainTooLong
}

// PushUsed publishes a completed chain (head descriptor index, total
// bytes written) into the Used ring and bumps the guest-visible used
// index.
func (q *Queue) PushUsed(head uint16, length uint32) error {
	var entry [8]byte
	binary.LittleEndian.PutUint32(entry[0:4], uint32(head))
	binary.LittleEndian.PutUint32(entry[4:8], length)

	off := 4 + uint64(q.usedIdx%uint16(q.size))*8
	if err := q.write(q.usedIPA+off, entry[:]); err != nil {
		return err
	}

	q.usedIdx++

	var idxBuf [2]byte
	binary.LittleEndian.PutUint16(idxBuf[:], q.usedIdx)

	return q.write(q.usedIPA+2, idxBuf[:])
}
