package net

import (
	"encoding/binary"
	"testing"

	"github.com/usbarmory/hyperv/device"
	"github.com/usbarmory/hyperv/virtio"
)

type fakeHVA struct {
	mem []byte
}

func (f *fakeHVA) ReadAt(hva uint64, buf []byte)  { copy(buf, f.mem[hva:]) }
func (f *fakeHVA) WriteAt(hva uint64, buf []byte) { copy(f.mem[hva:], buf) }

const (
	descIPA  = 0x1000
	availIPA = 0x2000
	usedIPA  = 0x3000
)

// setupQueue wires descriptor/avail/used addresses for queue idx
// through the transport's MMIO registers, exactly as a guest driver
// would during virtio-mmio negotiation.
func setupQueue(n *Net, idx int, desc, avail, used uint64) {
	writeLow := func(reg uint64, addr uint64) {
		n.Transport.Write(device.EmuContext{Address: reg}, addr&0xffffffff)
		n.Transport.Write(device.EmuContext{Address: reg + 4}, addr>>32)
	}

	n.Transport.Write(device.EmuContext{Address: virtio.RegQueueSel}, uint64(idx))
	n.Transport.Write(device.EmuContext{Address: virtio.RegQueueNum}, 8)
	writeLow(virtio.RegQueueDescLow, desc)
	writeLow(virtio.RegQueueDriverLow, avail)
	writeLow(virtio.RegQueueDeviceLow, used)
	n.Transport.Write(device.EmuContext{Address: virtio.RegQueueReady}, 1)
}

func writeDesc(hva *fakeHVA, base uint64, idx uint16, addr uint64, length uint32, flags uint16, next uint16) {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], addr)
	binary.LittleEndian.PutUint32(buf[8:12], length)
	binary.LittleEndian.PutUint16(buf[12:14], flags)
	binary.LittleEndian.PutUint16(buf[14:16], next)

	copy(hva.mem[base+uint64(idx)*16:], buf)
}

func setAvail(hva *fakeHVA, base uint64, ring []uint16, idx uint16) {
	binary.LittleEndian.PutUint16(hva.mem[base+2:], idx)

	for i, v := range ring {
		binary.LittleEndian.PutUint16(hva.mem[base+4+uint64(i)*2:], v)
	}
}

type recordingSink struct {
	frames [][]byte
}

func (r *recordingSink) DeliverFrame(frame []byte) {
	r.frames = append(r.frames, append([]byte(nil), frame...))
}

func TestHandleTxStripsHeaderBeforeForwarding(t *testing.T) {
	hva := &fakeHVA{mem: make([]byte, 1 << 20)}
	sink := &recordingSink{}

	n := New(1, [6]byte{0x02, 0, 0, 0, 0, 1}, hva, nil, 0, sink)
	setupQueue(n, txQueue, descIPA, availIPA, usedIPA)

	hdrAndPayload := make([]byte, headerLen+4)
	copy(hdrAndPayload[headerLen:], []byte{0xde, 0xad, 0xbe, 0xef})
	copy(hva.mem[0x10000:], hdrAndPayload)

	writeDesc(hva, descIPA, 0, 0x10000, uint32(len(hdrAndPayload)), 0, 0)
	setAvail(hva, availIPA, []uint16{0}, 1)

	n.notify(txQueue)

	if len(sink.frames) != 1 {
		t.Fatalf("expected 1 forwarded frame, got %d", len(sink.frames))
	}

	if got := sink.frames[0]; len(got) != 4 || got[0] != 0xde {
		t.Fatalf("expected header stripped payload, got %x", got)
	}
}

func TestDeliverFrameDropsWhenNoRxBufferPosted(t *testing.T) {
	hva := &fakeHVA{mem: make([]byte, 1 << 20)}
	n := New(1, [6]byte{0x02, 0, 0, 0, 0, 2}, hva, nil, 0, nil)
	setupQueue(n, rxQueue, descIPA, availIPA, usedIPA)

	// no avail entries published: idx stays at 0
	n.DeliverFrame([]byte{1, 2, 3})
}

func TestSwitchDeliversByDestinationMAC(t *testing.T) {
	hvaA := &fakeHVA{mem: make([]byte, 1 << 20)}
	hvaB := &fakeHVA{mem: make([]byte, 1 << 20)}

	macA := [6]byte{0x02, 0, 0, 0, 0, 0xaa}
	macB := [6]byte{0x02, 0, 0, 0, 0, 0xbb}

	nA := New(1, macA, hvaA, nil, 0, nil)
	nB := New(2, macB, hvaB, nil, 0, nil)

	sw := NewSwitch()
	sw.Add(nA)
	sw.Add(nB)

	setupQueue(nB, rxQueue, descIPA, availIPA, usedIPA)
	setAvail(hvaB, availIPA, []uint16{0}, 0) // idx 0: no buffer posted yet

	writeDesc(hvaB, descIPA, 0, 0x20000, 64, 0, 0)
	setAvail(hvaB, availIPA, []uint16{0}, 1)

	frame := make([]byte, 14)
	copy(frame[0:6], macB[:])
	copy(frame[6:12], macA[:])

	sw.DeliverFrame(frame)

	idxBuf := hvaB.mem[usedIPA+2 : usedIPA+4]
	if binary.LittleEndian.Uint16(idxBuf) != 1 {
		t.Fatalf("expected B's used ring advanced after a matching delivery")
	}
}
