package console

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

func setupQueue(c *Console, idx int, desc, avail, used uint64) {
	writeLow := func(reg uint64, addr uint64) {
		c.Transport.Write(device.EmuContext{Address: reg}, addr&0xffffffff)
		c.Transport.Write(device.EmuContext{Address: reg + 4}, addr>>32)
	}

	c.Transport.Write(device.EmuContext{Address: virtio.RegQueueSel}, uint64(idx))
	c.Transport.Write(device.EmuContext{Address: virtio.RegQueueNum}, 8)
	writeLow(virtio.RegQueueDescLow, desc)
	writeLow(virtio.RegQueueDriverLow, avail)
	writeLow(virtio.RegQueueDeviceLow, used)
	c.Transport.Write(device.EmuContext{Address: virtio.RegQueueReady}, 1)
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
	chunks [][]byte
}

func (r *recordingSink) DeliverBytes(data []byte) {
	r.chunks = append(r.chunks, append([]byte(nil), data...))
}

func TestDrainTxForwardsBytesToSink(t *testing.T) {
	hva := &fakeHVA{mem: make([]byte, 1 << 20)}
	sink := &recordingSink{}

	c := New(1, hva, nil, 0, sink)
	setupQueue(c, txQueue, descIPA, availIPA, usedIPA)

	copy(hva.mem[0x10000:], []byte("hello"))
	writeDesc(hva, descIPA, 0, 0x10000, 5, 0, 0)
	setAvail(hva, availIPA, []uint16{0}, 1)

	c.notify(txQueue)

	if len(sink.chunks) != 1 || string(sink.chunks[0]) != "hello" {
		t.Fatalf("expected forwarded chunk %q, got %v", "hello", sink.chunks)
	}
}

func TestDeliverBytesPostsIntoRxBuffer(t *testing.T) {
	hva := &fakeHVA{mem: make([]byte, 1 << 20)}
	c := New(1, hva, nil, 0, nil)
	setupQueue(c, rxQueue, descIPA, availIPA, usedIPA)

	writeDesc(hva, descIPA, 0, 0x20000, 16, 2 /* Write */, 0)
	setAvail(hva, availIPA, []uint16{0}, 1)

	c.DeliverBytes([]byte("hi there"))

	if got := string(hva.mem[0x20000 : 0x20000+8]); got != "hi there" {
		t.Fatalf("expected %q written into rx buffer, got %q", "hi there", got)
	}
}

func TestPairRelaysBothDirections(t *testing.T) {
	hvaA := &fakeHVA{mem: make([]byte, 1 << 20)}
	hvaB := &fakeHVA{mem: make([]byte, 1 << 20)}

	a := New(1, hvaA, nil, 0, nil)
	b := New(2, hvaB, nil, 0, nil)
	NewPair(a, b)

	setupQueue(a, txQueue, descIPA, availIPA, usedIPA)
	setupQueue(b, rxQueue, descIPA, availIPA, usedIPA)

	copy(hvaA.mem[0x10000:], []byte("ping"))
	writeDesc(hvaA, descIPA, 0, 0x10000, 4, 0, 0)
	setAvail(hvaA, availIPA, []uint16{0}, 1)

	writeDesc(hvaB, descIPA, 0, 0x20000, 16, 2, 0)
	setAvail(hvaB, availIPA, []uint16{0}, 1)

	a.notify(txQueue)

	if got := string(hvaB.mem[0x20000 : 0x20000+4]); got != "ping" {
		t.Fatalf("expected peer b to receive %q, got %q", "ping", got)
	}
}
