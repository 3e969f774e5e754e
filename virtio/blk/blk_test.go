package blk

import (
	"encoding/binary"
	"testing"

	"github.com/usbarmory/hyperv/device"
	"github.com/usbarmory/hyperv/ipi"
	"github.com/usbarmory/hyperv/mediated"
	"github.com/usbarmory/hyperv/virtio"
)

type fakeSender struct{}

func (fakeSender) SendSGI(id int, targetList uint8) {}

type fakeHVA struct {
	mem []byte
}

func (f *fakeHVA) ReadAt(hva uint64, buf []byte)  { copy(buf, f.mem[hva:]) }
func (f *fakeHVA) WriteAt(hva uint64, buf []byte) { copy(f.mem[hva:], buf) }

func newTestBlk(t *testing.T) (*Blk, *fakeHVA, *Dispatcher) {
	t.Helper()

	bus := ipi.NewBus(2, fakeSender{})
	hva := &fakeHVA{mem: make([]byte, 1<<20)}

	d := NewDispatcher(bus, 1)

	b, ok := d.New(0, 0, 0x80000, hva, nil, 0, 2048)
	if !ok {
		t.Fatalf("expected New to register a mediated blk device")
	}

	return b, hva, d
}

const (
	descIPA  = 0x1000
	availIPA = 0x2000
	usedIPA  = 0x3000
)

func setupQueue(b *Blk) {
	// the transport only learns addresses through register writes;
	// exercise those instead of poking the Queue directly so this
	// test also covers the MMIO write path.
	writeLow := func(reg uint64, addr uint64) {
		b.Transport.Write(device.EmuContext{Address: reg}, addr&0xffffffff)
		b.Transport.Write(device.EmuContext{Address: reg + 4}, addr>>32)
	}

	b.Transport.Write(device.EmuContext{Address: virtio.RegQueueSel}, 0)
	b.Transport.Write(device.EmuContext{Address: virtio.RegQueueNum}, 4)
	writeLow(virtio.RegQueueDescLow, descIPA)
	writeLow(virtio.RegQueueDriverLow, availIPA)
	writeLow(virtio.RegQueueDeviceLow, usedIPA)
	b.Transport.Write(device.EmuContext{Address: virtio.RegQueueReady}, 1)
}

func writeDesc(hva *fakeHVA, idx uint16, addr uint64, length uint32, flags uint16, next uint16) {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], addr)
	binary.LittleEndian.PutUint32(buf[8:12], length)
	binary.LittleEndian.PutUint16(buf[12:14], flags)
	binary.LittleEndian.PutUint16(buf[14:16], next)

	copy(hva.mem[descIPA+uint64(idx)*16:], buf)
}

func setAvail(hva *fakeHVA, ring []uint16, idx uint16) {
	binary.LittleEndian.PutUint16(hva.mem[availIPA+2:], idx)

	for i, v := range ring {
		binary.LittleEndian.PutUint16(hva.mem[availIPA+4+uint64(i)*2:], v)
	}
}

func TestReadRequestCopiesCacheIntoGuestBuffer(t *testing.T) {
	b, hva, _ := newTestBlk(t)
	setupQueue(b)

	// seed the shared cache with the bytes the MVM would have read
	// from the real block device.
	payload := []byte("0123456789ABCDEF")
	copy(hva.mem[0x80000:], payload)

	const descHdr, descData, descStatus = 0, 1, 2

	writeDesc(hva, descHdr, 0x10000, 16, 1 /* Next */, descData)
	writeDesc(hva, descData, 0x20000, uint32(len(payload)), 1|2 /* Next|Write */, descStatus)
	writeDesc(hva, descStatus, 0x30000, 1, 2 /* Write */, 0)

	hdr := make([]byte, 16)
	binary.LittleEndian.PutUint32(hdr[0:4], TypeIn)
	binary.LittleEndian.PutUint64(hdr[8:16], 5) // sector
	copy(hva.mem[0x10000:], hdr)

	setAvail(hva, []uint16{descHdr}, 1)

	b.notify(0)

	b.mu.Lock()
	pendingCount := len(b.pending)
	b.mu.Unlock()

	if pendingCount != 1 {
		t.Fatalf("expected 1 in-flight request after notify, got %d", pendingCount)
	}

	var taskID uint64
	b.mu.Lock()
	for id := range b.pending {
		taskID = id
	}
	b.mu.Unlock()

	ok := b.backend.DevNotify(taskID, 0)
	if !ok {
		t.Fatalf("expected DevNotify to find the submitted task")
	}

	got := string(hva.mem[0x20000 : 0x20000+len(payload)])
	if got != string(payload) {
		t.Fatalf("expected cache content copied into guest buffer, got %q", got)
	}

	if hva.mem[0x30000] != StatusOK {
		t.Fatalf("expected status OK, got %d", hva.mem[0x30000])
	}
}

func TestWriteRequestStagesGuestDataIntoCache(t *testing.T) {
	b, hva, _ := newTestBlk(t)
	setupQueue(b)

	const descHdr, descData, descStatus = 0, 1, 2

	writeDesc(hva, descHdr, 0x10000, 16, 1, descData)
	writeDesc(hva, descData, 0x20000, 16, 1, descStatus)
	writeDesc(hva, descStatus, 0x30000, 1, 2, 0)

	hdr := make([]byte, 16)
	binary.LittleEndian.PutUint32(hdr[0:4], TypeOut)
	binary.LittleEndian.PutUint64(hdr[8:16], 9)
	copy(hva.mem[0x10000:], hdr)
	copy(hva.mem[0x20000:], []byte("guest payload!!!"))

	setAvail(hva, []uint16{descHdr}, 1)

	b.notify(0)

	got := string(hva.mem[0x80000 : 0x80000+16])
	if got != "guest payload!!!" {
		t.Fatalf("expected guest write data staged into cache, got %q", got)
	}
}

func TestSubmitRejectsUnregisteredBlkID(t *testing.T) {
	b, _, _ := newTestBlk(t)

	if _, err := b.backend.Submit(99, b.vmID, mediated.KindRead, 0, 1); err != mediated.ErrNoBlkAvailable {
		t.Fatalf("expected ErrNoBlkAvailable for an unregistered blk id, got %v", err)
	}
}
