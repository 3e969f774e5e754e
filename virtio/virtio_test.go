package virtio

import (
	"encoding/binary"
	"testing"

	"github.com/usbarmory/hyperv/device"
	"github.com/usbarmory/hyperv/mm"
)

// fakeHVA backs HVACopier with a flat byte slice indexed by hva.
type fakeHVA struct {
	mem []byte
}

func (f *fakeHVA) ReadAt(hva uint64, buf []byte)  { copy(buf, f.mem[hva:]) }
func (f *fakeHVA) WriteAt(hva uint64, buf []byte) { copy(f.mem[hva:], buf) }

const testVMID = 0

func layout(hva *fakeHVA, descIPA, availIPA, usedIPA uint64, size int) *Queue {
	q := newQueue(testVMID, hva, size)
	q.descIPA, q.availIPA, q.usedIPA = descIPA, availIPA, usedIPA
	q.size = size
	q.ready = true

	return q
}

func ipaToHVA(ipa uint64) uint64 {
	hva, err := mm.Ipa2Hva(testVMID, ipa)
	if err != nil {
		panic(err)
	}

	return hva
}

func TestTransportStatusRegisterRoundTrip(t *testing.T) {
	tr := NewTransport(testVMID, DeviceIDBlock, 1, 256, &fakeHVA{mem: make([]byte, 1)}, 0, nil)

	tr.Write(device.EmuContext{Address: RegStatus}, Acknowledge|Driver)

	if got := tr.Read(device.EmuContext{Address: RegStatus}); got != Acknowledge|Driver {
		t.Fatalf("expected status %#x, got %#x", Acknowledge|Driver, got)
	}
}

func TestTransportMagicVersionDeviceID(t *testing.T) {
	tr := NewTransport(testVMID, DeviceIDNet, 1, 64, &fakeHVA{mem: make([]byte, 1)}, 0, nil)

	if got := tr.Read(device.EmuContext{Address: RegMagic}); got != Magic {
		t.Fatalf("expected magic %#x, got %#x", Magic, got)
	}

	if got := tr.Read(device.EmuContext{Address: RegVersion}); got != Version {
		t.Fatalf("expected version %d, got %d", Version, got)
	}

	if got := tr.Read(device.EmuContext{Address: RegDeviceID}); got != DeviceIDNet {
		t.Fatalf("expected device id %d, got %d", DeviceIDNet, got)
	}
}

func TestTransportQueueNotifyInvokesNotifier(t *testing.T) {
	var notified int = -1

	tr := NewTransport(testVMID, DeviceIDBlock, 1, 256, &fakeHVA{mem: make([]byte, 1)}, 0, func(queue int) {
		notified = queue
	})

	tr.Write(device.EmuContext{Address: RegQueueNotify}, 0)

	if notified != 0 {
		t.Fatalf("expected notifier invoked with queue 0, got %d", notified)
	}
}

func TestQueuePopAvailRespectsLastAvailIdxInvariant(t *testing.T) {
	mem := make([]byte, 1<<20)
	hva := &fakeHVA{mem: mem}

	const descIPA, availIPA, usedIPA = 0x1000, 0x2000, 0x3000
	q := layout(hva, descIPA, availIPA, usedIPA, 4)

	// descriptor 0: a single 64-byte write-only segment at IPA 0x5000
	writeDesc(hva, descIPA, 0, 0x5000, 64, descWrite, 0)

	// avail ring: one entry pointing at descriptor 0
	setAvail(hva, availIPA, []uint16{0}, 1)

	head, ok, err := q.PopAvail()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !ok || head != 0 {
		t.Fatalf("expected head 0, ok=true, got head=%d ok=%v", head, ok)
	}

	if _, ok, _ = q.PopAvail(); ok {
		t.Fatalf("expected no further available entries until avail.idx advances")
	}
}

func TestQueueReadChainFollowsNextFlag(t *testing.T) {
	mem := make([]byte, 1<<20)
	hva := &fakeHVA{mem: mem}

	const descIPA, availIPA, usedIPA = 0x1000, 0x2000, 0x3000
	q := layout(hva, descIPA, availIPA, usedIPA, 4)

	writeDesc(hva, descIPA, 0, 0x10000, 16, descNext, 1)
	writeDesc(hva, descIPA, 1, 0x20000, 4096, descNext|descWrite, 2)
	writeDesc(hva, descIPA, 2, 0x30000, 1, descWrite, 0)

	iovs, err := q.ReadChain(0, 64)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(iovs) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(iovs))
	}

	if iovs[0].Write || !iovs[1].Write || !iovs[2].Write {
		t.Fatalf("unexpected write flags: %+v", iovs)
	}

	if iovs[1].Length != 4096 {
		t.Fatalf("expected middle segment length 4096, got %d", iovs[1].Length)
	}
}

func TestQueueReadChainRejectsOversizeChain(t *testing.T) {
	mem := make([]byte, 1<<20)
	hva := &fakeHVA{mem: mem}

	const descIPA, availIPA, usedIPA = 0x1000, 0x2000, 0x3000
	q := layout(hva, descIPA, availIPA, usedIPA, 200)

	for i := 0; i < 70; i++ {
		next := uint16(i + 1)
		flags := uint16(descNext)

		if i == 69 {
			flags = 0
		}

		writeDesc(hva, descIPA, uint16(i), 0x10000, 1, flags, next)
	}

	if _, err := q.ReadChain(0, 64); err != ErrChainTooLong {
		t.Fatalf("expected ErrChainTooLong, got %v", err)
	}
}

func TestQueuePushUsedAdvancesIndex(t *testing.T) {
	mem := make([]byte, 1<<20)
	hva := &fakeHVA{mem: mem}

	const descIPA, availIPA, usedIPA = 0x1000, 0x2000, 0x3000
	q := layout(hva, descIPA, availIPA, usedIPA, 4)

	if err := q.PushUsed(0, 128); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	idxHVA := ipaToHVA(usedIPA + 2)
	idx := binary.LittleEndian.Uint16(mem[idxHVA : idxHVA+2])

	if idx != 1 {
		t.Fatalf("expected used.idx 1, got %d", idx)
	}
}

func writeDesc(hva *fakeHVA, descIPA uint64, idx uint16, addr uint64, length uint32, flags uint16, next uint16) {
	buf := make([]byte, descSize)
	binary.LittleEndian.PutUint64(buf[0:8], addr)
	binary.LittleEndian.PutUint32(buf[8:12], length)
	binary.LittleEndian.PutUint16(buf[12:14], flags)
	binary.LittleEndian.PutUint16(buf[14:16], next)

	off := ipaToHVA(descIPA + uint64(idx)*descSize)
	copy(hva.mem[off:], buf)
}

func setAvail(hva *fakeHVA, availIPA uint64, ring []uint16, idx uint16) {
	base := ipaToHVA(availIPA)

	binary.LittleEndian.PutUint16(hva.mem[base:], 0) // flags
	binary.LittleEndian.PutUint16(hva.mem[base+2:], idx)

	for i, v := range ring {
		off := base + 4 + uint64(i)*2
		binary.LittleEndian.PutUint16(hva.mem[off:], v)
	}
}
