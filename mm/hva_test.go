// Physical memory manager
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mm

import "testing"

func TestIpa2HvaRoundTrip(t *testing.T) {
	hva, err := Ipa2Hva(7, 0x1000)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	vmID, ipa := Hva2Ipa(hva)

	if vmID != 7 || ipa != 0x1000 {
		t.Fatalf("round trip mismatch: vmID=%d ipa=%#x", vmID, ipa)
	}
}

func TestIpa2HvaDistinctPerVM(t *testing.T) {
	a, err := Ipa2Hva(1, 0x2000)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	b, err := Ipa2Hva(2, 0x2000)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if a == b {
		t.Fatalf("hva(vm_a, ipa) must differ from hva(vm_b, ipa) when vm_a.id != vm_b.id")
	}
}

func TestIpa2HvaRejectsOutOfRange(t *testing.T) {
	if _, err := Ipa2Hva(0, uint64(1)<<40); err != ErrInvalidIPA {
		t.Fatalf("expected ErrInvalidIPA, got %v", err)
	}
}
