package board

import "testing"

func TestNumCPUsMatchesCPUList(t *testing.T) {
	p := &Platform{CPUs: []CPU{{ID: 0}, {ID: 1}, {ID: 2}, {ID: 3}}}

	if got := p.NumCPUs(); got != 4 {
		t.Fatalf("expected NumCPUs 4, got %d", got)
	}
}

func TestCPUIFReturnsSharedGICCBase(t *testing.T) {
	p := &Platform{GICCBase: 0x08010000}

	for _, id := range []int{0, 1, 2, 3} {
		if got := p.CPUIF(id); got != 0x08010000 {
			t.Fatalf("expected CPUIF(%d) == GICCBase, got %#x", id, got)
		}
	}
}

func TestDeviceRegionsReturnsPassthroughTable(t *testing.T) {
	regions := []DeviceRegion{{Name: "uart0", Base: 0x09000000, Length: 0x1000}}
	p := &Platform{Passthrough: regions}

	got := p.DeviceRegions()
	if len(got) != 1 || got[0].Name != "uart0" {
		t.Fatalf("expected passthrough table returned verbatim, got %v", got)
	}
}
