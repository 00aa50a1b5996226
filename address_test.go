package meshnode

import "testing"

func TestAddressLast(t *testing.T) {
	tests := []struct {
		name     string
		addr     Address
		elements uint8
		want     Address
		ok       bool
	}{
		{name: "single element", addr: 0x0002, elements: 1, want: 0x0002, ok: true},
		{name: "three elements", addr: 0x0002, elements: 3, want: 0x0004, ok: true},
		{name: "ends at top", addr: 0x7ffe, elements: 2, want: 0x7fff, ok: true},
		{name: "overflows", addr: 0x7fff, elements: 2},
		{name: "unassigned", addr: UnassignedAddress, elements: 1},
		{name: "group", addr: 0xc001, elements: 1},
		{name: "no elements", addr: 0x0002},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.addr.Last(tt.elements)
			if got != tt.want || ok != tt.ok {
				t.Fatalf("Last(%d) = (%s, %v), want (%s, %v)", tt.elements, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestAddressRanges(t *testing.T) {
	if UnassignedAddress.IsUnicast() || !Address(0x0001).IsUnicast() || Address(0x8000).IsUnicast() {
		t.Fatal("unexpected unicast classification")
	}
	if !Address(0xc000).IsGroup() || Address(0x7fff).IsGroup() {
		t.Fatal("unexpected group classification")
	}
	if got := Address(0x2a).String(); got != "0x002a" {
		t.Fatalf("String() = %q", got)
	}
}
