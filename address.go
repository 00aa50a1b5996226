package meshnode

import "fmt"

// Address is a 16-bit mesh address. Unicast addresses identify a single
// element; group and virtual addresses are out of scope for this node.
type Address uint16

const (
	UnassignedAddress Address = 0x0000
	MaxUnicastAddress Address = 0x7fff
	firstGroupAddress Address = 0xc000
)

// IsUnicast reports whether a is a valid element address.
func (a Address) IsUnicast() bool {
	return a != UnassignedAddress && a <= MaxUnicastAddress
}

// IsGroup reports whether a falls in the group address range.
func (a Address) IsGroup() bool {
	return a >= firstGroupAddress
}

func (a Address) String() string {
	return fmt.Sprintf("0x%04x", uint16(a))
}

// Last returns the address of the last element of a node with the given
// element count whose primary element is a. ok is false if the range leaves
// the unicast space.
func (a Address) Last(elements uint8) (last Address, ok bool) {
	if !a.IsUnicast() || elements == 0 {
		return UnassignedAddress, false
	}
	end := uint32(a) + uint32(elements) - 1
	if end > uint32(MaxUnicastAddress) {
		return UnassignedAddress, false
	}
	return Address(end), true
}
