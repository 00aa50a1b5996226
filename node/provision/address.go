package provision

import (
	"errors"
	"fmt"

	"meshnode"
)

var ErrAddressSpaceExhausted = errors.New("unicast address space exhausted")

// DefaultBaseAddress is the provisioner's own unicast address. Admitted
// devices are numbered after it.
const DefaultBaseAddress meshnode.Address = 0x0001

// NextUnicast returns the primary address for the next admitted device when
// count addresses are already assigned.
func NextUnicast(base meshnode.Address, count uint16) (meshnode.Address, error) {
	next := uint32(base) + uint32(count)
	if next == 0 || next > uint32(meshnode.MaxUnicastAddress) {
		return meshnode.UnassignedAddress, fmt.Errorf("%w: base %s + %d", ErrAddressSpaceExhausted, base, count)
	}
	return meshnode.Address(next), nil
}
