package provision

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"meshnode"
)

// beaconSuffixLen is the OOB information trailing the device UUID in an
// unprovisioned device beacon.
const beaconSuffixLen = 2

var ErrMalformedBeacon = errors.New("malformed unprovisioned device beacon")

// ParseAdvertisement extracts the device UUID from a scan result.
func ParseAdvertisement(res meshnode.ScanResult) (meshnode.Candidate, error) {
	if len(res.Data) != len(uuid.UUID{})+beaconSuffixLen {
		return meshnode.Candidate{}, fmt.Errorf("%w: %d bytes", ErrMalformedBeacon, len(res.Data))
	}
	var id uuid.UUID
	copy(id[:], res.Data[:len(res.Data)-beaconSuffixLen])

	data := make([]byte, len(res.Data))
	copy(data, res.Data)
	return meshnode.Candidate{
		UUID:    id,
		RSSI:    res.RSSI,
		Data:    data,
		Options: res.Options,
	}, nil
}
