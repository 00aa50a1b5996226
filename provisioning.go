package meshnode

import (
	"github.com/google/uuid"
)

// Event is something the mesh stack reports to the provisioner outside of a
// direct call: scan results, provisioning data requests and admission
// outcomes. The set is closed; switch on the concrete type.
type Event interface {
	isEvent()
}

// ScanResult is one unprovisioned device beacon seen during a scan.
type ScanResult struct {
	RSSI    int16
	Data    []byte
	Options map[string]any
}

// ProvisioningDataRequest asks which network key and primary unicast address
// the device being admitted gets. Count is the number of unicast addresses
// already handed out in the network. The answer must be sent on Reply before
// the stack continues the admission.
type ProvisioningDataRequest struct {
	Count uint16
	Reply chan<- ProvisioningData
}

// ProvisioningData answers a ProvisioningDataRequest. A non-nil Err aborts
// the admission.
type ProvisioningData struct {
	NetIndex KeyIndex
	Unicast  Address
	Err      error
}

// AdmissionComplete reports that the device was provisioned.
type AdmissionComplete struct {
	UUID     uuid.UUID
	Unicast  Address
	Elements uint8
}

// AdmissionFailed reports that provisioning the device did not finish.
type AdmissionFailed struct {
	UUID   uuid.UUID
	Reason string
}

func (ScanResult) isEvent()              {}
func (ProvisioningDataRequest) isEvent() {}
func (AdmissionComplete) isEvent()       {}
func (AdmissionFailed) isEvent()         {}

// Candidate is an unprovisioned device discovered by a scan. It lives only
// until its admission attempt ends.
type Candidate struct {
	UUID    uuid.UUID
	RSSI    int16
	Data    []byte
	Options map[string]any
}

// AdmissionStats is a snapshot of the admission pipeline.
type AdmissionStats struct {
	Discovered int // distinct candidates accepted for admission
	Pending    int
	InFlight   int
	Admitted   int
	Failed     int
}

// Idle reports whether nothing is queued or in flight.
func (s AdmissionStats) Idle() bool {
	return s.Pending == 0 && s.InFlight == 0
}
