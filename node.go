package meshnode

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role selects how a node behaves once it is on the network.
type Role uint8

const (
	RoleServer Role = iota + 1
	RoleProvisioner
)

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleProvisioner:
		return "provisioner"
	default:
		return "unknown"
	}
}

// ParseRole converts a role name from configuration.
func ParseRole(s string) (Role, error) {
	switch s {
	case "server":
		return RoleServer, nil
	case "provisioner":
		return RoleProvisioner, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}

// NodeStatus is the runtime status of the local node.
type NodeStatus struct {
	Name      string
	Role      Role
	Phase     string
	UUID      uuid.UUID
	Address   Address
	OnOff     OnOff
	Admission AdmissionStats
	Version   string
}

// NodeRecord is a peer admitted by this provisioner.
type NodeRecord struct {
	UUID       uuid.UUID
	Unicast    Address
	Elements   uint8
	AdmittedAt time.Time
}
