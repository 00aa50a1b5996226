package node

// Phase describes where a node is in its lifecycle.
type Phase uint8

const (
	PhaseCreated Phase = iota
	PhaseJoining
	PhaseConnecting
	PhaseConfiguring
	PhaseScanning
	PhaseOperational
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseCreated:
		return "created"
	case PhaseJoining:
		return "joining"
	case PhaseConnecting:
		return "connecting"
	case PhaseConfiguring:
		return "configuring"
	case PhaseScanning:
		return "scanning"
	case PhaseOperational:
		return "operational"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// CanTransition reports whether a node may move from p to to. Any phase may
// stop; otherwise phases only move forward along a role's path.
func (p Phase) CanTransition(to Phase) bool {
	if to == PhaseStopped {
		return p != PhaseStopped
	}
	switch p {
	case PhaseCreated:
		return to == PhaseJoining || to == PhaseConnecting
	case PhaseJoining:
		return to == PhaseOperational
	case PhaseConnecting:
		return to == PhaseConfiguring
	case PhaseConfiguring:
		return to == PhaseScanning
	case PhaseScanning:
		return to == PhaseOperational
	default:
		return false
	}
}
