package node

import "testing"

func TestPhaseTransitions(t *testing.T) {
	serverPath := []Phase{PhaseCreated, PhaseJoining, PhaseOperational, PhaseStopped}
	provisionerPath := []Phase{PhaseCreated, PhaseConnecting, PhaseConfiguring, PhaseScanning, PhaseOperational, PhaseStopped}
	for _, path := range [][]Phase{serverPath, provisionerPath} {
		for i := 1; i < len(path); i++ {
			if !path[i-1].CanTransition(path[i]) {
				t.Fatalf("%s -> %s rejected", path[i-1], path[i])
			}
		}
	}

	rejected := [][2]Phase{
		{PhaseStopped, PhaseStopped},
		{PhaseStopped, PhaseJoining},
		{PhaseOperational, PhaseScanning},
		{PhaseJoining, PhaseConfiguring},
		{PhaseCreated, PhaseOperational},
	}
	for _, tr := range rejected {
		if tr[0].CanTransition(tr[1]) {
			t.Fatalf("%s -> %s accepted", tr[0], tr[1])
		}
	}

	for p := PhaseCreated; p < PhaseStopped; p++ {
		if !p.CanTransition(PhaseStopped) {
			t.Fatalf("%s cannot stop", p)
		}
	}
}
