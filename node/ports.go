package node

import (
	"context"
	"time"

	"meshnode"
	"meshnode/node/provision"
)

// Stack is the mesh stack a node runs on. Implementations deliver inbound
// application messages to the models registered with RegisterModel and
// report scan and admission progress on Events.
type Stack interface {
	// Join attaches a provisioned node, resuming with id.Token when set.
	Join(ctx context.Context, id meshnode.Identity) (meshnode.Token, error)
	// Connect attaches the provisioner, creating its network on first use.
	Connect(ctx context.Context, id meshnode.Identity) (meshnode.Token, error)

	provision.KeyConfigurer
	provision.NodeAdmitter

	ScanUnprovisioned(ctx context.Context, d time.Duration) error
	Send(ctx context.Context, env meshnode.Envelope) error
	RegisterModel(ref meshnode.ModelRef, m meshnode.Model)
	Events() <-chan meshnode.Event
}
