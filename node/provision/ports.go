package provision

import (
	"context"

	"github.com/google/uuid"

	"meshnode"
)

// KeyConfigurer installs key material on the local node.
type KeyConfigurer interface {
	AddNetworkKey(ctx context.Context, key meshnode.NetKey) (meshnode.StatusCode, error)
	AddApplicationKey(ctx context.Context, key meshnode.AppKey) (meshnode.StatusCode, error)
	BindApplicationKey(ctx context.Context, appIndex meshnode.KeyIndex, model meshnode.ModelRef) (meshnode.StatusCode, error)
}

// NodeAdmitter starts provisioning a device. The outcome arrives later as an
// AdmissionComplete or AdmissionFailed event.
type NodeAdmitter interface {
	AdmitNode(ctx context.Context, id uuid.UUID) error
}

// Recorder persists admission outcomes.
type Recorder interface {
	RecordAdmitted(ctx context.Context, rec meshnode.NodeRecord) error
	RecordFailed(ctx context.Context, id uuid.UUID, reason string) error
	ListNodes(ctx context.Context) ([]meshnode.NodeRecord, error)
}
