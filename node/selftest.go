package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

var ErrSelfTest = errors.New("self-test failed")

// runSelfTest reads the local OnOff server through the local client, flips
// it without acknowledgement and reads it back.
func (n *Node) runSelfTest(ctx context.Context) error {
	addr := n.identity.Address
	appIndex := n.keys.App.Index

	before, err := n.client.Get(ctx, addr, appIndex)
	if err != nil {
		return fmt.Errorf("%w: get: %w", ErrSelfTest, err)
	}
	want := before.Toggle()
	if err := n.client.SetUnacknowledged(ctx, addr, appIndex, want); err != nil {
		return fmt.Errorf("%w: set unacknowledged: %w", ErrSelfTest, err)
	}
	after, err := n.client.Get(ctx, addr, appIndex)
	if err != nil {
		return fmt.Errorf("%w: get: %w", ErrSelfTest, err)
	}
	if after != want {
		return fmt.Errorf("%w: read %s after setting %s", ErrSelfTest, after, want)
	}
	slog.Info("Self-test passed.", "before", before, "after", after)
	return nil
}
