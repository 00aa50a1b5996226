// Package daemon runs a node together with its control server.
package daemon

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"meshnode"
	"meshnode/node"
)

// Run starts the node in role and the control server on socketPath, then
// blocks until ctx is cancelled or either of them fails.
func Run(ctx context.Context, n *node.Node, role meshnode.Role, socketPath string) error {
	var run func(context.Context) error
	switch role {
	case meshnode.RoleServer:
		run = n.RunServer
	case meshnode.RoleProvisioner:
		run = n.RunProvisioner
	default:
		return fmt.Errorf("unsupported role %s", role)
	}

	srv := NewServer(n)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Starting node.", "role", role)

		go func() {
			select {
			case <-n.Started():
				slog.Info("Daemon ready.", "socket", socketPath)
			case <-ctx.Done():
			}
		}()

		return run(ctx)
	})
	g.Go(func() error { return srv.ListenAndServe(ctx, socketPath) })
	return g.Wait()
}
