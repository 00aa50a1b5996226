// Package sdk provides a Go client for the meshnode daemon.
// CLI commands and external tools use this to query a running node.
package sdk

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"meshnode"
	"meshnode/api"
)

var ErrUnavailable = errors.New("daemon unavailable")

// Client wraps a gRPC connection to a meshnode daemon.
type Client struct {
	conn    *grpc.ClientConn
	control *api.ControlClient
}

// Dial connects to the daemon listening on socketPath. The connection is
// established lazily on the first call.
func Dial(socketPath string) (*Client, error) {
	conn, err := dialUnix(socketPath)
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn, control: api.NewControlClient(conn)}
}

// Status returns the daemon's node status.
func (c *Client) Status(ctx context.Context) (meshnode.NodeStatus, error) {
	resp, err := c.control.GetStatus(ctx)
	if err != nil {
		return meshnode.NodeStatus{}, fmt.Errorf("get status: %w", grpcErr(err))
	}
	return api.StatusFromProto(resp)
}

// Nodes returns the devices the daemon's provisioner has admitted.
func (c *Client) Nodes(ctx context.Context) ([]meshnode.NodeRecord, error) {
	resp, err := c.control.ListNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", grpcErr(err))
	}
	return api.NodesFromProto(resp)
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func grpcErr(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	if st.Code() == codes.Unavailable {
		return fmt.Errorf("%w: %s", ErrUnavailable, st.Message())
	}
	return errors.New(st.Message())
}
