package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"meshnode"
	"meshnode/api"
)

// Node is what the control server needs from the running node.
type Node interface {
	Status() meshnode.NodeStatus
	Nodes(ctx context.Context) ([]meshnode.NodeRecord, error)
}

type Server struct {
	node Node
}

func NewServer(n Node) *Server {
	return &Server{node: n}
}

func (s *Server) GetStatus(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	out, err := api.StatusToProto(s.node.Status())
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (s *Server) ListNodes(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	nodes, err := s.node.Nodes(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "list nodes: %v", err)
	}
	out, err := api.NodesToProto(nodes)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// ListenAndServe starts the gRPC server on a unix socket and blocks until
// ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, socketPath string) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	// Remove stale socket from a previous run (may not exist).
	_ = os.Remove(socketPath)
	defer func() { _ = os.Remove(socketPath) }()

	ln, err := listenSocket(socketPath)
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", socketPath, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	api.RegisterControlServer(srv, s)

	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	if err := srv.Serve(ln); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
