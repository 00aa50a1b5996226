package sdk

import (
	"fmt"
	"os"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const envSocket = "MESHNODE_SOCKET"

// SocketFromEnv returns the socket path set in the environment, if any.
func SocketFromEnv() string {
	return strings.TrimSpace(os.Getenv(envSocket))
}

func dialUnix(socketPath string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial unix %s: %w", socketPath, err)
	}
	return conn, nil
}
