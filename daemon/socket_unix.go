//go:build unix

package daemon

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// listenSocket creates the control socket readable and writable by the
// owner only.
func listenSocket(path string) (net.Listener, error) {
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := unix.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("restrict socket permissions: %w", err)
	}
	return ln, nil
}
