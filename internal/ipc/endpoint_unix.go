//go:build !windows

package ipc

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// EndpointPath returns the socket path for the endpoint called name.
func EndpointPath(dir, name string) string {
	return filepath.Join(dir, name+".sock")
}

// Listen creates a unix socket at path readable only by the current user.
// A stale socket file left by a crashed process is removed first.
func Listen(path string) (net.Listener, error) {
	os.Remove(path)

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("ipc: mkdir %s: %w", filepath.Dir(path), err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("ipc: chmod %s: %w", path, err)
	}
	return ln, nil
}

// Dial connects to the endpoint at path.
func Dial(ctx context.Context, path string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc: connect to %s: %w", path, err)
	}
	return conn, nil
}
