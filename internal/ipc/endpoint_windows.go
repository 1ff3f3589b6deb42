//go:build windows

package ipc

import (
	"context"
	"fmt"
	"net"
	"path/filepath"

	"github.com/Microsoft/go-winio"
)

// SYSTEM and the owner get full control; nobody else may open the pipe.
const pipeSecurity = "D:P(A;;GA;;;SY)(A;;GA;;;OW)"

// EndpointPath returns the named pipe for the endpoint called name. dir only
// contributes its base name so that two runtime dirs do not collide.
func EndpointPath(dir, name string) string {
	return `\\.\pipe\gpuhost-` + filepath.Base(dir) + "-" + name
}

// Listen creates a named pipe listener at path.
func Listen(path string) (net.Listener, error) {
	ln, err := winio.ListenPipe(path, &winio.PipeConfig{
		SecurityDescriptor: pipeSecurity,
		InputBufferSize:    64 * 1024,
		OutputBufferSize:   64 * 1024,
	})
	if err != nil {
		return nil, fmt.Errorf("ipc: listen pipe %s: %w", path, err)
	}
	log.Debug("named pipe listener created", "pipe", path)
	return ln, nil
}

// Dial connects to the named pipe at path.
func Dial(ctx context.Context, path string) (net.Conn, error) {
	conn, err := winio.DialPipeContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial pipe %s: %w", path, err)
	}
	return conn, nil
}
