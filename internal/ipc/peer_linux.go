//go:build linux

package ipc

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// PeerCredentials is the kernel-verified identity of the process on the
// other end of a local connection.
type PeerCredentials struct {
	PID        int
	UID        uint32
	BinaryPath string
}

// Peer reads SO_PEERCRED from a unix socket connection.
func Peer(conn net.Conn) (*PeerCredentials, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrPeerUnsupported, conn)
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("ipc: syscall conn: %w", err)
	}

	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return nil, fmt.Errorf("ipc: control: %w", err)
	}
	if credErr != nil {
		return nil, fmt.Errorf("ipc: SO_PEERCRED: %w", credErr)
	}

	exe, _ := os.Readlink(fmt.Sprintf("/proc/%d/exe", cred.Pid))
	return &PeerCredentials{PID: int(cred.Pid), UID: cred.Uid, BinaryPath: exe}, nil
}
