//go:build windows

package ipc

import (
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/windows"
)

// PeerCredentials is the verified identity of a named pipe client.
type PeerCredentials struct {
	PID        int
	UID        uint32 // unused on Windows
	BinaryPath string
}

var (
	modkernel32                     = windows.NewLazySystemDLL("kernel32.dll")
	procGetNamedPipeClientProcessId = modkernel32.NewProc("GetNamedPipeClientProcessId")
)

// Peer resolves the client process of a server-side pipe connection.
func Peer(conn net.Conn) (*PeerCredentials, error) {
	hc, ok := conn.(interface{ Fd() uintptr })
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrPeerUnsupported, conn)
	}

	var pid uint32
	r1, _, err := procGetNamedPipeClientProcessId.Call(hc.Fd(), uintptr(unsafe.Pointer(&pid)))
	if r1 == 0 {
		return nil, fmt.Errorf("ipc: GetNamedPipeClientProcessId: %w", err)
	}

	cred := &PeerCredentials{PID: int(pid)}
	proc, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, pid)
	if err != nil {
		return cred, nil
	}
	defer windows.CloseHandle(proc)

	var buf [windows.MAX_PATH]uint16
	n := uint32(len(buf))
	if err := windows.QueryFullProcessImageName(proc, 0, &buf[0], &n); err == nil {
		cred.BinaryPath = windows.UTF16ToString(buf[:n])
	}
	return cred, nil
}
