//go:build !linux && !windows

package ipc

import "net"

// PeerCredentials is the verified identity of a local peer.
type PeerCredentials struct {
	PID        int
	UID        uint32
	BinaryPath string
}

// Peer is not implemented on this platform.
func Peer(conn net.Conn) (*PeerCredentials, error) {
	return nil, ErrPeerUnsupported
}
