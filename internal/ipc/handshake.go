package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// SendHello announces the child on a fresh host connection.
func SendHello(c *Conn) error {
	return c.Send(TypeHello, Hello{ProtocolVersion: ProtocolVersion, PID: os.Getpid()})
}

// ReadHello waits up to timeout for the peer's Hello and checks its version.
func ReadHello(c *Conn, timeout time.Duration) (*Hello, error) {
	if timeout > 0 {
		c.SetReadDeadline(time.Now().Add(timeout))
		defer c.SetReadDeadline(time.Time{})
	}

	env, err := c.Recv()
	if err != nil {
		return nil, err
	}
	if env.Type != TypeHello {
		return nil, fmt.Errorf("ipc: expected %s, got %s", TypeHello, env.Type)
	}
	var h Hello
	if err := env.Decode(&h); err != nil {
		return nil, err
	}
	if h.ProtocolVersion != ProtocolVersion {
		return nil, fmt.Errorf("%w: %d, want %d", ErrVersionMismatch, h.ProtocolVersion, ProtocolVersion)
	}
	return &h, nil
}

// VerifyPeer checks that raw was opened by process pid. Platforms that cannot
// identify the peer pass; pid <= 0 skips the check.
func VerifyPeer(raw net.Conn, pid int) error {
	if pid <= 0 {
		return nil
	}
	cred, err := Peer(raw)
	if errors.Is(err, ErrPeerUnsupported) {
		log.Debug("peer check unavailable", "conn", fmt.Sprintf("%T", raw))
		return nil
	}
	if err != nil {
		return err
	}
	if cred.PID != pid {
		return fmt.Errorf("%w: pid %d, want %d", ErrPeerMismatch, cred.PID, pid)
	}
	return nil
}
