package ipc

import "errors"

var (
	ErrTooLarge        = errors.New("ipc: message too large")
	ErrHMACMismatch    = errors.New("ipc: HMAC mismatch")
	ErrReplay          = errors.New("ipc: sequence replay")
	ErrNoKey           = errors.New("ipc: no channel key in environment")
	ErrVersionMismatch = errors.New("ipc: protocol version mismatch")
	ErrPeerUnsupported = errors.New("ipc: peer credentials unavailable")
	ErrPeerMismatch    = errors.New("ipc: unexpected peer process")
)
