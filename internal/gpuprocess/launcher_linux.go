//go:build linux

package gpuprocess

import "syscall"

// The child dies with the host rather than lingering as an orphan.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
}
