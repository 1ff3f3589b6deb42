//go:build !linux

package gpuprocess

import "syscall"

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}
