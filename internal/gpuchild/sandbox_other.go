//go:build !linux

package gpuchild

func warmUpSandbox() error { return nil }
