//go:build !linux

package gpuinfo

import "context"

func collectPlatformBasicInfo(ctx context.Context) GPUInfo {
	var g GPUInfo
	assign(&g, runLspci(ctx))
	return g
}
