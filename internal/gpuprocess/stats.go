package gpuprocess

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessMetrics is a point-in-time view of a GPU process.
type ProcessMetrics struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	Threads    int32   `json:"threads"`
	Running    bool    `json:"running"`
}

// CollectProcessMetrics reads CPU and memory usage for pid.
func CollectProcessMetrics(ctx context.Context, pid int) (*ProcessMetrics, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, fmt.Errorf("gpuprocess: process %d: %w", pid, err)
	}

	m := &ProcessMetrics{}
	m.Running, _ = p.IsRunningWithContext(ctx)
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		m.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		m.RSSBytes = mem.RSS
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		m.Threads = n
	}
	return m, nil
}
