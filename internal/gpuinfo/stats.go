package gpuinfo

// ProcessStats is the video memory attributed to one process.
type ProcessStats struct {
	VideoMemory        uint64 `json:"video_memory"`
	HasDuplicatedBytes bool   `json:"has_duplicated_bytes"`
}

// VideoMemoryUsageStats is reported by the child on request.
type VideoMemoryUsageStats struct {
	ProcessMap            map[int]ProcessStats `json:"process_map"`
	BytesAllocated        uint64               `json:"bytes_allocated"`
	BytesAllocatedHistMax uint64               `json:"bytes_allocated_historical_max"`
}

// MemoryUmaStats is periodically pushed by the child.
type MemoryUmaStats struct {
	BytesAllocatedCurrent uint64 `json:"bytes_allocated_current"`
	BytesAllocatedMax     uint64 `json:"bytes_allocated_max"`
	ClientCount           int    `json:"client_count"`
	ContextGroupCount     int    `json:"context_group_count"`
}
