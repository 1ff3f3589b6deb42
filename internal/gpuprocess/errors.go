package gpuprocess

import "errors"

var (
	ErrClosed        = errors.New("gpuprocess: registry closed")
	ErrNoHost        = errors.New("gpuprocess: no GPU process host")
	ErrHostInvalid   = errors.New("gpuprocess: GPU process host invalid")
	ErrAccessDenied  = errors.New("gpuprocess: GPU access denied")
	ErrGPUDisabled   = errors.New("gpuprocess: GPU disabled for this session")
	ErrSendFailed    = errors.New("gpuprocess: send failed")
	// ErrChannelFailed means the GPU process answered with an empty handle.
	ErrChannelFailed = errors.New("gpuprocess: GPU process could not create the channel")
)
