package ipc

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/breeze-rmm/gpuhost/internal/gpuinfo"
)

// Control messages sent by the host to the GPU process.
const (
	TypeInitialize               = "initialize"
	TypeFinalize                 = "finalize"
	TypeEstablishChannel         = "establish_channel"
	TypeCloseChannel             = "close_channel"
	TypeCreateGpuMemoryBuffer    = "create_gpu_memory_buffer"
	TypeDestroyGpuMemoryBuffer   = "destroy_gpu_memory_buffer"
	TypeCollectGraphicsInfo      = "collect_graphics_info"
	TypeGetVideoMemoryUsageStats = "get_video_memory_usage_stats"
	TypeClean                    = "clean"
	TypeCrash                    = "crash"
	TypeHang                     = "hang"
	TypeDisableWatchdog          = "disable_watchdog"
	TypeGpuSwitched              = "gpu_switched"
	TypeLoadedShader             = "loaded_shader"
)

// Replies and events sent by the GPU process to the host.
const (
	TypeHello                      = "hello"
	TypeInitialized                = "initialized"
	TypeChannelEstablished         = "channel_established"
	TypeDestroyChannel             = "destroy_channel"
	TypeCacheShader                = "cache_shader"
	TypeGpuMemoryBufferCreated     = "gpu_memory_buffer_created"
	TypeGraphicsInfoCollected      = "graphics_info_collected"
	TypeVideoMemoryUsageStats      = "video_memory_usage_stats"
	TypeDidCreateOffscreenContext  = "did_create_offscreen_context"
	TypeDidLoseContext             = "did_lose_context"
	TypeDidDestroyOffscreenContext = "did_destroy_offscreen_context"
	TypeGpuMemoryUmaStats          = "gpu_memory_uma_stats"
	TypeOnLogMessage               = "on_log_message"
	TypeFieldTrialActivated        = "field_trial_activated"
)

// Messages exchanged on a GPU channel between a client and the GPU process.
const (
	TypeCreateOffscreenContext = "create_offscreen_context"
	TypeContextCreated         = "context_created"
	TypeDestroyContext         = "destroy_context"
	TypeLoseContext            = "lose_context"
	TypeChannelCacheShader     = "channel_cache_shader"
)

// MaxMessageSize is the largest JSON envelope accepted on the wire (16MB).
const MaxMessageSize = 16 * 1024 * 1024

// ProtocolVersion is sent in Hello; the host rejects any other value.
const ProtocolVersion = 1

// Envelope is the wire-format wrapper for all IPC messages.
type Envelope struct {
	ID      string          `json:"id"`
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	HMAC    string          `json:"hmac"`
}

// Decode unmarshals the envelope payload into v. An absent payload leaves v
// untouched.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("ipc: decode %s: %w", e.Type, err)
	}
	return nil
}

// Hello is the first message on a host connection.
type Hello struct {
	ProtocolVersion int `json:"protocolVersion"`
	PID             int `json:"pid"`
}

// Preferences travel with Initialize.
type Preferences struct {
	LogLevel                      string `json:"logLevel,omitempty"`
	DisableAcceleratedVideoDecode bool   `json:"disableAcceleratedVideoDecode,omitempty"`
	DisableShaderDiskCache        bool   `json:"disableShaderDiskCache,omitempty"`
	WatchdogTimeoutSeconds        int    `json:"watchdogTimeoutSeconds,omitempty"`
}

type Initialize struct {
	Preferences Preferences `json:"preferences"`
}

type Initialized struct {
	Result  bool            `json:"result"`
	GPUInfo gpuinfo.GPUInfo `json:"gpuInfo"`
}

// EstablishChannelParams identifies the client a channel is created for.
type EstablishChannelParams struct {
	ClientID                int32  `json:"clientId"`
	ClientTracingID         uint64 `json:"clientTracingId"`
	Preempts                bool   `json:"preempts"`
	AllowViewCommandBuffers bool   `json:"allowViewCommandBuffers"`
	AllowRealTimeStreams    bool   `json:"allowRealTimeStreams"`
}

// ChannelHandle names a per-client channel endpoint and the key used to
// sign traffic on it. The zero value means the channel could not be made.
type ChannelHandle struct {
	Path string `json:"path,omitempty"`
	Key  string `json:"key,omitempty"`
}

// IsEmpty reports whether h carries no endpoint.
func (h ChannelHandle) IsEmpty() bool { return h.Path == "" }

type ChannelEstablished struct {
	Handle ChannelHandle `json:"handle"`
}

type CloseChannel struct {
	ClientID int32 `json:"clientId"`
}

type DestroyChannel struct {
	ClientID int32 `json:"clientId"`
}

type CacheShader struct {
	ClientID int32  `json:"clientId"`
	Key      string `json:"key"`
	Shader   string `json:"shader"`
}

type LoadedShader struct {
	Key  string `json:"key"`
	Data string `json:"data"`
}

// Buffer formats and usages understood by CreateGpuMemoryBuffer.
const (
	FormatRGBA8888 = "RGBA_8888"
	FormatBGRA8888 = "BGRA_8888"
	FormatRGBX8888 = "RGBX_8888"
	FormatR8       = "R_8"

	UsageGPURead        = "gpu_read"
	UsageScanout        = "scanout"
	UsageGPUReadCPUMap  = "gpu_read_cpu_read_write"
	UsageCameraAndCPURW = "camera_and_cpu_read_write"
)

type CreateGpuMemoryBuffer struct {
	ID            int    `json:"id"`
	Width         int    `json:"width"`
	Height        int    `json:"height"`
	Format        string `json:"format"`
	Usage         string `json:"usage"`
	ClientID      int32  `json:"clientId"`
	SurfaceHandle uint64 `json:"surfaceHandle,omitempty"`
}

type DestroyGpuMemoryBuffer struct {
	ID        int    `json:"id"`
	ClientID  int32  `json:"clientId"`
	SyncToken string `json:"syncToken,omitempty"`
}

// Buffer handle types.
const (
	BufferEmpty        = ""
	BufferSharedMemory = "shared_memory"
)

// BufferHandle describes an allocated GPU memory buffer.
type BufferHandle struct {
	ID   int    `json:"id"`
	Type string `json:"type,omitempty"`
	Path string `json:"path,omitempty"`
	Size int    `json:"size,omitempty"`
}

// IsNull reports whether the allocation failed.
func (h BufferHandle) IsNull() bool { return h.Type == BufferEmpty }

type GpuMemoryBufferCreated struct {
	Handle BufferHandle `json:"handle"`
}

type GraphicsInfoCollected struct {
	GPUInfo gpuinfo.GPUInfo `json:"gpuInfo"`
}

type VideoMemoryUsageStats struct {
	Stats gpuinfo.VideoMemoryUsageStats `json:"stats"`
}

type GpuMemoryUmaStats struct {
	Stats gpuinfo.MemoryUmaStats `json:"stats"`
}

type OffscreenContextURL struct {
	URL string `json:"url"`
}

// ContextLostReason says why a GL context was lost.
type ContextLostReason string

const (
	LostGuilty            ContextLostReason = "guilty"
	LostInnocent          ContextLostReason = "innocent"
	LostUnknown           ContextLostReason = "unknown"
	LostOutOfMemory       ContextLostReason = "out_of_memory"
	LostMakeCurrentFailed ContextLostReason = "make_current_failed"
	LostChannelLost       ContextLostReason = "gpu_channel_lost"
	LostInvalidMessage    ContextLostReason = "invalid_gpu_message"
)

type DidLoseContext struct {
	Offscreen bool              `json:"offscreen"`
	Reason    ContextLostReason `json:"reason"`
	URL       string            `json:"url"`
}

// Log severities carried by OnLogMessage.
const (
	SeverityVerbose = -1
	SeverityInfo    = 0
	SeverityWarning = 1
	SeverityError   = 2
	SeverityFatal   = 3
)

// SeverityFromLevel maps a slog level onto the wire severity.
func SeverityFromLevel(l slog.Level) int {
	switch {
	case l < slog.LevelInfo:
		return SeverityVerbose
	case l < slog.LevelWarn:
		return SeverityInfo
	case l < slog.LevelError:
		return SeverityWarning
	default:
		return SeverityError
	}
}

// LevelFromSeverity is the inverse of SeverityFromLevel. Fatal maps to error.
func LevelFromSeverity(s int) slog.Level {
	switch {
	case s < SeverityInfo:
		return slog.LevelDebug
	case s == SeverityInfo:
		return slog.LevelInfo
	case s == SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

type OnLogMessage struct {
	Severity int    `json:"severity"`
	Header   string `json:"header"`
	Message  string `json:"message"`
}

type FieldTrialActivated struct {
	Name string `json:"name"`
}

// Channel-level payloads.

type CreateOffscreenContext struct {
	URL string `json:"url"`
}

type ContextCreated struct {
	ContextID int `json:"contextId"`
}

type DestroyContext struct {
	ContextID int `json:"contextId"`
}

type LoseContext struct {
	ContextID int               `json:"contextId"`
	Reason    ContextLostReason `json:"reason"`
}

type ChannelCacheShader struct {
	Key    string `json:"key"`
	Shader string `json:"shader"`
}
