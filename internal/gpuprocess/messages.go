package gpuprocess

import (
	"context"
	"log/slog"
	"time"

	"github.com/breeze-rmm/gpuhost/internal/domainblock"
	"github.com/breeze-rmm/gpuhost/internal/gpuinfo"
	"github.com/breeze-rmm/gpuhost/internal/ipc"
	"github.com/breeze-rmm/gpuhost/internal/logging"
	"github.com/breeze-rmm/gpuhost/internal/shadercache"
)

// onMessage dispatches one message from the GPU process.
func (h *Host) onMessage(env *ipc.Envelope) {
	if h.state != StateConnected {
		return
	}
	var err error
	switch env.Type {
	case ipc.TypeInitialized:
		var m ipc.Initialized
		if err = env.Decode(&m); err == nil {
			h.onInitialized(m)
		}
	case ipc.TypeChannelEstablished:
		var m ipc.ChannelEstablished
		if err = env.Decode(&m); err == nil {
			h.onChannelEstablished(m.Handle)
		}
	case ipc.TypeDestroyChannel:
		var m ipc.DestroyChannel
		if err = env.Decode(&m); err == nil {
			h.onDestroyChannel(m.ClientID)
		}
	case ipc.TypeCacheShader:
		var m ipc.CacheShader
		if err = env.Decode(&m); err == nil {
			h.onCacheShader(m)
		}
	case ipc.TypeGpuMemoryBufferCreated:
		var m ipc.GpuMemoryBufferCreated
		if err = env.Decode(&m); err == nil {
			h.onGpuMemoryBufferCreated(m.Handle)
		}
	case ipc.TypeGraphicsInfoCollected:
		var m ipc.GraphicsInfoCollected
		if err = env.Decode(&m); err == nil {
			h.reg.mgr.UpdateGpuInfo(m.GPUInfo)
		}
	case ipc.TypeVideoMemoryUsageStats:
		var m ipc.VideoMemoryUsageStats
		if err = env.Decode(&m); err == nil {
			h.reg.mgr.UpdateVideoMemoryUsageStats(m.Stats)
		}
	case ipc.TypeDidCreateOffscreenContext:
		var m ipc.OffscreenContextURL
		if err = env.Decode(&m); err == nil {
			h.offscreenURLs[m.URL]++
		}
	case ipc.TypeDidDestroyOffscreenContext:
		var m ipc.OffscreenContextURL
		if err = env.Decode(&m); err == nil {
			h.onDidDestroyOffscreenContext(m.URL)
		}
	case ipc.TypeDidLoseContext:
		var m ipc.DidLoseContext
		if err = env.Decode(&m); err == nil {
			h.onDidLoseContext(m)
		}
	case ipc.TypeGpuMemoryUmaStats:
		var m ipc.GpuMemoryUmaStats
		if err = env.Decode(&m); err == nil {
			h.reg.mgr.UpdateMemoryUmaStats(m.Stats)
		}
	case ipc.TypeOnLogMessage:
		var m ipc.OnLogMessage
		if err = env.Decode(&m); err == nil {
			h.reg.mgr.AddLogMessage(ipc.LevelFromSeverity(m.Severity), m.Header, m.Message)
		}
	case ipc.TypeFieldTrialActivated:
		var m ipc.FieldTrialActivated
		if err = env.Decode(&m); err == nil {
			h.reg.mgr.RecordFieldTrial(m.Name)
		}
	default:
		if fb := h.reg.opts.Fallback; fb != nil {
			fb(h.kind, env)
		} else {
			h.log.Debug("unhandled gpu process message", logging.KeyMsgType, env.Type)
		}
	}
	if err != nil {
		h.log.Warn("malformed gpu process message", logging.KeyMsgType, env.Type, logging.KeyError, err)
	}
}

func (h *Host) onInitialized(m ipc.Initialized) {
	h.initialized = m.Result
	if !m.Result {
		h.log.Error("gpu process failed to initialize")
		h.reg.mgr.OnGpuProcessInitFailure()
		return
	}
	h.reg.mgr.UpdateGpuInfo(m.GPUInfo)
}

// onChannelEstablished satisfies the oldest outstanding channel request.
func (h *Host) onChannelEstablished(handle ipc.ChannelHandle) {
	mgr := h.reg.mgr
	if len(h.channelRequests) == 0 {
		mgr.AddLogMessage(slog.LevelWarn, "WARNING", "Received a ChannelEstablished message but no requests in queue.")
		return
	}
	req := h.channelRequests[0]
	h.channelRequests = h.channelRequests[1:]

	if !handle.IsEmpty() {
		if ok, _ := mgr.GpuAccessAllowed(); !ok {
			h.send(ipc.TypeCloseChannel, ipc.CloseChannel{ClientID: req.clientID})
			req.callback(ipc.ChannelHandle{}, gpuinfo.GPUInfo{}, EstablishGPUAccessDenied)
			mgr.AddLogMessage(slog.LevelWarn, "WARNING", "Hardware acceleration is unavailable.")
			return
		}
	}
	req.callback(handle, mgr.GPUInfo(), EstablishSuccess)
}

func (h *Host) onGpuMemoryBufferCreated(handle ipc.BufferHandle) {
	if len(h.bufferRequests) == 0 {
		return
	}
	cb := h.bufferRequests[0]
	h.bufferRequests = h.bufferRequests[1:]
	cb(handle)
}

func (h *Host) onDidDestroyOffscreenContext(url string) {
	n, ok := h.offscreenURLs[url]
	if !ok {
		return
	}
	if n <= 1 {
		delete(h.offscreenURLs, url)
	} else {
		h.offscreenURLs[url] = n - 1
	}
}

// onDidLoseContext maps a context loss onto domain blocking. Losing an
// onscreen context is blamed on every live offscreen context.
func (h *Host) onDidLoseContext(m ipc.DidLoseContext) {
	if !m.Offscreen || m.URL == "" {
		h.blockLiveOffscreenContexts()
		return
	}

	var guilt domainblock.Guilt
	switch m.Reason {
	case ipc.LostGuilty:
		guilt = domainblock.GuiltKnown
	case ipc.LostInnocent:
		return
	default:
		guilt = domainblock.GuiltUnknown
	}
	h.reg.mgr.BlockDomainFrom3DAPIs(m.URL, guilt)
}

// bindShaderCache attaches a client to the disk cache and replays its
// entries into the process.
func (h *Host) bindShaderCache(cache *shadercache.Cache, clientID int32) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	entries, err := cache.Bind(ctx, clientID)
	if err != nil {
		h.log.Warn("shader cache bind failed", logging.KeyClientID, clientID, logging.KeyError, err)
		return
	}
	h.cachedClients[clientID] = struct{}{}
	for _, e := range entries {
		h.send(ipc.TypeLoadedShader, ipc.LoadedShader{Key: e.Key, Data: e.Data})
	}
}

func (h *Host) onDestroyChannel(clientID int32) {
	if _, ok := h.cachedClients[clientID]; !ok {
		return
	}
	delete(h.cachedClients, clientID)
	if cache := h.reg.opts.ShaderCache; cache != nil {
		cache.Unbind(clientID)
	}
}

func (h *Host) onCacheShader(m ipc.CacheShader) {
	cache := h.reg.opts.ShaderCache
	if cache == nil {
		return
	}
	if _, ok := h.cachedClients[m.ClientID]; !ok {
		return
	}
	cache.StoreForClient(m.ClientID, m.Key, m.Shader)
}

func (h *Host) unbindShaderCaches() {
	cache := h.reg.opts.ShaderCache
	for clientID := range h.cachedClients {
		if cache != nil {
			cache.Unbind(clientID)
		}
	}
	h.cachedClients = make(map[int32]struct{})
}
