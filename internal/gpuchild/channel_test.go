package gpuchild

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/breeze-rmm/gpuhost/internal/ipc"
	"github.com/breeze-rmm/gpuhost/internal/logging"
)

func (h *testHost) establish(clientID int32) ipc.ChannelHandle {
	h.t.Helper()
	h.send(ipc.TypeEstablishChannel, ipc.EstablishChannelParams{ClientID: clientID})
	var m ipc.ChannelEstablished
	h.expect(ipc.TypeChannelEstablished).Decode(&m)
	if m.Handle.IsEmpty() {
		h.t.Fatal("empty channel handle")
	}
	return m.Handle
}

func dialChannel(t *testing.T, handle ipc.ChannelHandle) *ipc.Conn {
	t.Helper()
	key, err := ipc.DecodeKey(handle.Key)
	if err != nil {
		t.Fatalf("DecodeKey: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	raw, err := ipc.Dial(ctx, handle.Path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return ipc.NewConn(raw, key)
}

func TestChannelContextLifecycle(t *testing.T) {
	h := startChild(t, nil, nil)
	h.initialize()
	client := dialChannel(t, h.establish(7))

	if err := client.Send(ipc.TypeCreateOffscreenContext, ipc.CreateOffscreenContext{URL: "https://maps.example/"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	var created ipc.OffscreenContextURL
	h.expect(ipc.TypeDidCreateOffscreenContext).Decode(&created)
	if created.URL != "https://maps.example/" {
		t.Fatalf("created url %q", created.URL)
	}
	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	env, err := client.Recv()
	if err != nil || env.Type != ipc.TypeContextCreated {
		t.Fatalf("client reply: %v %v", env, err)
	}
	var ctxCreated ipc.ContextCreated
	env.Decode(&ctxCreated)

	client.Send(ipc.TypeLoseContext, ipc.LoseContext{ContextID: ctxCreated.ContextID, Reason: ipc.LostGuilty})
	var lost ipc.DidLoseContext
	h.expect(ipc.TypeDidLoseContext).Decode(&lost)
	if !lost.Offscreen || lost.Reason != ipc.LostGuilty || lost.URL != "https://maps.example/" {
		t.Fatalf("unexpected loss %+v", lost)
	}

	client.Send(ipc.TypeChannelCacheShader, ipc.ChannelCacheShader{Key: "k1", Shader: "s1"})
	var cached ipc.CacheShader
	h.expect(ipc.TypeCacheShader).Decode(&cached)
	if cached.ClientID != 7 || cached.Key != "k1" {
		t.Fatalf("unexpected cache message %+v", cached)
	}

	// Disconnecting with a live context reports it destroyed, then the
	// channel itself.
	client.Close()
	h.expect(ipc.TypeDidDestroyOffscreenContext)
	var destroyed ipc.DestroyChannel
	h.expect(ipc.TypeDestroyChannel).Decode(&destroyed)
	if destroyed.ClientID != 7 {
		t.Fatalf("destroyed client %d", destroyed.ClientID)
	}
}

func TestShaderCachingDisabledByPreferences(t *testing.T) {
	h := startChild(t, nil, nil)
	h.send(ipc.TypeInitialize, ipc.Initialize{Preferences: ipc.Preferences{DisableShaderDiskCache: true}})
	h.expect(ipc.TypeInitialized)
	client := dialChannel(t, h.establish(3))
	defer client.Close()

	client.Send(ipc.TypeChannelCacheShader, ipc.ChannelCacheShader{Key: "k1", Shader: "s1"})
	client.Send(ipc.TypeCreateOffscreenContext, ipc.CreateOffscreenContext{URL: "https://a.example/"})
	// The create is processed after the shader, so seeing it first proves
	// the shader was not forwarded.
	h.expect(ipc.TypeDidCreateOffscreenContext)
}

func TestCloseChannelFromHost(t *testing.T) {
	h := startChild(t, nil, nil)
	h.initialize()
	handle := h.establish(4)

	h.send(ipc.TypeCloseChannel, ipc.CloseChannel{ClientID: 4})
	var m ipc.DestroyChannel
	h.expect(ipc.TypeDestroyChannel).Decode(&m)
	if m.ClientID != 4 {
		t.Fatalf("destroyed client %d", m.ClientID)
	}
	if _, err := os.Stat(handle.Path); !os.IsNotExist(err) {
		t.Fatalf("channel endpoint still present: %v", err)
	}
}

func TestCleanDestroysAllChannels(t *testing.T) {
	h := startChild(t, nil, nil)
	h.initialize()
	h.establish(1)
	h.establish(2)

	h.send(ipc.TypeClean, nil)
	seen := map[int32]bool{}
	for range 2 {
		var m ipc.DestroyChannel
		h.expect(ipc.TypeDestroyChannel).Decode(&m)
		seen[m.ClientID] = true
	}
	if !seen[1] || !seen[2] {
		t.Fatalf("destroyed %v", seen)
	}
}

func TestGpuMemoryBufferMessages(t *testing.T) {
	h := startChild(t, nil, nil)
	h.initialize()

	h.send(ipc.TypeCreateGpuMemoryBuffer, ipc.CreateGpuMemoryBuffer{ID: 1, Width: 8, Height: 8, Format: ipc.FormatBGRA8888, Usage: ipc.UsageScanout, ClientID: 2})
	var created ipc.GpuMemoryBufferCreated
	h.expect(ipc.TypeGpuMemoryBufferCreated).Decode(&created)
	if created.Handle.IsNull() || created.Handle.Size != 256 {
		t.Fatalf("unexpected handle %+v", created.Handle)
	}

	h.send(ipc.TypeGetVideoMemoryUsageStats, nil)
	var stats ipc.VideoMemoryUsageStats
	h.expect(ipc.TypeVideoMemoryUsageStats).Decode(&stats)
	if stats.Stats.BytesAllocated != 256 || stats.Stats.ProcessMap[os.Getpid()].VideoMemory != 256 {
		t.Fatalf("unexpected stats %+v", stats.Stats)
	}

	h.send(ipc.TypeDestroyGpuMemoryBuffer, ipc.DestroyGpuMemoryBuffer{ID: 1, ClientID: 2})
	h.send(ipc.TypeGetVideoMemoryUsageStats, nil)
	h.expect(ipc.TypeVideoMemoryUsageStats).Decode(&stats)
	if stats.Stats.BytesAllocated != 0 || stats.Stats.BytesAllocatedHistMax != 256 {
		t.Fatalf("unexpected stats after destroy %+v", stats.Stats)
	}
}

func TestBufferManager(t *testing.T) {
	m := newBufferManager(t.TempDir())
	defer m.releaseAll()

	tests := []struct {
		name string
		req  ipc.CreateGpuMemoryBuffer
		size int
	}{
		{"rgba gpu read", ipc.CreateGpuMemoryBuffer{ID: 1, Width: 4, Height: 4, Format: ipc.FormatRGBA8888, Usage: ipc.UsageGPURead}, 64},
		{"r8 cpu mapped", ipc.CreateGpuMemoryBuffer{ID: 2, Width: 4, Height: 4, Format: ipc.FormatR8, Usage: ipc.UsageGPUReadCPUMap}, 16},
		{"r8 scanout", ipc.CreateGpuMemoryBuffer{ID: 3, Width: 4, Height: 4, Format: ipc.FormatR8, Usage: ipc.UsageScanout}, 0},
		{"camera usage", ipc.CreateGpuMemoryBuffer{ID: 4, Width: 4, Height: 4, Format: ipc.FormatRGBA8888, Usage: ipc.UsageCameraAndCPURW}, 0},
		{"unknown format", ipc.CreateGpuMemoryBuffer{ID: 5, Width: 4, Height: 4, Format: "YUV_420", Usage: ipc.UsageGPURead}, 0},
		{"zero width", ipc.CreateGpuMemoryBuffer{ID: 6, Width: 0, Height: 4, Format: ipc.FormatRGBA8888, Usage: ipc.UsageGPURead}, 0},
		{"duplicate id", ipc.CreateGpuMemoryBuffer{ID: 1, Width: 4, Height: 4, Format: ipc.FormatRGBA8888, Usage: ipc.UsageGPURead}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := m.create(tt.req)
			if h.ID != tt.req.ID {
				t.Errorf("handle id = %d", h.ID)
			}
			if tt.size == 0 {
				if !h.IsNull() {
					t.Fatalf("expected null handle, got %+v", h)
				}
				return
			}
			if h.IsNull() || h.Size != tt.size {
				t.Fatalf("handle = %+v, want size %d", h, tt.size)
			}
			fi, err := os.Stat(h.Path)
			if err != nil || fi.Size() != int64(tt.size) {
				t.Fatalf("backing file: %v %v", fi, err)
			}
		})
	}

	if m.count() != 2 || m.allocated != 80 {
		t.Fatalf("count=%d allocated=%d", m.count(), m.allocated)
	}
	m.destroyClient(0)
	if m.count() != 0 || m.allocated != 0 || m.histMax != 80 {
		t.Fatalf("after destroyClient count=%d allocated=%d max=%d", m.count(), m.allocated, m.histMax)
	}
}

func TestFormatEntry(t *testing.T) {
	e := logging.Entry{
		Message: "context lost",
		Fields:  map[string]any{logging.KeyComponent: "gpuchild", "url": "https://a.example/", "id": 3},
	}
	if got, want := formatEntry(e), "context lost id=3 url=https://a.example/"; got != want {
		t.Fatalf("formatEntry = %q, want %q", got, want)
	}
	if got := formatEntry(logging.Entry{Message: "plain"}); got != "plain" {
		t.Fatalf("formatEntry = %q", got)
	}
}
