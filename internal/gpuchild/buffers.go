package gpuchild

import (
	"os"

	"github.com/breeze-rmm/gpuhost/internal/ipc"
	"github.com/breeze-rmm/gpuhost/internal/logging"
)

type bufferKey struct {
	clientID int32
	id       int
}

type buffer struct {
	path string
	size int
}

// bufferManager allocates GPU memory buffers as shared memory files. It is
// used only from the dispatcher goroutine.
type bufferManager struct {
	dir       string
	buffers   map[bufferKey]buffer
	allocated uint64
	histMax   uint64
}

func newBufferManager(dir string) *bufferManager {
	return &bufferManager{dir: dir, buffers: make(map[bufferKey]buffer)}
}

func bytesPerPixel(format string) (int, bool) {
	switch format {
	case ipc.FormatRGBA8888, ipc.FormatBGRA8888, ipc.FormatRGBX8888:
		return 4, true
	case ipc.FormatR8:
		return 1, true
	}
	return 0, false
}

// usageSupported reports whether shared memory can back format with usage.
// Camera buffers and single-channel scanout need native buffers.
func usageSupported(format, usage string) bool {
	switch usage {
	case ipc.UsageGPURead, ipc.UsageGPUReadCPUMap:
		return true
	case ipc.UsageScanout:
		return format != ipc.FormatR8
	}
	return false
}

// create returns a null handle when the request cannot be satisfied.
func (m *bufferManager) create(p ipc.CreateGpuMemoryBuffer) ipc.BufferHandle {
	null := ipc.BufferHandle{ID: p.ID}
	bpp, ok := bytesPerPixel(p.Format)
	if !ok || !usageSupported(p.Format, p.Usage) {
		log.Debug("unsupported gpu memory buffer", "format", p.Format, "usage", p.Usage)
		return null
	}
	if p.Width <= 0 || p.Height <= 0 || p.Width > 16384 || p.Height > 16384 {
		log.Warn("invalid gpu memory buffer size", "width", p.Width, "height", p.Height)
		return null
	}
	key := bufferKey{p.ClientID, p.ID}
	if _, exists := m.buffers[key]; exists {
		log.Warn("gpu memory buffer id already in use", logging.KeyClientID, p.ClientID, "id", p.ID)
		return null
	}

	size := p.Width * p.Height * bpp
	if err := os.MkdirAll(m.dir, 0700); err != nil {
		log.Warn("gpu memory buffer dir", logging.KeyError, err)
		return null
	}
	f, err := os.CreateTemp(m.dir, "gmb-*")
	if err != nil {
		log.Warn("allocate gpu memory buffer", logging.KeyError, err)
		return null
	}
	path := f.Name()
	err = f.Truncate(int64(size))
	f.Close()
	if err != nil {
		os.Remove(path)
		log.Warn("size gpu memory buffer", logging.KeyError, err)
		return null
	}

	m.buffers[key] = buffer{path: path, size: size}
	m.allocated += uint64(size)
	m.histMax = max(m.histMax, m.allocated)
	return ipc.BufferHandle{ID: p.ID, Type: ipc.BufferSharedMemory, Path: path, Size: size}
}

func (m *bufferManager) destroy(clientID int32, id int) {
	key := bufferKey{clientID, id}
	b, ok := m.buffers[key]
	if !ok {
		return
	}
	delete(m.buffers, key)
	m.allocated -= uint64(b.size)
	os.Remove(b.path)
}

// destroyClient frees every buffer owned by clientID.
func (m *bufferManager) destroyClient(clientID int32) {
	for key := range m.buffers {
		if key.clientID == clientID {
			m.destroy(key.clientID, key.id)
		}
	}
}

func (m *bufferManager) releaseAll() {
	for key := range m.buffers {
		m.destroy(key.clientID, key.id)
	}
}

func (m *bufferManager) count() int { return len(m.buffers) }
