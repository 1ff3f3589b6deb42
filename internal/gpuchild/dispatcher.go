package gpuchild

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/breeze-rmm/gpuhost/internal/gpuinfo"
	"github.com/breeze-rmm/gpuhost/internal/ipc"
	"github.com/breeze-rmm/gpuhost/internal/logging"
	"github.com/breeze-rmm/gpuhost/internal/switches"
)

// child holds the dispatcher state. Everything except the channel map's
// goroutines is touched only by the dispatcher goroutine.
type child struct {
	opts      Options
	conn      *ipc.Conn
	forwarder *logging.Forwarder
	watchdog  *watchdog

	info          gpuinfo.GPUInfo
	deadOnArrival bool
	initialized   bool
	deferred      []*ipc.Envelope
	prefs         ipc.Preferences

	channelDir  string
	channels    map[int32]*channel
	channelGone chan int32
	buffers     *bufferManager
	shaders     map[string]string
}

func newChild(opts Options) *child {
	return &child{
		opts:        opts,
		info:        gpuinfo.FromCommandLine(opts.CommandLine),
		channels:    make(map[int32]*channel),
		channelGone: make(chan int32),
		shaders:     make(map[string]string),
	}
}

func (c *child) sandboxed() bool {
	return !c.opts.CommandLine.HasSwitch(switches.DisableGPUSandbox)
}

// dispatch serves the control channel until the process should exit and
// returns the exit code.
func (c *child) dispatch(ctx context.Context) int {
	msgs := make(chan *ipc.Envelope)
	recvErr := make(chan error, 1)
	go func() {
		for {
			env, err := c.conn.Recv()
			if err != nil {
				recvErr <- err
				return
			}
			select {
			case msgs <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	uma := time.NewTicker(c.opts.UmaInterval)
	defer uma.Stop()

	for {
		select {
		case <-ctx.Done():
			return ipc.ExitNormal
		case err := <-recvErr:
			if errors.Is(err, io.EOF) {
				log.Info("host closed the control channel")
			} else {
				log.Error("control channel failed", logging.KeyError, err)
			}
			return ipc.ExitLostConnection
		case env := <-msgs:
			if code, exit := c.handle(ctx, env); exit {
				return code
			}
		case id := <-c.channelGone:
			c.removeChannel(id)
		case <-c.watchdog.probe():
			c.watchdog.ack()
		case <-uma.C:
			if c.initialized {
				c.send(ipc.TypeGpuMemoryUmaStats, ipc.GpuMemoryUmaStats{Stats: c.umaStats()})
			}
		}
	}
}

// handle processes one message. Everything but Initialize is deferred
// until initialization and replayed in arrival order.
func (c *child) handle(ctx context.Context, env *ipc.Envelope) (int, bool) {
	if !c.initialized && env.Type != ipc.TypeInitialize {
		c.deferred = append(c.deferred, env)
		return 0, false
	}

	var err error
	switch env.Type {
	case ipc.TypeInitialize:
		var m ipc.Initialize
		if err = env.Decode(&m); err != nil {
			break
		}
		if code, exit := c.onInitialize(m); exit {
			return code, true
		}
		deferred := c.deferred
		c.deferred = nil
		for _, d := range deferred {
			if code, exit := c.handle(ctx, d); exit {
				return code, true
			}
		}
	case ipc.TypeFinalize:
		log.Info("finalize requested")
		return ipc.ExitNormal, true
	case ipc.TypeCollectGraphicsInfo:
		c.send(ipc.TypeGraphicsInfoCollected, ipc.GraphicsInfoCollected{GPUInfo: c.info.Clone()})
		// The unsandboxed process only exists to collect info there.
		if c.opts.GOOS == "windows" && !c.sandboxed() {
			return ipc.ExitNormal, true
		}
	case ipc.TypeGetVideoMemoryUsageStats:
		c.send(ipc.TypeVideoMemoryUsageStats, ipc.VideoMemoryUsageStats{Stats: c.videoMemoryStats()})
	case ipc.TypeClean:
		c.closeAllChannels(true)
	case ipc.TypeCrash:
		log.Error("simulating gpu process crash")
		return ipc.ExitSimulatedCrash, true
	case ipc.TypeHang:
		log.Warn("simulating gpu process hang")
		<-ctx.Done()
		return ipc.ExitWatchdog, true
	case ipc.TypeDisableWatchdog:
		if c.watchdog != nil {
			c.watchdog.stop()
			c.watchdog = nil
			log.Info("watchdog disabled")
		}
	case ipc.TypeGpuSwitched:
		c.onGpuSwitched()
	case ipc.TypeEstablishChannel:
		var m ipc.EstablishChannelParams
		if err = env.Decode(&m); err == nil {
			c.onEstablishChannel(m)
		}
	case ipc.TypeCloseChannel:
		var m ipc.CloseChannel
		if err = env.Decode(&m); err == nil {
			c.removeChannel(m.ClientID)
		}
	case ipc.TypeLoadedShader:
		var m ipc.LoadedShader
		if err = env.Decode(&m); err == nil {
			c.shaders[m.Key] = m.Data
		}
	case ipc.TypeCreateGpuMemoryBuffer:
		var m ipc.CreateGpuMemoryBuffer
		if err = env.Decode(&m); err == nil {
			c.send(ipc.TypeGpuMemoryBufferCreated, ipc.GpuMemoryBufferCreated{Handle: c.buffers.create(m)})
		}
	case ipc.TypeDestroyGpuMemoryBuffer:
		var m ipc.DestroyGpuMemoryBuffer
		if err = env.Decode(&m); err == nil {
			c.buffers.destroy(m.ClientID, m.ID)
		}
	default:
		log.Debug("dropping unknown message", logging.KeyMsgType, env.Type)
	}
	if err != nil {
		log.Warn("malformed host message", logging.KeyMsgType, env.Type, logging.KeyError, err)
	}
	return 0, false
}

func (c *child) onInitialize(m ipc.Initialize) (int, bool) {
	if c.initialized {
		log.Warn("duplicate initialize ignored")
		return 0, false
	}
	c.prefs = m.Preferences
	c.send(ipc.TypeInitialized, ipc.Initialized{Result: !c.deadOnArrival, GPUInfo: c.info.Clone()})
	if c.deadOnArrival {
		log.Error("gpu process is dead on arrival, exiting")
		return ipc.ExitDeadOnArrival, true
	}
	c.initialized = true

	if m.Preferences.LogLevel != "" {
		c.forwarder.SetMinLevel(m.Preferences.LogLevel)
	}
	if m.Preferences.WatchdogTimeoutSeconds > 0 {
		c.watchdog.setTimeout(time.Duration(m.Preferences.WatchdogTimeoutSeconds) * time.Second)
	}
	c.forwarder.Attach(hostLogSink(c.conn, os.Getpid()))
	log.Info("gpu process initialized", "gl", c.info.GLImpl, "sandboxed", c.info.Sandboxed)
	return 0, false
}

func (c *child) onEstablishChannel(p ipc.EstablishChannelParams) {
	if old, ok := c.channels[p.ClientID]; ok {
		old.close()
		delete(c.channels, p.ClientID)
	}
	cacheable := !c.prefs.DisableShaderDiskCache && !c.opts.CommandLine.HasSwitch(switches.DisableGPUProgramCache)
	ch, err := newChannel(c.channelDir, p, c.conn, cacheable, c.channelGone)
	if err != nil {
		log.Warn("establish channel failed", logging.KeyClientID, p.ClientID, logging.KeyError, err)
		c.send(ipc.TypeChannelEstablished, ipc.ChannelEstablished{})
		return
	}
	c.channels[p.ClientID] = ch
	c.send(ipc.TypeChannelEstablished, ipc.ChannelEstablished{Handle: ch.handle()})
}

// removeChannel destroys a client's channel and tells the host.
func (c *child) removeChannel(clientID int32) {
	ch, ok := c.channels[clientID]
	if !ok {
		return
	}
	delete(c.channels, clientID)
	ch.close()
	c.buffers.destroyClient(clientID)
	c.send(ipc.TypeDestroyChannel, ipc.DestroyChannel{ClientID: clientID})
}

func (c *child) closeAllChannels(notify bool) {
	for id, ch := range c.channels {
		if notify {
			c.removeChannel(id)
			continue
		}
		ch.close()
		delete(c.channels, id)
	}
}

// onGpuSwitched moves the active flag to the next GPU.
func (c *child) onGpuSwitched() {
	devs := append([]gpuinfo.Device{c.info.GPU}, c.info.SecondaryGPUs...)
	if len(devs) < 2 {
		log.Info("gpu switched", "active", c.info.GPU.String())
		return
	}
	cur := 0
	for i, d := range devs {
		if d.Active {
			cur = i
			break
		}
	}
	next := (cur + 1) % len(devs)
	for i := range devs {
		devs[i].Active = i == next
	}
	c.info.GPU = devs[0]
	c.info.SecondaryGPUs = devs[1:]
	log.Info("gpu switched", "active", devs[next].String())
}

func (c *child) videoMemoryStats() gpuinfo.VideoMemoryUsageStats {
	return gpuinfo.VideoMemoryUsageStats{
		ProcessMap: map[int]gpuinfo.ProcessStats{
			os.Getpid(): {VideoMemory: c.buffers.allocated},
		},
		BytesAllocated:        c.buffers.allocated,
		BytesAllocatedHistMax: c.buffers.histMax,
	}
}

func (c *child) umaStats() gpuinfo.MemoryUmaStats {
	contexts := 0
	for _, ch := range c.channels {
		contexts += ch.contextCount()
	}
	return gpuinfo.MemoryUmaStats{
		BytesAllocatedCurrent: c.buffers.allocated,
		BytesAllocatedMax:     c.buffers.histMax,
		ClientCount:           len(c.channels),
		ContextGroupCount:     contexts,
	}
}

func (c *child) send(msgType string, payload any) {
	if err := c.conn.Send(msgType, payload); err != nil {
		log.Warn("send to host failed", logging.KeyMsgType, msgType, logging.KeyError, err)
	}
}
