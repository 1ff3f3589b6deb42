package gpuprocess

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"time"

	"github.com/breeze-rmm/gpuhost/internal/domainblock"
	"github.com/breeze-rmm/gpuhost/internal/gpuinfo"
	"github.com/breeze-rmm/gpuhost/internal/ipc"
	"github.com/breeze-rmm/gpuhost/internal/logging"
	"github.com/breeze-rmm/gpuhost/internal/secmem"
	"github.com/breeze-rmm/gpuhost/internal/switches"
)

// EstablishChannelCallback receives the reply to a channel request. It runs
// on the registry loop and must not block.
type EstablishChannelCallback func(handle ipc.ChannelHandle, info gpuinfo.GPUInfo, status EstablishStatus)

// CreateBufferCallback receives the reply to a buffer request. It runs on
// the registry loop and must not block.
type CreateBufferCallback func(handle ipc.BufferHandle)

type channelRequest struct {
	clientID int32
	callback EstablishChannelCallback
}

type outbound struct {
	msgType string
	payload any
}

// Host supervises one GPU process. Exported methods may be called from any
// goroutine; they post to the registry loop.
type Host struct {
	reg  *Registry
	id   int
	kind Kind
	log  *slog.Logger

	state                State
	valid                bool
	launched             bool
	initialized          bool
	connectFailed        bool
	swiftShaderRendering bool
	process              Process
	pid                  int
	listener             net.Listener
	key                  *secmem.Key
	conn                 *ipc.Conn
	pending              []outbound
	channelRequests      []channelRequest
	bufferRequests       []CreateBufferCallback
	offscreenURLs        map[string]int
	cachedClients        map[int32]struct{}
	argv                 []string
}

func newHost(r *Registry, id int, kind Kind) *Host {
	return &Host{
		reg:           r,
		id:            id,
		kind:          kind,
		log:           log.With(logging.KeyHostID, id, logging.KeyKind, kind.String()),
		state:         StateUninitialized,
		valid:         true,
		offscreenURLs: make(map[string]int),
		cachedClients: make(map[int32]struct{}),
	}
}

// ID returns the host id, unique within the session.
func (h *Host) ID() int { return h.id }

// Kind returns the process kind.
func (h *Host) Kind() Kind { return h.kind }

// EstablishGpuChannel requests a channel for a client.
func (h *Host) EstablishGpuChannel(params ipc.EstablishChannelParams, cb EstablishChannelCallback) {
	if !h.reg.post(func() { h.establishGpuChannel(params, cb) }) {
		cb(ipc.ChannelHandle{}, gpuinfo.GPUInfo{}, EstablishGPUHostInvalid)
	}
}

// CreateGpuMemoryBuffer requests a buffer allocation.
func (h *Host) CreateGpuMemoryBuffer(params ipc.CreateGpuMemoryBuffer, cb CreateBufferCallback) {
	if !h.reg.post(func() { h.createGpuMemoryBuffer(params, cb) }) {
		cb(ipc.BufferHandle{})
	}
}

// DestroyGpuMemoryBuffer releases a buffer.
func (h *Host) DestroyGpuMemoryBuffer(params ipc.DestroyGpuMemoryBuffer) {
	h.reg.post(func() { h.send(ipc.TypeDestroyGpuMemoryBuffer, params) })
}

// Send queues a message for the process.
func (h *Host) Send(msgType string, payload any) {
	h.reg.post(func() { h.send(msgType, payload) })
}

// SendOutstandingReplies invalidates the host and fails every queued request.
func (h *Host) SendOutstandingReplies() {
	h.reg.post(h.sendOutstandingReplies)
}

// ForceShutdown removes the host from the registry and kills its process.
func (h *Host) ForceShutdown() {
	h.reg.post(h.forceShutdown)
}

// init launches the process and queues Initialize.
func (h *Host) init() error {
	if err := h.launch(); err != nil {
		return err
	}
	h.send(ipc.TypeInitialize, ipc.Initialize{Preferences: h.reg.opts.Preferences})
	return nil
}

func (h *Host) launch() error {
	r := h.reg
	if !r.canLaunch() {
		h.sendOutstandingReplies()
		return ErrGPUDisabled
	}

	raw, err := ipc.GenerateKey()
	if err != nil {
		return err
	}
	key := secmem.NewKey(raw)
	endpoint := ipc.EndpointPath(r.opts.RuntimeDir, fmt.Sprintf("gpu-%d-%d", os.Getpid(), h.id))
	ln, err := ipc.Listen(endpoint)
	if err != nil {
		key.Zero()
		return err
	}

	cl := switches.New(r.opts.Executable)
	cl.AppendSwitchASCII(switches.ProcessType, switches.GPUProcessType)
	cl.AppendSwitchASCII(switches.Channel, endpoint)
	if h.kind == KindUnsandboxed {
		cl.AppendSwitch(switches.DisableGPUSandbox)
	}
	r.mgr.AppendGpuCommandLine(cl)
	h.swiftShaderRendering = cl.GetSwitchValue(switches.UseGL) == switches.GLSwiftShader

	argv := append([]string(nil), r.opts.Wrapper...)
	argv = append(argv, cl.Program(), switches.GPUProcessType)
	argv = append(argv, cl.Argv()...)
	h.argv = argv

	env := append(os.Environ(), ipc.KeyEnv+"="+ipc.EncodeKey(key.Bytes()))
	proc, err := r.opts.Launcher.Launch(context.Background(), LaunchSpec{Argv: argv, Env: env})
	if err != nil {
		ln.Close()
		key.Zero()
		return err
	}

	h.process = proc
	h.key = key
	h.pid = proc.PID()
	h.listener = ln
	h.launched = true
	h.state = StateLaunching
	h.log.Info("gpu process launched", logging.KeyPID, h.pid, "swiftshader", h.swiftShaderRendering)
	h.log.Debug("gpu process command line", "argv", argv)

	// A wrapper may fork, so the connecting pid is only known without one.
	expectPID := h.pid
	if len(r.opts.Wrapper) > 0 {
		expectPID = 0
	}
	go h.accept(ln, key, expectPID, r.opts.ConnectTimeout)

	r.exits.Add(1)
	go func() {
		defer r.exits.Done()
		st := proc.Wait()
		r.post(func() { h.onExit(st) })
	}()
	return nil
}

// accept takes exactly one connection from the child and performs the
// hello handshake.
func (h *Host) accept(ln net.Listener, key *secmem.Key, pid int, timeout time.Duration) {
	timer := time.AfterFunc(timeout, func() { ln.Close() })
	raw, err := ln.Accept()
	timer.Stop()
	ln.Close()
	if err != nil {
		h.reg.post(func() { h.onConnectFailed(fmt.Errorf("accept: %w", err)) })
		return
	}

	if err := ipc.VerifyPeer(raw, pid); err != nil {
		raw.Close()
		h.reg.post(func() { h.onConnectFailed(err) })
		return
	}
	conn := ipc.NewConn(raw, key.Bytes())
	hello, err := ipc.ReadHello(conn, timeout)
	if err != nil {
		conn.Close()
		h.reg.post(func() { h.onConnectFailed(err) })
		return
	}
	h.reg.post(func() { h.onConnected(conn, hello) })
}

func (h *Host) onConnectFailed(err error) {
	if h.state != StateLaunching {
		return
	}
	h.log.Error("gpu process did not connect", logging.KeyError, err)
	h.connectFailed = true
	if h.process != nil {
		h.process.Kill()
	}
}

func (h *Host) onConnected(conn *ipc.Conn, hello *ipc.Hello) {
	if h.state != StateLaunching {
		conn.Close()
		return
	}
	h.conn = conn
	h.state = StateConnected
	h.log.Debug("gpu process connected", logging.KeyPID, hello.PID)

	for _, m := range h.pending {
		if err := conn.Send(m.msgType, m.payload); err != nil {
			h.log.Warn("flush queued message failed", logging.KeyMsgType, m.msgType, logging.KeyError, err)
		}
	}
	h.pending = nil

	go func() {
		for {
			env, err := conn.Recv()
			if err != nil {
				h.reg.post(func() { h.onDisconnected(conn, err) })
				return
			}
			h.reg.post(func() { h.onMessage(env) })
		}
	}()
}

func (h *Host) onDisconnected(conn *ipc.Conn, err error) {
	if h.conn != conn {
		return
	}
	h.conn = nil
	if h.state == StateConnected {
		h.log.Warn("gpu process channel closed", logging.KeyError, err)
		// The exit handler finishes the teardown.
		if h.process != nil {
			h.process.Kill()
		}
	}
}

// send writes a message or queues it until the child connects.
func (h *Host) send(msgType string, payload any) bool {
	switch h.state {
	case StateCrashed, StateShutDown:
		return false
	case StateConnected:
		if h.conn == nil {
			return false
		}
		if err := h.conn.Send(msgType, payload); err != nil {
			h.log.Warn("send to gpu process failed", logging.KeyMsgType, msgType, logging.KeyError, err)
			return false
		}
		return true
	default:
		h.pending = append(h.pending, outbound{msgType: msgType, payload: payload})
		return true
	}
}

func (h *Host) establishGpuChannel(params ipc.EstablishChannelParams, cb EstablishChannelCallback) {
	mgr := h.reg.mgr
	if ok, _ := mgr.GpuAccessAllowed(); !ok {
		h.log.Debug("gpu blacklisted, refusing to open a gpu channel")
		cb(ipc.ChannelHandle{}, gpuinfo.GPUInfo{}, EstablishGPUAccessDenied)
		return
	}

	if h.send(ipc.TypeEstablishChannel, params) {
		h.channelRequests = append(h.channelRequests, channelRequest{clientID: params.ClientID, callback: cb})
	} else {
		cb(ipc.ChannelHandle{}, gpuinfo.GPUInfo{}, EstablishGPUHostInvalid)
	}

	if cache := h.reg.opts.ShaderCache; cache != nil {
		h.bindShaderCache(cache, params.ClientID)
	}
}

func (h *Host) createGpuMemoryBuffer(params ipc.CreateGpuMemoryBuffer, cb CreateBufferCallback) {
	if h.send(ipc.TypeCreateGpuMemoryBuffer, params) {
		h.bufferRequests = append(h.bufferRequests, cb)
	} else {
		cb(ipc.BufferHandle{})
	}
}

func (h *Host) sendOutstandingReplies() {
	h.valid = false
	for _, req := range h.channelRequests {
		req.callback(ipc.ChannelHandle{}, gpuinfo.GPUInfo{}, EstablishGPUHostInvalid)
	}
	h.channelRequests = nil
	for _, cb := range h.bufferRequests {
		cb(ipc.BufferHandle{})
	}
	h.bufferRequests = nil
}

func (h *Host) forceShutdown() {
	h.reg.removeHost(h)
	if h.state == StateCrashed || h.state == StateShutDown {
		return
	}
	h.state = StateShutDown
	h.sendOutstandingReplies()
	if h.listener != nil {
		h.listener.Close()
	}
	if h.conn != nil {
		h.conn.Close()
	}
	if h.process != nil {
		h.process.Kill()
	}
	h.log.Info("gpu process host shut down")
}

func (h *Host) recordProcessCrash() {
	h.reg.recordProcessCrash(h)
}

// blockLiveOffscreenContexts blames every page with a live offscreen
// context for a GPU failure.
func (h *Host) blockLiveOffscreenContexts() {
	for url := range h.offscreenURLs {
		h.reg.mgr.BlockDomainFrom3DAPIs(url, domainblock.GuiltUnknown)
	}
}

func (h *Host) onExit(st ExitStatus) {
	if h.connectFailed && st.Status != TerminationNormal {
		st.Status = TerminationLaunchFailed
	}
	intended := h.state == StateShutDown
	if h.conn != nil {
		h.conn.Close()
		h.conn = nil
	}
	if h.listener != nil {
		h.listener.Close()
	}
	h.key.Zero()
	h.sendOutstandingReplies()
	h.unbindShaderCaches()
	h.reg.removeHost(h)

	if intended || st.Status == TerminationNormal {
		h.state = StateShutDown
		h.log.Info("gpu process exited", "status", st.Status.String(), "code", st.Code)
		return
	}

	h.state = StateCrashed
	h.log.Error("gpu process terminated", "status", st.Status.String(), "code", st.Code)
	mgr := h.reg.mgr
	mgr.ProcessCrashed(st.Code)
	h.recordProcessCrash()
	h.blockLiveOffscreenContexts()
	mgr.AddLogMessage(slog.LevelError, "GpuProcessHost", describeExit(st))
}

func describeExit(st ExitStatus) string {
	switch st.Status {
	case TerminationAbnormal:
		return fmt.Sprintf("The GPU process exited with code %d.", st.Code)
	case TerminationKilled:
		return "You killed the GPU process! Why?"
	case TerminationCrashed:
		return "The GPU process crashed!"
	case TerminationLaunchFailed:
		return "The GPU process failed to start!"
	default:
		return "The GPU process exited normally. Everything is okay."
	}
}

func (h *Host) status() HostStatus {
	st := HostStatus{
		ID:                   h.id,
		Kind:                 h.kind.String(),
		State:                h.state.String(),
		PID:                  h.pid,
		Initialized:          h.initialized,
		SwiftShaderRendering: h.swiftShaderRendering,
		PendingChannels:      len(h.channelRequests),
		PendingBuffers:       len(h.bufferRequests),
	}
	for url := range h.offscreenURLs {
		st.OffscreenURLs = append(st.OffscreenURLs, url)
	}
	sort.Strings(st.OffscreenURLs)
	return st
}
