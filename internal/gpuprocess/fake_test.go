package gpuprocess

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/breeze-rmm/gpuhost/internal/blacklist"
	"github.com/breeze-rmm/gpuhost/internal/gpudata"
	"github.com/breeze-rmm/gpuhost/internal/gpuinfo"
	"github.com/breeze-rmm/gpuhost/internal/ipc"
	"github.com/breeze-rmm/gpuhost/internal/switches"
)

// fakeProcess stands in for a child process. Its pid is the test's own so
// the peer credential check on the socket passes.
type fakeProcess struct {
	done   chan struct{}
	once   sync.Once
	status ExitStatus
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{done: make(chan struct{})}
}

func (p *fakeProcess) PID() int { return os.Getpid() }

func (p *fakeProcess) Wait() ExitStatus {
	<-p.done
	return p.status
}

func (p *fakeProcess) Kill() error {
	p.exit(ExitStatus{Status: TerminationKilled, Code: -1})
	return nil
}

func (p *fakeProcess) exit(st ExitStatus) {
	p.once.Do(func() {
		p.status = st
		close(p.done)
	})
}

// fakeChild is one launch: the parsed command line plus the child end of
// the IPC connection.
type fakeChild struct {
	t    *testing.T
	spec LaunchSpec
	cl   *switches.CommandLine
	proc *fakeProcess
	msgs chan *ipc.Envelope

	mu   sync.Mutex
	conn *ipc.Conn
}

// next returns the next message from the host.
func (c *fakeChild) next() *ipc.Envelope {
	c.t.Helper()
	select {
	case env := <-c.msgs:
		return env
	case <-time.After(3 * time.Second):
		c.t.Fatal("timed out waiting for host message")
		return nil
	}
}

// expect returns the next message, failing unless it has type msgType.
func (c *fakeChild) expect(msgType string) *ipc.Envelope {
	c.t.Helper()
	env := c.next()
	if env.Type != msgType {
		c.t.Fatalf("expected %s from host, got %s", msgType, env.Type)
	}
	return env
}

func (c *fakeChild) reply(msgType string, payload any) {
	c.t.Helper()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.t.Fatal("child is not connected")
	}
	if err := conn.Send(msgType, payload); err != nil {
		c.t.Fatalf("child send %s: %v", msgType, err)
	}
}

// initialize consumes Initialize and answers it.
func (c *fakeChild) initialize(result bool) {
	c.t.Helper()
	c.expect(ipc.TypeInitialize)
	c.reply(ipc.TypeInitialized, ipc.Initialized{Result: result, GPUInfo: testInfo()})
}

type fakeLauncher struct {
	t         *testing.T
	fail      error
	noConnect bool
	children  chan *fakeChild
}

func newFakeLauncher(t *testing.T) *fakeLauncher {
	return &fakeLauncher{t: t, children: make(chan *fakeChild, 16)}
}

func (l *fakeLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	if l.fail != nil {
		return nil, l.fail
	}

	i := 0
	for i < len(spec.Argv) && spec.Argv[i] != switches.GPUProcessType {
		i++
	}
	if i == len(spec.Argv) {
		return nil, errors.New("no gpu-process subcommand")
	}
	child := &fakeChild{
		t:    l.t,
		spec: spec,
		cl:   switches.Parse(spec.Argv[i-1], spec.Argv[i+1:]),
		proc: newFakeProcess(),
		msgs: make(chan *ipc.Envelope, 64),
	}
	l.children <- child
	if l.noConnect {
		return child.proc, nil
	}

	var key []byte
	for _, kv := range spec.Env {
		if v, ok := strings.CutPrefix(kv, ipc.KeyEnv+"="); ok {
			key, _ = ipc.DecodeKey(v)
		}
	}

	go func() {
		dctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		raw, err := ipc.Dial(dctx, child.cl.GetSwitchValue(switches.Channel))
		if err != nil {
			l.t.Errorf("child dial: %v", err)
			return
		}
		conn := ipc.NewConn(raw, key)
		child.mu.Lock()
		child.conn = conn
		child.mu.Unlock()
		if err := ipc.SendHello(conn); err != nil {
			l.t.Errorf("child hello: %v", err)
			return
		}
		go func() {
			<-child.proc.done
			conn.Close()
		}()
		for {
			env, err := conn.Recv()
			if err != nil {
				return
			}
			child.msgs <- env
		}
	}()
	return child.proc, nil
}

// launched returns the next launched child.
func (l *fakeLauncher) launched() *fakeChild {
	l.t.Helper()
	select {
	case c := <-l.children:
		return c
	case <-time.After(3 * time.Second):
		l.t.Fatal("timed out waiting for launch")
		return nil
	}
}

func (l *fakeLauncher) assertNoLaunch() {
	l.t.Helper()
	select {
	case c := <-l.children:
		l.t.Fatalf("unexpected launch: %v", c.spec.Argv)
	default:
	}
}

type crashObserver struct {
	gpudata.NopObserver
	crashes chan int
}

func (o *crashObserver) OnGpuProcessCrashed(code int) {
	o.crashes <- code
}

func testInfo() gpuinfo.GPUInfo {
	return gpuinfo.GPUInfo{
		GPU:            gpuinfo.Device{VendorID: gpuinfo.VendorIntel, DeviceID: 0x3e92, Active: true},
		DriverVendor:   "Mesa",
		DriverVersion:  "23.2.1",
		BasicInfoState: gpuinfo.CollectSuccess,
	}
}

func emptyList(t *testing.T) *blacklist.List {
	t.Helper()
	l, err := blacklist.LoadJSON([]byte(`{"name":"empty","version":"1","entries":[]}`))
	if err != nil {
		t.Fatalf("LoadJSON: %v", err)
	}
	return l
}

func newTestManager(t *testing.T, opts gpudata.Options) *gpudata.Manager {
	t.Helper()
	opts.OS = gpuinfo.OSInfo{Type: gpuinfo.OSLinux, Version: "6.1.0"}
	m := gpudata.New(opts)
	m.Initialize(context.Background(), emptyList(t), emptyList(t), testInfo())
	return m
}

type harness struct {
	mgr      *gpudata.Manager
	reg      *Registry
	launcher *fakeLauncher
}

func newHarness(t *testing.T, mgr *gpudata.Manager, mutate func(*Options)) *harness {
	t.Helper()
	if mgr == nil {
		mgr = newTestManager(t, gpudata.Options{})
	}
	dir, err := os.MkdirTemp("", "gph")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	l := newFakeLauncher(t)
	opts := Options{
		Manager:        mgr,
		Launcher:       l,
		Executable:     "/usr/bin/gpuhost",
		RuntimeDir:     dir,
		ConnectTimeout: 2 * time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	reg, err := NewRegistry(opts)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		reg.Shutdown(ctx)
	})
	return &harness{mgr: mgr, reg: reg, launcher: l}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// hostInitialized reports whether the live host of kind has initialized.
func (h *harness) hostInitialized(kind Kind) bool {
	for _, st := range h.reg.Hosts(context.Background()) {
		if st.Kind == kind.String() && st.Initialized {
			return true
		}
	}
	return false
}

// launchInitialized starts a sandboxed host and completes its handshake.
func (h *harness) launchInitialized(t *testing.T) (*Host, *fakeChild) {
	t.Helper()
	host := h.reg.Get(KindSandboxed, true)
	if host == nil {
		t.Fatal("Get returned nil")
	}
	child := h.launcher.launched()
	child.initialize(true)
	waitFor(t, "host initialized", func() bool { return h.hostInitialized(KindSandboxed) })
	return host, child
}
