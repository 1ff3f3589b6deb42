// Package gpuchild is the GPU process role: it collects GPU information,
// connects back to the host over the control channel and serves the
// host's requests until told to finalize.
package gpuchild

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/breeze-rmm/gpuhost/internal/gpuinfo"
	"github.com/breeze-rmm/gpuhost/internal/ipc"
	"github.com/breeze-rmm/gpuhost/internal/logging"
	"github.com/breeze-rmm/gpuhost/internal/secmem"
	"github.com/breeze-rmm/gpuhost/internal/switches"
)

var log = logging.L("gpuchild")

const (
	defaultWatchdogTimeout = 10 * time.Second
	defaultUmaInterval     = 30 * time.Second
	connectTimeout         = 10 * time.Second
	logForwardBuffer       = 256
)

// Options configures one child run. Zero values select the production
// behavior.
type Options struct {
	CommandLine *switches.CommandLine
	// Key signs the control channel. Main reads it from the environment.
	Key []byte
	// Probe reads GL strings for hardware implementations.
	Probe gpuinfo.GLProbe
	// RenderNodes lists the DRM render nodes desktop GL can use.
	RenderNodes func() []string
	// Exit terminates the process from outside the dispatcher.
	Exit func(code int)
	// GOOS overrides the platform the Windows-only behaviors key off.
	GOOS string
	// BufferDir holds shared memory backing GPU memory buffers.
	BufferDir   string
	UmaInterval time.Duration
}

func (o *Options) setDefaults() {
	if o.Exit == nil {
		o.Exit = os.Exit
	}
	if o.GOOS == "" {
		o.GOOS = runtime.GOOS
	}
	if o.RenderNodes == nil {
		o.RenderNodes = renderNodes
	}
	if o.UmaInterval <= 0 {
		o.UmaInterval = defaultUmaInterval
	}
}

// Main runs the child with the session key taken from the environment and
// returns the process exit code.
func Main(ctx context.Context, cl *switches.CommandLine) int {
	key, err := ipc.KeyFromEnv()
	if err != nil {
		log.Error("no channel key", logging.KeyError, err)
		return ipc.ExitInitFailed
	}
	k := secmem.NewKey(key)
	defer k.Zero()
	return Run(ctx, Options{CommandLine: cl, Key: k.Bytes()})
}

// Run executes the child lifecycle and returns the exit code.
func Run(ctx context.Context, opts Options) int {
	opts.setDefaults()
	cl := opts.CommandLine
	start := time.Now()

	c := newChild(opts)

	forwarder := logging.NewForwarder(c.logLevel(), logForwardBuffer)
	logging.InstallForwarder(forwarder)
	defer logging.InstallForwarder(nil)
	c.forwarder = forwarder

	impl := cl.GetSwitchValue(switches.UseGL)
	if impl == "" {
		impl = switches.GLDesktop
	}
	if err := initializeGL(impl, cl, opts.RenderNodes); err != nil {
		log.Error("GL initialization failed", "impl", impl, logging.KeyError, err)
		c.deadOnArrival = true
	} else if gpuinfo.CollectContextInfo(ctx, impl, opts.Probe, &c.info) == gpuinfo.CollectFatalFailure {
		log.Error("GL context info collection failed fatally", "impl", impl)
		c.deadOnArrival = true
	}
	c.info.InitializationTime = time.Since(start)
	c.info.GPUAccessible = !c.deadOnArrival

	if !cl.HasSwitch(switches.DisableGPUSandbox) {
		if err := warmUpSandbox(); err != nil {
			log.Warn("sandbox warm-up failed", logging.KeyError, err)
		} else {
			c.info.Sandboxed = true
		}
	}

	if !cl.HasSwitch(switches.DisableGPUWatchdog) && !c.deadOnArrival {
		c.watchdog = newWatchdog(c.watchdogTimeout(), opts.Exit)
		c.watchdog.start()
		defer c.watchdog.stop()
	}

	path := cl.GetSwitchValue(switches.Channel)
	if path == "" {
		log.Error("missing --channel")
		return ipc.ExitInitFailed
	}
	conn, err := connect(ctx, path, opts.Key)
	if err != nil {
		log.Error("cannot reach host", logging.KeyError, err)
		return ipc.ExitLostConnection
	}
	defer conn.Close()
	c.conn = conn
	c.channelDir = filepath.Dir(path)
	if c.opts.BufferDir == "" {
		c.opts.BufferDir = c.channelDir
	}
	c.buffers = newBufferManager(c.opts.BufferDir)
	defer c.buffers.releaseAll()

	code := c.dispatch(ctx)
	c.closeAllChannels(false)
	forwarder.Stop()
	log.Info("gpu process exiting", "code", code)
	return code
}

// connect dials the host's control endpoint and announces itself.
func connect(ctx context.Context, path string, key []byte) (*ipc.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	raw, err := ipc.Dial(dctx, path)
	if err != nil {
		return nil, err
	}
	conn := ipc.NewConn(raw, key)
	if err := ipc.SendHello(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("gpuchild: hello: %w", err)
	}
	return conn, nil
}

func (c *child) logLevel() string {
	if lvl := c.opts.CommandLine.GetSwitchValue(switches.LogLevel); lvl != "" {
		return lvl
	}
	return "info"
}

func (c *child) watchdogTimeout() time.Duration {
	v := c.opts.CommandLine.GetSwitchValue(switches.WatchdogTimeout)
	if v == "" {
		return defaultWatchdogTimeout
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		var secs int
		if _, serr := fmt.Sscanf(v, "%d", &secs); serr != nil || secs <= 0 {
			log.Warn("invalid watchdog timeout, using default", "value", v)
			return defaultWatchdogTimeout
		}
		d = time.Duration(secs) * time.Second
	}
	if d <= 0 {
		return defaultWatchdogTimeout
	}
	return d
}
