package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/breeze-rmm/gpuhost/internal/blacklist"
	"github.com/breeze-rmm/gpuhost/internal/config"
	"github.com/breeze-rmm/gpuhost/internal/diagnostics"
	"github.com/breeze-rmm/gpuhost/internal/gpudata"
	"github.com/breeze-rmm/gpuhost/internal/gpuinfo"
	"github.com/breeze-rmm/gpuhost/internal/gpuprocess"
	"github.com/breeze-rmm/gpuhost/internal/health"
	"github.com/breeze-rmm/gpuhost/internal/ipc"
	"github.com/breeze-rmm/gpuhost/internal/logging"
	"github.com/breeze-rmm/gpuhost/internal/shadercache"
	"github.com/breeze-rmm/gpuhost/internal/switches"
	"github.com/breeze-rmm/gpuhost/internal/workerpool"
)

var log = logging.L("main")

const shutdownTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the GPU host and diagnostics endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runHost(ctx, cfg)
	},
}

// loadConfig loads, overrides from flags and validates the config. Fatal
// problems stop startup; corrected values are logged once logging is up.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if diagAddr != "" {
		cfg.DiagnosticsAddr = diagAddr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	res := cfg.ValidateTiered()
	if res.HasFatals() {
		for _, e := range res.Fatals {
			fmt.Fprintln(os.Stderr, "config:", e)
		}
		return nil, fmt.Errorf("invalid configuration (%d problems)", len(res.Fatals))
	}
	for _, w := range res.Warnings {
		fmt.Fprintln(os.Stderr, "config warning:", w)
	}
	return cfg, nil
}

// initLogging returns a cleanup that closes the log file, if any.
func initLogging(cfg *config.Config) (func(), error) {
	if cfg.LogFile == "" {
		logging.Init(cfg.LogFormat, cfg.LogLevel, nil)
		return func() {}, nil
	}
	rf, err := logging.OpenRotatingFile(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, io.MultiWriter(os.Stderr, rf))
	return func() { rf.Close() }, nil
}

// hostSwitches renders the settings the child inherits through the
// allow-listed host switches.
func hostSwitches(cfg *config.Config) *switches.CommandLine {
	cl := switches.New(os.Args[0])
	if cfg.DisableGPUSandbox {
		cl.AppendSwitch(switches.DisableGPUSandbox)
	}
	if cfg.DisableGPUWatchdog {
		cl.AppendSwitch(switches.DisableGPUWatchdog)
	}
	if cfg.DisableShaderDiskCache {
		cl.AppendSwitch(switches.DisableGPUProgramCache)
	}
	if cfg.LogLevel != "" {
		cl.AppendSwitchASCII(switches.LogLevel, cfg.LogLevel)
	}
	return cl
}

func runHost(ctx context.Context, cfg *config.Config) error {
	closeLog, err := initLogging(cfg)
	if err != nil {
		return err
	}
	defer closeLog()
	started := time.Now()
	log.Info("starting gpuhost", "version", version, "diagnostics", cfg.DiagnosticsAddr)

	mon := health.NewMonitor()

	blacklistRules, err := blacklist.LoadOrBuiltin(cfg.BlacklistPath, blacklist.BuiltinBlacklist())
	if err != nil {
		return fmt.Errorf("load blacklist: %w", err)
	}
	bugRules, err := blacklist.LoadOrBuiltin(cfg.DriverBugsPath, blacklist.BuiltinDriverBugList())
	if err != nil {
		return fmt.Errorf("load driver bug list: %w", err)
	}
	mon.Update(health.ComponentRules, health.Healthy, fmt.Sprintf("blacklist %s, driver bugs %s", blacklistRules.Version(), bugRules.Version()))

	mgr := gpudata.New(gpudata.Options{
		DisableGPU:                cfg.DisableGPU,
		DisableDomainBlocking:     cfg.DisableDomainBlocking,
		DisableSoftwareRasterizer: cfg.DisableSoftwareRasterizer,
		UseGL:                     cfg.UseGL,
		ForcedWorkarounds:         cfg.DriverBugWorkarounds,
		HostSwitches:              hostSwitches(cfg),
		OSVersion:                 cfg.OSVersion,
		MaxLogMessages:            cfg.MaxLogMessages,
	})
	mgr.Initialize(ctx, blacklistRules, bugRules, gpuinfo.CollectBasicInfo(ctx))
	if cfg.SwiftShaderPath != "" {
		mgr.RegisterSwiftShaderPath(cfg.SwiftShaderPath)
	}

	pool := workerpool.New("shadercache", cfg.ShaderCacheWorkers, 64)
	var cache *shadercache.Cache
	if !cfg.DisableShaderDiskCache {
		cache, err = shadercache.Open(ctx, cfg.ShaderCachePath, pool)
		if err != nil {
			log.Warn("shader disk cache unavailable", logging.KeyError, err)
			mon.Update(health.ComponentShaderCache, health.Degraded, err.Error())
		} else {
			mon.Update(health.ComponentShaderCache, health.Healthy, cfg.ShaderCachePath)
		}
	}

	if err := os.MkdirAll(cfg.RuntimeDir, 0o700); err != nil {
		return fmt.Errorf("create runtime dir: %w", err)
	}
	reg, err := gpuprocess.NewRegistry(gpuprocess.Options{
		Manager:                mgr,
		ShaderCache:            cache,
		DisableShaderDiskCache: cfg.DisableShaderDiskCache,
		DisableCrashLimit:      cfg.DisableGPUProcessCrashLimit,
		Wrapper:                strings.Fields(cfg.GPULauncher),
		RuntimeDir:             cfg.RuntimeDir,
		Preferences: ipc.Preferences{
			LogLevel:               cfg.LogLevel,
			DisableShaderDiskCache: cfg.DisableShaderDiskCache,
			WatchdogTimeoutSeconds: cfg.WatchdogTimeoutSeconds,
		},
		Fallback: func(kind gpuprocess.Kind, env *ipc.Envelope) {
			log.Debug("unhandled GPU process message", logging.KeyKind, kind.String(), logging.KeyMsgType, env.Type)
		},
	})
	if err != nil {
		return err
	}

	diag := diagnostics.New(diagnostics.Options{
		Addr:      cfg.DiagnosticsAddr,
		MaxConns:  cfg.DiagnosticsMaxConns,
		Manager:   mgr,
		Processes: reg,
		Health:    mon,
		Cache:     cache,
	})
	if _, err := diag.Listen(); err != nil {
		reg.Shutdown(ctx)
		return err
	}

	mgr.RequestCompleteGpuInfoIfNeeded()
	if h := reg.Get(gpuprocess.KindSandboxed, true); h == nil {
		allowed, reason := mgr.GpuAccessAllowed()
		log.Warn("GPU process not launched", "gpuAccessAllowed", allowed, "reason", reason)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return diag.Serve(gctx) })
	if cfg.WatchRules && (cfg.BlacklistPath != "" || cfg.DriverBugsPath != "") {
		g.Go(func() error {
			return blacklist.Watch(gctx, []string{cfg.BlacklistPath, cfg.DriverBugsPath}, func(path string, l *blacklist.List) {
				if path == cfg.BlacklistPath {
					mgr.ReplaceRules(l, nil)
				} else {
					mgr.ReplaceRules(nil, l)
				}
				mon.Update(health.ComponentRules, health.Healthy, "reloaded "+path+" version "+l.Version())
			})
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := reg.Shutdown(sctx); err != nil {
			log.Warn("registry shutdown", logging.KeyError, err)
		}
		pool.Shutdown(sctx)
		if cache != nil {
			if err := cache.Close(); err != nil {
				log.Warn("close shader cache", logging.KeyError, err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("gpuhost stopped", "uptime", time.Since(started).Round(time.Second))
	return nil
}
