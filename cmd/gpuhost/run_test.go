package main

import (
	"testing"

	"github.com/breeze-rmm/gpuhost/internal/config"
	"github.com/breeze-rmm/gpuhost/internal/switches"
)

func TestHostSwitches(t *testing.T) {
	cfg := config.Default()
	cfg.DisableGPUSandbox = true
	cfg.DisableShaderDiskCache = true
	cfg.LogLevel = "debug"

	cl := hostSwitches(cfg)
	if !cl.HasSwitch(switches.DisableGPUSandbox) || !cl.HasSwitch(switches.DisableGPUProgramCache) {
		t.Fatalf("missing switches: %s", cl)
	}
	if cl.HasSwitch(switches.DisableGPUWatchdog) {
		t.Fatalf("watchdog disabled unexpectedly: %s", cl)
	}
	if got := cl.GetSwitchValue(switches.LogLevel); got != "debug" {
		t.Fatalf("log level = %q", got)
	}
	for _, name := range []string{switches.DisableGPUSandbox, switches.DisableGPUProgramCache, switches.LogLevel} {
		found := false
		for _, c := range switches.CopiedFromHost {
			if c == name {
				found = true
			}
		}
		if !found {
			t.Errorf("%s is not forwarded to the child", name)
		}
	}
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"run"}, {"gpu-process"}, {"status"}, {"domains", "block"}, {"domains", "unblock"},
		{"domains", "list"}, {"rules", "validate"}, {"rules", "schema"}, {"crash"}, {"hang"},
		{"config", "show"}, {"version"},
	} {
		cmd, _, err := rootCmd.Find(path)
		if err != nil || cmd == rootCmd {
			t.Errorf("command %v not found: %v", path, err)
		}
	}
}
