package config

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validGLImplementations = map[string]bool{
	"desktop":     true,
	"egl":         true,
	"osmesa":      true,
	"swiftshader": true,
	"any":         true,
}

// ValidationResult separates problems that must stop startup from values
// that were corrected in place.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

// HasFatals reports whether startup should be refused.
func (r ValidationResult) HasFatals() bool { return len(r.Fatals) > 0 }

// All returns fatals followed by warnings.
func (r ValidationResult) All() []error {
	return append(append([]error(nil), r.Fatals...), r.Warnings...)
}

// ValidateTiered checks the config. Out-of-range numbers are clamped and
// reported as warnings; values that cannot be corrected are fatal.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult
	warn := func(format string, args ...any) {
		r.Warnings = append(r.Warnings, fmt.Errorf(format, args...))
	}
	fatal := func(format string, args ...any) {
		r.Fatals = append(r.Fatals, fmt.Errorf(format, args...))
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		warn("log_level %q is not valid (use debug, info, warn, error), using info", c.LogLevel)
		c.LogLevel = "info"
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		warn("log_format %q is not valid (use text or json), using text", c.LogFormat)
		c.LogFormat = "text"
	}

	if c.UseGL != "" && !validGLImplementations[strings.ToLower(c.UseGL)] {
		fatal("use_gl %q is not a known GL implementation", c.UseGL)
	}

	for _, id := range c.DriverBugWorkarounds {
		if id <= 0 {
			fatal("gpu_driver_bug_workarounds contains non-positive id %d", id)
		}
	}

	if c.DiagnosticsAddr != "" {
		host, _, err := net.SplitHostPort(c.DiagnosticsAddr)
		if err != nil {
			fatal("diagnostics_addr %q: %v", c.DiagnosticsAddr, err)
		} else if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
			fatal("diagnostics_addr %q must bind a loopback address", c.DiagnosticsAddr)
		}
	}

	c.WatchdogTimeoutSeconds = clamp(&r, "watchdog_timeout_seconds", c.WatchdogTimeoutSeconds, 1, 300)
	c.ShaderCacheWorkers = clamp(&r, "shader_cache_workers", c.ShaderCacheWorkers, 1, 32)
	c.DiagnosticsMaxConns = clamp(&r, "diagnostics_max_conns", c.DiagnosticsMaxConns, 1, 1024)
	c.MaxLogMessages = clamp(&r, "max_log_messages", c.MaxLogMessages, 10, 100000)
	c.LogMaxSizeMB = clamp(&r, "log_max_size_mb", c.LogMaxSizeMB, 1, 1024)
	c.LogMaxBackups = clamp(&r, "log_max_backups", c.LogMaxBackups, 1, 50)

	if c.RuntimeDir == "" {
		fatal("runtime_dir must not be empty")
	}

	for _, err := range r.Warnings {
		slog.Warn("config validation", "error", err)
	}
	return r
}

// Validate returns every problem found, fatal or not.
func (c *Config) Validate() []error {
	return c.ValidateTiered().All()
}

func clamp(r *ValidationResult, key string, v, lo, hi int) int {
	switch {
	case v < lo:
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d is below minimum %d, clamping", key, v, lo))
		return lo
	case v > hi:
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d exceeds maximum %d, clamping", key, v, hi))
		return hi
	}
	return v
}
