package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// Config drives both the host and the child role.
type Config struct {
	LogLevel      string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat     string `mapstructure:"log_format" yaml:"log_format"`
	LogFile       string `mapstructure:"log_file" yaml:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb" yaml:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups" yaml:"log_max_backups"`

	// Rule lists. Empty paths use the built-in lists.
	BlacklistPath  string `mapstructure:"blacklist_path" yaml:"blacklist_path"`
	DriverBugsPath string `mapstructure:"driver_bugs_path" yaml:"driver_bugs_path"`
	WatchRules     bool   `mapstructure:"watch_rules" yaml:"watch_rules"`
	OSVersion      string `mapstructure:"os_version" yaml:"os_version"`

	DisableGPU                  bool   `mapstructure:"disable_gpu" yaml:"disable_gpu"`
	DisableDomainBlocking       bool   `mapstructure:"disable_domain_blocking" yaml:"disable_domain_blocking"`
	DisableGPUProcessCrashLimit bool   `mapstructure:"disable_gpu_process_crash_limit" yaml:"disable_gpu_process_crash_limit"`
	DisableSoftwareRasterizer   bool   `mapstructure:"disable_software_rasterizer" yaml:"disable_software_rasterizer"`
	DisableShaderDiskCache      bool   `mapstructure:"disable_gpu_shader_disk_cache" yaml:"disable_gpu_shader_disk_cache"`
	DisableGPUSandbox           bool   `mapstructure:"disable_gpu_sandbox" yaml:"disable_gpu_sandbox"`
	DisableGPUWatchdog          bool   `mapstructure:"disable_gpu_watchdog" yaml:"disable_gpu_watchdog"`
	SwiftShaderPath             string `mapstructure:"swiftshader_path" yaml:"swiftshader_path"`
	UseGL                       string `mapstructure:"use_gl" yaml:"use_gl"`
	GPULauncher                 string `mapstructure:"gpu_launcher" yaml:"gpu_launcher"`
	DriverBugWorkarounds        []int  `mapstructure:"gpu_driver_bug_workarounds" yaml:"gpu_driver_bug_workarounds"`
	WatchdogTimeoutSeconds      int    `mapstructure:"watchdog_timeout_seconds" yaml:"watchdog_timeout_seconds"`

	RuntimeDir          string `mapstructure:"runtime_dir" yaml:"runtime_dir"`
	ShaderCachePath     string `mapstructure:"shader_cache_path" yaml:"shader_cache_path"`
	ShaderCacheWorkers  int    `mapstructure:"shader_cache_workers" yaml:"shader_cache_workers"`
	DiagnosticsAddr     string `mapstructure:"diagnostics_addr" yaml:"diagnostics_addr"`
	DiagnosticsMaxConns int    `mapstructure:"diagnostics_max_conns" yaml:"diagnostics_max_conns"`
	MaxLogMessages      int    `mapstructure:"max_log_messages" yaml:"max_log_messages"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		LogLevel:               "info",
		LogFormat:              "text",
		LogMaxSizeMB:           20,
		LogMaxBackups:          3,
		UseGL:                  "desktop",
		WatchdogTimeoutSeconds: 10,
		RuntimeDir:             filepath.Join(os.TempDir(), "gpuhost"),
		ShaderCachePath:        filepath.Join(dataDir(), "shader-cache.db"),
		ShaderCacheWorkers:     2,
		DiagnosticsAddr:        "127.0.0.1:9229",
		DiagnosticsMaxConns:    16,
		MaxLogMessages:         1000,
	}
}

// Load reads gpuhost.yaml from cfgFile or the platform config dir.
// A missing file is not an error. GPUHOST_* environment variables override
// file values.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	for key, val := range defaultsMap(cfg) {
		v.SetDefault(key, val)
	}
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("gpuhost")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("GPUHOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return cfg, nil
}

// Path returns the config file Load would use when none is given.
func Path() string {
	return filepath.Join(configDir(), "gpuhost.yaml")
}

// defaultsMap registers every key with viper so AutomaticEnv can see it
// during Unmarshal.
func defaultsMap(c *Config) map[string]any {
	return map[string]any{
		"log_level":                       c.LogLevel,
		"log_format":                      c.LogFormat,
		"log_file":                        c.LogFile,
		"log_max_size_mb":                 c.LogMaxSizeMB,
		"log_max_backups":                 c.LogMaxBackups,
		"blacklist_path":                  c.BlacklistPath,
		"driver_bugs_path":                c.DriverBugsPath,
		"watch_rules":                     c.WatchRules,
		"os_version":                      c.OSVersion,
		"disable_gpu":                     c.DisableGPU,
		"disable_domain_blocking":         c.DisableDomainBlocking,
		"disable_gpu_process_crash_limit": c.DisableGPUProcessCrashLimit,
		"disable_software_rasterizer":     c.DisableSoftwareRasterizer,
		"disable_gpu_shader_disk_cache":   c.DisableShaderDiskCache,
		"disable_gpu_sandbox":             c.DisableGPUSandbox,
		"disable_gpu_watchdog":            c.DisableGPUWatchdog,
		"swiftshader_path":                c.SwiftShaderPath,
		"use_gl":                          c.UseGL,
		"gpu_launcher":                    c.GPULauncher,
		"gpu_driver_bug_workarounds":      c.DriverBugWorkarounds,
		"watchdog_timeout_seconds":        c.WatchdogTimeoutSeconds,
		"runtime_dir":                     c.RuntimeDir,
		"shader_cache_path":               c.ShaderCachePath,
		"shader_cache_workers":            c.ShaderCacheWorkers,
		"diagnostics_addr":                c.DiagnosticsAddr,
		"diagnostics_max_conns":           c.DiagnosticsMaxConns,
		"max_log_messages":                c.MaxLogMessages,
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "GPUHost")
	case "darwin":
		return "/Library/Application Support/GPUHost"
	default:
		return "/etc/gpuhost"
	}
}

func dataDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "gpuhost")
	}
	return filepath.Join(os.TempDir(), "gpuhost")
}
