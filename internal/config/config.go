// Package config provides centralized configuration management for firelab.
// Configuration is loaded from a JSON file at /etc/firelab/config.json
// (overridable via FIRELAB_CONFIG environment variable). A missing file is
// not an error: the tool runs with defaults so a bare `firelab start` works
// on a fresh host.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

const (
	// DefaultConfigPath is the default location for the config file
	DefaultConfigPath = "/etc/firelab/config.json"

	// ConfigEnvVar is the environment variable to override config file location
	ConfigEnvVar = "FIRELAB_CONFIG"

	// StateDirEnvVar overrides paths.state_dir
	StateDirEnvVar = "FIRELAB_STATE_DIR"

	// LogDirEnvVar overrides paths.log_dir
	LogDirEnvVar = "FIRELAB_LOG_DIR"

	// AssetDirEnvVar overrides paths.asset_dir
	AssetDirEnvVar = "FIRELAB_ASSET_DIR"

	// HypervisorEnvVar overrides paths.hypervisor_path
	HypervisorEnvVar = "FIRELAB_HYPERVISOR"
)

// Config is the root configuration structure
type Config struct {
	Paths    PathsConfig    `json:"paths"`
	Fleet    FleetConfig    `json:"fleet"`
	Network  NetworkConfig  `json:"network"`
	Assets   AssetsConfig   `json:"assets"`
	Timeouts TimeoutsConfig `json:"timeouts"`
}

// PathsConfig defines filesystem paths for firelab components
type PathsConfig struct {
	StateDir       string `json:"state_dir"`       // Instance dirs, PID records, sockets
	LogDir         string `json:"log_dir"`         // Per-instance hypervisor logs
	AssetDir       string `json:"asset_dir"`       // Shared kernel/rootfs images and catalog
	HypervisorPath string `json:"hypervisor_path"` // Hypervisor binary location (auto-discovered if empty)
}

// FleetConfig defines fleet sizing defaults and per-instance machine shape
type FleetConfig struct {
	DefaultCount int   `json:"default_count"` // Instances started when no count is given
	VCPUCount    int64 `json:"vcpu_count"`    // vCPUs per instance
	MemoryMiB    int64 `json:"memory_mib"`    // Guest memory per instance
}

// NetworkConfig defines how per-instance network identity is derived
type NetworkConfig struct {
	DevicePrefix string `json:"device_prefix"` // TAP device name prefix, e.g. "veth" -> veth1, veth2
	SubnetBase   string `json:"subnet_base"`   // First two octets of the per-instance /24, e.g. "10.0"
	GuestPort    int    `json:"guest_port"`    // Port of the demo HTTP service inside each guest
}

// AssetsConfig defines where boot assets come from and how they are verified.
// URLs may be empty when images are placed in the asset directory by hand;
// when a URL is set its digest is required so a fetched image can be verified.
type AssetsConfig struct {
	KernelURL    string `json:"kernel_url"`
	KernelSHA256 string `json:"kernel_sha256"`
	RootfsURL    string `json:"rootfs_url"`
	RootfsSHA256 string `json:"rootfs_sha256"`
}

// TimeoutsConfig defines timeout durations for lifecycle operations.
// All values are duration strings (e.g., "5s", "2m", "500ms").
type TimeoutsConfig struct {
	// BootWait is how long Launch waits for the hypervisor process and its
	// API socket to become live before declaring the launch failed.
	// Default: 5s. Increase for slow storage or large rootfs images.
	BootWait string `json:"boot_wait"`

	// SocketDial is the per-attempt timeout when dialing a control socket.
	// Default: 500ms.
	SocketDial string `json:"socket_dial"`

	// ShutdownGrace is how long Stop waits after SIGTERM before SIGKILL.
	// Default: 5s.
	ShutdownGrace string `json:"shutdown_grace"`

	// AssetFetch bounds a single asset download.
	// Default: 5m. Increase for large images on slow links.
	AssetFetch string `json:"asset_fetch"`

	// Probe bounds one HTTP probe of a guest's demo service.
	// Default: 2s.
	Probe string `json:"probe"`
}

// GetBootWait returns the boot wait timeout as a time.Duration.
// Panics if the configuration is invalid (should be caught by validation).
func (t *TimeoutsConfig) GetBootWait() time.Duration {
	return mustParseDuration(t.BootWait)
}

// GetSocketDial returns the socket dial timeout as a time.Duration.
func (t *TimeoutsConfig) GetSocketDial() time.Duration {
	return mustParseDuration(t.SocketDial)
}

// GetShutdownGrace returns the shutdown grace period as a time.Duration.
func (t *TimeoutsConfig) GetShutdownGrace() time.Duration {
	return mustParseDuration(t.ShutdownGrace)
}

// GetAssetFetch returns the asset fetch timeout as a time.Duration.
func (t *TimeoutsConfig) GetAssetFetch() time.Duration {
	return mustParseDuration(t.AssetFetch)
}

// GetProbe returns the guest probe timeout as a time.Duration.
func (t *TimeoutsConfig) GetProbe() time.Duration {
	return mustParseDuration(t.Probe)
}

// mustParseDuration parses a duration string, panicking on error.
// This is safe because validation should have already verified the format.
func mustParseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("invalid duration %q: %v (config validation should have caught this)", s, err))
	}
	return d
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.Mutex
	errConfig    error
)

// Reset clears the cached global config, forcing the next Get() call to reload.
// This is intended for testing only. Callers must ensure no concurrent Get() calls
// are in progress when calling Reset().
func Reset() {
	configMu.Lock()
	defer configMu.Unlock()
	globalConfig = nil
	errConfig = nil
	configOnce = sync.Once{}
}

// Get returns the global config, loading it on first call.
// This is the primary way to access configuration throughout the codebase.
func Get() (*Config, error) {
	configOnce.Do(func() {
		globalConfig, errConfig = Load()
	})
	return globalConfig, errConfig
}

// Load loads configuration from FIRELAB_CONFIG env var or /etc/firelab/config.json.
// A missing file at the default location yields the default configuration; a
// missing file at an explicitly configured location is an error.
func Load() (*Config, error) {
	configPath := os.Getenv(ConfigEnvVar)
	explicit := configPath != ""
	if !explicit {
		configPath = DefaultConfigPath
	}

	cfg, err := LoadFrom(configPath)
	if err != nil {
		if !explicit && os.IsNotExist(err) {
			cfg = DefaultConfig()
			cfg.applyEnvOverrides()
			if verr := cfg.Validate(); verr != nil {
				return nil, fmt.Errorf("invalid default configuration: %w", verr)
			}
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

// LoadFrom loads configuration from a specific path.
// Returns the raw os.IsNotExist error if the file doesn't exist so callers
// can decide whether a missing file is fatal.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w (ensure it's valid JSON)", path, err)
	}

	// Env overrides beat file values; defaults fill whatever is left
	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		Paths: PathsConfig{
			StateDir:       "/var/lib/firelab",
			LogDir:         "/var/log/firelab",
			AssetDir:       "/var/lib/firelab/assets",
			HypervisorPath: "", // Auto-discovered
		},
		Fleet: FleetConfig{
			DefaultCount: 3,
			VCPUCount:    1,
			MemoryMiB:    128,
		},
		Network: NetworkConfig{
			DevicePrefix: "veth",
			SubnetBase:   "10.0",
			GuestPort:    8000,
		},
		Assets: AssetsConfig{},
		Timeouts: TimeoutsConfig{
			BootWait:      "5s",
			SocketDial:    "500ms",
			ShutdownGrace: "5s",
			AssetFetch:    "5m",
			Probe:         "2s",
		},
	}
	return cfg
}

// applyEnvOverrides applies environment variable overrides for path fields
func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv(StateDirEnvVar); dir != "" {
		c.Paths.StateDir = dir
	}
	if dir := os.Getenv(LogDirEnvVar); dir != "" {
		c.Paths.LogDir = dir
	}
	if dir := os.Getenv(AssetDirEnvVar); dir != "" {
		c.Paths.AssetDir = dir
	}
	if path := os.Getenv(HypervisorEnvVar); path != "" {
		c.Paths.HypervisorPath = path
	}
}

// applyDefaults fills in default values for any empty fields
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	c.applyPathDefaults(defaults)
	c.applyFleetDefaults(defaults)
	c.applyNetworkDefaults(defaults)
	c.applyTimeoutsDefaults(defaults)
}

func (c *Config) applyPathDefaults(defaults *Config) {
	if c.Paths.StateDir == "" {
		c.Paths.StateDir = defaults.Paths.StateDir
	}
	if c.Paths.LogDir == "" {
		c.Paths.LogDir = defaults.Paths.LogDir
	}
	if c.Paths.AssetDir == "" {
		c.Paths.AssetDir = defaults.Paths.AssetDir
	}
	// HypervisorPath is intentionally left empty for auto-discovery
}

func (c *Config) applyFleetDefaults(defaults *Config) {
	if c.Fleet.DefaultCount == 0 {
		c.Fleet.DefaultCount = defaults.Fleet.DefaultCount
	}
	if c.Fleet.VCPUCount == 0 {
		c.Fleet.VCPUCount = defaults.Fleet.VCPUCount
	}
	if c.Fleet.MemoryMiB == 0 {
		c.Fleet.MemoryMiB = defaults.Fleet.MemoryMiB
	}
}

func (c *Config) applyNetworkDefaults(defaults *Config) {
	if c.Network.DevicePrefix == "" {
		c.Network.DevicePrefix = defaults.Network.DevicePrefix
	}
	if c.Network.SubnetBase == "" {
		c.Network.SubnetBase = defaults.Network.SubnetBase
	}
	if c.Network.GuestPort == 0 {
		c.Network.GuestPort = defaults.Network.GuestPort
	}
}

func (c *Config) applyTimeoutsDefaults(defaults *Config) {
	if c.Timeouts.BootWait == "" {
		c.Timeouts.BootWait = defaults.Timeouts.BootWait
	}
	if c.Timeouts.SocketDial == "" {
		c.Timeouts.SocketDial = defaults.Timeouts.SocketDial
	}
	if c.Timeouts.ShutdownGrace == "" {
		c.Timeouts.ShutdownGrace = defaults.Timeouts.ShutdownGrace
	}
	if c.Timeouts.AssetFetch == "" {
		c.Timeouts.AssetFetch = defaults.Timeouts.AssetFetch
	}
	if c.Timeouts.Probe == "" {
		c.Timeouts.Probe = defaults.Timeouts.Probe
	}
}
