package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// maxFleetIndex is the highest instance index the address scheme supports:
// the instance index becomes the third octet of its /24.
const maxFleetIndex = 254

// Validate validates the entire configuration.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return fmt.Errorf("paths: %w", err)
	}
	if err := c.validateFleet(); err != nil {
		return fmt.Errorf("fleet: %w", err)
	}
	if err := c.validateNetwork(); err != nil {
		return fmt.Errorf("network: %w", err)
	}
	if err := c.validateAssets(); err != nil {
		return fmt.Errorf("assets: %w", err)
	}
	if err := c.validateTimeouts(); err != nil {
		return fmt.Errorf("timeouts: %w", err)
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.StateDir == "" {
		return fmt.Errorf("state_dir cannot be empty")
	}
	if err := ensureDirWritable(c.Paths.StateDir, "state_dir"); err != nil {
		return err
	}

	if c.Paths.LogDir == "" {
		return fmt.Errorf("log_dir cannot be empty")
	}
	if err := ensureDirWritable(c.Paths.LogDir, "log_dir"); err != nil {
		return err
	}

	if c.Paths.AssetDir == "" {
		return fmt.Errorf("asset_dir cannot be empty")
	}
	if err := ensureDirWritable(c.Paths.AssetDir, "asset_dir"); err != nil {
		return err
	}

	if c.Paths.HypervisorPath != "" {
		if err := validateExecutable(c.Paths.HypervisorPath, "hypervisor_path"); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateFleet() error {
	if c.Fleet.DefaultCount < 1 || c.Fleet.DefaultCount > maxFleetIndex {
		return fmt.Errorf("default_count: must be 1-%d, got %d", maxFleetIndex, c.Fleet.DefaultCount)
	}
	if c.Fleet.VCPUCount < 1 {
		return fmt.Errorf("vcpu_count: must be at least 1, got %d", c.Fleet.VCPUCount)
	}
	if c.Fleet.MemoryMiB < 32 {
		return fmt.Errorf("memory_mib: too low (%d MiB), minimum is 32 MiB", c.Fleet.MemoryMiB)
	}
	return nil
}

func (c *Config) validateNetwork() error {
	// Device names are capped at 15 bytes by the kernel (IFNAMSIZ-1);
	// leave room for a three-digit index.
	const maxPrefixLen = 12
	if c.Network.DevicePrefix == "" {
		return fmt.Errorf("device_prefix cannot be empty")
	}
	if len(c.Network.DevicePrefix) > maxPrefixLen {
		return fmt.Errorf("device_prefix: too long (%d chars), max is %d", len(c.Network.DevicePrefix), maxPrefixLen)
	}
	if strings.ContainsAny(c.Network.DevicePrefix, " /\t\n") {
		return fmt.Errorf("device_prefix: contains invalid characters: %q", c.Network.DevicePrefix)
	}

	octets := strings.Split(c.Network.SubnetBase, ".")
	if len(octets) != 2 {
		return fmt.Errorf("subnet_base: must be two octets like \"10.0\", got %q", c.Network.SubnetBase)
	}
	for _, o := range octets {
		n, err := strconv.Atoi(o)
		if err != nil || n < 0 || n > 255 {
			return fmt.Errorf("subnet_base: invalid octet %q in %q", o, c.Network.SubnetBase)
		}
	}

	if c.Network.GuestPort < 1 || c.Network.GuestPort > 65535 {
		return fmt.Errorf("guest_port: must be 1-65535, got %d", c.Network.GuestPort)
	}
	return nil
}

func (c *Config) validateAssets() error {
	if err := validateDigest(c.Assets.KernelURL, c.Assets.KernelSHA256, "kernel"); err != nil {
		return err
	}
	return validateDigest(c.Assets.RootfsURL, c.Assets.RootfsSHA256, "rootfs")
}

// validateDigest requires a well-formed sha256 whenever a fetch URL is set;
// an image placed in the asset directory by hand needs no digest.
func validateDigest(url, digest, name string) error {
	if url == "" {
		if digest == "" {
			return nil
		}
		url = "(local file)"
	}
	if digest == "" {
		return fmt.Errorf("%s_sha256: required when %s_url is set", name, name)
	}
	if len(digest) != 64 {
		return fmt.Errorf("%s_sha256: must be 64 hex characters, got %d", name, len(digest))
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return fmt.Errorf("%s_sha256: not valid hex: %w", name, err)
	}
	return nil
}

func (c *Config) validateTimeouts() error {
	fields := map[string]string{
		"boot_wait":      c.Timeouts.BootWait,
		"socket_dial":    c.Timeouts.SocketDial,
		"shutdown_grace": c.Timeouts.ShutdownGrace,
		"asset_fetch":    c.Timeouts.AssetFetch,
		"probe":          c.Timeouts.Probe,
	}

	for name, val := range fields {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q", name, val)
		}
		if d <= 0 {
			return fmt.Errorf("%s: must be positive, got %s", name, d)
		}
		if d > time.Hour {
			return fmt.Errorf("%s: too large (%s), max is 1h", name, d)
		}
	}
	return nil
}

// Helper functions

func canonicalizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)
	resolved, err := filepath.EvalSymlinks(cleaned)
	if err == nil {
		return resolved, nil
	}
	if os.IsNotExist(err) {
		return cleaned, nil
	}
	return "", fmt.Errorf("failed to resolve path %s: %w", path, err)
}

func ensureDirWritable(path, name string) error {
	canonical, err := canonicalizePath(path)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	info, statErr := os.Stat(canonical)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			if err := os.MkdirAll(canonical, 0750); err != nil {
				return fmt.Errorf("%s: cannot create directory %s: %w", name, canonical, err)
			}
		} else {
			return fmt.Errorf("%s: cannot access %s: %w", name, canonical, statErr)
		}
	} else if !info.IsDir() {
		return fmt.Errorf("%s: not a directory: %s", name, canonical)
	}

	if err := unix.Access(canonical, unix.W_OK); err != nil {
		return fmt.Errorf("%s: not writable: %s", name, canonical)
	}
	return nil
}

func validateExecutable(path, name string) error {
	canonical, err := canonicalizePath(path)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	info, err := os.Stat(canonical)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: file not found: %s", name, canonical)
		}
		return fmt.Errorf("%s: cannot access: %w", name, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s: is a directory, not executable: %s", name, canonical)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("%s: not executable: %s", name, canonical)
	}
	return nil
}
