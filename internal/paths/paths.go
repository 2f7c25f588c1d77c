// Package paths derives the on-disk layout for firelab state from the
// provided configuration. These helpers take configuration as input to avoid
// global config coupling. HypervisorPath may probe the filesystem when
// auto-discovering the binary.
//
// Layout under the state dir:
//
//	instances/vm{index}/   per-instance config artifact and rootfs copy
//	pids/                  one record file per running instance
//	sockets/               hypervisor API sockets
//
// Logs live under the log dir as vm{index}.log; shared kernel/rootfs images
// and the asset catalog live under the asset dir.
package paths

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/firelab-io/firelab/internal/config"
)

// InstanceName returns the canonical name for an instance index, used for
// directory and file naming.
func InstanceName(index int) string {
	return fmt.Sprintf("vm%d", index)
}

// InstancesDir returns the directory holding all per-instance directories.
func InstancesDir(pathsCfg config.PathsConfig) string {
	return filepath.Join(pathsCfg.StateDir, "instances")
}

// InstanceDir returns the directory for one instance's private files.
func InstanceDir(pathsCfg config.PathsConfig, index int) string {
	return filepath.Join(InstancesDir(pathsCfg), InstanceName(index))
}

// ConfigPath returns the path of an instance's rendered hypervisor config.
func ConfigPath(pathsCfg config.PathsConfig, index int) string {
	return filepath.Join(InstanceDir(pathsCfg, index), "config.json")
}

// RootDrivePath returns the path of an instance's writable rootfs copy.
func RootDrivePath(pathsCfg config.PathsConfig, index int) string {
	return filepath.Join(InstanceDir(pathsCfg, index), "rootfs.ext4")
}

// RecordDir returns the directory holding instance records. Listing this
// directory is how the fleet is discovered across controller invocations.
func RecordDir(pathsCfg config.PathsConfig) string {
	return filepath.Join(pathsCfg.StateDir, "pids")
}

// SocketDir returns the directory holding hypervisor API sockets.
func SocketDir(pathsCfg config.PathsConfig) string {
	return filepath.Join(pathsCfg.StateDir, "sockets")
}

// SocketPath returns the path of an instance's hypervisor API socket.
func SocketPath(pathsCfg config.PathsConfig, index int) string {
	return filepath.Join(SocketDir(pathsCfg), InstanceName(index)+".sock")
}

// LogPath returns the path of an instance's hypervisor log.
func LogPath(pathsCfg config.PathsConfig, index int) string {
	return filepath.Join(pathsCfg.LogDir, InstanceName(index)+".log")
}

// KernelPath returns the path of the shared kernel image.
func KernelPath(pathsCfg config.PathsConfig) string {
	return filepath.Join(pathsCfg.AssetDir, "vmlinux")
}

// BaseRootfsPath returns the path of the shared base rootfs image. Instances
// never boot from this file directly; each launch copies it first.
func BaseRootfsPath(pathsCfg config.PathsConfig) string {
	return filepath.Join(pathsCfg.AssetDir, "rootfs.ext4")
}

// CatalogDBPath returns the path of the asset catalog database.
func CatalogDBPath(pathsCfg config.PathsConfig) string {
	return filepath.Join(pathsCfg.AssetDir, "catalog.db")
}

// HypervisorPath returns the full path to the hypervisor binary based on the
// provided configuration.
func HypervisorPath(pathsCfg config.PathsConfig) string {
	// If explicitly configured, use that path
	if pathsCfg.HypervisorPath != "" {
		return pathsCfg.HypervisorPath
	}

	// Otherwise perform auto-discovery
	return discoverHypervisorPath()
}

// discoverHypervisorPath attempts to find the firecracker binary
func discoverHypervisorPath() string {
	candidates := []string{
		"/usr/local/bin/firecracker",
		"/usr/bin/firecracker",
		"/opt/firecracker/firecracker",
	}

	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}

	// Fall back to the bare name so exec resolves it via PATH
	return "firecracker"
}
