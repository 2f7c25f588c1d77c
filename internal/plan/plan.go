// Package plan computes the full resource identity for an instance index:
// network device, addresses, hardware address, and file paths. Planning is a
// pure function of the index and the configuration, so any controller
// invocation recomputes the same identifiers and can locate resources created
// by an earlier one.
package plan

import (
	"fmt"

	"github.com/containerd/errdefs"

	"github.com/firelab-io/firelab/internal/config"
	"github.com/firelab-io/firelab/internal/paths"
)

// MaxIndex is the highest supported instance index. The index becomes the
// third octet of the instance's /24 and the low byte of its MAC, so it must
// fit in a single octet with 255 reserved.
const MaxIndex = 254

// Plan is the deterministic set of resource identifiers for one instance.
type Plan struct {
	Index int

	// TapDevice is the host-side TAP device name, e.g. "veth1".
	TapDevice string

	// GatewayCIDR is the address the host carries on the TAP device, which
	// the guest uses as its default gateway, e.g. "10.0.1.1/24".
	GatewayCIDR string

	// GatewayIP is GatewayCIDR without the prefix length, e.g. "10.0.1.1".
	GatewayIP string

	// GuestIP is the guest's address inside its /24, e.g. "10.0.1.2".
	GuestIP string

	// Netmask of the per-instance subnet.
	Netmask string

	// GuestMAC is the guest NIC hardware address, derived from the index.
	GuestMAC string

	SocketPath    string
	LogPath       string
	ConfigPath    string
	InstanceDir   string
	RootDrivePath string

	MemoryMiB int64
	VCPUCount int64
}

// Planner derives instance plans from configuration. It performs no I/O.
type Planner struct {
	devicePrefix string
	subnetBase   string
	memoryMiB    int64
	vcpuCount    int64
	pathsCfg     config.PathsConfig
}

// New creates a Planner from the given configuration.
func New(cfg *config.Config) *Planner {
	return &Planner{
		devicePrefix: cfg.Network.DevicePrefix,
		subnetBase:   cfg.Network.SubnetBase,
		memoryMiB:    cfg.Fleet.MemoryMiB,
		vcpuCount:    cfg.Fleet.VCPUCount,
		pathsCfg:     cfg.Paths,
	}
}

// Plan computes the resource plan for the given index. Two calls with the
// same index always produce identical plans. Indexes outside 1..MaxIndex
// fail rather than wrap around into a colliding identity.
func (p *Planner) Plan(index int) (Plan, error) {
	if index < 1 {
		return Plan{}, fmt.Errorf("instance index must be positive, got %d: %w", index, errdefs.ErrInvalidArgument)
	}
	if index > MaxIndex {
		return Plan{}, fmt.Errorf("instance index %d exceeds maximum %d: %w", index, MaxIndex, errdefs.ErrInvalidArgument)
	}

	gatewayIP := fmt.Sprintf("%s.%d.1", p.subnetBase, index)

	return Plan{
		Index:         index,
		TapDevice:     fmt.Sprintf("%s%d", p.devicePrefix, index),
		GatewayCIDR:   gatewayIP + "/24",
		GatewayIP:     gatewayIP,
		GuestIP:       fmt.Sprintf("%s.%d.2", p.subnetBase, index),
		Netmask:       "255.255.255.0",
		GuestMAC:      fmt.Sprintf("AA:FC:00:00:%02X:%02X", index, index),
		SocketPath:    paths.SocketPath(p.pathsCfg, index),
		LogPath:       paths.LogPath(p.pathsCfg, index),
		ConfigPath:    paths.ConfigPath(p.pathsCfg, index),
		InstanceDir:   paths.InstanceDir(p.pathsCfg, index),
		RootDrivePath: paths.RootDrivePath(p.pathsCfg, index),
		MemoryMiB:     p.memoryMiB,
		VCPUCount:     p.vcpuCount,
	}, nil
}
