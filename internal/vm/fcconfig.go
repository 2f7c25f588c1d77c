//go:build linux

package vm

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/firelab-io/firelab/internal/plan"
)

// Firecracker config-file schema. The field names are fixed by the
// hypervisor; changing them breaks boot without an error from our side.
type fcConfig struct {
	BootSource        fcBootSource     `json:"boot-source"`
	Drives            []fcDrive        `json:"drives"`
	MachineConfig     fcMachineConfig  `json:"machine-config"`
	NetworkInterfaces []fcNetworkIface `json:"network-interfaces"`
}

type fcBootSource struct {
	KernelImagePath string `json:"kernel_image_path"`
	BootArgs        string `json:"boot_args"`
}

type fcDrive struct {
	DriveID      string `json:"drive_id"`
	PathOnHost   string `json:"path_on_host"`
	IsRootDevice bool   `json:"is_root_device"`
	IsReadOnly   bool   `json:"is_read_only"`
}

type fcMachineConfig struct {
	VcpuCount  int64 `json:"vcpu_count"`
	MemSizeMib int64 `json:"mem_size_mib"`
	Smt        bool  `json:"smt"`
}

type fcNetworkIface struct {
	IfaceID     string `json:"iface_id"`
	GuestMAC    string `json:"guest_mac"`
	HostDevName string `json:"host_dev_name"`
}

// renderConfig derives the hypervisor configuration from a plan. The boot
// args give the guest its static address; there is no DHCP on the TAP.
func renderConfig(p plan.Plan, kernelPath string) fcConfig {
	return fcConfig{
		BootSource: fcBootSource{
			KernelImagePath: kernelPath,
			BootArgs: fmt.Sprintf("console=ttyS0 reboot=k panic=1 pci=off ip=%s::%s:%s::eth0:off",
				p.GuestIP, p.GatewayIP, p.Netmask),
		},
		Drives: []fcDrive{{
			DriveID:      "rootfs",
			PathOnHost:   p.RootDrivePath,
			IsRootDevice: true,
			IsReadOnly:   false,
		}},
		MachineConfig: fcMachineConfig{
			VcpuCount:  p.VCPUCount,
			MemSizeMib: p.MemoryMiB,
			Smt:        false,
		},
		NetworkInterfaces: []fcNetworkIface{{
			IfaceID:     "eth0",
			GuestMAC:    p.GuestMAC,
			HostDevName: p.TapDevice,
		}},
	}
}

// writeConfig renders the instance's config artifact, replacing any previous
// one wholesale, and verifies the result is non-empty before it is handed to
// the hypervisor.
func writeConfig(p plan.Plan, kernelPath string) error {
	data, err := json.MarshalIndent(renderConfig(p, kernelPath), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal instance config: %w", err)
	}
	if err := os.WriteFile(p.ConfigPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write instance config: %w", err)
	}

	fi, err := os.Stat(p.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to verify instance config: %w", err)
	}
	if fi.Size() == 0 {
		return fmt.Errorf("instance config %s is empty after render", p.ConfigPath)
	}
	return nil
}
