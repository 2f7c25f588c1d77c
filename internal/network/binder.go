//go:build linux

// Package network configures host-side networking for instances: one TAP
// device per instance carrying the gateway address, a per-device accept pair
// in the FORWARD chain, and the shared state every instance relies on (IPv4
// forwarding and a MASQUERADE rule on the egress device).
package network

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/containerd/log"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/firelab-io/firelab/internal/plan"
)

// BindError reports failed host network setup for one device. Binds are
// degradable: the supervisor logs the error and launches the instance anyway.
type BindError struct {
	Device string
	Err    error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to bind %s: %v", e.Device, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Binder owns the host network state for the fleet. It holds no state of its
// own beyond caches; everything it manages is keyed by device name and
// discoverable after a restart.
type Binder struct {
	ops         NetlinkOperator
	ipt         IptablesRunner
	nft         NFTablesOperator // nil when nftables is unavailable
	forwardPath string

	egress          string // cached egress device name
	guidancePrinted bool
}

// NewBinder returns a Binder backed by the host's netlink, iptables, and
// nftables interfaces.
func NewBinder() *Binder {
	b := &Binder{
		ops:         NewDefaultNetlinkOperator(),
		ipt:         execIptables{},
		forwardPath: ipForwardPath,
	}
	if nft, err := NewDefaultNFTablesOperator(); err == nil {
		b.nft = nft
	}
	return b
}

// Bind makes the plan's TAP device exist, addressed, and up, with its accept
// pair in place. An existing device is trusted as-is; revalidating here would
// turn every restart into a reconfiguration.
func (b *Binder) Bind(ctx context.Context, p plan.Plan) error {
	if _, err := b.ops.LinkByName(p.TapDevice); err == nil {
		log.G(ctx).WithField("tap", p.TapDevice).Debug("tap device already present, leaving it untouched")
		return nil
	}

	log.G(ctx).WithFields(log.Fields{
		"tap":     p.TapDevice,
		"gateway": p.GatewayCIDR,
	}).Info("creating tap device")

	tap := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: p.TapDevice},
		Mode:      netlink.TUNTAP_MODE_TAP,
		Owner:     uint32(os.Getuid()),
	}
	if err := b.ops.LinkAdd(tap); err != nil {
		return &BindError{Device: p.TapDevice, Err: fmt.Errorf("failed to create tap device: %w", err)}
	}

	// Remove the half-configured device on failure so the next bind starts clean.
	success := false
	defer func() {
		if !success {
			if derr := b.ops.LinkDel(tap); derr != nil {
				log.G(ctx).WithError(derr).WithField("tap", p.TapDevice).Warn("failed to remove half-configured tap device")
			}
		}
	}()

	addr, err := netlink.ParseAddr(p.GatewayCIDR)
	if err != nil {
		return &BindError{Device: p.TapDevice, Err: fmt.Errorf("failed to parse gateway address %s: %w", p.GatewayCIDR, err)}
	}
	if err := b.ops.AddrAdd(tap, addr); err != nil && !errors.Is(err, unix.EEXIST) {
		return &BindError{Device: p.TapDevice, Err: fmt.Errorf("failed to assign gateway address: %w", err)}
	}
	if err := b.ops.LinkSetUp(tap); err != nil {
		return &BindError{Device: p.TapDevice, Err: fmt.Errorf("failed to set tap device up: %w", err)}
	}

	if err := b.ensureAcceptPair(ctx, p.TapDevice); err != nil {
		return &BindError{Device: p.TapDevice, Err: err}
	}

	success = true
	return nil
}

// Unbind removes the plan's TAP device and its accept pair. An absent device
// is success. The shared MASQUERADE and forwarding state is never touched
// here; other instances may still depend on it.
func (b *Binder) Unbind(ctx context.Context, p plan.Plan) error {
	b.deleteAcceptPair(ctx, p.TapDevice)

	link, err := b.ops.LinkByName(p.TapDevice)
	if err != nil {
		// Lookup failure is treated as an already-removed device.
		log.G(ctx).WithField("tap", p.TapDevice).Debug("tap device already gone")
		return nil
	}
	if err := b.ops.LinkDel(link); err != nil {
		return &BindError{Device: p.TapDevice, Err: fmt.Errorf("failed to delete tap device: %w", err)}
	}

	log.G(ctx).WithField("tap", p.TapDevice).Info("tap device removed")
	return nil
}

func (b *Binder) ensureAcceptPair(ctx context.Context, tap string) error {
	egress, err := b.egressDevice(ctx)
	if err != nil {
		return err
	}

	if err := b.ensureRule(ctx, forwardAcceptRule(tap, egress)); err != nil {
		return err
	}
	return b.ensureRule(ctx, conntrackReturnRule(tap))
}

func (b *Binder) deleteAcceptPair(ctx context.Context, tap string) {
	// The return rule carries no egress device, so it is removable even when
	// egress discovery fails during teardown.
	b.deleteRule(ctx, conntrackReturnRule(tap))

	egress, err := b.egressDevice(ctx)
	if err != nil {
		log.G(ctx).WithError(err).WithField("tap", tap).Debug("skipping egress-scoped rule removal")
		return
	}
	b.deleteRule(ctx, forwardAcceptRule(tap, egress))
}
