//go:build linux

package network

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/containerd/log"
)

const (
	ipForwardPath = "/proc/sys/net/ipv4/ip_forward"

	// egressProbeIP is only used for a route table lookup; no packets are sent.
	egressProbeIP = "1.1.1.1"
)

// EnsureShared puts the host-global forwarding state in place: IPv4
// forwarding enabled and exactly one MASQUERADE rule for the egress device.
// Called once per start run, before any instance is bound.
func (b *Binder) EnsureShared(ctx context.Context) error {
	b.checkForwardPolicy(ctx)

	if err := b.enableIPForward(ctx); err != nil {
		return fmt.Errorf("failed to enable ip forwarding: %w", err)
	}

	egress, err := b.egressDevice(ctx)
	if err != nil {
		return err
	}
	if err := b.ensureRule(ctx, masqueradeRule(egress)); err != nil {
		return fmt.Errorf("failed to ensure masquerade rule: %w", err)
	}
	return nil
}

// ReleaseShared removes the MASQUERADE rule. IPv4 forwarding stays enabled:
// it is host-global and other tenants may depend on it.
func (b *Binder) ReleaseShared(ctx context.Context) error {
	egress, err := b.egressDevice(ctx)
	if err != nil {
		log.G(ctx).WithError(err).Debug("skipping masquerade removal, no egress device")
		return nil
	}
	b.deleteRule(ctx, masqueradeRule(egress))
	return nil
}

func (b *Binder) enableIPForward(ctx context.Context) error {
	data, err := os.ReadFile(b.forwardPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", b.forwardPath, err)
	}
	if strings.TrimSpace(string(data)) == "1" {
		return nil
	}

	log.G(ctx).Info("enabling IPv4 forwarding")
	if err := os.WriteFile(b.forwardPath, []byte("1\n"), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", b.forwardPath, err)
	}
	return nil
}

// egressDevice resolves the device carrying the default route, cached for
// the life of the binder.
func (b *Binder) egressDevice(ctx context.Context) (string, error) {
	if b.egress != "" {
		return b.egress, nil
	}

	routes, err := b.ops.RouteGet(net.ParseIP(egressProbeIP))
	if err != nil {
		return "", fmt.Errorf("failed to discover egress route: %w", err)
	}
	if len(routes) == 0 || routes[0].LinkIndex == 0 {
		return "", fmt.Errorf("no egress route found for %s", egressProbeIP)
	}

	link, err := b.ops.LinkByIndex(routes[0].LinkIndex)
	if err != nil {
		return "", fmt.Errorf("failed to resolve egress device: %w", err)
	}

	b.egress = link.Attrs().Name
	log.G(ctx).WithField("egress", b.egress).Debug("discovered egress device")
	return b.egress, nil
}
