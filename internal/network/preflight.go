//go:build linux

package network

import (
	"context"
	"fmt"
	"os"

	"github.com/containerd/log"
	"github.com/google/nftables"
	"github.com/gookit/color"
	"github.com/mattn/go-isatty"
)

// NFTablesOperator is the slice of nftables the FORWARD preflight uses. Rule
// management stays with the iptables binary; nftables is only used to read
// chain policies, which the iptables CLI does not report uniformly across
// legacy and nft backends.
type NFTablesOperator interface {
	GetChains(table *nftables.Table) ([]*nftables.Chain, error)
}

// DefaultNFTablesOperator implements NFTablesOperator using nftables
type DefaultNFTablesOperator struct {
	conn *nftables.Conn
}

func NewDefaultNFTablesOperator() (NFTablesOperator, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nftables: %w", err)
	}
	return &DefaultNFTablesOperator{conn: conn}, nil
}

// GetChains returns the chains belonging to the given table.
func (op *DefaultNFTablesOperator) GetChains(table *nftables.Table) ([]*nftables.Chain, error) {
	chains, err := op.conn.ListChains()
	if err != nil {
		return nil, fmt.Errorf("failed to list chains: %w", err)
	}

	var tableChains []*nftables.Chain
	for _, chain := range chains {
		if chain.Table.Name == table.Name && chain.Table.Family == table.Family {
			tableChains = append(tableChains, chain)
		}
	}
	return tableChains, nil
}

// checkForwardPolicy inspects the filter FORWARD chain policy. A DROP policy
// does not fail the run, the per-device accept pair is inserted ahead of it,
// but the operator gets one loud hint about the host configuration. Any
// inspection failure is logged and skipped; this is advisory only.
func (b *Binder) checkForwardPolicy(ctx context.Context) {
	if b.nft == nil {
		log.G(ctx).Debug("nftables unavailable, skipping FORWARD policy check")
		return
	}

	filterTable := &nftables.Table{
		Family: nftables.TableFamilyIPv4,
		Name:   "filter",
	}
	chains, err := b.nft.GetChains(filterTable)
	if err != nil {
		log.G(ctx).WithError(err).Debug("failed to inspect filter table chains")
		return
	}

	for _, chain := range chains {
		if chain.Name != "FORWARD" {
			continue
		}
		if chain.Policy == nil || *chain.Policy == nftables.ChainPolicyAccept {
			log.G(ctx).Debug("FORWARD chain policy accepts forwarded traffic")
			return
		}

		log.G(ctx).Warn("FORWARD chain policy is DROP, inserting per-instance ACCEPT rules ahead of it")
		b.printPolicyGuidance()
		return
	}

	log.G(ctx).Debug("no FORWARD chain found in filter table")
}

// printPolicyGuidance explains how to open the FORWARD chain permanently.
// Printed at most once per binder.
func (b *Binder) printPolicyGuidance() {
	if b.guidancePrinted {
		return
	}
	b.guidancePrinted = true

	fmt.Println()
	fmt.Println("The iptables FORWARD chain policy on this host is DROP.")
	fmt.Println("Per-instance ACCEPT rules are inserted automatically, but if guests cannot")
	fmt.Println("reach the network, set the policy to ACCEPT:")
	fmt.Println()
	fmt.Printf("    %s\n", boldString("sudo iptables -P FORWARD ACCEPT"))
	fmt.Println()
	fmt.Println("Verify the change with:")
	fmt.Printf("    %s\n", boldString("sudo iptables -L FORWARD | head -1"))
	fmt.Println("    Should show: Chain FORWARD (policy ACCEPT)")
	fmt.Println()
}

// boldString returns a bold-formatted string if color output is supported
func boldString(msg string) string {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return msg
	}
	return color.Bold.Sprint(msg)
}
