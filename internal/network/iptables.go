//go:build linux

package network

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/containerd/log"
)

// IptablesRunner runs one iptables invocation and returns combined output.
// The binder shells out to the host binary so the rules it manages are the
// same ones operators inspect with iptables -L.
type IptablesRunner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

type execIptables struct{}

func (execIptables) Run(ctx context.Context, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, "iptables", args...).CombinedOutput()
}

// rule is one iptables rule; check, add, and delete argument lists are
// derived from the same spec so they can never drift apart.
type rule struct {
	table string // empty means the filter table
	chain string
	pos   string // insert position; empty appends instead
	spec  []string
}

func (r rule) check() []string { return r.build("-C", false) }
func (r rule) del() []string   { return r.build("-D", false) }

func (r rule) add() []string {
	if r.pos != "" {
		return r.build("-I", true)
	}
	return r.build("-A", false)
}

func (r rule) build(action string, withPos bool) []string {
	var args []string
	if r.table != "" {
		args = append(args, "-t", r.table)
	}
	args = append(args, action, r.chain)
	if withPos {
		args = append(args, r.pos)
	}
	return append(args, r.spec...)
}

func masqueradeRule(egress string) rule {
	return rule{
		table: "nat",
		chain: "POSTROUTING",
		spec:  []string{"-o", egress, "-j", "MASQUERADE"},
	}
}

// Per-device accept pair. Inserted at the top of FORWARD so instances keep
// connectivity even when the chain policy is DROP.
func forwardAcceptRule(tap, egress string) rule {
	return rule{
		chain: "FORWARD",
		pos:   "1",
		spec:  []string{"-i", tap, "-o", egress, "-j", "ACCEPT"},
	}
}

func conntrackReturnRule(tap string) rule {
	return rule{
		chain: "FORWARD",
		pos:   "2",
		spec:  []string{"-o", tap, "-m", "conntrack", "--ctstate", "RELATED,ESTABLISHED", "-j", "ACCEPT"},
	}
}

// ensureRule adds a rule only when the check exits nonzero, so repeated runs
// never stack duplicates. This check-then-add sequence is not atomic, which
// is why instance starts run sequentially.
func (b *Binder) ensureRule(ctx context.Context, r rule) error {
	if _, err := b.ipt.Run(ctx, r.check()...); err == nil {
		log.G(ctx).WithField("rule", strings.Join(r.spec, " ")).Debug("iptables rule already present")
		return nil
	}

	args := r.add()
	if out, err := b.ipt.Run(ctx, args...); err != nil {
		return fmt.Errorf("failed to add iptables rule %q: %w (output: %s)", strings.Join(args, " "), err, string(out))
	}
	log.G(ctx).WithField("rule", strings.Join(args, " ")).Info("added iptables rule")
	return nil
}

// deleteRule removes a rule when present. A missing rule is not an error so
// teardown stays idempotent.
func (b *Binder) deleteRule(ctx context.Context, r rule) {
	if _, err := b.ipt.Run(ctx, r.check()...); err != nil {
		return
	}

	args := r.del()
	if out, err := b.ipt.Run(ctx, args...); err != nil {
		log.G(ctx).WithError(err).WithFields(log.Fields{
			"rule":   strings.Join(args, " "),
			"output": string(out),
		}).Warn("failed to remove iptables rule")
		return
	}
	log.G(ctx).WithField("rule", strings.Join(args, " ")).Debug("removed iptables rule")
}
