//go:build linux

package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/nftables"
	"github.com/vishvananda/netlink"

	"github.com/firelab-io/firelab/internal/config"
	"github.com/firelab-io/firelab/internal/plan"
)

// fakeNetlink keeps links in a map and records calls. The egress device at
// index 1 is always present so route discovery works.
type fakeNetlink struct {
	links map[string]netlink.Link

	linkAddErr   error
	addrAddErr   error
	linkSetUpErr error
	routeGetErr  error

	deleted []string
	addrs   []string
	ups     []string
}

const egressName = "eth0"

func newFakeNetlink() *fakeNetlink {
	return &fakeNetlink{
		links: map[string]netlink.Link{
			egressName: &netlink.GenericLink{
				LinkAttrs: netlink.LinkAttrs{Name: egressName, Index: 1},
			},
		},
	}
}

func (f *fakeNetlink) LinkByName(name string) (netlink.Link, error) {
	link, ok := f.links[name]
	if !ok {
		return nil, fmt.Errorf("link %s not found", name)
	}
	return link, nil
}

func (f *fakeNetlink) LinkAdd(link netlink.Link) error {
	if f.linkAddErr != nil {
		return f.linkAddErr
	}
	name := link.Attrs().Name
	if _, ok := f.links[name]; ok {
		return fmt.Errorf("link %s exists", name)
	}
	f.links[name] = link
	return nil
}

func (f *fakeNetlink) LinkDel(link netlink.Link) error {
	name := link.Attrs().Name
	if _, ok := f.links[name]; !ok {
		return fmt.Errorf("link %s not found", name)
	}
	delete(f.links, name)
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeNetlink) LinkSetUp(link netlink.Link) error {
	if f.linkSetUpErr != nil {
		return f.linkSetUpErr
	}
	f.ups = append(f.ups, link.Attrs().Name)
	return nil
}

func (f *fakeNetlink) AddrAdd(link netlink.Link, addr *netlink.Addr) error {
	if f.addrAddErr != nil {
		return f.addrAddErr
	}
	f.addrs = append(f.addrs, fmt.Sprintf("%s=%s", link.Attrs().Name, addr.IPNet.String()))
	return nil
}

func (f *fakeNetlink) RouteGet(destination net.IP) ([]netlink.Route, error) {
	if f.routeGetErr != nil {
		return nil, f.routeGetErr
	}
	return []netlink.Route{{LinkIndex: 1}}, nil
}

func (f *fakeNetlink) LinkByIndex(index int) (netlink.Link, error) {
	for _, link := range f.links {
		if link.Attrs().Index == index {
			return link, nil
		}
	}
	return nil, fmt.Errorf("no link with index %d", index)
}

// fakeIptables treats present rules as a set keyed by the joined check args.
type fakeIptables struct {
	present map[string]bool
	runs    []string
	failAdd bool
}

func newFakeIptables() *fakeIptables {
	return &fakeIptables{present: map[string]bool{}}
}

func (f *fakeIptables) key(args []string) string {
	// The rule identity is everything except the action and position.
	var parts []string
	skipNext := false
	for i, a := range args {
		if skipNext {
			skipNext = false
			continue
		}
		switch a {
		case "-C", "-A", "-D", "-I":
			parts = append(parts, args[i+1]) // keep the chain name
			skipNext = true
		default:
			parts = append(parts, a)
		}
	}
	// Drop a numeric insert position following the chain.
	var out []string
	for _, p := range parts {
		if len(p) > 0 && p[0] >= '1' && p[0] <= '9' && len(p) <= 2 {
			continue
		}
		out = append(out, p)
	}
	return strings.Join(out, " ")
}

func (f *fakeIptables) Run(ctx context.Context, args ...string) ([]byte, error) {
	f.runs = append(f.runs, strings.Join(args, " "))
	key := f.key(args)

	for _, a := range args {
		switch a {
		case "-C":
			if !f.present[key] {
				return nil, errors.New("rule missing")
			}
			return nil, nil
		case "-A", "-I":
			if f.failAdd {
				return []byte("permission denied"), errors.New("exit status 4")
			}
			f.present[key] = true
			return nil, nil
		case "-D":
			if !f.present[key] {
				return nil, errors.New("rule missing")
			}
			delete(f.present, key)
			return nil, nil
		}
	}
	return nil, fmt.Errorf("unhandled args: %v", args)
}

func (f *fakeIptables) ruleCount() int { return len(f.present) }

type fakeNFT struct {
	policy *nftables.ChainPolicy
	err    error
}

func (f *fakeNFT) GetChains(table *nftables.Table) ([]*nftables.Chain, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []*nftables.Chain{{
		Name:   "FORWARD",
		Table:  table,
		Policy: f.policy,
	}}, nil
}

func testBinder(t *testing.T, nl *fakeNetlink, ipt *fakeIptables) *Binder {
	t.Helper()

	forwardPath := filepath.Join(t.TempDir(), "ip_forward")
	if err := os.WriteFile(forwardPath, []byte("0\n"), 0644); err != nil {
		t.Fatal(err)
	}

	accept := nftables.ChainPolicyAccept
	return &Binder{
		ops:         nl,
		ipt:         ipt,
		nft:         &fakeNFT{policy: &accept},
		forwardPath: forwardPath,
	}
}

func testPlan(t *testing.T, index int) plan.Plan {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Paths.StateDir = t.TempDir()
	cfg.Paths.LogDir = t.TempDir()

	p, err := plan.New(cfg).Plan(index)
	if err != nil {
		t.Fatalf("Plan(%d) error = %v", index, err)
	}
	return p
}

func TestBind_CreatesTapAddressedAndUp(t *testing.T) {
	nl := newFakeNetlink()
	ipt := newFakeIptables()
	b := testBinder(t, nl, ipt)
	p := testPlan(t, 1)

	if err := b.Bind(context.Background(), p); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	link, ok := nl.links["veth1"]
	if !ok {
		t.Fatal("tap device veth1 not created")
	}
	tap, ok := link.(*netlink.Tuntap)
	if !ok || tap.Mode != netlink.TUNTAP_MODE_TAP {
		t.Errorf("veth1 is not a TAP device: %#v", link)
	}
	if len(nl.addrs) != 1 || nl.addrs[0] != "veth1=10.0.1.1/24" {
		t.Errorf("addrs = %v, want [veth1=10.0.1.1/24]", nl.addrs)
	}
	if len(nl.ups) != 1 || nl.ups[0] != "veth1" {
		t.Errorf("ups = %v, want [veth1]", nl.ups)
	}
	if ipt.ruleCount() != 2 {
		t.Errorf("iptables rules = %d, want the accept pair", ipt.ruleCount())
	}
}

func TestBind_ExistingDeviceIsNoop(t *testing.T) {
	nl := newFakeNetlink()
	ipt := newFakeIptables()
	b := testBinder(t, nl, ipt)
	p := testPlan(t, 1)

	ctx := context.Background()
	if err := b.Bind(ctx, p); err != nil {
		t.Fatalf("first Bind() error = %v", err)
	}
	addrsBefore := len(nl.addrs)
	runsBefore := len(ipt.runs)

	if err := b.Bind(ctx, p); err != nil {
		t.Fatalf("second Bind() error = %v", err)
	}
	if len(nl.addrs) != addrsBefore {
		t.Error("second Bind reconfigured addresses on an existing device")
	}
	if len(ipt.runs) != runsBefore {
		t.Error("second Bind touched iptables for an existing device")
	}
}

func TestBind_RollsBackHalfConfiguredDevice(t *testing.T) {
	nl := newFakeNetlink()
	nl.linkSetUpErr = errors.New("device busy")
	ipt := newFakeIptables()
	b := testBinder(t, nl, ipt)
	p := testPlan(t, 1)

	err := b.Bind(context.Background(), p)
	if err == nil {
		t.Fatal("Bind() should fail when the device cannot come up")
	}
	var bindErr *BindError
	if !errors.As(err, &bindErr) || bindErr.Device != "veth1" {
		t.Errorf("error = %v, want *BindError for veth1", err)
	}
	if _, ok := nl.links["veth1"]; ok {
		t.Error("half-configured tap device was left behind")
	}
}

func TestBind_IptablesFailureRollsBack(t *testing.T) {
	nl := newFakeNetlink()
	ipt := newFakeIptables()
	ipt.failAdd = true
	b := testBinder(t, nl, ipt)
	p := testPlan(t, 1)

	if err := b.Bind(context.Background(), p); err == nil {
		t.Fatal("Bind() should fail when the accept pair cannot be added")
	}
	if _, ok := nl.links["veth1"]; ok {
		t.Error("tap device left behind after iptables failure")
	}
}

func TestUnbind_RemovesDeviceAndRules(t *testing.T) {
	nl := newFakeNetlink()
	ipt := newFakeIptables()
	b := testBinder(t, nl, ipt)
	p := testPlan(t, 1)

	ctx := context.Background()
	if err := b.Bind(ctx, p); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if err := b.Unbind(ctx, p); err != nil {
		t.Fatalf("Unbind() error = %v", err)
	}

	if _, ok := nl.links["veth1"]; ok {
		t.Error("tap device still present after Unbind")
	}
	if ipt.ruleCount() != 0 {
		t.Errorf("iptables rules = %d after Unbind, want 0", ipt.ruleCount())
	}
}

func TestUnbind_AbsentDeviceIsSuccess(t *testing.T) {
	nl := newFakeNetlink()
	ipt := newFakeIptables()
	b := testBinder(t, nl, ipt)
	p := testPlan(t, 1)

	if err := b.Unbind(context.Background(), p); err != nil {
		t.Fatalf("Unbind() of absent device error = %v", err)
	}
	if len(nl.deleted) != 0 {
		t.Errorf("deleted = %v, want none", nl.deleted)
	}
}

func TestBindUnbind_Repeatable(t *testing.T) {
	nl := newFakeNetlink()
	ipt := newFakeIptables()
	b := testBinder(t, nl, ipt)
	p := testPlan(t, 3)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := b.Bind(ctx, p); err != nil {
			t.Fatalf("Bind() round %d error = %v", i, err)
		}
		if err := b.Unbind(ctx, p); err != nil {
			t.Fatalf("Unbind() round %d error = %v", i, err)
		}
	}
	if _, ok := nl.links["veth3"]; ok {
		t.Error("device survived the final Unbind")
	}
	if ipt.ruleCount() != 0 {
		t.Errorf("iptables rules = %d, want 0", ipt.ruleCount())
	}
}

func TestEnsureShared_EnablesForwardingAndMasquerade(t *testing.T) {
	nl := newFakeNetlink()
	ipt := newFakeIptables()
	b := testBinder(t, nl, ipt)

	if err := b.EnsureShared(context.Background()); err != nil {
		t.Fatalf("EnsureShared() error = %v", err)
	}

	data, err := os.ReadFile(b.forwardPath)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(data)) != "1" {
		t.Errorf("ip_forward = %q, want 1", data)
	}
	if ipt.ruleCount() != 1 {
		t.Errorf("iptables rules = %d, want the masquerade rule", ipt.ruleCount())
	}
}

func TestEnsureShared_Idempotent(t *testing.T) {
	nl := newFakeNetlink()
	ipt := newFakeIptables()
	b := testBinder(t, nl, ipt)

	ctx := context.Background()
	if err := b.EnsureShared(ctx); err != nil {
		t.Fatalf("first EnsureShared() error = %v", err)
	}
	if err := b.EnsureShared(ctx); err != nil {
		t.Fatalf("second EnsureShared() error = %v", err)
	}
	if ipt.ruleCount() != 1 {
		t.Errorf("iptables rules = %d after two runs, want exactly 1", ipt.ruleCount())
	}
}

func TestReleaseShared_RemovesMasqueradeKeepsForwarding(t *testing.T) {
	nl := newFakeNetlink()
	ipt := newFakeIptables()
	b := testBinder(t, nl, ipt)

	ctx := context.Background()
	if err := b.EnsureShared(ctx); err != nil {
		t.Fatalf("EnsureShared() error = %v", err)
	}
	if err := b.ReleaseShared(ctx); err != nil {
		t.Fatalf("ReleaseShared() error = %v", err)
	}

	if ipt.ruleCount() != 0 {
		t.Errorf("iptables rules = %d, want 0", ipt.ruleCount())
	}
	data, err := os.ReadFile(b.forwardPath)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(data)) != "1" {
		t.Error("ReleaseShared must leave IPv4 forwarding enabled")
	}
}

func TestEnsureShared_NoEgressRoute(t *testing.T) {
	nl := newFakeNetlink()
	nl.routeGetErr = errors.New("network is unreachable")
	ipt := newFakeIptables()
	b := testBinder(t, nl, ipt)

	if err := b.EnsureShared(context.Background()); err == nil {
		t.Fatal("EnsureShared() should fail without an egress route")
	}
}

func TestCheckForwardPolicy_DropPrintsGuidanceOnce(t *testing.T) {
	nl := newFakeNetlink()
	ipt := newFakeIptables()
	b := testBinder(t, nl, ipt)
	drop := nftables.ChainPolicyDrop
	b.nft = &fakeNFT{policy: &drop}

	ctx := context.Background()
	b.checkForwardPolicy(ctx)
	if !b.guidancePrinted {
		t.Error("guidance not printed for DROP policy")
	}

	// A second check stays quiet; the flag guards the printing.
	b.checkForwardPolicy(ctx)
}

func TestCheckForwardPolicy_InspectionFailureIsAdvisory(t *testing.T) {
	nl := newFakeNetlink()
	ipt := newFakeIptables()
	b := testBinder(t, nl, ipt)
	b.nft = &fakeNFT{err: errors.New("netlink receive: permission denied")}

	b.checkForwardPolicy(context.Background())
	if b.guidancePrinted {
		t.Error("inspection failure must not trigger operator guidance")
	}
}
