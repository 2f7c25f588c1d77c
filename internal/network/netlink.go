//go:build linux

package network

import (
	"net"

	"github.com/vishvananda/netlink"
)

// NetlinkOperator is the slice of netlink the binder uses for TAP lifecycle
// and egress discovery. Tests fake it; production uses the real package.
type NetlinkOperator interface {
	LinkByName(name string) (netlink.Link, error)
	LinkAdd(link netlink.Link) error
	LinkDel(link netlink.Link) error
	LinkSetUp(link netlink.Link) error
	AddrAdd(link netlink.Link, addr *netlink.Addr) error
	RouteGet(destination net.IP) ([]netlink.Route, error)
	LinkByIndex(index int) (netlink.Link, error)
}

// DefaultNetlinkOperator implements NetlinkOperator using netlink
type DefaultNetlinkOperator struct{}

func NewDefaultNetlinkOperator() NetlinkOperator {
	return &DefaultNetlinkOperator{}
}

func (o *DefaultNetlinkOperator) LinkByName(name string) (netlink.Link, error) {
	return netlink.LinkByName(name)
}

func (o *DefaultNetlinkOperator) LinkAdd(link netlink.Link) error {
	return netlink.LinkAdd(link)
}

func (o *DefaultNetlinkOperator) LinkDel(link netlink.Link) error {
	return netlink.LinkDel(link)
}

func (o *DefaultNetlinkOperator) LinkSetUp(link netlink.Link) error {
	return netlink.LinkSetUp(link)
}

func (o *DefaultNetlinkOperator) AddrAdd(link netlink.Link, addr *netlink.Addr) error {
	return netlink.AddrAdd(link, addr)
}

func (o *DefaultNetlinkOperator) RouteGet(destination net.IP) ([]netlink.Route, error) {
	return netlink.RouteGet(destination)
}

func (o *DefaultNetlinkOperator) LinkByIndex(index int) (netlink.Link, error) {
	return netlink.LinkByIndex(index)
}
