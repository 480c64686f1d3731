//go:build linux

package netcfg

import "github.com/vishvananda/netlink"

// DefaultNetlinker talks to the running kernel
var DefaultNetlinker Netlinker = &kernelNetlinker{}

type kernelNetlinker struct{}

func (k *kernelNetlinker) LinkList() ([]netlink.Link, error) {
	return netlink.LinkList()
}

func (k *kernelNetlinker) LinkByName(name string) (netlink.Link, error) {
	return netlink.LinkByName(name)
}

func (k *kernelNetlinker) LinkSetUp(link netlink.Link) error {
	return netlink.LinkSetUp(link)
}

func (k *kernelNetlinker) LinkSetDown(link netlink.Link) error {
	return netlink.LinkSetDown(link)
}

func (k *kernelNetlinker) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	return netlink.AddrList(link, family)
}

func (k *kernelNetlinker) RouteList(link netlink.Link, family int) ([]netlink.Route, error) {
	return netlink.RouteList(link, family)
}

func (k *kernelNetlinker) RouteAdd(route *netlink.Route) error {
	return netlink.RouteAdd(route)
}

func (k *kernelNetlinker) RouteDel(route *netlink.Route) error {
	return netlink.RouteDel(route)
}
