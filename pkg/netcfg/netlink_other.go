//go:build !linux

package netcfg

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// DefaultNetlinker is a stub on platforms without netlink
var DefaultNetlinker Netlinker = &unsupportedNetlinker{}

var errNetlinkUnsupported = fmt.Errorf("netlink backend is only available on linux")

type unsupportedNetlinker struct{}

func (u *unsupportedNetlinker) LinkList() ([]netlink.Link, error) {
	return nil, errNetlinkUnsupported
}

func (u *unsupportedNetlinker) LinkByName(name string) (netlink.Link, error) {
	return nil, errNetlinkUnsupported
}

func (u *unsupportedNetlinker) LinkSetUp(link netlink.Link) error {
	return errNetlinkUnsupported
}

func (u *unsupportedNetlinker) LinkSetDown(link netlink.Link) error {
	return errNetlinkUnsupported
}

func (u *unsupportedNetlinker) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	return nil, errNetlinkUnsupported
}

func (u *unsupportedNetlinker) RouteList(link netlink.Link, family int) ([]netlink.Route, error) {
	return nil, errNetlinkUnsupported
}

func (u *unsupportedNetlinker) RouteAdd(route *netlink.Route) error {
	return errNetlinkUnsupported
}

func (u *unsupportedNetlinker) RouteDel(route *netlink.Route) error {
	return errNetlinkUnsupported
}
