package netcfg

import (
	"context"
	"fmt"
	"net"
	"sort"
	"syscall"

	"github.com/vishvananda/netlink"

	"github.com/markus-lassfolk/linkfailover/pkg"
	"github.com/markus-lassfolk/linkfailover/pkg/logx"
)

// Netlinker is the subset of netlink operations the Linux adapter needs
type Netlinker interface {
	LinkList() ([]netlink.Link, error)
	LinkByName(name string) (netlink.Link, error)
	LinkSetUp(link netlink.Link) error
	LinkSetDown(link netlink.Link) error
	AddrList(link netlink.Link, family int) ([]netlink.Addr, error)
	RouteList(link netlink.Link, family int) ([]netlink.Route, error)
	RouteAdd(route *netlink.Route) error
	RouteDel(route *netlink.Route) error
}

// Netlink maps services onto Linux links. Priority is expressed through the
// metric of each link's IPv4 default route: lower metric wins.
type Netlink struct {
	nl         Netlinker
	metricBase int
	metricStep int
	logger     *logx.Logger
}

// NewNetlink creates a Linux adapter. A nil Netlinker uses the kernel.
func NewNetlink(nl Netlinker, metricBase, metricStep int, logger *logx.Logger) *Netlink {
	if nl == nil {
		nl = DefaultNetlinker
	}
	if metricStep <= 0 {
		metricStep = 100
	}
	if logger == nil {
		logger = &logx.Logger{}
	}
	return &Netlink{nl: nl, metricBase: metricBase, metricStep: metricStep, logger: logger}
}

// ListServices returns all links except loopback
func (n *Netlink) ListServices(ctx context.Context) ([]string, error) {
	links, err := n.nl.LinkList()
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	var names []string
	for _, link := range links {
		attrs := link.Attrs()
		if attrs == nil || attrs.Flags&net.FlagLoopback != 0 {
			continue
		}
		names = append(names, attrs.Name)
	}
	sort.Strings(names)
	return names, nil
}

// ServiceInfo reports admin state, first IPv4 address and default gateway of a link
func (n *Netlink) ServiceInfo(ctx context.Context, name string) (*pkg.ServiceInfo, error) {
	link, err := n.nl.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("link %s: %w", name, err)
	}

	info := &pkg.ServiceInfo{Enabled: link.Attrs().Flags&net.FlagUp != 0}

	addrs, err := n.nl.AddrList(link, syscall.AF_INET)
	if err != nil {
		return nil, fmt.Errorf("addresses of %s: %w", name, err)
	}
	for _, addr := range addrs {
		if addr.IPNet == nil || addr.IP.To4() == nil {
			continue
		}
		info.IP = addr.IP.To4().String()
		info.Mask = net.IP(addr.Mask).String()
		break
	}

	if route, ok, err := n.defaultRoute(link); err != nil {
		return nil, err
	} else if ok && route.Gw != nil {
		info.Router = route.Gw.String()
	}
	return info, nil
}

// SetServiceEnabled sets the link administratively up or down
func (n *Netlink) SetServiceEnabled(ctx context.Context, name string, enabled bool) error {
	link, err := n.nl.LinkByName(name)
	if err != nil {
		return fmt.Errorf("link %s: %w", name, err)
	}
	if enabled {
		err = n.nl.LinkSetUp(link)
	} else {
		err = n.nl.LinkSetDown(link)
	}
	if err != nil {
		return fmt.Errorf("failed to set %s enabled=%v: %w", name, enabled, err)
	}
	return nil
}

type rankedLink struct {
	name   string
	metric int
	routed bool
}

// ServiceOrder lists links with a default route by ascending metric, then the rest by name
func (n *Netlink) ServiceOrder(ctx context.Context) ([]string, error) {
	ranked, err := n.rankLinks()
	if err != nil {
		return nil, err
	}
	order := make([]string, 0, len(ranked))
	for _, r := range ranked {
		order = append(order, r.name)
	}
	return order, nil
}

func (n *Netlink) rankLinks() ([]rankedLink, error) {
	names, err := n.ListServices(context.Background())
	if err != nil {
		return nil, err
	}

	ranked := make([]rankedLink, 0, len(names))
	for _, name := range names {
		link, err := n.nl.LinkByName(name)
		if err != nil {
			return nil, fmt.Errorf("link %s: %w", name, err)
		}
		route, ok, err := n.defaultRoute(link)
		if err != nil {
			return nil, err
		}
		ranked = append(ranked, rankedLink{name: name, metric: route.Priority, routed: ok})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].routed != ranked[j].routed {
			return ranked[i].routed
		}
		if ranked[i].routed && ranked[i].metric != ranked[j].metric {
			return ranked[i].metric < ranked[j].metric
		}
		return ranked[i].name < ranked[j].name
	})
	return ranked, nil
}

// SetServiceOrder rewrites default route metrics so that order[i] gets
// metricBase + i*metricStep. Links without a default route are left alone.
//
// The kernel keys IPv4 routes by destination and metric, so a link cannot take
// a metric another link still holds. Moving links are first parked on free
// metrics above every metric in use, then placed on their targets. Each step
// adds the new route before removing the old one so a default route always
// exists.
func (n *Netlink) SetServiceOrder(ctx context.Context, order []string) error {
	var moves []routeMove
	for i, name := range order {
		link, err := n.nl.LinkByName(name)
		if err != nil {
			return fmt.Errorf("link %s: %w", name, err)
		}
		route, ok, err := n.defaultRoute(link)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		want := n.metricBase + i*n.metricStep
		if route.Priority == want {
			continue
		}
		moves = append(moves, routeMove{name: name, route: route, want: want})
	}
	if len(moves) == 0 {
		return nil
	}

	park, err := n.parkingMetric(len(order))
	if err != nil {
		return err
	}
	for i := range moves {
		m := &moves[i]
		parked, err := n.moveRoute(m.name, m.route, park+i)
		if err != nil {
			return err
		}
		m.route = parked
	}

	for _, m := range moves {
		if _, err := n.moveRoute(m.name, m.route, m.want); err != nil {
			return err
		}
		n.logger.Debug("Default route metric updated", "link", m.name, "to", m.want)
	}
	return nil
}

type routeMove struct {
	name  string
	route netlink.Route
	want  int
}

// moveRoute re-adds route with metric and removes the original
func (n *Netlink) moveRoute(name string, route netlink.Route, metric int) (netlink.Route, error) {
	replacement := route
	replacement.Priority = metric
	if err := n.nl.RouteAdd(&replacement); err != nil {
		return route, fmt.Errorf("failed to add default route for %s metric %d: %w", name, metric, err)
	}
	old := route
	if err := n.nl.RouteDel(&old); err != nil {
		return replacement, fmt.Errorf("failed to remove default route for %s metric %d: %w", name, route.Priority, err)
	}
	return replacement, nil
}

// parkingMetric returns the first metric above every default route metric in
// use and above every target metric for an order of size services
func (n *Netlink) parkingMetric(size int) (int, error) {
	links, err := n.nl.LinkList()
	if err != nil {
		return 0, fmt.Errorf("failed to list links: %w", err)
	}

	highest := n.metricBase + size*n.metricStep
	for _, link := range links {
		routes, err := n.nl.RouteList(link, syscall.AF_INET)
		if err != nil {
			return 0, fmt.Errorf("routes of %s: %w", link.Attrs().Name, err)
		}
		for _, r := range routes {
			if isDefaultRoute(r) && r.Priority > highest {
				highest = r.Priority
			}
		}
	}
	return highest + 1, nil
}

// defaultRoute returns the lowest-metric IPv4 default route through link
func (n *Netlink) defaultRoute(link netlink.Link) (netlink.Route, bool, error) {
	routes, err := n.nl.RouteList(link, syscall.AF_INET)
	if err != nil {
		return netlink.Route{}, false, fmt.Errorf("routes of %s: %w", link.Attrs().Name, err)
	}

	var best netlink.Route
	found := false
	for _, r := range routes {
		if !isDefaultRoute(r) {
			continue
		}
		if !found || r.Priority < best.Priority {
			best = r
			found = true
		}
	}
	return best, found, nil
}

func isDefaultRoute(r netlink.Route) bool {
	if r.Dst == nil {
		return true
	}
	ones, _ := r.Dst.Mask.Size()
	return ones == 0 && r.Dst.IP.IsUnspecified()
}
